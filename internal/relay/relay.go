// Package relay accepts meeting audio over websockets and drives each
// connection's call session from START to finalization.
package relay

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/auth"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/config"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/events"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/recording"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/session"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/storage"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/transcribe"
)

// Deps are the relay's collaborators.
type Deps struct {
	Registry    *session.Registry
	Verifier    auth.Verifier
	Transcriber transcribe.Client
	Publisher   events.Publisher
	Uploader    storage.Uploader
	Health      http.Handler
}

// Relay owns the live websocket connections and their sessions.
type Relay struct {
	cfg         *config.Config
	logger      *zap.Logger
	registry    *session.Registry
	verifier    auth.Verifier
	transcriber transcribe.Client
	publisher   events.Publisher
	finalizer   *recording.Finalizer
	health      http.Handler
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	conns    map[string]*connection
	draining bool
	wg       sync.WaitGroup
}

// New creates a Relay. A nil Registry gets a fresh one; a nil Transcriber
// disables transcription.
func New(cfg *config.Config, logger *zap.Logger, deps Deps) *Relay {
	if deps.Registry == nil {
		deps.Registry = session.NewRegistry()
	}
	if deps.Transcriber == nil {
		deps.Transcriber = transcribe.Disabled{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.LogPublisher{Logger: logger}
	}
	if deps.Uploader == nil {
		deps.Uploader = storage.NewMemoryStore()
	}
	return &Relay{
		cfg:         cfg,
		logger:      logger,
		registry:    deps.Registry,
		verifier:    deps.Verifier,
		transcriber: deps.Transcriber,
		publisher:   deps.Publisher,
		finalizer:   recording.NewFinalizer(deps.Uploader, deps.Publisher, cfg.Recording.Prefix, logger),
		health:      deps.Health,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:  cfg.WebSocket.WriteBufferSize,
			// Browser extensions connect from their own origin; the auth gate
			// is the access check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
	}
}

// Registry returns the session registry.
func (rl *Relay) Registry() *session.Registry {
	return rl.registry
}

// Handler returns the public HTTP handler: the health check and the
// authenticated websocket endpoint.
func (rl *Relay) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(requestLogger(rl.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "id_token", "refresh_token"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if rl.health != nil {
		r.Method(http.MethodGet, "/health/check", rl.health)
	}
	r.With(auth.Gate(rl.verifier, rl.logger)).Get(rl.cfg.Server.WSPath, rl.ServeWS)
	return r
}

// ServeWS upgrades an admitted request and runs the connection until it
// closes.
func (rl *Relay) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	rl.mu.Lock()
	draining := rl.draining
	rl.mu.Unlock()
	if draining {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logger.Warn("websocket upgrade failed", zap.String("clientIP", r.RemoteAddr), zap.Error(err))
		return
	}

	c := newConnection(rl, ws, identity, r.RemoteAddr)
	if !rl.track(c) {
		ws.Close()
		return
	}
	defer rl.untrack(c)
	c.serve()
}

func (rl *Relay) track(c *connection) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.draining {
		return false
	}
	rl.conns[c.id] = c
	rl.wg.Add(1)
	return true
}

func (rl *Relay) untrack(c *connection) {
	rl.mu.Lock()
	delete(rl.conns, c.id)
	rl.mu.Unlock()
	rl.wg.Done()
}

// closeConnection closes the websocket of connID, which ends its session
// through the normal close path. It reports whether the connection existed.
func (rl *Relay) closeConnection(connID string) bool {
	rl.mu.Lock()
	c, ok := rl.conns[connID]
	rl.mu.Unlock()
	if ok {
		c.closeSocket()
	}
	return ok
}

// Shutdown stops accepting connections, closes every open one and waits for
// their sessions to finalize or for ctx to expire.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.mu.Lock()
	rl.draining = true
	open := make([]*connection, 0, len(rl.conns))
	for _, c := range rl.conns {
		open = append(open, c)
	}
	rl.mu.Unlock()

	rl.logger.Info("relay draining", zap.Int("connections", len(open)))
	for _, c := range open {
		c.closeSocket()
	}

	done := make(chan struct{})
	go func() {
		rl.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		rl.logger.Info("relay shutdown complete")
		return nil
	case <-ctx.Done():
		rl.logger.Warn("relay shutdown timed out", zap.Int("sessions", rl.registry.Len()))
		return ctx.Err()
	}
}
