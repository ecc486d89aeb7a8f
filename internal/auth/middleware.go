package auth

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/metrics"
)

type ctxKey struct{}

// Identity is what the gate attaches to an admitted request.
type Identity struct {
	Tokens Tokens
	Claims Claims
}

// FromContext returns the identity stored by Gate.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// Gate rejects requests without a verifiable bearer token before they reach
// next. Rejections are logged with the client address, which chi's RealIP
// middleware has already resolved into RemoteAddr.
func Gate(v Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokens, err := ExtractTokens(r)
			if err != nil {
				reject(w, r, logger, err, "extract")
				return
			}

			claims, err := v.Verify(r.Context(), tokens.Access)
			if err != nil {
				reject(w, r, logger, err, "verify")
				return
			}

			ctx := WithIdentity(r.Context(), Identity{Tokens: tokens, Claims: claims})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, stage string) {
	reason := "invalid"
	if errors.Is(err, ErrMissingBearer) {
		reason = "missing"
	}
	metrics.AuthRejectedTotal.WithLabelValues(reason).Inc()
	logger.Warn("connection rejected",
		zap.String("clientIP", r.RemoteAddr),
		zap.String("path", r.URL.Path),
		zap.String("stage", stage),
		zap.Error(err),
	)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
