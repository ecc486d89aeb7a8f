// Package health answers load balancer health checks based on CPU load.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/metrics"
)

// LoadFunc returns the instantaneous load in percent of total CPU capacity.
type LoadFunc func(ctx context.Context) (float64, error)

// SystemLoad is the 1-minute load average divided by the logical CPU count,
// as a percentage.
func SystemLoad(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("load average: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("cpu count: %w", err)
	}
	if cpus <= 0 {
		return 0, fmt.Errorf("cpu count: got %d", cpus)
	}
	return avg.Load1 / float64(cpus) * 100, nil
}

// Status is the health check response body.
type Status struct {
	HTTPStatus int  `json:"Http-Status"`
	Healthy    bool `json:"Healthy"`
}

// Reporter serves the health check. A check is healthy while load is at or
// below Threshold; a load that cannot be read counts as unhealthy.
type Reporter struct {
	threshold   float64
	logInterval time.Duration
	load        LoadFunc
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	callers   map[string]*callerCount
	lastPrune time.Time
}

type callerCount struct {
	count    int
	lastLog  time.Time
	lastSeen time.Time
}

// callers idle for longer than idleCallerIntervals log intervals are forgotten.
const idleCallerIntervals = 3

func NewReporter(threshold float64, logInterval time.Duration, fn LoadFunc, logger *zap.Logger) *Reporter {
	if fn == nil {
		fn = SystemLoad
	}
	return &Reporter{
		threshold:   threshold,
		logInterval: logInterval,
		load:        fn,
		logger:      logger,
		now:         time.Now,
		callers:     make(map[string]*callerCount),
	}
}

// Check evaluates the current load.
func (h *Reporter) Check(ctx context.Context) (Status, float64, error) {
	pct, err := h.load(ctx)
	if err != nil {
		return Status{HTTPStatus: http.StatusServiceUnavailable}, 0, err
	}
	metrics.HealthLoadPercent.Set(pct)
	if pct <= h.threshold {
		return Status{HTTPStatus: http.StatusOK, Healthy: true}, pct, nil
	}
	return Status{HTTPStatus: http.StatusServiceUnavailable}, pct, nil
}

func (h *Reporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st, pct, err := h.Check(r.Context())
	h.observe(r, st, pct, err)

	verdict := "healthy"
	if !st.Healthy {
		verdict = "unhealthy"
	}
	metrics.HealthChecksTotal.WithLabelValues(verdict).Inc()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(st.HTTPStatus)
	json.NewEncoder(w).Encode(st)
}

// observe counts checks per remote address and logs at most once per
// interval for each.
func (h *Reporter) observe(r *http.Request, st Status, pct float64, err error) {
	ip := r.RemoteAddr
	if host, _, splitErr := net.SplitHostPort(ip); splitErr == nil {
		ip = host
	}

	now := h.now()
	h.mu.Lock()
	h.pruneLocked(now)
	pc, ok := h.callers[ip]
	if !ok {
		pc = &callerCount{}
		h.callers[ip] = pc
	}
	pc.count++
	pc.lastSeen = now
	count := pc.count
	due := !ok || now.Sub(pc.lastLog) >= h.logInterval
	if due {
		pc.lastLog = now
	}
	h.mu.Unlock()

	if !due {
		return
	}
	fields := []zap.Field{
		zap.String("clientIP", ip),
		zap.Int("checks", count),
		zap.Float64("loadPercent", pct),
		zap.Float64("threshold", h.threshold),
		zap.Bool("healthy", st.Healthy),
	}
	if err != nil {
		h.logger.Warn("health check could not read load", append(fields, zap.Error(err))...)
		return
	}
	h.logger.Info("health check", fields...)
}

// pruneLocked drops callers not seen for idleCallerIntervals log intervals.
// It sweeps at most once per interval. h.mu must be held.
func (h *Reporter) pruneLocked(now time.Time) {
	if now.Sub(h.lastPrune) < h.logInterval {
		return
	}
	h.lastPrune = now
	idle := idleCallerIntervals * h.logInterval
	for ip, pc := range h.callers {
		if now.Sub(pc.lastSeen) > idle {
			delete(h.callers, ip)
		}
	}
}
