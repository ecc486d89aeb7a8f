package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func fixedLoad(pct float64) LoadFunc {
	return func(context.Context) (float64, error) { return pct, nil }
}

func check(t *testing.T, h http.Handler, remote string) (*httptest.ResponseRecorder, Status) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health/check", nil)
	req.RemoteAddr = remote
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	return rec, st
}

func TestHealthyBelowThreshold(t *testing.T) {
	h := NewReporter(50, time.Minute, fixedLoad(12.5), zap.NewNop())
	rec, st := check(t, h, "10.0.0.1:1234")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Status{HTTPStatus: 200, Healthy: true}, st)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	assert.Equal(t, "0", rec.Header().Get("Expires"))
	assert.JSONEq(t, `{"Http-Status":200,"Healthy":true}`, rec.Body.String())
}

func TestThresholdIsInclusive(t *testing.T) {
	h := NewReporter(50, time.Minute, fixedLoad(50), zap.NewNop())
	rec, st := check(t, h, "10.0.0.1:1234")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, st.Healthy)
}

func TestUnhealthyAboveThreshold(t *testing.T) {
	h := NewReporter(50, time.Minute, fixedLoad(50.01), zap.NewNop())
	rec, st := check(t, h, "10.0.0.1:1234")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, Status{HTTPStatus: 503, Healthy: false}, st)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
}

func TestLoadErrorIsUnhealthy(t *testing.T) {
	fail := func(context.Context) (float64, error) { return 0, errors.New("no /proc") }
	h := NewReporter(50, time.Minute, fail, zap.NewNop())
	rec, st := check(t, h, "10.0.0.1:1234")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, st.Healthy)
}

func TestCheckLogsAreThrottledPerIP(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := NewReporter(50, 2*time.Minute, fixedLoad(10), zap.New(core))
	now := time.Unix(0, 0)
	h.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		check(t, h, "10.0.0.1:1000")
	}
	check(t, h, "10.0.0.2:1000")
	assert.Equal(t, 2, logs.Len(), "one line per address within the interval")

	now = now.Add(2 * time.Minute)
	_, st := check(t, h, "10.0.0.1:1001")
	assert.True(t, st.Healthy, "throttling never affects the verdict")
	require.Equal(t, 3, logs.Len())

	last := logs.All()[2].ContextMap()
	assert.Equal(t, "10.0.0.1", last["clientIP"])
	assert.EqualValues(t, 6, last["checks"])
}

func TestIdleCallersAreForgotten(t *testing.T) {
	h := NewReporter(50, time.Minute, fixedLoad(10), zap.NewNop())
	now := time.Unix(1000, 0)
	h.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		check(t, h, fmt.Sprintf("10.0.1.%d:1000", i))
	}
	h.mu.Lock()
	assert.Len(t, h.callers, 50)
	h.mu.Unlock()

	// The steady balancer keeps calling; the one-off addresses go quiet.
	for i := 1; i <= 4; i++ {
		now = now.Add(time.Minute)
		check(t, h, "10.0.0.1:1000")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Len(t, h.callers, 1)
	assert.Contains(t, h.callers, "10.0.0.1")
}
