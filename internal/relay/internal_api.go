package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type sessionView struct {
	ConnID        string    `json:"connId"`
	CallID        string    `json:"callId"`
	AgentID       string    `json:"agentId"`
	FromNumber    string    `json:"fromNumber"`
	ToNumber      string    `json:"toNumber"`
	ActiveSpeaker string    `json:"activeSpeaker"`
	SamplingRate  int       `json:"samplingRate"`
	Record        bool      `json:"shouldRecordCall"`
	StartTime     time.Time `json:"startTime"`
}

// InternalHandler returns the handler for the internal listener: Prometheus
// metrics and a small session admin API. It is not authenticated and must
// not be exposed publicly.
func (rl *Relay) InternalHandler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/internal/sessions", func(r chi.Router) {
		r.Get("/", rl.handleListSessions)
		r.Delete("/{callId}", rl.handleEndSession)
	})
	return r
}

func (rl *Relay) handleListSessions(w http.ResponseWriter, r *http.Request) {
	live := rl.registry.List()
	out := make([]sessionView, 0, len(live))
	for _, s := range live {
		out = append(out, sessionView{
			ConnID:        s.ConnID,
			CallID:        s.CallID(),
			AgentID:       s.Meta.AgentID,
			FromNumber:    s.Meta.FromNumber,
			ToNumber:      s.Meta.ToNumber,
			ActiveSpeaker: s.ActiveSpeaker(),
			SamplingRate:  s.Meta.SamplingRate,
			Record:        s.Record,
			StartTime:     s.StartTime,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleEndSession closes the connection carrying callId; its session is
// finalized through the normal close path.
func (rl *Relay) handleEndSession(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	s, ok := rl.registry.FindByCallID(callID)
	if !ok || !rl.closeConnection(s.ConnID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	rl.logger.Info("session closed by operator", zap.String("callId", callID))
	w.WriteHeader(http.StatusAccepted)
}
