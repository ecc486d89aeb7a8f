package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_relay_active_sessions",
		Help: "Number of call sessions currently registered",
	})
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_relay_open_connections",
		Help: "Number of websocket connections currently open",
	})
	HealthLoadPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meeting_relay_health_load_percent",
		Help: "Last computed load average per CPU, in percent",
	})
)

// Counters
var (
	SessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_relay_sessions_started_total",
		Help: "Total call sessions created by a START message",
	})
	SessionsEndedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_relay_sessions_ended_total",
		Help: "Total call sessions finalized, by trigger",
	}, []string{"trigger"})
	ControlMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_relay_control_messages_total",
		Help: "Control messages received, by call event",
	}, []string{"event"})
	AudioFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_relay_audio_frames_total",
		Help: "Binary audio frames accepted",
	})
	AudioBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_relay_audio_bytes_total",
		Help: "Audio bytes accepted",
	})
	AudioFramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_relay_audio_frames_dropped_total",
		Help: "Binary frames dropped because no active session owned the connection",
	})
	AuthRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_relay_auth_rejected_total",
		Help: "Requests rejected by the auth gate, by reason",
	}, []string{"reason"})
	RecordingUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_relay_recording_uploads_total",
		Help: "Recording artifact uploads, by outcome",
	}, []string{"outcome"})
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_relay_events_published_total",
		Help: "Call events published downstream, by type and outcome",
	}, []string{"type", "outcome"})
	TranscriptSegmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_relay_transcript_segments_total",
		Help: "Transcript segments received from the transcription engine",
	}, []string{"partial"})
	TranscriptionSendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_relay_transcription_send_failures_total",
		Help: "Sessions whose transcription stream failed or timed out on send",
	})
	ConnectionFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meeting_relay_connection_failures_total",
		Help: "Connections closed because their handler failed",
	})
	HealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meeting_relay_health_checks_total",
		Help: "Health checks answered, by verdict",
	}, []string{"verdict"})
)

// Histograms
var (
	FinalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meeting_relay_finalize_duration_ms",
		Help:    "Time spent finalizing a session (drain, upload, cleanup) in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})
	RecordingBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "meeting_relay_recording_bytes",
		Help:    "Raw PCM bytes recorded per session",
		Buckets: prometheus.ExponentialBuckets(64*1024, 4, 10),
	})
)
