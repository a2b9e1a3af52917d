package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the live engine. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ConnectsTotal          *prometheus.CounterVec
	ReconnectAttemptsTotal *prometheus.CounterVec
	SessionStatus          *prometheus.GaugeVec
	HandshakeDuration      prometheus.Histogram
	TurnsTotal             prometheus.Counter

	// Audio metrics
	FramesTotal *prometheus.CounterVec
	MicLevel    prometheus.Gauge

	// Guidance metrics
	CuesTotal          *prometheus.CounterVec
	ActivitiesTotal    *prometheus.CounterVec
	ToolCallsTotal     *prometheus.CounterVec
	VoiceCommandsTotal *prometheus.CounterVec

	// Error metrics
	PersistenceFailuresTotal *prometheus.CounterVec
	ErrorsTotal              *prometheus.CounterVec
}

// New creates a new Metrics instance with all Prometheus metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "zenlive"
	}

	registry := prometheus.NewRegistry()

	connectsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connects_total",
			Help:      "Total connection attempts by outcome",
		},
		[]string{"outcome"},
	)

	reconnectAttemptsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts by outcome",
		},
		[]string{"outcome"},
	)

	sessionStatus := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_status",
			Help:      "1 for the current transport status, 0 otherwise",
		},
		[]string{"status"},
	)

	handshakeDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Time from dial to setup completion",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
	)

	turnsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed model turns",
		},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_total",
			Help:      "Audio frames by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	micLevel := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mic_level",
			Help:      "RMS level of the last captured frame",
		},
	)

	cuesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cues_total",
			Help:      "Guidance cues by outcome",
		},
		[]string{"outcome"},
	)

	activitiesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_total",
			Help:      "Guided activities by type and final status",
		},
		[]string{"type", "status"},
	)

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls from the model by name and outcome",
		},
		[]string{"tool", "outcome"},
	)

	voiceCommandsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_commands_total",
			Help:      "Classified voice commands by action",
		},
		[]string{"action"},
	)

	persistenceFailuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Recovery store failures by operation",
		},
		[]string{"op"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Errors surfaced to the host by kind",
		},
		[]string{"kind"},
	)

	// Register all metrics
	registry.MustRegister(
		connectsTotal,
		reconnectAttemptsTotal,
		sessionStatus,
		handshakeDuration,
		turnsTotal,
		framesTotal,
		micLevel,
		cuesTotal,
		activitiesTotal,
		toolCallsTotal,
		voiceCommandsTotal,
		persistenceFailuresTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:                 registry,
		ConnectsTotal:            connectsTotal,
		ReconnectAttemptsTotal:   reconnectAttemptsTotal,
		SessionStatus:            sessionStatus,
		HandshakeDuration:        handshakeDuration,
		TurnsTotal:               turnsTotal,
		FramesTotal:              framesTotal,
		MicLevel:                 micLevel,
		CuesTotal:                cuesTotal,
		ActivitiesTotal:          activitiesTotal,
		ToolCallsTotal:           toolCallsTotal,
		VoiceCommandsTotal:       voiceCommandsTotal,
		PersistenceFailuresTotal: persistenceFailuresTotal,
		ErrorsTotal:              errorsTotal,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordConnect records the outcome of an initial connect.
func (m *Metrics) RecordConnect(outcome string, handshake time.Duration) {
	if m == nil {
		return
	}
	m.ConnectsTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.HandshakeDuration.Observe(handshake.Seconds())
	}
}

// RecordReconnectAttempt records one reconnection attempt.
func (m *Metrics) RecordReconnectAttempt(outcome string) {
	if m == nil {
		return
	}
	m.ReconnectAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SetStatus marks status as the current transport status.
func (m *Metrics) SetStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.SessionStatus.WithLabelValues(s).Set(v)
	}
}

// RecordTurn records a completed model turn.
func (m *Metrics) RecordTurn() {
	if m == nil {
		return
	}
	m.TurnsTotal.Inc()
}

// RecordFrame records an audio frame. Direction is "in" or "out"; outcome is
// "sent", "dropped" or "played".
func (m *Metrics) RecordFrame(direction, outcome string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, outcome).Inc()
}

// RecordMicLevel records the RMS level of the last captured frame.
func (m *Metrics) RecordMicLevel(level float64) {
	if m == nil {
		return
	}
	m.MicLevel.Set(level)
}

// RecordCue records a guidance cue send.
func (m *Metrics) RecordCue(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.CuesTotal.WithLabelValues("failed").Inc()
		return
	}
	m.CuesTotal.WithLabelValues("sent").Inc()
}

// RecordActivity records an activity reaching a final status.
func (m *Metrics) RecordActivity(activityType, status string) {
	if m == nil {
		return
	}
	m.ActivitiesTotal.WithLabelValues(activityType, status).Inc()
}

// RecordToolCall records a tool call outcome ("ok", "rejected", "failed").
func (m *Metrics) RecordToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordVoiceCommand records a classified voice command.
func (m *Metrics) RecordVoiceCommand(action string) {
	if m == nil {
		return
	}
	m.VoiceCommandsTotal.WithLabelValues(action).Inc()
}

// RecordPersistenceFailure records a recovery store failure.
func (m *Metrics) RecordPersistenceFailure(op string) {
	if m == nil {
		return
	}
	m.PersistenceFailuresTotal.WithLabelValues(op).Inc()
}

// RecordError records an error surfaced to the host.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
