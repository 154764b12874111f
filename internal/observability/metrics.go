package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Voice session metrics
	activeVoiceSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_chat_active_voice_sessions",
		Help: "Number of voice sessions currently listening",
	})

	voiceSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_voice_sessions_total",
		Help: "Total number of voice mode activations",
	}, []string{"status"}) // status: "started", "device_error", "connection_error"

	voiceSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_voice_session_duration_seconds",
		Help:    "Duration of voice mode sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Transcription metrics
	transcriptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_transcripts_total",
		Help: "Transcript fragments received from the STT provider",
	}, []string{"kind"}) // kind: "final", "interim"

	droppedProviderMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_stt_dropped_messages_total",
		Help: "Provider messages dropped because they could not be parsed",
	})

	endpointsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_endpoints_total",
		Help: "Utterances ended by the silence window",
	})

	bargeInsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_chat_barge_ins_total",
		Help: "Times user speech interrupted assistant playback",
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_turns_total",
		Help: "Submitted turns by outcome",
	}, []string{"source", "status"}) // source: "voice", "text"; status: "completed", "failed", "refused"

	firstChunkLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_completion_first_chunk_seconds",
		Help:    "Time from submission to the first streamed reply fragment",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	completionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_completion_duration_seconds",
		Help:    "Time from submission to the end of the reply stream",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	// TTS metrics
	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_chat_tts_latency_seconds",
		Help:    "TTS synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_chat_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_chat_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single voice mode session
type SessionMetrics struct {
	sessionID string
	startTime time.Time
	started   bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a metrics tracker for a voice session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{sessionID: sessionID}
}

// RecordSessionStart records a voice session reaching the listening state
func (m *SessionMetrics) RecordSessionStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.startTime = time.Now()
	m.started = true
	activeVoiceSessions.Inc()
	voiceSessionsTotal.WithLabelValues("started").Inc()
}

// RecordSessionEnd records the end of a voice session. Calling it for a
// session that never started is a no-op.
func (m *SessionMetrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	m.started = false
	activeVoiceSessions.Dec()
	voiceSessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordActivationFailure counts a voice activation that never reached listening
func RecordActivationFailure(reason string) {
	voiceSessionsTotal.WithLabelValues(reason).Inc()
}

// RecordTranscript counts a transcript fragment
func RecordTranscript(final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	transcriptsTotal.WithLabelValues(kind).Inc()
}

// RecordDroppedMessage counts an unparseable provider message
func RecordDroppedMessage() {
	droppedProviderMessages.Inc()
}

// RecordEndpoint counts an utterance ended by silence
func RecordEndpoint() {
	endpointsTotal.Inc()
}

// RecordBargeIn counts playback interrupted by user speech
func RecordBargeIn() {
	bargeInsTotal.Inc()
}

// RecordTurn counts a turn submission outcome
func RecordTurn(source, status string) {
	turnsTotal.WithLabelValues(source, status).Inc()
}

// ObserveFirstChunk records time to the first reply fragment
func ObserveFirstChunk(d time.Duration) {
	firstChunkLatency.Observe(d.Seconds())
}

// ObserveCompletion records time to the end of the reply stream
func ObserveCompletion(d time.Duration) {
	completionDuration.Observe(d.Seconds())
}

// RecordTTS records a synthesis attempt
func RecordTTS(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	ttsRequests.WithLabelValues(status).Inc()
	ttsLatency.Observe(latency.Seconds())
}

// RecordError records an error
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func RecordAudioBytes(direction string, bytes int) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// UpdateCircuitBreakerState updates the circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure count
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
