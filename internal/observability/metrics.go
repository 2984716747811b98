package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livescribe_active_sessions",
		Help: "Number of active recording sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livescribe_session_duration_seconds",
		Help:    "Duration of recording sessions in seconds",
		Buckets: []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
	})

	// Pipeline metrics
	ringOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livescribe_ring_overflows_total",
		Help: "Chunks dropped because a source ring buffer was full",
	}, []string{"source"})

	mixerUnderflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livescribe_mixer_underflows_total",
		Help: "Quanta in which a source had no audio and silence was substituted",
	}, []string{"source"})

	framesMixed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livescribe_frames_mixed_total",
		Help: "Mixed frames emitted by the mixer",
	})

	syncDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livescribe_mixer_max_sync_delta_seconds",
		Help: "Maximum observed timestamp delta between sources",
	})

	sinkDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livescribe_sink_dropped_frames_total",
		Help: "Frames dropped because a sink queue was full",
	}, []string{"sink"})

	captureReacquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livescribe_capture_reacquisitions_total",
		Help: "Device re-acquisitions after hardware reconfiguration",
	}, []string{"source"})

	// Realtime metrics
	realtimeStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "livescribe_realtime_status",
		Help: "Realtime connection status (0=disconnected, 1=connecting, 2=connected, 3=reconnecting, 4=failed)",
	})

	realtimeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livescribe_realtime_reconnects_total",
		Help: "Reconnection attempts to the realtime service",
	})

	tokensReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livescribe_tokens_received_total",
		Help: "Tokens received from the realtime service",
	}, []string{"final"})

	audioBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "livescribe_audio_bytes_sent_total",
		Help: "Audio bytes sent to the realtime service",
	})

	// Batch metrics
	batchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livescribe_batch_requests_total",
		Help: "Batch transcription HTTP requests",
	}, []string{"step", "status"})

	batchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "livescribe_batch_latency_seconds",
		Help:    "End-to-end batch transcription latency in seconds",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livescribe_errors_total",
		Help: "Total number of errors",
	}, []string{"kind", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livescribe_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livescribe_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single recording session
type Metrics struct {
	sessionID    string
	startTime    time.Time
	batchStart   time.Time
	maxSyncDelta time.Duration
	mu           sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordRingOverflow records chunks dropped from a ring buffer
func (m *Metrics) RecordRingOverflow(source string, n int) {
	ringOverflows.WithLabelValues(source).Add(float64(n))
}

// RecordUnderflow records a silence-substituted quantum
func (m *Metrics) RecordUnderflow(source string) {
	mixerUnderflows.WithLabelValues(source).Inc()
}

// RecordFrame records one mixed frame
func (m *Metrics) RecordFrame() {
	framesMixed.Inc()
}

// RecordSyncDelta keeps the session maximum of the inter-source delta
func (m *Metrics) RecordSyncDelta(delta time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if delta > m.maxSyncDelta {
		m.maxSyncDelta = delta
		syncDelta.Set(delta.Seconds())
	}
}

// RecordSinkDrop records a frame dropped by a sink queue
func (m *Metrics) RecordSinkDrop(sink string) {
	sinkDrops.WithLabelValues(sink).Inc()
}

// RecordReacquisition records a device re-acquisition
func (m *Metrics) RecordReacquisition(source string) {
	captureReacquisitions.WithLabelValues(source).Inc()
}

// RecordRealtimeStatus publishes the numeric connection status
func (m *Metrics) RecordRealtimeStatus(state int) {
	realtimeStatus.Set(float64(state))
}

// RecordReconnect records a reconnection attempt
func (m *Metrics) RecordReconnect() {
	realtimeReconnects.Inc()
}

// RecordTokens records tokens received in one batch
func (m *Metrics) RecordTokens(final, provisional int) {
	tokensReceived.WithLabelValues("true").Add(float64(final))
	tokensReceived.WithLabelValues("false").Add(float64(provisional))
}

// RecordAudioBytes records audio bytes sent to the realtime service
func (m *Metrics) RecordAudioBytes(bytes int64) {
	audioBytesSent.Add(float64(bytes))
}

// RecordBatchStart records the start of a batch transcription
func (m *Metrics) RecordBatchStart() {
	m.mu.Lock()
	m.batchStart = time.Now()
	m.mu.Unlock()
}

// RecordBatchEnd records the end of a batch transcription
func (m *Metrics) RecordBatchEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.batchStart.IsZero() {
		batchLatency.Observe(time.Since(m.batchStart).Seconds())
	}
}

// RecordBatchRequest records a single batch HTTP step
func RecordBatchRequest(step string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	batchRequests.WithLabelValues(step, status).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(kind, component string) {
	errorsTotal.WithLabelValues(kind, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
