package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the meeting bot service.
// Record methods on a nil *Metrics are no-ops.
type Metrics struct {
	// Session lifecycle metrics
	SessionsCreated    prometheus.Counter
	SessionTransitions *prometheus.CounterVec
	SessionsByStatus   *prometheus.GaugeVec

	// Capture metrics
	ActiveRecordings  prometheus.Gauge
	RecordingDuration prometheus.Histogram
	CaptureBuffers    prometheus.Counter
	CaptureDropped    prometheus.Counter
	CaptureFailures   *prometheus.CounterVec

	// Transcription handoff metrics
	HandoffRequests     *prometheus.CounterVec
	HandoffSuccesses    *prometheus.CounterVec
	HandoffFailures     *prometheus.CounterVec
	HandoffDuration     prometheus.Histogram
	HandoffRetries      prometheus.Counter
	CompressionFailures prometheus.Counter
	TranscriptSegments  prometheus.Histogram

	// Ticket pipeline metrics
	TicketsCreated  *prometheus.CounterVec
	TicketsFailed   *prometheus.CounterVec
	TicketBatchTime prometheus.Histogram

	// Worker pool metrics
	WorkersInFlight prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with reg.
// A nil registerer uses the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Session lifecycle metrics
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_sessions_created_total",
			Help: "Total number of meeting sessions created",
		}),
		SessionTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_session_transitions_total",
			Help: "Total number of session status transitions",
		}, []string{"from", "to"}),
		SessionsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meetbot_sessions",
			Help: "Current number of sessions per status",
		}, []string{"status"}),

		// Capture metrics
		ActiveRecordings: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetbot_active_recordings",
			Help: "Current number of active audio captures",
		}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetbot_recording_duration_seconds",
			Help:    "Duration of completed recordings in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10s to ~85 minutes
		}),
		CaptureBuffers: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_capture_buffers_total",
			Help: "Total number of audio buffers written to recordings",
		}),
		CaptureDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_capture_dropped_buffers_total",
			Help: "Total number of audio buffers dropped on queue overrun",
		}),
		CaptureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_capture_failures_total",
			Help: "Total number of capture start or stop failures",
		}, []string{"stage"}),

		// Transcription handoff metrics
		HandoffRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_handoff_requests_total",
			Help: "Total number of transcription handoffs attempted",
		}, []string{"mode"}),
		HandoffSuccesses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_handoff_successes_total",
			Help: "Total number of successful transcription handoffs",
		}, []string{"mode"}),
		HandoffFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_handoff_failures_total",
			Help: "Total number of failed transcription handoffs",
		}, []string{"mode"}),
		HandoffDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetbot_handoff_duration_seconds",
			Help:    "Duration of transcription handoffs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 500ms to ~4 minutes
		}),
		HandoffRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_handoff_retries_total",
			Help: "Total number of handoff request retries",
		}),
		CompressionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetbot_compression_failures_total",
			Help: "Total number of recordings sent uncompressed after a compression failure",
		}),
		TranscriptSegments: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetbot_transcript_segments",
			Help:    "Number of speaker segments per transcript",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),

		// Ticket pipeline metrics
		TicketsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_tickets_created_total",
			Help: "Total number of issues created in the tracker",
		}, []string{"type"}),
		TicketsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_tickets_failed_total",
			Help: "Total number of issue creations that failed",
		}, []string{"type"}),
		TicketBatchTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetbot_ticket_batch_duration_seconds",
			Help:    "Duration of a complete ticket batch",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		// Worker pool metrics
		WorkersInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetbot_worker_pool_in_flight",
			Help: "Current number of blocking tasks running on the worker pool",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetbot_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetbot_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated(status string) {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsByStatus.WithLabelValues(status).Inc()
}

// RecordTransition records a session status change
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to).Inc()
	m.SessionsByStatus.WithLabelValues(from).Dec()
	m.SessionsByStatus.WithLabelValues(to).Inc()
}

// RecordRecordingStarted increments the active recordings gauge
func (m *Metrics) RecordRecordingStarted() {
	if m == nil {
		return
	}
	m.ActiveRecordings.Inc()
}

// RecordRecordingStopped decrements active recordings and records the capture totals
func (m *Metrics) RecordRecordingStopped(durationSeconds float64, buffers, dropped uint64) {
	if m == nil {
		return
	}
	m.ActiveRecordings.Dec()
	m.RecordingDuration.Observe(durationSeconds)
	m.CaptureBuffers.Add(float64(buffers))
	m.CaptureDropped.Add(float64(dropped))
}

// RecordCaptureFailure records a failed capture start or stop
func (m *Metrics) RecordCaptureFailure(stage string) {
	if m == nil {
		return
	}
	m.CaptureFailures.WithLabelValues(stage).Inc()
}

// RecordHandoffRequest increments handoff requests for a mode
func (m *Metrics) RecordHandoffRequest(mode string) {
	if m == nil {
		return
	}
	m.HandoffRequests.WithLabelValues(mode).Inc()
}

// RecordHandoffSuccess records a successful handoff
func (m *Metrics) RecordHandoffSuccess(mode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HandoffSuccesses.WithLabelValues(mode).Inc()
	m.HandoffDuration.Observe(durationSeconds)
}

// RecordHandoffFailure records a failed handoff
func (m *Metrics) RecordHandoffFailure(mode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HandoffFailures.WithLabelValues(mode).Inc()
	m.HandoffDuration.Observe(durationSeconds)
}

// RecordHandoffRetry increments the retry counter
func (m *Metrics) RecordHandoffRetry() {
	if m == nil {
		return
	}
	m.HandoffRetries.Inc()
}

// RecordCompressionFailure increments the compression fallback counter
func (m *Metrics) RecordCompressionFailure() {
	if m == nil {
		return
	}
	m.CompressionFailures.Inc()
}

// RecordTranscriptSegments records how many speaker segments a transcript had
func (m *Metrics) RecordTranscriptSegments(count int) {
	if m == nil {
		return
	}
	m.TranscriptSegments.Observe(float64(count))
}

// RecordTicketCreated increments created tickets for an issue type
func (m *Metrics) RecordTicketCreated(issueType string) {
	if m == nil {
		return
	}
	m.TicketsCreated.WithLabelValues(issueType).Inc()
}

// RecordTicketFailed increments failed tickets for an issue type
func (m *Metrics) RecordTicketFailed(issueType string) {
	if m == nil {
		return
	}
	m.TicketsFailed.WithLabelValues(issueType).Inc()
}

// RecordTicketBatch records the duration of a ticket batch
func (m *Metrics) RecordTicketBatch(durationSeconds float64) {
	if m == nil {
		return
	}
	m.TicketBatchTime.Observe(durationSeconds)
}

// SetWorkersInFlight sets the number of running pool tasks
func (m *Metrics) SetWorkersInFlight(count int) {
	if m == nil {
		return
	}
	m.WorkersInFlight.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
