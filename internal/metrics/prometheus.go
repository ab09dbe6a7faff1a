package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the chunk recorder.
// Every Record method is safe to call on a nil *Metrics.
type Metrics struct {
	// Recording metrics
	RecordingsStarted   prometheus.Counter
	RecordingsCompleted prometheus.Counter
	RecordingsAborted   prometheus.Counter
	RecordingActive     prometheus.Gauge
	RecordingDuration   prometheus.Histogram
	FramesDropped       prometheus.Counter

	// Flush metrics
	FlushesSucceeded prometheus.Counter
	FlushesFailed    prometheus.Counter
	FlushDuration    prometheus.Histogram
	ChunkSize        prometheus.Histogram
	CarriedSamples   prometheus.Gauge

	// Encoder metrics
	EncodeDuration      prometheus.Histogram
	ConcatenateDuration prometheus.Histogram
	EncoderRetries      prometheus.Counter
	EncoderFailures     *prometheus.CounterVec

	// Store metrics
	RecoverableSessions prometheus.Gauge
	SessionsEvicted     *prometheus.CounterVec
	SessionsRecovered   prometheus.Counter
	SessionsDiscarded   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Recording metrics
		RecordingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_recordings_started_total",
			Help: "Total number of recordings started",
		}),
		RecordingsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_recordings_completed_total",
			Help: "Total number of recordings finalized into an output file",
		}),
		RecordingsAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_recordings_aborted_total",
			Help: "Total number of recordings that ended through the abort path",
		}),
		RecordingActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_recording_active",
			Help: "1 while a recording is in progress",
		}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_recording_duration_seconds",
			Help:    "Wall-clock duration of finished recordings",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3 hours
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_capture_frames_dropped_total",
			Help: "Capture frames dropped because the frame queue was full",
		}),

		// Flush metrics
		FlushesSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_flushes_succeeded_total",
			Help: "Total number of flushes persisted as chunks",
		}),
		FlushesFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_flushes_failed_total",
			Help: "Total number of flushes that failed to encode or persist",
		}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_flush_duration_seconds",
			Help:    "Time spent encoding and persisting one flush",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_chunk_size_bytes",
			Help:    "Size of persisted chunk payloads in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),
		CarriedSamples: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_carried_samples",
			Help: "Samples from failed flushes waiting to be retried with the next flush",
		}),

		// Encoder metrics
		EncodeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_encode_duration_seconds",
			Help:    "Duration of chunk encode operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		ConcatenateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "recorder_concatenate_duration_seconds",
			Help:    "Duration of chunk concatenation operations",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		EncoderRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_encoder_retries_total",
			Help: "Total number of timed-out engine runs that were retried",
		}),
		EncoderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_encoder_failures_total",
			Help: "Total number of failed encoder operations",
		}, []string{"operation"}),

		// Store metrics
		RecoverableSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "recorder_recoverable_sessions",
			Help: "Number of abandoned sessions available for recovery",
		}),
		SessionsEvicted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_sessions_evicted_total",
			Help: "Total number of sessions removed by housekeeping",
		}, []string{"reason"}),
		SessionsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_sessions_recovered_total",
			Help: "Total number of abandoned sessions recovered",
		}),
		SessionsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "recorder_sessions_discarded_total",
			Help: "Total number of abandoned sessions discarded",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recorder_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "recorder_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordRecordingStarted marks a recording as started and active
func (m *Metrics) RecordRecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsStarted.Inc()
	m.RecordingActive.Set(1)
}

// RecordRecordingCompleted records a finalized recording and its duration
func (m *Metrics) RecordRecordingCompleted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.RecordingsCompleted.Inc()
	m.RecordingActive.Set(0)
	m.RecordingDuration.Observe(durationSeconds)
}

// RecordRecordingAborted records a recording ending through the abort path
func (m *Metrics) RecordRecordingAborted() {
	if m == nil {
		return
	}
	m.RecordingsAborted.Inc()
	m.RecordingActive.Set(0)
}

// SetRecordingInactive clears the active gauge without counting an outcome
func (m *Metrics) SetRecordingInactive() {
	if m == nil {
		return
	}
	m.RecordingActive.Set(0)
}

// RecordFramesDropped adds n to the dropped frames counter
func (m *Metrics) RecordFramesDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.FramesDropped.Add(float64(n))
}

// RecordFlushSuccess records a persisted flush
func (m *Metrics) RecordFlushSuccess(durationSeconds float64, sizeBytes int) {
	if m == nil {
		return
	}
	m.FlushesSucceeded.Inc()
	m.FlushDuration.Observe(durationSeconds)
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordFlushFailure records a failed flush
func (m *Metrics) RecordFlushFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.FlushesFailed.Inc()
	m.FlushDuration.Observe(durationSeconds)
}

// SetCarriedSamples sets the number of samples awaiting a retry
func (m *Metrics) SetCarriedSamples(n int) {
	if m == nil {
		return
	}
	m.CarriedSamples.Set(float64(n))
}

// RecordEncode records a successful encode
func (m *Metrics) RecordEncode(durationSeconds float64) {
	if m == nil {
		return
	}
	m.EncodeDuration.Observe(durationSeconds)
}

// RecordConcatenate records a successful concatenation
func (m *Metrics) RecordConcatenate(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ConcatenateDuration.Observe(durationSeconds)
}

// RecordEncoderRetry increments the encoder retry counter
func (m *Metrics) RecordEncoderRetry() {
	if m == nil {
		return
	}
	m.EncoderRetries.Inc()
}

// RecordEncoderFailure records a failed encoder operation
func (m *Metrics) RecordEncoderFailure(operation string) {
	if m == nil {
		return
	}
	m.EncoderFailures.WithLabelValues(operation).Inc()
}

// SetRecoverableSessions sets the number of recoverable sessions
func (m *Metrics) SetRecoverableSessions(count int) {
	if m == nil {
		return
	}
	m.RecoverableSessions.Set(float64(count))
}

// RecordSessionsEvicted adds count evictions for the given reason
func (m *Metrics) RecordSessionsEvicted(reason string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsEvicted.WithLabelValues(reason).Add(float64(count))
}

// RecordSessionRecovered increments the recovered sessions counter
func (m *Metrics) RecordSessionRecovered() {
	if m == nil {
		return
	}
	m.SessionsRecovered.Inc()
}

// RecordSessionDiscarded increments the discarded sessions counter
func (m *Metrics) RecordSessionDiscarded() {
	if m == nil {
		return
	}
	m.SessionsDiscarded.Inc()
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
