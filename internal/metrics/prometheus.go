package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/osamashannak/siren-detection-service/internal/audio"
)

// Metrics contains all Prometheus metrics for the siren detection service
type Metrics struct {
	// Detection metrics
	Detections      *prometheus.CounterVec
	DetectionErrors *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	FramesPerClip   prometheus.Histogram
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	LiveTempFiles   prometheus.GaugeFunc

	// Model metrics
	ModelRequests *prometheus.CounterVec
	ModelDuration *prometheus.HistogramVec
	ModelRetries  *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Detection metrics
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siren_detections_total",
			Help: "Total number of completed detections by result",
		}, []string{"result"}),
		DetectionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siren_detection_errors_total",
			Help: "Total number of failed detections by error kind",
		}, []string{"kind"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siren_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}, []string{"stage"}),
		FramesPerClip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "siren_frames_per_clip",
			Help:    "Number of model frames per uploaded clip",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1 to 2048 frames
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "siren_result_cache_hits_total",
			Help: "Total number of detections served from the result cache",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "siren_result_cache_misses_total",
			Help: "Total number of result cache misses",
		}),
		LiveTempFiles: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "siren_temp_files",
			Help: "Current number of request temp files not yet removed",
		}, func() float64 {
			return float64(audio.LiveTempFiles())
		}),

		// Model metrics
		ModelRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siren_model_requests_total",
			Help: "Total number of model inference calls by outcome",
		}, []string{"backend", "outcome"}),
		ModelDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siren_model_request_duration_seconds",
			Help:    "Duration of model inference calls including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		}, []string{"backend"}),
		ModelRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siren_model_retries_total",
			Help: "Total number of model inference retries",
		}, []string{"backend"}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siren_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "siren_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siren_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordDetection counts a completed detection
func (m *Metrics) RecordDetection(result string) {
	m.Detections.WithLabelValues(result).Inc()
}

// RecordDetectionError counts a failed detection
func (m *Metrics) RecordDetectionError(kind string) {
	m.DetectionErrors.WithLabelValues(kind).Inc()
}

// RecordStage observes the duration of a pipeline stage
func (m *Metrics) RecordStage(stage string, durationSeconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordFrames observes the frame count of a classified clip
func (m *Metrics) RecordFrames(frames int) {
	m.FramesPerClip.Observe(float64(frames))
}

// RecordCache counts a result cache lookup
func (m *Metrics) RecordCache(hit bool) {
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// RecordModelRequest records a finished model call
func (m *Metrics) RecordModelRequest(backend, outcome string, durationSeconds float64) {
	m.ModelRequests.WithLabelValues(backend, outcome).Inc()
	m.ModelDuration.WithLabelValues(backend).Observe(durationSeconds)
}

// RecordModelRetry increments the retry counter
func (m *Metrics) RecordModelRetry(backend string) {
	m.ModelRetries.WithLabelValues(backend).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
