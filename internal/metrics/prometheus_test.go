package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gather returns the metric families of reg keyed by name
func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

// counterValue returns the value of the series in family whose labels match
func counterValue(f *dto.MetricFamily, labels map[string]string) float64 {
	if f == nil {
		return -1
	}
	for _, m := range f.GetMetric() {
		matched := 0
		for _, lp := range m.GetLabel() {
			if labels[lp.GetName()] == lp.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return m.GetCounter().GetValue()
		}
	}
	return -1
}

func TestNewMetricsRegistersOnInjectedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	// A second set on a fresh registry must not collide
	NewMetrics(prometheus.NewRegistry())

	families := gather(t, reg)
	if _, ok := families["siren_temp_files"]; !ok {
		t.Error("Expected temp file gauge to be registered")
	}
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordDetection("Siren detected")
	m.RecordDetection("Siren detected")
	m.RecordDetection("No siren detected")
	m.RecordDetectionError("decode")
	m.RecordStage("classify", 0.2)
	m.RecordFrames(20)
	m.RecordCache(true)
	m.RecordCache(false)
	m.RecordCache(false)
	m.RecordModelRequest("tfserving", "success", 0.5)
	m.RecordModelRetry("tfserving")
	m.RecordHTTPRequest("POST", "/siren-detection", "200", 0.7)
	m.RecordHTTPError("POST", "/siren-detection", "decode")

	families := gather(t, reg)

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"siren_detections_total", map[string]string{"result": "Siren detected"}, 2},
		{"siren_detections_total", map[string]string{"result": "No siren detected"}, 1},
		{"siren_detection_errors_total", map[string]string{"kind": "decode"}, 1},
		{"siren_result_cache_hits_total", nil, 1},
		{"siren_result_cache_misses_total", nil, 2},
		{"siren_model_requests_total", map[string]string{"backend": "tfserving", "outcome": "success"}, 1},
		{"siren_model_retries_total", map[string]string{"backend": "tfserving"}, 1},
		{"siren_http_requests_total", map[string]string{"method": "POST", "status_code": "200"}, 1},
		{"siren_http_errors_total", map[string]string{"error_type": "decode"}, 1},
	}

	for _, tt := range tests {
		if got := counterValue(families[tt.name], tt.labels); got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}

	frames := families["siren_frames_per_clip"]
	if frames == nil || frames.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Error("Expected one frames observation")
	}
}
