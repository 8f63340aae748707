package metrics

import "github.com/prometheus/client_golang/prometheus"

// Feature extractor Prometheus metrics.
var (
	ExtractorRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qflow",
			Name:      "extractor_requests_total",
			Help:      "Total number of feature extraction requests",
		},
		[]string{"provider", "model", "status"},
	)

	ExtractorRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qflow",
			Name:      "extractor_request_duration_seconds",
			Help:      "Feature extraction request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"provider", "model"},
	)

	ExtractorErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qflow",
			Name:      "extractor_errors_total",
			Help:      "Total feature extraction errors",
		},
		[]string{"provider", "model", "error_type"},
	)
)

var extractorMetricsRegistered bool

// RegisterExtractorMetrics registers feature extractor metrics. Must be called once from main.
func RegisterExtractorMetrics() {
	if extractorMetricsRegistered {
		return
	}
	prometheus.MustRegister(ExtractorRequestsTotal)
	prometheus.MustRegister(ExtractorRequestDuration)
	prometheus.MustRegister(ExtractorErrorsTotal)
	extractorMetricsRegistered = true
}
