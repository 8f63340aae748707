package metrics

import "github.com/prometheus/client_golang/prometheus"

// Engine Prometheus metrics.
var (
	SearchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qflow",
			Name:      "search_requests_total",
			Help:      "Total number of engine search requests",
		},
		[]string{"operation", "status"}, // operation: "search"/"detailed"
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "qflow",
			Name:      "stage_duration_seconds",
			Help:      "Engine stage duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"stage"}, // "retrieve" / "rerank" / "total"
	)

	ResultCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qflow",
			Name:      "result_cache_total",
			Help:      "Result cache lookups by outcome",
		},
		[]string{"result"}, // "hit" / "miss" / "shared"
	)

	CandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qflow",
			Name:      "candidates_total",
			Help:      "Candidates processed by the re-ranker",
		},
		[]string{"outcome"}, // "reranked" / "passthrough" / "dropped"
	)

	RetrieverAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qflow",
			Name:      "retriever_attempts_total",
			Help:      "Vector store retrieval attempts",
		},
		[]string{"backend", "outcome"}, // outcome: "ok" / "error"
	)

	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qflow",
			Name:      "engine_state_transitions_total",
			Help:      "Engine request state transitions",
		},
		[]string{"state"},
	)

	FeatureCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "qflow",
			Name:      "feature_cache_total",
			Help:      "Feature vector cache hits and misses",
		},
		[]string{"result"}, // "hit" / "miss"
	)
)

var engineMetricsRegistered bool

// RegisterEngineMetrics registers engine metrics. Must be called once from main.
func RegisterEngineMetrics() {
	if engineMetricsRegistered {
		return
	}
	prometheus.MustRegister(SearchRequestsTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(ResultCacheTotal)
	prometheus.MustRegister(CandidatesTotal)
	prometheus.MustRegister(RetrieverAttemptsTotal)
	prometheus.MustRegister(StateTransitionsTotal)
	prometheus.MustRegister(FeatureCacheTotal)
	engineMetricsRegistered = true
}
