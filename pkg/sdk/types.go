package qflow

import "time"

// Method constants reported in Response.
const (
	MethodReranked  = "reranked"
	MethodClassical = "classical"
)

// Candidate is a first-pass hit returned by a custom Retriever.
// Vector may be nil when the store does not return raw values; such
// candidates keep their classical score.
type Candidate struct {
	ID       string
	Score    float64
	Vector   []float32
	Metadata map[string]string
}

// SearchOptions configures a single query.
type SearchOptions struct {
	// TopK defaults to 10.
	TopK int
	// MinScore drops results below it. Ignored by SearchDetailed.
	MinScore float64
	// Category restricts retrieval to one image category. Empty means any.
	Category string
}

// Breakdown is the per-kernel decomposition of a re-ranked score.
type Breakdown struct {
	Classical          float64
	Fidelity           float64
	PhaseCoherence     float64
	AmplitudeEstimated float64
	Combined           float64
}

// Result is a ranked hit.
type Result struct {
	ID             string
	Score          float64
	ClassicalScore float64
	RerankApplied  bool
	Metadata       map[string]string
	// Breakdown is set by SearchDetailed for re-ranked results.
	Breakdown *Breakdown
}

// Response is a ranked result list with execution stats.
type Response struct {
	Results             []Result
	Method              string
	CandidatesEvaluated int
	CacheHit            bool
	ProcessingTime      time.Duration
}
