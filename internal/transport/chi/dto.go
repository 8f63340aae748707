package chi

import (
	"github.com/kailas-cloud/qflow/internal/domain/ranking"
	"github.com/kailas-cloud/qflow/internal/usecase/engine"
)

// Metadata keys written by the ingestion pipeline.
const (
	metaCategory = "category"
	metaFilename = "filename"
	metaURL      = "url"
)

// SearchRequest is the body of POST /api/search and /api/search/detailed.
type SearchRequest struct {
	Vector   []float32 `json:"vector"`
	TopK     *int      `json:"top_k,omitempty"`
	MinScore *float64  `json:"min_score,omitempty"`
	Category string    `json:"category,omitempty"`
}

// ResultItem is one ranked hit.
type ResultItem struct {
	ID                  string  `json:"id"`
	Filename            string  `json:"filename,omitempty"`
	Category            string  `json:"category,omitempty"`
	ImageURL            string  `json:"image_url,omitempty"`
	Similarity          float64 `json:"similarity"`
	ClassicalSimilarity float64 `json:"classical_similarity"`
	Boost               float64 `json:"rerank_boost"`
	RerankApplied       bool    `json:"rerank_applied"`
	Confidence          string  `json:"confidence"`
}

// ScoreBreakdown is the per-kernel decomposition of one hit.
type ScoreBreakdown struct {
	Classical          float64 `json:"classical_cosine"`
	Fidelity           float64 `json:"fidelity"`
	PhaseCoherence     float64 `json:"phase_coherence"`
	AmplitudeEstimated float64 `json:"amplitude_estimated"`
	Combined           float64 `json:"combined"`
}

// DetailedItem is a hit with its breakdown. Metrics is absent for pass-through hits.
type DetailedItem struct {
	ResultItem
	Metrics *ScoreBreakdown `json:"metrics,omitempty"`
}

// SearchResponse is the body returned by the search routes.
type SearchResponse[T any] struct {
	Method              string  `json:"method"`
	Results             []T     `json:"results"`
	CandidatesEvaluated int     `json:"candidates_evaluated"`
	CacheHit            bool    `json:"cache_hit"`
	ProcessingTimeMs    float64 `json:"processing_time_ms"`
}

// CategoriesResponse is the body of GET /api/categories.
type CategoriesResponse struct {
	Categories []string `json:"categories"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Index      string `json:"index"`
	Points     int64  `json:"total_vector_count"`
	Dimensions int    `json:"dimension"`
	Status     string `json:"status"`
}

// ImageResponse is the body of GET /api/image/{id}.
type ImageResponse struct {
	ID       string            `json:"id"`
	ImageURL string            `json:"image_url,omitempty"`
	Filename string            `json:"filename,omitempty"`
	Category string            `json:"category,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Info describes the running deployment for GET /api/info.
type Info struct {
	Version       string     `json:"version"`
	Commit        string     `json:"commit"`
	VectorStore   string     `json:"vector_store"`
	CacheDriver   string     `json:"cache_driver"`
	Dimensions    int        `json:"dimensions"`
	CandidatePool int        `json:"candidate_pool"`
	MaxTopK       int        `json:"max_top_k"`
	RerankEnabled bool       `json:"rerank_enabled"`
	Kernel        KernelInfo `json:"kernel"`
}

// KernelInfo is the scoring policy.
type KernelInfo struct {
	Epsilon       float64            `json:"epsilon"`
	PrecisionBits int                `json:"precision_bits"`
	Weights       map[string]float64 `json:"weights"`
	Blend         map[string]float64 `json:"blend"`
}

// Confidence holds the thresholds for result labels.
type Confidence struct {
	High    float64
	Good    float64
	Minimum float64
}

// DefaultConfidence returns 0.95/0.85/0.80.
func DefaultConfidence() Confidence {
	return Confidence{High: 0.95, Good: 0.85, Minimum: 0.80}
}

// Label names the confidence band of score: high, good, fair or low.
func (c Confidence) Label(score float64) string {
	switch {
	case score >= c.High:
		return "high"
	case score >= c.Good:
		return "good"
	case score >= c.Minimum:
		return "fair"
	default:
		return "low"
	}
}

func (s *Server) resultItem(r *ranking.Result) ResultItem {
	md := r.Metadata()
	return ResultItem{
		ID:                  r.ID(),
		Filename:            md[metaFilename],
		Category:            md[metaCategory],
		ImageURL:            md[metaURL],
		Similarity:          r.Score(),
		ClassicalSimilarity: r.ClassicalScore(),
		Boost:               r.Boost(),
		RerankApplied:       r.RerankApplied(),
		Confidence:          s.opts.Confidence.Label(r.Score()),
	}
}

func (s *Server) searchResponse(resp *engine.Response) SearchResponse[ResultItem] {
	items := make([]ResultItem, len(resp.Results))
	for i := range resp.Results {
		items[i] = s.resultItem(&resp.Results[i])
	}
	return SearchResponse[ResultItem]{
		Method:              resp.Stats.Method,
		Results:             items,
		CandidatesEvaluated: resp.Stats.CandidatesEvaluated,
		CacheHit:            resp.Stats.CacheHit,
		ProcessingTimeMs:    millis(resp.Stats),
	}
}

func (s *Server) detailedResponse(resp *engine.DetailedResponse) SearchResponse[DetailedItem] {
	items := make([]DetailedItem, len(resp.Results))
	for i := range resp.Results {
		d := &resp.Results[i]
		items[i] = DetailedItem{ResultItem: s.resultItem(&d.Result)}
		if b := d.Breakdown; b != nil {
			items[i].Metrics = &ScoreBreakdown{
				Classical:          b.Classical,
				Fidelity:           b.Fidelity,
				PhaseCoherence:     b.PhaseCoherence,
				AmplitudeEstimated: b.AmplitudeEstimated,
				Combined:           b.Combined,
			}
		}
	}
	return SearchResponse[DetailedItem]{
		Method:              resp.Stats.Method,
		Results:             items,
		CandidatesEvaluated: resp.Stats.CandidatesEvaluated,
		CacheHit:            resp.Stats.CacheHit,
		ProcessingTimeMs:    millis(resp.Stats),
	}
}

func millis(st engine.Stats) float64 {
	return float64(st.ProcessingTime.Microseconds()) / 1000
}
