package request

import (
	"fmt"
	"math"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// Search parameter limits.
const (
	DefaultTopK = 10
	// HardMaxTopK bounds topK regardless of deployment configuration.
	HardMaxTopK = 1000
)

// Request is a validated similarity query.
type Request struct {
	query    vector.FeatureVector
	topK     int
	minScore float64
	category string
}

// New validates search parameters. Dimension and category allow-list checks
// are deployment specific and performed by the engine.
func New(query vector.FeatureVector, topK int, minScore float64, category string) (Request, error) {
	if err := query.Validate(); err != nil {
		return Request{}, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	if topK <= 0 {
		return Request{}, domain.InvalidRequestf("top_k must be positive, got %d", topK)
	}
	if topK > HardMaxTopK {
		topK = HardMaxTopK
	}
	if math.IsNaN(minScore) || minScore < 0 || minScore > 1 {
		return Request{}, domain.InvalidRequestf("min_score must be between 0 and 1")
	}
	return Request{
		query:    query.Clone(),
		topK:     topK,
		minScore: minScore,
		category: category,
	}, nil
}

// Query returns the query feature vector.
func (r *Request) Query() vector.FeatureVector { return r.query }

// TopK returns the number of results requested.
func (r *Request) TopK() int { return r.topK }

// MinScore returns the minimum final score threshold.
func (r *Request) MinScore() float64 { return r.minScore }

// Category returns the category filter ("" for none).
func (r *Request) Category() string { return r.category }

// Filters returns the pre-filter expression pushed down to the vector store.
func (r *Request) Filters() filter.Expression { return filter.ByCategory(r.category) }

// WithTopK returns a copy with topK replaced; used when clamping to deployment limits.
func (r Request) WithTopK(topK int) Request {
	r.topK = topK
	return r
}
