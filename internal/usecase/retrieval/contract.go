// Package retrieval defines the candidate retriever contract consumed by the
// engine and the decorators shared by every vector store backend.
package retrieval

import (
	"context"

	"github.com/kailas-cloud/qflow/internal/domain/candidate"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// Retriever returns up to topK candidates ordered by classical similarity.
// Implementations always request raw vector values; a candidate whose values
// the backend cannot supply is returned with no values.
// Connection and timeout failures wrap domain.ErrUpstreamUnavailable.
type Retriever interface {
	Retrieve(ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression) ([]candidate.Match, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression) ([]candidate.Match, error)

// Retrieve calls f.
func (f RetrieverFunc) Retrieve(
	ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression,
) ([]candidate.Match, error) {
	return f(ctx, query, topK, filters)
}
