package engine

import (
	"context"

	"github.com/kailas-cloud/qflow/internal/domain/candidate"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	"github.com/kailas-cloud/qflow/internal/usecase/rerank"
	"github.com/kailas-cloud/qflow/internal/usecase/resultcache"
)

// Retriever fetches first-pass candidates from the vector store.
type Retriever interface {
	Retrieve(ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression) ([]candidate.Match, error)
}

// Reranker rescores candidates.
type Reranker interface {
	Rerank(ctx context.Context, query vector.FeatureVector, cands []candidate.Match, n int) (rerank.Outcome, error)
	Classical(cands []candidate.Match, n int) rerank.Outcome
}

// ResultCache memoizes rankings per fingerprint with single-flight computation.
type ResultCache interface {
	GetOrCompute(
		ctx context.Context, fp fingerprint.Fingerprint, compute resultcache.ComputeFunc,
	) (resultcache.Entry, resultcache.Source, error)
}
