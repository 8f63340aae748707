package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/candidate"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// Retrying retries an upstream failure exactly once with identical parameters.
type Retrying struct {
	inner   Retriever
	backoff time.Duration
	logger  *zap.Logger
}

// WithRetry wraps inner. backoff is the pause before the single retry (may be 0).
func WithRetry(inner Retriever, backoff time.Duration, logger *zap.Logger) *Retrying {
	return &Retrying{inner: inner, backoff: backoff, logger: logger}
}

// Retrieve calls inner, retrying once when the failure is ErrUpstreamUnavailable
// and the caller is still waiting.
func (r *Retrying) Retrieve(
	ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression,
) ([]candidate.Match, error) {
	matches, err := r.inner.Retrieve(ctx, query, topK, filters)
	if err == nil {
		return matches, nil
	}
	if ctx.Err() != nil || !errors.Is(err, domain.ErrUpstreamUnavailable) {
		return nil, err
	}

	r.logger.Warn("Retrieval failed, retrying once", zap.Int("top_k", topK), zap.Error(err))

	if r.backoff > 0 {
		t := time.NewTimer(r.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, err
		case <-t.C:
		}
	}

	matches, err = r.inner.Retrieve(ctx, query, topK, filters)
	if err != nil {
		return nil, fmt.Errorf("after retry: %w", err)
	}
	return matches, nil
}
