package retrieval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain/candidate"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	"github.com/kailas-cloud/qflow/internal/metrics"
)

// Instrumented counts and logs every attempt against a backend.
// Wrap it inside WithRetry so that each attempt is observed.
type Instrumented struct {
	inner   Retriever
	backend string
	logger  *zap.Logger
}

// NewInstrumented wraps a backend retriever with observability.
func NewInstrumented(inner Retriever, backend string, logger *zap.Logger) *Instrumented {
	return &Instrumented{inner: inner, backend: backend, logger: logger}
}

// Retrieve delegates to the backend and records the outcome.
func (p *Instrumented) Retrieve(
	ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression,
) ([]candidate.Match, error) {
	start := time.Now()
	matches, err := p.inner.Retrieve(ctx, query, topK, filters)
	duration := time.Since(start)

	if err != nil {
		metrics.RetrieverAttemptsTotal.WithLabelValues(p.backend, "error").Inc()
		p.logger.Error("Retrieval attempt failed",
			zap.String("backend", p.backend),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.RetrieverAttemptsTotal.WithLabelValues(p.backend, "ok").Inc()

	withValues := 0
	for i := range matches {
		if matches[i].HasValues() {
			withValues++
		}
	}
	p.logger.Debug("Retrieval attempt completed",
		zap.String("backend", p.backend),
		zap.Duration("duration", duration),
		zap.Int("top_k", topK),
		zap.String("filter", filters.String()),
		zap.Int("candidates", len(matches)),
		zap.Int("with_values", withValues),
	)
	return matches, nil
}
