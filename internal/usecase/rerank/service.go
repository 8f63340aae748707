// Package rerank rescores retrieved candidates with the kernel library and
// the score combiner over a bounded worker pool.
package rerank

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/candidate"
	"github.com/kailas-cloud/qflow/internal/domain/kernel"
	"github.com/kailas-cloud/qflow/internal/domain/ranking"
	"github.com/kailas-cloud/qflow/internal/domain/scoring"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	"github.com/kailas-cloud/qflow/internal/metrics"
)

// Outcome is a ranked, truncated result set plus per-request accounting.
type Outcome struct {
	Results     []ranking.Detailed
	Evaluated   int
	Reranked    int
	PassThrough int
	Dropped     int
}

// Service is the re-ranker. Safe for concurrent use.
type Service struct {
	kernels  *kernel.Library
	combiner *scoring.Combiner
	workers  int
	logger   *zap.Logger
}

// New creates a re-ranker. workers <= 0 means runtime.GOMAXPROCS(0).
func New(kernels *kernel.Library, combiner *scoring.Combiner, workers int, logger *zap.Logger) *Service {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Service{kernels: kernels, combiner: combiner, workers: workers, logger: logger}
}

// Workers returns the pool size.
func (s *Service) Workers() int { return s.workers }

type slot struct {
	item    ranking.Detailed
	skipped bool
	dropErr error
}

// Rerank scores every candidate, sorts by score descending (ties by id) and
// keeps the first n (n <= 0 keeps all). Candidates without values pass through
// with their classical score. A candidate whose kernels fail is dropped; if
// every supplied candidate is dropped the call fails with ErrRerankingFailed.
// Cancellation discards all partial work.
func (s *Service) Rerank(
	ctx context.Context, query vector.FeatureVector, cands []candidate.Match, n int,
) (Outcome, error) {
	if len(cands) == 0 {
		return Outcome{Results: []ranking.Detailed{}}, nil
	}

	prepared, err := s.kernels.Prepare(query)
	if err != nil {
		return Outcome{}, fmt.Errorf("prepare query: %w", err)
	}

	slots := make([]slot, len(cands))
	markDuplicates(cands, slots)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range cands {
		if slots[i].skipped {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = s.score(prepared, &cands[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Outcome{}, fmt.Errorf("rerank: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("rerank: %w", err)
	}

	out := Outcome{Results: make([]ranking.Detailed, 0, len(cands))}
	for i := range slots {
		sl := &slots[i]
		switch {
		case sl.skipped:
			continue
		case sl.dropErr != nil:
			out.Dropped++
			s.logger.Warn("Candidate dropped",
				zap.String("id", cands[i].ID()),
				zap.Error(sl.dropErr),
			)
			continue
		case sl.item.Result.RerankApplied():
			out.Reranked++
		default:
			out.PassThrough++
		}
		out.Evaluated++
		out.Results = append(out.Results, sl.item)
	}
	s.record(out)

	if len(out.Results) == 0 {
		return Outcome{}, fmt.Errorf("%w: all %d candidates dropped", domain.ErrRerankingFailed, out.Dropped)
	}

	ranking.Sort(out.Results)
	if n > 0 && len(out.Results) > n {
		out.Results = out.Results[:n]
	}
	return out, nil
}

// Classical ranks candidates by their vector store score without kernels.
func (s *Service) Classical(cands []candidate.Match, n int) Outcome {
	slots := make([]slot, len(cands))
	markDuplicates(cands, slots)

	out := Outcome{Results: make([]ranking.Detailed, 0, len(cands))}
	for i := range cands {
		if slots[i].skipped {
			continue
		}
		c := &cands[i]
		out.Results = append(out.Results, ranking.Detailed{
			Result: ranking.PassThrough(c.ID(), c.ClassicalScore(), c.Metadata()),
		})
	}
	out.Evaluated = len(out.Results)
	out.PassThrough = len(out.Results)
	s.record(out)

	ranking.Sort(out.Results)
	if n > 0 && len(out.Results) > n {
		out.Results = out.Results[:n]
	}
	return out
}

func (s *Service) score(prepared *kernel.Prepared, c *candidate.Match) slot {
	values, ok := c.Values()
	if !ok {
		return slot{item: ranking.Detailed{
			Result: ranking.PassThrough(c.ID(), c.ClassicalScore(), c.Metadata()),
		}}
	}

	ks, err := prepared.Evaluate(values)
	if err != nil {
		return slot{dropErr: err}
	}

	comb := s.combiner.Combine(ks.Classical, ks.Fidelity, ks.PhaseCoherence)
	return slot{item: ranking.Detailed{
		Result: ranking.Reranked(c.ID(), comb.Combined, c.ClassicalScore(), c.Metadata()),
		Breakdown: &ranking.Breakdown{
			Classical:          ks.Classical,
			Fidelity:           ks.Fidelity,
			PhaseCoherence:     ks.PhaseCoherence,
			AmplitudeEstimated: comb.AmplitudeEstimated,
			Combined:           comb.Combined,
		},
	}}
}

func (s *Service) record(out Outcome) {
	metrics.CandidatesTotal.WithLabelValues("reranked").Add(float64(out.Reranked))
	metrics.CandidatesTotal.WithLabelValues("passthrough").Add(float64(out.PassThrough))
	metrics.CandidatesTotal.WithLabelValues("dropped").Add(float64(out.Dropped))
}

// markDuplicates skips every repeated id after its first occurrence.
func markDuplicates(cands []candidate.Match, slots []slot) {
	seen := make(map[string]struct{}, len(cands))
	for i := range cands {
		id := cands[i].ID()
		if _, dup := seen[id]; dup {
			slots[i].skipped = true
			continue
		}
		seen[id] = struct{}{}
	}
}
