// Package engine is the search facade: validation, caching, retrieval and
// re-ranking of one similarity query.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/ranking"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	"github.com/kailas-cloud/qflow/internal/domain/search/request"
	"github.com/kailas-cloud/qflow/internal/logger"
	"github.com/kailas-cloud/qflow/internal/metrics"
	"github.com/kailas-cloud/qflow/internal/usecase/resultcache"
)

// Methods reported in Stats.
const (
	MethodReranked  = "reranked"
	MethodClassical = "classical"
)

// Operations label metrics and logs.
const (
	opSearch   = "search"
	opDetailed = "detailed"
)

// Config holds engine settings.
type Config struct {
	Dimensions     int
	CandidatePool  int
	MaxTopK        int
	RequestTimeout time.Duration
	RerankEnabled  bool
	Categories     []string
	// Policy is hashed into every fingerprint. Its Rerank flag is overridden
	// by RerankEnabled.
	Policy fingerprint.Policy
}

// Stats describes how a response was produced.
type Stats struct {
	Method              string
	CandidatesEvaluated int
	Dropped             int
	CacheHit            bool
	Shared              bool
	Fingerprint         fingerprint.Fingerprint
	ProcessingTime      time.Duration
}

// Response is the result of Search.
type Response struct {
	Results []ranking.Result
	Stats   Stats
}

// DetailedResponse is the result of SearchDetailed.
type DetailedResponse struct {
	Results []ranking.Detailed
	Stats   Stats
}

// Service is the engine. Safe for concurrent use.
type Service struct {
	retriever Retriever
	reranker  Reranker
	cache     ResultCache
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// New creates the engine.
func New(retriever Retriever, reranker Reranker, cache ResultCache, cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("engine: dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.MaxTopK <= 0 || cfg.MaxTopK > request.HardMaxTopK {
		cfg.MaxTopK = request.HardMaxTopK
	}
	cfg.Policy.Rerank = cfg.RerankEnabled
	cfg.Categories = slices.Clone(cfg.Categories)

	return &Service{
		retriever: retriever,
		reranker:  reranker,
		cache:     cache,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Categories returns the allowed category filters. Empty means any.
func (s *Service) Categories() []string { return slices.Clone(s.cfg.Categories) }

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// Search returns ranked results with min_score applied after the cache.
func (s *Service) Search(ctx context.Context, req *request.Request) (Response, error) {
	entry, stats, err := s.run(ctx, opSearch, req)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Results: ranking.FilterMinScore(ranking.Results(entry.Results), req.MinScore()),
		Stats:   stats,
	}, nil
}

// SearchDetailed returns ranked results with their kernel breakdowns.
// min_score is not applied.
func (s *Service) SearchDetailed(ctx context.Context, req *request.Request) (DetailedResponse, error) {
	entry, stats, err := s.run(ctx, opDetailed, req)
	if err != nil {
		return DetailedResponse{}, err
	}
	return DetailedResponse{Results: slices.Clone(entry.Results), Stats: stats}, nil
}

func (s *Service) run(ctx context.Context, op string, req *request.Request) (resultcache.Entry, Stats, error) {
	start := s.now()
	log := logger.FromContext(ctx).With(zap.String("operation", op))
	st := newTracker(log)

	entry, stats, err := s.execute(ctx, req, st, log)
	stats.ProcessingTime = s.now().Sub(start)
	metrics.StageDuration.WithLabelValues("total").Observe(stats.ProcessingTime.Seconds())

	if err != nil {
		st.to(StateFailed)
		metrics.SearchRequestsTotal.WithLabelValues(op, "error").Inc()
		log.Debug("Search failed", zap.Error(err), zap.Duration("duration", stats.ProcessingTime))
		return resultcache.Entry{}, Stats{}, err
	}

	metrics.SearchRequestsTotal.WithLabelValues(op, "ok").Inc()
	log.Debug("Search completed",
		zap.String("fingerprint", stats.Fingerprint.String()),
		zap.String("method", stats.Method),
		zap.Bool("cache_hit", stats.CacheHit),
		zap.Int("results", len(entry.Results)),
		zap.Duration("duration", stats.ProcessingTime),
	)
	return entry, stats, nil
}

func (s *Service) execute(
	ctx context.Context, req *request.Request, st *tracker, log *zap.Logger,
) (resultcache.Entry, Stats, error) {
	if err := s.validate(req); err != nil {
		return resultcache.Entry{}, Stats{}, err
	}

	topK := min(req.TopK(), s.cfg.MaxTopK)
	fp := fingerprint.Compute(req.Query(), topK, req.Filters(), s.cfg.Policy)

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	entry, src, err := s.cache.GetOrCompute(ctx, fp, func(cctx context.Context) (resultcache.Entry, error) {
		return s.compute(cctx, req, topK, st, log)
	})
	if err != nil {
		return resultcache.Entry{}, Stats{}, mapContextError(ctx, err)
	}

	if src != resultcache.SourceMiss {
		st.to(StateCached)
	}

	method := MethodClassical
	if entry.RerankApplied {
		method = MethodReranked
	}
	return entry, Stats{
		Method:              method,
		CandidatesEvaluated: entry.CandidatesEvaluated,
		Dropped:             entry.Dropped,
		CacheHit:            src == resultcache.SourceHit,
		Shared:              src == resultcache.SourceShared,
		Fingerprint:         fp,
	}, nil
}

// compute runs retrieval and re-ranking. It executes inside the cache flight
// and may outlive the caller that started it.
func (s *Service) compute(
	ctx context.Context, req *request.Request, topK int, st *tracker, log *zap.Logger,
) (resultcache.Entry, error) {
	st.to(StateRetrieving)
	retrieveK := max(topK, s.cfg.CandidatePool)

	started := time.Now()
	cands, err := s.retriever.Retrieve(ctx, req.Query(), retrieveK, req.Filters())
	metrics.StageDuration.WithLabelValues("retrieve").Observe(time.Since(started).Seconds())
	if err != nil {
		st.to(StateFailed)
		return resultcache.Entry{}, fmt.Errorf("retrieve candidates: %w", err)
	}

	st.to(StateReranking)
	started = time.Now()
	var (
		results   []ranking.Detailed
		evaluated int
		dropped   int
		applied   bool
	)
	if s.cfg.RerankEnabled {
		out, err := s.reranker.Rerank(ctx, req.Query(), cands, topK)
		metrics.StageDuration.WithLabelValues("rerank").Observe(time.Since(started).Seconds())
		if err != nil {
			st.to(StateFailed)
			return resultcache.Entry{}, err
		}
		results, evaluated, dropped, applied = out.Results, out.Evaluated, out.Dropped, out.Reranked > 0
	} else {
		out := s.reranker.Classical(cands, topK)
		metrics.StageDuration.WithLabelValues("rerank").Observe(time.Since(started).Seconds())
		results, evaluated = out.Results, out.Evaluated
	}

	if err := ctx.Err(); err != nil {
		st.to(StateFailed)
		return resultcache.Entry{}, err
	}
	st.to(StateCompleted)

	log.Debug("Ranking computed",
		zap.Int("retrieved", len(cands)),
		zap.Int("evaluated", evaluated),
		zap.Int("dropped", dropped),
	)
	return resultcache.Entry{
		Results:             results,
		CandidatesEvaluated: evaluated,
		Dropped:             dropped,
		RerankApplied:       applied,
	}, nil
}

func (s *Service) validate(req *request.Request) error {
	if req == nil {
		return domain.InvalidRequestf("request is required")
	}
	if dim := req.Query().Dim(); dim != s.cfg.Dimensions {
		return fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.NewDimensionMismatch(s.cfg.Dimensions, dim))
	}
	if cat := req.Category(); cat != "" && len(s.cfg.Categories) > 0 && !slices.Contains(s.cfg.Categories, cat) {
		return domain.InvalidRequestf("unknown category %q", cat)
	}
	return nil
}

// withTimeout applies the request timeout unless the caller's deadline is earlier.
func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= s.cfg.RequestTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

// mapContextError reports expiry and cancellation as ErrDeadlineExceeded.
func mapContextError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.Is(err, domain.ErrDeadlineExceeded) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrDeadlineExceeded, err)
	}
	return err
}
