package qflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	dbRedis "github.com/kailas-cloud/qflow/internal/db/redis"
	"github.com/kailas-cloud/qflow/internal/domain/candidate"
	"github.com/kailas-cloud/qflow/internal/domain/kernel"
	"github.com/kailas-cloud/qflow/internal/domain/ranking"
	"github.com/kailas-cloud/qflow/internal/domain/scoring"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	"github.com/kailas-cloud/qflow/internal/domain/search/request"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	resultstore "github.com/kailas-cloud/qflow/internal/repository/resultcache"
	searchrepo "github.com/kailas-cloud/qflow/internal/repository/search"
	"github.com/kailas-cloud/qflow/internal/transport/qdrant"
	engineuc "github.com/kailas-cloud/qflow/internal/usecase/engine"
	healthuc "github.com/kailas-cloud/qflow/internal/usecase/health"
	rerankuc "github.com/kailas-cloud/qflow/internal/usecase/rerank"
	"github.com/kailas-cloud/qflow/internal/usecase/resultcache"
	"github.com/kailas-cloud/qflow/internal/usecase/retrieval"
)

const (
	defaultReadinessTimeout = 10 * time.Second
	defaultTopK             = 10
	retryBackoff            = 100 * time.Millisecond
)

// Retriever is a custom first-pass store. It returns up to topK candidates
// ordered by descending Score, restricted to category when it is non-empty.
type Retriever interface {
	Retrieve(ctx context.Context, query []float32, topK int, category string) ([]Candidate, error)
}

// searchEngine is the internal interface for the engine, swapped in tests.
type searchEngine interface {
	Search(ctx context.Context, req *request.Request) (engineuc.Response, error)
	SearchDetailed(ctx context.Context, req *request.Request) (engineuc.DetailedResponse, error)
}

// Client is the qflow SDK entry point. Safe for concurrent use.
type Client struct {
	engine    searchEngine
	healthSvc healthUseCase
	closers   []func()
	obs       *observer
}

// New creates a Client and connects to the configured vector store.
// The provided context is used for the initial readiness check.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(cfg)
	}

	if cfg.retriever == nil && len(cfg.addrs) == 0 {
		return nil, errors.New("qflow: vector store required (use WithQdrant, WithRedis, WithValkey or WithRetriever)")
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c, err := wireClient(backend, cfg, obs)
	if err != nil {
		backend.close()
		return nil, err
	}
	return c, nil
}

// backend is an opened first-pass store.
type backend struct {
	name      string
	retriever retrieval.Retriever
	health    healthuc.Checker
	close     func()
}

func openBackend(ctx context.Context, cfg *clientConfig) (backend, error) {
	log := zap.NewNop()

	if cfg.retriever != nil {
		return backend{
			name:      "custom",
			retriever: &retrieverAdapter{inner: cfg.retriever},
			close:     func() {},
		}, nil
	}

	switch cfg.driver {
	case "qdrant":
		r, err := qdrant.Dial(qdrant.Config{
			Addr:       cfg.addrs[0],
			APIKey:     cfg.apiKey,
			Collection: cfg.collection,
			MinScore:   cfg.minCandidate,
			Logger:     log,
		})
		if err != nil {
			return backend{}, fmt.Errorf("qflow: %w", err)
		}
		return backend{
			name:      "qdrant",
			retriever: r,
			health:    healthuc.CheckerFunc(r.HealthCheck),
			close:     func() { _ = r.Close() },
		}, nil
	case "redis", "valkey":
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.addrs,
			Password: cfg.password,
		})
		if err != nil {
			return backend{}, fmt.Errorf("qflow: create %s store: %w", cfg.driver, err)
		}
		if err := s.WaitForReady(ctx, defaultReadinessTimeout); err != nil {
			s.Close()
			return backend{}, fmt.Errorf("qflow: database not ready: %w", err)
		}
		repo := searchrepo.New(s, searchrepo.Config{
			Collection: cfg.collection,
			Prefix:     cfg.keyPrefix,
			MinScore:   cfg.minCandidate,
		}, log)
		return backend{
			name:      cfg.driver,
			retriever: repo,
			health:    healthuc.CheckerFunc(s.Ping),
			close:     s.Close,
		}, nil
	default:
		return backend{}, fmt.Errorf("qflow: unknown driver %q", cfg.driver)
	}
}

func wireClient(b backend, cfg *clientConfig, obs *observer) (*Client, error) {
	log := zap.NewNop()

	lib, err := kernel.NewLibrary(kernel.DefaultEpsilon)
	if err != nil {
		return nil, fmt.Errorf("qflow: %w", err)
	}
	combiner := scoring.MustDefault()

	retriever := retrieval.WithRetry(retrieval.NewInstrumented(b.retriever, b.name, log), retryBackoff, log)
	cache := resultcache.New(resultstore.NewMemory(cfg.cacheSize, cfg.cacheTTL), cfg.cacheTTL, log)

	engine, err := engineuc.New(retriever, rerankuc.New(lib, combiner, cfg.workers, log), cache, engineuc.Config{
		Dimensions:    cfg.dimensions,
		CandidatePool: cfg.candidatePool,
		RerankEnabled: cfg.rerank,
		Policy: fingerprint.Policy{
			Weights:       combiner.Weights(),
			Blend:         combiner.Blend(),
			PrecisionBits: combiner.PrecisionBits(),
			Epsilon:       lib.Epsilon(),
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("qflow: %w", err)
	}

	return &Client{
		engine:    engine,
		healthSvc: healthuc.New(log, healthuc.Component{Name: "vector_store", Checker: b.health, Required: true}),
		closers:   []func(){b.close},
		obs:       obs,
	}, nil
}

// Close releases all resources.
func (c *Client) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Search returns the top results for query, re-ranked when enabled.
func (c *Client) Search(ctx context.Context, query []float32, opts SearchOptions) (resp Response, err error) {
	start := time.Now()
	defer func() { c.obs.observe("search", start, &resp, err) }()

	req, err := buildRequest(query, opts)
	if err != nil {
		return Response{}, err
	}
	out, err := c.engine.Search(ctx, &req)
	if err != nil {
		return Response{}, err
	}

	results := make([]Result, len(out.Results))
	for i := range out.Results {
		results[i] = toResult(&out.Results[i], nil)
	}
	return toResponse(results, out.Stats), nil
}

// SearchDetailed is Search with per-kernel breakdowns. MinScore is ignored.
func (c *Client) SearchDetailed(ctx context.Context, query []float32, opts SearchOptions) (resp Response, err error) {
	start := time.Now()
	defer func() { c.obs.observe("search_detailed", start, &resp, err) }()

	req, err := buildRequest(query, opts)
	if err != nil {
		return Response{}, err
	}
	out, err := c.engine.SearchDetailed(ctx, &req)
	if err != nil {
		return Response{}, err
	}

	results := make([]Result, len(out.Results))
	for i := range out.Results {
		results[i] = toResult(&out.Results[i].Result, out.Results[i].Breakdown)
	}
	return toResponse(results, out.Stats), nil
}

func buildRequest(query []float32, opts SearchOptions) (request.Request, error) {
	topK := opts.TopK
	if topK == 0 {
		topK = defaultTopK
	}
	return request.New(vector.FeatureVector(query), topK, opts.MinScore, opts.Category)
}

func toResult(r *ranking.Result, b *ranking.Breakdown) Result {
	out := Result{
		ID:             r.ID(),
		Score:          r.Score(),
		ClassicalScore: r.ClassicalScore(),
		RerankApplied:  r.RerankApplied(),
		Metadata:       r.Metadata(),
	}
	if b != nil {
		out.Breakdown = &Breakdown{
			Classical:          b.Classical,
			Fidelity:           b.Fidelity,
			PhaseCoherence:     b.PhaseCoherence,
			AmplitudeEstimated: b.AmplitudeEstimated,
			Combined:           b.Combined,
		}
	}
	return out
}

func toResponse(results []Result, st engineuc.Stats) Response {
	return Response{
		Results:             results,
		Method:              st.Method,
		CandidatesEvaluated: st.CandidatesEvaluated,
		CacheHit:            st.CacheHit,
		ProcessingTime:      st.ProcessingTime,
	}
}

// retrieverAdapter wraps a public Retriever to satisfy retrieval.Retriever.
type retrieverAdapter struct {
	inner Retriever
}

func (a *retrieverAdapter) Retrieve(
	ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression,
) ([]candidate.Match, error) {
	cands, err := a.inner.Retrieve(ctx, query, topK, categoryOf(filters))
	if err != nil {
		return nil, fmt.Errorf("retrieve: %w", err)
	}
	out := make([]candidate.Match, 0, len(cands))
	for _, c := range cands {
		m, err := candidate.New(c.ID, c.Score, c.Vector, c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("retrieve: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func categoryOf(expr filter.Expression) string {
	for _, c := range expr.Must() {
		if c.Key() == filter.CategoryKey {
			return c.Match()
		}
	}
	return ""
}
