package qflow

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeRetriever struct {
	calls        atomic.Int32
	lastTopK     atomic.Int32
	lastCategory atomic.Value
	cands        []Candidate
	err          error
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ []float32, topK int, category string) ([]Candidate, error) {
	f.calls.Add(1)
	f.lastTopK.Store(int32(topK))
	f.lastCategory.Store(category)
	if f.err != nil {
		return nil, f.err
	}
	return f.cands, nil
}

func sampleCandidates() []Candidate {
	return []Candidate{
		{ID: "a", Score: 0.90, Vector: []float32{1, 0, 0, 0}, Metadata: map[string]string{"filename": "a.png"}},
		{ID: "b", Score: 0.85, Vector: []float32{0, 1, 0, 0}},
		{ID: "c", Score: 0.80, Vector: []float32{0.9, 0.1, 0, 0}},
	}
}

func newTestClient(t *testing.T, r Retriever, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithRetriever(r), WithDimensions(4)}, opts...)
	c, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNew_NoBackend(t *testing.T) {
	_, err := New(context.Background())
	if err == nil {
		t.Fatal("expected error when no vector store configured")
	}
}

func TestNew_UnknownDriver(t *testing.T) {
	cfg := defaultConfig()
	cfg.driver = "unknown"
	cfg.addrs = []string{"localhost:1234"}
	_, err := openBackend(context.Background(), cfg)
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNew_InvalidDimensions(t *testing.T) {
	_, err := New(context.Background(), WithRetriever(&fakeRetriever{}), WithDimensions(0))
	if err == nil {
		t.Fatal("expected error for zero dimensions")
	}
}

func TestSearch_Reranks(t *testing.T) {
	r := &fakeRetriever{cands: sampleCandidates()}
	c := newTestClient(t, r)

	resp, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOptions{TopK: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Method != MethodReranked {
		t.Errorf("method = %q, want %q", resp.Method, MethodReranked)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].ID != "a" {
		t.Errorf("first result = %q, want a", resp.Results[0].ID)
	}
	if !resp.Results[0].RerankApplied {
		t.Error("expected rerank applied")
	}
	if resp.Results[0].Metadata["filename"] != "a.png" {
		t.Errorf("metadata = %v", resp.Results[0].Metadata)
	}
	if resp.Results[0].Breakdown != nil {
		t.Error("Search must not return breakdowns")
	}
	if got := r.lastTopK.Load(); got != 50 {
		t.Errorf("retrieval topK = %d, want candidate pool 50", got)
	}
}

func TestSearch_CachedSecondCall(t *testing.T) {
	r := &fakeRetriever{cands: sampleCandidates()}
	c := newTestClient(t, r)
	ctx := context.Background()
	q := []float32{1, 0, 0, 0}

	if _, err := c.Search(ctx, q, SearchOptions{}); err != nil {
		t.Fatalf("first search: %v", err)
	}
	resp, err := c.Search(ctx, q, SearchOptions{})
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if !resp.CacheHit {
		t.Error("expected cache hit")
	}
	if r.calls.Load() != 1 {
		t.Errorf("retriever calls = %d, want 1", r.calls.Load())
	}
}

func TestSearchDetailed_Breakdown(t *testing.T) {
	c := newTestClient(t, &fakeRetriever{cands: sampleCandidates()})

	resp, err := c.SearchDetailed(context.Background(), []float32{1, 0, 0, 0}, SearchOptions{TopK: 3, MinScore: 0.99})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("results = %d, want 3 (min score ignored)", len(resp.Results))
	}
	b := resp.Results[0].Breakdown
	if b == nil {
		t.Fatal("expected breakdown")
	}
	if b.Combined != resp.Results[0].Score {
		t.Errorf("combined = %v, score = %v", b.Combined, resp.Results[0].Score)
	}
}

func TestSearch_RerankDisabled(t *testing.T) {
	c := newTestClient(t, &fakeRetriever{cands: sampleCandidates()}, WithRerank(false))

	resp, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOptions{TopK: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Method != MethodClassical {
		t.Errorf("method = %q, want %q", resp.Method, MethodClassical)
	}
	for _, res := range resp.Results {
		if res.Score != res.ClassicalScore {
			t.Errorf("%s: score %v != classical %v", res.ID, res.Score, res.ClassicalScore)
		}
	}
}

func TestSearch_CategoryForwarded(t *testing.T) {
	r := &fakeRetriever{cands: sampleCandidates()}
	c := newTestClient(t, r)

	if _, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOptions{Category: "satellite"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := r.lastCategory.Load().(string); got != "satellite" {
		t.Errorf("category = %q, want satellite", got)
	}
}

func TestSearch_Errors(t *testing.T) {
	tests := []struct {
		name  string
		r     *fakeRetriever
		query []float32
		opts  SearchOptions
		want  error
	}{
		{"dimension mismatch", &fakeRetriever{}, []float32{1, 0}, SearchOptions{}, ErrDimensionMismatch},
		{"empty vector", &fakeRetriever{}, nil, SearchOptions{}, ErrInvalidVector},
		{"non-finite vector", &fakeRetriever{}, []float32{float32(math.Inf(1)), 0, 0, 0}, SearchOptions{}, ErrInvalidRequest},
		{"negative top k", &fakeRetriever{}, []float32{1, 0, 0, 0}, SearchOptions{TopK: -1}, ErrInvalidRequest},
		{"min score out of range", &fakeRetriever{}, []float32{1, 0, 0, 0}, SearchOptions{MinScore: 2}, ErrInvalidRequest},
		{"bad candidate score", &fakeRetriever{cands: []Candidate{{ID: "x", Score: 3}}}, []float32{1, 0, 0, 0}, SearchOptions{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.r)
			_, err := c.Search(context.Background(), tt.query, tt.opts)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSearch_UpstreamRetriedOnce(t *testing.T) {
	r := &fakeRetriever{err: ErrUpstreamUnavailable}
	c := newTestClient(t, r)

	_, err := c.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOptions{})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("error = %v, want ErrUpstreamUnavailable", err)
	}
	if r.calls.Load() != 2 {
		t.Errorf("retriever calls = %d, want 2", r.calls.Load())
	}
}

func TestHealth_CustomRetriever(t *testing.T) {
	c := newTestClient(t, &fakeRetriever{})

	h := c.Health(context.Background())
	if h.Status != "ok" {
		t.Errorf("status = %q, want ok", h.Status)
	}
	if len(h.Checks) != 0 {
		t.Errorf("checks = %v, want none", h.Checks)
	}
}

func TestClientOptions(t *testing.T) {
	cfg := defaultConfig()
	logger := slog.Default()
	for _, o := range []Option{
		WithValkey("localhost:6379", "secret"),
		WithCollection("photos"),
		WithDimensions(512),
		WithCandidatePool(20),
		WithMinCandidateScore(0.5),
		WithWorkers(4),
		WithResultCache(time.Minute, 100),
		WithLogger(logger),
	} {
		o.apply(cfg)
	}

	if cfg.driver != "valkey" || cfg.password != "secret" {
		t.Errorf("driver = %q, password = %q", cfg.driver, cfg.password)
	}
	if len(cfg.addrs) != 1 || cfg.addrs[0] != "localhost:6379" {
		t.Errorf("addrs = %v", cfg.addrs)
	}
	if cfg.collection != "photos" || cfg.dimensions != 512 || cfg.candidatePool != 20 {
		t.Errorf("collection = %q, dimensions = %d, pool = %d", cfg.collection, cfg.dimensions, cfg.candidatePool)
	}
	if cfg.minCandidate != 0.5 || cfg.workers != 4 {
		t.Errorf("min candidate = %v, workers = %d", cfg.minCandidate, cfg.workers)
	}
	if cfg.cacheTTL != time.Minute || cfg.cacheSize != 100 {
		t.Errorf("cache ttl = %v, size = %d", cfg.cacheTTL, cfg.cacheSize)
	}
	if cfg.logger != logger {
		t.Error("logger not applied")
	}

	WithQdrant("localhost:6334", "key").apply(cfg)
	if cfg.driver != "qdrant" || cfg.apiKey != "key" {
		t.Errorf("driver = %q, api key = %q", cfg.driver, cfg.apiKey)
	}
}

func TestObserver_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestClient(t, &fakeRetriever{cands: sampleCandidates()}, WithPrometheus(reg))

	_, _ = c.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOptions{})
	_, _ = c.Search(context.Background(), []float32{1, 0}, SearchOptions{})

	ok := testutil.ToFloat64(c.obs.metrics.operations.WithLabelValues("search", "ok"))
	failed := testutil.ToFloat64(c.obs.metrics.operations.WithLabelValues("search", "error"))
	if ok != 1 || failed != 1 {
		t.Errorf("ok = %v, error = %v, want 1/1", ok, failed)
	}
	if miss := testutil.ToFloat64(c.obs.metrics.cache.WithLabelValues("miss")); miss != 1 {
		t.Errorf("cache miss = %v, want 1", miss)
	}

	// A second client on the same registry reuses the collectors.
	if _, err := New(context.Background(), WithRetriever(&fakeRetriever{}), WithDimensions(4), WithPrometheus(reg)); err != nil {
		t.Fatalf("second client: %v", err)
	}
}

func TestObserver_Logs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := newTestClient(t, &fakeRetriever{cands: sampleCandidates()}, WithLogger(logger))

	_, _ = c.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOptions{})
	_, _ = c.Search(context.Background(), []float32{1}, SearchOptions{})

	out := buf.String()
	if !strings.Contains(out, "search completed") || !strings.Contains(out, "method=reranked") {
		t.Errorf("missing completion log: %s", out)
	}
	if !strings.Contains(out, "search failed") {
		t.Errorf("missing failure log: %s", out)
	}
}

func TestObserver_NilSafe(t *testing.T) {
	var o *observer
	o.observe("search", time.Now(), nil, nil)
}
