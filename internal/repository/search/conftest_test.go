package search

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/db"
	"github.com/kailas-cloud/qflow/internal/domain/kernel"
	"github.com/kailas-cloud/qflow/internal/domain/scoring"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/usecase/rerank"
)

// mockStore implements the consumer interfaces for tests.
type mockStore struct {
	searchKNNFn   func(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error)
	indexExistsFn func(ctx context.Context, name string) (bool, error)
	createIndexFn func(ctx context.Context, def *db.IndexDefinition) error
	indexInfoFn   func(ctx context.Context, name string) (*db.IndexInfo, error)
	hashGetAllFn  func(ctx context.Context, key string) (map[string]string, error)
}

func (m *mockStore) SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error) {
	if m.searchKNNFn != nil {
		return m.searchKNNFn(ctx, q)
	}
	return &db.SearchResult{}, nil
}

func (m *mockStore) IndexExists(ctx context.Context, name string) (bool, error) {
	if m.indexExistsFn != nil {
		return m.indexExistsFn(ctx, name)
	}
	return true, nil
}

func (m *mockStore) CreateIndex(ctx context.Context, def *db.IndexDefinition) error {
	if m.createIndexFn != nil {
		return m.createIndexFn(ctx, def)
	}
	return nil
}

func (m *mockStore) IndexInfo(ctx context.Context, name string) (*db.IndexInfo, error) {
	if m.indexInfoFn != nil {
		return m.indexInfoFn(ctx, name)
	}
	return &db.IndexInfo{Name: name, State: "ready"}, nil
}

func (m *mockStore) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	if m.hashGetAllFn != nil {
		return m.hashGetAllFn(ctx, key)
	}
	return nil, db.ErrKeyNotFound
}

func newTestRepo(t *testing.T, minScore float64) (*Repo, *mockStore) {
	t.Helper()
	ms := &mockStore{}
	repo := New(ms, Config{Collection: "images", Prefix: "qflow:", MinScore: minScore}, zap.NewNop())
	return repo, ms
}

func testVector() []float32 {
	return []float32{0.1, 0.1, 0.1, 0.1}
}

func testVectorToBytes(v []float32) string {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return string(buf)
}

func mustCategory(t *testing.T, category string) filter.Expression {
	t.Helper()
	return filter.ByCategory(category)
}

func newTestReranker(t *testing.T) *rerank.Service {
	t.Helper()
	lib, err := kernel.NewLibrary(kernel.DefaultEpsilon)
	if err != nil {
		t.Fatalf("kernel library: %v", err)
	}
	return rerank.New(lib, scoring.MustDefault(), 2, zap.NewNop())
}
