package featcache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/db"
	"github.com/kailas-cloud/qflow/internal/domain/image"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	"github.com/kailas-cloud/qflow/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.RegisterEngineMetrics()
	os.Exit(m.Run())
}

type mockExtractor struct {
	vec     vector.FeatureVector
	err     error
	calls   atomic.Int32
	release chan struct{}
}

func (m *mockExtractor) Extract(_ context.Context, _ image.Image) (vector.FeatureVector, error) {
	m.calls.Add(1)
	if m.release != nil {
		<-m.release
	}
	return m.vec, m.err
}

// mockKVStore implements the consumer interface for tests.
type mockKVStore struct {
	mu    sync.Mutex
	getFn func(ctx context.Context, key string) ([]byte, error)
	setFn func(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func (m *mockKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	fn := m.getFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, key)
	}
	return nil, db.ErrKeyNotFound
}

func (m *mockKVStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	fn := m.setFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, key, value, ttl)
	}
	return nil
}

func newTestCachedExtractor(t *testing.T, inner *mockExtractor) (*CachedExtractor, *mockKVStore) {
	t.Helper()
	ms := &mockKVStore{}
	return New(inner, ms, "qflow:", 0, zap.NewNop()), ms
}

func testImage(t *testing.T) image.Image {
	t.Helper()
	img, err := image.New([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), "image/png")
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	return img
}
