package resultcache

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/ranking"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	"github.com/kailas-cloud/qflow/internal/metrics"
)

func TestMain(m *testing.M) {
	metrics.RegisterEngineMetrics()
	os.Exit(m.Run())
}

type mapStore struct {
	mu      sync.Mutex
	entries map[fingerprint.Fingerprint]Entry
	getErr  error
}

func newMapStore() *mapStore {
	return &mapStore{entries: make(map[fingerprint.Fingerprint]Entry)}
}

func (s *mapStore) Get(_ context.Context, fp fingerprint.Fingerprint) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Entry{}, s.getErr
	}
	e, ok := s.entries[fp]
	if !ok {
		return Entry{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *mapStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Fingerprint] = e
	return nil
}

func (s *mapStore) Delete(_ context.Context, fp fingerprint.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}

func (s *mapStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const fp = fingerprint.Fingerprint("abc123")

func sampleEntry() Entry {
	return Entry{
		Results: []ranking.Detailed{
			{Result: ranking.PassThrough("a", 0.9, nil)},
		},
		CandidatesEvaluated: 1,
	}
}

func counting(n *atomic.Int32) ComputeFunc {
	return func(context.Context) (Entry, error) {
		n.Add(1)
		return sampleEntry(), nil
	}
}

func (c *Cache) waiters(key fingerprint.Fingerprint) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		return f.waiters
	}
	return 0
}

func TestGetOrCompute_HitWithinTTL(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newMapStore()
	c := New(store, time.Minute, zap.NewNop(), WithClock(clk.Now))

	var calls atomic.Int32
	e, src, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, src)
	assert.Equal(t, fp, e.Fingerprint)
	assert.Equal(t, time.Minute, e.TTL)
	assert.Equal(t, clk.Now(), e.CreatedAt)

	clk.Advance(30 * time.Second)
	again, src, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)
	assert.Equal(t, SourceHit, src)
	assert.Equal(t, e.Results, again.Results)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_RecomputesAfterExpiry(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	c := New(newMapStore(), time.Minute, zap.NewNop(), WithClock(clk.Now))

	var calls atomic.Int32
	_, _, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)

	clk.Advance(time.Minute + time.Second)
	_, src, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, src)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrCompute_ConcurrentCallersShareOneComputation(t *testing.T) {
	const callers = 16
	c := New(newMapStore(), time.Minute, zap.NewNop())

	release := make(chan struct{})
	var calls atomic.Int32
	compute := func(context.Context) (Entry, error) {
		calls.Add(1)
		<-release
		return sampleEntry(), nil
	}

	var wg sync.WaitGroup
	sources := make([]Source, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, sources[i], errs[i] = c.GetOrCompute(context.Background(), fp, compute)
		}()
	}

	require.Eventually(t, func() bool { return c.waiters(fp) == callers }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	var misses, shared int
	for i := range callers {
		require.NoError(t, errs[i])
		switch sources[i] {
		case SourceMiss:
			misses++
		case SourceShared:
			shared++
		}
	}
	assert.Equal(t, 1, misses)
	assert.Equal(t, callers-1, shared)
	assert.Zero(t, c.InFlight())
}

func TestGetOrCompute_FailureNotStored(t *testing.T) {
	store := newMapStore()
	c := New(store, time.Minute, zap.NewNop())
	boom := errors.New("vector store down")

	_, _, err := c.GetOrCompute(context.Background(), fp, func(context.Context) (Entry, error) {
		return Entry{}, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, store.len())

	var calls atomic.Int32
	_, src, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, src)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_CancelledOnlyWhenAllCallersLeave(t *testing.T) {
	c := New(newMapStore(), time.Minute, zap.NewNop())

	started := make(chan struct{})
	aborted := make(chan struct{})
	compute := func(ctx context.Context) (Entry, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return Entry{}, ctx.Err()
	}

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	errs := make(chan error, 2)
	go func() {
		_, _, err := c.GetOrCompute(ctx1, fp, compute)
		errs <- err
	}()
	<-started
	go func() {
		_, _, err := c.GetOrCompute(ctx2, fp, compute)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.waiters(fp) == 2 }, time.Second, time.Millisecond)

	cancel1()
	assert.ErrorIs(t, <-errs, context.Canceled)
	select {
	case <-aborted:
		t.Fatal("computation cancelled while a caller is still waiting")
	case <-time.After(50 * time.Millisecond):
	}

	cancel2()
	assert.ErrorIs(t, <-errs, context.Canceled)
	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("computation not cancelled after every caller left")
	}
}

func TestGetOrCompute_CallerAfterAbandonStartsFresh(t *testing.T) {
	c := New(newMapStore(), time.Minute, zap.NewNop())

	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_, _, _ = c.GetOrCompute(ctx, fp, func(fctx context.Context) (Entry, error) {
			close(started)
			<-fctx.Done()
			return Entry{}, fctx.Err()
		})
	}()
	<-started
	cancel()
	require.Eventually(t, func() bool { return c.InFlight() == 0 }, time.Second, time.Millisecond)

	var calls atomic.Int32
	_, src, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, src)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_StoreReadErrorFallsBackToCompute(t *testing.T) {
	store := newMapStore()
	store.getErr = errors.New("connection reset")
	c := New(store, time.Minute, zap.NewNop())

	var calls atomic.Int32
	_, src, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, src)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetOrCompute_PanicBecomesError(t *testing.T) {
	store := newMapStore()
	c := New(store, time.Minute, zap.NewNop())

	_, _, err := c.GetOrCompute(context.Background(), fp, func(context.Context) (Entry, error) {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Zero(t, store.len())
}

func TestInvalidate(t *testing.T) {
	c := New(newMapStore(), time.Minute, zap.NewNop())
	var calls atomic.Int32

	_, _, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(context.Background(), fp))

	_, src, err := c.GetOrCompute(context.Background(), fp, counting(&calls))
	require.NoError(t, err)
	assert.Equal(t, SourceMiss, src)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNew_DefaultTTL(t *testing.T) {
	assert.Equal(t, DefaultTTL, New(newMapStore(), 0, zap.NewNop()).TTL())
}
