// Package resultcache caches rankings per request fingerprint with at most
// one in-flight computation per fingerprint.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	"github.com/kailas-cloud/qflow/internal/metrics"
)

// DefaultTTL matches the feature vector cache lifetime.
const DefaultTTL = 24 * time.Hour

// Source tells how an entry was obtained.
type Source string

// Sources.
const (
	SourceHit    Source = "hit"
	SourceMiss   Source = "miss"
	SourceShared Source = "shared"
)

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Cache fronts a Store with keyed single-flight computation.
type Cache struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	flights map[fingerprint.Fingerprint]*flight
}

type flight struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int

	entry  Entry
	source Source
	err    error
}

// New creates a Cache. ttl <= 0 means DefaultTTL.
func New(store Store, ttl time.Duration, logger *zap.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
		flights: make(map[fingerprint.Fingerprint]*flight),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// GetOrCompute returns the live entry for fp, or runs compute once on behalf
// of every concurrent caller with the same fp. The computation outlives any
// single caller and is cancelled only when all callers have gone away.
// Failed computations are never stored.
func (c *Cache) GetOrCompute(
	ctx context.Context, fp fingerprint.Fingerprint, compute ComputeFunc,
) (Entry, Source, error) {
	c.mu.Lock()
	f, joined := c.flights[fp]
	if !joined {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{done: make(chan struct{}), cancel: cancel}
		c.flights[fp] = f
		go c.run(fctx, fp, f, compute)
	}
	f.waiters++
	c.mu.Unlock()

	select {
	case <-f.done:
		c.leave(fp, f)
		if f.err != nil {
			return Entry{}, "", f.err
		}
		src := f.source
		if joined && src == SourceMiss {
			src = SourceShared
		}
		metrics.ResultCacheTotal.WithLabelValues(string(src)).Inc()
		return f.entry, src, nil
	case <-ctx.Done():
		c.leave(fp, f)
		return Entry{}, "", ctx.Err()
	}
}

// Invalidate evicts fp from the store.
func (c *Cache) Invalidate(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := c.store.Delete(ctx, fp); err != nil {
		return fmt.Errorf("invalidate %s: %w", fp, err)
	}
	return nil
}

// InFlight returns the number of running computations.
func (c *Cache) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}

func (c *Cache) leave(fp fingerprint.Fingerprint, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	select {
	case <-f.done:
		return
	default:
	}
	// Nobody is waiting any more: abandon the computation so a later caller
	// starts a fresh one instead of joining a cancelled flight.
	f.cancel()
	if c.flights[fp] == f {
		delete(c.flights, fp)
	}
}

func (c *Cache) run(ctx context.Context, fp fingerprint.Fingerprint, f *flight, compute ComputeFunc) {
	defer f.cancel()

	entry, src, err := c.load(ctx, fp, compute)

	c.mu.Lock()
	f.entry, f.source, f.err = entry, src, err
	if c.flights[fp] == f {
		delete(c.flights, fp)
	}
	close(f.done)
	c.mu.Unlock()
}

func (c *Cache) load(ctx context.Context, fp fingerprint.Fingerprint, compute ComputeFunc) (e Entry, src Source, err error) {
	cached, err := c.store.Get(ctx, fp)
	switch {
	case err == nil && !cached.Expired(c.now()):
		return cached, SourceHit, nil
	case err == nil:
		c.logger.Debug("Cache entry expired", zap.String("fingerprint", fp.String()))
	case !errors.Is(err, domain.ErrNotFound):
		c.logger.Warn("Failed to read cache entry", zap.String("fingerprint", fp.String()), zap.Error(err))
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute panicked: %v", r)
			c.logger.Error("Cache computation panicked", zap.String("fingerprint", fp.String()), zap.Any("panic", r))
		}
	}()

	e, err = compute(ctx)
	if err != nil {
		return Entry{}, "", err
	}
	e.Fingerprint = fp
	e.CreatedAt = c.now()
	e.TTL = c.ttl

	if perr := c.store.Put(ctx, e); perr != nil {
		c.logger.Warn("Failed to store cache entry", zap.String("fingerprint", fp.String()), zap.Error(perr))
	}
	return e, SourceMiss, nil
}
