// Package featcache caches extracted image feature vectors by image digest.
package featcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/qflow/internal/db"
	"github.com/kailas-cloud/qflow/internal/domain/image"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	"github.com/kailas-cloud/qflow/internal/metrics"
)

// DefaultTTL is how long an extracted vector stays cached.
const DefaultTTL = 24 * time.Hour

// extractTimeout bounds a shared extraction after its initiating caller left.
const extractTimeout = 30 * time.Second

// store is the consumer interface for the feature cache (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// CachedExtractor caches feature vectors in a key-value store and collapses
// concurrent extractions of the same image into one provider call.
type CachedExtractor struct {
	inner  image.Extractor
	store  store
	prefix string
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// New creates a caching decorator. ttl <= 0 means DefaultTTL.
func New(inner image.Extractor, s store, prefix string, ttl time.Duration, logger *zap.Logger) *CachedExtractor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedExtractor{
		inner:  inner,
		store:  s,
		prefix: prefix,
		ttl:    ttl,
		logger: logger,
	}
}

// Extract returns a cached vector or calls the inner extractor.
func (c *CachedExtractor) Extract(ctx context.Context, img image.Image) (vector.FeatureVector, error) {
	key := c.cacheKey(img)

	if vec, ok := c.getFromCache(ctx, key); ok {
		metrics.FeatureCacheTotal.WithLabelValues("hit").Inc()
		return vec, nil
	}
	metrics.FeatureCacheTotal.WithLabelValues("miss").Inc()

	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), extractTimeout)
		defer cancel()

		vec, err := c.inner.Extract(fctx, img)
		if err != nil {
			return nil, err
		}
		c.putToCache(fctx, key, vec)
		return vec, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("extract features: %w", res.Err)
		}
		return res.Val.(vector.FeatureVector).Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HealthCheck delegates to the inner extractor when it supports it.
func (c *CachedExtractor) HealthCheck(ctx context.Context) error {
	if hc, ok := c.inner.(image.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (c *CachedExtractor) cacheKey(img image.Image) string {
	return c.prefix + "feat:" + img.Digest()
}

func (c *CachedExtractor) getFromCache(ctx context.Context, key string) (vector.FeatureVector, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, db.ErrKeyNotFound) {
			c.logger.Warn("Failed to get cached features", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	vec, err := bytesToVector(data)
	if err != nil {
		c.logger.Warn("Failed to parse cached features", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *CachedExtractor) putToCache(ctx context.Context, key string, vec vector.FeatureVector) {
	if err := c.store.SetWithTTL(ctx, key, vectorToCacheBytes(vec), c.ttl); err != nil {
		c.logger.Warn("Failed to cache features", zap.String("key", key), zap.Error(err))
	}
}

func vectorToCacheBytes(v vector.FeatureVector) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) (vector.FeatureVector, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid feature cache data: len=%d (not multiple of 4)", len(data))
	}
	vec := make(vector.FeatureVector, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
