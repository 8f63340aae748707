// Package resultcache implements result cache stores: an in-process LRU and
// a key-value backed store shared by the redis and badger backends.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/db"
	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	"github.com/kailas-cloud/qflow/internal/usecase/resultcache"
)

// kvStore is the consumer interface for the backing store (ISP).
type kvStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// KV stores msgpack-encoded entries under prefix+"result:"+fingerprint.
// The backend expires keys on its own; the cache still checks TTL lazily.
type KV struct {
	store  kvStore
	prefix string
	logger *zap.Logger
}

// NewKV creates a key-value backed result store.
func NewKV(s kvStore, prefix string, logger *zap.Logger) *KV {
	return &KV{store: s, prefix: prefix, logger: logger}
}

// Get loads an entry. Undecodable payloads are treated as absent.
func (k *KV) Get(ctx context.Context, fp fingerprint.Fingerprint) (resultcache.Entry, error) {
	key := k.key(fp)
	data, err := k.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return resultcache.Entry{}, domain.ErrNotFound
		}
		return resultcache.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}

	e, err := decodeEntry(data)
	if err != nil {
		k.logger.Warn("Discarding unreadable cache entry", zap.String("key", key), zap.Error(err))
		return resultcache.Entry{}, domain.ErrNotFound
	}
	return e, nil
}

// Put stores an entry with the entry's TTL as key expiry.
func (k *KV) Put(ctx context.Context, e resultcache.Entry) error {
	data, err := encodeEntry(&e)
	if err != nil {
		return err
	}
	key := k.key(e.Fingerprint)
	if err := k.store.SetWithTTL(ctx, key, data, e.TTL); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes an entry. Missing keys are not an error.
func (k *KV) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	key := k.key(fp)
	if err := k.store.Del(ctx, key); err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

func (k *KV) key(fp fingerprint.Fingerprint) string {
	return k.prefix + "result:" + fp.String()
}
