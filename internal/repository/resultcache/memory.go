package resultcache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
	"github.com/kailas-cloud/qflow/internal/usecase/resultcache"
)

// DefaultMemoryEntries bounds the in-process store when no size is configured.
const DefaultMemoryEntries = 10000

// Memory is a size-bounded in-process store. The LRU janitor sweeps entries
// older than ttl; the cache still checks each entry's own TTL on read.
type Memory struct {
	cache *expirable.LRU[fingerprint.Fingerprint, resultcache.Entry]
}

// NewMemory creates a store holding at most size entries for ttl.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	return &Memory{cache: expirable.NewLRU[fingerprint.Fingerprint, resultcache.Entry](size, nil, ttl)}
}

// Get returns the entry or domain.ErrNotFound.
func (m *Memory) Get(_ context.Context, fp fingerprint.Fingerprint) (resultcache.Entry, error) {
	e, ok := m.cache.Get(fp)
	if !ok {
		return resultcache.Entry{}, domain.ErrNotFound
	}
	return e, nil
}

// Put inserts or replaces an entry.
func (m *Memory) Put(_ context.Context, e resultcache.Entry) error {
	m.cache.Add(e.Fingerprint, e)
	return nil
}

// Delete removes an entry.
func (m *Memory) Delete(_ context.Context, fp fingerprint.Fingerprint) error {
	m.cache.Remove(fp)
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int { return m.cache.Len() }
