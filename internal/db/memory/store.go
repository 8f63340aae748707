// Package memory is an in-process db.KVStore over a size-bounded LRU.
package memory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kailas-cloud/qflow/internal/db"
)

var _ db.KVStore = (*Store)(nil)

// DefaultMaxTTL caps how long any key is kept.
const DefaultMaxTTL = 24 * time.Hour

type item struct {
	value     []byte
	expiresAt time.Time
}

// Store keeps at most size keys. Each key honors its own TTL; the LRU
// janitor evicts anything older than maxTTL.
type Store struct {
	lru *expirable.LRU[string, item]
	now func() time.Time
}

// New creates a store. maxTTL <= 0 means DefaultMaxTTL.
func New(size int, maxTTL time.Duration) *Store {
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	return &Store{
		lru: expirable.NewLRU[string, item](size, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns db.ErrKeyNotFound for absent or expired keys.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	it, ok := s.lru.Get(key)
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		s.lru.Remove(key)
		return nil, db.ErrKeyNotFound
	}
	return it.value, nil
}

// SetWithTTL stores a copy of value. ttl <= 0 keeps the key until evicted.
func (s *Store) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	it := item{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = s.now().Add(ttl)
	}
	s.lru.Add(key, it)
	return nil
}

// Del removes key. Missing keys are not an error.
func (s *Store) Del(_ context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Len returns the number of stored keys, including expired ones not yet swept.
func (s *Store) Len() int { return s.lru.Len() }
