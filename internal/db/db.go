package db

import (
	"context"
	"time"
)

// Store is the Redis/Valkey facade combining all sub-interfaces.
//
//nolint:interfacebloat // consumers use the narrow sub-interfaces below
type Store interface {
	Pinger
	KVStore
	IndexManager
	Searcher
	Inspector
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KVStore provides key-value operations with expiry.
// Get returns ErrKeyNotFound for absent or expired keys.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// IndexManager provides FT index lifecycle operations.
type IndexManager interface {
	CreateIndex(ctx context.Context, def *IndexDefinition) error
	IndexExists(ctx context.Context, name string) (bool, error)
}

// Searcher provides vector search over FT indexes.
type Searcher interface {
	SearchKNN(ctx context.Context, q *KNNQuery) (*SearchResult, error)
}

// Inspector reads index statistics and stored hashes.
// HashGetAll returns ErrKeyNotFound for an absent key.
type Inspector interface {
	IndexInfo(ctx context.Context, name string) (*IndexInfo, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
}
