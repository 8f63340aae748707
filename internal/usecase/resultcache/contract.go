package resultcache

import (
	"context"
	"time"

	"github.com/kailas-cloud/qflow/internal/domain/ranking"
	"github.com/kailas-cloud/qflow/internal/domain/search/fingerprint"
)

// Entry is an immutable cached ranking. Never mutated after it is stored.
type Entry struct {
	Fingerprint         fingerprint.Fingerprint
	Results             []ranking.Detailed
	CandidatesEvaluated int
	Dropped             int
	RerankApplied       bool
	CreatedAt           time.Time
	TTL                 time.Duration
}

// Expired reports whether now - CreatedAt > TTL.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Store persists entries. Get returns domain.ErrNotFound for absent keys.
type Store interface {
	Get(ctx context.Context, fp fingerprint.Fingerprint) (Entry, error)
	Put(ctx context.Context, e Entry) error
	Delete(ctx context.Context, fp fingerprint.Fingerprint) error
}

// ComputeFunc produces the ranking for a fingerprint on a cache miss.
// The cache fills Fingerprint, CreatedAt and TTL.
type ComputeFunc func(ctx context.Context) (Entry, error)
