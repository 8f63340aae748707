package qflow

import "github.com/kailas-cloud/qflow/internal/domain"

// Sentinel errors re-exported from the domain layer.
// Use errors.Is() to check.
var (
	ErrInvalidRequest      = domain.ErrInvalidRequest
	ErrInvalidVector       = domain.ErrInvalidVector
	ErrDimensionMismatch   = domain.ErrDimensionMismatch
	ErrUpstreamUnavailable = domain.ErrUpstreamUnavailable
	ErrRerankingFailed     = domain.ErrRerankingFailed
	ErrDeadlineExceeded    = domain.ErrDeadlineExceeded
)
