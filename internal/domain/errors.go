package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest signals a malformed search request (bad dimension, topK, min score).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidVector signals a vector with NaN/Inf components or no components at all.
	ErrInvalidVector = errors.New("invalid vector")
	// ErrDimensionMismatch signals two vectors of different length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrUpstreamUnavailable signals that the vector store could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrRerankingFailed signals that no candidate survived kernel scoring.
	ErrRerankingFailed = errors.New("reranking failed")
	// ErrDeadlineExceeded signals that the request deadline expired or the caller went away.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	// ErrExtractorError signals a feature extraction provider failure.
	ErrExtractorError = errors.New("feature extractor error")
	// ErrRateLimited signals a rate limit hit.
	ErrRateLimited = errors.New("rate limited")
	// ErrNotFound signals a missing cache entry or resource.
	ErrNotFound = errors.New("not found")
)

// DimensionError wraps ErrDimensionMismatch with both lengths.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: want %d, got %d", ErrDimensionMismatch.Error(), e.Want, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }

// NewDimensionMismatch creates a dimension mismatch error.
func NewDimensionMismatch(want, got int) error {
	return &DimensionError{Want: want, Got: got}
}

// InvalidRequestf wraps ErrInvalidRequest with a formatted reason.
func InvalidRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
