package chi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeBadRequest          = "bad_request"
	CodeValidationFailed    = "validation_failed"
	CodeNotFound            = "not_found"
	CodeDimensionMismatch   = "dimension_mismatch"
	CodeUnauthorized        = "unauthorized"
	CodeRateLimited         = "rate_limited"
	CodePayloadTooLarge     = "payload_too_large"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeDeadlineExceeded    = "deadline_exceeded"
	CodeExtractorError      = "extractor_error"
	CodeRerankingFailed     = "reranking_failed"
	CodeNotImplemented      = "not_implemented"
	CodeInternalError       = "internal_error"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// errorHandlers is ordered. A provider returning the wrong dimension is an
// extractor failure, a mismatched client query is a dimension error, and
// both precede the generic invalid request check.
var errorHandlers = []errorHandler{
	sentinelHandler(domain.ErrExtractorError, http.StatusBadGateway, CodeExtractorError),
	sentinelHandler(domain.ErrDimensionMismatch, http.StatusBadRequest, CodeDimensionMismatch),
	sentinelHandler(domain.ErrInvalidVector, http.StatusBadRequest, CodeValidationFailed),
	sentinelHandler(domain.ErrInvalidRequest, http.StatusBadRequest, CodeValidationFailed),
	sentinelHandler(domain.ErrNotFound, http.StatusNotFound, CodeNotFound),
	sentinelHandler(domain.ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited),
	sentinelHandler(domain.ErrDeadlineExceeded, http.StatusGatewayTimeout, CodeDeadlineExceeded),
	sentinelHandler(domain.ErrUpstreamUnavailable, http.StatusServiceUnavailable, CodeUpstreamUnavailable),
	sentinelHandler(domain.ErrRerankingFailed, http.StatusInternalServerError, CodeRerankingFailed),
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		msg := sentinel.Error()
		// Validation messages are safe to echo back.
		if status == http.StatusBadRequest {
			msg = err.Error()
		}
		writeError(w, status, code, msg)
		return true
	}
}

// handleDomainError maps err to an HTTP response. Unknown errors become 500
// without exposing internals.
func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, h := range errorHandlers {
		if h(w, err) {
			return
		}
	}
	s.log(r).Error("Unhandled error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}
