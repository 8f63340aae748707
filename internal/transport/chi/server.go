// Package chi is the HTTP transport: routing, auth, rate limiting and the
// JSON mapping of engine responses.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	gochi "github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain/catalog"
	"github.com/kailas-cloud/qflow/internal/domain/image"
	"github.com/kailas-cloud/qflow/internal/domain/search/request"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	logpkg "github.com/kailas-cloud/qflow/internal/logger"
	"github.com/kailas-cloud/qflow/internal/metrics"
	"github.com/kailas-cloud/qflow/internal/usecase/engine"
	healthuc "github.com/kailas-cloud/qflow/internal/usecase/health"
)

// Defaults for Options.
const (
	DefaultTopK           = 10
	DefaultMaxUploadBytes = 10 << 20
	maxJSONBodyBytes      = 1 << 20
)

// searcher is the consumer interface of the engine (ISP).
type searcher interface {
	Search(ctx context.Context, req *request.Request) (engine.Response, error)
	SearchDetailed(ctx context.Context, req *request.Request) (engine.DetailedResponse, error)
	Categories() []string
}

// healthChecker is the consumer interface of the health service (ISP).
type healthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// Options configures the server.
type Options struct {
	APIKeys        []string
	RateLimit      RateLimitConfig
	MaxUploadBytes int64
	DefaultTopK    int
	Confidence     Confidence
	Info           Info
}

// Server serves the search API.
type Server struct {
	engine    searcher
	extractor image.Extractor
	catalog   catalog.Reader
	health    healthChecker
	opts      Options
	logger    *zap.Logger
}

// NewServer creates an HTTP API server. extractor can be nil, which disables
// image search. A nil catalog disables the stats and image lookup routes.
func NewServer(
	eng searcher,
	extractor image.Extractor,
	cat catalog.Reader,
	health healthChecker,
	opts Options,
	logger *zap.Logger,
) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = DefaultTopK
	}
	if opts.Confidence == (Confidence{}) {
		opts.Confidence = DefaultConfidence()
	}
	return &Server{
		engine:    eng,
		extractor: extractor,
		catalog:   cat,
		health:    health,
		opts:      opts,
		logger:    logger,
	}
}

// Router builds the chi router with the full middleware chain.
func (s *Server) Router() http.Handler {
	r := gochi.NewRouter()
	r.Use(JSONRecoverer(s.logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(WideEventMiddleware(s.logger))
	r.Use(BearerAuthMiddleware(s.opts.APIKeys))
	r.Use(metrics.Middleware())

	r.Get("/health", s.HealthCheck)
	r.Get("/metrics", s.Metrics)

	r.Route("/api", func(r gochi.Router) {
		r.Get("/categories", s.ListCategories)
		r.Get("/info", s.GetInfo)
		r.Get("/stats", s.GetStats)
		r.Get("/image/{id}", s.GetImage)

		r.Group(func(r gochi.Router) {
			r.Use(RateLimitMiddleware(s.opts.RateLimit))
			r.Post("/search", s.Search)
			r.Post("/search/detailed", s.SearchDetailed)
			r.Post("/search/image", s.SearchImage)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, CodeBadRequest, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed")
	})
	return r
}

// Search handles POST /api/search.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSearch(w, r)
	if !ok {
		return
	}
	resp, err := s.engine.Search(r.Context(), &req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.searchResponse(&resp))
}

// SearchDetailed handles POST /api/search/detailed.
func (s *Server) SearchDetailed(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSearch(w, r)
	if !ok {
		return
	}
	resp, err := s.engine.SearchDetailed(r.Context(), &req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.detailedResponse(&resp))
}

// SearchImage handles POST /api/search/image (multipart field "file").
func (s *Server) SearchImage(w http.ResponseWriter, r *http.Request) {
	if s.extractor == nil {
		writeError(w, http.StatusNotImplemented, CodeNotImplemented, "image search is not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		s.writeBodyError(w, err, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeBodyError(w, err, "read file")
		return
	}

	img, err := image.New(data, header.Header.Get("Content-Type"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}

	topK, minScore, err := s.formParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, err.Error())
		return
	}

	query, err := s.extractor.Extract(r.Context(), img)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	s.log(r).Debug("Extracted query features",
		zap.String("media_type", img.MediaType()),
		zap.Int("bytes", img.Size()),
		zap.Int("dim", query.Dim()),
	)

	req, err := request.New(query, topK, minScore, strings.TrimSpace(r.FormValue("category")))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	resp, err := s.engine.Search(r.Context(), &req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.searchResponse(&resp))
}

// ListCategories handles GET /api/categories.
func (s *Server) ListCategories(w http.ResponseWriter, _ *http.Request) {
	cats := s.engine.Categories()
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, CategoriesResponse{Categories: cats})
}

// GetInfo handles GET /api/info.
func (s *Server) GetInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Info)
}

// GetStats handles GET /api/stats.
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, CodeNotImplemented, "index statistics are not available")
		return
	}
	st, err := s.catalog.Stats(r.Context())
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Index:      st.Index,
		Points:     st.Points,
		Dimensions: st.Dimensions,
		Status:     st.Status,
	})
}

// GetImage handles GET /api/image/{id}.
func (s *Server) GetImage(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusNotImplemented, CodeNotImplemented, "image lookup is not available")
		return
	}
	e, err := s.catalog.Image(r.Context(), gochi.URLParam(r, "id"))
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ImageResponse{
		ID:       e.ID(),
		ImageURL: e.URL(),
		Filename: e.Filename(),
		Category: e.Category(),
		Metadata: e.Metadata(),
	})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status == healthuc.Unhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status: string(report.Status),
		Checks: checks,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

func (s *Server) decodeSearch(w http.ResponseWriter, r *http.Request) (request.Request, bool) {
	var body SearchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.writeBodyError(w, err, "Invalid request body")
		return request.Request{}, false
	}

	topK := s.opts.DefaultTopK
	if body.TopK != nil {
		topK = *body.TopK
	}
	var minScore float64
	if body.MinScore != nil {
		minScore = *body.MinScore
	}

	req, err := request.New(vector.FeatureVector(body.Vector), topK, minScore, strings.TrimSpace(body.Category))
	if err != nil {
		s.handleDomainError(w, r, err)
		return request.Request{}, false
	}
	return req, true
}

func (s *Server) formParams(r *http.Request) (topK int, minScore float64, err error) {
	topK = s.opts.DefaultTopK
	if v := r.FormValue("top_k"); v != "" {
		if topK, err = strconv.Atoi(v); err != nil {
			return 0, 0, errors.New("top_k must be an integer")
		}
	}
	if v := r.FormValue("min_score"); v != "" {
		if minScore, err = strconv.ParseFloat(v, 64); err != nil {
			return 0, 0, errors.New("min_score must be a number")
		}
	}
	return topK, minScore, nil
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error, msg string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge,
			"request body exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		return
	}
	writeError(w, http.StatusBadRequest, CodeBadRequest, msg+": "+err.Error())
}

// log returns the request-scoped logger, falling back to the server logger.
func (s *Server) log(r *http.Request) *zap.Logger {
	return logpkg.FromContextOr(r.Context(), s.logger)
}
