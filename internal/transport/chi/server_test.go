package chi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/catalog"
	"github.com/kailas-cloud/qflow/internal/domain/image"
	"github.com/kailas-cloud/qflow/internal/domain/ranking"
	"github.com/kailas-cloud/qflow/internal/domain/search/request"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	"github.com/kailas-cloud/qflow/internal/usecase/engine"
	healthuc "github.com/kailas-cloud/qflow/internal/usecase/health"
)

// --- Mocks ---

type mockEngine struct {
	resp     engine.Response
	detailed engine.DetailedResponse
	err      error
	panicked bool
	last     *request.Request
}

func (m *mockEngine) Search(_ context.Context, req *request.Request) (engine.Response, error) {
	if m.panicked {
		panic("boom")
	}
	m.last = req
	return m.resp, m.err
}

func (m *mockEngine) SearchDetailed(_ context.Context, req *request.Request) (engine.DetailedResponse, error) {
	m.last = req
	return m.detailed, m.err
}

func (m *mockEngine) Categories() []string {
	return []string{"healthcare", "satellite", "surveillance"}
}

type mockExtractor struct {
	vec  vector.FeatureVector
	err  error
	last image.Image
}

func (m *mockExtractor) Extract(_ context.Context, img image.Image) (vector.FeatureVector, error) {
	m.last = img
	return m.vec, m.err
}

type mockCatalog struct {
	stats   catalog.Stats
	entries map[string]map[string]string
	err     error
	lastID  string
}

func (m *mockCatalog) Stats(context.Context) (catalog.Stats, error) {
	return m.stats, m.err
}

func (m *mockCatalog) Image(_ context.Context, id string) (catalog.Entry, error) {
	m.lastID = id
	if m.err != nil {
		return catalog.Entry{}, m.err
	}
	md, ok := m.entries[id]
	if !ok {
		return catalog.Entry{}, fmt.Errorf("image %s: %w", id, domain.ErrNotFound)
	}
	return catalog.NewEntry(id, md)
}

type mockHealth struct {
	report healthuc.Report
}

func (m *mockHealth) Check(_ context.Context) healthuc.Report { return m.report }

// --- Helpers ---

func sampleResponse() engine.Response {
	return engine.Response{
		Results: []ranking.Result{
			ranking.Reranked("a", 0.97, 0.9, map[string]string{
				"filename": "a.png", "category": "satellite", "url": "https://img/a.png",
			}),
			ranking.PassThrough("b", 0.82, nil),
		},
		Stats: engine.Stats{
			Method:              engine.MethodReranked,
			CandidatesEvaluated: 2,
			CacheHit:            true,
			ProcessingTime:      1500 * time.Microsecond,
		},
	}
}

func newTestServer(eng searcher, ext image.Extractor, opts Options) http.Handler {
	h := &mockHealth{report: healthuc.Report{Status: healthuc.Healthy, Checks: map[string]healthuc.CheckResult{}}}
	return NewServer(eng, ext, nil, h, opts, zap.NewNop()).Router()
}

func do(t *testing.T, h http.Handler, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&e); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return e
}

const searchBody = `{"vector":[1,0,0,0],"top_k":3,"min_score":0.5,"category":"satellite"}`

// --- Tests ---

func TestSearch_OK(t *testing.T) {
	eng := &mockEngine{resp: sampleResponse()}
	rr := do(t, newTestServer(eng, nil, Options{}), http.MethodPost, "/api/search", searchBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}

	var resp SearchResponse[ResultItem]
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Method != engine.MethodReranked || !resp.CacheHit || resp.CandidatesEvaluated != 2 {
		t.Errorf("unexpected envelope: %+v", resp)
	}
	if resp.ProcessingTimeMs != 1.5 {
		t.Errorf("processing_time_ms = %v, want 1.5", resp.ProcessingTimeMs)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	first := resp.Results[0]
	if first.ID != "a" || first.Filename != "a.png" || first.ImageURL != "https://img/a.png" || first.Confidence != "high" {
		t.Errorf("unexpected first result: %+v", first)
	}
	if !first.RerankApplied {
		t.Error("expected rerank_applied on first result")
	}
	if resp.Results[1].Confidence != "fair" {
		t.Errorf("second confidence = %q, want fair", resp.Results[1].Confidence)
	}

	if eng.last.TopK() != 3 || eng.last.MinScore() != 0.5 || eng.last.Category() != "satellite" {
		t.Errorf("request not forwarded: topK=%d minScore=%v category=%q",
			eng.last.TopK(), eng.last.MinScore(), eng.last.Category())
	}
}

func TestSearch_DefaultTopK(t *testing.T) {
	eng := &mockEngine{resp: sampleResponse()}
	rr := do(t, newTestServer(eng, nil, Options{}), http.MethodPost, "/api/search", `{"vector":[1,0]}`)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if eng.last.TopK() != DefaultTopK {
		t.Errorf("topK = %d, want %d", eng.last.TopK(), DefaultTopK)
	}
}

func TestSearch_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"vector":`, CodeBadRequest},
		{"empty vector", `{"vector":[]}`, CodeValidationFailed},
		{"zero top_k", `{"vector":[1],"top_k":0}`, CodeValidationFailed},
		{"min_score out of range", `{"vector":[1],"min_score":2}`, CodeValidationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &mockEngine{}
			rr := do(t, newTestServer(eng, nil, Options{}), http.MethodPost, "/api/search", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if got := decodeError(t, rr).Code; got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
			if eng.last != nil {
				t.Error("engine should not be called")
			}
		})
	}
}

func TestSearch_BodyTooLarge(t *testing.T) {
	body := `{"vector":[` + strings.Repeat("0.1,", maxJSONBodyBytes/4) + `0]}`
	rr := do(t, newTestServer(&mockEngine{}, nil, Options{}), http.MethodPost, "/api/search", body)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rr.Code)
	}
}

func TestSearch_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"dimension", fmt.Errorf("%w: %w", domain.ErrInvalidRequest, domain.NewDimensionMismatch(4, 2)),
			http.StatusBadRequest, CodeDimensionMismatch},
		{"category", domain.InvalidRequestf("unknown category %q", "x"), http.StatusBadRequest, CodeValidationFailed},
		{"upstream", fmt.Errorf("retrieve: %w", domain.ErrUpstreamUnavailable),
			http.StatusServiceUnavailable, CodeUpstreamUnavailable},
		{"deadline", domain.ErrDeadlineExceeded, http.StatusGatewayTimeout, CodeDeadlineExceeded},
		{"rerank", domain.ErrRerankingFailed, http.StatusInternalServerError, CodeRerankingFailed},
		{"unknown", errors.New("secret internal detail"), http.StatusInternalServerError, CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, newTestServer(&mockEngine{err: tt.err}, nil, Options{}),
				http.MethodPost, "/api/search", searchBody)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			e := decodeError(t, rr)
			if e.Code != tt.code {
				t.Errorf("code = %q, want %q", e.Code, tt.code)
			}
			if strings.Contains(e.Message, "secret") {
				t.Errorf("internal detail leaked: %q", e.Message)
			}
		})
	}
}

func TestSearchDetailed_Breakdown(t *testing.T) {
	eng := &mockEngine{detailed: engine.DetailedResponse{
		Results: []ranking.Detailed{
			{
				Result: ranking.Reranked("a", 0.9, 0.8, nil),
				Breakdown: &ranking.Breakdown{
					Classical: 0.8, Fidelity: 0.95, PhaseCoherence: 0.7, AmplitudeEstimated: 0.88, Combined: 0.9,
				},
			},
			{Result: ranking.PassThrough("b", 0.5, nil)},
		},
		Stats: engine.Stats{Method: engine.MethodReranked, CandidatesEvaluated: 2},
	}}
	rr := do(t, newTestServer(eng, nil, Options{}), http.MethodPost, "/api/search/detailed", searchBody)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp SearchResponse[DetailedItem]
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d", len(resp.Results))
	}
	if m := resp.Results[0].Metrics; m == nil || m.Fidelity != 0.95 || m.Combined != 0.9 {
		t.Errorf("unexpected metrics: %+v", m)
	}
	if resp.Results[1].Metrics != nil {
		t.Error("pass-through result should have no metrics")
	}
}

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func multipartBody(t *testing.T, withFile bool, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if withFile {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="q.png"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		_, _ = part.Write(pngHeader)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()
	return &buf, mw.FormDataContentType()
}

func doMultipart(h http.Handler, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/search/image", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSearchImage_OK(t *testing.T) {
	eng := &mockEngine{resp: sampleResponse()}
	ext := &mockExtractor{vec: vector.FeatureVector{1, 0, 0, 0}}
	body, ct := multipartBody(t, true, map[string]string{"top_k": "5", "category": "healthcare"})

	rr := doMultipart(newTestServer(eng, ext, Options{}), body, ct)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if ext.last.MediaType() != "image/png" || ext.last.Size() != len(pngHeader) {
		t.Errorf("unexpected image: %s %d bytes", ext.last.MediaType(), ext.last.Size())
	}
	if eng.last.TopK() != 5 || eng.last.Category() != "healthcare" || eng.last.Query().Dim() != 4 {
		t.Errorf("unexpected request: topK=%d category=%q", eng.last.TopK(), eng.last.Category())
	}
}

func TestSearchImage_Errors(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		body, ct := multipartBody(t, true, nil)
		rr := doMultipart(newTestServer(&mockEngine{}, nil, Options{}), body, ct)
		if rr.Code != http.StatusNotImplemented {
			t.Errorf("status = %d, want 501", rr.Code)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		body, ct := multipartBody(t, false, map[string]string{"top_k": "5"})
		rr := doMultipart(newTestServer(&mockEngine{}, &mockExtractor{}, Options{}), body, ct)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("bad top_k", func(t *testing.T) {
		body, ct := multipartBody(t, true, map[string]string{"top_k": "many"})
		rr := doMultipart(newTestServer(&mockEngine{}, &mockExtractor{}, Options{}), body, ct)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})

	t.Run("extractor failure", func(t *testing.T) {
		ext := &mockExtractor{err: fmt.Errorf("%w: upstream 500", domain.ErrExtractorError)}
		body, ct := multipartBody(t, true, nil)
		rr := doMultipart(newTestServer(&mockEngine{}, ext, Options{}), body, ct)
		if rr.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rr.Code)
		}
		if got := decodeError(t, rr).Code; got != CodeExtractorError {
			t.Errorf("code = %q", got)
		}
	})
}

func TestCategoriesAndInfo(t *testing.T) {
	info := Info{Version: "v1.2.3", Dimensions: 2048, RerankEnabled: true}
	h := newTestServer(&mockEngine{}, nil, Options{Info: info})

	rr := do(t, h, http.MethodGet, "/api/categories", "")
	var cats CategoriesResponse
	if err := json.NewDecoder(rr.Body).Decode(&cats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cats.Categories) != 3 || cats.Categories[1] != "satellite" {
		t.Errorf("categories = %v", cats.Categories)
	}

	rr = do(t, h, http.MethodGet, "/api/info", "")
	var got Info
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Version != "v1.2.3" || got.Dimensions != 2048 || !got.RerankEnabled {
		t.Errorf("info = %+v", got)
	}
}

func newCatalogServer(cat catalog.Reader) http.Handler {
	h := &mockHealth{report: healthuc.Report{Status: healthuc.Healthy, Checks: map[string]healthuc.CheckResult{}}}
	return NewServer(&mockEngine{}, nil, cat, h, Options{}, zap.NewNop()).Router()
}

func TestGetStats(t *testing.T) {
	cat := &mockCatalog{stats: catalog.Stats{Index: "quantum-images", Points: 1500, Dimensions: 2048, Status: "green"}}

	rr := do(t, newCatalogServer(cat), http.MethodGet, "/api/stats", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var got StatsResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != (StatsResponse{Index: "quantum-images", Points: 1500, Dimensions: 2048, Status: "green"}) {
		t.Errorf("stats = %+v", got)
	}
}

func TestGetStats_UpstreamUnavailable(t *testing.T) {
	cat := &mockCatalog{err: fmt.Errorf("collection info: %w", domain.ErrUpstreamUnavailable)}

	rr := do(t, newCatalogServer(cat), http.MethodGet, "/api/stats", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if e := decodeError(t, rr); e.Code != CodeUpstreamUnavailable {
		t.Errorf("code = %q", e.Code)
	}
}

func TestGetImage(t *testing.T) {
	cat := &mockCatalog{entries: map[string]map[string]string{
		"img-7": {"category": "surveillance", "filename": "cam7.jpg", "url": "https://img/cam7.jpg"},
	}}

	rr := do(t, newCatalogServer(cat), http.MethodGet, "/api/image/img-7", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if cat.lastID != "img-7" {
		t.Errorf("id = %q", cat.lastID)
	}
	var got ImageResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "img-7" || got.ImageURL != "https://img/cam7.jpg" || got.Filename != "cam7.jpg" ||
		got.Category != "surveillance" {
		t.Errorf("image = %+v", got)
	}
}

func TestGetImage_NotFound(t *testing.T) {
	rr := do(t, newCatalogServer(&mockCatalog{}), http.MethodGet, "/api/image/missing", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	if e := decodeError(t, rr); e.Code != CodeNotFound {
		t.Errorf("code = %q", e.Code)
	}
}

func TestCatalogRoutes_NotConfigured(t *testing.T) {
	h := newTestServer(&mockEngine{}, nil, Options{})
	for _, path := range []string{"/api/stats", "/api/image/img-1"} {
		rr := do(t, h, http.MethodGet, path, "")
		if rr.Code != http.StatusNotImplemented {
			t.Errorf("%s: status = %d, want 501", path, rr.Code)
		}
	}
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		status healthuc.Status
		want   int
	}{
		{healthuc.Healthy, http.StatusOK},
		{healthuc.Degraded, http.StatusOK},
		{healthuc.Unhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			h := &mockHealth{report: healthuc.Report{
				Status: tt.status,
				Checks: map[string]healthuc.CheckResult{"vector_store": healthuc.CheckOK},
			}}
			srv := NewServer(&mockEngine{}, nil, nil, h, Options{}, zap.NewNop()).Router()
			rr := do(t, srv, http.MethodGet, "/health", "")
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != string(tt.status) || resp.Checks["vector_store"] != "ok" {
				t.Errorf("unexpected body: %+v", resp)
			}
		})
	}
}

func TestRateLimit(t *testing.T) {
	eng := &mockEngine{resp: sampleResponse()}
	h := newTestServer(eng, nil, Options{RateLimit: RateLimitConfig{RequestsPerMinute: 1, Burst: 1}})

	if rr := do(t, h, http.MethodPost, "/api/search", searchBody); rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}
	rr := do(t, h, http.MethodPost, "/api/search", searchBody)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}

	// Non-search routes are not limited.
	if rr := do(t, h, http.MethodGet, "/api/categories", ""); rr.Code != http.StatusOK {
		t.Errorf("categories status = %d", rr.Code)
	}
}

func TestRecoverer_ReturnsJSON(t *testing.T) {
	rr := do(t, newTestServer(&mockEngine{panicked: true}, nil, Options{}), http.MethodPost, "/api/search", searchBody)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rr.Code)
	}
	if got := decodeError(t, rr).Code; got != CodeInternalError {
		t.Errorf("code = %q", got)
	}
}

func TestAuth_ProtectsAPIButNotHealth(t *testing.T) {
	h := newTestServer(&mockEngine{resp: sampleResponse()}, nil, Options{APIKeys: []string{"secret"}})

	if rr := do(t, h, http.MethodPost, "/api/search", searchBody); rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated search status = %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Errorf("health status = %d", rr.Code)
	}
}

func TestNotFound(t *testing.T) {
	rr := do(t, newTestServer(&mockEngine{}, nil, Options{}), http.MethodGet, "/api/nope", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestConfidenceLabel(t *testing.T) {
	c := DefaultConfidence()
	tests := []struct {
		score float64
		want  string
	}{
		{0.99, "high"},
		{0.95, "high"},
		{0.9, "good"},
		{0.85, "good"},
		{0.81, "fair"},
		{0.5, "low"},
	}
	for _, tt := range tests {
		if got := c.Label(tt.score); got != tt.want {
			t.Errorf("Label(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
