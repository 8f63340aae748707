// Package openai extracts image feature vectors through an OpenAI-compatible
// embeddings endpoint that accepts image data URIs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/image"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
	"github.com/kailas-cloud/qflow/internal/metrics"
)

// Extractor is a feature extraction provider over the OpenAI-compatible API.
type Extractor struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
	provider   string
	logger     *zap.Logger
}

// Config holds the extraction provider settings.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	Provider   string
	Logger     *zap.Logger
}

// NewExtractor creates an OpenAI-compatible extraction provider.
func NewExtractor(cfg *Config) *Extractor {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = cfg.BaseURL

	return &Extractor{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      openai.EmbeddingModel(cfg.Model),
		dimensions: cfg.Dimensions,
		provider:   cfg.Provider,
		logger:     cfg.Logger,
	}
}

// Extract implements image.Extractor. The image is sent inline as a data URI.
func (e *Extractor) Extract(ctx context.Context, img image.Image) (vector.FeatureVector, error) {
	req := openai.EmbeddingRequest{
		Input:          []string{img.DataURI()},
		Model:          e.model,
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if e.dimensions > 0 {
		req.Dimensions = e.dimensions
	}

	start := time.Now()
	resp, err := e.client.CreateEmbeddings(ctx, req)
	duration := time.Since(start)

	if err != nil {
		e.fail("api_error")
		return nil, parseAPIError(err)
	}
	if len(resp.Data) == 0 {
		e.fail("empty_response")
		return nil, fmt.Errorf("empty extraction response: %w", domain.ErrExtractorError)
	}

	vec := vector.FeatureVector(resp.Data[0].Embedding)
	if err := vec.Validate(); err != nil {
		e.fail("invalid_vector")
		return nil, fmt.Errorf("extracted vector: %w: %w", err, domain.ErrExtractorError)
	}
	if e.dimensions > 0 && vec.Dim() != e.dimensions {
		e.fail("dimension_mismatch")
		return nil, fmt.Errorf("extracted vector: %w: %w",
			domain.NewDimensionMismatch(e.dimensions, vec.Dim()), domain.ErrExtractorError)
	}

	metrics.ExtractorRequestsTotal.WithLabelValues(e.provider, string(e.model), "success").Inc()
	metrics.ExtractorRequestDuration.WithLabelValues(e.provider, string(e.model)).Observe(duration.Seconds())

	e.logger.Debug("Image features extracted",
		zap.Int("bytes", img.Size()),
		zap.Int("dimensions", vec.Dim()),
		zap.Duration("duration", duration),
	)
	return vec, nil
}

// HealthCheck verifies API availability via ListModels (free endpoint).
func (e *Extractor) HealthCheck(ctx context.Context) error {
	if _, err := e.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

func (e *Extractor) fail(errType string) {
	metrics.ExtractorRequestsTotal.WithLabelValues(e.provider, string(e.model), "error").Inc()
	metrics.ExtractorErrorsTotal.WithLabelValues(e.provider, string(e.model), errType).Inc()
}

// parseAPIError extracts a human-readable error from the API response.
// All errors are wrapped with domain.ErrExtractorError for correct 502 mapping.
func parseAPIError(err error) error {
	wrap := domain.ErrExtractorError

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if detail := extractDetail(reqErr.Body); detail != "" {
			return fmt.Errorf("extraction API error %d: %s: %w", reqErr.HTTPStatusCode, detail, wrap)
		}
		return fmt.Errorf("extraction API error %d: %s: %w", reqErr.HTTPStatusCode, string(reqErr.Body), wrap)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("extraction API error %d: %s: %w", apiErr.HTTPStatusCode, apiErr.Message, wrap)
	}

	return fmt.Errorf("extraction request failed: %v: %w", err, wrap)
}

// extractDetail extracts the "detail" field from a JSON error body (Nebius error format).
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
