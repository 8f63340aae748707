// Package image holds the uploaded query image and the feature extraction contract.
package image

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// Image is an uploaded query image (immutable value object).
type Image struct {
	data      []byte
	mediaType string
}

// New validates and creates an Image. An empty mediaType is sniffed from data.
func New(data []byte, mediaType string) (Image, error) {
	if len(data) == 0 {
		return Image{}, domain.InvalidRequestf("image is empty")
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return Image{}, domain.InvalidRequestf("unsupported media type %q", mediaType)
	}
	return Image{data: data, mediaType: mediaType}, nil
}

// Data returns the raw bytes.
func (i *Image) Data() []byte { return i.data }

// MediaType returns the MIME type, e.g. "image/png".
func (i *Image) MediaType() string { return i.mediaType }

// Size returns the byte length.
func (i *Image) Size() int { return len(i.data) }

// Digest returns the hex SHA-256 of the bytes.
func (i *Image) Digest() string {
	h := sha256.Sum256(i.data)
	return hex.EncodeToString(h[:])
}

// DataURI returns the base64 data URI form accepted by multimodal embedding APIs.
func (i *Image) DataURI() string {
	return "data:" + i.mediaType + ";base64," + base64.StdEncoding.EncodeToString(i.data)
}

// Extractor turns an image into a feature vector.
type Extractor interface {
	Extract(ctx context.Context, img Image) (vector.FeatureVector, error)
}

// HealthChecker verifies extraction provider availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
