// Package catalog describes the indexed image collection: index statistics
// and the metadata stored with each image.
package catalog

import (
	"context"
	"strings"

	"github.com/kailas-cloud/qflow/internal/domain"
)

// Metadata keys written by the ingestion pipeline.
const (
	KeyCategory = "category"
	KeyFilename = "filename"
	KeyURL      = "url"
	// legacyKeyURL is the key used by collections ingested before images
	// moved off Cloudinary.
	legacyKeyURL = "cloudinary_url"
)

// Stats summarises the vector index.
type Stats struct {
	Index      string
	Points     int64
	Dimensions int
	// Status is the backend's own readiness label, e.g. "green" or "ready".
	Status string
}

// Entry is one indexed image and its stored metadata.
type Entry struct {
	id       string
	metadata map[string]string
}

// NewEntry validates and creates an Entry. The metadata map is copied.
func NewEntry(id string, metadata map[string]string) (Entry, error) {
	if strings.TrimSpace(id) == "" {
		return Entry{}, domain.InvalidRequestf("image id is required")
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return Entry{id: id, metadata: md}, nil
}

// ID returns the image id.
func (e *Entry) ID() string { return e.id }

// Metadata returns the stored payload.
func (e *Entry) Metadata() map[string]string { return e.metadata }

// URL returns the image location, falling back to the legacy key.
func (e *Entry) URL() string {
	if u := e.metadata[KeyURL]; u != "" {
		return u
	}
	return e.metadata[legacyKeyURL]
}

// Filename returns the original file name.
func (e *Entry) Filename() string { return e.metadata[KeyFilename] }

// Category returns the category label.
func (e *Entry) Category() string { return e.metadata[KeyCategory] }

// Reader reads index statistics and stored image metadata. Image returns
// domain.ErrNotFound for an id that is not indexed.
type Reader interface {
	Stats(ctx context.Context) (Stats, error)
	Image(ctx context.Context, id string) (Entry, error)
}
