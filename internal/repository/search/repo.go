// Package search retrieves candidates from a Redis Stack or Valkey FT index.
package search

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/qflow/internal/db"
	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/candidate"
	"github.com/kailas-cloud/qflow/internal/domain/catalog"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// Payload fields stored next to the vector in each image hash.
const (
	FieldCategory = catalog.KeyCategory
	FieldFilename = catalog.KeyFilename
	FieldURL      = catalog.KeyURL
)

// store is the consumer interface for search and catalog reads (ISP).
type store interface {
	SearchKNN(ctx context.Context, q *db.KNNQuery) (*db.SearchResult, error)
	IndexInfo(ctx context.Context, name string) (*db.IndexInfo, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
}

// indexStore is the consumer interface for index bootstrap (ISP).
type indexStore interface {
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	IndexExists(ctx context.Context, name string) (bool, error)
}

// Config holds retriever settings.
type Config struct {
	// Collection names the index; keys live under Prefix+Collection+":".
	Collection string
	Prefix     string
	// MinScore drops hits whose similarity is below it.
	MinScore    float64
	CallTimeout time.Duration
}

// Repo implements retrieval.Retriever and catalog.Reader.
type Repo struct {
	store       store
	collection  string
	prefix      string
	minScore    float64
	callTimeout time.Duration
	logger      *zap.Logger
}

// New creates a search repository.
func New(s store, cfg Config, logger *zap.Logger) *Repo {
	return &Repo{
		store:       s,
		collection:  cfg.Collection,
		prefix:      cfg.Prefix,
		minScore:    cfg.MinScore,
		callTimeout: cfg.CallTimeout,
		logger:      logger,
	}
}

// IndexName returns the FT index name.
func (r *Repo) IndexName() string {
	return fmt.Sprintf("%s%s:idx", r.prefix, r.collection)
}

// KeyPrefix returns the hash key prefix covered by the index.
func (r *Repo) KeyPrefix() string {
	return fmt.Sprintf("%s%s:", r.prefix, r.collection)
}

// Retrieve performs a KNN search with category pre-filtering. Hits carry their
// stored vector when the hash has a decodable one.
func (r *Repo) Retrieve(
	ctx context.Context, query vector.FeatureVector, topK int, filters filter.Expression,
) ([]candidate.Match, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	q := &db.KNNQuery{
		IndexName:    r.IndexName(),
		Filters:      filters,
		Vector:       query,
		K:            topK,
		ReturnFields: []string{db.VectorField, FieldCategory, FieldFilename, FieldURL},
	}

	sr, err := r.store.SearchKNN(ctx, q)
	if err != nil {
		return nil, r.mapError("search knn", err)
	}
	return r.parseKNNResults(sr), nil
}

// Stats reports the document count, vector dimension and state of the index.
func (r *Repo) Stats(ctx context.Context) (catalog.Stats, error) {
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	info, err := r.store.IndexInfo(ctx, r.IndexName())
	if err != nil {
		return catalog.Stats{}, r.mapError("index info", err)
	}
	return catalog.Stats{
		Index:      info.Name,
		Points:     info.NumDocs,
		Dimensions: info.Dimensions,
		Status:     info.State,
	}, nil
}

// Image reads the stored hash of one image. The vector blob is not returned.
func (r *Repo) Image(ctx context.Context, id string) (catalog.Entry, error) {
	if _, err := catalog.NewEntry(id, nil); err != nil {
		return catalog.Entry{}, err
	}
	ctx, cancel := r.callContext(ctx)
	defer cancel()

	fields, err := r.store.HashGetAll(ctx, r.KeyPrefix()+id)
	if errors.Is(err, db.ErrKeyNotFound) {
		return catalog.Entry{}, fmt.Errorf("image %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return catalog.Entry{}, r.mapError("get image", err)
	}
	delete(fields, db.VectorField)
	return catalog.NewEntry(id, fields)
}

// EnsureIndex creates the HNSW cosine index when it does not exist yet.
func (r *Repo) EnsureIndex(ctx context.Context, s indexStore, dim, m, efConstruct int) error {
	name := r.IndexName()
	exists, err := s.IndexExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check index %s: %w", name, err)
	}
	if exists {
		return nil
	}

	def, err := db.NewIndex(name).
		Prefix(r.KeyPrefix()).
		Tag(FieldCategory, FieldFilename).
		VectorHNSW(db.VectorField, db.VectorAlias, dim, db.DistanceCosine, m, efConstruct).
		Build()
	if err != nil {
		return fmt.Errorf("build index %s: %w", name, err)
	}

	if err := s.CreateIndex(ctx, def); err != nil && !errors.Is(err, db.ErrIndexExists) {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	r.logger.Info("Vector index created", zap.String("index", def.String()))
	return nil
}

func (r *Repo) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.callTimeout > 0 {
		return context.WithTimeout(ctx, r.callTimeout)
	}
	return ctx, func() {}
}

func (r *Repo) mapError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s %s: %w", op, r.collection, err)
	case errors.Is(err, db.ErrUnavailable),
		errors.Is(err, db.ErrIndexNotFound),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s %s: %w: %w", op, r.collection, domain.ErrUpstreamUnavailable, err)
	default:
		return fmt.Errorf("%s %s: %w", op, r.collection, err)
	}
}

// parseKNNResults converts db.SearchResult into candidates, dropping hits
// below the similarity floor.
func (r *Repo) parseKNNResults(sr *db.SearchResult) []candidate.Match {
	if sr == nil || len(sr.Entries) == 0 {
		return []candidate.Match{}
	}

	prefix := r.KeyPrefix()
	out := make([]candidate.Match, 0, len(sr.Entries))
	for _, entry := range sr.Entries {
		if entry.Score < r.minScore {
			continue
		}
		id := strings.TrimPrefix(entry.Key, prefix)

		var values vector.FeatureVector
		md := make(map[string]string, len(entry.Fields))
		for k, v := range entry.Fields {
			if k == db.VectorField {
				values = bytesToVector(v)
				continue
			}
			md[k] = v
		}

		c, err := candidate.New(id, entry.Score, values, md)
		if err != nil {
			r.logger.Warn("Skipping malformed hit", zap.String("key", entry.Key), zap.Error(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

// bytesToVector deserializes a binary string to a vector. Values are kept
// as received: a payload that is not a whole number of float32s decodes to a
// vector ending in NaN, so the re-ranker drops it instead of treating it as
// absent.
func bytesToVector(s string) vector.FeatureVector {
	b := []byte(s)
	v := make(vector.FeatureVector, len(b)/4, len(b)/4+1)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	if len(b) == 0 || len(b)%4 != 0 {
		v = append(v, float32(math.NaN()))
	}
	return v
}
