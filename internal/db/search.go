package db

import "github.com/kailas-cloud/qflow/internal/domain/search/filter"

// Reserved field names of the image index.
const (
	VectorField      = "__vector"
	VectorAlias      = "vector"
	VectorScoreField = "__vector_score"
)

// KNNQuery is the input for vector similarity search.
type KNNQuery struct {
	IndexName    string
	Filters      filter.Expression
	Vector       []float32
	K            int
	ReturnFields []string
}

// SearchResult is the output of a search operation.
type SearchResult struct {
	Total   int
	Entries []SearchEntry
}

// SearchEntry is a single hit. Score is the cosine similarity clamped to [0,1].
// Fields hold raw values; a returned vector stays binary under VectorField.
type SearchEntry struct {
	Key    string
	Score  float64
	Fields map[string]string
}
