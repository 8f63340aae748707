package candidate

import (
	"fmt"
	"maps"

	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// Match is a single candidate returned by the vector store (immutable value object).
// Values may legitimately be absent when the backend omits raw vectors; that is
// not an error and is never papered over with another vector.
type Match struct {
	id             string
	classicalScore float64
	values         vector.FeatureVector
	metadata       map[string]string
}

// New validates and creates a Match. values may be nil (absent).
func New(id string, classicalScore float64, values vector.FeatureVector, metadata map[string]string) (Match, error) {
	if id == "" {
		return Match{}, fmt.Errorf("candidate id is required")
	}
	if classicalScore < 0 || classicalScore > 1 {
		return Match{}, fmt.Errorf("candidate %q: classical score %v outside [0,1]", id, classicalScore)
	}
	return Reconstruct(id, classicalScore, values, metadata), nil
}

// Reconstruct creates a Match without validation (backend hydration, tests).
func Reconstruct(id string, classicalScore float64, values vector.FeatureVector, metadata map[string]string) Match {
	var md map[string]string
	if metadata != nil {
		md = maps.Clone(metadata)
	}
	var vals vector.FeatureVector
	if len(values) > 0 {
		vals = values.Clone()
	}
	return Match{id: id, classicalScore: classicalScore, values: vals, metadata: md}
}

// ID returns the candidate identifier.
func (m *Match) ID() string { return m.id }

// ClassicalScore returns the first-pass similarity reported by the vector store.
func (m *Match) ClassicalScore() float64 { return m.classicalScore }

// Values returns the raw feature vector and whether it is present.
func (m *Match) Values() (vector.FeatureVector, bool) {
	return m.values, len(m.values) > 0
}

// HasValues reports whether the backend supplied the raw vector.
func (m *Match) HasValues() bool { return len(m.values) > 0 }

// Metadata returns the candidate payload (filename, category, url, ...).
func (m *Match) Metadata() map[string]string { return m.metadata }
