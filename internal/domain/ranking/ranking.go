// Package ranking holds the output value types of the re-ranking stage.
package ranking

import (
	"cmp"
	"maps"
	"slices"
)

// Breakdown is the per-kernel score decomposition of one candidate.
// All components are in [0,1].
type Breakdown struct {
	Classical          float64
	Fidelity           float64
	PhaseCoherence     float64
	AmplitudeEstimated float64
	Combined           float64
}

// Result is a single ranked hit (immutable value object).
type Result struct {
	id             string
	score          float64
	classicalScore float64
	rerankApplied  bool
	metadata       map[string]string
}

// Reranked creates a result whose score comes from the kernel blend.
func Reranked(id string, combined, classicalScore float64, metadata map[string]string) Result {
	return Result{
		id:             id,
		score:          combined,
		classicalScore: classicalScore,
		rerankApplied:  true,
		metadata:       cloneMetadata(metadata),
	}
}

// PassThrough creates a result that keeps the vector store score unchanged.
func PassThrough(id string, classicalScore float64, metadata map[string]string) Result {
	return Result{
		id:             id,
		score:          classicalScore,
		classicalScore: classicalScore,
		metadata:       cloneMetadata(metadata),
	}
}

// Reconstruct creates a Result from stored fields (cache hydration).
func Reconstruct(id string, score, classicalScore float64, rerankApplied bool, metadata map[string]string) Result {
	return Result{
		id:             id,
		score:          score,
		classicalScore: classicalScore,
		rerankApplied:  rerankApplied,
		metadata:       cloneMetadata(metadata),
	}
}

// ID returns the candidate identifier.
func (r *Result) ID() string { return r.id }

// Score returns the final ranking score.
func (r *Result) Score() float64 { return r.score }

// ClassicalScore returns the first-pass vector store score.
func (r *Result) ClassicalScore() float64 { return r.classicalScore }

// Boost returns Score - ClassicalScore.
func (r *Result) Boost() float64 { return r.score - r.classicalScore }

// RerankApplied reports whether the kernel blend produced the score.
func (r *Result) RerankApplied() bool { return r.rerankApplied }

// Metadata returns the candidate payload.
func (r *Result) Metadata() map[string]string { return r.metadata }

// Detailed pairs a result with its kernel breakdown.
// Breakdown is nil when the rerank was not applied.
type Detailed struct {
	Result    Result
	Breakdown *Breakdown
}

// Sort orders results by score descending, ties broken by ascending id.
func Sort(items []Detailed) {
	slices.SortFunc(items, func(a, b Detailed) int {
		if c := cmp.Compare(b.Result.score, a.Result.score); c != 0 {
			return c
		}
		return cmp.Compare(a.Result.id, b.Result.id)
	})
}

// Results strips breakdowns.
func Results(items []Detailed) []Result {
	out := make([]Result, len(items))
	for i := range items {
		out[i] = items[i].Result
	}
	return out
}

// FilterMinScore keeps results with Score >= minScore. minScore <= 0 keeps everything.
func FilterMinScore(results []Result, minScore float64) []Result {
	if minScore <= 0 {
		return results
	}
	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if r.score >= minScore {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func cloneMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}
