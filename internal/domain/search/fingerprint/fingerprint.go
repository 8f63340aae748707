// Package fingerprint derives the cache key of a search request.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/kailas-cloud/qflow/internal/domain/scoring"
	"github.com/kailas-cloud/qflow/internal/domain/search/filter"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// Scale is the quantization factor: components are rounded to 6 decimal places.
const Scale = 1e6

// Fingerprint is the hex SHA-256 identifying a ranking computation.
type Fingerprint string

// String implements fmt.Stringer.
func (f Fingerprint) String() string { return string(f) }

// Policy is the scoring configuration that affects ranking output.
type Policy struct {
	Weights       scoring.Weights
	Blend         scoring.Blend
	PrecisionBits int
	Epsilon       float64
	Rerank        bool
}

// Compute hashes the quantized query, topK, the filter and the scoring policy.
// minScore is deliberately absent: it is applied after the cache.
func Compute(query vector.FeatureVector, topK int, filters filter.Expression, p Policy) Fingerprint {
	h := sha256.New()
	var buf [8]byte

	putInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	putFloat := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}

	putInt(int64(len(query)))
	for _, x := range query {
		putInt(Quantize(x))
	}
	putInt(int64(topK))

	f := filters.String()
	putInt(int64(len(f)))
	h.Write([]byte(f))

	putFloat(p.Weights.Classical)
	putFloat(p.Weights.Fidelity)
	putFloat(p.Weights.Phase)
	putFloat(p.Blend.Weighted)
	putFloat(p.Blend.Amplitude)
	putInt(int64(p.PrecisionBits))
	putFloat(p.Epsilon)
	if p.Rerank {
		putInt(1)
	} else {
		putInt(0)
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Quantize rounds a component to fixed precision; -0 and +0 map to the same value.
func Quantize(x float32) int64 {
	return int64(math.Round(float64(x) * Scale))
}
