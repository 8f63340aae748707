// Package kernel implements the similarity kernels used by the re-ranker:
// a classical dot product and two quantum-inspired kernels computed over a
// complexified encoding of the feature vectors.
//
// All kernels are pure, symmetric in their arguments and return values in [0,1]
// for valid finite inputs.
package kernel

import (
	"fmt"
	"math"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

// DefaultEpsilon is the default imaginary-part scale of the complex encoding.
const DefaultEpsilon = 0.1

// Scores holds the three raw kernel outputs for one pair of vectors.
type Scores struct {
	Classical      float64
	Fidelity       float64
	PhaseCoherence float64
}

// Classical returns the dot product of a and b clamped to [0,1].
func Classical(a, b vector.FeatureVector) (float64, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	return clamp01(dot(a, b)), nil
}

// Fidelity returns |<psi_a|psi_b>|^2 of the normalized complex encodings of a and b.
func Fidelity(a, b vector.FeatureVector, eps float64) (float64, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	return fidelity(encode(a, eps), encode(b, eps)), nil
}

// PhaseCoherence returns the mean cosine of the per-component phase
// differences of the complex encodings, rescaled from [-1,1] to [0,1].
func PhaseCoherence(a, b vector.FeatureVector, eps float64) (float64, error) {
	if err := checkPair(a, b); err != nil {
		return 0, err
	}
	return phaseCoherence(encode(a, eps), encode(b, eps)), nil
}

// Library bundles the kernel constants.
type Library struct {
	epsilon float64
}

// NewLibrary creates a Library. eps must be in (0,1].
func NewLibrary(eps float64) (*Library, error) {
	if !(eps > 0 && eps <= 1) {
		return nil, fmt.Errorf("kernel epsilon %v outside (0,1]", eps)
	}
	return &Library{epsilon: eps}, nil
}

// Epsilon returns the configured encoding scale.
func (l *Library) Epsilon() float64 { return l.epsilon }

// Evaluate computes all three kernels for a and b in one pass.
func (l *Library) Evaluate(a, b vector.FeatureVector) (Scores, error) {
	q, err := l.Prepare(a)
	if err != nil {
		return Scores{}, err
	}
	return q.Evaluate(b)
}

// Prepare validates and encodes a query once so that it can be scored against
// many candidates.
func (l *Library) Prepare(query vector.FeatureVector) (*Prepared, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	return &Prepared{values: query, enc: encode(query, l.epsilon), eps: l.epsilon}, nil
}

// Prepared is an encoded query. Safe for concurrent use.
type Prepared struct {
	values vector.FeatureVector
	enc    encoded
	eps    float64
}

// Evaluate scores a candidate against the prepared query.
func (p *Prepared) Evaluate(candidate vector.FeatureVector) (Scores, error) {
	if err := candidate.Validate(); err != nil {
		return Scores{}, err
	}
	if len(candidate) != len(p.values) {
		return Scores{}, domain.NewDimensionMismatch(len(p.values), len(candidate))
	}
	enc := encode(candidate, p.eps)
	return Scores{
		Classical:      clamp01(dot(p.values, candidate)),
		Fidelity:       fidelity(p.enc, enc),
		PhaseCoherence: phaseCoherence(p.enc, enc),
	}, nil
}

// encoded is the complex encoding z_i = a_i + j*sqrt(max(0,1-a_i^2))*eps.
type encoded struct {
	re    []float64
	im    []float64
	norm2 float64
}

func encode(v vector.FeatureVector, eps float64) encoded {
	e := encoded{re: make([]float64, len(v)), im: make([]float64, len(v))}
	for i, x := range v {
		r := float64(x)
		im := math.Sqrt(math.Max(0, 1-r*r)) * eps
		e.re[i] = r
		e.im[i] = im
		e.norm2 += r*r + im*im
	}
	return e
}

func fidelity(a, b encoded) float64 {
	if a.norm2 == 0 || b.norm2 == 0 {
		return 0
	}
	// <a|b> = sum conj(a_i) * b_i
	var re, im float64
	for i := range a.re {
		re += a.re[i]*b.re[i] + a.im[i]*b.im[i]
		im += a.re[i]*b.im[i] - a.im[i]*b.re[i]
	}
	return clamp01((re*re + im*im) / (a.norm2 * b.norm2))
}

func phaseCoherence(a, b encoded) float64 {
	var sum float64
	for i := range a.re {
		pa := math.Atan2(a.im[i], a.re[i])
		pb := math.Atan2(b.im[i], b.re[i])
		sum += math.Cos(pa - pb)
	}
	mean := sum / float64(len(a.re))
	return clamp01((mean + 1) / 2)
}

func dot(a, b vector.FeatureVector) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func checkPair(a, b vector.FeatureVector) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if len(a) != len(b) {
		return domain.NewDimensionMismatch(len(a), len(b))
	}
	return nil
}

func clamp01(x float64) float64 {
	switch {
	case math.IsNaN(x), x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
