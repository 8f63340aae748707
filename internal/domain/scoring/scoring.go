// Package scoring blends kernel outputs into a single ranking score.
package scoring

import (
	"fmt"
	"math"
)

const (
	weightTolerance = 1e-9

	// DefaultPrecisionBits controls the amplitude-estimation enhancement factor 1 + 2^-bits.
	DefaultPrecisionBits = 7
	maxPrecisionBits     = 52
)

// Weights are the linear weights of the three kernels. They must sum to 1.
type Weights struct {
	Classical float64
	Fidelity  float64
	Phase     float64
}

// DefaultWeights returns 0.7/0.2/0.1.
func DefaultWeights() Weights {
	return Weights{Classical: 0.7, Fidelity: 0.2, Phase: 0.1}
}

// Validate checks non-negativity and the unit sum.
func (w Weights) Validate() error {
	return validateUnitSum("kernel weights", w.Classical, w.Fidelity, w.Phase)
}

// Blend mixes the weighted score with the amplitude-estimated score. Must sum to 1.
type Blend struct {
	Weighted  float64
	Amplitude float64
}

// DefaultBlend returns 0.8/0.2.
func DefaultBlend() Blend {
	return Blend{Weighted: 0.8, Amplitude: 0.2}
}

// Validate checks non-negativity and the unit sum.
func (b Blend) Validate() error {
	return validateUnitSum("blend weights", b.Weighted, b.Amplitude)
}

// Combination is the output of Combine.
type Combination struct {
	Weighted           float64
	AmplitudeEstimated float64
	Combined           float64
}

// Combiner is a pure, immutable scoring policy.
type Combiner struct {
	weights       Weights
	blend         Blend
	precisionBits int
	precision     float64
}

// NewCombiner validates the policy and creates a Combiner.
func NewCombiner(w Weights, b Blend, precisionBits int) (*Combiner, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if precisionBits < 0 || precisionBits > maxPrecisionBits {
		return nil, fmt.Errorf("precision bits %d outside [0,%d]", precisionBits, maxPrecisionBits)
	}
	return &Combiner{
		weights:       w,
		blend:         b,
		precisionBits: precisionBits,
		precision:     math.Ldexp(1, -precisionBits),
	}, nil
}

// MustDefault returns the combiner with the documented default constants.
func MustDefault() *Combiner {
	c, err := NewCombiner(DefaultWeights(), DefaultBlend(), DefaultPrecisionBits)
	if err != nil {
		panic(err)
	}
	return c
}

// Weights returns the kernel weights.
func (c *Combiner) Weights() Weights { return c.weights }

// Blend returns the blend weights.
func (c *Combiner) Blend() Blend { return c.blend }

// PrecisionBits returns the configured precision bits.
func (c *Combiner) PrecisionBits() int { return c.precisionBits }

// Combine blends the three kernel scores. Inputs are expected in [0,1].
func (c *Combiner) Combine(classical, fidelity, phase float64) Combination {
	weighted := c.weights.Classical*classical +
		c.weights.Fidelity*fidelity +
		c.weights.Phase*phase

	base := clamp01((classical + fidelity) / 2)
	theta := math.Asin(math.Sqrt(base))
	s := math.Sin(theta * (1 + c.precision))
	amplitude := s * s

	return Combination{
		Weighted:           weighted,
		AmplitudeEstimated: amplitude,
		Combined:           clamp01(c.blend.Weighted*weighted + c.blend.Amplitude*amplitude),
	}
}

func validateUnitSum(name string, parts ...float64) error {
	var sum float64
	for _, p := range parts {
		if math.IsNaN(p) || p < 0 {
			return fmt.Errorf("%s: component %v must be non-negative", name, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%s must sum to 1, got %v", name, sum)
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
