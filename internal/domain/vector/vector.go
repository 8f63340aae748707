// Package vector defines the feature vector value type shared by the retriever,
// the kernels and the engine.
package vector

import (
	"fmt"
	"math"
	"slices"

	"github.com/kailas-cloud/qflow/internal/domain"
)

// DefaultDimensions is the ResNet-50 pooled feature size.
const DefaultDimensions = 2048

// FeatureVector is an ordered sequence of finite components.
// Normalization is not enforced; callers supply vectors as-is.
type FeatureVector []float32

// Dim returns the number of components.
func (v FeatureVector) Dim() int { return len(v) }

// Validate checks that the vector is non-empty and every component is finite.
func (v FeatureVector) Validate() error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", domain.ErrInvalidVector)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is %v", domain.ErrInvalidVector, i, x)
		}
	}
	return nil
}

// ValidateDim validates the vector and checks its dimension.
func (v FeatureVector) ValidateDim(dim int) error {
	if err := v.Validate(); err != nil {
		return err
	}
	if len(v) != dim {
		return domain.NewDimensionMismatch(dim, len(v))
	}
	return nil
}

// Clone returns an independent copy (nil stays nil).
func (v FeatureVector) Clone() FeatureVector {
	if v == nil {
		return nil
	}
	return slices.Clone(v)
}

// Norm returns the L2 norm.
func (v FeatureVector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalized returns an L2-normalized copy. A zero vector is returned unchanged.
func (v FeatureVector) Normalized() FeatureVector {
	n := v.Norm()
	out := v.Clone()
	if n == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / n)
	}
	return out
}
