package kernel

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kailas-cloud/qflow/internal/domain"
	"github.com/kailas-cloud/qflow/internal/domain/vector"
)

var pairs = []struct {
	name string
	a, b vector.FeatureVector
}{
	{"orthogonal", vector.FeatureVector{1, 0, 0, 0}, vector.FeatureVector{0, 1, 0, 0}},
	{"close", vector.FeatureVector{1, 0, 0, 0}, vector.FeatureVector{0.9, 0.1, 0, 0}},
	{"opposite", vector.FeatureVector{0.5, -0.5, 0.5, -0.5}, vector.FeatureVector{-0.5, 0.5, -0.5, 0.5}},
	{"unnormalized", vector.FeatureVector{3, 0.2, -1.7, 0.01}, vector.FeatureVector{0.3, 2, 0.7, -4}},
	{"zeros", vector.FeatureVector{0, 0, 0, 0}, vector.FeatureVector{0.25, 0.25, 0.25, 0.25}},
}

func TestKernels_Symmetric(t *testing.T) {
	lib, err := NewLibrary(DefaultEpsilon)
	require.NoError(t, err)

	for _, tc := range pairs {
		t.Run(tc.name, func(t *testing.T) {
			ab, err := lib.Evaluate(tc.a, tc.b)
			require.NoError(t, err)
			ba, err := lib.Evaluate(tc.b, tc.a)
			require.NoError(t, err)

			assert.Equal(t, ab.Classical, ba.Classical)
			assert.Equal(t, ab.Fidelity, ba.Fidelity)
			assert.Equal(t, ab.PhaseCoherence, ba.PhaseCoherence)
		})
	}
}

func TestKernels_InUnitRange(t *testing.T) {
	lib, err := NewLibrary(DefaultEpsilon)
	require.NoError(t, err)

	for _, tc := range pairs {
		s, err := lib.Evaluate(tc.a, tc.b)
		require.NoError(t, err, tc.name)
		for _, v := range []float64{s.Classical, s.Fidelity, s.PhaseCoherence} {
			assert.GreaterOrEqual(t, v, 0.0, tc.name)
			assert.LessOrEqual(t, v, 1.0, tc.name)
		}
	}
}

func TestKernels_SelfSimilarity(t *testing.T) {
	v := vector.FeatureVector{0.5, 0.5, 0.5, 0.5}

	c, err := Classical(v, v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, c, 1e-9)

	f, err := Fidelity(v, v, DefaultEpsilon)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, f, 1e-9)

	p, err := PhaseCoherence(v, v, DefaultEpsilon)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, p, 1e-9)
}

func TestClassical_NegativeClamped(t *testing.T) {
	c, err := Classical(vector.FeatureVector{1, 0}, vector.FeatureVector{-1, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, c)
}

func TestFidelity_Orthogonal(t *testing.T) {
	// [1,0] encodes to (1, 0.1j) and [0,1]; only the imaginary parts overlap.
	f, err := Fidelity(vector.FeatureVector{1, 0, 0, 0}, vector.FeatureVector{0, 1, 0, 0}, DefaultEpsilon)
	require.NoError(t, err)
	assert.Less(t, f, 0.05)
}

func TestKernels_DimensionMismatch(t *testing.T) {
	a := vector.FeatureVector{1, 0, 0}
	b := vector.FeatureVector{1, 0}

	_, err := Classical(a, b)
	assert.True(t, errors.Is(err, domain.ErrDimensionMismatch))
	_, err = Fidelity(a, b, DefaultEpsilon)
	assert.True(t, errors.Is(err, domain.ErrDimensionMismatch))
	_, err = PhaseCoherence(a, b, DefaultEpsilon)
	assert.True(t, errors.Is(err, domain.ErrDimensionMismatch))

	var dimErr *domain.DimensionError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Want)
	assert.Equal(t, 2, dimErr.Got)
}

func TestKernels_InvalidVector(t *testing.T) {
	lib, err := NewLibrary(DefaultEpsilon)
	require.NoError(t, err)

	good := vector.FeatureVector{1, 0}
	cases := map[string]vector.FeatureVector{
		"nan":   {float32(math.NaN()), 0},
		"inf":   {float32(math.Inf(1)), 0},
		"empty": {},
	}
	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := lib.Evaluate(good, bad)
			assert.ErrorIs(t, err, domain.ErrInvalidVector)
			_, err = lib.Evaluate(bad, good)
			assert.ErrorIs(t, err, domain.ErrInvalidVector)
		})
	}
}

func TestPrepared_MatchesPairwise(t *testing.T) {
	lib, err := NewLibrary(0.25)
	require.NoError(t, err)

	for _, tc := range pairs {
		p, err := lib.Prepare(tc.a)
		require.NoError(t, err)
		got, err := p.Evaluate(tc.b)
		require.NoError(t, err)

		c, _ := Classical(tc.a, tc.b)
		f, _ := Fidelity(tc.a, tc.b, 0.25)
		ph, _ := PhaseCoherence(tc.a, tc.b, 0.25)
		assert.Equal(t, Scores{Classical: c, Fidelity: f, PhaseCoherence: ph}, got, tc.name)
	}
}

func TestNewLibrary_RejectsEpsilon(t *testing.T) {
	for _, eps := range []float64{0, -0.1, 1.5, math.NaN()} {
		_, err := NewLibrary(eps)
		assert.Error(t, err, "eps=%v", eps)
	}
	_, err := NewLibrary(1)
	assert.NoError(t, err)
}
