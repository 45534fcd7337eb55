package pca

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizationInvariants mirrors spec §8's universal invariant: after
// normalization every column has mean within 1e-6 of zero and every
// feature block has energy within 1e-6 of 1.
func TestNormalizationInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const w, f, l = 50, 4, 2
	x := make([][]float64, w)
	for i := range x {
		x[i] = make([]float64, f)
		for c := range x[i] {
			x[i][c] = rng.NormFloat64()*3 + 7
		}
	}

	zeroMeanColumns(x)
	for c := 0; c < f; c++ {
		var sum float64
		for i := 0; i < w; i++ {
			sum += x[i][c]
		}
		assert.InDelta(t, 0, sum/w, 1e-6)
	}

	unitEnergyBlocks(x, l)
	for b := 0; b*l < f; b++ {
		lo, hi := b*l, b*l+l
		var sum float64
		for i := 0; i < w; i++ {
			for c := lo; c < hi; c++ {
				sum += x[i][c] * x[i][c]
			}
		}
		assert.InDelta(t, 1, sum/float64(w*l), 1e-6)
	}
}

// TestSPEAlertFiresOnSyntheticPulse mirrors spec §8 scenario 1: a single
// 100-sigma pulse on the newest row's first column fires the SPE test.
func TestSPEAlertFiresOnSyntheticPulse(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const w, f, l = 288, 4, 2

	x := make([][]float64, w)
	for i := 0; i < w-1; i++ {
		x[i] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}
	x[w-1] = []float64{100, rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}

	engine := NewEngine(Config{
		L:                l,
		Method:           VarianceFraction,
		VarianceFraction: 0.90,
		Test:             SPETest,
		ZAlpha:           2.326,
	})

	res, err := engine.Detect(x, w-1)
	require.NoError(t, err)
	assert.True(t, res.Fired)
	assert.Equal(t, AllLinksMask, res.LinkBitField)
	assert.Greater(t, res.SPE, res.Threshold)
}

// TestPreprocessingFlagsExcursionColumn checks the companion preprocessing
// pass independently: the same pulse, examined before PCA removes it,
// flags column 0 with a link bit matching the first link (spec §4.4 step
// 3, §9's 1<<(c mod L) fix).
func TestPreprocessingFlagsExcursionColumn(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const w, f, l = 288, 4, 2
	x := make([][]float64, w)
	for i := 0; i < w-1; i++ {
		x[i] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}
	x[w-1] = []float64{100, rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	_ = f

	zeroMeanColumns(x)
	unitEnergyBlocks(x, l)
	alerts := preprocess(x, w-1, l)

	require.NotEmpty(t, alerts)
	found := false
	for _, a := range alerts {
		if a.Column == 0 {
			found = true
			assert.Equal(t, uint64(1), a.LinkBitField)
		}
	}
	assert.True(t, found)
}

func TestJacobiEigenOnDiagonal(t *testing.T) {
	sym := [][]float64{
		{4, 0, 0},
		{0, 2, 0},
		{0, 0, 1},
	}
	values, vectors, err := jacobiEigen(sym)
	require.NoError(t, err)
	assert.InDelta(t, 4, values[0], 1e-9)
	assert.InDelta(t, 2, values[1], 1e-9)
	assert.InDelta(t, 1, values[2], 1e-9)
	assert.InDelta(t, 1, math.Abs(vectors[0][0]), 1e-9)
}
