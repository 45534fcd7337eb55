// Package pca implements the PCA detection engine shared by the
// aggregated-volume detector and the sketch+PCA detector (spec §4.4):
// normalization, eigendecomposition, normal/residual subspace split, and
// the SPE and per-column std-dev firing tests.
package pca

import (
	"errors"
	"math"

	"github.com/activecm/flowsentry/metrics"
	"github.com/montanaflynn/stats"
)

// errDegenerateTail marks a tail-eigenvalue configuration the
// Jackson-Mudholkar formula cannot evaluate (e.g. an all-zero residual
// subspace); Detect treats it as a non-firing bin, returning no error
// and recording no dropped bin.
var errDegenerateTail = errors.New("pca: degenerate tail eigenvalue distribution")

// AllLinksMask is the link_bit_field value spec §6 reserves for
// SPE-wide alerts that are not attributable to a single link.
const AllLinksMask uint64 = 0xffffffff

// SubspaceMethod selects how the normal-subspace size r is chosen (spec
// §4.4).
type SubspaceMethod int

const (
	// VarianceFraction picks the smallest r whose top-r eigenvalues carry
	// at least Config.VarianceFraction of total variance.
	VarianceFraction SubspaceMethod = iota
	// DeltaProjection iteratively grows r until a row's projection onto
	// the newest principal component exceeds Config.DeltaProjectionD
	// standard deviations.
	DeltaProjection
)

// DetectionTest selects which firing rule is applied once the residual
// subspace is built (spec §4.4 offers both as alternatives).
type DetectionTest int

const (
	SPETest DetectionTest = iota
	PerColumnStdDevTest
)

// Config holds the tunables spec §6/§4.4 names.
type Config struct {
	L                int // columns per feature block (monitored links)
	Method           SubspaceMethod
	VarianceFraction float64 // p, e.g. 0.90
	DeltaProjectionD float64 // d, e.g. 3, 4, 5
	Test             DetectionTest
	ZAlpha           float64 // standard-normal quantile, e.g. 1.645, 2.326
	StdDevMultiplier float64 // m, default 5, for PerColumnStdDevTest
	Preprocessing    bool
}

// PreprocessingAlert is an immediate large-excursion alert raised during
// the optional 3σ cropping pass (spec §4.4 step 3).
type PreprocessingAlert struct {
	Column       int
	LinkBitField uint64
}

// Result is the outcome of one Detect call.
type Result struct {
	PreprocessingAlerts []PreprocessingAlert
	Fired               bool
	LinkBitField        uint64 // valid when Fired && Test == SPETest
	FiredColumns        []int  // valid when Fired && Test == PerColumnStdDevTest
	SPE                 float64
	Threshold           float64
	SubspaceSize        int
}

// Engine runs the normalization + PCA + detection pipeline over a
// completed W x F data matrix.
type Engine struct {
	Config Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{Config: cfg}
}

// Detect runs the full pipeline on x (the W x F matrix, rows oldest to
// newest) for the newest row index j. x is copied before mutation.
func (e *Engine) Detect(x [][]float64, j int) (Result, error) {
	w := len(x)
	f := len(x[0])

	xp := cloneMatrix(x)

	zeroMeanColumns(xp)
	unitEnergyBlocks(xp, e.Config.L)

	var preAlerts []PreprocessingAlert
	if e.Config.Preprocessing {
		preAlerts = preprocess(xp, j, e.Config.L)
	}

	cov := sampleCovariance(xp)
	eigenvalues, eigenvectors, err := jacobiEigen(cov)
	if err != nil {
		metrics.RecordDroppedBin("pca")
		return Result{PreprocessingAlerts: preAlerts}, err
	}

	r := e.subspaceSize(xp, eigenvalues, eigenvectors)

	cres := residualProjector(eigenvectors, r, f)

	var res Result
	res.PreprocessingAlerts = preAlerts
	res.SubspaceSize = r

	switch e.Config.Test {
	case PerColumnStdDevTest:
		residual := matMulTranspose(xp, cres) // W x F
		m := e.Config.StdDevMultiplier
		if m == 0 {
			m = 5
		}
		for c := 0; c < f; c++ {
			col := column(residual, c)
			sigma := popStdDev(col)
			if sigma == 0 {
				continue
			}
			if math.Abs(residual[j][c]) > m*sigma {
				res.FiredColumns = append(res.FiredColumns, c)
			}
		}
		res.Fired = len(res.FiredColumns) > 0
	default:
		y := matVec(cres, xp[j])
		spe := dot(y, y)
		delta, tailErr := jacksonMudholkarThreshold(eigenvalues, r, e.Config.ZAlpha)
		res.SPE = spe
		res.Threshold = delta
		if tailErr == nil && spe > delta {
			res.Fired = true
			res.LinkBitField = AllLinksMask
		}
	}

	return res, nil
}

func cloneMatrix(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i := range x {
		out[i] = append([]float64{}, x[i]...)
	}
	return out
}

func column(x [][]float64, c int) []float64 {
	out := make([]float64, len(x))
	for i := range x {
		out[i] = x[i][c]
	}
	return out
}

// popStdDev is the population standard deviation (divisor N). Per
// DESIGN.md's Open Question resolution, every window this engine operates
// on is a complete, fixed-size population, not a sample, so N (not N-1) is
// used uniformly throughout this package.
func popStdDev(v []float64) float64 {
	sd, err := stats.StandardDeviationPopulation(v)
	if err != nil {
		return 0
	}
	return sd
}

func zeroMeanColumns(x [][]float64) {
	w := len(x)
	f := len(x[0])
	for c := 0; c < f; c++ {
		var sum float64
		for i := 0; i < w; i++ {
			sum += x[i][c]
		}
		mean := sum / float64(w)
		for i := 0; i < w; i++ {
			x[i][c] -= mean
		}
	}
}

// unitEnergyBlocks normalizes each L-column feature block to unit energy
// (spec §4.4 step 2): E = (1/(W*L)) Σ X'² over the block, σ = √E, divide
// every cell in the block by σ.
func unitEnergyBlocks(x [][]float64, l int) {
	w := len(x)
	f := len(x[0])
	for b := 0; b*l < f; b++ {
		lo := b * l
		hi := lo + l
		if hi > f {
			hi = f
		}
		var sum float64
		for i := 0; i < w; i++ {
			for c := lo; c < hi; c++ {
				sum += x[i][c] * x[i][c]
			}
		}
		e := sum / float64(w*l)
		sigma := math.Sqrt(e)
		if sigma == 0 {
			continue
		}
		for i := 0; i < w; i++ {
			for c := lo; c < hi; c++ {
				x[i][c] /= sigma
			}
		}
	}
}

// preprocess applies the optional 3σ cropping pass, returning the
// immediate per-column large-excursion alerts it raised.
func preprocess(x [][]float64, j, l int) []PreprocessingAlert {
	w := len(x)
	f := len(x[0])
	var alerts []PreprocessingAlert
	for c := 0; c < f; c++ {
		sigma := popStdDev(column(x, c))
		tau := 3 * sigma
		if math.Abs(x[j][c]) > tau {
			// Per spec §9's explicit bug fix: the source's
			// `1 >> (c mod L)` is corrected here to `1 << (c mod L)`.
			alerts = append(alerts, PreprocessingAlert{
				Column:       c,
				LinkBitField: 1 << uint(c%l),
			})
		}
		for i := 0; i < w; i++ {
			if math.Abs(x[i][c]) > tau {
				x[i][c] = 0
			}
		}
	}
	return alerts
}

func sampleCovariance(x [][]float64) [][]float64 {
	w := len(x)
	f := len(x[0])
	cov := make([][]float64, f)
	for i := range cov {
		cov[i] = make([]float64, f)
	}
	for c1 := 0; c1 < f; c1++ {
		for c2 := c1; c2 < f; c2++ {
			var sum float64
			for i := 0; i < w; i++ {
				sum += x[i][c1] * x[i][c2]
			}
			v := sum / float64(w)
			cov[c1][c2] = v
			cov[c2][c1] = v
		}
	}
	return cov
}

func (e *Engine) subspaceSize(x [][]float64, eigenvalues []float64, eigenvectors [][]float64) int {
	switch e.Config.Method {
	case DeltaProjection:
		return deltaProjectionSize(x, eigenvectors, e.Config.DeltaProjectionD)
	default:
		return varianceFractionSize(eigenvalues, e.Config.VarianceFraction)
	}
}

// varianceFractionSize picks the smallest r with cumulative eigenvalue
// fraction >= p, breaking ties toward the smaller r (spec §4.4).
func varianceFractionSize(eigenvalues []float64, p float64) int {
	var total float64
	for _, v := range eigenvalues {
		total += v
	}
	if total == 0 {
		return 1
	}
	var cum float64
	for r := 1; r <= len(eigenvalues); r++ {
		cum += eigenvalues[r-1]
		if cum/total >= p {
			return r
		}
	}
	return len(eigenvalues)
}

// deltaProjectionSize grows r until some row's projection onto U[:,r-1]
// exceeds d standard deviations of that projection (spec §4.4).
func deltaProjectionSize(x [][]float64, eigenvectors [][]float64, d float64) int {
	f := len(eigenvectors)
	for r := 1; r <= f; r++ {
		component := columnVec(eigenvectors, r-1)
		norm := math.Sqrt(dot(component, component))
		if norm == 0 {
			continue
		}
		proj := make([]float64, len(x))
		for i := range x {
			proj[i] = dot(x[i], component) / norm
		}
		sigma := popStdDev(proj)
		if sigma == 0 {
			continue
		}
		exceeded := false
		for _, p := range proj {
			if math.Abs(p) > d*sigma {
				exceeded = true
				break
			}
		}
		if exceeded {
			return r
		}
	}
	return f
}

func columnVec(m [][]float64, c int) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		out[i] = m[i][c]
	}
	return out
}

// residualProjector builds C_res = I - U_r U_r^T for an F x F identity.
func residualProjector(eigenvectors [][]float64, r, f int) [][]float64 {
	cres := identity(f)
	for i := 0; i < f; i++ {
		for jc := 0; jc < f; jc++ {
			var sum float64
			for c := 0; c < r; c++ {
				sum += eigenvectors[i][c] * eigenvectors[jc][c]
			}
			cres[i][jc] -= sum
		}
	}
	return cres
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i := range m {
		out[i] = dot(m[i], v)
	}
	return out
}

// matMulTranspose computes X' * C_res^T (spec §4.4's residual matrix R).
func matMulTranspose(x, cresT [][]float64) [][]float64 {
	w := len(x)
	f := len(cresT)
	out := make([][]float64, w)
	for i := 0; i < w; i++ {
		out[i] = make([]float64, f)
		for c := 0; c < f; c++ {
			var sum float64
			for k := 0; k < f; k++ {
				sum += x[i][k] * cresT[c][k]
			}
			out[i][c] = sum
		}
	}
	return out
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// jacksonMudholkarThreshold computes δ_SPE from the tail eigenvalues
// (spec §4.4's Jackson–Mudholkar test).
func jacksonMudholkarThreshold(eigenvalues []float64, r int, zAlpha float64) (float64, error) {
	phi := make([]float64, 4) // phi[1..3] used
	for _, lambda := range eigenvalues[r:] {
		for k := 1; k <= 3; k++ {
			phi[k] += math.Pow(lambda, float64(k+1))
		}
	}
	if phi[1] == 0 {
		return 0, errDegenerateTail
	}
	h0 := 1 - (2 * phi[1] * phi[3] / (3 * phi[2] * phi[2]))
	if h0 == 0 {
		return 0, errDegenerateTail
	}

	inner := (zAlpha*math.Sqrt(2*phi[2]*h0*h0)/phi[1]) + 1 + (phi[2]*h0*(h0-1))/(phi[1]*phi[1])
	if inner < 0 {
		return 0, errDegenerateTail
	}
	delta := phi[1] * math.Pow(inner, 1/h0)
	return delta, nil
}
