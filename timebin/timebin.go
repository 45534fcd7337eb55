// Package timebin implements the bin dispatcher and sliding-window ring
// buffer shared by the PCA and sketch+PCA detectors (spec §4.2). It owns
// only bin bookkeeping — classifying a record's timestamp against the
// current bin, detecting bin closes, and enforcing the out-of-order
// tolerance window — and the fixed-size row-ring the detectors fold
// completed bins into. What a "bank" of per-bin counters looks like (raw
// sketch counts, per-link feature accumulators) is owned by the calling
// detector package.
package timebin

import "time"

// Classification is the result of feeding one record's timestamp to the
// dispatcher.
type Classification struct {
	// Dropped is true if the record falls further than Tolerance bins
	// behind the current bin and must be silently discarded (spec §4.2,
	// "records falling in bins ≤ k - tolerance are silently dropped").
	Dropped bool
	// BinIndex is the bin the record belongs to, valid when !Dropped. It
	// may be less than the dispatcher's current bin if the record arrived
	// late but within Tolerance — the caller re-folds that bin directly.
	BinIndex int
	// ClosedBins lists, in order, every bin index that closed as a side
	// effect of processing this record (normally at most one; more than
	// one if the stream jumped ahead by multiple bin widths). The caller
	// must fold each of these into the data matrix and clear its
	// accumulator before continuing.
	ClosedBins []int
}

// Dispatcher converts a stream of record timestamps into bin indices,
// advancing the "current bin" as records cross the bin boundary (spec
// §4.2). A half-open bin [t_k, t_k+Δ) closes the instant a timestamp
// reaches t_k+Δ, so the close check is t >= t_start_current, matching the
// half-open interval defined in spec §3.
type Dispatcher struct {
	delta     time.Duration
	tolerance int

	init          bool
	tStartCurrent time.Time
	k             int
}

// NewDispatcher creates a dispatcher for bins of width delta, allowing
// records up to tolerance bins behind the current bin before they are
// dropped.
func NewDispatcher(delta time.Duration, tolerance int) *Dispatcher {
	return &Dispatcher{delta: delta, tolerance: tolerance}
}

// Bin returns the dispatcher's current bin index.
func (d *Dispatcher) Bin() int { return d.k }

// Classify advances the dispatcher's notion of "current bin" as needed and
// reports which bin t belongs to.
func (d *Dispatcher) Classify(t time.Time) Classification {
	if !d.init {
		d.tStartCurrent = t.Add(d.delta)
		d.k = 0
		d.init = true
		return Classification{BinIndex: 0}
	}

	var closed []int
	for !t.Before(d.tStartCurrent) {
		closed = append(closed, d.k)
		d.tStartCurrent = d.tStartCurrent.Add(d.delta)
		d.k++
	}

	binStart := d.tStartCurrent.Add(-d.delta)
	binIndex := d.k
	if t.Before(binStart) {
		behind := binStart.Sub(t)
		back := int(behind/d.delta) + 1
		binIndex = d.k - back
	}

	if d.k-binIndex > d.tolerance {
		return Classification{Dropped: true, ClosedBins: closed}
	}
	return Classification{BinIndex: binIndex, ClosedBins: closed}
}

// Matrix is the owned, fixed-size W x F row-ring described in spec §3: a
// rolling window of W past bin feature-vectors, width F, stored physically
// modulo W so that no reallocation ever occurs once created (spec §9
// replaces the source's raw-pointer matrices with this owned buffer).
type Matrix struct {
	W, F   int
	rows   [][]float64
	filled []bool
	// newestBin is the logical bin index of the most recently set row, or
	// -1 before the first row is ever set.
	newestBin int
}

// NewMatrix allocates a W x F ring.
func NewMatrix(w, f int) *Matrix {
	rows := make([][]float64, w)
	for i := range rows {
		rows[i] = make([]float64, f)
	}
	return &Matrix{W: w, F: f, rows: rows, filled: make([]bool, w), newestBin: -1}
}

func (m *Matrix) physical(bin int) int {
	r := bin % m.W
	if r < 0 {
		r += m.W
	}
	return r
}

// SetRow writes (or overwrites, for a late re-fold) the feature vector for
// a logical bin index.
func (m *Matrix) SetRow(bin int, values []float64) {
	p := m.physical(bin)
	copy(m.rows[p], values)
	m.filled[p] = true
	if bin > m.newestBin {
		m.newestBin = bin
	}
}

// Row returns the feature vector stored for a logical bin index and
// whether it has ever been set.
func (m *Matrix) Row(bin int) ([]float64, bool) {
	p := m.physical(bin)
	return m.rows[p], m.filled[p]
}

// Full reports whether every one of the last W bins (ending at newest) has
// been folded at least once, i.e. the matrix is ready for PCA.
func (m *Matrix) Full() bool {
	if m.newestBin < m.W-1 {
		return false
	}
	for _, f := range m.filled {
		if !f {
			return false
		}
	}
	return true
}

// Snapshot returns the W rows in logical order, oldest first, newest
// (bin == m.newestBin) last — the `X` matrix PCA operates on, and the
// index of the newest row within the snapshot (`j*` in spec §4.4).
func (m *Matrix) Snapshot() (x [][]float64, newestRowIdx int) {
	x = make([][]float64, m.W)
	oldest := m.newestBin - m.W + 1
	for j := 0; j < m.W; j++ {
		row, _ := m.Row(oldest + j)
		cp := make([]float64, m.F)
		copy(cp, row)
		x[j] = cp
	}
	return x, m.W - 1
}
