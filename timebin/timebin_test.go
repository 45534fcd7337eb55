package timebin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func sec(s int64) time.Time { return time.Unix(s, 0) }

// TestDispatcherToleranceAndDrop mirrors spec §8 scenario 5.
func TestDispatcherToleranceAndDrop(t *testing.T) {
	d := NewDispatcher(5*time.Second, 1)

	bins := map[int64]int{}
	for _, ts := range []int64{0, 1, 5, 6, 10, 11} {
		c := d.Classify(sec(ts))
		assert.False(t, c.Dropped)
		bins[ts] = c.BinIndex
	}

	assert.Equal(t, 0, bins[0])
	assert.Equal(t, 0, bins[1])
	assert.Equal(t, 1, bins[5])
	assert.Equal(t, 1, bins[6])
	assert.Equal(t, 2, bins[10])
	assert.Equal(t, 2, bins[11])

	late := d.Classify(sec(2))
	assert.True(t, late.Dropped)

	lateOk := d.Classify(sec(6))
	assert.False(t, lateOk.Dropped)
	assert.Equal(t, 1, lateOk.BinIndex)
}

func TestMatrixRingAndSnapshot(t *testing.T) {
	m := NewMatrix(3, 2)
	m.SetRow(0, []float64{1, 1})
	m.SetRow(1, []float64{2, 2})
	assert.False(t, m.Full())
	m.SetRow(2, []float64{3, 3})
	assert.True(t, m.Full())

	x, newest := m.Snapshot()
	assert.Equal(t, 2, newest)
	assert.Equal(t, []float64{1, 1}, x[0])
	assert.Equal(t, []float64{3, 3}, x[2])

	// a 4th bin wraps the physical ring and evicts bin 0.
	m.SetRow(3, []float64{4, 4})
	x, _ = m.Snapshot()
	assert.Equal(t, []float64{2, 2}, x[0])
	assert.Equal(t, []float64{4, 4}, x[2])
}
