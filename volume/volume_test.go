package volume

import (
	"net"
	"testing"
	"time"

	"github.com/activecm/flowsentry/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRecord(link int, flows, packets, bytes uint64, entSIP float32) record.Record {
	return record.Record{
		TimeFirst:      time.Unix(1000, 0),
		SrcIP:          net.ParseIP("10.0.0.1"),
		DstIP:          net.ParseIP("10.0.0.2"),
		LinkBitField:   1 << uint(link),
		Flows:          flows,
		Packets:        packets,
		Bytes:          bytes,
		EntropySrcIP:   entSIP,
	}
}

func TestNewBankSelectsOnlyConfiguredFeaturesInCanonicalOrder(t *testing.T) {
	bk := NewBank(2, []string{"bytes", "flows"})
	assert.Equal(t, []string{"flows", "bytes"}, bk.features)
	assert.Equal(t, 4, bk.Width())
}

func TestAddSumsAdditiveFeatures(t *testing.T) {
	bk := NewBank(2, []string{"flows", "packets", "bytes"})
	bk.Add(makeRecord(0, 1, 10, 100, 0))
	bk.Add(makeRecord(0, 2, 20, 200, 0))
	bk.Add(makeRecord(1, 5, 50, 500, 0))

	row := bk.FoldRow()
	require.Len(t, row, 6)
	// feature-major blocks of L=2: flows[link0,link1], packets[...], bytes[...]
	assert.Equal(t, []float64{3, 5, 30, 50, 300, 500}, row)
}

func TestAddOverwritesEntropyFeatures(t *testing.T) {
	bk := NewBank(1, []string{"ent_sip"})
	bk.Add(makeRecord(0, 0, 0, 0, 1.5))
	bk.Add(makeRecord(0, 0, 0, 0, 3.25))

	row := bk.FoldRow()
	require.Len(t, row, 1)
	assert.Equal(t, 3.25, row[0])
}

func TestClearZeroesAllAccumulators(t *testing.T) {
	bk := NewBank(1, []string{"flows", "ent_sip"})
	bk.Add(makeRecord(0, 7, 0, 0, 2))
	bk.Clear()

	row := bk.FoldRow()
	for _, v := range row {
		assert.Equal(t, float64(0), v)
	}
}

func TestAddIgnoresOutOfRangeLink(t *testing.T) {
	bk := NewBank(1, []string{"flows"})
	r := makeRecord(3, 9, 0, 0, 0) // link index 3 is out of range for L=1
	assert.NotPanics(t, func() { bk.Add(r) })
	assert.Equal(t, []float64{0}, bk.FoldRow())
}

func TestFoldRowEmptyWhenNoFeaturesSelected(t *testing.T) {
	bk := NewBank(2, nil)
	assert.Empty(t, bk.FoldRow())
	assert.Equal(t, 0, bk.Width())
}
