package sketch

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntropyZeroOnEmptyRow(t *testing.T) {
	bk := NewBank(2, 4, 4, []uint32{0, 1})
	assert.Equal(t, float64(0), bk.Entropy(0, 0, AttrSrcIP))
}

func TestEntropyNonNegative(t *testing.T) {
	bk := NewBank(2, 4, 4, []uint32{11, 97})
	src := net.ParseIP("10.0.0.1")
	for i := 0; i < 50; i++ {
		dst := net.ParseIP("10.0.0.2")
		bk.Add(src, dst, uint16(1000+i), 53, 4)
	}
	for h := 0; h < bk.H; h++ {
		for row := 0; row < bk.S; row++ {
			for a := 0; a < numAttrs; a++ {
				assert.GreaterOrEqual(t, bk.Entropy(h, row, a), float64(0))
			}
		}
	}
}

func TestClearZeroesCounters(t *testing.T) {
	bk := NewBank(1, 2, 2, []uint32{3})
	bk.Add(net.ParseIP("1.1.1.1"), net.ParseIP("2.2.2.2"), 10, 20, 5)
	bk.Clear()
	row := bk.FoldRow(0)
	for _, v := range row {
		assert.Equal(t, float64(0), v)
	}
}

func TestFoldRowLength(t *testing.T) {
	bk := NewBank(1, 6, 3, []uint32{5})
	row := bk.FoldRow(0)
	require.Len(t, row, numAttrs*bk.S)
}

func TestSuperFastHashMatchesReferenceVectors(t *testing.T) {
	cases := []struct {
		data []byte
		seed uint32
		want uint32
	}{
		{[]byte("a"), 0, 291415938},
		{[]byte("flowsentry"), 42, 2536747420},
		{[]byte("test"), 0, 605072156},
		{[]byte(""), 5, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, SuperFastHash(c.data, c.seed))
	}
}

func TestSuperFastHashDeterministic(t *testing.T) {
	a := SuperFastHash([]byte("flowsentry"), 42)
	b := SuperFastHash([]byte("flowsentry"), 42)
	assert.Equal(t, a, b)
	c := SuperFastHash([]byte("flowsentry"), 43)
	assert.NotEqual(t, a, c)
}

func TestKeysInRowEmptyWithoutTracking(t *testing.T) {
	bk := NewBank(1, 4, 4, []uint32{1})
	bk.Add(net.ParseIP("1.1.1.1"), net.ParseIP("2.2.2.2"), 10, 20, 5)
	assert.Nil(t, bk.KeysInRow(0, 0))
}

func TestKeysInRowAfterEnableKeyTracking(t *testing.T) {
	bk := NewBank(1, 4, 4, []uint32{1})
	bk.EnableKeyTracking()

	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")
	bk.Add(src, dst, 10, 20, 5)

	row := int(SuperFastHash(append(append([]byte{}, src.To16()...), dst.To16()...), bk.seeds[0]) % uint32(bk.S))
	keys := bk.KeysInRow(0, row)
	require.Len(t, keys, 1)
	assert.Equal(t, src.String()+"|"+dst.String(), keys[0])
}

func TestClearResetsRowKeys(t *testing.T) {
	bk := NewBank(1, 4, 4, []uint32{1})
	bk.EnableKeyTracking()
	bk.Add(net.ParseIP("1.1.1.1"), net.ParseIP("2.2.2.2"), 10, 20, 5)
	bk.Clear()
	for row := 0; row < bk.S; row++ {
		assert.Empty(t, bk.KeysInRow(0, row))
	}
}

// rowOf replicates Add's row-hash computation for a given key, so the test
// can locate which row a flow landed in without exposing that logic outside
// the package.
func (bk *Bank) rowOf(srcIP, dstIP net.IP, h int) int {
	maskedSrc := maskIP(srcIP, bk.PrefixMaskBits)
	maskedDst := maskIP(dstIP, bk.PrefixMaskBits)
	key := append(append([]byte{}, maskedSrc...), maskedDst...)
	return int(SuperFastHash(key, bk.seeds[h]) % uint32(bk.S))
}

func TestIntersectKeysNarrowsToCommonOffender(t *testing.T) {
	bk := NewBank(2, 8, 4, []uint32{11, 97})
	bk.EnableKeyTracking()

	offenderSrc := net.ParseIP("10.0.0.9")
	offenderDst := net.ParseIP("10.0.0.10")
	bk.Add(offenderSrc, offenderDst, 1, 2, 100)

	otherSrc := net.ParseIP("10.0.0.11")
	otherDst := net.ParseIP("10.0.0.12")
	bk.Add(otherSrc, otherDst, 3, 4, 1)

	offenderKey := offenderSrc.String() + "|" + offenderDst.String()

	firedColumns := map[int][]int{}
	for h := 0; h < bk.H; h++ {
		row := bk.rowOf(offenderSrc, offenderDst, h)
		firedColumns[h] = []int{row}
	}

	keys := IntersectKeys(bk, firedColumns)
	require.Contains(t, keys, offenderKey)
}

func TestIntersectKeysEmptyWhenNothingFired(t *testing.T) {
	bk := NewBank(1, 4, 4, []uint32{1})
	bk.EnableKeyTracking()
	assert.Nil(t, IntersectKeys(bk, map[int][]int{}))
}
