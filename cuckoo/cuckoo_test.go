package cuckoo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCuckooRehashOnTTLExceeded mirrors spec §8 scenario 2: with N=4 and
// the two hash functions given there, inserting keys 0..10 forces a rehash
// at the 11th insertion, after which the table has grown to 8 and every
// previously inserted key is still retrievable.
func TestCuckooRehashOnTTLExceeded(t *testing.T) {
	h1 := func(k int) uint64 { return uint64(k % 4) }
	h2 := func(k int) uint64 { return uint64((k*3 + 1) % 4) }

	table := New[int, int](4, h1, h2)

	for k := 0; k <= 10; k++ {
		_, err := table.Insert(k, k*100)
		require.NoError(t, err)
	}

	assert.Equal(t, 8, table.Len())

	for k := 0; k <= 10; k++ {
		v, ok := table.Get(k)
		assert.True(t, ok, "key %d should still be retrievable", k)
		assert.Equal(t, k*100, v)
	}
}

func TestCuckooInsertGetRemove(t *testing.T) {
	h1, h2 := AddressKeyHashes()
	table := New[[16]byte, string](4, h1, h2)

	var key [16]byte
	key[15] = 1

	_, err := table.Insert(key, "first")
	require.NoError(t, err)

	v, ok := table.Get(key)
	require.True(t, ok)
	assert.Equal(t, "first", v)

	removed := table.RemoveByKey(key)
	assert.True(t, removed)

	_, ok = table.Get(key)
	assert.False(t, ok)
}

func TestCuckooUpdateExistingKeyReturnsPreviousValue(t *testing.T) {
	h1, h2 := FingerprintKeyHashes()
	table := New[uint32, int](4, h1, h2)

	_, err := table.Insert(42, 1)
	require.NoError(t, err)

	res, err := table.Insert(42, 2)
	require.NoError(t, err)
	require.True(t, res.Updated)
	require.NotNil(t, res.Displaced)
	assert.Equal(t, 1, *res.Displaced)

	v, ok := table.Get(42)
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCuckooRehashAllocFailureIsFatal(t *testing.T) {
	h1 := func(k int) uint64 { return uint64(k % 2) }
	h2 := func(k int) uint64 { return uint64((k + 1) % 2) }

	table := New[int, int](2, h1, h2)
	table.MaxCapacity = 2

	var err error
	for k := 0; k < 20 && err == nil; k++ {
		_, err = table.Insert(k, k)
	}
	assert.ErrorIs(t, err, ErrRehashAllocFailed)
}
