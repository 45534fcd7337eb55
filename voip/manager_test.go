package voip

import (
	"fmt"
	"testing"

	"github.com/activecm/flowsentry/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSource(t *testing.T, hex string) util.FixedString {
	t.Helper()
	fs, err := util.NewFixedStringFromHex(hex)
	require.NoError(t, err)
	return fs
}

func TestManagerTreeForAllocatesOncePerSource(t *testing.T) {
	m := NewManager(DefaultConfig(), 4)
	src := mustSource(t, "0a000001")

	t1, err := m.TreeFor(src)
	require.NoError(t, err)
	t2, err := m.TreeFor(src)
	require.NoError(t, err)
	assert.Same(t, t1, t2, "second TreeFor for the same source returns the same tree instance")
}

func TestManagerTreeForIsolatesDifferentSources(t *testing.T) {
	m := NewManager(DefaultConfig(), 4)
	a := mustSource(t, "0a000001")
	b := mustSource(t, "0a000002")

	ta, err := m.TreeFor(a)
	require.NoError(t, err)
	tb, err := m.TreeFor(b)
	require.NoError(t, err)
	assert.NotSame(t, ta, tb)
}

func TestManagerDetectAllSkipsSourcesWithNoTree(t *testing.T) {
	m := NewManager(DefaultConfig(), 4)
	unseen := mustSource(t, "0a0000ff")

	out := m.DetectAll([]util.FixedString{unseen})
	assert.Empty(t, out)
}

func TestManagerObserveRejectsNonNumericLocalPart(t *testing.T) {
	m := NewManager(DefaultConfig(), 4)
	src := mustSource(t, "0a000001")

	inserted, err := m.Observe(src, "sip:abc@x.com")
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestManagerObserveInsertsQualifyingURI(t *testing.T) {
	m := NewManager(DefaultConfig(), 4)
	src := mustSource(t, "0a000001")

	inserted, err := m.Observe(src, "sip:0012345@x.com")
	require.NoError(t, err)
	assert.True(t, inserted)

	tree, err := m.TreeFor(src)
	require.NoError(t, err)
	assert.Equal(t, 1, tree.nodes[tree.root].countOfString)
}

func TestManagerDetectAllFiresPerSourceAndReusesDetector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPrefixLength = 10
	cfg.PrefixExaminationThreshold = 2
	cfg.MinLengthCalledNumber = 4

	m := NewManager(cfg, 4)
	src := mustSource(t, "0a000001")

	tree, err := m.TreeFor(src)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, ok := ReversedKey(fmt.Sprintf("sip:%02d000001", i), 4)
		require.True(t, ok)
		tree.Insert(key)
	}

	before := m.detectorFor(src)
	out := m.DetectAll([]util.FixedString{src})
	after := m.detectorFor(src)
	assert.Same(t, before, after, "DetectAll reuses the per-source detector rather than allocating a fresh one")
	assert.Len(t, out, 1)
}
