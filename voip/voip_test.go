package voip

import (
	"fmt"
	"testing"
	"time"

	"github.com/activecm/flowsentry/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReversedKeyRejectsNonNumericLocalPart(t *testing.T) {
	_, ok := ReversedKey("sip:abc@x.com", 4)
	assert.False(t, ok)
}

func TestReversedKeyRejectsTooShort(t *testing.T) {
	_, ok := ReversedKey("sip:12@x.com", 4)
	assert.False(t, ok)
}

func TestReversedKeyStripsSchemeAndParams(t *testing.T) {
	key, ok := ReversedKey("sips:0042011234;transport=tcp", 4)
	require.True(t, ok)
	assert.Equal(t, reverseString("0042011234"), key)
}

func TestTreeInsertCountOfString(t *testing.T) {
	tree := NewTree()
	k1, ok := ReversedKey("sip:0012345", 4)
	require.True(t, ok)
	tree.Insert(k1)
	k2, ok := ReversedKey("sip:0012346", 4)
	require.True(t, ok)
	tree.Insert(k2)

	assert.Equal(t, 2, tree.nodes[tree.root].countOfString)
}

func TestTreeInsertSameStringTwiceLeavesCountUnchanged(t *testing.T) {
	tree := NewTree()
	k, ok := ReversedKey("sip:0012345", 4)
	require.True(t, ok)

	tree.Insert(k)
	before := tree.nodes[tree.root].countOfString

	tree.Insert(k)
	after := tree.nodes[tree.root].countOfString

	assert.Equal(t, before, after)
	assert.Equal(t, 1, before)
}

func TestCallIDRingFIFOBehavior(t *testing.T) {
	d := newNodeData()
	for i := uint32(1); i < uint32(MaxCallIDStorageSize); i++ {
		d.AddCallID(i)
	}
	assert.True(t, d.HasCallID(1))
	assert.False(t, d.callIDFull)

	// this insert fills the ring exactly and wraps the insert cursor
	d.AddCallID(uint32(MaxCallIDStorageSize))
	assert.True(t, d.callIDFull)

	// ring is full; the next insert FIFO-overwrites slot 0 (call-ID 1)
	d.AddCallID(uint32(MaxCallIDStorageSize) + 1)
	assert.False(t, d.HasCallID(1))
	assert.True(t, d.HasCallID(uint32(MaxCallIDStorageSize)+1))
}

func TestSafeCacheEvictsDescendantsAndFIFOOverwrites(t *testing.T) {
	tree := NewTree()
	a := tree.alloc(tree.root, 'a')
	tree.nodes[tree.root].children['a'] = a
	b := tree.alloc(a, 'b')
	tree.nodes[a].children['b'] = b

	cache := newSafeCache(2)
	cache.Save(tree, b) // cache the descendant first
	assert.True(t, cache.Contains(tree, b))

	cache.Save(tree, a) // a's save should evict b (its descendant)
	assert.True(t, cache.Contains(tree, a))
	assert.True(t, cache.Contains(tree, b)) // still "contained" via ancestor a

	require.Len(t, cache.entries, 1)

	c := tree.alloc(tree.root, 'c')
	cache.Save(tree, c)
	require.Len(t, cache.entries, 2)

	// cache now full (max=2); next save FIFO-overwrites the oldest slot
	d := tree.alloc(tree.root, 'd')
	cache.Save(tree, d)
	require.Len(t, cache.entries, 2)
	assert.False(t, cache.Contains(tree, a))
	assert.True(t, cache.Contains(tree, c))
	assert.True(t, cache.Contains(tree, d))
}

// buildSharedSuffixTree inserts n called-party numbers that share a
// common tail (the attack pattern prefix-examination targets per the
// GLOSSARY: "numbers that share a common suffix"), varying only a
// leading two-digit prefix 01..n. No domain/'@' is present, keeping the
// walk-up-to-boundary length within max_prefix_length so the shared
// ancestor is reached directly at the tree root.
func buildSharedSuffixTree(t *testing.T, n int) (*Tree, []string) {
	t.Helper()
	tree := NewTree()
	var keys []string
	for i := 1; i <= n; i++ {
		number := fmt.Sprintf("%02d000001", i)
		key, ok := ReversedKey("sip:"+number, 4)
		require.True(t, ok)
		data := tree.Insert(key)
		data.InviteCount++
		data.AckCount++
		keys = append(keys, key)
	}
	return tree, keys
}

func TestPrefixExaminationFiresOnSharedSuffix(t *testing.T) {
	tree, _ := buildSharedSuffixTree(t, 50)

	cfg := DefaultConfig()
	cfg.MaxPrefixLength = 10
	cfg.PrefixExaminationThreshold = 10
	d := NewDetector(cfg)

	finding, fired := d.Detect(tree)
	require.True(t, fired)
	assert.Equal(t, 50, finding.PrefixExaminationCount)
	assert.Equal(t, 0, finding.SuccessfulCallCount)

	// second pass immediately after: subtree was deleted, no more firing
	finding2, fired2 := d.Detect(tree)
	assert.False(t, fired2)
	assert.Nil(t, finding2)
}

func TestPrefixExaminationExcludesSuccessfulCalls(t *testing.T) {
	tree, keys := buildSharedSuffixTree(t, 20)

	// mark half the calls as successfully answered
	for i, key := range keys {
		if i%2 == 0 {
			cur := tree.root
			for j := 0; j < len(key); j++ {
				cur = tree.nodes[cur].children[key[j]]
			}
			tree.nodes[cur].data.OkCount = 1
		}
	}

	cfg := DefaultConfig()
	cfg.MaxPrefixLength = 10
	cfg.PrefixExaminationThreshold = 5
	d := NewDetector(cfg)

	finding, fired := d.Detect(tree)
	require.True(t, fired)
	assert.Equal(t, 10, finding.SuccessfulCallCount)
	assert.Equal(t, 10, finding.PrefixExaminationCount)
}

func TestCountryDetectorLearnsThenFlagsUnseenCountry(t *testing.T) {
	now := time.Now()
	cfg := CountryConfig{LearningPeriod: time.Hour, AllowedCountries: []string{"US"}}
	d := NewCountryDetector(cfg, now)

	src, err := util.NewFixedStringFromHex("0a000001000000000000000000000000")
	require.NoError(t, err)
	dst, err := util.NewFixedStringFromHex("0a000002000000000000000000000000")
	require.NoError(t, err)

	finding, fired := d.Observe(src, dst, "CZ", "sip:alice", "sip:bob", "PJSIP")
	assert.False(t, fired)
	assert.Nil(t, finding)

	d.Tick(now.Add(2 * time.Hour))

	finding, fired = d.Observe(src, dst, "DE", "sip:alice", "sip:bob", "PJSIP")
	require.True(t, fired)
	assert.Equal(t, "DE", finding.CountryCode)

	// same country again: already learned from the first detection-mode
	// firing, no repeat alert
	finding, fired = d.Observe(src, dst, "DE", "sip:alice", "sip:bob", "PJSIP")
	assert.False(t, fired)
	assert.Nil(t, finding)

	// globally allowed country never fires, even unseen
	finding, fired = d.Observe(src, dst, "US", "sip:alice", "sip:bob", "PJSIP")
	assert.False(t, fired)
	assert.Nil(t, finding)
}

func TestCountryEqualsComparesExactlyTwoBytes(t *testing.T) {
	assert.True(t, countryEquals("CZ", "CZ"))
	assert.True(t, countryEquals("CZX", "CZ")) // only first 2 bytes compared
	assert.False(t, countryEquals("C", "CZ"))
}
