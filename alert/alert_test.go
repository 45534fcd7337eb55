package alert

import (
	"testing"

	"github.com/activecm/flowsentry/util"
	"github.com/activecm/flowsentry/voip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	n uint64
}

func (c *counter) Next() (uint64, error) {
	c.n++
	return c.n, nil
}

func TestEncodeAllocatesFreshEventIDPerAttack(t *testing.T) {
	e := NewEncoder(&counter{}, 300)

	r1, err := e.Encode(TypeVoIPPrefix, mustFixed(t, "0a000001"), util.FixedString{}, 100, "0001@x.com", nil)
	require.NoError(t, err)
	assert.False(t, r1.Continuation)
	assert.Equal(t, uint64(1), r1.EventID)

	r2, err := e.Encode(TypeVoIPPrefix, mustFixed(t, "0a000002"), util.FixedString{}, 105, "0001@x.com", nil)
	require.NoError(t, err)
	assert.False(t, r2.Continuation)
	assert.Equal(t, uint64(2), r2.EventID, "different source, different event_id, even with the same signature")
}

func TestEncodeContinuesWithinPauseWindow(t *testing.T) {
	e := NewEncoder(&counter{}, 300)
	src := mustFixed(t, "0a000001")

	r1, err := e.Encode(TypeVoIPPrefix, src, util.FixedString{}, 100, "0001@x.com", nil)
	require.NoError(t, err)
	require.False(t, r1.Continuation)

	r2, err := e.Encode(TypeVoIPPrefix, src, util.FixedString{}, 150, "0001@x.com", nil)
	require.NoError(t, err)
	assert.True(t, r2.Continuation)
	assert.Equal(t, r1.EventID, r2.EventID)
}

func TestEncodeNewAttackAfterPauseWindowElapses(t *testing.T) {
	e := NewEncoder(&counter{}, 300)
	src := mustFixed(t, "0a000001")

	r1, err := e.Encode(TypeVoIPPrefix, src, util.FixedString{}, 100, "0001@x.com", nil)
	require.NoError(t, err)

	r2, err := e.Encode(TypeVoIPPrefix, src, util.FixedString{}, 500, "0001@x.com", nil)
	require.NoError(t, err)
	assert.False(t, r2.Continuation)
	assert.NotEqual(t, r1.EventID, r2.EventID)
}

func TestEncodeNewAttackOnSignatureChange(t *testing.T) {
	e := NewEncoder(&counter{}, 300)
	src := mustFixed(t, "0a000001")

	r1, err := e.Encode(TypeVoIPPrefix, src, util.FixedString{}, 100, "0001@x.com", nil)
	require.NoError(t, err)

	r2, err := e.Encode(TypeVoIPPrefix, src, util.FixedString{}, 150, "0002@x.com", nil)
	require.NoError(t, err)
	assert.False(t, r2.Continuation)
	assert.NotEqual(t, r1.EventID, r2.EventID)
}

func TestEncodeVoIPPrefixUsesSipToAsSignature(t *testing.T) {
	e := NewEncoder(&counter{}, 300)
	src := mustFixed(t, "0a000001")

	f1 := &voip.PrefixFinding{SipTo: "1000002"}
	r1, err := e.EncodeVoIPPrefix(src, 100, f1)
	require.NoError(t, err)
	require.False(t, r1.Continuation)

	f2 := &voip.PrefixFinding{SipTo: "1000002"}
	r2, err := e.EncodeVoIPPrefix(src, 120, f2)
	require.NoError(t, err)
	assert.True(t, r2.Continuation)
	assert.Equal(t, r1.EventID, r2.EventID)
}

func TestEncodeVoIPCountryUsesCountryCodeAsSignature(t *testing.T) {
	e := NewEncoder(&counter{}, 300)
	src := mustFixed(t, "0a000001")
	dst := mustFixed(t, "0a000002")

	f1 := &voip.CountryFinding{SrcIP: src, DstIP: dst, CountryCode: "DE"}
	r1, err := e.EncodeVoIPCountry(100, f1)
	require.NoError(t, err)
	require.False(t, r1.Continuation)

	f2 := &voip.CountryFinding{SrcIP: src, DstIP: dst, CountryCode: "FR"}
	r2, err := e.EncodeVoIPCountry(120, f2)
	require.NoError(t, err)
	assert.False(t, r2.Continuation, "different country code is a different attack signature")
}

func mustFixed(t *testing.T, hex string) util.FixedString {
	t.Helper()
	fs, err := util.NewFixedStringFromHex(hex)
	require.NoError(t, err)
	return fs
}
