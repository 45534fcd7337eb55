package persistence

import (
	"net"
	"testing"

	"github.com/activecm/flowsentry/util"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCounterStorePersistsAcrossReload(t *testing.T) {
	fs := afero.NewMemMapFs()

	s1, err := NewFileCounterStore(fs, "/state/event_id")
	require.NoError(t, err)

	n1, err := s1.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n1)
	n2, err := s1.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n2)

	s2, err := NewFileCounterStore(fs, "/state/event_id")
	require.NoError(t, err)
	n3, err := s2.Next()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n3, "counter resumes from the persisted value, not from 0")
}

func TestNewCounterStoreDefaultsToFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	store, err := NewCounterStore("", fs, "/state/event_id", nil, "")
	require.NoError(t, err)
	_, ok := store.(*FileCounterStore)
	assert.True(t, ok)
}

func TestNewCounterStoreRedisWithoutClientErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := NewCounterStore("redis", fs, "/state/event_id", nil, "flowsentry:event_id")
	assert.Error(t, err)
}

func TestCountriesFileRoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()

	srcA := util.NewFixedStringFromIP(net.ParseIP("10.0.0.1"))
	srcB := util.NewFixedStringFromIP(net.ParseIP("10.0.0.2"))
	bySource := map[util.FixedString][]string{
		srcA: {"CZ", "SK"},
		srcB: {"DE"},
	}
	allowed := []string{"US", "GB"}

	require.NoError(t, SaveCountries(fs, "/state/countries", allowed, bySource))

	gotAllowed, gotBySource, err := LoadCountries(fs, "/state/countries")
	require.NoError(t, err)
	assert.ElementsMatch(t, allowed, gotAllowed)
	require.Len(t, gotBySource, 2)
	for src, codes := range bySource {
		assert.ElementsMatch(t, codes, gotBySource[src])
	}
}

func TestLoadCountriesRejectsUnrecognizedLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/countries", []byte("not a valid line\n"), 0o644))

	_, _, err := LoadCountries(fs, "/state/countries")
	assert.Error(t, err)
}

func TestLoadCountriesRejectsCountryListWithoutIP(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/state/countries", []byte("ALLOWED_COUNTRIES=US:\n=CZ:\n"), 0o644))

	_, _, err := LoadCountries(fs, "/state/countries")
	assert.Error(t, err)
}

func TestWriterWritesHeaderOnceThenAppends(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewWriter(fs, 1, nil)

	w.Submit(WriteJob{Path: "/logs/dns_amp_1.log", Header: []byte("h\n"), Row: []byte("row1\n")})
	w.Submit(WriteJob{Path: "/logs/dns_amp_1.log", Header: []byte("h\n"), Row: []byte("row2\n")})
	require.NoError(t, w.Close())

	data, err := afero.ReadFile(fs, "/logs/dns_amp_1.log")
	require.NoError(t, err)
	assert.Equal(t, "h\nrow1\nrow2\n", string(data))
}
