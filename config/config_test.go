package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigReturnsDefaultWhenFileMissing(t *testing.T) {
	afs := afero.NewMemMapFs()
	cfg, err := LoadConfig(afs, "/etc/flowsentry.conf")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoadConfigParsesSpecKeys(t *testing.T) {
	afs := afero.NewMemMapFs()
	contents := `# comment
link count=2
links=eth0,eth1,
agregation=flows,packets,bytes,
window size=20
tolerance=2
preprocessing=yes
td match=exact
td selector=3
`
	require.NoError(t, afero.WriteFile(afs, "/etc/flowsentry.conf", []byte(contents), 0o644))

	cfg, err := LoadConfig(afs, "/etc/flowsentry.conf")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.LinkCount)
	assert.Equal(t, []string{"eth0", "eth1"}, cfg.Links)
	assert.Equal(t, []string{"flows", "packets", "bytes"}, cfg.Aggregation)
	assert.Equal(t, 20, cfg.WindowSize)
	assert.Equal(t, 2, cfg.Tolerance)
	assert.True(t, cfg.Preprocessing)
	assert.Equal(t, "exact", cfg.TDMatch)
	assert.Equal(t, uint64(3), cfg.TDSelector)
}

func TestLoadConfigRejectsUnrecognizedKey(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/etc/flowsentry.conf", []byte("bogus key=1\n"), 0o644))

	_, err := LoadConfig(afs, "/etc/flowsentry.conf")
	assert.Error(t, err)
}

func TestLoadConfigRejectsMismatchedLinkNameCount(t *testing.T) {
	afs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(afs, "/etc/flowsentry.conf", []byte("link count=2\nlinks=eth0,\n"), 0o644))

	_, err := LoadConfig(afs, "/etc/flowsentry.conf")
	assert.Error(t, err, "links must list exactly link_count names")
}

func TestSaveConfigThenLoadConfigRoundTrips(t *testing.T) {
	afs := afero.NewMemMapFs()
	cfg := DefaultConfig()
	cfg.LinkCount = 3
	cfg.Links = []string{"a", "b", "c"}

	require.NoError(t, SaveConfig(afs, "/etc/flowsentry.conf", &cfg))

	loaded, err := LoadConfig(afs, "/etc/flowsentry.conf")
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}
