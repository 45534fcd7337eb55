package cmd

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWireRecordToRecord(t *testing.T) {
	w := wireRecord{
		TimeFirst:    "2026-01-02T03:04:05.5Z",
		SrcIP:        "10.0.0.1",
		DstIP:        "10.0.0.2",
		SrcPort:      53,
		DstPort:      12345,
		Protocol:     17,
		Packets:      4,
		Bytes:        512,
		LinkBitField: 1,
		DirBitField:  1,
		CountryCode:  "CZ",
		SIP: &wireSIP{
			CallID:     "abc123",
			MsgType:    1,
			StatusCode: 200,
		},
	}

	r, err := w.toRecord()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", r.SrcIP.String())
	assert.Equal(t, "10.0.0.2", r.DstIP.String())
	assert.Equal(t, uint16(53), r.SrcPort)
	assert.Equal(t, uint64(4), r.Packets)
	assert.Equal(t, "abc123", r.SIP.CallID)
	assert.Equal(t, uint16(200), r.SIP.StatusCode)
}

func TestWireRecordToRecordRejectsBadTimestamp(t *testing.T) {
	w := wireRecord{TimeFirst: "not-a-time", SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}
	_, err := w.toRecord()
	assert.Error(t, err)
}

func TestLoadWireRecordsPreservesOrderAndSkipsBlankLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := `{"time_first":"2026-01-02T03:04:05Z","src_ip":"10.0.0.1","dst_ip":"10.0.0.2"}
{"time_first":"2026-01-02T03:04:06Z","src_ip":"10.0.0.3","dst_ip":"10.0.0.4"}
`
	require.NoError(t, afero.WriteFile(fs, "/flows.ndjson", []byte(data), 0644))

	records, err := loadWireRecords(fs, "/flows.ndjson")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "10.0.0.1", records[0].SrcIP)
	assert.Equal(t, "10.0.0.3", records[1].SrcIP)
}

func TestLoadWireRecordsRejectsMalformedLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/flows.ndjson", []byte("not json\n"), 0644))

	_, err := loadWireRecords(fs, "/flows.ndjson")
	assert.Error(t, err)
}

func TestLoadWireRecordsMissingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := loadWireRecords(fs, "/missing.ndjson")
	assert.Error(t, err)
}
