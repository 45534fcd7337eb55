package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/activecm/flowsentry/record"
	"github.com/spf13/afero"
)

// wireRecord is the newline-delimited JSON shape the `replay` command
// reads (spec §6's typed fields, carried as JSON rather than the real
// bus's binary wire codec — that codec is an external collaborator per
// bus/bus.go's doc comment, so a test/demo harness needs its own
// serialization). One JSON object per line.
type wireRecord struct {
	TimeFirst string `json:"time_first"` // RFC3339Nano

	SrcIP    string `json:"src_ip"`
	DstIP    string `json:"dst_ip"`
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
	Protocol uint8  `json:"protocol"`
	Packets  uint64 `json:"packets"`
	Bytes    uint64 `json:"bytes"`
	TCPFlags uint8  `json:"tcp_flags"`

	LinkBitField uint64 `json:"link_bit_field"`
	DirBitField  uint8  `json:"dir_bit_field"`

	// Aggregated-PCA variant.
	Flows          uint64  `json:"flows"`
	EntropySrcIP   float32 `json:"entropy_src_ip"`
	EntropyDstIP   float32 `json:"entropy_dst_ip"`
	EntropySrcPort float32 `json:"entropy_src_port"`
	EntropyDstPort float32 `json:"entropy_dst_port"`

	// VoIP variant.
	SIP *wireSIP `json:"sip,omitempty"`

	// CountryCode is the response country for this record's src/dst pair,
	// as resolved by whatever upstream enrichment stage sits in front of
	// the bus (spec.md never describes a geo-IP lookup inside the core —
	// §3 treats the per-source learned-country set as already holding
	// resolved codes — so the replay wire format carries it as a plain
	// pre-resolved field, the same way it already assumes pre-computed
	// entropy features for the aggregated-PCA variant). Empty when this
	// record carries no country-anomaly signal.
	CountryCode string `json:"country_code,omitempty"`
}

type wireSIP struct {
	RequestURI   string `json:"request_uri"`
	CalledParty  string `json:"called_party"`
	CallingParty string `json:"calling_party"`
	CallID       string `json:"call_id"`
	UserAgent    string `json:"user_agent"`
	CSeq         string `json:"cseq"`
	MsgType      uint16 `json:"msg_type"`
	StatusCode   uint16 `json:"status_code"`
}

func (w wireRecord) toRecord() (record.Record, error) {
	t, err := time.Parse(time.RFC3339Nano, w.TimeFirst)
	if err != nil {
		return record.Record{}, fmt.Errorf("record_wire: time_first: %w", err)
	}
	srcIP := net.ParseIP(w.SrcIP)
	dstIP := net.ParseIP(w.DstIP)

	r := record.Record{
		TimeFirst:      t,
		SrcIP:          srcIP,
		DstIP:          dstIP,
		SrcPort:        w.SrcPort,
		DstPort:        w.DstPort,
		Protocol:       w.Protocol,
		Packets:        w.Packets,
		Bytes:          w.Bytes,
		TCPFlags:       w.TCPFlags,
		LinkBitField:   w.LinkBitField,
		DirBitField:    record.DirBit(w.DirBitField),
		Flows:          w.Flows,
		EntropySrcIP:   w.EntropySrcIP,
		EntropyDstIP:   w.EntropyDstIP,
		EntropySrcPort: w.EntropySrcPort,
		EntropyDstPort: w.EntropyDstPort,
	}
	if w.SIP != nil {
		r.SIP = record.SIPFields{
			RequestURI:   w.SIP.RequestURI,
			CalledParty:  w.SIP.CalledParty,
			CallingParty: w.SIP.CallingParty,
			CallID:       w.SIP.CallID,
			UserAgent:    w.SIP.UserAgent,
			CSeq:         w.SIP.CSeq,
			MsgType:      w.SIP.MsgType,
			StatusCode:   w.SIP.StatusCode,
		}
	}
	return r, nil
}

// loadWireRecords reads every NDJSON line at path into a wireRecord,
// preserving file order (detectors require input-order processing, spec
// §5).
func loadWireRecords(fs afero.Fs, path string) ([]wireRecord, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []wireRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w wireRecord
		if err := json.Unmarshal(line, &w); err != nil {
			return nil, fmt.Errorf("record_wire: line %d: %w", lineNo, err)
		}
		out = append(out, w)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
