package persistence

import (
	"fmt"
	"strconv"

	"github.com/activecm/flowsentry/dnsamp"
)

// DNSAmpLogWriter adapts Writer to dnsamp.LogWriter, naming each
// firing key's log file per spec §4.5's
// "<ALERT_LOG_PREFIX><event_id><ALERT_LOG_SUFFIX>" rule.
type DNSAmpLogWriter struct {
	w      *Writer
	prefix string
	suffix string
}

func NewDNSAmpLogWriter(w *Writer, prefix, suffix string) *DNSAmpLogWriter {
	return &DNSAmpLogWriter{w: w, prefix: prefix, suffix: suffix}
}

var dnsAmpLogHeader = []byte("direction,time,bytes,packets\n")

func (d *DNSAmpLogWriter) WriteLog(eventID uint64, rows []dnsamp.LogRow) error {
	path := fmt.Sprintf("%s%d%s", d.prefix, eventID, d.suffix)
	for _, r := range rows {
		row := FormatRow(r.Direction, strconv.FormatFloat(r.Time, 'f', 6, 64), strconv.FormatUint(r.Bytes, 10), strconv.FormatUint(r.Packets, 10))
		d.w.Submit(WriteJob{Path: path, Header: dnsAmpLogHeader, Row: row})
	}
	return nil
}
