// Package record defines the typed flow-record schema the detector engines
// consume. The bus framework that fills these fields in from wire bytes is
// an external collaborator (see the bus package); this package only owns
// the Go-side shape of a record and the validation the core performs on it.
package record

import (
	"errors"
	"net"
	"time"
)

// DirBit identifies whether a record was observed on the inbound or
// outbound side of the monitored link.
type DirBit uint8

const (
	DirOut DirBit = 0
	DirIn  DirBit = 1
)

var (
	ErrMalformedTimestamp = errors.New("record: unparseable timestamp")
	ErrMalformedAddress   = errors.New("record: missing source or destination address")
	ErrLinkBitNotSingle   = errors.New("record: link_bit_field must have exactly one bit set")
)

// Record is a logical flow or aggregated-timeslot tuple, carrying exactly
// the fields the core detectors read (spec §3/§6). Optional SIP and
// precomputed-entropy fields are zero-valued when the producing variant
// does not populate them.
type Record struct {
	TimeFirst time.Time

	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	Protocol         uint8
	Packets, Bytes   uint64
	TCPFlags         uint8

	// LinkBitField has exactly one bit set, identifying which monitored
	// link this record was captured on.
	LinkBitField uint64
	DirBitField  DirBit

	// Aggregated-PCA variant: precomputed per-bin entropy/flow fields.
	Flows                                               uint64
	EntropySrcIP, EntropyDstIP, EntropySrcPort, EntropyDstPort float32

	// VoIP variant.
	SIP SIPFields
}

// SIPFields holds the VoIP-specific variable-length fields of a record.
type SIPFields struct {
	RequestURI   string
	CalledParty  string
	CallingParty string
	CallID       string
	UserAgent    string
	CSeq         string
	MsgType      uint16
	StatusCode   uint16
}

// Validate checks the invariants the core relies on before admitting a
// record into any detector: a resolvable timestamp, present addresses, and
// a link bitmap with exactly one set bit (spec §3's "link bitmap
// invariant"). Malformed records are the caller's responsibility to count
// and drop (spec §7).
func (r Record) Validate() error {
	if r.TimeFirst.IsZero() {
		return ErrMalformedTimestamp
	}
	if r.SrcIP == nil || r.DstIP == nil {
		return ErrMalformedAddress
	}
	if r.LinkBitField == 0 || r.LinkBitField&(r.LinkBitField-1) != 0 {
		return ErrLinkBitNotSingle
	}
	return nil
}

// LinkIndex returns the 0-based index of the single set bit in
// LinkBitField. Caller must have validated the record first.
func (r Record) LinkIndex() int {
	idx := 0
	bits := r.LinkBitField
	for bits > 1 {
		bits >>= 1
		idx++
	}
	return idx
}

// IsQueryOrResponse classifies a record against a DNS port-of-interest,
// returning (isResponse, server, target, ok) per spec §4.5. ok is false if
// the record belongs to neither direction and should be ignored.
func (r Record) IsQueryOrResponse(portOfInterest uint16) (isResponse bool, server, target net.IP, ok bool) {
	switch {
	case r.SrcPort == portOfInterest:
		return true, r.SrcIP, r.DstIP, true
	case r.DstPort == portOfInterest:
		return false, r.DstIP, r.SrcIP, true
	default:
		return false, nil, nil, false
	}
}
