// Package alert implements the shared alert envelope described in
// spec §4.7: a monotonic persisted event-id, a continuation/dedup
// decision applied uniformly across detectors, and per-firing
// correlation identifiers.
package alert

import (
	"sync"

	"github.com/activecm/flowsentry/metrics"
	"github.com/activecm/flowsentry/util"
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// EventIDAllocator hands out the monotone, persisted event_id counter
// spec §4.7 names. Concrete implementations (file- or Redis-backed)
// live in the persistence package; dnsamp.EventIDAllocator is the same
// shape so one store backs every detector.
type EventIDAllocator interface {
	Next() (uint64, error)
}

// Type tags which detector produced an alert, used in the encoded
// record and to scope continuation tracking per source per detector.
type Type string

const (
	TypeVolumePCA   Type = "volume_pca"
	TypeDNSAmp      Type = "dns_amplification"
	TypeVoIPPrefix  Type = "voip_prefix_examination"
	TypeVoIPCountry Type = "voip_country"
)

// Record is the common alert envelope wrapping a detector-specific
// payload (spec §4.7, §6's per-schema field lists).
type Record struct {
	EventID       uint64
	Continuation  bool
	Type          Type
	SrcIP         util.FixedString
	DstIP         util.FixedString // zero value when the schema has no destination (volume PCA, DNS amp's target is carried in Payload instead)
	DetectionTime float64

	// UUID identifies this specific firing instance, distinct from
	// EventID (which is stable across a continuation chain). Mirrors
	// the teacher's per-record NUID tagging (importer/conn.go's
	// SrcNUID/DstNUID).
	UUID uuid.UUID
	// TraceID is a short, time-sortable, non-persistent id for
	// correlating this firing's log lines, distinct from the
	// persisted EventID.
	TraceID string

	Payload any
}

type trackKey struct {
	src util.FixedString
	typ Type
}

type trackState struct {
	eventID  uint64
	sig      string
	firedAt  float64
}

// Encoder assigns event ids and continuation status to raw detector
// findings (spec §4.7). One Encoder instance is shared by all detector
// modules in a process so event ids are allocated from a single
// counter.
type Encoder struct {
	ids              EventIDAllocator
	pauseAfterAttack float64

	mu    sync.Mutex
	track map[trackKey]trackState
}

func NewEncoder(ids EventIDAllocator, pauseAfterAttack float64) *Encoder {
	return &Encoder{ids: ids, pauseAfterAttack: pauseAfterAttack, track: make(map[trackKey]trackState)}
}

// Encode assigns an event_id (reusing the prior one as a continuation
// when signature and timing both match spec §4.7's dedup rule) and
// wraps payload into a Record.
//
// signature is the detector's notion of "same logical attack": the
// reconstructed offending suffix for VoIP prefix-examination, or the
// offending country code for the VoIP country detector. src scopes
// continuation tracking per source IP per detector type, matching
// spec §4.7's "consecutive firings ... from the same source."
func (e *Encoder) Encode(typ Type, src, dst util.FixedString, detectionTime float64, signature string, payload any) (*Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := trackKey{src: src, typ: typ}
	prev, seen := e.track[key]

	var eventID uint64
	var continuation bool
	if seen && prev.sig == signature && detectionTime-prev.firedAt < e.pauseAfterAttack {
		eventID = prev.eventID
		continuation = true
	} else {
		id, err := e.ids.Next()
		if err != nil {
			return nil, err
		}
		eventID = id
	}

	e.track[key] = trackState{eventID: eventID, sig: signature, firedAt: detectionTime}
	metrics.RecordAlert(string(typ), continuation)

	return &Record{
		EventID:       eventID,
		Continuation:  continuation,
		Type:          typ,
		SrcIP:         src,
		DstIP:         dst,
		DetectionTime: detectionTime,
		UUID:          uuid.New(),
		TraceID:       xid.New().String(),
		Payload:       payload,
	}, nil
}
