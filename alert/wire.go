package alert

import (
	"github.com/activecm/flowsentry/dnsamp"
	"github.com/activecm/flowsentry/metrics"
	"github.com/activecm/flowsentry/util"
	"github.com/activecm/flowsentry/voip"
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// EncodeVoIPPrefix wraps a raw prefix-examination finding into an
// alert Record. The dedup signature is the reconstructed offending
// suffix itself (spec §4.7: "suffix portion of the offending URI past
// prefix_length") — composeSipTo already reconstructs exactly that
// suffix, so no further trimming is needed here.
func (e *Encoder) EncodeVoIPPrefix(src util.FixedString, detectionTime float64, f *voip.PrefixFinding) (*Record, error) {
	return e.Encode(TypeVoIPPrefix, src, util.FixedString{}, detectionTime, f.SipTo, f)
}

// EncodeVoIPCountry wraps a raw country-anomaly finding into an alert
// Record. The dedup signature is the offending country code (spec
// §4.7).
func (e *Encoder) EncodeVoIPCountry(detectionTime float64, f *voip.CountryFinding) (*Record, error) {
	return e.Encode(TypeVoIPCountry, f.SrcIP, f.DstIP, detectionTime, f.CountryCode, f)
}

// EncodeDNSAmp wraps a DNS-amplification Alert. dnsamp already
// allocates its own event_id (it owns its per-key log file, named
// after event_id, written before the wrapping record is built) and
// has no continuation concept in spec §4.5 — amplification keys age
// out and are re-detected as fresh attacks rather than deduped by
// signature, so this is a plain wrap, not a call to Encode.
func EncodeDNSAmp(detectionTime float64, a *dnsamp.Alert) *Record {
	metrics.RecordAlert(string(TypeDNSAmp), false)
	return &Record{
		EventID:       a.EventID,
		Type:          TypeDNSAmp,
		SrcIP:         a.Server,
		DstIP:         a.Target,
		DetectionTime: detectionTime,
		UUID:          uuid.New(),
		TraceID:       xid.New().String(),
		Payload:       a,
	}
}
