package voip

import (
	"github.com/activecm/flowsentry/cuckoo"
	"github.com/activecm/flowsentry/metrics"
	"github.com/activecm/flowsentry/util"
)

// Manager owns one suffix Tree per source IP, dispatched through a
// cuckoo hash table rather than a plain Go map — spec.md's intro
// names the cuckoo table as core substrate shared by "blacklist
// filters, spoofing filters, and the VoIP-fraud detector," and this is
// that detector's per-source state table.
type Manager struct {
	tables    *cuckoo.Table[util.FixedString, *Tree]
	detectors map[util.FixedString]*Detector
	cfg       Config
}

// NewManager starts an empty per-source table sized for initialCapacity
// sources, growing (cuckoo rehash) as new sources appear.
func NewManager(cfg Config, initialCapacity int) *Manager {
	h1, h2 := cuckoo.FixedStringKeyHashes()
	tables := cuckoo.New[util.FixedString, *Tree](initialCapacity, h1, h2)
	tables.OnRehash = func(int) { metrics.RecordRehash("voip_source_trees") }
	return &Manager{tables: tables, detectors: make(map[util.FixedString]*Detector), cfg: cfg}
}

// TreeFor returns src's suffix tree, allocating one on first contact.
func (m *Manager) TreeFor(src util.FixedString) (*Tree, error) {
	if t, ok := m.tables.Get(src); ok {
		return t, nil
	}
	t := NewTree()
	if _, err := m.tables.Insert(src, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Observe inserts one SIP INVITE's called-party URI into src's tree,
// reversed for suffix-sharing (spec §4.6). inserted is false when the URI
// doesn't qualify (too short, non-numeric local part) — counted as a
// malformed record rather than silently ignored (spec §7).
func (m *Manager) Observe(src util.FixedString, calledPartyURI string) (inserted bool, err error) {
	key, ok := ReversedKey(calledPartyURI, m.cfg.MinLengthCalledNumber)
	if !ok {
		metrics.RecordMalformed("voip")
		return false, nil
	}
	t, err := m.TreeFor(src)
	if err != nil {
		return false, err
	}
	t.Insert(key)
	return true, nil
}

// ObserveMessage inserts one SIP message's called-party URI into src's
// tree (like Observe) and additionally records the message/response type
// and Call-ID/User-Agent fingerprints on the terminal node, populating
// the per-node counters Detector.minusDetection reads to tell a
// legitimate completed call (INVITE+OK+ACK) from a probing one (spec
// §4.6). callIDHash/userAgentHash of 0 mean "not present on this
// message" and are skipped.
func (m *Manager) ObserveMessage(src util.FixedString, calledPartyURI string, msgType, statusCode uint16, callIDHash, userAgentHash uint32) (inserted bool, err error) {
	key, ok := ReversedKey(calledPartyURI, m.cfg.MinLengthCalledNumber)
	if !ok {
		metrics.RecordMalformed("voip")
		return false, nil
	}
	t, err := m.TreeFor(src)
	if err != nil {
		return false, err
	}
	data := t.Insert(key)
	data.RecordMessage(msgType, statusCode)
	if userAgentHash != 0 {
		data.UserAgentHash = userAgentHash
	}
	if callIDHash != 0 {
		data.AddCallID(callIDHash)
	}
	return true, nil
}

// Finding pairs a fired prefix-examination alert with the source it fired
// for, since DetectAll sweeps every tracked source in one pass.
type Finding struct {
	Src     util.FixedString
	Finding *PrefixFinding
}

// detectorFor returns src's Detector, allocating one on first contact. Kept
// per source (rather than built fresh per call) so its safe-subtree cache
// carries the intended per-source meaning, even though Detect clears the
// cache at the start of every pass.
func (m *Manager) detectorFor(src util.FixedString) *Detector {
	if d, ok := m.detectors[src]; ok {
		return d
	}
	d := NewDetector(m.cfg)
	m.detectors[src] = d
	return d
}

// DetectAll runs one prefix-examination detection pass per source,
// returning every alert fired this pass (spec §4.6's periodic
// detection, applied across all tracked sources).
func (m *Manager) DetectAll(sources []util.FixedString) []Finding {
	var out []Finding
	for _, src := range sources {
		t, ok := m.tables.Get(src)
		if !ok {
			continue
		}
		d := m.detectorFor(src)
		if finding, fired := d.Detect(t); fired {
			out = append(out, Finding{Src: src, Finding: finding})
		}
	}
	return out
}
