// Package dnsamp implements the DNS amplification detector (spec §4.5):
// per-(server,target) request/response flow history, byte/packet
// histograms with top-N bucket selection, and a thresholded firing rule
// on amplification ratio and response-size distribution.
package dnsamp

import (
	"fmt"
	"sort"
	"time"

	"github.com/activecm/flowsentry/metrics"
	"github.com/activecm/flowsentry/record"
	"github.com/activecm/flowsentry/util"
)

// Config holds the tunables spec §4.5/§8 names, defaulted the same as
// the original's config_s (see DESIGN.md).
type Config struct {
	PortOfInterest    uint16
	TopN              int
	BucketWidth       uint64
	MinFlows          int
	MinFlowsNorm      float64
	MinAmplification  float64
	MinRespPackets    float64
	MinRespBytes      float64
	MaxQuerBytes      float64
	DetectionWindow   float64 // W_det, seconds
	DeletionWindow    float64 // W_del, seconds
	AlertLogPrefix    string
	AlertLogSuffix    string
}

// DefaultConfig mirrors original_source/dns_amplification's config_s
// defaults.
func DefaultConfig() Config {
	return Config{
		PortOfInterest:   53,
		TopN:             5,
		BucketWidth:      2,
		MinFlows:         300,
		MinFlowsNorm:     0.9,
		MinAmplification: 10,
		MinRespPackets:   2,
		MinRespBytes:     2000,
		MaxQuerBytes:     400,
		DetectionWindow:  900,
		DeletionWindow:   300,
		AlertLogPrefix:   "dns_amp_",
		AlertLogSuffix:   ".log",
	}
}

// Key identifies one (server, target) history, per spec §4.5.
type Key struct {
	Server util.FixedString
	Target util.FixedString
}

// entry is one key's accumulated history.
type entry struct {
	q, r          []flowItem
	totalBytes    [2]uint64 // [0]=query,[1]=response
	totalPackets  [2]uint64
	totalFlows    [2]uint64
	firstT        float64
	lastT         float64
	id            uint64
}

// Alert is the DNS amplification output schema (spec §6).
type Alert struct {
	EventID  uint64
	Server   util.FixedString
	Target   util.FixedString
	Port     uint16
	Flows    uint64
	Packets  uint64
	Bytes    uint64
	TimeFirst float64
	TimeLast  float64
}

// EventIDAllocator is satisfied by the alert package's monotone,
// persisted event-id counter.
type EventIDAllocator interface {
	Next() (uint64, error)
}

// LogRow is one interleaved query/response row written to a firing
// key's log file (spec §4.5: "log the full interleaved query/response
// stream").
type LogRow struct {
	Direction string // "query" | "response"
	Time      float64
	Bytes     uint64
	Packets   uint64
}

// LogWriter persists a firing key's interleaved flow stream.
type LogWriter interface {
	WriteLog(eventID uint64, rows []LogRow) error
}

// Detector holds the live history table and fires Alerts on the
// configured rule.
type Detector struct {
	cfg       Config
	history   map[Key]*entry
	ids       EventIDAllocator
	log       LogWriter
}

func NewDetector(cfg Config, ids EventIDAllocator, log LogWriter) *Detector {
	return &Detector{cfg: cfg, history: make(map[Key]*entry), ids: ids, log: log}
}

// classify applies spec §4.5's direction rule via record.Record's shared
// helper. ok is false when the record touches neither src_port nor
// dst_port == port_of_interest.
func (d *Detector) classify(r record.Record) (key Key, isResponse bool, ok bool) {
	isResponse, server, target, ok := r.IsQueryOrResponse(d.cfg.PortOfInterest)
	if !ok {
		return Key{}, false, false
	}
	return Key{Server: util.NewFixedStringFromIP(server), Target: util.NewFixedStringFromIP(target)}, isResponse, true
}

// Observe ingests one record, updating history and running detection
// and aging as spec §4.5 describes. It returns an Alert when the rule
// fires on this record.
func (d *Detector) Observe(r record.Record) (*Alert, error) {
	if err := r.Validate(); err != nil {
		metrics.RecordMalformed("dnsamp")
		return nil, err
	}

	key, isResponse, ok := d.classify(r)
	if !ok {
		return nil, nil
	}

	t := float64(r.TimeFirst.UnixNano()) / float64(time.Second)
	e, exists := d.history[key]
	if !exists {
		e = &entry{firstT: t, lastT: t}
		d.history[key] = e
	}

	dirIdx := 0
	item := flowItem{t: t, bytes: r.Bytes, packets: r.Packets}
	if isResponse {
		dirIdx = 1
		e.r = append(e.r, item)
	} else {
		e.q = append(e.q, item)
	}
	e.totalBytes[dirIdx] += r.Bytes
	e.totalPackets[dirIdx] += r.Packets
	e.totalFlows[dirIdx]++
	if t > e.lastT {
		e.lastT = t
	}

	var fired *Alert
	if t-e.firstT > d.cfg.DetectionWindow {
		var err error
		fired, err = d.detect(key, e, t)
		if err != nil {
			return nil, err
		}
		d.age(key, e, t)
	}

	return fired, nil
}

// DetectNow runs the detection rule for key immediately against its
// current history, independent of whether a record just arrived. This
// is how the periodic housekeeping pass (spec §5's "receive carries a
// configured timeout to allow periodic housekeeping") drives detection
// for keys whose window closed between records rather than on one.
func (d *Detector) DetectNow(key Key) (*Alert, error) {
	e, ok := d.history[key]
	if !ok {
		return nil, nil
	}
	t := e.lastT
	fired, err := d.detect(key, e, t)
	if err != nil {
		return nil, err
	}
	d.age(key, e, t)
	return fired, nil
}

func (d *Detector) detect(key Key, e *entry, t float64) (*Alert, error) {
	// Only the byte histograms are bucketized by the configured width
	// (spec §4.5 step 1: "Bucketize bytes into fixed-width bins of width
	// q"); packet histograms key directly on the packet count, since
	// packet counts per flow are already small integers.
	qBytes := newHistogram(d.cfg.BucketWidth)
	qPackets := newHistogram(1)
	rBytes := newHistogram(d.cfg.BucketWidth)
	rPackets := newHistogram(1)
	qBytes.addBytes(e.q)
	qPackets.addPackets(e.q)
	rBytes.addBytes(e.r)
	rPackets.addPackets(e.r)

	// Query-packets is built per spec §4.5 step 1 for symmetry with the
	// other three histograms, but none of the step-5 firing conditions
	// read it.
	_ = qPackets

	n := d.cfg.TopN
	qBytesTop := qBytes.topN(n)
	rBytesTop := rBytes.topN(n)
	rPacketsTop := rPackets.topN(n)

	rBytesNorm := rBytes.normalizedSum(rBytesTop)
	rBytesSum := rBytes.sum(rBytesTop)
	rPacketsAvg := rPackets.weightedAverage(rPacketsTop)
	rBytesAvg := rBytes.weightedAverage(rBytesTop)
	qBytesAvg := qBytes.weightedAverage(qBytesTop)
	qBytesKeySum := qBytes.sumKeys(qBytesTop)
	rBytesKeySum := rBytes.sumKeys(rBytesTop)

	if !(rBytesNorm > d.cfg.MinFlowsNorm) {
		return nil, nil
	}
	if !(float64(rBytesSum) > float64(d.cfg.MinFlows)) {
		return nil, nil
	}
	if !(rPacketsAvg > d.cfg.MinRespPackets) {
		return nil, nil
	}
	if !(rBytesAvg > d.cfg.MinRespBytes) {
		return nil, nil
	}
	if !(qBytesAvg < d.cfg.MaxQuerBytes) {
		return nil, nil
	}
	if qBytesKeySum == 0 {
		return nil, nil
	}
	amplification := float64(rBytesKeySum) / float64(qBytesKeySum)
	if !(amplification > d.cfg.MinAmplification) {
		return nil, nil
	}

	id, err := d.ids.Next()
	if err != nil {
		return nil, err
	}
	e.id = id

	if d.log != nil {
		rows := make([]LogRow, 0, len(e.q)+len(e.r))
		for _, it := range e.q {
			rows = append(rows, LogRow{Direction: "query", Time: it.t, Bytes: it.bytes, Packets: it.packets})
		}
		for _, it := range e.r {
			rows = append(rows, LogRow{Direction: "response", Time: it.t, Bytes: it.bytes, Packets: it.packets})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Time < rows[j].Time })
		if err := d.log.WriteLog(id, rows); err != nil {
			return nil, err
		}
	}

	return &Alert{
		EventID:   id,
		Server:    key.Server,
		Target:    key.Target,
		Port:      d.cfg.PortOfInterest,
		Flows:     e.totalFlows[0] + e.totalFlows[1],
		Packets:   e.totalPackets[0] + e.totalPackets[1],
		Bytes:     e.totalBytes[0] + e.totalBytes[1],
		TimeFirst: e.firstT,
		TimeLast:  e.lastT,
	}, nil
}

// age drops entries older than the retained window and deletes the key
// entirely if both vectors empty out (spec §4.5's post-detection aging
// step).
func (d *Detector) age(key Key, e *entry, t float64) {
	cutoff := t - (d.cfg.DetectionWindow - d.cfg.DeletionWindow)
	e.q = ageVector(e.q, cutoff)
	e.r = ageVector(e.r, cutoff)
	if len(e.q) == 0 && len(e.r) == 0 {
		delete(d.history, key)
		return
	}
	e.firstT = minT(e.q, e.r)
}

func ageVector(items []flowItem, cutoff float64) []flowItem {
	out := items[:0]
	for _, it := range items {
		if it.t >= cutoff {
			out = append(out, it)
		}
	}
	return out
}

func minT(q, r []flowItem) float64 {
	var min float64
	first := true
	for _, it := range q {
		if first || it.t < min {
			min = it.t
			first = false
		}
	}
	for _, it := range r {
		if first || it.t < min {
			min = it.t
			first = false
		}
	}
	return min
}

// Sweep deletes keys whose time_last_communication predates the
// detection window (spec §4.5's background sweep).
func (d *Detector) Sweep(now float64) int {
	var removed int
	for k, e := range d.history {
		if now-e.lastT > d.cfg.DetectionWindow {
			delete(d.history, k)
			removed++
		}
	}
	return removed
}

// LogFileName builds the log file path for a firing key per spec §4.5:
// "<ALERT_LOG_PREFIX><event_id><ALERT_LOG_SUFFIX>".
func LogFileName(cfg Config, eventID uint64) string {
	return fmt.Sprintf("%s%d%s", cfg.AlertLogPrefix, eventID, cfg.AlertLogSuffix)
}
