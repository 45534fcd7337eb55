package voip

import (
	"time"

	"github.com/activecm/flowsentry/util"
)

// CountryStorageSize bounds the per-source learned-country set (spec §3:
// "a small set of learned country codes (capacity COUNTRY_STORAGE_SIZE)").
const CountryStorageSize = 16

// Mode is the country detector's learning/detection state (spec §9,
// SPEC_FULL.md §C), grounded on
// original_source/voip_fraud_detection/country.c's
// countries_detection_mode / countries_power_off_learning_mode.
type Mode int

const (
	ModeLearning Mode = iota
	ModeDetecting
)

// CountryConfig holds the country-detector tunables.
type CountryConfig struct {
	LearningPeriod          time.Duration
	AllowedCountries        []string // global allow-list, each exactly 2 bytes
	DisableSavingNewCountry bool
}

// CountryFinding is the raw country-anomaly detection result, before
// event-id allocation/dedup (handled by the alert package) per spec §6's
// "VoIP country alert" schema.
type CountryFinding struct {
	SrcIP       util.FixedString
	DstIP       util.FixedString
	CountryCode string
	SipFrom     string
	SipTo       string
	UserAgent   string
}

type sourceCountries struct {
	codes []string
}

// countryEquals is the exact 2-byte comparison spec.md's Open Questions
// call out: country codes are not guaranteed null-terminated, so this
// never relies on Go string equality assuming any particular length —
// it checks precisely the first two bytes of each side.
func countryEquals(a, b string) bool {
	if len(a) < 2 || len(b) < 2 {
		return false
	}
	return a[0] == b[0] && a[1] == b[1]
}

func (s *sourceCountries) has(code string) bool {
	for _, c := range s.codes {
		if countryEquals(c, code) {
			return true
		}
	}
	return false
}

func (s *sourceCountries) save(code string) {
	if s.has(code) {
		return
	}
	if len(s.codes) >= CountryStorageSize {
		return
	}
	s.codes = append(s.codes, code[:2])
}

// CountryDetector tracks, per source IP, which response countries have
// been learned, and flags contact with an unlearned, non-globally-allowed
// country while in detection mode.
type CountryDetector struct {
	cfg           CountryConfig
	mode          Mode
	learningUntil time.Time
	sources       map[util.FixedString]*sourceCountries
}

// NewCountryDetector starts in ModeLearning when LearningPeriod > 0,
// otherwise directly in ModeDetecting.
func NewCountryDetector(cfg CountryConfig, now time.Time) *CountryDetector {
	d := &CountryDetector{cfg: cfg, sources: make(map[util.FixedString]*sourceCountries)}
	if cfg.LearningPeriod > 0 {
		d.mode = ModeLearning
		d.learningUntil = now.Add(cfg.LearningPeriod)
	} else {
		d.mode = ModeDetecting
	}
	return d
}

// Tick transitions learning mode to detecting mode once LearningPeriod
// has elapsed (original_source's countries_power_off_learning_mode,
// there driven by a SIGALRM; here polled by the caller's housekeeping
// loop).
func (d *CountryDetector) Tick(now time.Time) {
	if d.mode == ModeLearning && !now.Before(d.learningUntil) {
		d.mode = ModeDetecting
	}
}

func (d *CountryDetector) allowed(code string) bool {
	for _, c := range d.cfg.AllowedCountries {
		if countryEquals(c, code) {
			return true
		}
	}
	return false
}

func (d *CountryDetector) sourceFor(src util.FixedString) *sourceCountries {
	s, ok := d.sources[src]
	if !ok {
		s = &sourceCountries{}
		d.sources[src] = s
	}
	return s
}

// Snapshot returns the currently-learned country codes per source,
// for persisting to the countries file (persistence.SaveCountries).
func (d *CountryDetector) Snapshot() map[util.FixedString][]string {
	out := make(map[util.FixedString][]string, len(d.sources))
	for src, s := range d.sources {
		codes := make([]string, len(s.codes))
		copy(codes, s.codes)
		out[src] = codes
	}
	return out
}

// LoadLearned seeds src's learned-country set, e.g. from a countries
// file read at startup (persistence.LoadCountries).
func (d *CountryDetector) LoadLearned(src util.FixedString, codes []string) {
	s := d.sourceFor(src)
	for _, c := range codes {
		s.save(c)
	}
}

// AllowedCountries returns the configured global allow-list, for
// persisting the countries file's ALLOWED_COUNTRIES= header line.
func (d *CountryDetector) AllowedCountries() []string {
	return d.cfg.AllowedCountries
}

// Observe records one SIP response's resolved country for src, returning
// a finding when src contacts a country that is neither already learned
// nor in the global allow-list, while in detection mode.
func (d *CountryDetector) Observe(src, dst util.FixedString, code, sipFrom, sipTo, userAgent string) (*CountryFinding, bool) {
	if len(code) < 2 {
		return nil, false
	}
	state := d.sourceFor(src)

	if d.mode == ModeLearning {
		state.save(code)
		return nil, false
	}

	if state.has(code) {
		return nil, false
	}
	if d.allowed(code) {
		return nil, false
	}

	finding := &CountryFinding{
		SrcIP:       src,
		DstIP:       dst,
		CountryCode: code[:2],
		SipFrom:     sipFrom,
		SipTo:       sipTo,
		UserAgent:   userAgent,
	}

	if !d.cfg.DisableSavingNewCountry {
		state.save(code)
	}

	return finding, true
}
