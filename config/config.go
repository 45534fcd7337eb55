package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/activecm/flowsentry/logger"
	"github.com/activecm/flowsentry/util"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
)

const DefaultConfigPath = "./flowsentry.conf"

// Config is flowsentry's parsed, validated settings: the timebin/PCA
// tunables spec §6 names by key, plus the bus, per-detector, and
// persistence settings SPEC_FULL.md §A.2 adds on top.
type Config struct {
	// spec §6's literal keys.
	LinkCount     int      `validate:"required,gte=1"`
	Links         []string `validate:"required,link_names"`
	Aggregation   []string `validate:"required,agg_features"`
	WindowSize    int      `validate:"gte=1"`
	Tolerance     int      `validate:"gte=0"`
	Preprocessing bool
	TDMatch       string `validate:"omitempty,oneof=any exact"`
	TDSelector    uint64

	// BinWidth is Δ, the fixed wall-clock width of one time bin (spec
	// §3/§4.2). Not one of spec §6's named keys (the distillation left the
	// bin dispatcher's own tunable out of its config key list), but the
	// dispatcher cannot run without it, so SPEC_FULL.md adds it here.
	BinWidth time.Duration `validate:"gt=0"`

	// Sketch+PCA detector (§4.3): bank shape and per-hash row seeds.
	SketchHashCount      int     `validate:"gte=1"`
	SketchRows           int     `validate:"gte=1"`
	SketchCols           int     `validate:"gte=1"`
	SketchPrefixMaskBits int     `validate:"gte=0"`
	SketchSeeds          []uint32
	SketchConsensus      int `validate:"gte=1"`

	// bus connection parameters.
	ReceiveTimeout time.Duration `validate:"gte=0"`
	SendWaitMode   string        `validate:"omitempty,oneof=block drop"`

	// PCA engine (§4.4).
	ZAlpha           float64 `validate:"gt=0"`
	VarianceFraction float64 `validate:"gte=0,lte=1"`
	DeltaProjectionD float64 `validate:"gte=0"`
	StdDevMultiplier float64 `validate:"gt=0"`
	SPEConsensus     int     `validate:"gte=0"`

	// DNS amplification (§4.5).
	DNSPortOfInterest  uint16  `validate:"required"`
	DNSTopN            int     `validate:"gte=1"`
	DNSBucketWidth     uint64  `validate:"gte=1"`
	DNSMinFlows        int     `validate:"gte=0"`
	DNSMinFlowsNorm    float64 `validate:"gte=0,lte=1"`
	DNSMinAmplification float64 `validate:"gt=0"`
	DNSMinRespPackets  float64 `validate:"gte=0"`
	DNSMinRespBytes    float64 `validate:"gte=0"`
	DNSMaxQuerBytes    float64 `validate:"gte=0"`
	DNSDetectionWindow float64 `validate:"gt=0"`
	DNSDeletionWindow  float64 `validate:"gt=0"`
	DNSAlertLogPrefix  string  `validate:"required"`
	DNSAlertLogSuffix  string

	// VoIP prefix-examination (§4.6).
	VoIPMaxPrefixLength               int     `validate:"gte=1"`
	VoIPMinLengthCalledNumber         int     `validate:"gte=1"`
	VoIPPrefixExaminationThreshold    int     `validate:"gte=1"`
	VoIPDetectionInterval             float64 `validate:"gt=0"`
	VoIPDetectionPauseAfterAttack     float64 `validate:"gte=0"`
	VoIPSafeCacheSize                 int     `validate:"gte=0"`
	VoIPConsiderSuccessfulAfterSIPAck bool

	// VoIP country detector (SPEC_FULL.md §C).
	AllowedCountries     []string `validate:"omitempty,dive,len=2"`
	LearnCountriesPeriod time.Duration
	DisableCountrySave   bool

	// persisted-file paths (§6).
	EventIDCounterPath string `validate:"required"`
	VoIPCountriesPath  string `validate:"required"`
}

// DefaultConfig mirrors the defaults the DefaultConfig functions in
// dnsamp and voip already assert, so a fresh Config without a file is
// usable out of the box for `cmd replay`.
func DefaultConfig() Config {
	return Config{
		LinkCount:     1,
		Links:         []string{"link0"},
		Aggregation:   []string{"flows", "packets", "bytes"},
		WindowSize:    12,
		Tolerance:     1,
		Preprocessing: false,
		TDMatch:       "any",

		BinWidth: 300 * time.Second,

		SketchHashCount:      4,
		SketchRows:           64,
		SketchCols:           64,
		SketchPrefixMaskBits: 24,
		SketchSeeds:          []uint32{11, 97, 131, 197},
		SketchConsensus:      3,

		ReceiveTimeout: 5 * time.Second,
		SendWaitMode:   "block",

		ZAlpha:           1.645,
		VarianceFraction: 0.90,
		DeltaProjectionD: 3,
		StdDevMultiplier: 5,
		SPEConsensus:     1,

		DNSPortOfInterest:   53,
		DNSTopN:             5,
		DNSBucketWidth:      2,
		DNSMinFlows:         300,
		DNSMinFlowsNorm:     0.9,
		DNSMinAmplification: 10,
		DNSMinRespPackets:   2,
		DNSMinRespBytes:     2000,
		DNSMaxQuerBytes:     400,
		DNSDetectionWindow:  900,
		DNSDeletionWindow:   300,
		DNSAlertLogPrefix:   "dns_amp_",
		DNSAlertLogSuffix:   ".log",

		VoIPMaxPrefixLength:            8,
		VoIPMinLengthCalledNumber:      4,
		VoIPPrefixExaminationThreshold: 100,
		VoIPDetectionInterval:          60,
		VoIPDetectionPauseAfterAttack:  300,
		VoIPSafeCacheSize:              64,

		LearnCountriesPeriod: 24 * time.Hour,

		EventIDCounterPath: "./state/event_id",
		VoIPCountriesPath:  "./state/countries",
	}
}

// NewValidator builds a validator with the custom rules flowsentry's keys
// need, the same struct-tag-driven style the teacher uses (custom
// `impact_category`/`score_thresholds_range` validators registered
// alongside the built-ins).
func NewValidator(cfg *Config) (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.RegisterValidation("link_names", func(fl validator.FieldLevel) bool {
		names, ok := fl.Field().Interface().([]string)
		if !ok {
			return false
		}
		return len(names) == cfg.LinkCount
	}); err != nil {
		return nil, err
	}

	if err := v.RegisterValidation("agg_features", func(fl validator.FieldLevel) bool {
		names, ok := fl.Field().Interface().([]string)
		if !ok {
			return false
		}
		for _, n := range names {
			if !isCanonicalFeature(n) {
				return false
			}
		}
		return true
	}); err != nil {
		return nil, err
	}

	return v, nil
}

// canonicalFeatures is the column order spec §6's `agregation=` key picks a
// subset from.
var canonicalFeatures = []string{"flows", "packets", "bytes", "ent_sip", "ent_dip", "ent_sport", "ent_dport"}

func isCanonicalFeature(name string) bool {
	for _, f := range canonicalFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// Validate checks the parsed Config against its struct tags and the
// cross-field `link_names`/`agg_features` rules.
func (c *Config) Validate() error {
	zlog := logger.GetLogger()
	zlog.Debug().Interface("config", c).Msg("validating config")

	v, err := NewValidator(c)
	if err != nil {
		return err
	}
	return v.Struct(c)
}

// LoadConfig reads and parses path via afs, falling back to DefaultConfig
// if path does not exist (spec §6 treats an absent file as "not configured"
// rather than an error; a present-but-malformed file is a configuration
// error per spec §7 and is returned).
func LoadConfig(afs afero.Fs, path string) (*Config, error) {
	exists, err := afero.Exists(afs, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		cfg := DefaultConfig()
		return &cfg, nil
	}

	contents, err := util.GetFileContents(afs, path)
	if err != nil {
		return nil, err
	}
	entries, err := ParseINI(contents)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := applyEntries(&cfg, entries); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig renders cfg back to INI form at path, atomically (temp file +
// rename), matching the teacher's preference for crash-safe config writes
// elsewhere in the codebase (persistence's atomic file writes).
func SaveConfig(afs afero.Fs, path string, cfg *Config) error {
	data := WriteINI(toFields(cfg))
	tmp := path + ".tmp"
	if err := afero.WriteFile(afs, tmp, data, 0o644); err != nil {
		return err
	}
	return afs.Rename(tmp, path)
}

func applyEntries(cfg *Config, entries []Entry) error {
	for _, e := range entries {
		if err := applyEntry(cfg, e); err != nil {
			return fmt.Errorf("config: key %q: %w", e.Key, err)
		}
	}
	return nil
}

func applyEntry(cfg *Config, e Entry) error {
	switch e.Key {
	case "link count":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.LinkCount = n
	case "links":
		cfg.Links = SplitList(e.Value)
	case "agregation":
		cfg.Aggregation = SplitList(e.Value)
	case "window size":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.WindowSize = n
	case "tolerance":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.Tolerance = n
	case "preprocessing":
		cfg.Preprocessing = strings.EqualFold(e.Value, "yes")
	case "td match":
		cfg.TDMatch = e.Value
	case "td selector":
		n, err := strconv.ParseUint(e.Value, 10, 64)
		if err != nil {
			return err
		}
		cfg.TDSelector = n
	case "receive timeout":
		d, err := time.ParseDuration(e.Value)
		if err != nil {
			return err
		}
		cfg.ReceiveTimeout = d
	case "send wait mode":
		cfg.SendWaitMode = e.Value
	case "bin_width":
		d, err := time.ParseDuration(e.Value)
		if err != nil {
			return err
		}
		cfg.BinWidth = d
	case "sketch_hash_count":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.SketchHashCount = n
	case "sketch_rows":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.SketchRows = n
	case "sketch_cols":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.SketchCols = n
	case "sketch_prefix_mask_bits":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.SketchPrefixMaskBits = n
	case "sketch_seeds":
		seeds, err := parseUint32List(e.Value)
		if err != nil {
			return err
		}
		cfg.SketchSeeds = seeds
	case "sketch_consensus":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.SketchConsensus = n
	case "z_alpha":
		return setFloat(e.Value, &cfg.ZAlpha)
	case "variance_fraction":
		return setFloat(e.Value, &cfg.VarianceFraction)
	case "delta_projection_d":
		return setFloat(e.Value, &cfg.DeltaProjectionD)
	case "std_dev_multiplier":
		return setFloat(e.Value, &cfg.StdDevMultiplier)
	case "spe_consensus":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.SPEConsensus = n
	case "dns_port_of_interest":
		n, err := strconv.ParseUint(e.Value, 10, 16)
		if err != nil {
			return err
		}
		cfg.DNSPortOfInterest = uint16(n)
	case "dns_top_n":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.DNSTopN = n
	case "dns_bucket_width":
		n, err := strconv.ParseUint(e.Value, 10, 64)
		if err != nil {
			return err
		}
		cfg.DNSBucketWidth = n
	case "dns_min_flows":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.DNSMinFlows = n
	case "dns_min_flows_norm":
		return setFloat(e.Value, &cfg.DNSMinFlowsNorm)
	case "dns_min_amplification":
		return setFloat(e.Value, &cfg.DNSMinAmplification)
	case "dns_min_resp_packets":
		return setFloat(e.Value, &cfg.DNSMinRespPackets)
	case "dns_min_resp_bytes":
		return setFloat(e.Value, &cfg.DNSMinRespBytes)
	case "dns_max_quer_bytes":
		return setFloat(e.Value, &cfg.DNSMaxQuerBytes)
	case "dns_w_det":
		return setFloat(e.Value, &cfg.DNSDetectionWindow)
	case "dns_w_del":
		return setFloat(e.Value, &cfg.DNSDeletionWindow)
	case "dns_alert_log_prefix":
		cfg.DNSAlertLogPrefix = e.Value
	case "dns_alert_log_suffix":
		cfg.DNSAlertLogSuffix = e.Value
	case "voip_max_prefix_length":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.VoIPMaxPrefixLength = n
	case "voip_min_length_called_number":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.VoIPMinLengthCalledNumber = n
	case "voip_prefix_examination_threshold":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.VoIPPrefixExaminationThreshold = n
	case "voip_detection_interval":
		return setFloat(e.Value, &cfg.VoIPDetectionInterval)
	case "voip_detection_pause_after_attack":
		return setFloat(e.Value, &cfg.VoIPDetectionPauseAfterAttack)
	case "voip_safe_cache_size":
		n, err := strconv.Atoi(e.Value)
		if err != nil {
			return err
		}
		cfg.VoIPSafeCacheSize = n
	case "voip_consider_successful_after_sip_ack":
		cfg.VoIPConsiderSuccessfulAfterSIPAck = strings.EqualFold(e.Value, "yes")
	case "allowed_countries":
		cfg.AllowedCountries = SplitList(e.Value)
	case "learn_countries_period":
		d, err := time.ParseDuration(e.Value)
		if err != nil {
			return err
		}
		cfg.LearnCountriesPeriod = d
	case "disable_country_save":
		cfg.DisableCountrySave = strings.EqualFold(e.Value, "yes")
	case "event_id_counter_path":
		cfg.EventIDCounterPath = e.Value
	case "voip_countries_path":
		cfg.VoIPCountriesPath = e.Value
	default:
		return fmt.Errorf("unrecognized key")
	}
	return nil
}

func setFloat(raw string, dst *float64) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseUint32List(raw string) ([]uint32, error) {
	var out []uint32
	for _, s := range SplitList(raw) {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func joinUint32List(vals []uint32) string {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = strconv.FormatUint(uint64(v), 10)
	}
	return JoinList(strs)
}

func toFields(cfg *Config) map[string]string {
	return map[string]string{
		"link count":     strconv.Itoa(cfg.LinkCount),
		"links":          JoinList(cfg.Links),
		"agregation":     JoinList(cfg.Aggregation),
		"window size":    strconv.Itoa(cfg.WindowSize),
		"tolerance":      strconv.Itoa(cfg.Tolerance),
		"preprocessing":  yesNo(cfg.Preprocessing),
		"td match":       cfg.TDMatch,
		"td selector":    strconv.FormatUint(cfg.TDSelector, 10),
		"receive timeout": cfg.ReceiveTimeout.String(),
		"send wait mode": cfg.SendWaitMode,

		"bin_width": cfg.BinWidth.String(),

		"sketch_hash_count":       strconv.Itoa(cfg.SketchHashCount),
		"sketch_rows":             strconv.Itoa(cfg.SketchRows),
		"sketch_cols":             strconv.Itoa(cfg.SketchCols),
		"sketch_prefix_mask_bits": strconv.Itoa(cfg.SketchPrefixMaskBits),
		"sketch_seeds":            joinUint32List(cfg.SketchSeeds),
		"sketch_consensus":        strconv.Itoa(cfg.SketchConsensus),

		"z_alpha":            strconv.FormatFloat(cfg.ZAlpha, 'g', -1, 64),
		"variance_fraction":  strconv.FormatFloat(cfg.VarianceFraction, 'g', -1, 64),
		"delta_projection_d": strconv.FormatFloat(cfg.DeltaProjectionD, 'g', -1, 64),
		"std_dev_multiplier": strconv.FormatFloat(cfg.StdDevMultiplier, 'g', -1, 64),
		"spe_consensus":      strconv.Itoa(cfg.SPEConsensus),

		"dns_port_of_interest": strconv.FormatUint(uint64(cfg.DNSPortOfInterest), 10),
		"dns_top_n":            strconv.Itoa(cfg.DNSTopN),
		"dns_bucket_width":     strconv.FormatUint(cfg.DNSBucketWidth, 10),
		"dns_min_flows":        strconv.Itoa(cfg.DNSMinFlows),
		"dns_min_flows_norm":   strconv.FormatFloat(cfg.DNSMinFlowsNorm, 'g', -1, 64),
		"dns_min_amplification": strconv.FormatFloat(cfg.DNSMinAmplification, 'g', -1, 64),
		"dns_min_resp_packets": strconv.FormatFloat(cfg.DNSMinRespPackets, 'g', -1, 64),
		"dns_min_resp_bytes":   strconv.FormatFloat(cfg.DNSMinRespBytes, 'g', -1, 64),
		"dns_max_quer_bytes":   strconv.FormatFloat(cfg.DNSMaxQuerBytes, 'g', -1, 64),
		"dns_w_det":            strconv.FormatFloat(cfg.DNSDetectionWindow, 'g', -1, 64),
		"dns_w_del":            strconv.FormatFloat(cfg.DNSDeletionWindow, 'g', -1, 64),
		"dns_alert_log_prefix": cfg.DNSAlertLogPrefix,
		"dns_alert_log_suffix": cfg.DNSAlertLogSuffix,

		"voip_max_prefix_length":                strconv.Itoa(cfg.VoIPMaxPrefixLength),
		"voip_min_length_called_number":          strconv.Itoa(cfg.VoIPMinLengthCalledNumber),
		"voip_prefix_examination_threshold":      strconv.Itoa(cfg.VoIPPrefixExaminationThreshold),
		"voip_detection_interval":                strconv.FormatFloat(cfg.VoIPDetectionInterval, 'g', -1, 64),
		"voip_detection_pause_after_attack":      strconv.FormatFloat(cfg.VoIPDetectionPauseAfterAttack, 'g', -1, 64),
		"voip_safe_cache_size":                   strconv.Itoa(cfg.VoIPSafeCacheSize),
		"voip_consider_successful_after_sip_ack":  yesNo(cfg.VoIPConsiderSuccessfulAfterSIPAck),

		"allowed_countries":       JoinList(cfg.AllowedCountries),
		"learn_countries_period":  cfg.LearnCountriesPeriod.String(),
		"disable_country_save":    yesNo(cfg.DisableCountrySave),

		"event_id_counter_path": cfg.EventIDCounterPath,
		"voip_countries_path":   cfg.VoIPCountriesPath,
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
