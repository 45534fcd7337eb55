package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/activecm/flowsentry/alert"
	"github.com/activecm/flowsentry/bus"
	"github.com/activecm/flowsentry/logger"
	"github.com/activecm/flowsentry/persistence"
	"github.com/activecm/flowsentry/sketch"
	"github.com/activecm/flowsentry/util"
	"github.com/activecm/flowsentry/voip"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

// sipHash fingerprints a Call-ID or User-Agent header into the uint32
// NodeData stores, reusing sketch.SuperFastHash (spec §4.6 calls for a
// hash of these fields without naming a specific algorithm; seed 0
// matches SuperFastHash's documented reference behavior).
func sipHash(s string) uint32 {
	if s == "" {
		return 0
	}
	return sketch.SuperFastHash([]byte(s), 0)
}

// VoIPCommand runs the VoIP prefix-examination and country-anomaly
// detectors (spec §4.6, SPEC_FULL.md §C) together against an NDJSON flow
// file, since both operate on the same per-source SIP stream.
var VoIPCommand = &cli.Command{
	Name:      "voip",
	Usage:     "run the VoIP prefix-examination and country-anomaly detectors",
	UsageText: "voip --input FILE [--config FILE]",
	Flags: []cli.Flag{
		ConfigFlag(false),
		DebugFlag(),
		InputFlag(),
	},
	Action: func(cCtx *cli.Context) error {
		afs := afero.NewOsFs()
		cfg, err := LoadConfig(afs, cCtx)
		if err != nil {
			return cli.Exit(err, 4)
		}

		wireRecords, err := loadWireRecords(afs, cCtx.String("input"))
		if err != nil {
			return cli.Exit(err, 3)
		}
		memBus := bus.NewMemoryBus(len(wireRecords)+1, 256)
		for _, w := range wireRecords {
			r, err := w.toRecord()
			if err != nil {
				return cli.Exit(err, 3)
			}
			if err := memBus.Push(r); err != nil {
				return cli.Exit(err, 2)
			}
		}
		memBus.Close()

		ids, err := persistence.NewFileCounterStore(afs, cfg.EventIDCounterPath)
		if err != nil {
			return cli.Exit(err, 2)
		}
		encoder := alert.NewEncoder(ids, cfg.VoIPDetectionPauseAfterAttack)

		manager := voip.NewManager(cfg.VoIPConfig(), 1024)

		var startTime time.Time
		if len(wireRecords) > 0 {
			if r, err := wireRecords[0].toRecord(); err == nil {
				startTime = r.TimeFirst
			}
		}
		if startTime.IsZero() {
			startTime = time.Now()
		}
		countryDetector := voip.NewCountryDetector(cfg.VoIPCountryConfig(), startTime)

		if exists, _ := afero.Exists(afs, cfg.VoIPCountriesPath); exists {
			_, bySource, err := persistence.LoadCountries(afs, cfg.VoIPCountriesPath)
			if err != nil {
				return cli.Exit(err, 4)
			}
			for src, codes := range bySource {
				countryDetector.LoadLearned(src, codes)
			}
		}

		zlog := logger.For("voip")
		ctx := context.Background()

		// observed tracks every source IP seen in this run, since
		// voip.Manager exposes no iteration method of its own (it is
		// dispatched through a cuckoo table, which has none either) —
		// DetectAll needs an explicit source list (spec §4.6's periodic
		// detection pass over every tracked source).
		observed := make(map[util.FixedString]struct{})

		emitPrefix := func(src util.FixedString, detectionTime float64, f *voip.PrefixFinding) {
			rec, err := encoder.EncodeVoIPPrefix(src, detectionTime, f)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to allocate event id for voip prefix alert")
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to marshal voip prefix alert")
				return
			}
			if err := memBus.Send(ctx, "alerts", data, bus.SendWait); err != nil {
				zlog.Warn().Err(err).Msg("transient error sending voip prefix alert")
			}
		}

		emitCountry := func(detectionTime float64, f *voip.CountryFinding) {
			rec, err := encoder.EncodeVoIPCountry(detectionTime, f)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to allocate event id for voip country alert")
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to marshal voip country alert")
				return
			}
			if err := memBus.Send(ctx, "alerts", data, bus.SendWait); err != nil {
				zlog.Warn().Err(err).Msg("transient error sending voip country alert")
			}
		}

		runDetectAll := func() {
			sources := make([]util.FixedString, 0, len(observed))
			for src := range observed {
				sources = append(sources, src)
			}
			for _, finding := range manager.DetectAll(sources) {
				detectionTime := float64(time.Now().UnixNano()) / float64(time.Second)
				emitPrefix(finding.Src, detectionTime, finding.Finding)
			}
		}

		var lastDetectAt time.Time
		idx := 0
		for {
			r, err := memBus.Receive(ctx)
			if err != nil {
				if errors.Is(err, bus.ErrTerminated) {
					break
				}
				zlog.Warn().Err(err).Msg("transient bus error")
				continue
			}
			wire := wireRecords[idx]
			idx++

			if err := r.Validate(); err != nil {
				zlog.Warn().Err(err).Msg("dropping malformed record")
				continue
			}

			countryDetector.Tick(r.TimeFirst)

			if r.SIP.CalledParty != "" {
				src := util.NewFixedStringFromIP(r.SrcIP)
				observed[src] = struct{}{}
				if _, err := manager.ObserveMessage(src, r.SIP.CalledParty, r.SIP.MsgType, r.SIP.StatusCode,
					sipHash(r.SIP.CallID), sipHash(r.SIP.UserAgent)); err != nil {
					zlog.Error().Err(err).Msg("failed to observe sip message")
				}
			}

			if wire.CountryCode != "" {
				src := util.NewFixedStringFromIP(r.SrcIP)
				dst := util.NewFixedStringFromIP(r.DstIP)
				detectionTime := float64(r.TimeFirst.UnixNano()) / float64(time.Second)
				if finding, fired := countryDetector.Observe(src, dst, wire.CountryCode, r.SIP.CallingParty, r.SIP.CalledParty, r.SIP.UserAgent); fired {
					emitCountry(detectionTime, finding)
				}
			}

			detectionInterval := time.Duration(cfg.VoIPDetectionInterval * float64(time.Second))
			if lastDetectAt.IsZero() || r.TimeFirst.Sub(lastDetectAt) >= detectionInterval {
				runDetectAll()
				lastDetectAt = r.TimeFirst
			}
		}

		runDetectAll()

		if err := persistence.SaveCountries(afs, cfg.VoIPCountriesPath, countryDetector.AllowedCountries(), countryDetector.Snapshot()); err != nil {
			zlog.Error().Err(err).Msg("failed to save voip countries file")
		}

		drained := drainSentAlerts(memBus)
		fmt.Printf("voip: processed input, emitted %d alert(s)\n", drained)
		return nil
	},
}
