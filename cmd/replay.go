package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/activecm/flowsentry/alert"
	"github.com/activecm/flowsentry/bus"
	"github.com/activecm/flowsentry/dnsamp"
	"github.com/activecm/flowsentry/logger"
	"github.com/activecm/flowsentry/metrics"
	"github.com/activecm/flowsentry/pca"
	"github.com/activecm/flowsentry/persistence"
	"github.com/activecm/flowsentry/sketch"
	"github.com/activecm/flowsentry/timebin"
	"github.com/activecm/flowsentry/util"
	"github.com/activecm/flowsentry/voip"
	"github.com/activecm/flowsentry/volume"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/time/rate"
)

// ReplayCommand drives every detector over one NDJSON flow file through a
// shared bus.MemoryBus, for local testing/demo without a live bus
// deployment (SPEC_FULL.md §A.3). Progress is shown with a single
// vbauerster/mpb bar, grounded directly on the teacher's importer.go
// single-bar idiom (mpb.New once, bar.Increment() per record).
var ReplayCommand = &cli.Command{
	Name:      "replay",
	Usage:     "replay an NDJSON flow file through every detector",
	UsageText: "replay --input FILE [--config FILE]",
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

		memBus := bus.NewMemoryBus(len(wireRecords)+1, 4096)
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
		zlog := logger.For("replay")
		ctx := context.Background()

		sendJSON := func(payload any) {
			data, err := json.Marshal(payload)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to marshal alert for replay")
				return
			}
			if err := memBus.Send(ctx, "alerts", data, bus.SendWait); err != nil {
				zlog.Warn().Err(err).Msg("transient error sending alert")
			}
		}

		// --- volume PCA pipeline (spec §4.4 over volume.Bank) ---
		volBank := volume.NewBank(cfg.LinkCount, cfg.Aggregation)
		volDispatcher := timebin.NewDispatcher(cfg.BinWidth, cfg.Tolerance)
		volMatrix := timebin.NewMatrix(cfg.WindowSize, volBank.Width())
		volEngine := pca.NewEngine(cfg.PCAConfig())
		var volAnchor binAnchor

		// --- sketch+PCA pipeline (spec §4.3/§4.4) ---
		skBank := sketch.NewBank(cfg.SketchHashCount, cfg.SketchRows, cfg.SketchCols, cfg.SketchSeeds)
		skBank.PrefixMaskBits = cfg.SketchPrefixMaskBits
		skBank.EnableKeyTracking()
		skDispatcher := timebin.NewDispatcher(cfg.BinWidth, cfg.Tolerance)
		skPCACfg := cfg.SketchPCAConfig()
		skMatrices := make([]*timebin.Matrix, cfg.SketchHashCount)
		skEngines := make([]*pca.Engine, cfg.SketchHashCount)
		for h := 0; h < cfg.SketchHashCount; h++ {
			skMatrices[h] = timebin.NewMatrix(cfg.WindowSize, 4*cfg.SketchRows)
			skEngines[h] = pca.NewEngine(skPCACfg)
		}
		var skAnchor binAnchor

		// --- DNS amplification pipeline (spec §4.5) ---
		writer := persistence.NewWriter(afs, 4, rate.NewLimiter(rate.Limit(200), 200))
		defer writer.Close()
		dnsLogWriter := persistence.NewDNSAmpLogWriter(writer, cfg.DNSAlertLogPrefix, cfg.DNSAlertLogSuffix)
		dnsDetector := dnsamp.NewDetector(cfg.DNSAmpConfig(), ids, dnsLogWriter)

		// --- VoIP prefix-examination + country pipeline (spec §4.6, §C) ---
		voipManager := voip.NewManager(cfg.VoIPConfig(), 1024)
		startTime := time.Now()
		if len(wireRecords) > 0 {
			if r, err := wireRecords[0].toRecord(); err == nil {
				startTime = r.TimeFirst
			}
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
		observedSources := make(map[util.FixedString]struct{})
		var lastVoIPDetectAt time.Time
		voipDetectionInterval := time.Duration(cfg.VoIPDetectionInterval * float64(time.Second))

		progress := mpb.New(mpb.WithWidth(64))
		bar := progress.New(int64(len(wireRecords)),
			mpb.BarStyle().Lbound("╢").Filler("▌").Tip("▌").Padding("░").Rbound("╟"),
			mpb.PrependDecorators(
				decor.Name("Replaying flows", decor.WC{C: decor.DindentRight | decor.DextraSpace}),
				decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO), "done"),
			),
			mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
		)

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
			bar.Increment()

			if err := r.Validate(); err != nil {
				metrics.RecordMalformed("replay")
				continue
			}

			// volume PCA
			volAnchor.observe(r.TimeFirst, cfg.BinWidth)
			volClass := volDispatcher.Classify(r.TimeFirst)
			if !volClass.Dropped {
				for i, closed := range volClass.ClosedBins {
					volMatrix.SetRow(closed, volBank.FoldRow())
					if i == 0 {
						volBank.Clear()
					}
					if volMatrix.Full() {
						x, j := volMatrix.Snapshot()
						if result, err := volEngine.Detect(x, j); err == nil {
							if result.Fired {
								binStart := volAnchor.startOf(closed)
								payload := VolumePCAPayload{
									TimeFirst:    float64(binStart.UnixNano()) / float64(time.Second),
									LinkBitField: result.LinkBitField,
									SPE:          result.SPE,
									Threshold:    result.Threshold,
									SubspaceSize: result.SubspaceSize,
								}
								sig := fmt.Sprintf("%x", result.LinkBitField)
								rec, err := encoder.Encode(alert.TypeVolumePCA, util.FixedString{}, util.FixedString{}, payload.TimeFirst, sig, payload)
								if err != nil {
									zlog.Error().Err(err).Msg("failed to allocate event id for volume pca alert")
								} else {
									sendJSON(rec)
								}
							}
						} else {
							zlog.Error().Err(err).Int("bin", closed).Msg("volume pca detection failed for bin")
						}
					}
				}
				volBank.Add(r)
			}

			// sketch+PCA
			skAnchor.observe(r.TimeFirst, cfg.BinWidth)
			skClass := skDispatcher.Classify(r.TimeFirst)
			if !skClass.Dropped {
				for i, closed := range skClass.ClosedBins {
					for h := 0; h < cfg.SketchHashCount; h++ {
						skMatrices[h].SetRow(closed, skBank.FoldRow(h))
					}
					if i == 0 {
						firedColumns := make(map[int][]int)
						for h := 0; h < cfg.SketchHashCount; h++ {
							if !skMatrices[h].Full() {
								continue
							}
							x, j := skMatrices[h].Snapshot()
							result, err := skEngines[h].Detect(x, j)
							if err != nil {
								zlog.Error().Err(err).Int("bin", closed).Int("hash", h).Msg("sketch pca detection failed for bin")
								continue
							}
							if result.Fired && len(result.FiredColumns) > 0 {
								firedColumns[h] = result.FiredColumns
							}
						}
						if len(firedColumns) >= cfg.SketchConsensus {
							binStart := skAnchor.startOf(closed)
							for _, key := range sketch.IntersectKeys(skBank, firedColumns) {
								parts := strings.SplitN(key, "|", 2)
								if len(parts) != 2 {
									continue
								}
								srcIP := net.ParseIP(parts[0])
								dstIP := net.ParseIP(parts[1])
								if srcIP == nil || dstIP == nil {
									continue
								}
								payload := SketchPCAPayload{
									TimeFirst:   float64(binStart.UnixNano()) / float64(time.Second),
									SrcIP:       srcIP.String(),
									DstIP:       dstIP.String(),
									HashesFired: len(firedColumns),
								}
								src := util.NewFixedStringFromIP(srcIP)
								dst := util.NewFixedStringFromIP(dstIP)
								sig := payload.SrcIP + "->" + payload.DstIP
								rec, err := encoder.Encode(alert.TypeVolumePCA, src, dst, payload.TimeFirst, sig, payload)
								if err != nil {
									zlog.Error().Err(err).Msg("failed to allocate event id for sketch pca alert")
									continue
								}
								sendJSON(rec)
							}
						}
						skBank.Clear()
					}
				}
				skBank.Add(r.SrcIP, r.DstIP, r.SrcPort, r.DstPort, r.Packets)
			}

			// DNS amplification
			if a, err := dnsDetector.Observe(r); err != nil {
				metrics.RecordMalformed("dnsamp")
			} else if a != nil {
				sendJSON(alert.EncodeDNSAmp(a.TimeLast, a))
			}

			// VoIP prefix-examination + country
			countryDetector.Tick(r.TimeFirst)
			if r.SIP.CalledParty != "" {
				src := util.NewFixedStringFromIP(r.SrcIP)
				observedSources[src] = struct{}{}
				if _, err := voipManager.ObserveMessage(src, r.SIP.CalledParty, r.SIP.MsgType, r.SIP.StatusCode,
					sipHash(r.SIP.CallID), sipHash(r.SIP.UserAgent)); err != nil {
					zlog.Error().Err(err).Msg("failed to observe sip message")
				}
			}
			if wire.CountryCode != "" {
				src := util.NewFixedStringFromIP(r.SrcIP)
				dst := util.NewFixedStringFromIP(r.DstIP)
				if finding, fired := countryDetector.Observe(src, dst, wire.CountryCode, r.SIP.CallingParty, r.SIP.CalledParty, r.SIP.UserAgent); fired {
					detectionTime := float64(r.TimeFirst.UnixNano()) / float64(time.Second)
					if rec, err := encoder.EncodeVoIPCountry(detectionTime, finding); err != nil {
						zlog.Error().Err(err).Msg("failed to allocate event id for voip country alert")
					} else {
						sendJSON(rec)
					}
				}
			}
			if lastVoIPDetectAt.IsZero() || r.TimeFirst.Sub(lastVoIPDetectAt) >= voipDetectionInterval {
				sources := make([]util.FixedString, 0, len(observedSources))
				for src := range observedSources {
					sources = append(sources, src)
				}
				for _, finding := range voipManager.DetectAll(sources) {
					detectionTime := float64(r.TimeFirst.UnixNano()) / float64(time.Second)
					if rec, err := encoder.EncodeVoIPPrefix(finding.Src, detectionTime, finding.Finding); err != nil {
						zlog.Error().Err(err).Msg("failed to allocate event id for voip prefix alert")
					} else {
						sendJSON(rec)
					}
				}
				lastVoIPDetectAt = r.TimeFirst
			}
		}

		progress.Wait()

		if err := persistence.SaveCountries(afs, cfg.VoIPCountriesPath, countryDetector.AllowedCountries(), countryDetector.Snapshot()); err != nil {
			zlog.Error().Err(err).Msg("failed to save voip countries file")
		}

		drained := drainSentAlerts(memBus)
		fmt.Printf("replay: processed %d record(s), emitted %d alert(s)\n", len(wireRecords), drained)
		return nil
	},
}
