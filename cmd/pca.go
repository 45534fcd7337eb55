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
	"github.com/activecm/flowsentry/metrics"
	"github.com/activecm/flowsentry/pca"
	"github.com/activecm/flowsentry/persistence"
	"github.com/activecm/flowsentry/timebin"
	"github.com/activecm/flowsentry/util"
	"github.com/activecm/flowsentry/volume"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

// VolumePCAPayload is the volume PCA alert body (spec §6: "Volume PCA
// alert: time_first (bin start), link_bit_field (affected link mask;
// 0xffffffff for SPE-wide alerts)"), extended with the raw PCA result so
// the alert log carries the evidence behind the firing.
type VolumePCAPayload struct {
	TimeFirst    float64
	LinkBitField uint64
	SPE          float64
	Threshold    float64
	SubspaceSize int
}

// InputFlag names the NDJSON flow file every detector subcommand reads
// records from; no live bus transport exists in this module (bus is an
// injected collaborator per spec §1/bus/bus.go's doc comment).
func InputFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "input",
		Aliases:  []string{"i"},
		Usage:    "Read flow records from newline-delimited JSON `FILE`",
		Required: true,
	}
}

// loadIntoMemoryBus reads path's NDJSON records and pushes them onto a
// closed MemoryBus (closed once fully loaded, so Receive drains exactly
// these records then returns bus.ErrTerminated).
func loadIntoMemoryBus(afs afero.Fs, path string) (*bus.MemoryBus, error) {
	wireRecords, err := loadWireRecords(afs, path)
	if err != nil {
		return nil, err
	}
	memBus := bus.NewMemoryBus(len(wireRecords)+1, 256)
	for _, w := range wireRecords {
		r, err := w.toRecord()
		if err != nil {
			return nil, err
		}
		if err := memBus.Push(r); err != nil {
			return nil, err
		}
	}
	memBus.Close()
	return memBus, nil
}

// binAnchor tracks the wall-clock start of bin 0, needed because
// timebin.Dispatcher reports only bin indices, not bin boundary
// timestamps (it owns bookkeeping only, per timebin's package doc). Bin
// index b's start is approximated as anchor + b*width, which is exact as
// long as no record arrives before the very first one processed.
type binAnchor struct {
	t     time.Time
	width time.Duration
	set   bool
}

func (a *binAnchor) observe(t time.Time, width time.Duration) {
	if !a.set {
		a.t = t
		a.width = width
		a.set = true
	}
}

func (a *binAnchor) startOf(bin int) time.Time {
	return a.t.Add(time.Duration(bin) * a.width)
}

// PCACommand runs the aggregated-volume PCA detector (spec §4.4 over
// volume.Bank's per-link feature rows) against an NDJSON flow file.
var PCACommand = &cli.Command{
	Name:      "pca",
	Usage:     "run the aggregated-volume PCA anomaly detector",
	UsageText: "pca --input FILE [--config FILE]",
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

		memBus, err := loadIntoMemoryBus(afs, cCtx.String("input"))
		if err != nil {
			return cli.Exit(err, 3)
		}

		ids, err := persistence.NewFileCounterStore(afs, cfg.EventIDCounterPath)
		if err != nil {
			return cli.Exit(err, 2)
		}
		encoder := alert.NewEncoder(ids, cfg.VoIPDetectionPauseAfterAttack)

		bank := volume.NewBank(cfg.LinkCount, cfg.Aggregation)
		dispatcher := timebin.NewDispatcher(cfg.BinWidth, cfg.Tolerance)
		matrix := timebin.NewMatrix(cfg.WindowSize, bank.Width())
		engine := pca.NewEngine(cfg.PCAConfig())

		zlog := logger.For("pca")
		ctx := context.Background()
		var anchor binAnchor

		emit := func(binStart time.Time, linkBitField uint64, res pca.Result) {
			payload := VolumePCAPayload{
				TimeFirst:    float64(binStart.UnixNano()) / float64(time.Second),
				LinkBitField: linkBitField,
				SPE:          res.SPE,
				Threshold:    res.Threshold,
				SubspaceSize: res.SubspaceSize,
			}
			sig := fmt.Sprintf("%x", linkBitField)
			rec, err := encoder.Encode(alert.TypeVolumePCA, util.FixedString{}, util.FixedString{}, payload.TimeFirst, sig, payload)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to allocate event id for volume pca alert")
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to marshal volume pca alert")
				return
			}
			if err := memBus.Send(ctx, "alerts", data, bus.SendWait); err != nil {
				zlog.Warn().Err(err).Msg("transient error sending volume pca alert")
			}
		}

		fireBin := func(bin int) {
			if !matrix.Full() {
				return
			}
			x, j := matrix.Snapshot()
			result, err := engine.Detect(x, j)
			if err != nil {
				zlog.Error().Err(err).Int("bin", bin).Msg("pca detection failed for bin, window held at prior position")
				return
			}
			for _, pre := range result.PreprocessingAlerts {
				emit(anchor.startOf(bin), pre.LinkBitField, pca.Result{})
			}
			if result.Fired {
				emit(anchor.startOf(bin), result.LinkBitField, result)
			}
		}

		for {
			r, err := memBus.Receive(ctx)
			if err != nil {
				if errors.Is(err, bus.ErrTerminated) {
					break
				}
				zlog.Warn().Err(err).Msg("transient bus error")
				continue
			}
			if err := r.Validate(); err != nil {
				metrics.RecordMalformed("pca")
				continue
			}
			anchor.observe(r.TimeFirst, cfg.BinWidth)

			class := dispatcher.Classify(r.TimeFirst)
			if class.Dropped {
				continue
			}
			for i, closed := range class.ClosedBins {
				matrix.SetRow(closed, bank.FoldRow())
				if i == 0 {
					bank.Clear()
				}
				fireBin(closed)
			}
			bank.Add(r)
		}

		drained := drainSentAlerts(memBus)
		fmt.Printf("pca: processed input, emitted %d alert(s)\n", drained)
		return nil
	},
}

// drainSentAlerts counts every message published on the bus's output
// channel, for the replay/detector commands' closing summary line.
func drainSentAlerts(memBus *bus.MemoryBus) int {
	n := 0
loop:
	for {
		select {
		case _, ok := <-memBus.Sent():
			if !ok {
				break loop
			}
			n++
		default:
			break loop
		}
	}
	return n
}
