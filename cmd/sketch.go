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
	"github.com/activecm/flowsentry/logger"
	"github.com/activecm/flowsentry/metrics"
	"github.com/activecm/flowsentry/pca"
	"github.com/activecm/flowsentry/persistence"
	"github.com/activecm/flowsentry/sketch"
	"github.com/activecm/flowsentry/timebin"
	"github.com/activecm/flowsentry/util"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

// SketchPCAPayload is the sketch+PCA detector's alert body. spec.md names
// only the aggregated volume-PCA schema explicitly; this detector narrows
// a firing down to individual (src_ip,dst_ip) keys via cross-hash
// intersection (spec §1), so its payload carries those keys rather than a
// link mask.
type SketchPCAPayload struct {
	TimeFirst   float64
	SrcIP       string
	DstIP       string
	HashesFired int
}

// SketchCommand runs the sketch+PCA detector (spec §4.3/§4.4): one
// sketch.Bank shared by H independent hash functions, each folded into its
// own PCA matrix; a firing requires at least SketchConsensus hashes to
// agree, then sketch.IntersectKeys narrows the firing down to the
// offending (src_ip,dst_ip) pairs.
var SketchCommand = &cli.Command{
	Name:      "sketch",
	Usage:     "run the sketch+PCA anomaly detector",
	UsageText: "sketch --input FILE [--config FILE]",
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

		bank := sketch.NewBank(cfg.SketchHashCount, cfg.SketchRows, cfg.SketchCols, cfg.SketchSeeds)
		bank.PrefixMaskBits = cfg.SketchPrefixMaskBits
		bank.EnableKeyTracking()

		dispatcher := timebin.NewDispatcher(cfg.BinWidth, cfg.Tolerance)
		pcaCfg := cfg.SketchPCAConfig()
		matrices := make([]*timebin.Matrix, cfg.SketchHashCount)
		engines := make([]*pca.Engine, cfg.SketchHashCount)
		for h := 0; h < cfg.SketchHashCount; h++ {
			matrices[h] = timebin.NewMatrix(cfg.WindowSize, 4*cfg.SketchRows)
			engines[h] = pca.NewEngine(pcaCfg)
		}

		zlog := logger.For("sketch")
		ctx := context.Background()
		var anchor binAnchor

		emit := func(binStart time.Time, srcIP, dstIP net.IP, hashesFired int) {
			payload := SketchPCAPayload{
				TimeFirst:   float64(binStart.UnixNano()) / float64(time.Second),
				SrcIP:       srcIP.String(),
				DstIP:       dstIP.String(),
				HashesFired: hashesFired,
			}
			src := util.NewFixedStringFromIP(srcIP)
			dst := util.NewFixedStringFromIP(dstIP)
			sig := payload.SrcIP + "->" + payload.DstIP
			rec, err := encoder.Encode(alert.TypeVolumePCA, src, dst, payload.TimeFirst, sig, payload)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to allocate event id for sketch pca alert")
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				zlog.Error().Err(err).Msg("failed to marshal sketch pca alert")
				return
			}
			if err := memBus.Send(ctx, "alerts", data, bus.SendWait); err != nil {
				zlog.Warn().Err(err).Msg("transient error sending sketch pca alert")
			}
		}

		// fireBin must run before bank.Clear() wipes the bin's row-key
		// bookkeeping: IntersectKeys reads bank.KeysInRow, which only
		// holds this bin's (src_ip,dst_ip) observations until the next
		// Clear.
		fireBin := func(bin int) {
			firedColumns := make(map[int][]int)
			for h := 0; h < cfg.SketchHashCount; h++ {
				if !matrices[h].Full() {
					continue
				}
				x, j := matrices[h].Snapshot()
				result, err := engines[h].Detect(x, j)
				if err != nil {
					zlog.Error().Err(err).Int("bin", bin).Int("hash", h).Msg("sketch pca detection failed for bin, window held at prior position")
					continue
				}
				if result.Fired && len(result.FiredColumns) > 0 {
					firedColumns[h] = result.FiredColumns
				}
			}
			if len(firedColumns) < cfg.SketchConsensus {
				return
			}
			keys := sketch.IntersectKeys(bank, firedColumns)
			for _, key := range keys {
				parts := strings.SplitN(key, "|", 2)
				if len(parts) != 2 {
					continue
				}
				srcIP := net.ParseIP(parts[0])
				dstIP := net.ParseIP(parts[1])
				if srcIP == nil || dstIP == nil {
					continue
				}
				emit(anchor.startOf(bin), srcIP, dstIP, len(firedColumns))
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
				metrics.RecordMalformed("sketch")
				continue
			}
			anchor.observe(r.TimeFirst, cfg.BinWidth)

			class := dispatcher.Classify(r.TimeFirst)
			if class.Dropped {
				continue
			}
			for i, closed := range class.ClosedBins {
				for h := 0; h < cfg.SketchHashCount; h++ {
					matrices[h].SetRow(closed, bank.FoldRow(h))
				}
				if i == 0 {
					fireBin(closed)
					bank.Clear()
				}
			}
			bank.Add(r.SrcIP, r.DstIP, r.SrcPort, r.DstPort, r.Packets)
		}

		drained := drainSentAlerts(memBus)
		fmt.Printf("sketch: processed input, emitted %d alert(s)\n", drained)
		return nil
	},
}
