// Package volume implements the raw per-link feature accumulator the
// aggregated (non-sketch) PCA volume detector folds into the data matrix
// each bin: spec §3's "per-link feature values for the aggregated PCA
// detector", the working-bank counterpart to sketch.Bank's per-hash entropy
// rows.
package volume

import "github.com/activecm/flowsentry/record"

// featureOrder is the canonical feature order spec §6's `agregation=` key
// selects a subset from; column layout in the folded row is feature-major
// per spec §3: columns [0,L) feature 1 across links, [L,2L) feature 2, etc.
var featureOrder = []string{"flows", "packets", "bytes", "ent_sip", "ent_dip", "ent_sport", "ent_dport"}

// additive reports whether a feature accumulates by summation (flow/packet/
// byte counters) as opposed to being a precomputed-upstream value each new
// record simply overwrites (the entropy features: spec §3 describes
// records in the aggregated-PCA variant as already carrying "precomputed
// per-bin entropy/flow fields", so entropy isn't re-derived here).
func additive(feature string) bool {
	switch feature {
	case "flows", "packets", "bytes":
		return true
	default:
		return false
	}
}

// Bank accumulates one bin's per-link feature totals across the subset of
// features configured in Aggregation.
type Bank struct {
	L        int
	features []string // subset of featureOrder, in canonical order

	sums map[string][]float64 // feature -> per-link running sum (additive features)
	last map[string][]float64 // feature -> per-link last-seen value (entropy features)
}

// NewBank allocates a zeroed bank for l links, tracking only the features
// named in aggregation (spec §6's configured subset), reordered into
// canonical order.
func NewBank(l int, aggregation []string) *Bank {
	bk := &Bank{L: l, sums: make(map[string][]float64), last: make(map[string][]float64)}

	selected := make(map[string]bool, len(aggregation))
	for _, f := range aggregation {
		selected[f] = true
	}
	for _, f := range featureOrder {
		if !selected[f] {
			continue
		}
		bk.features = append(bk.features, f)
		bk.sums[f] = make([]float64, l)
		bk.last[f] = make([]float64, l)
	}
	return bk
}

// Clear zeroes every accumulator, matching the bin-close fold-then-clear
// protocol spec §3 describes for sketch counters — the same rule applies to
// this working bank.
func (bk *Bank) Clear() {
	for _, f := range bk.features {
		for i := range bk.sums[f] {
			bk.sums[f][i] = 0
			bk.last[f][i] = 0
		}
	}
}

// Add folds one record's contribution into its link's column. The caller
// is expected to have already validated r (record.Record.Validate) so
// LinkIndex is meaningful.
func (bk *Bank) Add(r record.Record) {
	link := r.LinkIndex()
	if link < 0 || link >= bk.L {
		return
	}
	for _, f := range bk.features {
		switch f {
		case "flows":
			bk.sums[f][link] += float64(r.Flows)
		case "packets":
			bk.sums[f][link] += float64(r.Packets)
		case "bytes":
			bk.sums[f][link] += float64(r.Bytes)
		case "ent_sip":
			bk.last[f][link] = float64(r.EntropySrcIP)
		case "ent_dip":
			bk.last[f][link] = float64(r.EntropyDstIP)
		case "ent_sport":
			bk.last[f][link] = float64(r.EntropySrcPort)
		case "ent_dport":
			bk.last[f][link] = float64(r.EntropyDstPort)
		}
	}
}

// FoldRow returns this bin's feature-major row: len(features)*L values, one
// L-column block per feature in canonical order — the row timebin.Matrix
// stores and pca.Engine operates on.
func (bk *Bank) FoldRow() []float64 {
	row := make([]float64, 0, len(bk.features)*bk.L)
	for _, f := range bk.features {
		if additive(f) {
			row = append(row, bk.sums[f]...)
		} else {
			row = append(row, bk.last[f]...)
		}
	}
	return row
}

// Width returns len(features)*L, the F dimension of the data matrix this
// bank feeds.
func (bk *Bank) Width() int {
	return len(bk.features) * bk.L
}
