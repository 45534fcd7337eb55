// Package sketch implements the bank of independent hash sketches the
// sketch+PCA detector aggregates flows through (spec §4.3): per bin, each
// of H hash functions rows flows by (src_ip, dst_ip) and columns them by
// one of four tracked attributes, then folds row occupancy into a Shannon
// entropy feature vector for that hash's own PCA matrix.
package sketch

import (
	"encoding/binary"
	"math"
	"net"

	"github.com/cespare/xxhash/v2"
)

// Attribute order is fixed per spec §4.3: "one block per attribute in
// fixed order: src_ip, src_port, dst_ip, dst_port".
const (
	AttrSrcIP = iota
	AttrSrcPort
	AttrDstIP
	AttrDstPort
	numAttrs
)

// Bank is one bin's worth of (H, S, B) sketch counters. The sketch
// pipelines keep a single bank and Clear it after each closed bin.
type Bank struct {
	H, S, B int
	seeds   []uint32

	// counts[h][row][attr][col]
	counts [][][][]uint32
	// packetCount[h][row] is the row marginal.
	packetCount [][]uint32

	// PrefixMaskBits selects the upper N address bits used to compute the
	// row hash, aggregating closely related clients (spec §4.3).
	PrefixMaskBits int

	// TrackKeys enables rowKeys bookkeeping, needed only by the sketch+PCA
	// detector's cross-hash key intersection (spec §1: "intersects results
	// across hashes to identify specific anomalous source keys"); plain
	// entropy-feature folding never reads it, so it's off by default to
	// avoid the extra per-flow bookkeeping cost.
	TrackKeys bool
	// rowKeys[h][row] is the set of (src_ip,dst_ip) keys observed hashing
	// to that row this bin, valid only when TrackKeys is set.
	rowKeys [][]map[string]struct{}
}

// NewBank allocates a zeroed bank for H hash functions, S rows, B columns
// per attribute, with deterministic per-hash seeds (seeds[h] is the
// SuperFastHash seed of hash h's row hash).
func NewBank(h, s, b int, seeds []uint32) *Bank {
	counts := make([][][][]uint32, h)
	packetCount := make([][]uint32, h)
	for i := 0; i < h; i++ {
		packetCount[i] = make([]uint32, s)
		counts[i] = make([][][]uint32, s)
		for row := 0; row < s; row++ {
			counts[i][row] = make([][]uint32, numAttrs)
			for a := 0; a < numAttrs; a++ {
				counts[i][row][a] = make([]uint32, b)
			}
		}
	}
	return &Bank{H: h, S: s, B: b, seeds: seeds, counts: counts, packetCount: packetCount}
}

// EnableKeyTracking turns on rowKeys bookkeeping for this bank, allocating
// the per-hash per-row key sets.
func (bk *Bank) EnableKeyTracking() {
	bk.TrackKeys = true
	bk.rowKeys = make([][]map[string]struct{}, bk.H)
	for h := range bk.rowKeys {
		bk.rowKeys[h] = make([]map[string]struct{}, bk.S)
		for row := range bk.rowKeys[h] {
			bk.rowKeys[h][row] = make(map[string]struct{})
		}
	}
}

// KeysInRow returns the (src_ip,dst_ip) keys that hashed to hash h's row
// this bin. Valid only after EnableKeyTracking.
func (bk *Bank) KeysInRow(h, row int) []string {
	if !bk.TrackKeys {
		return nil
	}
	set := bk.rowKeys[h][row]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// Clear zeroes all counters, matching spec §3's "sketch counters are
// shared by all flows within one bin; on bin completion ... counters are
// zeroed before the bin can accept new traffic."
func (bk *Bank) Clear() {
	for h := range bk.counts {
		for row := range bk.counts[h] {
			bk.packetCount[h][row] = 0
			for a := range bk.counts[h][row] {
				for c := range bk.counts[h][row][a] {
					bk.counts[h][row][a][c] = 0
				}
			}
		}
		if bk.TrackKeys {
			for row := range bk.rowKeys[h] {
				bk.rowKeys[h][row] = make(map[string]struct{})
			}
		}
	}
}

func maskIP(ip net.IP, prefixBits int) []byte {
	ip16 := ip.To16()
	out := make([]byte, len(ip16))
	copy(out, ip16)
	if prefixBits <= 0 {
		return out
	}
	if ip.To4() != nil {
		// an IPv4 address sits in the last 4 bytes of its 16-byte form.
		prefixBits += 96
	}
	fullBytes := prefixBits / 8
	rem := prefixBits % 8
	for i := fullBytes; i < len(out); i++ {
		if i == fullBytes && rem > 0 {
			mask := byte(0xFF << (8 - rem))
			out[i] &= mask
		} else if i > fullBytes || rem == 0 {
			out[i] = 0
		}
	}
	return out
}

func portBytes(p uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], p)
	return b[:]
}

// Add folds one flow into every hash function's row/column counters.
func (bk *Bank) Add(srcIP, dstIP net.IP, srcPort, dstPort uint16, packets uint64) {
	maskedSrc := maskIP(srcIP, bk.PrefixMaskBits)
	maskedDst := maskIP(dstIP, bk.PrefixMaskBits)
	key := append(append([]byte{}, maskedSrc...), maskedDst...)

	attrBytes := [numAttrs][]byte{
		AttrSrcIP:   srcIP.To16(),
		AttrSrcPort: portBytes(srcPort),
		AttrDstIP:   dstIP.To16(),
		AttrDstPort: portBytes(dstPort),
	}

	for h := 0; h < bk.H; h++ {
		row := int(SuperFastHash(key, bk.seeds[h]) % uint32(bk.S))
		bk.packetCount[h][row] += uint32(packets)
		if bk.TrackKeys {
			bk.rowKeys[h][row][srcIP.String()+"|"+dstIP.String()] = struct{}{}
		}
		for a := 0; a < numAttrs; a++ {
			// Row hashing uses SuperFastHash because which bucket a key
			// lands in must be byte-for-byte reproducible (spec §4.3).
			// Column/attribute hashing ("hash_default" in spec §4.3) has
			// no such constraint, so it uses xxhash, seeded per hash
			// function so the H sketches don't all share one column
			// layout.
			colKey := append(append([]byte{}, attrBytes[a]...), byte(h))
			col := int(xxhash.Sum64(colKey) % uint64(bk.B))
			bk.counts[h][row][a][col] += uint32(packets)
		}
	}
}

// Entropy returns the Shannon entropy of bucket occupancy for hash h, row,
// attribute a: -Σ (c_i/P) log2(c_i/P) over non-zero buckets, 0 if P=0
// (spec §4.3).
func (bk *Bank) Entropy(h, row, attr int) float64 {
	p := bk.packetCount[h][row]
	if p == 0 {
		return 0
	}
	total := float64(p)
	var entropy float64
	for _, c := range bk.counts[h][row][attr] {
		if c == 0 {
			continue
		}
		frac := float64(c) / total
		entropy -= frac * math.Log2(frac)
	}
	return entropy
}

// FoldRow returns hash h's feature row for this bin: 4*S entropy values,
// one block per attribute in fixed order, S values per block (one per
// row). This is the row PCA operates on for hash h's own matrix.
func (bk *Bank) FoldRow(h int) []float64 {
	row := make([]float64, numAttrs*bk.S)
	idx := 0
	for a := 0; a < numAttrs; a++ {
		for r := 0; r < bk.S; r++ {
			row[idx] = bk.Entropy(h, r, a)
			idx++
		}
	}
	return row
}

// RowOfColumn recovers which sketch row a fired PCA column came from:
// FoldRow lays columns out attribute-major with S values per block, so
// column c belongs to row c mod S (the attribute block index, c/S, is not
// needed by the caller).
func (bk *Bank) RowOfColumn(c int) int {
	return c % bk.S
}

// IntersectKeys narrows firedColumns-per-hash down to the (src_ip,dst_ip)
// keys implicated by every hash function that fired this bin (spec §1:
// "intersects results across hashes to identify specific anomalous source
// keys" — independent hash functions rarely collide the same innocent key
// into a flagged row in all of them, so the intersection is the offending
// traffic). bk is the single bank shared by all H hash functions;
// firedColumns[h] lists the PCA columns that fired on hash h's own matrix
// this bin (empty/absent if hash h didn't fire).
func IntersectKeys(bk *Bank, firedColumns map[int][]int) []string {
	var candidateSets [][]string
	for h, cols := range firedColumns {
		if len(cols) == 0 {
			continue
		}
		seen := make(map[string]struct{})
		for _, c := range cols {
			for _, k := range bk.KeysInRow(h, bk.RowOfColumn(c)) {
				seen[k] = struct{}{}
			}
		}
		keys := make([]string, 0, len(seen))
		for k := range seen {
			keys = append(keys, k)
		}
		candidateSets = append(candidateSets, keys)
	}
	if len(candidateSets) == 0 {
		return nil
	}

	common := make(map[string]int)
	for _, set := range candidateSets {
		for _, k := range set {
			common[k]++
		}
	}
	var out []string
	for k, n := range common {
		if n == len(candidateSets) {
			out = append(out, k)
		}
	}
	return out
}
