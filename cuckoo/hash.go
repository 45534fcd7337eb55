package cuckoo

import (
	"hash/fnv"

	"github.com/activecm/flowsentry/util"
	"github.com/cespare/xxhash/v2"
)

// FNV1a64 is h1: a stdlib FNV-1a hash. Cuckoo insertion correctness depends
// on h1 and h2 being drawn from independent hash families (reusing one
// fast hash twice with different seeds does not give that property) — see
// DESIGN.md for why this one stays on the standard library while h2 below
// is xxhash.
func FNV1a64(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// XXHash64 is h2, backed by github.com/cespare/xxhash/v2.
func XXHash64(b []byte) uint64 {
	return xxhash.Sum64(b)
}

// AddressKeyHashes returns the (h1, h2) pair for the byte-key variant of
// the table, keyed on a bare [16]byte (the Data of a util.FixedString:
// 16-byte, IPv4-in-IPv6 addresses).
func AddressKeyHashes() (HashFunc[[16]byte], HashFunc[[16]byte]) {
	h1 := func(k [16]byte) uint64 { return FNV1a64(k[:]) }
	h2 := func(k [16]byte) uint64 { return XXHash64(k[:]) }
	return h1, h2
}

// FixedStringKeyHashes returns the (h1, h2) pair keyed directly on
// util.FixedString, for per-source tables (VoIP trees, DNS-amplification
// histories) that already carry addresses in that type rather than bare
// [16]byte.
func FixedStringKeyHashes() (HashFunc[util.FixedString], HashFunc[util.FixedString]) {
	h1 := func(k util.FixedString) uint64 { return FNV1a64(k.Data[:]) }
	h2 := func(k util.FixedString) uint64 { return XXHash64(k.Data[:]) }
	return h1, h2
}

// FingerprintKeyHashes returns the (h1, h2) pair for the typed-key variant
// of the table, keyed on a 32-bit fingerprint (e.g. a hashed call-ID or
// suffix-tree node key) widened to 64 bits before hashing.
func FingerprintKeyHashes() (HashFunc[uint32], HashFunc[uint32]) {
	h1 := func(k uint32) uint64 {
		var b [4]byte
		b[0], b[1], b[2], b[3] = byte(k), byte(k>>8), byte(k>>16), byte(k>>24)
		return FNV1a64(b[:])
	}
	h2 := func(k uint32) uint64 {
		var b [4]byte
		b[0], b[1], b[2], b[3] = byte(k), byte(k>>8), byte(k>>16), byte(k>>24)
		return XXHash64(b[:])
	}
	return h1, h2
}
