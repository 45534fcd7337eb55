// Package cuckoo implements the two-hash-function cuckoo hash table shared
// by the blacklist/spoofing filters and the VoIP fraud detector's
// per-source table (spec §4.1). The source keeps two hand-written variants
// differing only in key representation (raw address bytes vs. a copied
// fixed-size struct); here both are one generic Table[K, V] instantiated
// over a comparable key type, since Go generics erase that distinction
// without erasing type safety.
package cuckoo

import (
	"errors"
)

// TMax bounds the eviction chain length before a rehash is forced (spec
// §4.1, "Bound the chain at T_MAX = 10").
const TMax = 10

// ErrRehashAllocFailed is returned when growing the table would exceed
// MaxCapacity. Per spec §4.1/§7, allocation failure during rehash is fatal
// to the owning subsystem — callers should treat this as a fatal-to-module
// condition (log, flush, exit), not retry it.
var ErrRehashAllocFailed = errors.New("cuckoo: rehash allocation failed")

// HashFunc computes one of the table's two independent hash functions over
// a key.
type HashFunc[K any] func(K) uint64

// Table is a two-hash cuckoo hash table over fixed-size keys and values,
// copied into owned slots on insert (spec §4.1: "copy key into a scratch
// slot").
type Table[K comparable, V any] struct {
	h1, h2 HashFunc[K]

	keys     []K
	values   []V
	occupied []bool
	n        int

	// MaxCapacity bounds how large Rehash is allowed to grow the table; 0
	// means unbounded. Exceeding it surfaces ErrRehashAllocFailed instead
	// of silently growing forever.
	MaxCapacity int

	// OnRehash, if set, is called after every successful rehash so
	// callers can observe growth (e.g. metrics.RecordRehash) without
	// this package depending on a metrics library itself.
	OnRehash func(newCapacity int)
}

// New creates a table of initial capacity n with the given hash functions.
func New[K comparable, V any](n int, h1, h2 HashFunc[K]) *Table[K, V] {
	return &Table[K, V]{
		h1:       h1,
		h2:       h2,
		keys:     make([]K, n),
		values:   make([]V, n),
		occupied: make([]bool, n),
		n:        n,
	}
}

// Len returns the table's current capacity (not its occupancy).
func (t *Table[K, V]) Len() int { return t.n }

func (t *Table[K, V]) pos1(k K) int { return int(t.h1(k) % uint64(t.n)) }
func (t *Table[K, V]) pos2(k K) int { return int(t.h2(k) % uint64(t.n)) }

// Get returns the value stored for key, probing only h1(key) and h2(key)
// per spec §4.1.
func (t *Table[K, V]) Get(key K) (V, bool) {
	if i, ok := t.GetIndex(key); ok {
		return t.values[i], true
	}
	var zero V
	return zero, false
}

// GetIndex returns the slot index holding key, or ok=false.
func (t *Table[K, V]) GetIndex(key K) (int, bool) {
	if p1 := t.pos1(key); t.occupied[p1] && t.keys[p1] == key {
		return p1, true
	}
	if p2 := t.pos2(key); t.occupied[p2] && t.keys[p2] == key {
		return p2, true
	}
	return 0, false
}

// RemoveByKey clears the slot holding key, if any, returning whether a
// matching entry was found.
func (t *Table[K, V]) RemoveByKey(key K) bool {
	i, ok := t.GetIndex(key)
	if !ok {
		return false
	}
	t.RemoveByIndex(i)
	return true
}

// RemoveByIndex clears slot i unconditionally.
func (t *Table[K, V]) RemoveByIndex(i int) {
	var zk K
	var zv V
	t.occupied[i] = false
	t.keys[i] = zk
	t.values[i] = zv
}

// InsertResult reports whether Insert overwrote an existing key and, if
// so, the value it replaced.
type InsertResult[V any] struct {
	// Updated is true if key already occupied a slot and its value was
	// overwritten in place (insert-or-update semantics).
	Updated bool
	// Displaced holds the value key had before this call when Updated is
	// true. Nil when key was new: occupants moved along the eviction chain
	// are relocated within the table, not reported.
	Displaced *V
}

// Insert stores key/value, evicting and relocating any occupant in its way
// per the cuckoo insertion protocol, rehashing (doubling capacity) if the
// eviction chain exceeds TMax.
func (t *Table[K, V]) Insert(key K, value V) (InsertResult[V], error) {
	if i, ok := t.GetIndex(key); ok {
		old := t.values[i]
		t.values[i] = value
		return InsertResult[V]{Updated: true, Displaced: &old}, nil
	}

	res, pendingKey, pendingValue, exceeded := t.insertChain(key, value)
	if !exceeded {
		return res, nil
	}

	if err := t.rehash(); err != nil {
		return InsertResult[V]{}, err
	}

	// insert the entry that was still displaced when the chain bound hit,
	// now against the freshly grown table.
	return t.Insert(pendingKey, pendingValue)
}

// insertChain runs the bounded eviction loop. If the chain is not broken by
// TMax, it returns the final InsertResult. If it is, exceeded is true and
// (pendingKey, pendingValue) is the entry still looking for a home.
func (t *Table[K, V]) insertChain(key K, value V) (res InsertResult[V], pendingKey K, pendingValue V, exceeded bool) {
	curKey, curVal := key, value
	pos := t.pos1(curKey)

	for i := 0; i < TMax; i++ {
		if !t.occupied[pos] {
			t.keys[pos] = curKey
			t.values[pos] = curVal
			t.occupied[pos] = true
			return InsertResult[V]{}, curKey, curVal, false
		}

		if t.keys[pos] == curKey {
			old := t.values[pos]
			t.values[pos] = curVal
			return InsertResult[V]{Updated: true, Displaced: &old}, curKey, curVal, false
		}

		evictedKey, evictedVal := t.keys[pos], t.values[pos]
		t.keys[pos] = curKey
		t.values[pos] = curVal

		curKey, curVal = evictedKey, evictedVal
		p1, p2 := t.pos1(curKey), t.pos2(curKey)
		if pos == p1 {
			pos = p2
		} else {
			pos = p1
		}
	}

	return InsertResult[V]{}, curKey, curVal, true
}

// rehash doubles the table's capacity and reinserts every populated slot.
func (t *Table[K, V]) rehash() error {
	newN := t.n * 2
	if t.MaxCapacity > 0 && newN > t.MaxCapacity {
		return ErrRehashAllocFailed
	}

	oldKeys, oldValues, oldOccupied := t.keys, t.values, t.occupied

	t.keys = make([]K, newN)
	t.values = make([]V, newN)
	t.occupied = make([]bool, newN)
	t.n = newN

	for i, occ := range oldOccupied {
		if !occ {
			continue
		}
		// Reinsertion against the larger table may itself exceed TMax and
		// recursively rehash again, matching spec's "rehash may itself
		// grow again."
		if _, err := t.Insert(oldKeys[i], oldValues[i]); err != nil {
			return err
		}
	}
	if t.OnRehash != nil {
		t.OnRehash(t.n)
	}
	return nil
}
