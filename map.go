// Copyright 2026 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package robinhood is a Go implementation of an open-addressing hash map
// using robin hood hashing with linear probing. See:
// https://cs.uwaterloo.ca/research/tr/1986/CS-86-14.pdf (Celis, "Robin Hood
// Hashing").
//
// # Robin Hood Hashing
//
// All entries live directly in a flat array of slots whose length is a power
// of two. A key's ideal slot is hash(key) & mask and collisions are resolved
// by probing forward one slot at a time. The number of slots between an
// entry's ideal slot and its actual slot is its probe distance. During
// insertion, when the entry being inserted has probed further than the entry
// occupying the current slot, the two trade places and the displaced entry
// continues probing. Entries that are far from home never yield to entries
// that are close to home, which keeps the variance of probe distances low.
//
// The same ordering gives lookups an early exit: if a lookup has probed
// further than the occupant of the current slot, the key cannot appear later
// in the run, because insertion would have displaced that occupant.
//
// # Layout
//
// A Map keeps two parallel arrays of the same capacity: an index array that
// holds the full 32-bit hash of each entry plus a slot state (free, occupied
// or tombstone), and a data array holding the key/value pairs. The probe
// distance of an entry is never stored; it is derived from the stored hash and
// the slot number. Both arrays are obtained from, and returned to, an
// Allocator supplied when the Map is constructed.
//
// Deletion leaves a tombstone so that probe runs passing through the slot
// remain intact. A tombstone keeps the hash of the entry it replaced and is
// treated as an entry with that probe distance that never matches. Insertion
// reuses a tombstone when the inserted entry has probed at least as far as the
// tombstone's distance, and a rehash drops all tombstones. Live entries and
// tombstones together are held below the load factor ceiling, so that every
// probe run ends at a free slot. When tombstones push the table over the
// ceiling, they are purged in place by shifting the entries behind each one
// back toward their ideal slots.
//
// The table grows by doubling once the number of live entries reaches 90% of
// the capacity. Growth builds a fresh pair of arrays and replays every live
// entry through the insertion path using its stored hash. If the allocator
// refuses the new arrays, the old table is left untouched and the error is
// returned to the caller.
package robinhood

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	debug = false

	// initialCapacity is the number of slots allocated on the first insert.
	initialCapacity = 16
	// maxCapacity is the largest number of slots a Map will allocate.
	maxCapacity = 1 << 31

	// The map grows when used/capacity >= maxLoadNum/maxLoadDen.
	maxLoadNum = 9
	maxLoadDen = 10

	stateFree     uint32 = 0
	stateOccupied uint32 = 1
	// stateDeleted is or'd into the state word of a removed entry. Any state
	// with the high bit set is a tombstone.
	stateDeleted uint32 = 1 << 31
)

// HashFunc computes the hash of a key. Keys for which an EqualFunc reports
// equality must hash to the same value.
type HashFunc[K any] func(key *K) uint32

// EqualFunc reports whether two keys are equal.
type EqualFunc[K any] func(a, b *K) bool

// Index holds the per-slot metadata of a Map: the full hash of the entry in
// the slot and the slot's state.
type Index struct {
	hash  uint32
	state uint32
}

func (x Index) free() bool     { return x.state == stateFree }
func (x Index) occupied() bool { return x.state == stateOccupied }
func (x Index) deleted() bool  { return x.state&stateDeleted != 0 }

// Slot holds a key and value.
type Slot[K, V any] struct {
	key   K
	value V
}

// Map is an unordered map from keys to values with Set, Get, Has, Remove and
// All operations. Keys are hashed and compared with the functions supplied to
// New, so any key type can be used.
//
// A Map is NOT goroutine-safe.
type Map[K, V any] struct {
	hash  HashFunc[K]
	equal EqualFunc[K]
	// The allocator to use for the index and slots slices.
	allocator Allocator[K, V]
	logger    *zap.Logger
	// destroy, if set, is invoked on every live pair that leaves the map via
	// Remove, Clear or Close.
	destroy func(key *K, value *V)

	// index and slots are capacity in length and are allocated and released
	// together.
	index []Index
	slots []Slot[K, V]
	// The total number of slots, always 0 or 2^N. The mask (capacity-1) is
	// used to quickly compute i%capacity.
	capacity uint32
	mask     uint32
	// The number of occupied slots (i.e. the number of elements in the map).
	used int
	// The number of tombstones. used+tombstones is kept below the maximum
	// load factor.
	tombstones int
}

// New constructs a new, empty Map which hashes keys using hash and compares
// them using equal. No storage is allocated until the first Set or Reserve.
func New[K, V any](hash HashFunc[K], equal EqualFunc[K], options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{}
	m.Init(hash, equal, options...)
	return m
}

// Init initializes a Map with the specified hash and equality functions and
// options. Init can be used to reuse a Map; any storage it holds is released
// to its previous allocator first. The zero value for a Map is not usable
// until Init is called.
func (m *Map[K, V]) Init(hash HashFunc[K], equal EqualFunc[K], options ...option[K, V]) {
	if m.capacity > 0 {
		m.Close()
	}
	*m = Map[K, V]{
		hash:      hash,
		equal:     equal,
		allocator: defaultAllocator[K, V]{},
		logger:    zap.NewNop(),
	}
	for _, op := range options {
		op.apply(m)
	}
	m.checkInvariants()
}

// Close releases the map's storage back to its configured allocator after
// invoking the destructor, if any, on every entry. The map is left empty with
// zero capacity and allocates again if it is reused. Close is idempotent.
func (m *Map[K, V]) Close() {
	if m.capacity == 0 {
		return
	}
	m.destroyAll()
	m.allocator.FreeSlots(m.slots)
	m.allocator.FreeIndex(m.index)
	m.index = nil
	m.slots = nil
	m.capacity = 0
	m.mask = 0
	m.used = 0
	m.tombstones = 0
}

// Set inserts an entry into the map, overwriting the existing value if an
// entry with the same key already exists. An error is returned only if the
// map needed to grow and its allocator could not supply the storage, in which
// case the map is unchanged.
func (m *Map[K, V]) Set(key K, value V) error {
	// Set is find composed with insert. If the key is present we overwrite
	// the value in place. Otherwise we make room first, so that a failed
	// growth leaves the map exactly as it was, and then insert an entry
	// known not to be in the table.
	h := m.hash(&key)
	if i, ok := m.find(h, &key); ok {
		if debug {
			fmt.Printf("set(updating): index=%d key=%v\n", i, key)
		}
		m.slots[i].value = value
		return nil
	}

	if m.capacity == 0 || m.full(m.used+1) {
		if err := m.grow(); err != nil {
			return err
		}
	} else if m.full(m.used + m.tombstones + 1) {
		m.purgeTombstones()
	}
	m.insert(h, key, value)
	m.used++
	m.checkInvariants()
	return nil
}

// Get returns the value stored for key, or def if the key is not present.
func (m *Map[K, V]) Get(key K, def V) V {
	if i, ok := m.find(m.hash(&key), &key); ok {
		return m.slots[i].value
	}
	return def
}

// Lookup retrieves the value from the map for the specified key, returning
// ok=false if the key is not present.
func (m *Map[K, V]) Lookup(key K) (value V, ok bool) {
	i, ok := m.find(m.hash(&key), &key)
	if !ok {
		return value, false
	}
	return m.slots[i].value, true
}

// Has returns true if the map contains key.
func (m *Map[K, V]) Has(key K) bool {
	_, ok := m.find(m.hash(&key), &key)
	return ok
}

// Remove deletes the entry corresponding to the specified key from the map.
// It is a noop to remove a non-existent key.
func (m *Map[K, V]) Remove(key K) {
	i, ok := m.find(m.hash(&key), &key)
	if !ok {
		return
	}

	// The pair is destroyed before the slot stops claiming it. The slot
	// becomes a tombstone rather than free so that runs which probe through
	// it continue past it.
	s := &m.slots[i]
	if m.destroy != nil {
		m.destroy(&s.key, &s.value)
	}
	*s = Slot[K, V]{}
	m.index[i].state |= stateDeleted
	m.used--
	m.tombstones++

	if debug {
		fmt.Printf("remove(%v): index=%d used=%d\n", key, i, m.used)
	}
	m.checkInvariants()
}

// Clear deletes all entries from the map, invoking the destructor, if any,
// on each of them. The capacity of the map is retained.
func (m *Map[K, V]) Clear() {
	m.destroyAll()
	clear(m.slots)
	clear(m.index)
	m.used = 0
	m.tombstones = 0
	m.checkInvariants()
}

// Reserve grows the map, if necessary, so that it can hold n entries without
// further growth. An error is returned if n entries cannot fit in the largest
// table a Map supports or if the allocator cannot supply the storage.
func (m *Map[K, V]) Reserve(n int) error {
	if n <= 0 {
		return nil
	}
	if int64(n) > (maxCapacity*maxLoadNum-1)/maxLoadDen {
		return errors.Newf("robinhood: %d entries exceed the maximum capacity of %d slots", n, uint64(maxCapacity))
	}
	newCapacity := uint64(m.capacity)
	if newCapacity == 0 {
		newCapacity = initialCapacity
	}
	for uint64(n)*maxLoadDen >= newCapacity*maxLoadNum {
		newCapacity *= 2
	}
	if newCapacity == uint64(m.capacity) {
		return nil
	}
	return m.resize(uint32(newCapacity))
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, iteration stops. The order reflects the current slot
// layout only. The map must not have entries inserted or removed during
// iteration, as either can move entries between slots.
//
// All has the signature of iter.Seq2[K, V] so the map can be ranged over:
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	index, slots := m.index, m.slots
	for i := range index {
		// Free slots and tombstones hold no pair.
		if !index[i].occupied() {
			continue
		}
		s := &slots[i]
		if !yield(s.key, s.value) {
			return
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// Capacity returns the number of slots in the map, or 0 if the map has never
// allocated storage.
func (m *Map[K, V]) Capacity() int {
	return int(m.capacity)
}

// full returns true if a map holding used entries is at or above the maximum
// load factor.
func (m *Map[K, V]) full(used int) bool {
	return used*maxLoadDen >= int(m.capacity)*maxLoadNum
}

// probeDistance returns the distance between slot i and the ideal slot of an
// entry with hash h.
func (m *Map[K, V]) probeDistance(h, i uint32) uint32 {
	return (i + m.capacity - (h & m.mask)) & m.mask
}

// find returns the slot holding key, which has hash h.
func (m *Map[K, V]) find(h uint32, key *K) (uint32, bool) {
	if m.used == 0 {
		return 0, false
	}

	i := h & m.mask
	if debug {
		fmt.Printf("find(%v): hash=%08x ideal=%d\n", *key, h, i)
	}
	for dist := uint32(0); ; dist++ {
		x := m.index[i]
		if x.free() {
			// Probe runs never contain a free slot.
			return 0, false
		}
		if dist > m.probeDistance(x.hash, i) {
			// Had the key been inserted it would have displaced this
			// occupant, so it cannot be further along.
			if debug {
				fmt.Printf("find(not-found): index=%d dist=%d occupant-dist=%d\n",
					i, dist, m.probeDistance(x.hash, i))
			}
			return 0, false
		}
		if x.occupied() && x.hash == h && m.equal(&m.slots[i].key, key) {
			return i, true
		}
		i = (i + 1) & m.mask
	}
}

// insert places an entry known not to be in the table. Violating that
// requirement leaves two entries for the same key.
func (m *Map[K, V]) insert(h uint32, key K, value V) {
	i := h & m.mask
	var dist uint32
	for {
		x := &m.index[i]
		if x.free() {
			break
		}

		d := m.probeDistance(x.hash, i)
		if x.deleted() {
			// A tombstone may only be reclaimed by an entry that has probed
			// at least as far. Placing a richer entry here would lower the
			// distance recorded at this slot below what entries further along
			// the run passed through.
			if d <= dist {
				break
			}
		} else if d < dist {
			// The occupant is richer than the traveling entry. Swap them and
			// continue finding a slot for the occupant.
			if debug {
				fmt.Printf("insert(swapping): index=%d dist=%d occupant-dist=%d\n", i, dist, d)
			}
			s := &m.slots[i]
			h, x.hash = x.hash, h
			key, s.key = s.key, key
			value, s.value = s.value, value
			dist = d
		}

		i = (i + 1) & m.mask
		dist++
		if invariants && dist >= m.capacity {
			panic(errors.AssertionFailedf("invariant failed: insert probed every slot\n%s", m.debugString()))
		}
	}

	if debug {
		fmt.Printf("insert(placing): index=%d dist=%d reclaimed=%t\n", i, dist, m.index[i].deleted())
	}
	if m.index[i].deleted() {
		m.tombstones--
	}
	m.slots[i] = Slot[K, V]{key: key, value: value}
	m.index[i] = Index{hash: h, state: stateOccupied}
}

// purgeTombstones removes every tombstone from the table without
// reallocating. Each tombstone is dropped by shifting the run of entries
// behind it back one slot, up to the first free slot or entry sitting in its
// ideal slot.
func (m *Map[K, V]) purgeTombstones() {
	if debug {
		fmt.Printf("purge: used=%d tombstones=%d\n", m.used, m.tombstones)
	}
	purged := m.tombstones
	// A shift can carry a tombstone back past slot 0 into a slot already
	// visited, so keep circling until none remain.
	for i := uint32(0); m.tombstones > 0; i = (i + 1) & m.mask {
		for m.index[i].deleted() {
			m.shiftBack(i)
		}
	}
	m.logger.Debug("robinhood: purged tombstones",
		zap.Uint32("capacity", m.capacity),
		zap.Int("tombstones", purged),
		zap.Int("used", m.used))
	m.checkInvariants()
}

// shiftBack removes the tombstone at slot i.
func (m *Map[K, V]) shiftBack(i uint32) {
	for {
		j := (i + 1) & m.mask
		x := m.index[j]
		if x.free() || m.probeDistance(x.hash, j) == 0 {
			break
		}
		m.index[i] = x
		m.slots[i] = m.slots[j]
		i = j
	}
	m.index[i] = Index{}
	m.slots[i] = Slot[K, V]{}
	m.tombstones--
}

// grow doubles the capacity of the table, or allocates the initial table.
func (m *Map[K, V]) grow() error {
	if m.capacity >= maxCapacity {
		return errors.Newf("robinhood: map is at the maximum capacity of %d slots", m.capacity)
	}
	newCapacity := uint32(initialCapacity)
	if m.capacity > 0 {
		newCapacity = 2 * m.capacity
	}
	return m.resize(newCapacity)
}

// resize allocates new index and slots arrays with newCapacity slots, inserts
// each live element of the table into them (we know that no insertion here
// will collide with an already-present key), and releases the old arrays. If
// the allocator fails, the table is not modified.
func (m *Map[K, V]) resize(newCapacity uint32) error {
	index, err := m.allocator.AllocIndex(int(newCapacity))
	if err != nil {
		return m.growthFailed(newCapacity, err)
	}
	slots, err := m.allocator.AllocSlots(int(newCapacity))
	if err != nil {
		m.allocator.FreeIndex(index)
		return m.growthFailed(newCapacity, err)
	}
	if len(index) != int(newCapacity) || len(slots) != int(newCapacity) {
		panic(errors.AssertionFailedf("allocator returned %d index and %d slots, expected %d",
			len(index), len(slots), newCapacity))
	}
	// Allocators are not required to zero memory they recycle.
	clear(index)
	clear(slots)

	oldIndex, oldSlots, oldCapacity := m.index, m.slots, m.capacity
	m.index, m.slots = index, slots
	m.capacity, m.mask = newCapacity, newCapacity-1
	m.tombstones = 0

	for i := range oldIndex {
		if !oldIndex[i].occupied() {
			continue
		}
		s := &oldSlots[i]
		m.insert(oldIndex[i].hash, s.key, s.value)
	}

	if oldCapacity > 0 {
		m.allocator.FreeSlots(oldSlots)
		m.allocator.FreeIndex(oldIndex)
	}

	m.logger.Debug("robinhood: resized map",
		zap.Uint32("old-capacity", oldCapacity),
		zap.Uint32("new-capacity", newCapacity),
		zap.Int("used", m.used))
	m.checkInvariants()
	return nil
}

func (m *Map[K, V]) growthFailed(newCapacity uint32, err error) error {
	m.logger.Warn("robinhood: unable to grow map",
		zap.Uint32("capacity", m.capacity),
		zap.Uint32("new-capacity", newCapacity),
		zap.Int("used", m.used),
		zap.Error(err))
	return errors.Wrapf(err, "robinhood: growing map from %d to %d slots", m.capacity, newCapacity)
}

// destroyAll invokes the destructor on every live entry.
func (m *Map[K, V]) destroyAll() {
	if m.destroy == nil {
		return
	}
	for i := range m.index {
		if m.index[i].occupied() {
			s := &m.slots[i]
			m.destroy(&s.key, &s.value)
		}
	}
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.capacity != 0 && bits.OnesCount32(m.capacity) != 1 {
			panic(errors.AssertionFailedf("invariant failed: capacity %d is not a power of 2", m.capacity))
		}
		if len(m.index) != int(m.capacity) || len(m.slots) != int(m.capacity) {
			panic(errors.AssertionFailedf("invariant failed: index=%d slots=%d capacity=%d",
				len(m.index), len(m.slots), m.capacity))
		}
		if m.capacity > 0 && m.full(m.used+m.tombstones) {
			panic(errors.AssertionFailedf("invariant failed: used=%d tombstones=%d exceeds load factor for capacity=%d\n%s",
				m.used, m.tombstones, m.capacity, m.debugString()))
		}

		// For every occupied slot, verify that find returns that slot and
		// that every slot probed on the way is non-free and records a probe
		// distance no smaller than the distance probed so far.
		var used, tombstones int
		for i := uint32(0); i < m.capacity; i++ {
			x := m.index[i]
			if !x.occupied() {
				if x.deleted() {
					tombstones++
				} else if !x.free() {
					panic(errors.AssertionFailedf("invariant failed: index(%d): bad state %08x", i, x.state))
				}
				continue
			}
			used++
			s := &m.slots[i]
			if h := m.hash(&s.key); h != x.hash {
				panic(errors.AssertionFailedf("invariant failed: index(%d): stored hash %08x != %08x\n%s",
					i, x.hash, h, m.debugString()))
			}
			for j, dist := x.hash&m.mask, uint32(0); j != i; j, dist = (j+1)&m.mask, dist+1 {
				y := m.index[j]
				if y.free() || m.probeDistance(y.hash, j) < dist {
					panic(errors.AssertionFailedf("invariant failed: slot(%d) breaks probe run of slot(%d)\n%s",
						j, i, m.debugString()))
				}
			}
			if j, ok := m.find(x.hash, &s.key); !ok || j != i {
				panic(errors.AssertionFailedf("invariant failed: slot(%d): %v not found\n%s",
					i, s.key, m.debugString()))
			}
		}

		if used != m.used {
			panic(errors.AssertionFailedf("invariant failed: found %d used slots, but used count is %d\n%s",
				used, m.used, m.debugString()))
		}
		if tombstones != m.tombstones {
			panic(errors.AssertionFailedf("invariant failed: found %d tombstones, but tombstone count is %d\n%s",
				tombstones, m.tombstones, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  tombstones=%d\n", m.capacity, m.used, m.tombstones)
	for i := uint32(0); i < m.capacity; i++ {
		x := m.index[i]
		switch {
		case x.free():
			fmt.Fprintf(&buf, "  %4d: free\n", i)
		case x.deleted():
			fmt.Fprintf(&buf, "  %4d: deleted [hash=%08x dist=%d]\n", i, x.hash, m.probeDistance(x.hash, i))
		default:
			fmt.Fprintf(&buf, "  %4d: %v [hash=%08x dist=%d]\n", i, m.slots[i].key, x.hash, m.probeDistance(x.hash, i))
		}
	}
	return buf.String()
}
