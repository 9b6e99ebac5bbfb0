// Package idmap implements the dense, free-list-backed u32 -> T map
// used to allocate object ids for proxies and server-side globals
// (spec.md §3 "Object id space").
package idmap

import "fmt"

// freeBit marks a slot as free; callers must never observe it on a
// live id (spec.md §3).
const freeBit = 0x8000_0000

// Invalid is the reserved "no id" sentinel (spec.md §3).
const Invalid uint32 = 0xFFFFFFFF

type slot[T any] struct {
	value T
	// nextFree holds (freeBit | next-free-index) when the slot is
	// free, and nextFree == 0 with no freeBit when occupied index 0
	// would be ambiguous, so occupied slots instead track occupied
	// via the separate used bool.
	nextFree uint32
	used     bool
}

// Map is a dense slice-backed map from uint32 ids to values of type T,
// with O(1) Insert/Remove and LIFO free-list reuse (spec.md S5).
// Not safe for concurrent use; callers serialize access (the object
// system runs on a single cooperative loop, spec.md §5).
type Map[T any] struct {
	slots    []slot[T]
	freeHead uint32 // freeBit | index of the free-list head; meaningful only while hasFree
	hasFree  bool
}

// New returns an empty Map.
func New[T any]() *Map[T] {
	return &Map[T]{}
}

// Insert stores value under the most recently freed id (LIFO reuse),
// or under a new id past the end when no slot is free, and returns
// the id.
func (m *Map[T]) Insert(value T) uint32 {
	if m.hasFree {
		idx := m.freeHead &^ freeBit
		next := m.slots[idx].nextFree
		if next&freeBit != 0 {
			m.freeHead = next
		} else {
			m.hasFree = false
		}
		m.slots[idx] = slot[T]{value: value, used: true}
		return idx
	}
	idx := uint32(len(m.slots))
	m.slots = append(m.slots, slot[T]{value: value, used: true})
	return idx
}

// Get returns the value at id and whether it is present.
func (m *Map[T]) Get(id uint32) (T, bool) {
	var zero T
	if id == Invalid || int(id) >= len(m.slots) {
		return zero, false
	}
	s := &m.slots[id]
	if !s.used {
		return zero, false
	}
	return s.value, true
}

// Remove frees id, pushing it onto the head of the free list. Returns
// false if id was not occupied (double-free is a no-op, matching
// core.remove_id being idempotent-safe at this layer).
func (m *Map[T]) Remove(id uint32) bool {
	if id == Invalid || int(id) >= len(m.slots) || !m.slots[id].used {
		return false
	}
	var zero T
	m.slots[id] = slot[T]{value: zero, used: false}
	if m.hasFree {
		m.slots[id].nextFree = m.freeHead
	}
	m.freeHead = freeBit | id
	m.hasFree = true
	return true
}

// Len returns the number of currently occupied slots.
func (m *Map[T]) Len() int {
	n := 0
	for i := range m.slots {
		if m.slots[i].used {
			n++
		}
	}
	return n
}

// Range calls fn for every occupied (id, value) pair. fn returning
// false stops iteration early. Iteration order is ascending by id.
func (m *Map[T]) Range(fn func(id uint32, value T) bool) {
	for i := range m.slots {
		if !m.slots[i].used {
			continue
		}
		if !fn(uint32(i), m.slots[i].value) {
			return
		}
	}
}

// MustGet is Get, panicking if id is not present. Intended for code
// paths that have already validated the id (e.g. right after Insert).
func (m *Map[T]) MustGet(id uint32) T {
	v, ok := m.Get(id)
	if !ok {
		panic(fmt.Sprintf("idmap: id %d not present", id))
	}
	return v
}
