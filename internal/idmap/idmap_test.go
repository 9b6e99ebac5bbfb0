package idmap

import "testing"

func TestInsertGetRemove(t *testing.T) {
	m := New[string]()
	id0 := m.Insert("zero")
	id1 := m.Insert("one")
	if id0 != 0 || id1 != 1 {
		t.Fatalf("unexpected ids: %d %d", id0, id1)
	}
	v, ok := m.Get(id1)
	if !ok || v != "one" {
		t.Fatalf("Get(id1) = %q, %v", v, ok)
	}
	if !m.Remove(id0) {
		t.Fatalf("Remove(id0) should succeed")
	}
	if _, ok := m.Get(id0); ok {
		t.Fatalf("Get after Remove should fail")
	}
}

// TestFreeListLIFOReuse pins spec.md §8 scenario S5: insert 0,1,2,
// remove 1, insert a new object and expect id 1 back.
func TestFreeListLIFOReuse(t *testing.T) {
	m := New[int]()
	m.Insert(0)
	id1 := m.Insert(1)
	m.Insert(2)

	if !m.Remove(id1) {
		t.Fatalf("Remove(id1) should succeed")
	}

	newID := m.Insert(99)
	if newID != id1 {
		t.Fatalf("expected reused id %d, got %d", id1, newID)
	}
	v, ok := m.Get(newID)
	if !ok || v != 99 {
		t.Fatalf("Get(newID) = %v, %v", v, ok)
	}
}

func TestFreeListOrderIsLIFO(t *testing.T) {
	m := New[int]()
	ids := make([]uint32, 5)
	for i := range ids {
		ids[i] = m.Insert(i)
	}
	// Free 1, 2, 3 in that order; the free list is LIFO, so
	// reinsertion must hand back 3, then 2, then 1.
	m.Remove(ids[1])
	m.Remove(ids[2])
	m.Remove(ids[3])

	if got := m.Insert(100); got != ids[3] {
		t.Fatalf("first reuse: got %d, want %d", got, ids[3])
	}
	if got := m.Insert(101); got != ids[2] {
		t.Fatalf("second reuse: got %d, want %d", got, ids[2])
	}
	if got := m.Insert(102); got != ids[1] {
		t.Fatalf("third reuse: got %d, want %d", got, ids[1])
	}
}

func TestRemoveUnknownIDIsNoop(t *testing.T) {
	m := New[int]()
	if m.Remove(42) {
		t.Fatalf("Remove on empty map should return false")
	}
	if m.Remove(Invalid) {
		t.Fatalf("Remove(Invalid) should return false")
	}
}

// TestIDUniqueness asserts spec.md §8 testable property 1: across any
// sequence of insert/remove, two live entries never share an id.
func TestIDUniqueness(t *testing.T) {
	m := New[int]()
	live := map[uint32]bool{}
	ops := []int{1, 1, 1, -1, 1, -1, -1, 1, 1, 1, -1, -1}
	var lastIDs []uint32
	for _, op := range ops {
		if op > 0 {
			id := m.Insert(0)
			if live[id] {
				t.Fatalf("id %d already live", id)
			}
			live[id] = true
			lastIDs = append(lastIDs, id)
		} else if len(lastIDs) > 0 {
			id := lastIDs[0]
			lastIDs = lastIDs[1:]
			delete(live, id)
			m.Remove(id)
		}
	}
}

func TestRange(t *testing.T) {
	m := New[string]()
	a := m.Insert("a")
	m.Insert("b")
	m.Remove(a)
	seen := map[uint32]string{}
	m.Range(func(id uint32, value string) bool {
		seen[id] = value
		return true
	})
	if len(seen) != 1 {
		t.Fatalf("expected 1 live entry, got %d: %v", len(seen), seen)
	}
}
