package corectx

import "fmt"

// TypeMap is the append-only, monotonic string<->u32 table each peer
// maintains (spec.md §3 "Type map"): ids are never reused, and once an
// id is recorded its name can never change (testable property 2).
type TypeMap struct {
	byID   []string
	byName map[string]uint32
}

// NewTypeMap returns an empty map.
func NewTypeMap() *TypeMap {
	return &TypeMap{byName: make(map[string]uint32)}
}

// Announce records names starting at firstID, matching the wire shape
// of update_types(first_id, names[]) (spec.md §4.1 step 2). An id
// that is already recorded is never overwritten — the first
// announcement for a given id always wins, enforcing monotonicity
// even if a peer (incorrectly) re-sends overlapping ranges. A name
// announced again under a new id is recorded at that id too, while
// IDOf keeps returning the id it was first announced under.
func (m *TypeMap) Announce(firstID uint32, names []string) {
	for i, name := range names {
		id := firstID + uint32(i)
		if int(id) < len(m.byID) {
			continue // id already recorded; never overwritten
		}
		for int(id) > len(m.byID) {
			m.byID = append(m.byID, "") // gap filler, should not occur on a conforming peer
		}
		m.byID = append(m.byID, name)
		if _, exists := m.byName[name]; !exists {
			m.byName[name] = id
		}
	}
}

// NameOf returns the name registered for id, or ok=false if the
// sender has not announced it yet — the receiver may ignore unknown
// ids per spec.md §3.
func (m *TypeMap) NameOf(id uint32) (string, bool) {
	if int(id) >= len(m.byID) || m.byID[id] == "" {
		return "", false
	}
	return m.byID[id], true
}

// IDOf returns the id assigned to name, or ok=false if name has never
// been announced locally.
func (m *TypeMap) IDOf(name string) (uint32, bool) {
	id, ok := m.byName[name]
	return id, ok
}

// Len reports how many ids have been assigned, for computing the
// first id of the next Announce batch.
func (m *TypeMap) Len() uint32 {
	return uint32(len(m.byID))
}

// MustIDOf is a convenience for local announcers that only ever refer
// to their own previously-announced names.
func (m *TypeMap) MustIDOf(name string) uint32 {
	id, ok := m.IDOf(name)
	if !ok {
		panic(fmt.Sprintf("corectx: type %q never announced locally", name))
	}
	return id
}
