package corectx

import "testing"

func TestTypeMapAnnounceAndLookup(t *testing.T) {
	m := NewTypeMap()
	m.Announce(0, []string{"Core", "Registry"})
	if id, ok := m.IDOf("Core"); !ok || id != 0 {
		t.Fatalf("Core id = %d, %v", id, ok)
	}
	if name, ok := m.NameOf(1); !ok || name != "Registry" {
		t.Fatalf("NameOf(1) = %q, %v", name, ok)
	}
}

func TestTypeMapUnknownIDIsNotOK(t *testing.T) {
	m := NewTypeMap()
	if _, ok := m.NameOf(5); ok {
		t.Fatalf("expected unknown id to report !ok")
	}
}

// TestTypeMapMonotonicity pins spec.md §8 testable property 2: once an
// id's name is recorded, no later Announce call may change it, even if
// it re-sends an overlapping range with a different name at that id.
func TestTypeMapMonotonicity(t *testing.T) {
	m := NewTypeMap()
	m.Announce(0, []string{"Core", "Registry"})
	m.Announce(0, []string{"SomethingElse", "Registry"}) // must be ignored

	name, ok := m.NameOf(0)
	if !ok || name != "Core" {
		t.Fatalf("id 0 changed after re-announce: %q, %v", name, ok)
	}
}

func TestTypeMapLenAdvancesForNextBatch(t *testing.T) {
	m := NewTypeMap()
	m.Announce(0, []string{"Core", "Registry"})
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	m.Announce(m.Len(), []string{"ClientNode"})
	if id, ok := m.IDOf("ClientNode"); !ok || id != 2 {
		t.Fatalf("ClientNode id = %d, %v", id, ok)
	}
}
