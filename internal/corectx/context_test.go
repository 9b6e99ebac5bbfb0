package corectx

import (
	"testing"

	"github.com/kestrelio/pinosd/internal/proxy"
	"github.com/kestrelio/pinosd/internal/wire"
)

// fakeSender records every framed message a Context sends, without a
// real socket underneath, so bootstrap ordering can be asserted
// directly (spec.md §8 scenario S1).
type fakeSender struct {
	sent []sentMsg
	buf  []byte
}

type sentMsg struct {
	ID     uint32
	Opcode uint8
	Body   []byte
}

func (f *fakeSender) BeginWrite(bodyLen int) []byte {
	f.buf = make([]byte, bodyLen)
	return f.buf
}

func (f *fakeSender) EndWrite(id uint32, opcode uint8, bodyLen int) {
	f.sent = append(f.sent, sentMsg{ID: id, Opcode: opcode, Body: append([]byte(nil), f.buf[:bodyLen]...)})
}

func testRegistry() *proxy.Registry {
	r := proxy.NewRegistry()
	r.Register(&proxy.Interface{Name: "Core", TypeID: 0, Events: make([]proxy.EventHandler, 5)})
	r.Register(&proxy.Interface{Name: "Registry", TypeID: 1, Events: make([]proxy.EventHandler, 2)})
	return r
}

func TestBootstrapSendsClientUpdateThenUpdateTypesThenGetRegistry(t *testing.T) {
	fs := &fakeSender{}
	ctx := NewContext(nil, nil, fs, testRegistry())
	ctx.Bootstrap(map[string]string{"application.name": "test"})

	if len(fs.sent) != 3 {
		t.Fatalf("expected 3 sent messages, got %d", len(fs.sent))
	}
	wantOpcodes := []uint8{0, 5, 2} // client_update, update_types, get_registry
	for i, op := range wantOpcodes {
		if fs.sent[i].Opcode != op {
			t.Fatalf("message %d: opcode = %d, want %d", i, fs.sent[i].Opcode, op)
		}
		if fs.sent[i].ID != 0 {
			t.Fatalf("message %d: target id = %d, want 0 (core)", i, fs.sent[i].ID)
		}
	}
}

func TestSyncMatchesDoneBySeqAlone(t *testing.T) {
	fs := &fakeSender{}
	ctx := NewContext(nil, nil, fs, testRegistry())

	var fired bool
	ctx.Sync(func() { fired = true })

	// One sync call was issued, with seq 0 — simulate the server's
	// core.done(0) event arriving for it.
	b := wire.Builder{}
	b.PutInt(0)
	ctx.HandleEvent(0, 1 /* CoreEventDone */, b.Bytes(), nil)

	if !fired {
		t.Fatalf("expected sync callback to fire on matching done")
	}
}

func TestSyncIgnoresMismatchedSeq(t *testing.T) {
	fs := &fakeSender{}
	ctx := NewContext(nil, nil, fs, testRegistry())

	var fired bool
	ctx.Sync(func() { fired = true })

	b := wire.Builder{}
	b.PutInt(99) // no sync was issued with seq 99
	ctx.HandleEvent(0, 1, b.Bytes(), nil)

	if fired {
		t.Fatalf("callback must not fire for an unrelated seq")
	}
}

func TestCoreAddGlobalBroadcastsToRegisteredClients(t *testing.T) {
	var gotClient, gotID uint32
	var gotOpcode uint8
	core := NewCore(nil, func(clientID, id uint32, opcode uint8, body []byte) {
		gotClient, gotID, gotOpcode = clientID, id, opcode
	})
	clientID := core.AddClient(123, 1000, 1000)

	// Simulate the client having issued get_registry with new_id=1.
	st, _ := core.clients.Get(clientID)
	st.RegistryID = 1

	globalID := core.AddGlobal("Node", 0, map[string]string{"node.name": "sink"})

	if gotClient != clientID {
		t.Fatalf("broadcast targeted client %d, want %d", gotClient, clientID)
	}
	if gotID != 1 {
		t.Fatalf("broadcast addressed registry id %d, want 1", gotID)
	}
	if gotOpcode != 0 { // RegistryEventGlobal
		t.Fatalf("broadcast opcode = %d, want 0", gotOpcode)
	}

	globals := core.Globals()
	if len(globals) != 1 || globals[0].ID != globalID || globals[0].Type != "Node" {
		t.Fatalf("unexpected globals snapshot: %+v", globals)
	}
}

func TestCoreBroadcastSkipsClientsBeforeGetRegistry(t *testing.T) {
	called := false
	core := NewCore(nil, func(clientID, id uint32, opcode uint8, body []byte) {
		called = true
	})
	core.AddClient(1, 0, 0) // RegistryID still zero: hasn't called get_registry

	core.AddGlobal("Node", 0, nil)

	if called {
		t.Fatalf("must not broadcast to a client that has not bound a registry yet")
	}
}
