package corectx

import (
	"testing"

	"github.com/kestrelio/pinosd/internal/protocol"
	"github.com/kestrelio/pinosd/internal/wire"
)

// newClientNodeFixture drives a session through create_client_node,
// the client's first update (attaching the transport), and returns the
// session plus the node id for the caller to drive further.
func newClientNodeFixture(t *testing.T) (*Session, *fakeSender, uint32) {
	t.Helper()
	core := NewCore(nil, nil)
	clientID := core.AddClient(1, 1000, 1000)
	fs := &fakeSender{}
	s := NewSession(nil, core, fs, clientID, "alice", "host0", "pinos-0", "0.1")
	fs.sent = nil

	const nodeID uint32 = 5
	b := wire.Builder{}
	b.PutID(nodeID)
	b.PutStruct(func(inner *wire.Builder) {
		inner.PutString("node.name")
		inner.PutString("sink")
	})
	s.HandleMethod(0, protocol.CoreMethodCreateClientNode, b.Bytes(), nil)

	if _, ok := s.clientNodes[nodeID]; !ok {
		t.Fatalf("expected create_client_node to register node %d", nodeID)
	}
	return s, fs, nodeID
}

// TestCreateClientNodeAnnouncesNodeGlobal pins spec.md §6
// create_client_node: it must announce a Node global, not just create
// local bookkeeping.
func TestCreateClientNodeAnnouncesNodeGlobal(t *testing.T) {
	core := NewCore(nil, nil)
	clientID := core.AddClient(1, 1000, 1000)
	fs := &fakeSender{}
	s := NewSession(nil, core, fs, clientID, "alice", "host0", "pinos-0", "0.1")

	b := wire.Builder{}
	b.PutID(1)
	s.HandleMethod(0, protocol.CoreMethodCreateClientNode, b.Bytes(), nil)

	globals := core.Globals()
	if len(globals) != 1 {
		t.Fatalf("expected 1 global after create_client_node, got %d", len(globals))
	}
	if globals[0].Type != protocol.TypeNode {
		t.Fatalf("expected global type %q, got %q", protocol.TypeNode, globals[0].Type)
	}
}

// TestClientNodeUpdateAttachesTransportAndQueuesFds pins spec.md §4.3:
// the first update(max_in, max_out) must allocate the shared region,
// send done(readfd, writefd) then transport(memfd, offset, size), and
// queue exactly those 3 fds for the next flush.
func TestClientNodeUpdateAttachesTransportAndQueuesFds(t *testing.T) {
	s, fs, nodeID := newClientNodeFixture(t)

	b := wire.Builder{}
	b.PutInt(0) // change_mask
	b.PutInt(1) // max_input_ports
	b.PutInt(1) // max_output_ports
	s.HandleMethod(nodeID, protocol.ClientNodeMethodUpdate, b.Bytes(), nil)

	if len(fs.sent) != 2 {
		t.Fatalf("expected done+transport events, got %d: %+v", len(fs.sent), fs.sent)
	}
	if fs.sent[0].Opcode != protocol.ClientNodeEventDone || fs.sent[0].ID != nodeID {
		t.Fatalf("first event = %+v, want ClientNodeEventDone targeting %d", fs.sent[0], nodeID)
	}
	if fs.sent[1].Opcode != protocol.ClientNodeEventTransport || fs.sent[1].ID != nodeID {
		t.Fatalf("second event = %+v, want ClientNodeEventTransport targeting %d", fs.sent[1], nodeID)
	}

	fds := s.TakePendingFds()
	if len(fds) != 3 {
		t.Fatalf("expected 3 queued fds (readfd, writefd, memfd), got %d", len(fds))
	}

	cn := s.clientNodes[nodeID]
	if cn.region == nil {
		t.Fatalf("expected region to be attached")
	}
	if cn.stream.State().String() != "configure" {
		t.Fatalf("expected stream in CONFIGURE after transport attach, got %s", cn.stream.State())
	}
}

// TestClientNodePortUpdateDrivesFormatToStreaming pins the
// auto-advance simplification: a port_update carrying a format must
// walk the node straight through set_format/use_buffers/node_command
// to STREAMING, since there is no session manager in this
// implementation to reply to format_changed on the client's behalf.
func TestClientNodePortUpdateDrivesFormatToStreaming(t *testing.T) {
	s, fs, nodeID := newClientNodeFixture(t)

	ub := wire.Builder{}
	ub.PutInt(0)
	ub.PutInt(1)
	ub.PutInt(1)
	s.HandleMethod(nodeID, protocol.ClientNodeMethodUpdate, ub.Bytes(), nil)
	fs.sent = nil
	s.TakePendingFds()

	pb := wire.Builder{}
	pb.PutInt(1) // output
	pb.PutInt(0) // port 0
	pb.PutInt(0) // change_mask
	pb.PutBytes([]byte{0xAA, 0xBB})
	s.HandleMethod(nodeID, protocol.ClientNodeMethodPortUpdate, pb.Bytes(), nil)

	var opcodes []uint8
	for _, m := range fs.sent {
		if m.ID == nodeID {
			opcodes = append(opcodes, m.Opcode)
		}
	}
	wantSeq := []uint8{
		protocol.ClientNodeEventSetFormat,
		protocol.ClientNodeEventUseBuffers,
		protocol.ClientNodeEventNodeCommand,
	}
	if len(opcodes) != len(wantSeq) {
		t.Fatalf("expected opcodes %v, got %v", wantSeq, opcodes)
	}
	for i, op := range wantSeq {
		if opcodes[i] != op {
			t.Fatalf("event %d = %d, want %d (sequence %v)", i, opcodes[i], op, opcodes)
		}
	}

	cn := s.clientNodes[nodeID]
	if cn.stream.State().String() != "streaming" {
		t.Fatalf("expected STREAMING after format negotiation, got %s", cn.stream.State())
	}
}

// TestDestroyClientNodeWithdrawsGlobalAndClosesResources pins spec.md
// §4.2's "a dropped connection implicitly destroys every object the
// client held": destroy must release the region/eventfds and withdraw
// the Node global.
func TestDestroyClientNodeWithdrawsGlobalAndClosesResources(t *testing.T) {
	s, fs, nodeID := newClientNodeFixture(t)

	ub := wire.Builder{}
	ub.PutInt(0)
	ub.PutInt(1)
	ub.PutInt(1)
	s.HandleMethod(nodeID, protocol.ClientNodeMethodUpdate, ub.Bytes(), nil)
	s.TakePendingFds()
	fs.sent = nil

	globalsBefore := len(s.core.Globals())
	s.HandleMethod(nodeID, protocol.ClientNodeMethodDestroy, nil, nil)

	if _, ok := s.clientNodes[nodeID]; ok {
		t.Fatalf("expected node %d to be removed from the session", nodeID)
	}
	if got := len(s.core.Globals()); got != globalsBefore-1 {
		t.Fatalf("expected globals to shrink by 1, went from %d to %d", globalsBefore, got)
	}
}

// TestSessionCloseDestroysEveryOwnedClientNode pins Close's contract:
// every client_node a session owns must be torn down, matching
// destroyClientNode's own per-node guarantees.
func TestSessionCloseDestroysEveryOwnedClientNode(t *testing.T) {
	s, _, nodeID := newClientNodeFixture(t)

	ub := wire.Builder{}
	ub.PutInt(0)
	ub.PutInt(1)
	ub.PutInt(1)
	s.HandleMethod(nodeID, protocol.ClientNodeMethodUpdate, ub.Bytes(), nil)
	s.TakePendingFds()

	s.Close()

	if len(s.clientNodes) != 0 {
		t.Fatalf("expected Close to clear every client_node, got %d remaining", len(s.clientNodes))
	}
}
