package corectx

import (
	"encoding/binary"
	"fmt"

	"github.com/kestrelio/pinosd/internal/protocol"
	"github.com/kestrelio/pinosd/internal/stream"
	"github.com/kestrelio/pinosd/internal/transport"
	"github.com/kestrelio/pinosd/internal/wire"
)

// ringDataSize is the per-direction RT ring payload capacity (spec.md
// §3: "RingBuffer" requires a power-of-two size); defaultNodeBuffers
// is the buffer count this session hands every client_node once its
// format negotiation finishes, since there is no separate
// session-manager component in this implementation to negotiate a
// real count with the client (see attachTransport/advanceToStreaming).
const (
	ringDataSize       = 1 << 16
	defaultNodeBuffers = 2

	// nodeCommandStart is the only NodeCommand this session ever
	// issues; the full SpaNodeCommand enum (spec.md §6 opcode 8) is
	// out of scope beyond driving Stream to STREAMING.
	nodeCommandStart int32 = 0
)

// Port direction encoding for client_node.port_update's dir field
// (spec.md §6): input/output mirrors the same convention the RT
// transport area already uses for its inputs/outputs port arrays.
const (
	dirInput  int32 = 0
	dirOutput int32 = 1
)

func directionName(dir int32) string {
	if dir == dirOutput {
		return "output"
	}
	return "input"
}

// clientNode is the server-side bookkeeping for one client_node
// object (spec.md §4.1 step 4, §4.3, §4.4): the stream lifecycle
// state machine (C7) plus, once attached, the shared-memory transport
// (C6) and the eventfd pair handed to the client alongside it.
type clientNode struct {
	id       uint32
	globalID uint32
	stream   *stream.Stream
	region   *transport.Region

	// readFD/writeFD are this session's own ends of the eventfd pair
	// sent to the client via done(readfd, writefd) (spec.md §4.3); the
	// client gets its own fds over SCM_RIGHTS, these are the
	// originals. readFD is the one this session signals whenever it
	// pushes an event onto region.OutRing for the client to notice;
	// writeFD is the one the client signals, whose drain a full RT
	// data-plane poll loop would read (out of scope here: this
	// session only drives state transitions over the control socket,
	// see DESIGN.md).
	readFD  *transport.Wakeup
	writeFD *transport.Wakeup
}

// handleClientNodeMethod dispatches one client_node.* method call
// (spec.md §6) to cn.
func (s *Session) handleClientNodeMethod(cn *clientNode, opcode uint8, body []byte, fds []int) {
	switch opcode {
	case protocol.ClientNodeMethodUpdate:
		s.handleClientNodeUpdate(cn, body)

	case protocol.ClientNodeMethodPortUpdate:
		s.handleClientNodePortUpdate(cn, body)

	case protocol.ClientNodeMethodEvent:
		// Node events (HaveOutput/NeedInput/ReuseBuffer) travel over
		// the RT ring once a transport is attached (spec.md §4.3),
		// never over this control-socket method.

	case protocol.ClientNodeMethodDestroy:
		s.destroyClientNode(cn)

	default:
		s.log.Warn("corectx: unknown client_node method opcode, dropping", "id", cn.id, "opcode", opcode)
	}
}

// handleClientNodeUpdate implements client_node.update (spec.md §6
// opcode 0): once the client announces its port counts, the server
// allocates and attaches the shared-memory transport. A later update
// (e.g. a props-only change) with a transport already attached is a
// no-op here, since this implementation never resizes a live region.
func (s *Session) handleClientNodeUpdate(cn *clientNode, body []byte) {
	maxIn, maxOut, ok := decodeClientNodeUpdate(body)
	if !ok {
		s.log.Warn("corectx: malformed client_node.update, dropping", "id", cn.id)
		return
	}
	if cn.region != nil {
		return
	}
	if err := s.attachTransport(cn, maxIn, maxOut); err != nil {
		s.log.Warn("corectx: attach transport failed", "id", cn.id, "err", err)
	}
}

// attachTransport allocates the shared memfd region and eventfd pair
// for cn, sends done(readfd, writefd) and transport(memfd, offset,
// size) (spec.md §4.3), then advances the stream CONNECTING ->
// CONFIGURE.
func (s *Session) attachTransport(cn *clientNode, maxIn, maxOut int) error {
	layout := transport.ComputeLayout(maxIn, maxOut, ringDataSize)
	region, err := transport.CreateRegion(fmt.Sprintf("pinosd-node-%d", cn.id), layout)
	if err != nil {
		return err
	}
	readFD, err := transport.NewWakeup()
	if err != nil {
		region.Close()
		return fmt.Errorf("corectx: done readfd: %w", err)
	}
	writeFD, err := transport.NewWakeup()
	if err != nil {
		readFD.Close()
		region.Close()
		return fmt.Errorf("corectx: done writefd: %w", err)
	}
	cn.region, cn.readFD, cn.writeFD = region, readFD, writeFD

	done := wire.Builder{}
	done.PutFd(readFD.Fd())
	done.PutFd(writeFD.Fd())
	s.writeBuilder(cn.id, protocol.ClientNodeEventDone, &done)

	tr := wire.Builder{}
	tr.PutFd(region.Fd)
	tr.PutInt(0)
	tr.PutInt(int32(layout.TotalSize))
	s.writeBuilder(cn.id, protocol.ClientNodeEventTransport, &tr)

	if err := cn.stream.TransportAttached(0); err != nil {
		s.log.Warn("corectx: transport_attached failed", "id", cn.id, "err", err)
	}
	return nil
}

// handleClientNodePortUpdate implements client_node.port_update
// (spec.md §6 opcode 1): a port_update carrying no format is a
// props/info-only update this server-side state machine doesn't
// track, so only the format-bearing case drives SetFormat.
func (s *Session) handleClientNodePortUpdate(cn *clientNode, body []byte) {
	dir, port, format, ok := decodePortUpdate(body)
	if !ok {
		s.log.Warn("corectx: malformed client_node.port_update, dropping", "id", cn.id)
		return
	}
	if len(format) == 0 {
		return
	}
	dirName := directionName(dir)
	if err := cn.stream.SetFormat(0, dirName, port, stream.Format{Direction: dirName, Port: port, Bytes: format}); err != nil {
		s.log.Warn("corectx: set_format failed", "id", cn.id, "err", err)
	}
}

// sendSetFormatEvent mirrors a cached format back to the client as
// set_format (spec.md §4.4 "emits format_changed(format) to its
// consumer"). This implementation has no separate session-manager
// component to finish the negotiation on the client's behalf
// (SPEC_FULL.md's decision on this Open Question), so the session
// immediately finishes the format it just proposed and drives the
// node straight through use_buffers to STREAMING.
func (s *Session) sendSetFormatEvent(cn *clientNode, f stream.Format) {
	b := wire.Builder{}
	b.PutInt(directionInt(f.Direction))
	b.PutInt(int32(f.Port))
	b.PutBytes(f.Bytes)
	s.write(cn.id, protocol.ClientNodeEventSetFormat, b.Bytes())

	cn.stream.FinishFormat(0)
	s.advanceToStreaming(cn)
}

func directionInt(name string) int32 {
	if name == "output" {
		return dirOutput
	}
	return dirInput
}

// advanceToStreaming drives a freshly READY stream through
// use_buffers and node_command(start) (spec.md §4.4's READY -> PAUSED
// -> STREAMING path); a no-op if FinishFormat didn't actually reach
// READY (a failed negotiation stays in CONFIGURE for the next
// set_format).
func (s *Session) advanceToStreaming(cn *clientNode) {
	if cn.stream.State() != stream.StateReady {
		return
	}

	ub := wire.Builder{}
	ub.PutInt(int32(defaultNodeBuffers))
	s.write(cn.id, protocol.ClientNodeEventUseBuffers, ub.Bytes())
	if err := cn.stream.UseBuffers(0, defaultNodeBuffers); err != nil {
		s.log.Warn("corectx: use_buffers failed", "id", cn.id, "err", err)
		return
	}

	cb := wire.Builder{}
	cb.PutInt(nodeCommandStart)
	s.write(cn.id, protocol.ClientNodeEventNodeCommand, cb.Bytes())
	if err := cn.stream.Start(0); err != nil {
		s.log.Warn("corectx: start failed", "id", cn.id, "err", err)
	}
}

// postAsyncComplete implements spec.md §4.4's "each transition is
// acknowledged to the peer with AsyncComplete(seq, result)": the ack
// is a record pushed onto the node's own RT event ring, not a
// control-socket message, with readFD signaled to wake the client's
// poll. connect()'s ack fires before any transport exists (see
// handleCreateClientNode) and is dropped since there is nothing yet
// for the client to observe it on.
func (s *Session) postAsyncComplete(cn *clientNode, ac stream.AsyncComplete) {
	if cn.region == nil {
		return
	}
	body := make([]byte, 8)
	binary.LittleEndian.PutUint32(body[0:4], uint32(ac.Seq))
	binary.LittleEndian.PutUint32(body[4:8], uint32(ac.Result))
	if err := cn.region.OutRing.Push(body); err != nil {
		s.log.Warn("corectx: async_complete ring push failed", "id", cn.id, "err", err)
		return
	}
	if err := cn.readFD.Signal(); err != nil {
		s.log.Warn("corectx: async_complete wakeup failed", "id", cn.id, "err", err)
	}
}

// destroyClientNode tears down one client_node: the stream drops to
// UNCONNECTED, both eventfds and the shared region are closed (spec.md
// §5: "every fd ... is owned by exactly one object ... whose
// destructor closes it"), and the Node global it announced is
// withdrawn.
func (s *Session) destroyClientNode(cn *clientNode) {
	cn.stream.Disconnect(0)
	if cn.readFD != nil {
		cn.readFD.Close()
	}
	if cn.writeFD != nil {
		cn.writeFD.Close()
	}
	if cn.region != nil {
		cn.region.Close()
	}
	delete(s.clientNodes, cn.id)
	s.core.RemoveGlobal(cn.globalID)
}

// decodeClientNodeUpdate decodes client_node.update's (change_mask,
// max_in, max_out, props) shape (spec.md §6); change_mask and props
// are accepted on the wire but unused here, since this server's
// transport sizing only needs the two port counts.
func decodeClientNodeUpdate(body []byte) (maxIn, maxOut int, ok bool) {
	it := wire.NewIterator(body)
	if _, skipOK, err := it.Next(); err != nil || !skipOK { // change_mask
		return 0, 0, false
	}
	rec, recOK, err := it.Next()
	if err != nil || !recOK {
		return 0, 0, false
	}
	in, err := rec.AsInt()
	if err != nil {
		return 0, 0, false
	}
	rec, recOK, err = it.Next()
	if err != nil || !recOK {
		return 0, 0, false
	}
	out, err := rec.AsInt()
	if err != nil {
		return 0, 0, false
	}
	return int(in), int(out), true
}

// decodePortUpdate decodes port_update's (dir, port, change_mask,
// possible_formats, format, props, info) shape (spec.md §6): this
// server only needs dir/port/format, so the fields between port and
// format are skipped by taking the first Bytes-typed record that
// follows as the negotiated format (a port_update with none means
// props/info changed but not format).
func decodePortUpdate(body []byte) (dir int32, port int, format []byte, ok bool) {
	it := wire.NewIterator(body)
	rec, recOK, err := it.Next()
	if err != nil || !recOK {
		return 0, 0, nil, false
	}
	dir, err = rec.AsInt()
	if err != nil {
		return 0, 0, nil, false
	}
	rec, recOK, err = it.Next()
	if err != nil || !recOK {
		return 0, 0, nil, false
	}
	p, err := rec.AsInt()
	if err != nil {
		return 0, 0, nil, false
	}
	port = int(p)

	for {
		rec, recOK, err = it.Next()
		if err != nil || !recOK {
			break
		}
		if b, berr := rec.AsBytes(); berr == nil {
			format = b
			break
		}
	}
	return dir, port, format, true
}
