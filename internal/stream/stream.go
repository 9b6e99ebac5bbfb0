// Package stream implements the per-stream lifecycle state machine
// (component C7, spec.md §4.4): format negotiation, use_buffers
// gating, and the hw/soft volume split.
package stream

import (
	"fmt"
	"log/slog"
)

// State is one of the stream lifecycle states (spec.md §4.4).
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateConfigure
	StateReady
	StatePaused
	StateStreaming
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateConfigure:
		return "configure"
	case StateReady:
		return "ready"
	case StatePaused:
		return "paused"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Format is an opaque negotiated format blob; this layer only caches
// and deep-copies it, it never interprets the bytes (spec.md §1
// non-goal: codec/DSP internals).
type Format struct {
	Direction string
	Port      int
	Bytes     []byte
}

// AsyncComplete mirrors the RT-ring ack that accompanies every state
// transition (spec.md §4.4: "acknowledged to the peer with
// AsyncComplete(seq, result)").
type AsyncComplete struct {
	Seq    int32
	Result int32
}

// Stream drives one stream's lifecycle. It is owned by a single
// goroutine (the main loop, spec.md §5); no internal locking.
type Stream struct {
	log   *slog.Logger
	state State

	pendingSeq int32
	cachedFmt  *Format
	formatSeq  int32

	onStateChanged  func(State)
	onFormatChanged func(Format)
	onAsyncComplete func(AsyncComplete)

	portVolumes map[int]*PortVolume
}

// New returns a Stream in StateUnconnected.
func New(log *slog.Logger) *Stream {
	if log == nil {
		log = slog.Default()
	}
	return &Stream{log: log, state: StateUnconnected, portVolumes: make(map[int]*PortVolume)}
}

// State returns the current state.
func (s *Stream) State() State { return s.state }

// OnStateChanged registers the callback invoked on every transition.
// Per spec.md §4.4 "state reports are idempotent and must be dropped
// when the new state equals the cached state", setState below never
// calls this for a no-op transition.
func (s *Stream) OnStateChanged(fn func(State)) { s.onStateChanged = fn }

// OnFormatChanged registers the callback fired after a format is
// cached during CONFIGURE.
func (s *Stream) OnFormatChanged(fn func(Format)) { s.onFormatChanged = fn }

// OnAsyncComplete registers the callback that sends an ack on the RT
// event ring (spec.md §4.4: "Each transition is acknowledged...").
func (s *Stream) OnAsyncComplete(fn func(AsyncComplete)) { s.onAsyncComplete = fn }

func (s *Stream) setState(new State) {
	if new == s.state {
		return // idempotent per spec.md §4.4
	}
	s.state = new
	if s.onStateChanged != nil {
		s.onStateChanged(new)
	}
}

func (s *Stream) ack(seq int32, result int32) {
	if s.onAsyncComplete != nil {
		s.onAsyncComplete(AsyncComplete{Seq: seq, Result: result})
	}
}

// Connect transitions UNCONNECTED -> CONNECTING.
func (s *Stream) Connect(seq int32) error {
	if s.state != StateUnconnected {
		return fmt.Errorf("stream: connect from state %s", s.state)
	}
	s.setState(StateConnecting)
	s.ack(seq, 0)
	return nil
}

// TransportAttached transitions CONNECTING -> CONFIGURE once shared
// memory is mapped (spec.md §4.4).
func (s *Stream) TransportAttached(seq int32) error {
	if s.state != StateConnecting {
		return fmt.Errorf("stream: transport-attached from state %s", s.state)
	}
	s.setState(StateConfigure)
	s.ack(seq, 0)
	return nil
}

// SetFormat implements the one-shot CONFIGURE negotiation (spec.md
// §4.4): the format is deep-copied (the wire buffer is reused),
// cached, and format_changed is emitted; the caller must still call
// FinishFormat before the port advances to READY.
func (s *Stream) SetFormat(seq int32, dir string, port int, format Format) error {
	if s.state != StateConfigure {
		return fmt.Errorf("stream: set_format from state %s", s.state)
	}
	cp := Format{Direction: dir, Port: port, Bytes: append([]byte(nil), format.Bytes...)}
	s.cachedFmt = &cp
	s.formatSeq = seq
	if s.onFormatChanged != nil {
		s.onFormatChanged(cp)
	}
	return nil
}

// FinishFormat is the consumer's explicit reply to format_changed. On
// success the stream advances to READY and acks the original
// set_format seq; on failure it stays in CONFIGURE so a subsequent
// set_format can propose a different codec (spec.md §4.4).
func (s *Stream) FinishFormat(result int32) {
	if s.state != StateConfigure {
		return
	}
	if result == 0 {
		s.setState(StateReady)
	}
	s.ack(s.formatSeq, result)
}

// UseBuffers transitions READY -> PAUSED when n > 0, or PAUSED ->
// READY when n == 0 (spec.md §4.4).
func (s *Stream) UseBuffers(seq int32, n int) error {
	switch {
	case s.state == StateReady && n > 0:
		s.setState(StatePaused)
	case s.state == StatePaused && n == 0:
		s.setState(StateReady)
	default:
		return fmt.Errorf("stream: use_buffers(%d) from state %s", n, s.state)
	}
	s.ack(seq, 0)
	return nil
}

// Start transitions PAUSED -> STREAMING.
func (s *Stream) Start(seq int32) error {
	if s.state != StatePaused {
		return fmt.Errorf("stream: start from state %s", s.state)
	}
	s.setState(StateStreaming)
	s.ack(seq, 0)
	return nil
}

// Pause transitions STREAMING -> PAUSED.
func (s *Stream) Pause(seq int32) error {
	if s.state != StateStreaming {
		return fmt.Errorf("stream: pause from state %s", s.state)
	}
	s.setState(StatePaused)
	s.ack(seq, 0)
	return nil
}

// Disconnect transitions from any state back to UNCONNECTED (spec.md
// §4.4 "ANY --disconnect()--> UNCONNECTED").
func (s *Stream) Disconnect(seq int32) {
	s.setState(StateUnconnected)
	s.cachedFmt = nil
	s.ack(seq, 0)
}

// Fail transitions from any state to ERROR with a reason (spec.md
// §4.4 "ANY --peer error/close--> ERROR").
func (s *Stream) Fail(reason error) {
	s.log.Warn("stream: transitioning to error state", "reason", reason)
	s.setState(StateError)
}

// Port returns (or lazily creates) the per-port volume state.
func (s *Stream) Port(port int) *PortVolume {
	pv, ok := s.portVolumes[port]
	if !ok {
		pv = &PortVolume{}
		s.portVolumes[port] = pv
	}
	return pv
}
