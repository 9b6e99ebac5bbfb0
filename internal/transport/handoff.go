package transport

import "fmt"

// Side is one end of a Transport: the data-plane peer that owns a
// Region, one Ring to push events on, one to drain, and the wakeup
// pair to signal/observe.
type Side struct {
	Region  *Region
	PushTo  *Ring // this side's producer ring (in_ring for the client, out_ring for the server, or vice versa)
	DrainOf *Ring // the other side's ring, drained for incoming events
	Signal  *Wakeup
	Wait    *Wakeup
}

// ErrBackpressure is returned by SendOutput when the port already has
// an in-flight buffer — spec.md §4.3 "there is no queue beyond one
// in-flight buffer per port".
var ErrBackpressure = fmt.Errorf("transport: output port has an in-flight buffer")

// SendOutput implements the producer half of the handoff contract
// (spec.md §4.3 "Producer -> consumer handoff"): it refuses to
// overwrite a still-unconsumed buffer id, otherwise publishes
// bufferID, marks the port OK, enqueues HaveOutput, and signals.
func (s *Side) SendOutput(port int, bufferID uint32) error {
	cur := s.Region.Output(port)
	if cur.BufferID != Invalid {
		return ErrBackpressure
	}
	s.Region.SetOutput(port, PortState{BufferID: bufferID, Status: StatusOK})
	if err := s.PushTo.Push(encodeEvent(eventRecord{Event: EventHaveOutput, Port: uint32(port)})); err != nil {
		// Roll back the port state so a later retry is not refused
		// with ErrBackpressure for a buffer that was never announced;
		// the event queue being full means the
		// consumer is behind, which is its own signal to the caller.
		s.Region.SetOutput(port, cur)
		return err
	}
	return s.Signal.Signal()
}

// DrainEvents pops every queued event from the peer's ring and
// invokes handle for each, looping until the ring reports empty —
// spec.md §4.3's "the consumer must loop until the ring is empty on
// wakeup" rule, since eventfd writes may coalesce into one wakeup.
func (s *Side) DrainEvents(handle func(eventRecord)) error {
	if err := s.Wait.Drain(); err != nil {
		return err
	}
	for !s.DrainOf.Empty() {
		rec, ok := s.DrainOf.Pop()
		if !ok {
			break // length header written but body not yet visible; wait for next wakeup
		}
		ev, err := decodeEvent(rec)
		if err != nil {
			continue // malformed event: drop and keep draining, never fatal to the data loop
		}
		handle(ev)
	}
	return nil
}

// AckInput implements the consumer half: having consumed the buffer
// at inputs[port], clear the port back to Invalid and reply with
// either NeedInput (steady state) or ReuseBuffer(bufferID) so the
// producer knows it may reuse that buffer's backing memory (spec.md
// §4.3 "Buffer ownership while enqueued").
func (s *Side) AckInput(port int, bufferID uint32, reuse bool) error {
	s.Region.SetInput(port, PortState{BufferID: Invalid, Status: StatusOK})
	ev := eventRecord{Event: EventNeedInput, Port: uint32(port)}
	if reuse {
		ev = eventRecord{Event: EventReuseBuffer, Port: uint32(port), Buffer: bufferID}
	}
	if err := s.PushTo.Push(encodeEvent(ev)); err != nil {
		return err
	}
	return s.Signal.Signal()
}
