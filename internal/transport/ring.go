// Package transport implements the real-time shared-memory data path
// (component C6, spec.md §4.3): a memfd-backed region holding port
// descriptor arrays and two single-producer/single-consumer ring
// buffers, signaled by eventfds.
package transport

import (
	"encoding/binary"
	"errors"
)

// ErrRingFull is returned by Ring.Push when the ring has no room for
// the record (the producer must back off; spec.md §4.3 backpressure
// applies at the buffer-handoff layer above this one, but the ring
// itself also refuses to overwrite unread bytes).
var ErrRingFull = errors.New("transport: ring buffer full")

// ErrRecordTooLarge is returned when a single record exceeds the
// ring's total capacity — it could never fit regardless of
// occupancy.
var ErrRecordTooLarge = errors.New("transport: record exceeds ring capacity")

// Ring is a lock-free SPSC ring buffer over a caller-owned byte slice
// whose length must be a power of two (spec.md §3 "RingBuffer").
// ReadIndex/WriteIndex are monotonic and compared modulo capacity;
// they are never reset, matching the original's wraparound-by-
// subtraction arithmetic.
type Ring struct {
	data       []byte
	mask       uint32
	readIndex  *uint32 // backed by shared memory; both peers see the same cells
	writeIndex *uint32
}

// NewRing wraps data (len(data) must be a power of two) and the two
// shared index cells. The caller is responsible for placing
// readIndex/writeIndex inside the same mapped region as data so both
// processes observe updates.
func NewRing(data []byte, readIndex, writeIndex *uint32) (*Ring, error) {
	n := len(data)
	if n == 0 || n&(n-1) != 0 {
		return nil, errors.New("transport: ring capacity must be a power of two")
	}
	return &Ring{data: data, mask: uint32(n - 1), readIndex: readIndex, writeIndex: writeIndex}, nil
}

// Avail reports how many bytes are free for writing.
func (r *Ring) Avail() uint32 {
	return uint32(len(r.data)) - (*r.writeIndex - *r.readIndex)
}

// Used reports how many bytes are queued for reading.
func (r *Ring) Used() uint32 {
	return *r.writeIndex - *r.readIndex
}

// Push writes a length-prefixed record (a POD Event per spec.md §3)
// into the ring. It is the sole writer; callers must not call Push
// concurrently from more than one goroutine (SPSC).
func (r *Ring) Push(record []byte) error {
	need := uint32(4 + len(record))
	if need > uint32(len(r.data)) {
		return ErrRecordTooLarge
	}
	if need > r.Avail() {
		return ErrRingFull
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(record)))
	r.writeBytes(lenBuf[:])
	r.writeBytes(record)
	return nil
}

func (r *Ring) writeBytes(p []byte) {
	for _, b := range p {
		r.data[*r.writeIndex&r.mask] = b
		*r.writeIndex++
	}
}

// Pop reads the next record, or ok=false if the ring is empty. The
// sole reader; callers must not call Pop concurrently from more than
// one goroutine (SPSC).
func (r *Ring) Pop() (record []byte, ok bool) {
	if r.Used() < 4 {
		return nil, false
	}
	lenBuf := r.peekBytes(4)
	n := binary.LittleEndian.Uint32(lenBuf)
	if r.Used() < 4+n {
		return nil, false // length header written but body not yet flushed; wait for next wakeup
	}
	r.advance(4)
	record = make([]byte, n)
	for i := range record {
		record[i] = r.data[*r.readIndex&r.mask]
		*r.readIndex++
	}
	return record, true
}

func (r *Ring) peekBytes(n int) []byte {
	out := make([]byte, n)
	idx := *r.readIndex
	for i := 0; i < n; i++ {
		out[i] = r.data[idx&r.mask]
		idx++
	}
	return out
}

func (r *Ring) advance(n uint32) {
	*r.readIndex += n
}

// Empty reports whether there is no queued data. Per spec.md §4.3
// "the consumer must loop until the ring is empty on wakeup", callers
// drain with `for !ring.Empty() { ring.Pop() }`.
func (r *Ring) Empty() bool {
	return r.Used() == 0
}
