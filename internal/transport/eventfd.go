package transport

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Wakeup wraps one eventfd used to signal the peer that the ring it
// just wrote to has new events (spec.md §4.3: "writes 1 (as u64) to
// the corresponding eventfd").
type Wakeup struct {
	fd int
}

// NewWakeup creates a fresh non-blocking, close-on-exec eventfd.
func NewWakeup() (*Wakeup, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("transport: eventfd: %w", err)
	}
	return &Wakeup{fd: fd}, nil
}

// OpenWakeup wraps an eventfd received from the peer (e.g. over
// SCM_RIGHTS as part of client_node.transport's done(readfd, writefd)
// event).
func OpenWakeup(fd int) *Wakeup {
	return &Wakeup{fd: fd}
}

// Fd returns the underlying file descriptor, for passing to the peer
// or for a poll/epoll set.
func (w *Wakeup) Fd() int { return w.fd }

// Signal writes 1 to the eventfd, waking anyone polling it.
func (w *Wakeup) Signal() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("transport: eventfd write: %w", err)
	}
	return nil
}

// Drain reads and discards the accumulated counter value. Per spec.md
// §4.3 "even if multiple writes coalesce, the consumer must loop
// until the ring is empty" — Drain only clears the eventfd's own
// counter; callers still loop over Ring.Pop separately.
func (w *Wakeup) Drain() error {
	var buf [8]byte
	_, err := unix.Read(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("transport: eventfd read: %w", err)
	}
	return nil
}

// Close closes the eventfd.
func (w *Wakeup) Close() error {
	return unix.Close(w.fd)
}
