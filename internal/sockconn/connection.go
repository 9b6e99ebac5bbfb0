// Package sockconn implements the per-socket connection buffers,
// out-of-band fd ring, and partial-I/O handling described in spec.md
// §4.2 (component C2), carried over a SOCK_STREAM Unix domain socket
// (spec.md §6's literal wire-frame section and the original's
// `context.c` both specify SOCK_STREAM; see the package-level note on
// DialStream for the reconciliation against the §1/§4.2/§5 prose that
// says "SEQPACKET").
package sockconn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kestrelio/pinosd/internal/wire"
)

// State is the connection's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateError
)

// recvBufInit is the initial read-buffer capacity; it grows by
// doubling (spec.md §3 "grows (power-of-two)").
const recvBufInit = 4096

// maxFdRing bounds the fd ring so a misbehaving peer can't exhaust
// descriptors; spec.md's own per-message ceiling is MaxMessageFds,
// this is a connection-wide backstop a few messages deep.
const maxFdRing = wire.MaxMessageFds * 4

// Connection wraps one SOCK_STREAM socket fd with read/write
// buffering, an fd ring, and flush signaling. One Connection exists
// per direction of the control socket (spec.md §3 "Connection
// buffers"); in practice a single fd serves both directions, with
// message boundaries recovered entirely from the length-prefixed
// header (STREAM gives no boundary of its own, unlike SEQPACKET).
type Connection struct {
	log *slog.Logger
	fd  int

	mu    sync.Mutex
	state State

	// writeBuf accumulates complete framed messages awaiting flush.
	writeBuf []byte

	// recvBuf holds bytes read but not yet fully parsed into a
	// message; recvFds holds fds received alongside them, in arrival
	// order (the fd ring, spec.md §3).
	recvBuf []byte
	recvFds []int

	// needFlush is raised on the empty->non-empty write transition
	// (spec.md §4.2) and cleared by Flush.
	needFlush func()

	// onDestroy is invoked once, with the reason, when the
	// connection transitions to StateError (spec.md §4.2 failure
	// handling: ECONNRESET/EPIPE/short-read-of-zero => destroy
	// signal).
	onDestroy func(reason error)
}

// New wraps fd (already connected, SOCK_STREAM|SOCK_NONBLOCK) in a
// Connection. needFlush and onDestroy may be nil.
func New(log *slog.Logger, fd int, needFlush func(), onDestroy func(reason error)) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		log:       log,
		fd:        fd,
		state:     StateOpen,
		recvBuf:   make([]byte, 0, recvBufInit),
		needFlush: needFlush,
		onDestroy: onDestroy,
	}
}

// Fd returns the underlying socket fd, for poll/epoll registration by
// the owning event loop.
func (c *Connection) Fd() int { return c.fd }

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Message is one fully-parsed message pulled off the read side: its
// header, POD body, and any fds the message carried.
type Message struct {
	Header wire.Header
	Body   []byte
	Fds    []int
}

// BeginWrite appends hdr's placeholder and returns a slice of len
// bytes the caller fills with the POD body; EndWrite must be called
// afterward with the same length to finalize the header. This mirrors
// spec.md §3's begin_write/end_write pair.
func (c *Connection) BeginWrite(bodyLen int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := len(c.writeBuf)
	c.writeBuf = append(c.writeBuf, make([]byte, wire.HeaderSize+bodyLen)...)
	return c.writeBuf[start+wire.HeaderSize : start+wire.HeaderSize+bodyLen]
}

// EndWrite stamps the header for the message most recently started
// with BeginWrite(bodyLen) and raises need_flush if the write buffer
// transitioned from empty to non-empty.
func (c *Connection) EndWrite(id uint32, opcode uint8, bodyLen int) {
	c.mu.Lock()
	wasEmpty := len(c.writeBuf) == wire.HeaderSize+bodyLen
	start := len(c.writeBuf) - wire.HeaderSize - bodyLen
	wire.PutHeader(c.writeBuf[start:], wire.Header{
		ID:     id,
		Opcode: opcode,
		Size:   uint32(wire.HeaderSize + bodyLen),
	})
	needFlush := c.needFlush
	c.mu.Unlock()
	if wasEmpty && needFlush != nil {
		needFlush()
	}
}

// Flush issues one sendmsg() carrying the queued write buffer and any
// pendingFds (up to wire.MaxMessageFds). pendingFds is passed
// separately from BeginWrite/EndWrite because a single sendmsg()
// carries one cmsg for the whole datagram, not one per POD Fd record,
// matching spec.md §4.1's "receiver extracts fds in order on message
// completion".
// pendingFds (up to wire.MaxMessageFds), and returns the number of
// fds actually sent. On partial send the remainder stays queued and
// the caller should arrange to be called again once writable.
func (c *Connection) Flush(pendingFds []int) (fdsSent int, err error) {
	c.mu.Lock()
	buf := c.writeBuf
	c.mu.Unlock()
	if len(buf) == 0 {
		return 0, nil
	}

	if len(pendingFds) > wire.MaxMessageFds {
		return 0, fmt.Errorf("sockconn: %d fds exceeds ceiling of %d (OUT_OF_RESOURCES)", len(pendingFds), wire.MaxMessageFds)
	}

	var oob []byte
	if len(pendingFds) > 0 {
		oob = unix.UnixRights(pendingFds...)
	}

	n, err := unix.SendmsgN(c.fd, buf, oob, nil, 0)
	if err != nil {
		if isTransient(err) {
			return 0, nil
		}
		c.fail(err)
		return 0, err
	}

	c.mu.Lock()
	c.writeBuf = append(c.writeBuf[:0], c.writeBuf[n:]...)
	remaining := len(c.writeBuf)
	needFlush := c.needFlush
	c.mu.Unlock()

	if remaining > 0 && needFlush != nil {
		// Partial send: re-raise need_flush (spec.md §4.2).
		needFlush()
	}
	return len(pendingFds), nil
}

// ReadMessages drains all complete messages currently available via
// one or more recvmsg() calls (spec.md §4.2: "Several messages may be
// received in one recvmsg; the loop drains them all"), invoking fn for
// each. It returns when EAGAIN is hit or the connection closes.
func (c *Connection) ReadMessages(fn func(Message)) error {
	buf := make([]byte, recvBufInit)
	oob := make([]byte, unix.CmsgSpace(wire.MaxMessageFds*4))

	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, unix.MSG_CMSG_CLOEXEC)
		if err != nil {
			if isTransient(err) {
				break
			}
			c.fail(err)
			return err
		}
		if n == 0 {
			c.fail(errors.New("sockconn: peer closed (zero-length read)"))
			return nil
		}

		c.mu.Lock()
		c.recvBuf = append(c.recvBuf, buf[:n]...)
		c.mu.Unlock()

		if oobn > 0 {
			fds, err := parseRights(oob[:oobn])
			if err != nil {
				c.log.Warn("sockconn: malformed cmsg, dropping fds", "err", err)
			} else {
				c.mu.Lock()
				if len(c.recvFds)+len(fds) > maxFdRing {
					c.log.Warn("sockconn: fd ring overflow, closing received fds", "count", len(fds))
					for _, fd := range fds {
						unix.Close(fd)
					}
				} else {
					c.recvFds = append(c.recvFds, fds...)
				}
				c.mu.Unlock()
			}
		}

		c.drainParsed(fn)
	}
	return nil
}

// drainParsed pulls as many complete messages as possible out of
// recvBuf, dispatching each to fn. Each completed message is handed
// every fd currently in the fd ring; a message is never held back
// waiting for more fds.
func (c *Connection) drainParsed(fn func(Message)) {
	for {
		c.mu.Lock()
		if len(c.recvBuf) < wire.HeaderSize {
			c.mu.Unlock()
			return
		}
		hdr, err := wire.ParseHeader(c.recvBuf)
		if err != nil {
			c.mu.Unlock()
			return
		}
		if int(hdr.Size) < wire.HeaderSize {
			c.mu.Unlock()
			c.fail(fmt.Errorf("sockconn: invalid message size %d", hdr.Size))
			return
		}
		if len(c.recvBuf) < int(hdr.Size) {
			c.mu.Unlock()
			return // wait for more bytes
		}

		body := make([]byte, int(hdr.Size)-wire.HeaderSize)
		copy(body, c.recvBuf[wire.HeaderSize:hdr.Size])
		c.recvBuf = append(c.recvBuf[:0], c.recvBuf[hdr.Size:]...)

		// Messages take fds from the front of the fd ring in arrival
		// order; the count a message consumes is carried by the
		// caller's opcode-specific demarshal (this layer just hands
		// over whatever is currently queued, matching spec.md §4.1's
		// "fd indices are local to a single message" contract applied
		// at the point of full-message completion).
		fds := c.recvFds
		c.recvFds = nil
		c.mu.Unlock()

		fn(Message{Header: hdr, Body: body, Fds: fds})
	}
}

func (c *Connection) fail(reason error) {
	c.mu.Lock()
	if c.state == StateError {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	onDestroy := c.onDestroy
	c.mu.Unlock()

	c.log.Debug("sockconn: connection failed", "reason", reason)
	if onDestroy != nil {
		onDestroy(reason)
	}
}

// Close closes the underlying fd and any buffered-but-unclaimed fds.
func (c *Connection) Close() error {
	c.mu.Lock()
	fds := c.recvFds
	c.recvFds = nil
	fd := c.fd
	c.mu.Unlock()
	for _, f := range fds {
		unix.Close(f)
	}
	return unix.Close(fd)
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// DialStream connects to a SOCK_STREAM Unix control socket at path.
//
// spec.md's own text disagrees with itself on the control socket's
// type: §1/§4.2/§5's prose says "SEQPACKET", but §6 (the literal,
// operational External Interfaces section) spells out the exact
// socket() call as "SOCK_STREAM|SOCK_CLOEXEC|SOCK_NONBLOCK", and the
// ground-truth original (`original_source/pinos/client/context.c`,
// the `socket(PF_LOCAL, SOCK_STREAM|SOCK_CLOEXEC|SOCK_NONBLOCK, 0)`
// call) settles it: this is a stream socket. The framing
// (`drainParsed`'s "wait for more bytes across later recv calls"
// behavior below) already assumed stream semantics, so STREAM is the
// only self-consistent reading; §1/§4.2/§5's "SEQPACKET" is the
// looser, inaccurate restatement and is superseded here.
func DialStream(path string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("sockconn: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Connect(fd, addr); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return -1, fmt.Errorf("sockconn: connect %s: %w", path, err)
	}
	return fd, nil
}

// ListenStream creates and binds a listening SOCK_STREAM socket at
// path, removing any stale socket file first. See DialStream for why
// this is STREAM, not SEQPACKET.
func ListenStream(path string) (int, error) {
	_ = unix.Unlink(path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("sockconn: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockconn: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("sockconn: listen %s: %w", path, err)
	}
	return fd, nil
}

// Accept accepts one connection on a listening socket created by
// ListenStream.
func Accept(listenFd int) (int, error) {
	fd, _, err := unix.Accept4(listenFd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

// PeerCredentials returns the connecting peer's pid/uid/gid via
// SO_PEERCRED, used to populate client.info (SPEC_FULL.md §3).
func PeerCredentials(fd int) (pid int32, uid, gid uint32, err error) {
	cred, err := unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return 0, 0, 0, err
	}
	return cred.Pid, cred.Uid, cred.Gid, nil
}
