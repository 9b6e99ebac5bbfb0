package sockconn

import (
	"os"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kestrelio/pinosd/internal/wire"
)

// socketpair returns two connected SOCK_STREAM fds, the same
// primitive the real Connection dials via AF_UNIX (see DialStream's
// doc comment for why this is STREAM, not SEQPACKET), without needing
// a filesystem path.
func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestMessageRoundTrip(t *testing.T) {
	a, b := socketpair(t)
	ca := New(nil, a, nil, nil)
	cb := New(nil, b, nil, nil)
	defer ca.Close()
	defer cb.Close()

	body := ca.BeginWrite(4)
	copy(body, []byte{1, 2, 3, 4})
	ca.EndWrite(5, 9, 4)

	if _, err := ca.Flush(nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	waitReadable(t, b)

	var got Message
	var gotCount int
	err := cb.ReadMessages(func(m Message) {
		got = m
		gotCount++
	})
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if gotCount != 1 {
		t.Fatalf("expected 1 message, got %d", gotCount)
	}
	if got.Header.ID != 5 || got.Header.Opcode != 9 {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
	if string(got.Body) != "\x01\x02\x03\x04" {
		t.Fatalf("unexpected body: %v", got.Body)
	}
}

func TestFdConservation(t *testing.T) {
	a, b := socketpair(t)
	ca := New(nil, a, nil, nil)
	cb := New(nil, b, nil, nil)
	defer ca.Close()
	defer cb.Close()

	tmp, err := os.CreateTemp(t.TempDir(), "fdtest")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer tmp.Close()
	fd := int(tmp.Fd())

	body := ca.BeginWrite(0)
	_ = body
	ca.EndWrite(1, 0, 0)
	if _, err := ca.Flush([]int{fd}); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	waitReadable(t, b)

	var got Message
	if err := cb.ReadMessages(func(m Message) { got = m }); err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got.Fds) != 1 {
		t.Fatalf("expected 1 fd, got %d", len(got.Fds))
	}
	unix.Close(got.Fds[0])
}

// TestMultipleWritesBeforeOneRead pins spec.md §8 testable property
// 4: on a SOCK_STREAM socket, message boundaries only exist because
// of the length-prefixed header, so write three messages back to back
// and confirm they're recovered as three, not merged or truncated
// (ReadMessages may be called more than once to collect them).
func TestMultipleWritesBeforeOneRead(t *testing.T) {
	a, b := socketpair(t)
	ca := New(nil, a, nil, nil)
	cb := New(nil, b, nil, nil)
	defer ca.Close()
	defer cb.Close()

	for i := 0; i < 3; i++ {
		ca.BeginWrite(0)
		ca.EndWrite(uint32(i), 0, 0)
		if _, err := ca.Flush(nil); err != nil {
			t.Fatalf("Flush %d: %v", i, err)
		}
	}

	waitReadable(t, b)

	var mu sync.Mutex
	var ids []uint32
	deadline := time.Now().Add(2 * time.Second)
	for len(ids) < 3 && time.Now().Before(deadline) {
		_ = cb.ReadMessages(func(m Message) {
			mu.Lock()
			ids = append(ids, m.Header.ID)
			mu.Unlock()
		})
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 messages total across reads, got %d: %v", len(ids), ids)
	}
}

// TestReassemblesMessageSplitAcrossReads pins the STREAM framing fix:
// on a stream socket a message can arrive in arbitrarily small chunks
// (no datagram boundary to lean on), so drainParsed must hold a
// partial message in recvBuf until the rest shows up rather than
// assuming one recvmsg == one message.
func TestReassemblesMessageSplitAcrossReads(t *testing.T) {
	a, b := socketpair(t)
	ca := New(nil, a, nil, nil)
	cb := New(nil, b, nil, nil)
	defer ca.Close()
	defer cb.Close()

	body := ca.BeginWrite(8)
	copy(body, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	ca.EndWrite(7, 3, 8)
	frame := append([]byte(nil), ca.writeBuf...)

	// First chunk: the header and three body bytes only.
	split := wire.HeaderSize + 3
	if _, err := unix.Write(a, frame[:split]); err != nil {
		t.Fatalf("write first chunk: %v", err)
	}
	waitReadable(t, b)
	var got []Message
	if err := cb.ReadMessages(func(m Message) { got = append(got, m) }); err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no message from a partial frame, got %d", len(got))
	}
	if _, err := unix.Write(a, frame[split:]); err != nil {
		t.Fatalf("write second chunk: %v", err)
	}
	waitReadable(t, b)

	deadline := time.Now().Add(2 * time.Second)
	for len(got) < 1 && time.Now().Before(deadline) {
		if err := cb.ReadMessages(func(m Message) { got = append(got, m) }); err != nil {
			t.Fatalf("ReadMessages: %v", err)
		}
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 reassembled message, got %d", len(got))
	}
	if got[0].Header.ID != 7 || got[0].Header.Opcode != 3 {
		t.Fatalf("unexpected header: %+v", got[0].Header)
	}
	if string(got[0].Body) != "\x01\x02\x03\x04\x05\x06\x07\x08" {
		t.Fatalf("unexpected body: %v", got[0].Body)
	}
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for i := 0; i < 50; i++ {
		n, err := unix.Poll(pfd, 20)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if n > 0 {
			return
		}
	}
	t.Fatalf("timed out waiting for fd %d to become readable", fd)
}
