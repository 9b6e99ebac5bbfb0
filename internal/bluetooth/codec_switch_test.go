package bluetooth

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeNegotiator struct {
	mu        sync.Mutex
	rejects   map[Codec]bool
	negotiate func(ctx context.Context, codec Codec) error
}

func (f *fakeNegotiator) Negotiate(ctx context.Context, codec Codec) error {
	if f.negotiate != nil {
		return f.negotiate(ctx, codec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejects[codec] {
		return NotSupportedError{Codec: codec}
	}
	return nil
}

func awaitDone(t *testing.T, done chan int) int {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("codec switch did not complete in time")
		return 0
	}
}

func TestCodecSwitchSucceedsOnFirstCandidate(t *testing.T) {
	sw := NewCodecSwitcher(nil, &fakeNegotiator{})
	done := make(chan int, 1)
	sw.Start([]Codec{CodecAAC, CodecSBC}, func(r int) { done <- r })
	if got := awaitDone(t, done); got != 0 {
		t.Fatalf("expected success, got %d", got)
	}
}

// TestCodecSwitchFallsThroughOnNotSupported pins spec.md §4.6: "on
// NOT_SUPPORTED, try the next".
func TestCodecSwitchFallsThroughOnNotSupported(t *testing.T) {
	sw := NewCodecSwitcher(nil, &fakeNegotiator{rejects: map[Codec]bool{CodecAAC: true}})
	done := make(chan int, 1)
	sw.Start([]Codec{CodecAAC, CodecSBC}, func(r int) { done <- r })
	if got := awaitDone(t, done); got != 0 {
		t.Fatalf("expected eventual success after falling through, got %d", got)
	}
}

func TestCodecSwitchFailsWhenNoCandidateSucceeds(t *testing.T) {
	sw := NewCodecSwitcher(nil, &fakeNegotiator{rejects: map[Codec]bool{CodecAAC: true, CodecSBC: true}})
	done := make(chan int, 1)
	sw.Start([]Codec{CodecAAC, CodecSBC}, func(r int) { done <- r })
	if got := awaitDone(t, done); got == 0 {
		t.Fatalf("expected failure, got success")
	}
}

// TestCodecSwitchCancelCompletesWithECANCELED pins spec.md §4.6:
// "honors a cancellation request by completing with -ECANCELED after
// the current daemon reply".
func TestCodecSwitchCancelCompletesWithECANCELED(t *testing.T) {
	started := make(chan struct{})
	sw := NewCodecSwitcher(nil, &fakeNegotiator{negotiate: func(ctx context.Context, codec Codec) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	done := make(chan int, 1)
	sw.Start([]Codec{CodecAAC}, func(r int) { done <- r })
	<-started
	sw.Cancel()
	if got := awaitDone(t, done); got != -125 {
		t.Fatalf("expected -ECANCELED (-125), got %d", got)
	}
}

// TestCodecSwitchDeviceLostCompletesWithENODEV pins spec.md §4.6:
// "While active, device disconnection completes it with -ENODEV".
func TestCodecSwitchDeviceLostCompletesWithENODEV(t *testing.T) {
	started := make(chan struct{})
	sw := NewCodecSwitcher(nil, &fakeNegotiator{negotiate: func(ctx context.Context, codec Codec) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	done := make(chan int, 1)
	sw.Start([]Codec{CodecAAC}, func(r int) { done <- r })
	<-started
	sw.DeviceLost()
	if got := awaitDone(t, done); got != -19 {
		t.Fatalf("expected -ENODEV (-19), got %d", got)
	}
}
