// Package corectx implements the bootstrap behavior shared by both
// ends of the control socket (component C5, spec.md §4.1): the
// client-side Context that drives the handshake, and the server-side
// Core/Registry/Client/Module globals that answer it.
package corectx

import "sync"

// call is a synchronous handoff submitted to a Loop: the wrapper
// described in spec.md §5 ("thread-main-loop wrapper... signal/
// accept_cond"). Go channels make the condvar pair unnecessary: a
// call is a function plus a reply channel the submitter blocks on.
type call struct {
	fn    func()
	reply chan struct{}
}

// Loop is a single-goroutine cooperative run loop. It owns every
// Context/Core object scheduled onto it and runs their callbacks with
// no interleaving, matching spec.md §5's "no lock is held while user
// callbacks execute" rule by construction: there is exactly one
// goroutine executing loop-owned code at a time.
type Loop struct {
	calls chan call
	done  chan struct{}
	once  sync.Once
}

// NewLoop returns a Loop that is not yet running; call Run in its own
// goroutine.
func NewLoop() *Loop {
	return &Loop{
		calls: make(chan call, 64),
		done:  make(chan struct{}),
	}
}

// Run drains submitted calls until Stop is called. It is meant to be
// the body of the single dedicated goroutine that owns this loop's
// state.
func (l *Loop) Run() {
	for {
		select {
		case c := <-l.calls:
			c.fn()
			close(c.reply)
		case <-l.done:
			return
		}
	}
}

// Stop asks Run to return. Safe to call more than once.
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Post schedules fn to run on the loop goroutine and returns
// immediately; used for event dispatch where the caller does not need
// to wait for completion.
func (l *Loop) Post(fn func()) {
	l.calls <- call{fn: fn, reply: make(chan struct{})}
}

// CallSync schedules fn on the loop goroutine and blocks until it has
// run, mirroring spec.md §5's `signal(wait_for_accept=true)` pattern
// for synchronous APIs that must call into the loop thread.
func (l *Loop) CallSync(fn func()) {
	c := call{fn: fn, reply: make(chan struct{})}
	l.calls <- c
	<-c.reply
}
