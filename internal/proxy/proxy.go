// Package proxy implements the bidirectional object-oriented runtime
// described in spec.md §4.1 (component C4): per-interface method and
// event vtables, and the Proxy handle clients use to address remote
// objects.
package proxy

import "log/slog"

// EventHandler demarshals one event body for a proxy. It returns
// false on a parse failure; per spec.md §4.1, a demarshal failure is
// logged and the connection continues — it is never escalated by this
// layer.
type EventHandler func(p *Proxy, body []byte, fds []int) bool

// Interface describes one interface's event vtable. Outbound method
// senders are plain functions taking the proxy and its typed arguments
// (opaque to this package); Interface only tracks how many methods an
// interface exposes, for bounds-checking dispatch in the opposite
// direction.
type Interface struct {
	Name       string
	TypeID     uint32
	NumMethods int
	Events     []EventHandler
}

// Sink is an intrusive, unordered observer list, used for signals
// like destroy_signal and state_changed (spec.md §9 "composed
// signal-list types"). Hooks are scanned at emit time; no reference
// counting.
type Sink[T any] struct {
	hooks []func(T)
}

// Add appends a hook.
func (s *Sink[T]) Add(fn func(T)) { s.hooks = append(s.hooks, fn) }

// Emit calls every hook with v, in registration order.
func (s *Sink[T]) Emit(v T) {
	for _, h := range s.hooks {
		h(v)
	}
}

// Proxy is a client-side handle to a remote object, addressed by a
// u32 id (spec.md §3 "Proxy"). The Context that created it owns it;
// Proxy holds no pointer back to the Context, avoiding the
// Context<->Proxy ownership cycle called out in spec.md §9.
type Proxy struct {
	ID       uint32
	TypeID   uint32
	Iface    *Interface
	UserData any

	log *slog.Logger

	// destroying is set by the first BeginDestroy call, so a reentrant
	// destroy (e.g. from within a dispatched event) gets false back
	// and does not finish the proxy a second time.
	destroying bool

	DestroySignal Sink[uint32] // emits the proxy's id
}

// New returns a Proxy bound to iface. The caller (the owning Context)
// is responsible for inserting it into its id map.
func New(log *slog.Logger, id uint32, iface *Interface, userData any) *Proxy {
	if log == nil {
		log = slog.Default()
	}
	return &Proxy{ID: id, TypeID: iface.TypeID, Iface: iface, UserData: userData, log: log}
}

// Dispatch demarshals and invokes the event at opcode. An opcode at or
// beyond the interface's event table length is a protocol error: it
// is logged and the message dropped, never fatal to the connection
// (spec.md §4.1). A handler returning false (parse failure) is logged
// the same way.
func (p *Proxy) Dispatch(opcode uint8, body []byte, fds []int) {
	if int(opcode) >= len(p.Iface.Events) {
		p.log.Warn("proxy: opcode out of range, dropping message",
			"proxy_id", p.ID, "interface", p.Iface.Name, "opcode", opcode, "n_events", len(p.Iface.Events))
		return
	}
	handler := p.Iface.Events[opcode]
	if handler == nil {
		p.log.Warn("proxy: no handler registered for opcode, dropping message",
			"proxy_id", p.ID, "interface", p.Iface.Name, "opcode", opcode)
		return
	}
	if ok := handler(p, body, fds); !ok {
		p.log.Warn("proxy: event demarshal failed, dropping message",
			"proxy_id", p.ID, "interface", p.Iface.Name, "opcode", opcode)
	}
}

// BeginDestroy marks the proxy as being destroyed and reports whether
// this is the first call (subsequent calls, e.g. reentrant destroy
// from within an event handler, are no-ops the caller should defer).
func (p *Proxy) BeginDestroy() (first bool) {
	if p.destroying {
		return false
	}
	p.destroying = true
	return true
}

// Finish emits destroy_signal and clears user data. Per spec.md §3,
// destroy_signal fires before user_data is released.
func (p *Proxy) Finish() {
	p.DestroySignal.Emit(p.ID)
	p.UserData = nil
}
