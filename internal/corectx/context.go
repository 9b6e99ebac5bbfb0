package corectx

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelio/pinosd/internal/idmap"
	"github.com/kestrelio/pinosd/internal/proxy"
	"github.com/kestrelio/pinosd/internal/protocol"
	"github.com/kestrelio/pinosd/internal/wire"
)

// Sender is the narrow interface Context needs from a Connection: a
// place to reserve a body buffer and finalize a framed message. This
// lets tests substitute a fake without a real socket; *sockconn.
// Connection already satisfies it as-is.
type Sender interface {
	BeginWrite(bodyLen int) []byte
	EndWrite(id uint32, opcode uint8, bodyLen int)
}

// Context is a client's handle to a server connection (spec.md
// GLOSSARY "Context"): owner of the proxy id space, the type map, and
// the pending-sync bookkeeping. Id 0 is always the remote core
// (spec.md §3).
type Context struct {
	log   *slog.Logger
	loop  *Loop
	conn  Sender
	ids   *idmap.Map[*proxy.Proxy]
	types *TypeMap
	reg   *proxy.Registry

	mu       sync.Mutex
	coreInfo *protocol.CoreInfo
	pending  map[int32]func(res protocol.ErrorCode)
	nextSeq  int32
}

// NewContext constructs a Context bound to conn and backed by
// registered interface vtables in reg (core, registry, client_node,
// ...). The caller still must drive it by calling HandleEvent for
// every message the Connection demarshals off the wire.
func NewContext(log *slog.Logger, loop *Loop, conn Sender, reg *proxy.Registry) *Context {
	if log == nil {
		log = slog.Default()
	}
	ids := idmap.New[*proxy.Proxy]()
	// Id 0 is reserved for the remote core (spec.md §3); insert a
	// placeholder proxy up front so user ids start at 1.
	corep := proxy.New(log, 0, reg.Lookup(protocol.TypeCore), nil)
	gotID := ids.Insert(corep)
	if gotID != 0 {
		panic("corectx: core proxy must be id 0")
	}
	return &Context{
		log:     log,
		loop:    loop,
		conn:    conn,
		ids:     ids,
		types:   NewTypeMap(),
		reg:     reg,
		pending: make(map[int32]func(res protocol.ErrorCode)),
	}
}

// Bootstrap runs the first three steps of the five-step handshake
// from spec.md §4.1 (client_update, update_types, get_registry) and
// leaves binding and sync to the caller (sync is usually issued after
// the caller has bound whatever globals it wants).
func (c *Context) Bootstrap(clientProps map[string]string) (registryID uint32) {
	c.sendClientUpdate(clientProps)
	c.sendUpdateTypes(protocol.AllTypeNames)
	registryID = c.allocProxy(protocol.TypeRegistry, nil)
	c.sendGetRegistry(registryID)
	return registryID
}

func (c *Context) sendClientUpdate(props map[string]string) {
	b := wire.Builder{}
	writePropsStruct(&b, props)
	body := c.conn.BeginWrite(len(b.Bytes()))
	copy(body, b.Bytes())
	c.conn.EndWrite(0, protocol.CoreMethodClientUpdate, len(b.Bytes()))
}

func (c *Context) sendUpdateTypes(names []string) {
	first := c.types.Len()
	c.types.Announce(first, names)
	b := wire.Builder{}
	b.PutInt(int32(first))
	for _, n := range names {
		b.PutString(n)
	}
	body := c.conn.BeginWrite(len(b.Bytes()))
	copy(body, b.Bytes())
	c.conn.EndWrite(0, protocol.CoreMethodUpdateTypes, len(b.Bytes()))
}

func (c *Context) sendGetRegistry(newID uint32) {
	b := wire.Builder{}
	b.PutID(newID)
	body := c.conn.BeginWrite(len(b.Bytes()))
	copy(body, b.Bytes())
	c.conn.EndWrite(0, protocol.CoreMethodGetRegistry, len(b.Bytes()))
}

// Sync issues core.sync(seq) and registers cb to run when the
// matching core.done(seq) arrives. Matching uses seq alone (spec.md
// §4.1 step 5: "opaque to the runtime").
func (c *Context) Sync(cb func()) {
	c.mu.Lock()
	seq := c.nextSeq
	c.nextSeq++
	c.pending[seq] = func(protocol.ErrorCode) { cb() }
	c.mu.Unlock()

	b := wire.Builder{}
	b.PutInt(seq)
	body := c.conn.BeginWrite(len(b.Bytes()))
	copy(body, b.Bytes())
	c.conn.EndWrite(0, protocol.CoreMethodSync, len(b.Bytes()))
}

// Bind allocates a new proxy id for a global and sends
// registry.bind(globalID, newID), per spec.md §4.1 step 4.
func (c *Context) Bind(registryProxyID, globalID uint32, typeName string, userData any) (*proxy.Proxy, error) {
	if c.reg.Lookup(typeName) == nil {
		return nil, fmt.Errorf("corectx: cannot bind unknown interface %q", typeName)
	}
	id := c.allocProxy(typeName, userData)

	b := wire.Builder{}
	b.PutID(globalID)
	b.PutID(id)
	body := c.conn.BeginWrite(len(b.Bytes()))
	copy(body, b.Bytes())
	c.conn.EndWrite(registryProxyID, protocol.RegistryMethodBind, len(b.Bytes()))

	p, _ := c.ids.Get(id)
	return p, nil
}

// allocProxy reserves the next id map slot and registers a Proxy for
// typeName, returning its new id.
func (c *Context) allocProxy(typeName string, userData any) uint32 {
	iface := c.reg.Lookup(typeName)
	if iface == nil {
		panic(fmt.Sprintf("corectx: unknown local interface %q", typeName))
	}
	p := proxy.New(c.log, 0, iface, userData)
	id := c.ids.Insert(p)
	p.ID = id
	return id
}

// Proxy returns the live proxy for id, if any.
func (c *Context) Proxy(id uint32) (*proxy.Proxy, bool) {
	return c.ids.Get(id)
}

// HandleEvent dispatches one demarshaled event body to its target
// proxy, or handles the three core-level bookkeeping events
// (update_types, done, remove_id) that Context itself must act on
// before the interface vtable ever sees them.
func (c *Context) HandleEvent(id uint32, opcode uint8, body []byte, fds []int) {
	if id == 0 {
		switch opcode {
		case protocol.CoreEventUpdateTypes:
			first, names, ok := decodeUpdateTypes(body)
			if ok {
				c.types.Announce(first, names)
			}
			return
		case protocol.CoreEventDone:
			it := wire.NewIterator(body)
			rec, ok, err := it.Next()
			if err != nil || !ok {
				return
			}
			seq, err := rec.AsInt()
			if err != nil {
				return
			}
			c.mu.Lock()
			cb, exists := c.pending[seq]
			if exists {
				delete(c.pending, seq)
			}
			c.mu.Unlock()
			if exists {
				cb(protocol.ErrOK)
			}
			return
		case protocol.CoreEventRemoveID:
			it := wire.NewIterator(body)
			rec, ok, err := it.Next()
			if err != nil || !ok {
				return
			}
			removedID, err := rec.AsID()
			if err != nil {
				return
			}
			if p, exists := c.ids.Get(removedID); exists {
				if p.BeginDestroy() {
					p.Finish()
				}
				c.ids.Remove(removedID)
			}
			return
		}
	}
	p, ok := c.ids.Get(id)
	if !ok {
		c.log.Warn("corectx: event for unknown object id, dropping", "id", id, "opcode", opcode)
		return
	}
	p.Dispatch(opcode, body, fds)
}

// writePropsStruct encodes a string map as a POD Struct of
// alternating key/value Strings, the shape client_update and similar
// methods use for their props argument.
func writePropsStruct(b *wire.Builder, props map[string]string) {
	b.PutStruct(func(inner *wire.Builder) {
		for k, v := range props {
			inner.PutString(k)
			inner.PutString(v)
		}
	})
}

// decodeUpdateTypes parses an update_types body (first_id:i32,
// names...:String) back into its arguments.
func decodeUpdateTypes(body []byte) (first uint32, names []string, ok bool) {
	it := wire.NewIterator(body)
	rec, present, err := it.Next()
	if err != nil || !present {
		return 0, nil, false
	}
	firstI, err := rec.AsInt()
	if err != nil {
		return 0, nil, false
	}
	for {
		rec, present, err := it.Next()
		if err != nil {
			return 0, nil, false
		}
		if !present {
			break
		}
		s, err := rec.AsString()
		if err != nil {
			return 0, nil, false
		}
		names = append(names, s)
	}
	return uint32(firstI), names, true
}
