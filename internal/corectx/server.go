package corectx

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/kestrelio/pinosd/internal/idmap"
	"github.com/kestrelio/pinosd/internal/protocol"
	"github.com/kestrelio/pinosd/internal/wire"
)

// global is the server's bookkeeping for one advertised object: the
// wire-level Global announced to, and withdrawn from, every connected
// client.
type global struct {
	info protocol.Global
}

// Core is the server-side counterpart of Context: it owns the global
// table, the per-client bookkeeping, and the static module list
// (SPEC_FULL.md §3 "static module list" — this implementation has no
// dynamic loader, so modules are seeded once at startup as globals).
type Core struct {
	log *slog.Logger

	mu       sync.Mutex
	globals  *idmap.Map[global]
	clients  *idmap.Map[*ClientState]
	cookie   string
	typeMap  *TypeMap

	// broadcast is called once per connected client with the wire
	// bytes of a registry event; the server's connection fan-out
	// lives outside this package (internal/sockconn per-connection
	// Connections), so Core only builds the message and hands it off.
	broadcast func(clientID uint32, id uint32, opcode uint8, body []byte)
}

// ClientState is the server's per-connection record, populated from
// SO_PEERCRED at accept time (SPEC_FULL.md §3 "client.info / ucred").
type ClientState struct {
	Info       protocol.ClientInfo
	RegistryID uint32 // the client's own chosen id for its registry proxy, once get_registry arrives
}

// NewCore returns a Core with an empty global table and a freshly
// generated run cookie (SPEC_FULL.md's supplement to core.info).
func NewCore(log *slog.Logger, broadcast func(clientID, id uint32, opcode uint8, body []byte)) *Core {
	if log == nil {
		log = slog.Default()
	}
	return &Core{
		log:       log,
		globals:   idmap.New[global](),
		clients:   idmap.New[*ClientState](),
		cookie:    uuid.NewString(),
		typeMap:   NewTypeMap(),
		broadcast: broadcast,
	}
}

// AddClient registers a newly accepted connection's peer credentials
// and returns its Core-assigned client id.
func (core *Core) AddClient(pid int32, uid, gid uint32) uint32 {
	core.mu.Lock()
	defer core.mu.Unlock()
	st := &ClientState{Info: protocol.ClientInfo{PID: pid, UID: uid, GID: gid, Properties: map[string]string{}}}
	id := core.clients.Insert(st)
	st.Info.ID = id
	return id
}

// RemoveClient drops a disconnected client's bookkeeping. It does not
// by itself remove globals the client owned; callers that track
// per-client global ownership should call RemoveGlobal for each first.
func (core *Core) RemoveClient(clientID uint32) {
	core.mu.Lock()
	defer core.mu.Unlock()
	core.clients.Remove(clientID)
}

// AddGlobal inserts a new global and announces registry.global(id,
// type) to every connected client (spec.md §4.1 step 3).
func (core *Core) AddGlobal(typeName string, version uint32, props map[string]string) uint32 {
	core.mu.Lock()
	id := core.globals.Insert(global{info: protocol.Global{Type: typeName, Version: version, Properties: props}})
	core.mu.Unlock()

	b := wire.Builder{}
	b.PutID(id)
	b.PutString(typeName)
	core.announceToAll(protocol.RegistryEventGlobal, b.Bytes())
	return id
}

// RemoveGlobal withdraws a global and announces
// registry.global_remove(id) to every connected client.
func (core *Core) RemoveGlobal(id uint32) {
	core.mu.Lock()
	core.globals.Remove(id)
	core.mu.Unlock()

	b := wire.Builder{}
	b.PutID(id)
	core.announceToAll(protocol.RegistryEventGlobalRemove, b.Bytes())
}

// announceToAll walks the live client table and invokes broadcast for
// each, addressing the message to that client's registry proxy id
// (spec.md §4.1: events target the id the binder assigned, but
// registry.global/global_remove target the registry object itself,
// which is per-connection).
func (core *Core) announceToAll(opcode uint8, body []byte) {
	if core.broadcast == nil {
		return
	}
	var clientIDs []uint32
	core.mu.Lock()
	core.clients.Range(func(id uint32, _ *ClientState) bool {
		clientIDs = append(clientIDs, id)
		return true
	})
	core.mu.Unlock()
	for _, cid := range clientIDs {
		st, ok := core.clients.Get(cid)
		if !ok || st.RegistryID == 0 {
			continue // client has not yet called get_registry
		}
		core.broadcast(cid, st.RegistryID, opcode, body)
	}
}

// Globals returns a snapshot of the current global table, used to
// reply with a burst of registry.global events to a client that has
// just called get_registry (spec.md §4.1 step 3).
func (core *Core) Globals() []protocol.Global {
	core.mu.Lock()
	defer core.mu.Unlock()
	var out []protocol.Global
	core.globals.Range(func(id uint32, g global) bool {
		info := g.info
		info.ID = id
		out = append(out, info)
		return true
	})
	return out
}

// Info builds the CoreInfo sent as the first event on a fresh
// connection (spec.md §3 "core.info", expanded per SPEC_FULL.md §3).
func (core *Core) Info(userName, hostName, version, name string) protocol.CoreInfo {
	return protocol.CoreInfo{
		ID:       0,
		Cookie:   core.cookie,
		UserName: userName,
		HostName: hostName,
		Version:  version,
		Name:     name,
	}
}

// TypeMap exposes the server's own append-only type table, announced
// to each new client at connection time.
func (core *Core) TypeMap() *TypeMap { return core.typeMap }

// SeedStaticModules installs the fixed module list as globals
// (SPEC_FULL.md §3): this implementation never dlopen()s a `.so`, so
// "module discovery" is just announcing a constant table once at
// startup.
func (core *Core) SeedStaticModules(names []string) {
	for _, n := range names {
		core.AddGlobal(protocol.TypeModule, 0, map[string]string{"module.name": n})
	}
}
