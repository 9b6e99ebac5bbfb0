package corectx

import (
	"log/slog"

	"github.com/kestrelio/pinosd/internal/protocol"
	"github.com/kestrelio/pinosd/internal/stream"
	"github.com/kestrelio/pinosd/internal/wire"
)

// Session is the server-side counterpart of Context: one per accepted
// connection, it demarshals the bootstrap methods a client sends
// (spec.md §4.1 steps 1-4) and replies on the same Sender a
// sockconn.Connection already satisfies. It also owns every
// client_node (C5/C6/C7) the connection has created, since those
// objects' lifetime is tied to the connection that created them.
type Session struct {
	log        *slog.Logger
	core       *Core
	conn       Sender
	clientID   uint32
	registryID uint32
	userName   string
	hostName   string
	coreName   string
	version    string

	clientNodes map[uint32]*clientNode

	// pendingFds accumulates fds queued by writeBuilder calls made
	// during the HandleMethod call currently in flight (e.g.
	// client_node.transport's memfd, client_node.done's eventfds);
	// the caller takes them via TakePendingFds and passes them to the
	// next Connection.Flush, since Sender itself has no fd-carrying
	// write (spec.md §4.1's fd-passing is a property of flush(), one
	// level below this session).
	pendingFds []int
}

// NewSession registers clientID's bookkeeping (already created by the
// caller via Core.AddClient) and returns a Session ready to receive
// HandleMethod calls. It immediately sends core.info, the first event
// a fresh connection receives (spec.md §3).
func NewSession(log *slog.Logger, core *Core, conn Sender, clientID uint32, userName, hostName, coreName, version string) *Session {
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		log: log, core: core, conn: conn, clientID: clientID,
		userName: userName, hostName: hostName, coreName: coreName, version: version,
		clientNodes: make(map[uint32]*clientNode),
	}
	s.sendInfo()
	s.sendUpdateTypes(protocol.AllTypeNames)
	return s
}

// TakePendingFds returns and clears the fds queued by the
// HandleMethod call(s) made since the last TakePendingFds, for the
// caller to hand to Connection.Flush alongside the framed messages
// those calls queued.
func (s *Session) TakePendingFds() []int {
	fds := s.pendingFds
	s.pendingFds = nil
	return fds
}

// Close tears down every client_node this session owns. A dropped
// connection implicitly destroys every object the client held
// (spec.md §4.2 failure handling), so the daemon calls this from its
// connection-destroyed hook.
func (s *Session) Close() {
	for _, cn := range s.clientNodes {
		s.destroyClientNode(cn)
	}
}

func (s *Session) sendInfo() {
	info := s.core.Info(s.userName, s.hostName, s.version, s.coreName)
	b := wire.Builder{}
	b.PutStruct(func(inner *wire.Builder) {
		inner.PutID(info.ID)
		inner.PutString(info.Cookie)
		inner.PutString(info.UserName)
		inner.PutString(info.HostName)
		inner.PutString(info.Version)
		inner.PutString(info.Name)
	})
	s.write(0, protocol.CoreEventInfo, b.Bytes())
}

func (s *Session) sendUpdateTypes(names []string) {
	b := wire.Builder{}
	b.PutInt(0)
	for _, n := range names {
		b.PutString(n)
	}
	s.write(0, protocol.CoreEventUpdateTypes, b.Bytes())
}

func (s *Session) write(id uint32, opcode uint8, body []byte) {
	dst := s.conn.BeginWrite(len(body))
	copy(dst, body)
	s.conn.EndWrite(id, opcode, len(body))
}

// writeBuilder is write's fd-carrying counterpart: b's body is framed
// as usual, and any fds b accumulated via PutFd are appended to
// pendingFds for the next Flush to send alongside it.
func (s *Session) writeBuilder(id uint32, opcode uint8, b *wire.Builder) {
	s.write(id, opcode, b.Bytes())
	if fds := b.Fds(); len(fds) > 0 {
		s.pendingFds = append(s.pendingFds, fds...)
	}
}

// HandleMethod dispatches one demarshaled client->server method call
// to the matching Core/Registry behavior. Unknown ids/opcodes are
// logged and dropped, matching the same drop-and-log contract the
// client-side proxy.Dispatch follows (spec.md §4.1).
func (s *Session) HandleMethod(id uint32, opcode uint8, body []byte, fds []int) {
	if id == 0 {
		s.handleCoreMethod(opcode, body)
		return
	}
	if id == s.registryID {
		s.handleRegistryMethod(opcode, body)
		return
	}
	if cn, ok := s.clientNodes[id]; ok {
		s.handleClientNodeMethod(cn, opcode, body, fds)
		return
	}
	s.log.Warn("corectx: method for unknown object id, dropping", "id", id, "opcode", opcode)
}

func (s *Session) handleCoreMethod(opcode uint8, body []byte) {
	switch opcode {
	case protocol.CoreMethodClientUpdate:
		props, ok := decodePropsStruct(body)
		if !ok {
			s.log.Warn("corectx: malformed client_update, dropping")
			return
		}
		s.core.mu.Lock()
		if st, exists := s.core.clients.Get(s.clientID); exists {
			st.Info.Properties = props
		}
		s.core.mu.Unlock()

	case protocol.CoreMethodUpdateTypes:
		// The server's own type table is fixed (protocol.AllTypeNames);
		// a client announcing its local table back needs no action
		// beyond having already received ours.

	case protocol.CoreMethodGetRegistry:
		it := wire.NewIterator(body)
		rec, ok, err := it.Next()
		if err != nil || !ok {
			s.log.Warn("corectx: malformed get_registry, dropping")
			return
		}
		newID, err := rec.AsID()
		if err != nil {
			s.log.Warn("corectx: malformed get_registry id, dropping")
			return
		}
		s.registryID = newID
		s.core.mu.Lock()
		if st, exists := s.core.clients.Get(s.clientID); exists {
			st.RegistryID = newID
		}
		s.core.mu.Unlock()
		s.sendInitialGlobals()

	case protocol.CoreMethodSync:
		it := wire.NewIterator(body)
		rec, ok, err := it.Next()
		if err != nil || !ok {
			s.log.Warn("corectx: malformed sync, dropping")
			return
		}
		seq, err := rec.AsInt()
		if err != nil {
			s.log.Warn("corectx: malformed sync seq, dropping")
			return
		}
		b := wire.Builder{}
		b.PutInt(seq)
		s.write(0, protocol.CoreEventDone, b.Bytes())

	case protocol.CoreMethodCreateNode:
		s.handleCreateNode(body)

	case protocol.CoreMethodCreateClientNode:
		s.handleCreateClientNode(body)

	default:
		s.log.Warn("corectx: unknown core method opcode, dropping", "opcode", opcode)
	}
}

// handleCreateNode implements core.create_node (spec.md §6 opcode 3):
// a server-implemented node, as opposed to create_client_node's
// client-implemented one. This server has no dynamic factory loader
// (it mirrors Core.SeedStaticModules' fixed module table), so there
// is no factory to instantiate; the only real effect is announcing a
// Node global with the client's requested properties.
func (s *Session) handleCreateNode(body []byte) {
	newID, props, ok := decodeNewIDAndProps(body)
	if !ok {
		s.log.Warn("corectx: malformed create_node, dropping")
		return
	}
	if props == nil {
		props = map[string]string{}
	}
	globalID := s.core.AddGlobal(protocol.TypeNode, 0, props)
	s.log.Debug("corectx: create_node", "client_new_id", newID, "global", globalID)
}

// handleCreateClientNode implements core.create_client_node (spec.md
// §6 opcode 4, §4.1/§4.3/§4.4): it announces the Node global other
// clients see in the registry and creates the server-side bookkeeping
// (stream state machine + not-yet-attached shared-memory transport)
// addressed by the id the client chose for its ClientNode proxy.
func (s *Session) handleCreateClientNode(body []byte) {
	newID, props, ok := decodeNewIDAndProps(body)
	if !ok {
		s.log.Warn("corectx: malformed create_client_node, dropping")
		return
	}
	if props == nil {
		props = map[string]string{}
	}
	if _, exists := s.clientNodes[newID]; exists {
		s.log.Warn("corectx: create_client_node reused a live id, dropping", "id", newID)
		return
	}

	globalID := s.core.AddGlobal(protocol.TypeNode, 0, props)
	cn := &clientNode{id: newID, globalID: globalID, stream: stream.New(s.log)}
	cn.stream.OnFormatChanged(func(f stream.Format) { s.sendSetFormatEvent(cn, f) })
	cn.stream.OnAsyncComplete(func(ac stream.AsyncComplete) { s.postAsyncComplete(cn, ac) })
	s.clientNodes[newID] = cn

	if err := cn.stream.Connect(0); err != nil {
		// Unreachable: a freshly constructed Stream is always
		// UNCONNECTED, and Connect from UNCONNECTED cannot fail.
		s.log.Warn("corectx: client_node connect failed", "id", newID, "err", err)
	}
}

func (s *Session) handleRegistryMethod(opcode uint8, body []byte) {
	switch opcode {
	case protocol.RegistryMethodBind:
		it := wire.NewIterator(body)
		first, ok, err := it.Next()
		if err != nil || !ok {
			s.log.Warn("corectx: malformed bind, dropping")
			return
		}
		globalID, err := first.AsID()
		if err != nil {
			s.log.Warn("corectx: malformed bind global id, dropping")
			return
		}
		second, ok, err := it.Next()
		if err != nil || !ok {
			s.log.Warn("corectx: malformed bind, missing new id, dropping")
			return
		}
		_, err = second.AsID()
		if err != nil {
			s.log.Warn("corectx: malformed bind new id, dropping")
			return
		}
		// Binding does not itself send events here; a bound
		// interface's own event stream (e.g. a Node's param events)
		// is driven by whichever subsystem owns globalID, outside
		// this bootstrap-only session layer.
		s.log.Debug("corectx: bind", "global_id", globalID)

	default:
		s.log.Warn("corectx: unknown registry method opcode, dropping", "opcode", opcode)
	}
}

// sendInitialGlobals replies to get_registry with one
// registry.global event per currently live global (spec.md §4.1 step
// 3's initial burst), addressed to the client's own registry proxy
// id.
func (s *Session) sendInitialGlobals() {
	for _, g := range s.core.Globals() {
		b := wire.Builder{}
		b.PutID(g.ID)
		b.PutString(g.Type)
		s.write(s.registryID, protocol.RegistryEventGlobal, b.Bytes())
	}
}

// decodePropsStruct decodes the one Struct argument client_update
// sends: alternating key/value Strings (the mirror of writePropsStruct
// in context.go).
func decodePropsStruct(body []byte) (map[string]string, bool) {
	it := wire.NewIterator(body)
	rec, ok, err := it.Next()
	if err != nil || !ok {
		return nil, false
	}
	return decodePropsRecord(rec)
}

// decodePropsRecord decodes an already-fetched Struct record into its
// alternating key/value String pairs.
func decodePropsRecord(rec wire.Record) (map[string]string, bool) {
	inner, err := rec.AsStruct()
	if err != nil {
		return nil, false
	}
	props := map[string]string{}
	for {
		krec, kok, err := inner.Next()
		if err != nil {
			return nil, false
		}
		if !kok {
			break
		}
		key, err := krec.AsString()
		if err != nil {
			return nil, false
		}
		vrec, vok, err := inner.Next()
		if err != nil || !vok {
			return nil, false
		}
		val, err := vrec.AsString()
		if err != nil {
			return nil, false
		}
		props[key] = val
	}
	return props, true
}

// decodeNewIDAndProps decodes the (new_id, props) shape both
// create_node and create_client_node share: an Id record for the
// client-chosen object id, followed by an optional properties Struct.
// spec.md §6 names these methods but not their exact argument order;
// the original's factory-name/type/version arguments aren't decoded
// here since this server has no dynamic factory loader to hand them
// to (see handleCreateNode).
func decodeNewIDAndProps(body []byte) (newID uint32, props map[string]string, ok bool) {
	it := wire.NewIterator(body)
	rec, recOK, err := it.Next()
	if err != nil || !recOK {
		return 0, nil, false
	}
	newID, err = rec.AsID()
	if err != nil {
		return 0, nil, false
	}
	if propsRec, propsOK, perr := it.Next(); perr == nil && propsOK {
		if p, decOK := decodePropsRecord(propsRec); decOK {
			props = p
		}
	}
	return newID, props, true
}
