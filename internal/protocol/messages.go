package protocol

// Global is one entry in the registry's global table, announced via
// RegistryEventGlobal and removed via RegistryEventGlobalRemove
// (spec.md §4.1, §6).
type Global struct {
	ID         uint32
	Type       string
	Version    uint32
	Properties map[string]string
}

// CoreInfo mirrors the info struct sent with CoreEventInfo, the first
// event a fresh connection receives (spec.md §3 "core.info", expanded
// per SPEC_FULL.md §3 to carry the full field set the original
// pinos_core_info carried rather than just an id).
type CoreInfo struct {
	ID         uint32
	Cookie     string // per-core run identifier, spec.md §3 supplement
	UserName   string
	HostName   string
	Version    string
	Name       string
	Properties map[string]string
}

// ClientInfo mirrors CoreEventInfo's client-scoped counterpart,
// populated server-side from the accepted connection's peer
// credentials (SPEC_FULL.md §3 "client.info / SO_PEERCRED").
type ClientInfo struct {
	ID         uint32
	PID        int32
	UID        uint32
	GID        uint32
	Properties map[string]string
}

// ModuleInfo describes one statically linked module (SPEC_FULL.md §3
// "static module list" — this implementation has no dynamic .so
// loader, so the module table is fixed at build time and announced as
// globals at bootstrap).
type ModuleInfo struct {
	ID   uint32
	Name string
}

// NodeInfo mirrors the subset of pinos_node_info this system exposes
// as a Node global's properties (direction, channel count, current
// format, state) for introspection by internal/debugsrv.
type NodeInfo struct {
	ID         uint32
	Name       string
	Direction  string // "input" or "output"
	State      string
	Properties map[string]string
}

// TransportAnnounce groups the fd for the shared memory region with
// the two eventfds the client and server signal each other with
// (spec.md §4.3). On the wire they travel in two events:
// ClientNodeEventDone carries the two eventfds, and
// ClientNodeEventTransport carries the memfd, an offset and the size.
type TransportAnnounce struct {
	MemFd      int
	ReadFd     int // signalled by the peer when it produces data
	WriteFd    int // signalled by the peer when it consumes data
	RegionSize uint32
}

// AddMem is the payload of ClientNodeEventAddMem: one additional
// shared memory block backing a port's buffers, passed out of band
// via SCM_RIGHTS (spec.md §4.3, §9 fd bookkeeping).
type AddMem struct {
	MemID uint32
	Fd    int
	Flags uint32
	Size  uint32
}

// ErrorEvent is the payload of CoreEventError: an id-scoped protocol
// error report (spec.md §6).
type ErrorEvent struct {
	ID      uint32
	SeqNum  int32
	Res     ErrorCode
	Message string
}
