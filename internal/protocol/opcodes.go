// Package protocol defines the wire-level opcode constants and typed
// payload shapes for the bootstrap interfaces (core, registry,
// client-node) described in spec.md §4.1 and §6. It holds no
// behavior; internal/corectx implements the state machine that sends
// and interprets these.
package protocol

// Interface type names, used in update_types (spec.md §3 "Type map")
// and as Global.Type values.
const (
	TypeCore       = "Core"
	TypeRegistry   = "Registry"
	TypeClientNode = "ClientNode"
	TypeModule     = "Module"
	TypeNode       = "Node"
	TypeClient     = "Client"
	TypeLink       = "Link"
	TypeDevice     = "Device" // Bluetooth card object
)

// AllTypeNames is the full local type table a fresh Context announces
// via update_types at bootstrap (spec.md §4.1 step 2).
var AllTypeNames = []string{
	TypeCore, TypeRegistry, TypeClientNode, TypeModule, TypeNode, TypeClient, TypeLink, TypeDevice,
}

// Core method opcodes (client -> server), spec.md §6.
const (
	CoreMethodClientUpdate    uint8 = 0
	CoreMethodSync            uint8 = 1
	CoreMethodGetRegistry     uint8 = 2
	CoreMethodCreateNode      uint8 = 3
	CoreMethodCreateClientNode uint8 = 4
	CoreMethodUpdateTypes     uint8 = 5
)

// Core event opcodes (server -> client), spec.md §6.
const (
	CoreEventInfo        uint8 = 0
	CoreEventDone        uint8 = 1
	CoreEventError       uint8 = 2
	CoreEventRemoveID    uint8 = 3
	CoreEventUpdateTypes uint8 = 4
)

// Registry opcodes, spec.md §6.
const (
	RegistryMethodBind uint8 = 0

	RegistryEventGlobal       uint8 = 0
	RegistryEventGlobalRemove uint8 = 1
)

// ClientNode method opcodes, spec.md §6.
const (
	ClientNodeMethodUpdate     uint8 = 0
	ClientNodeMethodPortUpdate uint8 = 1
	ClientNodeMethodEvent      uint8 = 2
	ClientNodeMethodDestroy    uint8 = 3
)

// ClientNode event opcodes, spec.md §6.
const (
	ClientNodeEventDone        uint8 = 0
	ClientNodeEventEvent       uint8 = 1
	ClientNodeEventAddPort     uint8 = 2
	ClientNodeEventRemovePort  uint8 = 3
	ClientNodeEventSetFormat   uint8 = 4
	ClientNodeEventSetProperty uint8 = 5
	ClientNodeEventAddMem      uint8 = 6
	ClientNodeEventUseBuffers  uint8 = 7
	ClientNodeEventNodeCommand uint8 = 8
	ClientNodeEventPortCommand uint8 = 9
	ClientNodeEventTransport   uint8 = 10
)

// ErrorCode mirrors the POSIX-style negative result codes spec.md §9
// says fallible calls return (the "SpaResult convention").
type ErrorCode int32

const (
	ErrOK             ErrorCode = 0
	ErrEINVAL         ErrorCode = -22
	ErrENOMEM         ErrorCode = -12
	ErrEMFILE         ErrorCode = -24
	ErrEBUSY          ErrorCode = -16
	ErrENODEV         ErrorCode = -19
	ErrECANCELED      ErrorCode = -125
	ErrOutOfResources ErrorCode = -1000 // fd-ceiling overflow (spec.md §4.1)
)
