package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// Invalid is the sentinel buffer id meaning "no buffer queued",
// spec.md §3/§4.3.
const Invalid uint32 = 0xFFFFFFFF

// Status mirrors the per-port status field spec.md §4.3 describes
// ("status = OK").
type Status int32

const (
	StatusOK    Status = 0
	StatusError Status = -1
)

// NodeEvent tags the records pushed into a Transport's rings (spec.md
// §4.3: HaveOutput, NeedInput, ReuseBuffer).
type NodeEvent uint32

const (
	EventHaveOutput NodeEvent = iota
	EventNeedInput
	EventReuseBuffer
)

// eventRecord is the POD Event body: a 4-byte event tag, a 4-byte
// port index, and a 4-byte buffer id (ReuseBuffer only uses all
// three; the others ignore buffer id or port as noted per call site).
type eventRecord struct {
	Event  NodeEvent
	Port   uint32
	Buffer uint32
}

func encodeEvent(e eventRecord) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(e.Event))
	binary.LittleEndian.PutUint32(buf[4:8], e.Port)
	binary.LittleEndian.PutUint32(buf[8:12], e.Buffer)
	return buf
}

func decodeEvent(body []byte) (eventRecord, error) {
	if len(body) < 12 {
		return eventRecord{}, fmt.Errorf("transport: short event record")
	}
	return eventRecord{
		Event:  NodeEvent(binary.LittleEndian.Uint32(body[0:4])),
		Port:   binary.LittleEndian.Uint32(body[4:8]),
		Buffer: binary.LittleEndian.Uint32(body[8:12]),
	}, nil
}

// PortState is one port descriptor slot in the area (spec.md §3
// "inputs: PortInput[max_inputs]" / "outputs: PortOutput[max_outputs]").
type PortState struct {
	BufferID uint32
	Status   Status
}

// Area is the fixed-size header at the start of the shared region
// (spec.md §3 "area").
type Area struct {
	MaxInputs  uint32
	NInputs    uint32
	MaxOutputs uint32
	NOutputs   uint32
}

const (
	areaSize       = 16 // 4 uint32 fields
	portStateSize  = 8  // BufferID:u32 + Status:i32
	ringHeaderSize = 8  // readIndex:u32 + writeIndex:u32
)

// Layout describes the byte offsets of every section inside the
// mapped region, computed once at creation time from the requested
// port counts and ring capacities.
type Layout struct {
	AreaOff       int
	InputsOff     int
	OutputsOff    int
	InRingHdrOff  int
	InDataOff     int
	InDataSize    int
	OutRingHdrOff int
	OutDataOff    int
	OutDataSize   int
	TotalSize     int
}

// ComputeLayout sizes the region for maxInputs/maxOutputs ports and
// ringDataSize bytes of payload capacity per direction (ringDataSize
// must be a power of two, per spec.md §3's RingBuffer requirement).
func ComputeLayout(maxInputs, maxOutputs int, ringDataSize int) Layout {
	l := Layout{}
	off := 0
	l.AreaOff = off
	off += areaSize
	l.InputsOff = off
	off += maxInputs * portStateSize
	l.OutputsOff = off
	off += maxOutputs * portStateSize
	l.InRingHdrOff = off
	off += ringHeaderSize
	l.InDataOff = off
	l.InDataSize = ringDataSize
	off += ringDataSize
	l.OutRingHdrOff = off
	off += ringHeaderSize
	l.OutDataOff = off
	l.OutDataSize = ringDataSize
	off += ringDataSize
	l.TotalSize = off
	return l
}

// Region is a memfd-backed mapping shared between the client and the
// server for one client-node's data plane (spec.md §4.3 "Creation").
type Region struct {
	Fd     int
	Mem    []byte
	Layout Layout

	InRing  *Ring
	OutRing *Ring
}

// CreateRegion allocates a memfd of the right size, mmaps it, and
// wires up the two rings over it. The caller passes the fd to the
// peer (spec.md: "passes (memfd, offset, size) to the client").
func CreateRegion(name string, layout Layout) (*Region, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("transport: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(layout.TotalSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("transport: ftruncate to %s: %w", humanize.Bytes(uint64(layout.TotalSize)), err)
	}
	return mapRegion(fd, layout)
}

// OpenRegion maps an already-created memfd received over the control
// socket (the client side of spec.md §4.3's transport announce).
func OpenRegion(fd int, layout Layout) (*Region, error) {
	return mapRegion(fd, layout)
}

func mapRegion(fd int, layout Layout) (*Region, error) {
	mem, err := unix.Mmap(fd, 0, layout.TotalSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("transport: mmap: %w", err)
	}
	r := &Region{Fd: fd, Mem: mem, Layout: layout}

	inRead, inWrite := ringIndexCells(mem, layout.InRingHdrOff)
	outRead, outWrite := ringIndexCells(mem, layout.OutRingHdrOff)

	inRing, err := NewRing(mem[layout.InDataOff:layout.InDataOff+layout.InDataSize], inRead, inWrite)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	outRing, err := NewRing(mem[layout.OutDataOff:layout.OutDataOff+layout.OutDataSize], outRead, outWrite)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	r.InRing, r.OutRing = inRing, outRing
	return r, nil
}

// ringIndexCells returns pointers into mem at off for the read/write
// index pair of one ring's header.
func ringIndexCells(mem []byte, off int) (readIndex, writeIndex *uint32) {
	// Safe by construction: Layout reserves 8 bytes at off exclusively
	// for these two u32 cells, and Region owns the backing mmap for
	// its lifetime.
	readIndex = (*uint32)(ptrAt(mem, off))
	writeIndex = (*uint32)(ptrAt(mem, off+4))
	return
}

// GetArea reads the area header.
func (r *Region) GetArea() Area {
	m := r.Mem[r.Layout.AreaOff:]
	return Area{
		MaxInputs:  binary.LittleEndian.Uint32(m[0:4]),
		NInputs:    binary.LittleEndian.Uint32(m[4:8]),
		MaxOutputs: binary.LittleEndian.Uint32(m[8:12]),
		NOutputs:   binary.LittleEndian.Uint32(m[12:16]),
	}
}

// SetArea writes the area header.
func (r *Region) SetArea(a Area) {
	m := r.Mem[r.Layout.AreaOff:]
	binary.LittleEndian.PutUint32(m[0:4], a.MaxInputs)
	binary.LittleEndian.PutUint32(m[4:8], a.NInputs)
	binary.LittleEndian.PutUint32(m[8:12], a.MaxOutputs)
	binary.LittleEndian.PutUint32(m[12:16], a.NOutputs)
}

// Input returns the i-th input port descriptor.
func (r *Region) Input(i int) PortState {
	return readPortState(r.Mem[r.Layout.InputsOff+i*portStateSize:])
}

// SetInput writes the i-th input port descriptor.
func (r *Region) SetInput(i int, p PortState) {
	writePortState(r.Mem[r.Layout.InputsOff+i*portStateSize:], p)
}

// Output returns the i-th output port descriptor.
func (r *Region) Output(i int) PortState {
	return readPortState(r.Mem[r.Layout.OutputsOff+i*portStateSize:])
}

// SetOutput writes the i-th output port descriptor.
func (r *Region) SetOutput(i int, p PortState) {
	writePortState(r.Mem[r.Layout.OutputsOff+i*portStateSize:], p)
}

func readPortState(m []byte) PortState {
	return PortState{
		BufferID: binary.LittleEndian.Uint32(m[0:4]),
		Status:   Status(int32(binary.LittleEndian.Uint32(m[4:8]))),
	}
}

func writePortState(m []byte, p PortState) {
	binary.LittleEndian.PutUint32(m[0:4], p.BufferID)
	binary.LittleEndian.PutUint32(m[4:8], uint32(int32(p.Status)))
}

// Close unmaps the region and closes the backing fd.
func (r *Region) Close() error {
	err := unix.Munmap(r.Mem)
	if cerr := unix.Close(r.Fd); err == nil {
		err = cerr
	}
	return err
}
