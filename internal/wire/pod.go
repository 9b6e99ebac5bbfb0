// Package wire implements the self-describing tagged binary record
// format ("POD") carried in message bodies, and the fixed-size message
// header that precedes each POD record on the wire.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type tags for POD records. Values are wire-stable; never renumber.
type Type uint32

const (
	TypeNone Type = iota
	TypeBool
	TypeID
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeString
	TypeBytes
	TypeRectangle
	TypeFraction
	TypeArray
	TypeStruct
	TypeObject
	TypeSequence
	TypePointer
	TypeFd
	TypeChoice
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeBool:
		return "Bool"
	case TypeID:
		return "Id"
	case TypeInt:
		return "Int"
	case TypeLong:
		return "Long"
	case TypeFloat:
		return "Float"
	case TypeDouble:
		return "Double"
	case TypeString:
		return "String"
	case TypeBytes:
		return "Bytes"
	case TypeRectangle:
		return "Rectangle"
	case TypeFraction:
		return "Fraction"
	case TypeArray:
		return "Array"
	case TypeStruct:
		return "Struct"
	case TypeObject:
		return "Object"
	case TypeSequence:
		return "Sequence"
	case TypePointer:
		return "Pointer"
	case TypeFd:
		return "Fd"
	case TypeChoice:
		return "Choice"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// ErrShortBody is returned by the iterator when a record's declared
// size exceeds the bytes remaining in the buffer.
var ErrShortBody = errors.New("wire: pod record overruns buffer")

// ErrUnaligned is returned when a record does not begin on an 8-byte
// boundary relative to the start of the stream being iterated.
var ErrUnaligned = errors.New("wire: pod record misaligned")

const recordHeaderSize = 8 // size:u32 + type:u32

// align8 rounds n up to the next multiple of 8.
func align8(n int) int {
	return (n + 7) &^ 7
}

// Rectangle is the POD Rectangle primitive.
type Rectangle struct{ Width, Height uint32 }

// Fraction is the POD Fraction primitive.
type Fraction struct{ Num, Denom uint32 }

// Builder appends POD records to a growable byte buffer. The zero
// value is ready to use.
type Builder struct {
	buf []byte
	fds []int
}

// NewBuilder returns a Builder with buf as its pre-sized backing
// array (may be nil).
func NewBuilder(buf []byte) *Builder {
	return &Builder{buf: buf[:0]}
}

// Bytes returns the bytes written so far.
func (b *Builder) Bytes() []byte { return b.buf }

// Fds returns the fds referenced by Fd records written so far, in
// the order they were written; this is the fd list a message carries
// out of band.
func (b *Builder) Fds() []int { return b.fds }

// writeRecord appends a record header plus body, padding body to an
// 8-byte boundary with zero bytes (required for bitwise round trips:
// spec.md testable property 3).
func (b *Builder) writeRecord(t Type, body []byte) {
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(t))
	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, body...)
	padded := align8(len(body))
	if pad := padded - len(body); pad > 0 {
		var zero [8]byte
		b.buf = append(b.buf, zero[:pad]...)
	}
}

// PutNone writes a None record.
func (b *Builder) PutNone() { b.writeRecord(TypeNone, nil) }

// PutBool writes a Bool record (stored as u32: 0 or 1).
func (b *Builder) PutBool(v bool) {
	var body [4]byte
	if v {
		binary.LittleEndian.PutUint32(body[:], 1)
	}
	b.writeRecord(TypeBool, body[:])
}

// PutID writes an Id record.
func (b *Builder) PutID(id uint32) {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], id)
	b.writeRecord(TypeID, body[:])
}

// PutInt writes an Int record.
func (b *Builder) PutInt(v int32) {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], uint32(v))
	b.writeRecord(TypeInt, body[:])
}

// PutLong writes a Long record.
func (b *Builder) PutLong(v int64) {
	var body [8]byte
	binary.LittleEndian.PutUint64(body[:], uint64(v))
	b.writeRecord(TypeLong, body[:])
}

// PutFloat writes a Float record.
func (b *Builder) PutFloat(v float32) {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], math.Float32bits(v))
	b.writeRecord(TypeFloat, body[:])
}

// PutDouble writes a Double record.
func (b *Builder) PutDouble(v float64) {
	var body [8]byte
	binary.LittleEndian.PutUint64(body[:], math.Float64bits(v))
	b.writeRecord(TypeDouble, body[:])
}

// PutString writes a nul-terminated, 4-byte-padded String record.
func (b *Builder) PutString(s string) {
	body := make([]byte, 0, len(s)+4)
	body = append(body, s...)
	body = append(body, 0)
	for len(body)%4 != 0 {
		body = append(body, 0)
	}
	b.writeRecord(TypeString, body)
}

// PutBytes writes a Bytes record.
func (b *Builder) PutBytes(p []byte) { b.writeRecord(TypeBytes, p) }

// PutRectangle writes a Rectangle record.
func (b *Builder) PutRectangle(r Rectangle) {
	var body [8]byte
	binary.LittleEndian.PutUint32(body[0:4], r.Width)
	binary.LittleEndian.PutUint32(body[4:8], r.Height)
	b.writeRecord(TypeRectangle, body[:])
}

// PutFraction writes a Fraction record.
func (b *Builder) PutFraction(f Fraction) {
	var body [8]byte
	binary.LittleEndian.PutUint32(body[0:4], f.Num)
	binary.LittleEndian.PutUint32(body[4:8], f.Denom)
	b.writeRecord(TypeFraction, body[:])
}

// PutFd appends fd to the message's out-of-band fd list and writes a
// Fd record holding its index. Returns the index written, mirroring
// the original's fd-index-is-local-to-one-message policy (spec.md
// §4.1); callers enforce the per-message fd ceiling.
func (b *Builder) PutFd(fd int) int {
	idx := len(b.fds)
	b.fds = append(b.fds, fd)
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], uint32(idx))
	b.writeRecord(TypeFd, body[:])
	return idx
}

// PutPointer writes a Pointer record (an opaque 8-byte tag; this
// runtime never dereferences it — it exists only for wire
// compatibility with struct members typed Pointer in the original).
func (b *Builder) PutPointer(tag uint64) {
	var body [8]byte
	binary.LittleEndian.PutUint64(body[:], tag)
	b.writeRecord(TypePointer, body[:])
}

// PutStruct writes a Struct record whose children are built by fn
// into a nested Builder, then appended as the struct's body.
func (b *Builder) PutStruct(fn func(*Builder)) {
	nested := NewBuilder(nil)
	fn(nested)
	b.writeRecord(TypeStruct, nested.Bytes())
	b.fds = append(b.fds, nested.fds...)
}

// PutArray writes an Array record: a 4-byte child size, 4-byte child
// type, then the concatenated raw item bodies (no per-item header).
func (b *Builder) PutArray(childType Type, childSize uint32, items [][]byte) {
	body := make([]byte, 0, 8+len(items)*int(childSize))
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], childSize)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(childType))
	body = append(body, hdr[:]...)
	for _, it := range items {
		body = append(body, it...)
	}
	b.writeRecord(TypeArray, body)
}

// PutObject writes an Object record: type:u32, id:u32, then nested
// property records built by fn.
func (b *Builder) PutObject(objType, id uint32, fn func(*Builder)) {
	nested := NewBuilder(nil)
	fn(nested)
	body := make([]byte, 8, 8+len(nested.Bytes()))
	binary.LittleEndian.PutUint32(body[0:4], objType)
	binary.LittleEndian.PutUint32(body[4:8], id)
	body = append(body, nested.Bytes()...)
	b.writeRecord(TypeObject, body)
	b.fds = append(b.fds, nested.fds...)
}

// Choice alternative kinds.
type ChoiceKind uint32

const (
	ChoiceNone ChoiceKind = iota
	ChoiceRange
	ChoiceStep
	ChoiceEnum
	ChoiceFlags
)

// PutChoice writes a Choice record: kind:u32, child type:u32, child
// size:u32, then the concatenated alternative bodies.
func (b *Builder) PutChoice(kind ChoiceKind, childType Type, childSize uint32, alternatives [][]byte) {
	body := make([]byte, 0, 12+len(alternatives)*int(childSize))
	var hdr [12]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(kind))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(childType))
	binary.LittleEndian.PutUint32(hdr[8:12], childSize)
	body = append(body, hdr[:]...)
	for _, a := range alternatives {
		body = append(body, a...)
	}
	b.writeRecord(TypeChoice, body)
}

// Record is one parsed POD record: its type tag and raw body (the
// 8-byte alignment padding is not included in Body).
type Record struct {
	Type Type
	Body []byte
}

// Iterator walks a sequence of sibling POD records in buf, validating
// each record's declared size against the bytes remaining.
type Iterator struct {
	buf []byte
	off int
}

// NewIterator returns an Iterator over buf.
func NewIterator(buf []byte) *Iterator { return &Iterator{buf: buf} }

// Next returns the next record, or ok=false at end of input. Next
// returns an error (not ok=false) on a malformed record so callers can
// distinguish "done" from "corrupt".
func (it *Iterator) Next() (rec Record, ok bool, err error) {
	if it.off >= len(it.buf) {
		return Record{}, false, nil
	}
	if it.off%8 != 0 {
		return Record{}, false, ErrUnaligned
	}
	if len(it.buf)-it.off < recordHeaderSize {
		return Record{}, false, ErrShortBody
	}
	size := binary.LittleEndian.Uint32(it.buf[it.off : it.off+4])
	typ := Type(binary.LittleEndian.Uint32(it.buf[it.off+4 : it.off+8]))
	bodyStart := it.off + recordHeaderSize
	bodyEnd := bodyStart + int(size)
	if int(size) < 0 || bodyEnd > len(it.buf) || bodyEnd < bodyStart {
		return Record{}, false, ErrShortBody
	}
	rec = Record{Type: typ, Body: it.buf[bodyStart:bodyEnd]}
	it.off = bodyStart + align8(int(size))
	return rec, true, nil
}

// --- scalar decode helpers on a Record ---

func (r Record) AsBool() (bool, error) {
	if r.Type != TypeBool || len(r.Body) < 4 {
		return false, fmt.Errorf("wire: not a Bool record")
	}
	return binary.LittleEndian.Uint32(r.Body) != 0, nil
}

func (r Record) AsID() (uint32, error) {
	if r.Type != TypeID || len(r.Body) < 4 {
		return 0, fmt.Errorf("wire: not an Id record")
	}
	return binary.LittleEndian.Uint32(r.Body), nil
}

func (r Record) AsInt() (int32, error) {
	if r.Type != TypeInt || len(r.Body) < 4 {
		return 0, fmt.Errorf("wire: not an Int record")
	}
	return int32(binary.LittleEndian.Uint32(r.Body)), nil
}

func (r Record) AsLong() (int64, error) {
	if r.Type != TypeLong || len(r.Body) < 8 {
		return 0, fmt.Errorf("wire: not a Long record")
	}
	return int64(binary.LittleEndian.Uint64(r.Body)), nil
}

func (r Record) AsFloat() (float32, error) {
	if r.Type != TypeFloat || len(r.Body) < 4 {
		return 0, fmt.Errorf("wire: not a Float record")
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(r.Body)), nil
}

func (r Record) AsDouble() (float64, error) {
	if r.Type != TypeDouble || len(r.Body) < 8 {
		return 0, fmt.Errorf("wire: not a Double record")
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(r.Body)), nil
}

func (r Record) AsString() (string, error) {
	if r.Type != TypeString {
		return "", fmt.Errorf("wire: not a String record")
	}
	nul := len(r.Body)
	for i, c := range r.Body {
		if c == 0 {
			nul = i
			break
		}
	}
	return string(r.Body[:nul]), nil
}

func (r Record) AsBytes() ([]byte, error) {
	if r.Type != TypeBytes {
		return nil, fmt.Errorf("wire: not a Bytes record")
	}
	return r.Body, nil
}

func (r Record) AsRectangle() (Rectangle, error) {
	if r.Type != TypeRectangle || len(r.Body) < 8 {
		return Rectangle{}, fmt.Errorf("wire: not a Rectangle record")
	}
	return Rectangle{
		Width:  binary.LittleEndian.Uint32(r.Body[0:4]),
		Height: binary.LittleEndian.Uint32(r.Body[4:8]),
	}, nil
}

func (r Record) AsFraction() (Fraction, error) {
	if r.Type != TypeFraction || len(r.Body) < 8 {
		return Fraction{}, fmt.Errorf("wire: not a Fraction record")
	}
	return Fraction{
		Num:   binary.LittleEndian.Uint32(r.Body[0:4]),
		Denom: binary.LittleEndian.Uint32(r.Body[4:8]),
	}, nil
}

// AsFd returns the fd-table index carried by a Fd record. It is the
// caller's job (via a message-scoped fd table) to resolve the index to
// an actual fd; this layer only validates that the record is
// well-formed. Per spec.md §9's first "probable bug" note, index
// bounds-checking against the real fd table is a `<=` check the caller
// must apply — this function never does it for them.
func (r Record) AsFd() (int, error) {
	if r.Type != TypeFd || len(r.Body) < 4 {
		return 0, fmt.Errorf("wire: not an Fd record")
	}
	return int(binary.LittleEndian.Uint32(r.Body)), nil
}

// AsStruct returns an Iterator over the struct's child records.
func (r Record) AsStruct() (*Iterator, error) {
	if r.Type != TypeStruct {
		return nil, fmt.Errorf("wire: not a Struct record")
	}
	return NewIterator(r.Body), nil
}

// ObjectHeader is the decoded type/id prefix of an Object record.
type ObjectHeader struct {
	ObjType uint32
	ID      uint32
}

// AsObject returns the object header and an Iterator over its
// property records.
func (r Record) AsObject() (ObjectHeader, *Iterator, error) {
	if r.Type != TypeObject || len(r.Body) < 8 {
		return ObjectHeader{}, nil, fmt.Errorf("wire: not an Object record")
	}
	hdr := ObjectHeader{
		ObjType: binary.LittleEndian.Uint32(r.Body[0:4]),
		ID:      binary.LittleEndian.Uint32(r.Body[4:8]),
	}
	return hdr, NewIterator(r.Body[8:]), nil
}

// ArrayHeader is the decoded child-type/child-size prefix of an Array.
type ArrayHeader struct {
	ChildSize uint32
	ChildType Type
}

// AsArray returns the array header and the raw concatenated item
// bytes (callers slice it in ChildSize chunks).
func (r Record) AsArray() (ArrayHeader, []byte, error) {
	if r.Type != TypeArray || len(r.Body) < 8 {
		return ArrayHeader{}, nil, fmt.Errorf("wire: not an Array record")
	}
	hdr := ArrayHeader{
		ChildSize: binary.LittleEndian.Uint32(r.Body[0:4]),
		ChildType: Type(binary.LittleEndian.Uint32(r.Body[4:8])),
	}
	return hdr, r.Body[8:], nil
}

// ChoiceHeader is the decoded kind/child-type/child-size prefix of a
// Choice record.
type ChoiceHeader struct {
	Kind      ChoiceKind
	ChildType Type
	ChildSize uint32
}

// AsChoice returns the choice header and the raw concatenated
// alternative bytes.
func (r Record) AsChoice() (ChoiceHeader, []byte, error) {
	if r.Type != TypeChoice || len(r.Body) < 12 {
		return ChoiceHeader{}, nil, fmt.Errorf("wire: not a Choice record")
	}
	hdr := ChoiceHeader{
		Kind:      ChoiceKind(binary.LittleEndian.Uint32(r.Body[0:4])),
		ChildType: Type(binary.LittleEndian.Uint32(r.Body[4:8])),
		ChildSize: binary.LittleEndian.Uint32(r.Body[8:12]),
	}
	return hdr, r.Body[12:], nil
}
