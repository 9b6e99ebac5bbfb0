package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the size of a message header: id:u32, opcode:u8 +
// size:u24 packed into one u32, matching spec.md §6's wire frame
// (`(opcode << 24) | (size_including_header & 0x00FFFFFF)`).
const HeaderSize = 8

// MaxMessageFds is the per-message SCM_RIGHTS ceiling (spec.md §4.1):
// enough to fit one cmsg buffer without the kernel truncating it.
const MaxMessageFds = 28

// Header is a decoded message header.
type Header struct {
	ID     uint32
	Opcode uint8
	Size   uint32 // includes HeaderSize
}

// PutHeader encodes hdr into buf[0:HeaderSize]. buf must have length
// >= HeaderSize.
func PutHeader(buf []byte, hdr Header) {
	binary.LittleEndian.PutUint32(buf[0:4], hdr.ID)
	packed := (uint32(hdr.Opcode) << 24) | (hdr.Size & 0x00FFFFFF)
	binary.LittleEndian.PutUint32(buf[4:8], packed)
}

// ParseHeader decodes a header from buf[0:HeaderSize].
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header (%d bytes)", len(buf))
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	packed := binary.LittleEndian.Uint32(buf[4:8])
	return Header{
		ID:     id,
		Opcode: uint8(packed >> 24),
		Size:   packed & 0x00FFFFFF,
	}, nil
}

// EncodeMessage builds a complete framed message: header + body. body
// must already be a sequence of complete POD records (typically one
// Struct or Object record).
func EncodeMessage(id uint32, opcode uint8, body []byte) []byte {
	total := HeaderSize + len(body)
	buf := make([]byte, total)
	PutHeader(buf, Header{ID: id, Opcode: opcode, Size: uint32(total)})
	copy(buf[HeaderSize:], body)
	return buf
}
