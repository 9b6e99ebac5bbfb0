package transport

import "unsafe"

// ptrAt returns a pointer to the byte at mem[off], used only to hand
// the ring's monotonic read/write index cells a stable address inside
// the mmap'd region so both peers observe the same memory (spec.md
// §4.3 "both sides mmap the region").
func ptrAt(mem []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
