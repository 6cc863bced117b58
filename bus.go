package hda

import (
	"encoding/binary"
	"io"
)

// Registers gives typed access to the controller's memory-mapped register window.
// Offsets are relative to the start of BAR0; accesses are little-endian.
type Registers interface {
	Read8(off uint32) uint8
	Read16(off uint32) uint16
	Read32(off uint32) uint32
	Write8(off uint32, v uint8)
	Write16(off uint32, v uint16)
	Write32(off uint32, v uint32)
}

// Mem represents a section of memory that is usable by the controller's DMA engines.
//
// Since this is physically allocated memory, it is important to call Close()
// once the controller no longer references it.
type Mem interface {
	io.Closer
	Buf() []byte
	// PhysAddr is the bus address the controller uses for Buf()[0].
	PhysAddr() uint64
}

// Bus is the platform side of a controller: its register window and a source of
// physically contiguous, page aligned DMA memory.
type Bus interface {
	// Registers maps the controller's register window.
	Registers() (Registers, error)
	// Alloc returns size bytes of zeroed, physically contiguous memory.
	Alloc(size int) (Mem, error)
}

// The helpers below access DMA memory shared with the controller.
// Ring and descriptor entries are little-endian, like the registers.

func memRead32(m Mem, off int) uint32 {
	return binary.LittleEndian.Uint32(m.Buf()[off:])
}

func memWrite32(m Mem, off int, v uint32) {
	binary.LittleEndian.PutUint32(m.Buf()[off:], v)
}

func memRead64(m Mem, off int) uint64 {
	return binary.LittleEndian.Uint64(m.Buf()[off:])
}

// lower32 and upper32 split a bus address into its base register halves.
func lower32(addr uint64) uint32 {
	return uint32(addr)
}

func upper32(addr uint64) uint32 {
	return uint32(addr >> 32)
}
