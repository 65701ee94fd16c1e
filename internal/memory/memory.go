// Package memory defines the emulator memory capability the sync core runs
// against, plus a flat in-process implementation used by headless hosts and
// tests.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Space names an address space exposed by the emulator.
type Space uint8

const (
	// ROM is the cartridge image, read-only, offset from its first byte.
	ROM Space = iota
	// SRAM is the cartridge save memory, offset from its first byte.
	SRAM
	// RDRAM is the console's flat main memory, offset from physical 0.
	RDRAM
	// SystemBus resolves CPU virtual addresses (>= 0x80000000) through the
	// console's fixed segment mapping.
	SystemBus
)

func (s Space) String() string {
	switch s {
	case ROM:
		return "ROM"
	case SRAM:
		return "SRAM"
	case RDRAM:
		return "RDRAM"
	case SystemBus:
		return "SystemBus"
	}
	return fmt.Sprintf("Space(%d)", uint8(s))
}

// Memory is byte-addressable read/write over the named spaces. Reads return
// big-endian memory contents.
type Memory interface {
	Read(space Space, addr uint32, n int) ([]byte, error)
	Write(space Space, addr uint32, b []byte) error
}

var (
	ErrOutOfRange = errors.New("address out of range")
	ErrReadOnly   = errors.New("address space is read-only")
	ErrUnmapped   = errors.New("address not mapped")
)

// Physical segment bases on the system bus after masking off KSEG bits.
const (
	segmentMask = 0x1fffffff
	sramBase    = 0x08000000
	romBase     = 0x10000000
)

// Translate maps a system bus address to a concrete space and offset.
// Addresses below 0x80000000 are not valid CPU pointers and are unmapped.
func Translate(addr uint32, rdramSize uint32) (Space, uint32, error) {
	if addr < 0x80000000 {
		return 0, 0, fmt.Errorf("%w: %#08x", ErrUnmapped, addr)
	}
	phys := addr & segmentMask
	switch {
	case phys < rdramSize:
		return RDRAM, phys, nil
	case phys >= romBase:
		return ROM, phys - romBase, nil
	case phys >= sramBase:
		return SRAM, phys - sramBase, nil
	}
	return 0, 0, fmt.Errorf("%w: %#08x", ErrUnmapped, addr)
}

// Access wraps a Memory with typed accessors and a sticky error: after the
// first failure every read returns zero and every write is skipped, and Err
// reports the failure. Callers check Err once per logical step.
type Access struct {
	m   Memory
	err error
}

func NewAccess(m Memory) *Access { return &Access{m: m} }

func (a *Access) Err() error { return a.err }

// Reset clears the sticky error.
func (a *Access) Reset() { a.err = nil }

func (a *Access) Bytes(space Space, addr uint32, n int) []byte {
	if a.err != nil {
		return make([]byte, n)
	}
	b, err := a.m.Read(space, addr, n)
	if err == nil && len(b) != n {
		err = fmt.Errorf("%w: short read %d/%d at %s %#08x", ErrOutOfRange, len(b), n, space, addr)
	}
	if err != nil {
		a.err = fmt.Errorf("read %s %#08x: %w", space, addr, err)
		return make([]byte, n)
	}
	return b
}

func (a *Access) U8(space Space, addr uint32) uint8 { return a.Bytes(space, addr, 1)[0] }
func (a *Access) S8(space Space, addr uint32) int8  { return int8(a.U8(space, addr)) }

func (a *Access) U16(space Space, addr uint32) uint16 {
	return binary.BigEndian.Uint16(a.Bytes(space, addr, 2))
}

func (a *Access) S16(space Space, addr uint32) int16 { return int16(a.U16(space, addr)) }

func (a *Access) U32(space Space, addr uint32) uint32 {
	return binary.BigEndian.Uint32(a.Bytes(space, addr, 4))
}

func (a *Access) WriteBytes(space Space, addr uint32, b []byte) {
	if a.err != nil {
		return
	}
	if err := a.m.Write(space, addr, b); err != nil {
		a.err = fmt.Errorf("write %s %#08x: %w", space, addr, err)
	}
}

func (a *Access) WriteU8(space Space, addr uint32, v uint8) {
	a.WriteBytes(space, addr, []byte{v})
}

func (a *Access) WriteU16(space Space, addr uint32, v uint16) {
	a.WriteBytes(space, addr, binary.BigEndian.AppendUint16(nil, v))
}

func (a *Access) WriteU32(space Space, addr uint32, v uint32) {
	a.WriteBytes(space, addr, binary.BigEndian.AppendUint32(nil, v))
}
