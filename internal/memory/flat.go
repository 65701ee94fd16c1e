package memory

import (
	"fmt"
	"sync"
)

const (
	// DefaultRDRAMSize is 8 MiB, the expansion-pak configuration.
	DefaultRDRAMSize = 8 << 20
	// DefaultSRAMSize is the 256 Kbit battery SRAM.
	DefaultSRAMSize = 0x8000
)

// Flat keeps every space in plain byte slices. It is safe for concurrent use
// so a host can poke it from another goroutine while the core polls it.
type Flat struct {
	mu      sync.Mutex
	rdram   []byte
	sram    []byte
	rom     []byte
	changed uint64
}

// NewFlat returns zeroed RDRAM and SRAM of the default sizes and the given
// ROM image (may be nil).
func NewFlat(rom []byte) *Flat {
	return &Flat{
		rdram: make([]byte, DefaultRDRAMSize),
		sram:  make([]byte, DefaultSRAMSize),
		rom:   rom,
	}
}

func (f *Flat) region(space Space, addr uint32, n int) ([]byte, Space, error) {
	if space == SystemBus {
		s, off, err := Translate(addr, uint32(len(f.rdram)))
		if err != nil {
			return nil, s, err
		}
		space, addr = s, off
	}
	var buf []byte
	switch space {
	case RDRAM:
		buf = f.rdram
	case SRAM:
		buf = f.sram
	case ROM:
		buf = f.rom
	default:
		return nil, space, fmt.Errorf("%w: %s", ErrUnmapped, space)
	}
	end := uint64(addr) + uint64(n)
	if end > uint64(len(buf)) {
		return nil, space, fmt.Errorf("%w: %s %#08x+%d (size %#x)", ErrOutOfRange, space, addr, n, len(buf))
	}
	return buf[addr:end], space, nil
}

func (f *Flat) Read(space Space, addr uint32, n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, _, err := f.region(space, addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r)
	return out, nil
}

func (f *Flat) Write(space Space, addr uint32, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, resolved, err := f.region(space, addr, len(b))
	if err != nil {
		return err
	}
	if resolved == ROM {
		return ErrReadOnly
	}
	for i, v := range b {
		if r[i] != v {
			f.changed++
			r[i] = v
		}
	}
	return nil
}

// ChangedBytes counts bytes whose value was altered by Write. Writes of
// identical values are not counted.
func (f *Flat) ChangedBytes() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changed
}

// LoadRDRAM copies an image into RDRAM starting at physical 0.
func (f *Flat) LoadRDRAM(img []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(img) > len(f.rdram) {
		return fmt.Errorf("%w: rdram image %d bytes", ErrOutOfRange, len(img))
	}
	copy(f.rdram, img)
	return nil
}

// LoadSRAM copies an image into SRAM.
func (f *Flat) LoadSRAM(img []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(img) > len(f.sram) {
		return fmt.Errorf("%w: sram image %d bytes", ErrOutOfRange, len(img))
	}
	copy(f.sram, img)
	return nil
}

// DumpRDRAM returns a copy of RDRAM.
func (f *Flat) DumpRDRAM() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.rdram...)
}
