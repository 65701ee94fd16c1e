package memory

import (
	"errors"
	"testing"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		addr  uint32
		space Space
		off   uint32
	}{
		{0x80000000, RDRAM, 0},
		{0x801c6e90, RDRAM, 0x1c6e90},
		{0xa011a5d0, RDRAM, 0x11a5d0},
		{0xa8000020, SRAM, 0x20},
		{0xb000001c, ROM, 0x1c},
	}
	for _, c := range cases {
		s, off, err := Translate(c.addr, DefaultRDRAMSize)
		if err != nil {
			t.Fatalf("Translate(%#x): %v", c.addr, err)
		}
		if s != c.space || off != c.off {
			t.Fatalf("Translate(%#x)=%s+%#x want %s+%#x", c.addr, s, off, c.space, c.off)
		}
	}
	if _, _, err := Translate(0x00001000, DefaultRDRAMSize); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("low address must be unmapped, got %v", err)
	}
	if _, _, err := Translate(0x80900000, DefaultRDRAMSize); !errors.Is(err, ErrUnmapped) {
		t.Fatalf("beyond rdram must be unmapped, got %v", err)
	}
}

func TestAccess_StickyError(t *testing.T) {
	f := NewFlat(make([]byte, 0x40))
	a := NewAccess(f)
	a.WriteU32(SystemBus, 0x80001000, 0xdeadbeef)
	if got := a.U32(RDRAM, 0x1000); got != 0xdeadbeef {
		t.Fatalf("U32=%#x", got)
	}
	if got := a.U16(SystemBus, 0x80001002); got != 0xbeef {
		t.Fatalf("U16=%#x", got)
	}
	if got := a.S8(RDRAM, 0x1000); got != -34 {
		t.Fatalf("S8=%d", got)
	}

	_ = a.U8(ROM, 0x100)
	if !errors.Is(a.Err(), ErrOutOfRange) {
		t.Fatalf("expected out of range, got %v", a.Err())
	}
	a.WriteU8(RDRAM, 0x1000, 0)
	if f.DumpRDRAM()[0x1000] != 0xde {
		t.Fatalf("writes after an error must be skipped")
	}
	a.Reset()
	if a.Err() != nil {
		t.Fatalf("reset must clear the error")
	}
}

func TestFlat_ROMIsReadOnly(t *testing.T) {
	f := NewFlat([]byte{1, 2, 3, 4})
	if err := f.Write(SystemBus, 0xb0000000, []byte{9}); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected read-only, got %v", err)
	}
}

func TestFlat_ChangedBytesIgnoresIdenticalWrites(t *testing.T) {
	f := NewFlat(nil)
	_ = f.Write(RDRAM, 0x10, []byte{1, 2, 3})
	if f.ChangedBytes() != 3 {
		t.Fatalf("changed=%d", f.ChangedBytes())
	}
	_ = f.Write(RDRAM, 0x10, []byte{1, 2, 4})
	if f.ChangedBytes() != 4 {
		t.Fatalf("changed=%d want 4", f.ChangedBytes())
	}
}
