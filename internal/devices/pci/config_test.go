package pci

import (
	"testing"
)

func TestAbsentFunctionReadsAllOnes(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, &fakeBackend{}))

	absent := Address{Bus: 0, Slot: 2}
	if got := env.host.ReadConfig(absent, 0, 4); got != 0xFFFFFFFF {
		t.Fatalf("absent 4-byte read = %#x", got)
	}
	if got := env.host.ReadConfig(absent, 0, 2); got != 0xFFFF {
		t.Fatalf("absent 2-byte read = %#x", got)
	}
	// Writes to absent functions are silently dropped.
	env.host.WriteConfig(absent, RegCommand, 2, 0xFFFF)
}

func TestInvalidAccessesAreRejected(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, &fakeBackend{}))
	fn := env.fn(t, 0, 1, 0)

	if got := env.read(fn, 1, 2); got != 0xFFFF {
		t.Fatalf("misaligned read = %#x, want 0xffff", got)
	}
	if got := env.read(fn, 0, 3); got != 0xFFFFFFFF {
		t.Fatalf("3-byte read = %#x, want all-ones", got)
	}
	if got := env.read(fn, 0, 4); got != 0x56781234 {
		t.Fatalf("id read = %#x, want 0x56781234", got)
	}

	env.write(fn, RegSubVendorID+1, 2, 0xBEEF)
	if got := env.read(fn, RegSubVendorID, 4); got != 0 {
		t.Fatalf("misaligned write landed: %#x", got)
	}
}

func TestExtendedConfigSpace(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, &fakeBackend{}))
	fn := env.fn(t, 0, 1, 0)

	if got := env.read(fn, 0x100, 4); got != 0 {
		t.Fatalf("extended capability header = %#x, want 0", got)
	}
	if got := env.read(fn, 0x104, 4); got != 0xFFFFFFFF {
		t.Fatalf("extended read = %#x, want all-ones", got)
	}
	env.write(fn, 0x200, 4, 0x12345678)
	if got := env.read(fn, 0x200, 4); got != 0xFFFFFFFF {
		t.Fatalf("extended write stuck: %#x", got)
	}
}

func TestCommandStatusReadOnlyMask(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, &fakeBackend{}))
	fn := env.fn(t, 0, 1, 0)

	env.write(fn, RegCommand, 4, 0xFFFFFFFF)
	if got := env.read(fn, RegCommand, 2); got != 0x077F {
		t.Fatalf("command = %#x, want 0x077f", got)
	}
	if got := env.read(fn, RegStatus, 2); got != 0 {
		t.Fatalf("status = %#x, want 0", got)
	}

	env.write(fn, RegStatus, 2, 0xFFFF)
	if got := env.read(fn, RegStatus, 2); got != 0 {
		t.Fatalf("status after write = %#x, want 0", got)
	}
}

func TestMultiFunctionHeaderBit(t *testing.T) {
	env := newTestEnv(t,
		device(0, 3, 0, &fakeBackend{}),
		device(0, 3, 1, &fakeBackend{}),
		device(0, 4, 0, &fakeBackend{}),
	)

	for _, f := range []uint8{0, 1} {
		fn := env.fn(t, 0, 3, f)
		if got := env.read(fn, RegHeaderType, 1); got&HeaderMultiFunction == 0 {
			t.Fatalf("%s header type = %#x, want multi-function", fn.Address(), got)
		}
		if got := env.read(fn, 0x0c, 4); got&(HeaderMultiFunction<<16) == 0 {
			t.Fatalf("%s dword 0x0c = %#x, want multi-function", fn.Address(), got)
		}
	}
	single := env.fn(t, 0, 4, 0)
	if got := env.read(single, RegHeaderType, 1); got&HeaderMultiFunction != 0 {
		t.Fatalf("single function header type = %#x", got)
	}
}

type overrideBackend struct {
	fakeBackend
	writes int
}

func (b *overrideBackend) ConfigRead(fn *Function, off, width int) (uint32, bool) {
	switch off {
	case 0x0c:
		return 0, true
	case 0x80:
		return 0xDEADBEEF, true
	}
	return 0, false
}

func (b *overrideBackend) ConfigWrite(fn *Function, off, width int, value uint32) bool {
	if off == 0x80 {
		b.writes++
		return true
	}
	return false
}

func TestBackendConfigOverride(t *testing.T) {
	backend := &overrideBackend{}
	env := newTestEnv(t,
		device(0, 3, 0, backend),
		device(0, 3, 1, &fakeBackend{}),
	)
	fn := env.fn(t, 0, 3, 0)

	if got := env.read(fn, 0x80, 4); got != 0xDEADBEEF {
		t.Fatalf("overridden read = %#x", got)
	}
	if got := env.read(fn, 0x0c, 4); got != HeaderMultiFunction<<16 {
		t.Fatalf("overridden header dword = %#x, want multi-function bit only", got)
	}
	if got := env.read(fn, RegVendorID, 2); got != 0x1234 {
		t.Fatalf("default read = %#x", got)
	}

	env.write(fn, 0x80, 4, 1)
	if backend.writes != 1 {
		t.Fatalf("backend saw %d writes, want 1", backend.writes)
	}
	if got := fn.Config32(0x80); got != 0 {
		t.Fatalf("handled write reached config space: %#x", got)
	}
	env.write(fn, 0x84, 4, 7)
	if got := fn.Config32(0x84); got != 7 {
		t.Fatalf("unhandled write = %#x, want 7", got)
	}
}

func TestBarSizeProbeRoundTrip(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, withBars(
		Bar{Type: BarMem32, Size: 4096},
		Bar{Type: BarIO, Size: 8},
	)))
	fn := env.fn(t, 0, 1, 0)

	orig := env.read(fn, RegBAR0, 4)
	if orig != 0xDFFFF000 {
		t.Fatalf("BAR0 = %#x, want 0xdffff000", orig)
	}

	env.write(fn, RegBAR0, 4, 0xFFFFFFFF)
	if got := env.read(fn, RegBAR0, 4); got != 0xFFFFF000 {
		t.Fatalf("mem size probe = %#x, want 0xfffff000", got)
	}
	if fn.Bar(0).Addr != 0 || fn.MappedBars()[0] != 0 {
		t.Fatalf("BAR still placed while sizing")
	}

	env.write(fn, RegBAR0, 4, orig)
	if got := env.read(fn, RegBAR0, 4); got != orig {
		t.Fatalf("BAR0 after restore = %#x, want %#x", got, orig)
	}
	if got := fn.MappedBars()[0]; got != 0xDFFFF000 {
		t.Fatalf("BAR0 decoded at %#x after restore", got)
	}

	env.write(fn, RegBAR0+4, 4, 0xFFFFFFFF)
	if got := env.read(fn, RegBAR0+4, 4); got != 0xFFFFFFF9 {
		t.Fatalf("I/O size probe = %#x, want 0xfffffff9", got)
	}
}

func TestHighHalfSizeProbe(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, withBars(Bar{Type: BarMem64, Size: 1 << 30})))
	fn := env.fn(t, 0, 1, 0)

	addr := fn.Bar(0).Addr
	env.write(fn, RegBAR0+4, 4, 0xFFFFFFFF)
	if got := env.read(fn, RegBAR0+4, 4); got != 0xFFFFFFFF {
		t.Fatalf("high half probe = %#x", got)
	}
	if fn.Bar(0).Addr != 0 {
		t.Fatalf("64-bit BAR still placed while sizing")
	}
	env.write(fn, RegBAR0+4, 4, uint32(addr>>32))
	if got := fn.Bar(0).Addr; got != addr {
		t.Fatalf("64-bit BAR at %#x after restore, want %#x", got, addr)
	}
}

func TestPartialBarWriteIgnored(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, withBars(Bar{Type: BarMem32, Size: 4096})))
	fn := env.fn(t, 0, 1, 0)

	env.write(fn, RegBAR0, 2, 0)
	env.write(fn, RegBAR0+2, 2, 0)
	if got := fn.Bar(0).Addr; got != 0xDFFFF000 {
		t.Fatalf("BAR moved by partial writes to %#x", got)
	}
}

func TestDecodeFollowsCommandRegister(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, withBars(Bar{Type: BarMem32, Size: 4096})))
	fn := env.fn(t, 0, 1, 0)

	env.write(fn, RegBAR0, 4, 0xD0000000)
	if got := fn.MappedBars()[0]; got != 0xD0000000 {
		t.Fatalf("BAR decoded at %#x, want 0xd0000000", got)
	}
	if got := env.mmioRead(t, 0xD0000008, 4); got != 8 {
		t.Fatalf("BAR read = %#x, want 8", got)
	}

	env.write(fn, RegCommand, 2, CommandBusMaster)
	if got := fn.MappedBars()[0]; got != 0 {
		t.Fatalf("BAR still decoded at %#x with memory disabled", got)
	}
	if got := env.mmioRead(t, 0xD0000008, 4); got != 0xFFFFFFFF {
		t.Fatalf("PCI hole read = %#x, want all-ones", got)
	}

	env.write(fn, RegCommand, 2, CommandBusMaster|CommandMemory)
	if got := fn.MappedBars()[0]; got != 0xD0000000 {
		t.Fatalf("BAR decoded at %#x after re-enable", got)
	}
	env.mmioWrite(t, 0xD0000010, 8, 0x1111111122222222)
	backend := fn.Backend().(*fakeBackend)
	if len(backend.writes) != 2 || backend.writes[0] != 0x22222222 || backend.writes[1] != 0x11111111 {
		t.Fatalf("8-byte write seen as %#x, want two dwords", backend.writes)
	}
}
