package pci

import (
	"errors"
	"testing"

	"github.com/tinyrange/pciemu/internal/hv"
)

func TestBarSizeRounding(t *testing.T) {
	tests := []struct {
		typ  BarType
		size uint64
		want uint64
	}{
		{BarIO, 1, 4},
		{BarIO, 4, 4},
		{BarIO, 5, 8},
		{BarMem32, 1, 16},
		{BarMem32, 3, 16},
		{BarMem32, 4096, 4096},
		{BarMem32, 4097, 8192},
		{BarMem64, 100 << 20, 128 << 20},
		{BarROM, 1, 0x800},
		{BarROM, 0x1001, 0x2000},
		{BarMem64, 1 << 63, 1 << 63},
		{BarMem64, 1<<63 + 1, 0},
		{BarMem64, ^uint64(0), 0},
	}
	for _, tt := range tests {
		if got := BarSize(tt.typ, tt.size); got != tt.want {
			t.Fatalf("BarSize(%s, %#x) = %#x, want %#x", tt.typ, tt.size, got, tt.want)
		}
	}
}

func TestAllocationIsOrderIndependent(t *testing.T) {
	orders := [][]uint64{
		{4096, 16, 65536},
		{65536, 4096, 16},
		{16, 65536, 4096},
	}
	want := map[uint64]uint64{
		65536: 0xDFFF0000,
		4096:  0xDFFEF000,
		16:    0xDFFEEFF0,
	}

	for _, sizes := range orders {
		var bars []Bar
		for _, size := range sizes {
			bars = append(bars, Bar{Type: BarMem32, Size: size})
		}
		env := newTestEnv(t, device(0, 1, 0, withBars(bars...)))
		fn := env.fn(t, 0, 1, 0)
		for i, size := range sizes {
			if got := fn.Bar(i).Addr; got != want[size] {
				t.Fatalf("order %v: BAR of %#x bytes at %#x, want %#x", sizes, size, got, want[size])
			}
		}
	}
}

func TestAllocationsAreAlignedAndDisjoint(t *testing.T) {
	devices := []DeviceConfig{
		device(0, 1, 0, withBars(
			Bar{Type: BarMem32, Size: 3000},
			Bar{Type: BarIO, Size: 0x20},
			Bar{Type: BarMem32, Size: 1 << 20},
		)),
		device(0, 2, 0, withBars(
			Bar{Type: BarIO, Size: 0x100},
			Bar{Type: BarMem32, Size: 0x10},
			Bar{Type: BarMem64, Size: 64 << 20},
			Bar{},
			Bar{Type: BarMem64, Size: 1 << 30},
		)),
		device(0, 3, 0, withBars(
			Bar{Type: BarMem32, Size: 0x2000},
			Bar{Type: BarIO, Size: 3},
		)),
	}
	env := newTestEnv(t, devices...)

	type placed struct {
		typ        BarType
		addr, size uint64
	}
	var all []placed
	for _, fn := range env.host.Registry().Bus(0).Functions() {
		for _, bar := range fn.Bars() {
			switch bar.Type {
			case BarNone, BarMemHi64, BarROM:
				continue
			}
			if bar.Addr%bar.Size != 0 {
				t.Fatalf("%s: %s BAR at %#x not aligned to %#x", fn, bar.Type, bar.Addr, bar.Size)
			}
			all = append(all, placed{typ: bar.Type, addr: bar.Addr, size: bar.Size})
		}
	}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if (a.typ == BarIO) != (b.typ == BarIO) {
				continue
			}
			if a.addr < b.addr+b.size && b.addr < a.addr+a.size {
				t.Fatalf("BARs overlap: %#x+%#x and %#x+%#x", a.addr, a.size, b.addr, b.size)
			}
		}
	}
}

func TestIOBarMinimumSize(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, withBars(Bar{Type: BarIO, Size: 1})))
	fn := env.fn(t, 0, 1, 0)

	bar := fn.Bar(0)
	if bar.Size != 4 {
		t.Fatalf("I/O BAR size = %d, want 4", bar.Size)
	}
	if bar.Addr != 0xFFFC {
		t.Fatalf("I/O BAR address = %#x, want 0xfffc", bar.Addr)
	}
	if got := env.read(fn, RegBAR0, 4); got != 0xFFFD {
		t.Fatalf("BAR0 register = %#x, want 0xfffd", got)
	}
	if env.read(fn, RegCommand, 2)&CommandIO == 0 {
		t.Fatalf("I/O decode not enabled after allocation")
	}
	if !env.cs.PIOMapped(0xFFFC) || !env.cs.PIOMapped(0xFFFF) {
		t.Fatalf("I/O BAR not decoded")
	}
}

func TestSmallMem64BarIsDemoted(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, withBars(Bar{Type: BarMem64, Size: 128 << 20})))
	fn := env.fn(t, 0, 1, 0)

	bar := fn.Bar(0)
	if bar.Type != BarMem32 {
		t.Fatalf("BAR type = %s, want mem32", bar.Type)
	}
	if bar.Addr != 0xD8000000 {
		t.Fatalf("BAR address = %#x, want 0xd8000000", bar.Addr)
	}
	if got := fn.Bar(1).Type; got != BarNone {
		t.Fatalf("upper slot type = %s, want none", got)
	}
	if got := env.read(fn, RegBAR0, 4); got != 0xD8000000 {
		t.Fatalf("BAR0 register = %#x, want 0xd8000000", got)
	}
	if got := env.read(fn, RegBAR0+4, 4); got != 0 {
		t.Fatalf("BAR1 register = %#x, want 0", got)
	}
}

func TestLargeMem64BarUsesHighWindow(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, withBars(Bar{Type: BarMem64, Size: 512 << 20})))
	fn := env.fn(t, 0, 1, 0)

	if got, want := fn.Bar(0).Addr, uint64(0xF_E000_0000); got != want {
		t.Fatalf("BAR address = %#x, want %#x", got, want)
	}
	if got := fn.Bar(1).Type; got != BarMemHi64 {
		t.Fatalf("upper slot type = %s, want mem64-hi", got)
	}
	if got := env.read(fn, RegBAR0, 4); got != 0xE000000C {
		t.Fatalf("BAR0 register = %#x, want 0xe000000c", got)
	}
	if got := env.read(fn, RegBAR0+4, 4); got != 0xF {
		t.Fatalf("BAR1 register = %#x, want 0xf", got)
	}
	if got := env.mmioRead(t, 0xF_E000_0010, 4); got != 0x10 {
		t.Fatalf("BAR read = %#x, want backend value 0x10", got)
	}
}

func TestBackendLowBitsWin(t *testing.T) {
	backend := &fakeBackend{setup: func(fn *Function) error {
		if err := fn.SetBarLoBits(0, barPrefetch); err != nil {
			return err
		}
		return fn.RequestBar(0, BarMem32, 4096)
	}}
	env := newTestEnv(t, device(0, 1, 0, backend))
	fn := env.fn(t, 0, 1, 0)

	if got := env.read(fn, RegBAR0, 4); got != 0xDFFFF000|barPrefetch {
		t.Fatalf("BAR0 register = %#x, want prefetchable", got)
	}
}

func TestROMBarIsUnplaced(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, withBars(Bar{Type: BarROM, Size: 0x1000})))
	fn := env.fn(t, 0, 1, 0)

	rom := fn.Bar(ROMIndex)
	if rom.Type != BarROM || rom.Size != 0x1000 || rom.Addr != 0 {
		t.Fatalf("ROM = %+v, want unplaced 4KiB ROM", rom)
	}
	if got := env.read(fn, RegROM, 4); got != 0 {
		t.Fatalf("ROM register = %#x, want 0", got)
	}

	env.write(fn, RegROM, 4, 0xFFFFFFFF)
	if got := env.read(fn, RegROM, 4) & romAddrMask; got != 0xFFFFF000 {
		t.Fatalf("ROM size probe = %#x, want 0xfffff000", got)
	}

	env.write(fn, RegROM, 4, 0xD0000000|romEnable)
	if got := fn.Bar(ROMIndex).Addr; got != 0xD0000000 {
		t.Fatalf("ROM address = %#x, want 0xd0000000", got)
	}
	if got := fn.MappedBars()[ROMIndex]; got != 0xD0000000 {
		t.Fatalf("ROM decoded at %#x, want 0xd0000000", got)
	}
	if got := env.mmioRead(t, 0xD0000004, 4); got != uint64(ROMIndex)<<16|4 {
		t.Fatalf("ROM read = %#x", got)
	}

	env.write(fn, RegROM, 4, 0xD0000000)
	if got := fn.MappedBars()[ROMIndex]; got != 0 {
		t.Fatalf("ROM still decoded at %#x after disable", got)
	}
}

func TestAddressSpaceExhausted(t *testing.T) {
	_, err := buildTestEnv(device(0, 1, 0, withBars(Bar{Type: BarMem32, Size: 1 << 30})))
	if !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("Init error = %v, want ErrAddressSpaceExhausted", err)
	}
}

func TestRequestBarValidation(t *testing.T) {
	tests := []struct {
		name  string
		index int
		typ   BarType
	}{
		{"rom at regular index", 0, BarROM},
		{"regular at rom index", ROMIndex, BarMem32},
		{"negative index", -1, BarIO},
		{"mem64 at last index", NumBars - 1, BarMem64},
		{"high half", 1, BarMemHi64},
		{"none", 0, BarNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{setup: func(fn *Function) error {
				return fn.RequestBar(tt.index, tt.typ, 16)
			}}
			_, err := buildTestEnv(device(0, 1, 0, backend))
			if !errors.Is(err, ErrBadBarIndex) {
				t.Fatalf("Init error = %v, want ErrBadBarIndex", err)
			}
		})
	}
}

func TestRequestBarTooLarge(t *testing.T) {
	for _, size := range []uint64{1<<63 + 1, ^uint64(0)} {
		backend := &fakeBackend{setup: func(fn *Function) error {
			return fn.RequestBar(0, BarMem64, size)
		}}
		_, err := buildTestEnv(device(0, 1, 0, backend))
		if !errors.Is(err, ErrAddressSpaceExhausted) {
			t.Fatalf("request of %#x bytes: Init error = %v, want ErrAddressSpaceExhausted", size, err)
		}
	}
}

func TestRequestBarAfterInitFails(t *testing.T) {
	env := newTestEnv(t, device(0, 1, 0, &fakeBackend{}))
	fn := env.fn(t, 0, 1, 0)
	if err := fn.RequestBar(0, BarMem32, 4096); !errors.Is(err, ErrTopologySealed) {
		t.Fatalf("RequestBar after init = %v, want ErrTopologySealed", err)
	}
}

func TestBusWindows(t *testing.T) {
	env := newTestEnv(t,
		device(0, 1, 0, withBars(
			Bar{Type: BarMem32, Size: 65536},
			Bar{Type: BarMem32, Size: 4096},
			Bar{Type: BarMem32, Size: 16},
		)),
		device(1, 0, 0, withBars(Bar{Type: BarMem32, Size: 4096})),
	)

	bus0 := env.host.Registry().Bus(0)
	if got, want := bus0.Windows.Mem32, (Window{Base: 0xDFE00000, Limit: 0xE0000000}); got != want {
		t.Fatalf("bus 0 mem32 window = %+v, want %+v", got, want)
	}
	if got, want := bus0.Windows.IO, (Window{Base: 0xFFE0, Limit: 0x10000}); got != want {
		t.Fatalf("bus 0 I/O window = %+v, want %+v", got, want)
	}

	if got := env.fn(t, 1, 0, 0).Bar(0).Addr; got != 0xDFDFF000 {
		t.Fatalf("bus 1 BAR at %#x, want 0xdfdff000", got)
	}
	bus1 := env.host.Registry().Bus(1)
	if got, want := bus1.Windows.Mem32, (Window{Base: 0xDFC00000, Limit: 0xDFE00000}); got != want {
		t.Fatalf("bus 1 mem32 window = %+v, want %+v", got, want)
	}
}

func TestStolenMemory(t *testing.T) {
	layout := hv.NewMemoryLayout(2*hv.GiB, 0)
	alloc := NewAllocator(layout)

	if err := alloc.AdjustStolenBase(64 * hv.MiB); err != nil {
		t.Fatalf("AdjustStolenBase: %v", err)
	}
	if got, want := alloc.Stolen(), (Window{Base: 0xBC000000, Limit: 0xC0000000}); got != want {
		t.Fatalf("stolen = %+v, want %+v", got, want)
	}
	if got := layout.LowMemLimit(); got != 0xBC000000 {
		t.Fatalf("low memory limit = %#x, want 0xbc000000", got)
	}

	addr, err := alloc.AllocStolen(16 * hv.MiB)
	if err != nil {
		t.Fatalf("AllocStolen: %v", err)
	}
	if addr != 0xBF000000 {
		t.Fatalf("stolen allocation at %#x, want 0xbf000000", addr)
	}
	if _, err := alloc.AllocStolen(64 * hv.MiB); !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("oversized stolen allocation = %v, want ErrAddressSpaceExhausted", err)
	}
}

func TestStolenMemoryCannotOverlapRAM(t *testing.T) {
	layout := hv.NewMemoryLayout(3*hv.GiB-32*hv.MiB, 0)
	alloc := NewAllocator(layout)
	if err := alloc.AdjustStolenBase(64 * hv.MiB); !errors.Is(err, hv.ErrLayoutOverlapRAM) {
		t.Fatalf("AdjustStolenBase = %v, want ErrLayoutOverlapRAM", err)
	}
}
