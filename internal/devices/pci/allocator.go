package pci

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/pciemu/internal/hv"
)

// Guest physical address map.
const (
	IOWindowBase  = 0x2000
	IOWindowLimit = 0x10000

	Mem32WindowBase = 0xC000_0000
	ECAMBase        = 0xE000_0000
	ECAMSize        = 256 * hv.MiB
	Mem32WindowEnd  = ECAMBase

	Mem64WindowSize = 32 * hv.GiB

	busIOQuantum  = 32
	busMemQuantum = hv.MiB
)

type pendingBar struct {
	fn    *Function
	index int
	typ   BarType
	size  uint64
}

// Allocator owns the address pools BARs are carved from. Pools shrink
// from the top: every allocation lowers the pool's limit.
type Allocator struct {
	layout *hv.MemoryLayout

	io    Window
	mem32 Window
	mem64 Window

	// stolen is the graphics stolen memory carve-out just below the
	// 32-bit MMIO pool. It starts empty and grows downwards.
	stolen Window

	pending []pendingBar
}

// NewAllocator creates the pools for a VM with the given memory layout.
func NewAllocator(layout *hv.MemoryLayout) *Allocator {
	mem64Base := hv.AlignUp(hv.FourGiB+layout.HighMemSize(), Mem64WindowSize)
	return &Allocator{
		layout: layout,
		io:     Window{Base: IOWindowBase, Limit: IOWindowLimit},
		mem32:  Window{Base: Mem32WindowBase, Limit: Mem32WindowEnd},
		mem64:  Window{Base: mem64Base, Limit: mem64Base + Mem64WindowSize},
		stolen: Window{Base: Mem32WindowBase, Limit: Mem32WindowBase},
	}
}

// Pools returns what is left of the I/O, 32-bit and 64-bit pools.
func (a *Allocator) Pools() (io, mem32, mem64 Window) {
	return a.io, a.mem32, a.mem64
}

// Pending returns the number of queued BAR requests.
func (a *Allocator) Pending() int { return len(a.pending) }

// enqueue keeps the queue sorted by descending size. Requests of equal
// size keep their arrival order.
func (a *Allocator) enqueue(p pendingBar) {
	i := sort.Search(len(a.pending), func(i int) bool {
		return a.pending[i].size < p.size
	})
	a.pending = append(a.pending, pendingBar{})
	copy(a.pending[i+1:], a.pending[i:])
	a.pending[i] = p
}

// discard drops the queued requests of fn.
func (a *Allocator) discard(fn *Function) {
	rest := a.pending[:0]
	for _, p := range a.pending {
		if p.fn != fn {
			rest = append(rest, p)
		}
	}
	a.pending = rest
}

// Assign places every queued BAR that belongs to bus, largest first, and
// records the windows the bus decodes.
func (a *Allocator) Assign(bus *Bus) error {
	ioTop, mem32Top, mem64Top := a.io.Limit, a.mem32.Limit, a.mem64.Limit

	rest := a.pending[:0]
	var firstErr error
	for _, p := range a.pending {
		if p.fn.addr.Bus != bus.Number {
			rest = append(rest, p)
			continue
		}
		if firstErr != nil {
			continue
		}
		if err := a.assign(p); err != nil {
			firstErr = err
		}
	}
	a.pending = rest
	if firstErr != nil {
		return firstErr
	}

	// Leave one quantum of slack below what the bus consumed so the guest
	// has room to move BARs around.
	bus.Windows.IO = a.closeWindow(&a.io, ioTop, busIOQuantum)
	bus.Windows.Mem32 = a.closeWindow(&a.mem32, mem32Top, busMemQuantum)
	bus.Windows.Mem64 = a.closeWindow(&a.mem64, mem64Top, busMemQuantum)

	slog.Debug("pci: bus windows assigned",
		"bus", bus.Number,
		"io", fmt.Sprintf("%#x-%#x", bus.Windows.IO.Base, bus.Windows.IO.Limit),
		"mem32", fmt.Sprintf("%#x-%#x", bus.Windows.Mem32.Base, bus.Windows.Mem32.Limit),
		"mem64", fmt.Sprintf("%#x-%#x", bus.Windows.Mem64.Base, bus.Windows.Mem64.Limit))
	return nil
}

func (a *Allocator) closeWindow(pool *Window, top, quantum uint64) Window {
	base := pool.Base
	if pool.Limit >= pool.Base+quantum {
		base = max((pool.Limit-quantum)&^(quantum-1), pool.Base)
	}
	pool.Limit = base
	return Window{Base: base, Limit: top}
}

func (a *Allocator) assign(p pendingBar) error {
	fn := p.fn
	typ := p.typ
	size := p.size

	var (
		pool   *Window
		lobits uint32
		enable uint16
	)

	fn.mu.Lock()
	defer fn.mu.Unlock()

	switch typ {
	case BarIO:
		pool = &a.io
		lobits = barIOSpace
		enable = CommandIO
	case BarMem64:
		if size > mem64Threshold {
			pool = &a.mem64
			lobits = barMem64 | barPrefetch
			enable = CommandMemory
			break
		}
		// Small 64-bit BARs live below 4GiB; some guest drivers cannot
		// cope with them above it.
		typ = BarMem32
		fn.bars[p.index+1].Type = BarNone
		fn.bars[p.index].LoBits &^= barMem64
		pool = &a.mem32
		lobits = barMem32
		enable = CommandMemory
	case BarMem32:
		pool = &a.mem32
		lobits = barMem32
		enable = CommandMemory
	case BarROM:
		// Firmware places the ROM.
		lobits = 0
		enable = CommandMemory
	default:
		return fmt.Errorf("pci %s: BAR %d has invalid type %s", fn.addr, p.index, typ)
	}

	var addr uint64
	if pool != nil {
		var err error
		addr, err = carve(pool, size)
		if err != nil {
			return fmt.Errorf("pci %s: BAR %d (%s, %#x bytes): %w", fn.addr, p.index, typ, size, err)
		}
	}

	bar := &fn.bars[p.index]
	bar.Type = typ
	bar.Addr = 0
	bar.Size = size
	if bar.LoBits != 0 {
		lobits = bar.LoBits
	} else {
		bar.LoBits = lobits
	}

	if cmd := fn.command(); cmd&enable != enable {
		fn.SetConfig16(RegCommand, cmd|enable)
	}

	if typ == BarMem64 {
		// Seed the low dword so programming the high half already yields
		// the final address.
		fn.SetConfig32(barRegister(p.index), uint32(addr)&barMemAddrMask|lobits)
		fn.bars[p.index+1].Type = BarMemHi64
		fn.programBar(p.index+1, uint32(addr>>32))
	}
	fn.programBar(p.index, uint32(addr))

	slog.Debug("pci: BAR assigned", "fn", fn.addr, "index", p.index, "type", typ,
		"addr", fmt.Sprintf("%#x", addr), "size", fmt.Sprintf("%#x", size))
	return nil
}

// carve takes a naturally aligned range of size bytes from the top of w.
func carve(w *Window, size uint64) (uint64, error) {
	if size == 0 || size > w.Limit {
		return 0, ErrAddressSpaceExhausted
	}
	base := (w.Limit - size) &^ (size - 1)
	if base+size > w.Limit || base < w.Base {
		return 0, ErrAddressSpaceExhausted
	}
	w.Limit = base
	return base, nil
}

// alignedSubtract returns the highest size-aligned address at least size
// bytes below base.
func alignedSubtract(base, size uint64) uint64 {
	return (base - size) &^ (size - 1)
}

// AdjustStolenBase grows the graphics stolen memory carve-out downwards by
// size bytes, lowering the guest's low memory limit to match.
func (a *Allocator) AdjustStolenBase(size uint64) error {
	if size == 0 || size > a.stolen.Base {
		return fmt.Errorf("pci: stolen memory of %#x bytes: %w", size, ErrAddressSpaceExhausted)
	}
	base := alignedSubtract(a.stolen.Base, size)
	if err := a.layout.SetLowMemLimit(min(a.layout.LowMemLimit(), base)); err != nil {
		return fmt.Errorf("pci: stolen memory at %#x: %w", base, err)
	}
	a.stolen.Base = base
	return nil
}

// AllocStolen carves a size-aligned range out of the stolen memory
// carve-out, top-down.
func (a *Allocator) AllocStolen(size uint64) (uint64, error) {
	if size == 0 || size > a.stolen.Limit {
		return 0, fmt.Errorf("pci: stolen allocation of %#x bytes: %w", size, ErrAddressSpaceExhausted)
	}
	addr := alignedSubtract(a.stolen.Limit, size)
	if addr < a.stolen.Base {
		return 0, fmt.Errorf("pci: stolen allocation of %#x bytes: %w", size, ErrAddressSpaceExhausted)
	}
	a.stolen.Limit = addr
	return addr, nil
}

// Stolen returns the current graphics stolen memory carve-out.
func (a *Allocator) Stolen() Window { return a.stolen }
