package pci

import (
	"fmt"
	"math/bits"
)

// BarType is the decode class of a base address register.
type BarType uint8

const (
	BarNone BarType = iota
	BarIO
	BarMem32
	BarMem64
	BarMemHi64
	BarROM
)

func (t BarType) String() string {
	switch t {
	case BarNone:
		return "none"
	case BarIO:
		return "io"
	case BarMem32:
		return "mem32"
	case BarMem64:
		return "mem64"
	case BarMemHi64:
		return "mem64-hi"
	case BarROM:
		return "rom"
	default:
		return fmt.Sprintf("BarType(%d)", uint8(t))
	}
}

// Bar describes one BAR of a function. Size is always a power of two.
// Addr is zero while the BAR is unassigned or being sized.
type Bar struct {
	Type   BarType
	Size   uint64
	Addr   uint64
	LoBits uint32
}

func barRegister(index int) int {
	if index == ROMIndex {
		return RegROM
	}
	return RegBAR0 + index*barRegisterSize
}

// barIndex maps a configuration offset inside the BAR or ROM registers to a
// BAR index.
func barIndex(off int) (int, bool) {
	switch {
	case off >= RegBAR0 && off < RegBAR0+NumBars*barRegisterSize:
		return (off - RegBAR0) / barRegisterSize, true
	case off >= RegROM && off < RegROM+barRegisterSize:
		return ROMIndex, true
	}
	return 0, false
}

// Bar returns a copy of BAR index.
func (f *Function) Bar(index int) Bar {
	if index < 0 || index > ROMIndex {
		return Bar{}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bars[index]
}

// Bars returns a copy of every BAR including the ROM.
func (f *Function) Bars() [ROMIndex + 1]Bar {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bars
}

// SetBarLoBits records the low-order flag bits a BAR must report. Bits set
// here take precedence over the defaults chosen during allocation; this is
// how passthrough backends mirror the physical device.
func (f *Function) SetBarLoBits(index int, lobits uint32) error {
	if index < 0 || index > ROMIndex {
		return fmt.Errorf("pci %s: BAR %d: %w", f.addr, index, ErrBadBarIndex)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bars[index].LoBits = lobits
	return nil
}

// BarSize returns the size a BAR request of typ and size is granted: the
// next power of two, no smaller than the minimum for the type. Sizes above
// MaxBarSize cannot be rounded and yield 0.
func BarSize(typ BarType, size uint64) uint64 {
	if size > MaxBarSize {
		return 0
	}
	if size&(size-1) != 0 {
		size = 1 << bits.Len64(size)
	}
	var minSize uint64
	switch typ {
	case BarIO:
		minSize = minIOBarSize
	case BarROM:
		minSize = minROMBarSize
	default:
		minSize = minMemBarSize
	}
	return max(size, minSize)
}

// RequestBar queues a BAR of typ and size for the allocation pass. It may
// only be called from a backend's Init.
func (f *Function) RequestBar(index int, typ BarType, size uint64) error {
	switch {
	case typ == BarROM && index != ROMIndex:
		return fmt.Errorf("pci %s: ROM at index %d: %w", f.addr, index, ErrBadBarIndex)
	case typ != BarROM && (index < 0 || index >= NumBars):
		return fmt.Errorf("pci %s: %s BAR at index %d: %w", f.addr, typ, index, ErrBadBarIndex)
	case typ == BarNone || typ == BarMemHi64:
		return fmt.Errorf("pci %s: cannot request %s BAR: %w", f.addr, typ, ErrBadBarIndex)
	case typ == BarMem64 && index == NumBars-1:
		return fmt.Errorf("pci %s: 64-bit BAR at last index: %w", f.addr, ErrBadBarIndex)
	}
	if f.host == nil || f.host.alloc == nil || f.host.registry.Sealed() {
		return fmt.Errorf("pci %s: request BAR %d: %w", f.addr, index, ErrTopologySealed)
	}
	if size > MaxBarSize {
		return fmt.Errorf("pci %s: BAR %d of %#x bytes: %w", f.addr, index, size, ErrAddressSpaceExhausted)
	}

	f.host.alloc.enqueue(pendingBar{
		fn:    f,
		index: index,
		typ:   typ,
		size:  BarSize(typ, size),
	})
	return nil
}

// programBar updates BAR index with a value written by the guest or by the
// allocator. Callers hold f.mu.
func (f *Function) programBar(index int, val uint32) {
	bar := &f.bars[index]

	var decode bool
	if bar.Type == BarIO {
		decode = f.ioDecode()
	} else {
		decode = f.memDecode()
	}

	switch bar.Type {
	case BarMemHi64, BarIO, BarMem32, BarMem64:
		base := index
		if bar.Type == BarMemHi64 {
			base--
		}
		owner := &f.bars[base]

		if decode && owner.Addr != 0 {
			f.unmapBar(base)
		}

		if val == ^uint32(0) {
			// Size probe: the read path reports the size mask.
			f.SetConfig32(barRegister(index), ^uint32(0))
			owner.Addr = 0
			return
		}

		mask := ^(owner.Size - 1)
		if bar.Type == BarMemHi64 {
			mask >>= 32
		}
		f.SetConfig32(barRegister(index), (val&uint32(mask))|bar.LoBits)

		lo := f.Config32(barRegister(base))
		var hi uint32
		if owner.Type == BarMem64 {
			hi = f.Config32(barRegister(base + 1))
		}
		if lo == ^uint32(0) || hi == ^uint32(0) {
			owner.Addr = 0
			return
		}
		if owner.Type == BarIO {
			lo &= barIOAddrMask
		} else {
			lo &= barMemAddrMask
		}
		owner.Addr = uint64(lo) | uint64(hi)<<32
		if decode {
			f.mapBar(base)
		}

	case BarROM:
		if decode && bar.LoBits != 0 && bar.Addr != 0 {
			f.unmapBar(index)
		}
		f.SetConfig32(RegROM, val)
		bar.LoBits = val & romEnable
		if val&romAddrMask == romAddrMask {
			bar.Addr = 0
		} else {
			bar.Addr = uint64(val & romAddrMask)
		}
		if decode && bar.LoBits != 0 && bar.Addr != 0 {
			f.mapBar(index)
		}
	}
}

// readBar returns the guest-visible value of the BAR register containing
// off. Callers hold f.mu for reading.
func (f *Function) readBar(off, width int) uint32 {
	index, ok := barIndex(off)
	if !ok {
		return 0
	}
	bar := f.bars[index]
	owner := index

	var val uint32
	switch bar.Type {
	case BarMemHi64:
		owner--
		val = f.Config32(barRegister(index))
	case BarIO, BarMem32, BarMem64:
		val = f.Config32(barRegister(index))
	case BarROM:
		val = f.Config32(RegROM)
		if val&romAddrMask == romAddrMask {
			val = ^uint32(0)
		}
	default:
		return 0
	}

	if val == ^uint32(0) {
		size := ^(f.bars[owner].Size - 1) | uint64(f.bars[owner].LoBits)
		if bar.Type == BarMemHi64 {
			size >>= 32
		}
		val = uint32(size)
	}

	return (val >> (uint(off&3) * 8)) & widthMask(width)
}
