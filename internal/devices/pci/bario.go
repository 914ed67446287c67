package pci

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pciemu/internal/chipset"
)

// barMapping records where a BAR currently decodes. core is set when the
// chipset binding belongs to the core rather than the backend.
type barMapping struct {
	addr uint64
	core bool
}

// mapBar starts decoding BAR index at its current address. The mapping is
// only recorded once the backend or the chipset has taken it. Callers hold
// f.mu.
func (f *Function) mapBar(index int) {
	bar := f.bars[index]
	if bar.Addr == 0 || bar.Size == 0 {
		return
	}
	if f.mapped[index].addr == bar.Addr {
		return
	}
	f.unmapBar(index)

	h, notify := f.backend.(AddressChangeHandler)
	if notify && h.BarAddressChanged(f, index, true, bar) {
		f.mapped[index] = barMapping{addr: bar.Addr}
		return
	}
	if f.host == nil || f.host.cs == nil {
		f.mapped[index] = barMapping{addr: bar.Addr}
		return
	}

	handler := &barHandler{fn: f, index: index, base: bar.Addr}
	var err error
	switch bar.Type {
	case BarIO:
		if bar.Addr+bar.Size > 0x10000 {
			err = chipset.ErrRangeOverflow
			break
		}
		err = f.host.cs.MapPIO(uint16(bar.Addr), uint32(bar.Size), handler)
	case BarMem32, BarMem64, BarROM:
		err = f.host.cs.MapMMIO(bar.Addr, bar.Size, handler)
	default:
		return
	}
	if err != nil {
		slog.Error("pci: map BAR failed", "fn", f.addr, "index", index,
			"addr", fmt.Sprintf("%#x", bar.Addr), "err", err)
		if notify {
			h.BarAddressChanged(f, index, false, bar)
		}
		return
	}
	f.mapped[index] = barMapping{addr: bar.Addr, core: true}
	slog.Debug("pci: BAR mapped", "fn", f.addr, "index", index, "type", bar.Type,
		"addr", fmt.Sprintf("%#x", bar.Addr), "size", fmt.Sprintf("%#x", bar.Size))
}

// unmapBar stops decoding BAR index. Callers hold f.mu.
func (f *Function) unmapBar(index int) {
	m := f.mapped[index]
	if m.addr == 0 {
		return
	}
	f.mapped[index] = barMapping{}

	if h, ok := f.backend.(AddressChangeHandler); ok {
		old := f.bars[index]
		old.Addr = m.addr
		h.BarAddressChanged(f, index, false, old)
	}
	if !m.core || f.host == nil || f.host.cs == nil {
		return
	}

	var err error
	if f.bars[index].Type == BarIO {
		err = f.host.cs.UnmapPIO(uint16(m.addr))
	} else {
		err = f.host.cs.UnmapMMIO(m.addr)
	}
	if err != nil {
		slog.Error("pci: unmap BAR failed", "fn", f.addr, "index", index,
			"addr", fmt.Sprintf("%#x", m.addr), "err", err)
	}
}

// MappedBars returns the address each BAR currently decodes at, 0 when it
// does not decode.
func (f *Function) MappedBars() [ROMIndex + 1]uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out [ROMIndex + 1]uint64
	for i, m := range f.mapped {
		out[i] = m.addr
	}
	return out
}

// barRead serves a guest read of size bytes at offset inside BAR index.
func (f *Function) barRead(index int, offset uint64, size int) uint64 {
	f.mu.RLock()
	switch {
	case f.inMSIXTable(index, offset):
		v := f.msixTableReadLocked(offset-f.msix.tableOffset, size)
		f.mu.RUnlock()
		return v
	case f.inMSIXPBA(index, offset):
		v := f.msixPBARead(offset, size)
		f.mu.RUnlock()
		return v
	}
	f.mu.RUnlock()

	if r, ok := f.backend.(BarReader); ok {
		return r.BarRead(f, index, offset, size)
	}
	return ^uint64(0)
}

func (f *Function) barWrite(index int, offset uint64, size int, value uint64) {
	f.mu.Lock()
	switch {
	case f.inMSIXTable(index, offset):
		f.msixTableWriteLocked(offset-f.msix.tableOffset, size, value)
		f.mu.Unlock()
		return
	case f.inMSIXPBA(index, offset):
		// The pending bit array is read-only.
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if w, ok := f.backend.(BarWriter); ok {
		w.BarWrite(f, index, offset, size, value)
	}
}

// barHandler binds one decoded BAR into the chipset dispatch tables.
type barHandler struct {
	fn    *Function
	index int
	base  uint64
}

var (
	_ chipset.PortIOHandler = (*barHandler)(nil)
	_ chipset.MmioHandler   = (*barHandler)(nil)
)

func (h *barHandler) ReadIOPort(port uint16, data []byte) error {
	h.read(uint64(port)-h.base, data)
	return nil
}

func (h *barHandler) WriteIOPort(port uint16, data []byte) error {
	h.write(uint64(port)-h.base, data)
	return nil
}

func (h *barHandler) ReadMMIO(addr uint64, data []byte) error {
	off := addr - h.base
	if len(data) == 8 {
		h.read(off, data[:4])
		h.read(off+4, data[4:])
		return nil
	}
	h.read(off, data)
	return nil
}

func (h *barHandler) WriteMMIO(addr uint64, data []byte) error {
	off := addr - h.base
	if len(data) == 8 {
		h.write(off, data[:4])
		h.write(off+4, data[4:])
		return nil
	}
	h.write(off, data)
	return nil
}

func (h *barHandler) read(off uint64, data []byte) {
	switch len(data) {
	case 1, 2, 4, 8:
	default:
		for i := range data {
			data[i] = 0xff
		}
		return
	}
	storeLE(data, h.fn.barRead(h.index, off, len(data)))
}

func (h *barHandler) write(off uint64, data []byte) {
	switch len(data) {
	case 1, 2, 4, 8:
	default:
		slog.Debug("pci: odd sized BAR write dropped", "fn", h.fn.addr, "size", len(data))
		return
	}
	h.fn.barWrite(h.index, off, len(data), loadLE(data))
}

func loadLE(data []byte) uint64 {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * uint(i))
	}
	return v
}

func storeLE(data []byte, v uint64) {
	for i := range data {
		data[i] = byte(v >> (8 * uint(i)))
	}
}
