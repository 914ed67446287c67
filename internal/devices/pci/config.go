package pci

import (
	"log/slog"
)

const allOnes32 = 0xffffffff

// ReadConfig performs a guest configuration read of width bytes at offset
// of the function at addr. Reads that hit no function, use a width other
// than 1, 2 or 4, or are misaligned return all-ones.
func (h *HostBridge) ReadConfig(addr Address, offset, width int) uint32 {
	fn := h.registry.Find(addr)
	if fn == nil || !validAccess(offset, width) {
		return allOnes32 & widthMask(width)
	}
	return fn.readConfig(offset, width) & widthMask(width)
}

// WriteConfig performs a guest configuration write. Invalid accesses are
// dropped.
func (h *HostBridge) WriteConfig(addr Address, offset, width int, value uint32) {
	fn := h.registry.Find(addr)
	if fn == nil || !validAccess(offset, width) {
		slog.Debug("pci: config write dropped", "addr", addr, "off", offset, "width", width)
		return
	}
	fn.writeConfig(offset, width, value&widthMask(width))
}

func validAccess(offset, width int) bool {
	if width != 1 && width != 2 && width != 4 {
		return false
	}
	return offset >= 0 && offset < ConfigSpaceSize && offset&(width-1) == 0
}

func (f *Function) readConfig(off, width int) uint32 {
	if r, ok := f.backend.(ConfigReader); ok {
		if v, handled := r.ConfigRead(f, off, width); handled {
			return f.fixupHeaderType(off, width, v)
		}
	}

	if off >= LegacyConfigSize {
		// An all-zero extended capability header at 0x100 tells the guest
		// there are no extended capabilities.
		if off < LegacyConfigSize+4 {
			return 0
		}
		return allOnes32
	}

	var v uint32
	if _, isBar := barIndex(off); isBar {
		f.mu.RLock()
		v = f.readBar(off, width)
		f.mu.RUnlock()
	} else {
		v = f.readRaw(off, width)
	}
	return f.fixupHeaderType(off, width, v)
}

// fixupHeaderType forces the multi-function bit of the header type to
// reflect how many functions populate the slot.
func (f *Function) fixupHeaderType(off, width int, v uint32) uint32 {
	if off > RegHeaderType || off+width <= RegHeaderType {
		return v
	}
	bit := uint32(HeaderMultiFunction) << (8 * uint(RegHeaderType-off))
	v &^= bit
	if f.host != nil && f.host.registry.isMultiFunction(f.addr) {
		v |= bit
	}
	return v
}

func (f *Function) writeConfig(off, width int, val uint32) {
	if w, ok := f.backend.(ConfigWriter); ok && w.ConfigWrite(f, off, width, val) {
		return
	}

	if off >= LegacyConfigSize {
		slog.Debug("pci: extended config write ignored", "fn", f.addr, "off", off)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if index, isBar := barIndex(off); isBar {
		if width != 4 || off&3 != 0 {
			slog.Debug("pci: partial BAR write ignored", "fn", f.addr, "off", off, "width", width)
			return
		}
		f.programBar(index, val)
		return
	}

	switch {
	case f.inCapabilityRange(off):
		f.writeCapability(off, width, val)
	case off >= RegCommand && off < RegRevisionID:
		f.writeCommandStatus(off, width, val)
	default:
		f.writeRaw(off, width, val)
	}
}

func (f *Function) writeCommandStatus(off, width int, val uint32) {
	prev := f.command()

	readOnly := uint32(commandStatusReadOnly) >> (8 * uint(off&3))
	old := f.readRaw(off, width)
	val = val&^readOnly | old&readOnly
	f.writeRaw(off, width, val)

	f.commandChanged(prev)
}

// commandChanged maps or unmaps BARs whose decode enable flipped and
// re-evaluates legacy interrupt delivery. Callers hold f.mu.
func (f *Function) commandChanged(prev uint16) {
	cmd := f.command()
	changed := prev ^ cmd

	for i := range f.bars {
		switch f.bars[i].Type {
		case BarIO:
			if changed&CommandIO != 0 {
				if cmd&CommandIO != 0 {
					f.mapBar(i)
				} else {
					f.unmapBar(i)
				}
			}
		case BarROM:
			if f.bars[i].LoBits == 0 {
				continue
			}
			fallthrough
		case BarMem32, BarMem64:
			if changed&CommandMemory != 0 {
				if cmd&CommandMemory != 0 {
					f.mapBar(i)
				} else {
					f.unmapBar(i)
				}
			}
		}
	}

	f.reevaluateINTx()
}
