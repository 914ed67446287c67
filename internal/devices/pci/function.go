package pci

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Function is one emulated PCI function: its configuration space, BARs,
// capabilities and interrupt state.
//
// Configuration space is stored as little-endian 32-bit words updated
// atomically, so concurrent readers always observe whole words. The
// default write path (BAR programming, capability and command register
// side effects) is serialised by mu.
type Function struct {
	host    *HostBridge
	addr    Address
	device  string
	name    string
	backend Backend

	cfg [ConfigSpaceSize / 4]atomic.Uint32

	mu     sync.RWMutex
	bars   [ROMIndex + 1]Bar
	mapped [ROMIndex + 1]barMapping
	caps   []capRecord
	capEnd int
	msi    msiState
	msix   msixState

	msiEnabled  atomic.Bool
	msixEnabled atomic.Bool

	intx intxState

	// softc is backend private state.
	softc any
}

func newFunction(host *HostBridge, addr Address, device string, backend Backend) *Function {
	fn := &Function{
		host:    host,
		addr:    addr,
		device:  device,
		name:    fmt.Sprintf("%s-pci-%d", device, addr.Slot),
		backend: backend,
	}

	// Legacy interrupts stay disabled until the backend asks for a pin.
	fn.SetConfig8(RegInterruptLn, 0xff)
	fn.SetConfig8(RegInterruptPin, 0)
	fn.SetConfig8(RegCommand, CommandBusMaster)
	return fn
}

// Address returns the bus/slot/function of fn.
func (f *Function) Address() Address { return f.addr }

// Device returns the backend type name the function was created with.
func (f *Function) Device() string { return f.device }

// Name returns a human readable instance name.
func (f *Function) Name() string { return f.name }

// Backend returns the device backend driving fn.
func (f *Function) Backend() Backend { return f.backend }

// Host returns the host bridge that owns fn.
func (f *Function) Host() *HostBridge { return f.host }

// SetSoftc stores backend private state on the function.
func (f *Function) SetSoftc(v any) { f.softc = v }

// Softc returns the value stored by SetSoftc.
func (f *Function) Softc() any { return f.softc }

func (f *Function) String() string {
	return fmt.Sprintf("%s (%s)", f.addr, f.device)
}

// Config8 reads a byte of raw configuration space.
func (f *Function) Config8(off int) uint8 {
	return uint8(f.readRaw(off, 1))
}

// Config16 reads a 16-bit value of raw configuration space.
func (f *Function) Config16(off int) uint16 {
	return uint16(f.readRaw(off, 2))
}

// Config32 reads a 32-bit value of raw configuration space.
func (f *Function) Config32(off int) uint32 {
	return f.readRaw(off, 4)
}

// SetConfig8 stores a byte of raw configuration space with no side effects.
func (f *Function) SetConfig8(off int, v uint8) {
	f.writeRaw(off, 1, uint32(v))
}

// SetConfig16 stores a 16-bit value with no side effects.
func (f *Function) SetConfig16(off int, v uint16) {
	f.writeRaw(off, 2, uint32(v))
}

// SetConfig32 stores a 32-bit value with no side effects.
func (f *Function) SetConfig32(off int, v uint32) {
	f.writeRaw(off, 4, v)
}

// SetIdentity fills in the identification registers of the header.
func (f *Function) SetIdentity(vendor, device uint16, class, subclass, progIF uint8) {
	f.SetConfig16(RegVendorID, vendor)
	f.SetConfig16(RegDeviceID, device)
	f.SetConfig8(RegClass, class)
	f.SetConfig8(RegSubclass, subclass)
	f.SetConfig8(RegProgIF, progIF)
}

// readRaw returns width bytes at off. Accesses must not cross a dword.
func (f *Function) readRaw(off, width int) uint32 {
	if off < 0 || off+width > ConfigSpaceSize || (off&3)+width > 4 {
		slog.Debug("pci: raw config read out of range", "fn", f.addr, "off", off, "width", width)
		return 0xffffffff
	}
	word := f.cfg[off>>2].Load()
	shift := uint(off&3) * 8
	return (word >> shift) & widthMask(width)
}

func (f *Function) writeRaw(off, width int, v uint32) {
	if off < 0 || off+width > ConfigSpaceSize || (off&3)+width > 4 {
		slog.Debug("pci: raw config write out of range", "fn", f.addr, "off", off, "width", width)
		return
	}
	w := &f.cfg[off>>2]
	shift := uint(off&3) * 8
	mask := widthMask(width) << shift
	for {
		old := w.Load()
		next := (old &^ mask) | ((v << shift) & mask)
		if w.CompareAndSwap(old, next) {
			return
		}
	}
}

// snapshotConfig copies the raw configuration space.
func (f *Function) snapshotConfig() []byte {
	out := make([]byte, ConfigSpaceSize)
	for i := range f.cfg {
		v := f.cfg[i].Load()
		out[i*4] = byte(v)
		out[i*4+1] = byte(v >> 8)
		out[i*4+2] = byte(v >> 16)
		out[i*4+3] = byte(v >> 24)
	}
	return out
}

func (f *Function) restoreConfig(data []byte) {
	for i := range f.cfg {
		if i*4+4 > len(data) {
			f.cfg[i].Store(0)
			continue
		}
		f.cfg[i].Store(uint32(data[i*4]) | uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24)
	}
}

func widthMask(width int) uint32 {
	switch width {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	default:
		return 0xffffffff
	}
}

func (f *Function) command() uint16 { return f.Config16(RegCommand) }

func (f *Function) ioDecode() bool  { return f.command()&CommandIO != 0 }
func (f *Function) memDecode() bool { return f.command()&CommandMemory != 0 }
