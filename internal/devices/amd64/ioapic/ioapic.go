// Package ioapic emulates the x86 I/O APIC that terminates the PCI INTx
// lines. Redirected interrupts leave the controller as MSI writes to the
// local APIC window, so any VM that can signal an MSI can take them.
package ioapic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pciemu/internal/chipset"
	"github.com/tinyrange/pciemu/internal/hv"
)

const (
	// BaseAddress is the MMIO base of the first I/O APIC.
	BaseAddress uint64 = 0xFEC00000
	// Pins is the number of redirection entries. PCI INTx uses 16-23.
	Pins = 24

	windowSize = 0x20

	regSelect = 0x00
	regWindow = 0x10

	idxID          = 0x00
	idxVersion     = 0x01
	idxArbitration = 0x02
	idxRedirection = 0x10

	version = 0x11

	msiAddressBase = 0xFEE00000
)

const (
	deliveryFixed          = 0x0
	deliveryLowestPriority = 0x1
)

// Redirection bits the guest may write. Delivery status and remote IRR
// are read-only.
const writableBits uint64 = 0xFF000000_000000FF |
	0x7<<8 | // delivery mode
	1<<11 | // destination mode
	1<<13 | // polarity
	1<<15 | // trigger mode
	1<<16 // mask

// IOAPIC is a single 24-pin I/O APIC.
type IOAPIC struct {
	mu sync.Mutex

	vm      hv.VirtualMachine
	entries [Pins]pin
	index   uint8
	id      uint8

	delivered uint64
}

type pin struct {
	redir uint64
	level bool
}

// New returns an I/O APIC with every pin masked.
func New() *IOAPIC {
	io := &IOAPIC{}
	for i := range io.entries {
		io.entries[i].redir = 1<<16 | 1<<11
	}
	return io
}

// Init implements hv.Device.
func (io *IOAPIC) Init(vm hv.VirtualMachine) error {
	if vm == nil {
		return fmt.Errorf("ioapic: nil virtual machine")
	}
	io.mu.Lock()
	io.vm = vm
	io.mu.Unlock()
	return nil
}

// SetIRQ implements chipset.InterruptSink. Lines past the last pin are
// ISA-only and ignored.
func (io *IOAPIC) SetIRQ(line uint8, level bool) {
	io.mu.Lock()
	defer io.mu.Unlock()
	if int(line) >= Pins {
		return
	}
	p := &io.entries[line]
	rising := level && !p.level
	p.level = level
	if !level {
		return
	}
	io.evaluate(line, rising)
}

// EOI clears remote IRR on every level-triggered pin targeting vector and
// redelivers pins whose line is still asserted.
func (io *IOAPIC) EOI(vector uint8) {
	io.mu.Lock()
	defer io.mu.Unlock()
	for line := range io.entries {
		p := &io.entries[line]
		if uint8(p.redir) != vector || p.redir&(1<<14) == 0 {
			continue
		}
		p.redir &^= 1 << 14
		io.evaluate(uint8(line), false)
	}
}

// Delivered reports how many interrupts have left the controller.
func (io *IOAPIC) Delivered() uint64 {
	io.mu.Lock()
	defer io.mu.Unlock()
	return io.delivered
}

// evaluate delivers line when its redirection allows it. Caller holds mu.
func (io *IOAPIC) evaluate(line uint8, edge bool) {
	p := &io.entries[line]
	if p.redir&(1<<16) != 0 {
		return
	}
	level := levelTriggered(p.redir)
	switch {
	case level && (!p.level || p.redir&(1<<14) != 0):
		return
	case !level && !edge:
		return
	}
	if level {
		p.redir |= 1 << 14
	}
	io.delivered++

	if io.vm == nil {
		return
	}
	addr, data := message(p.redir)
	if err := io.vm.SignalMSI(addr, data, 0); err != nil {
		slog.Warn("ioapic delivery failed", "pin", line, "vector", uint8(p.redir), "err", err)
	}
}

func levelTriggered(redir uint64) bool {
	if redir&(1<<15) == 0 {
		return false
	}
	mode := (redir >> 8) & 0x7
	return mode == deliveryFixed || mode == deliveryLowestPriority
}

// message converts a redirection entry into the equivalent MSI address
// and data.
func message(redir uint64) (uint64, uint32) {
	dest := uint64(redir >> 56)
	addr := uint64(msiAddressBase) | dest<<12
	if redir&(1<<11) != 0 {
		addr |= 1 << 2
	}
	data := uint32(redir&0xff) | uint32((redir>>8)&0x7)<<8
	if levelTriggered(redir) {
		data |= 1<<15 | 1<<14
	}
	return addr, data
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (io *IOAPIC) SupportsPortIO() *chipset.PortIOIntercept { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (io *IOAPIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: io.MMIORegions(),
		Handler: io,
	}
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (io *IOAPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: BaseAddress, Size: windowSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (io *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	off, err := io.offset(addr, data)
	if err != nil {
		return err
	}
	io.mu.Lock()
	var value uint32
	switch off {
	case regSelect:
		value = uint32(io.index)
	case regWindow:
		value = io.readRegister(io.index)
	default:
		value = 0
	}
	io.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:])
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (io *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	off, err := io.offset(addr, data)
	if err != nil {
		return err
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	switch off {
	case regSelect:
		io.index = data[0]
	case regWindow:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("ioapic: %d-byte write to the data window", len(data))
		}
		io.writeRegister(io.index, binary.LittleEndian.Uint32(data))
	}
	return nil
}

func (io *IOAPIC) offset(addr uint64, data []byte) (uint64, error) {
	if len(data) == 0 || addr < BaseAddress || addr+uint64(len(data)) > BaseAddress+windowSize {
		return 0, fmt.Errorf("ioapic: access %#x/%d outside register window", addr, len(data))
	}
	return addr - BaseAddress, nil
}

func (io *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == idxID:
		return uint32(io.id&0x0f) << 24
	case index == idxVersion:
		return version | (Pins-1)<<16
	case index == idxArbitration:
		return 0
	case index >= idxRedirection:
		n := int(index-idxRedirection) / 2
		if n >= Pins {
			return 0
		}
		if index&1 == 1 {
			return uint32(io.entries[n].redir >> 32)
		}
		return uint32(io.entries[n].redir)
	}
	return 0
}

func (io *IOAPIC) writeRegister(index uint8, value uint32) {
	switch {
	case index == idxID:
		io.id = uint8(value>>24) & 0x0f
	case index >= idxRedirection:
		n := int(index-idxRedirection) / 2
		if n >= Pins {
			return
		}
		p := &io.entries[n]
		mask := writableBits & 0xffffffff
		shift := 0
		if index&1 == 1 {
			mask = writableBits &^ 0xffffffff
			shift = 32
		}
		wasMasked := p.redir&(1<<16) != 0
		p.redir = p.redir&^mask | uint64(value)<<shift&mask

		// Unmasking a pin whose line is already high counts as an edge.
		edge := wasMasked && p.redir&(1<<16) == 0 && p.level
		io.evaluate(uint8(n), edge)
	}
}

type snapshot struct {
	Index   uint8
	ID      uint8
	Redir   []uint64
	Levels  []bool
	Counter uint64
}

// DeviceId implements hv.DeviceSnapshotter.
func (io *IOAPIC) DeviceId() string { return "ioapic" }

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (io *IOAPIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	io.mu.Lock()
	defer io.mu.Unlock()
	snap := &snapshot{
		Index:   io.index,
		ID:      io.id,
		Redir:   make([]uint64, Pins),
		Levels:  make([]bool, Pins),
		Counter: io.delivered,
	}
	for i, p := range io.entries {
		snap.Redir[i] = p.redir
		snap.Levels[i] = p.level
	}
	return snap, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter.
func (io *IOAPIC) RestoreSnapshot(s hv.DeviceSnapshot) error {
	snap, ok := s.(*snapshot)
	if !ok {
		return fmt.Errorf("ioapic: snapshot type %T: %w", s, hv.ErrSnapshotMismatch)
	}
	if len(snap.Redir) != Pins || len(snap.Levels) != Pins {
		return fmt.Errorf("ioapic: snapshot has %d pins, want %d: %w", len(snap.Redir), Pins, hv.ErrSnapshotMismatch)
	}
	io.mu.Lock()
	defer io.mu.Unlock()
	io.index = snap.Index
	io.id = snap.ID
	io.delivered = snap.Counter
	for i := range io.entries {
		io.entries[i] = pin{redir: snap.Redir[i], level: snap.Levels[i]}
	}
	return nil
}

var (
	_ chipset.ChipsetDevice   = (*IOAPIC)(nil)
	_ chipset.InterruptSink   = (*IOAPIC)(nil)
	_ hv.MemoryMappedIODevice = (*IOAPIC)(nil)
	_ hv.DeviceSnapshotter    = (*IOAPIC)(nil)
)
