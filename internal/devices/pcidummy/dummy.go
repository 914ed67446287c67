// Package pcidummy implements a PCI test device with one I/O BAR and two
// 32-bit memory BARs backed by plain register files. Writing to the I/O
// BAR can raise MSI vectors, which makes it useful for exercising the
// interrupt paths of the PCI core from a guest.
package pcidummy

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pciemu/internal/devices/pci"
	"github.com/tinyrange/pciemu/internal/hv"
)

const (
	VendorID = 0x10DD
	DeviceID = 0x0001

	IORegsSize  = 8
	MemRegsSize = 4096

	MSIMessages  = 4
	MSIXMessages = 16

	// BAR holding the MSI-X table when the msix option is set.
	msixBar = 3

	// Writing this value to any I/O register raises every enabled MSI vector.
	allVectorsMagic = 0xabcdef

	// A 4-byte write here raises MSI vector value % enabled vectors.
	interruptReg = 4
)

// Name is the device name used in slot descriptions.
const Name = "dummy"

func init() {
	pci.RegisterBackend(Name, func() pci.Backend { return &Dummy{} })
}

// Dummy is the backend state of one dummy function.
type Dummy struct {
	mu      sync.Mutex
	ioregs  [IORegsSize]byte
	memregs [2][MemRegsSize]byte
	paused  bool
}

type dummySnapshot struct {
	IORegs  []byte
	MemRegs [][]byte
}

// Init implements pci.Backend. Recognised options:
//
//	msix  also expose 16 MSI-X vectors in BAR 3
//	intx  request a legacy interrupt pin
func (d *Dummy) Init(fn *pci.Function, opts pci.Options) error {
	fn.SetIdentity(VendorID, DeviceID, 0x02, 0x00, 0x00)

	if err := fn.AddMSICapability(MSIMessages); err != nil {
		return err
	}
	if opts.Bool("msix") {
		if err := fn.AddMSIXCapability(MSIXMessages, msixBar); err != nil {
			return err
		}
	}
	if err := fn.RequestBar(0, pci.BarIO, IORegsSize); err != nil {
		return err
	}
	if err := fn.RequestBar(1, pci.BarMem32, MemRegsSize); err != nil {
		return err
	}
	if err := fn.RequestBar(2, pci.BarMem32, MemRegsSize); err != nil {
		return err
	}
	if opts.Bool("intx") {
		if err := fn.RequestINTx(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dummy) regs(index int) []byte {
	switch index {
	case 0:
		return d.ioregs[:]
	case 1, 2:
		return d.memregs[index-1][:]
	}
	return nil
}

// BarWrite implements pci.BarWriter.
func (d *Dummy) BarWrite(fn *pci.Function, index int, offset uint64, size int, value uint64) {
	d.mu.Lock()
	if d.paused {
		d.mu.Unlock()
		slog.Debug("pcidummy: write while paused dropped", "fn", fn.Address(), "bar", index, "offset", offset)
		return
	}
	regs := d.regs(index)
	if regs == nil {
		d.mu.Unlock()
		slog.Debug("pcidummy: write to unknown BAR", "fn", fn.Address(), "bar", index)
		return
	}
	if offset+uint64(size) > uint64(len(regs)) {
		d.mu.Unlock()
		slog.Debug("pcidummy: write too large", "fn", fn.Address(), "bar", index, "offset", offset, "size", size)
		return
	}
	if !store(regs[offset:], size, value, index != 0) {
		d.mu.Unlock()
		slog.Debug("pcidummy: write of unknown size", "fn", fn.Address(), "bar", index, "size", size)
		return
	}
	d.mu.Unlock()

	if index != 0 {
		return
	}
	if offset == interruptReg && size == 4 {
		if n := fn.MSIMaxMessages(); n > 0 {
			fn.GenerateMSI(int(value % uint64(n)))
		} else if fn.MSIXEnabled() {
			fn.GenerateMSIX(int(value % MSIXMessages))
		} else if fn.INTxPin() != 0 {
			if value != 0 {
				fn.AssertINTx()
			} else {
				fn.DeassertINTx()
			}
		}
	}
	if value == allVectorsMagic {
		for i := 0; i < fn.MSIMaxMessages(); i++ {
			fn.GenerateMSI(i)
		}
	}
}

// BarRead implements pci.BarReader.
func (d *Dummy) BarRead(fn *pci.Function, index int, offset uint64, size int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.regs(index)
	if regs == nil || offset+uint64(size) > uint64(len(regs)) {
		slog.Debug("pcidummy: read out of range", "fn", fn.Address(), "bar", index, "offset", offset, "size", size)
		return 0
	}
	v, ok := load(regs[offset:], size, index != 0)
	if !ok {
		slog.Debug("pcidummy: read of unknown size", "fn", fn.Address(), "bar", index, "size", size)
	}
	return v
}

func store(b []byte, size int, value uint64, wide bool) bool {
	switch {
	case size == 1:
		b[0] = byte(value)
	case size == 2:
		binary.LittleEndian.PutUint16(b, uint16(value))
	case size == 4:
		binary.LittleEndian.PutUint32(b, uint32(value))
	case size == 8 && wide:
		binary.LittleEndian.PutUint64(b, value)
	default:
		return false
	}
	return true
}

func load(b []byte, size int, wide bool) (uint64, bool) {
	switch {
	case size == 1:
		return uint64(b[0]), true
	case size == 2:
		return uint64(binary.LittleEndian.Uint16(b)), true
	case size == 4:
		return uint64(binary.LittleEndian.Uint32(b)), true
	case size == 8 && wide:
		return binary.LittleEndian.Uint64(b), true
	}
	return 0, false
}

// CaptureSnapshot implements pci.Snapshotter.
func (d *Dummy) CaptureSnapshot(fn *pci.Function) (hv.DeviceSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := &dummySnapshot{IORegs: append([]byte(nil), d.ioregs[:]...)}
	for i := range d.memregs {
		snap.MemRegs = append(snap.MemRegs, append([]byte(nil), d.memregs[i][:]...))
	}
	return snap, nil
}

// RestoreSnapshot implements pci.Snapshotter.
func (d *Dummy) RestoreSnapshot(fn *pci.Function, snap hv.DeviceSnapshot) error {
	s, ok := snap.(*dummySnapshot)
	if !ok {
		return fmt.Errorf("pcidummy: invalid snapshot type %T", snap)
	}
	if len(s.IORegs) != IORegsSize || len(s.MemRegs) != len(d.memregs) {
		return fmt.Errorf("pcidummy: snapshot has the wrong shape")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.ioregs[:], s.IORegs)
	for i := range d.memregs {
		if len(s.MemRegs[i]) != MemRegsSize {
			return fmt.Errorf("pcidummy: memory registers %d have %d bytes", i, len(s.MemRegs[i]))
		}
		copy(d.memregs[i][:], s.MemRegs[i])
	}
	return nil
}

// Pause implements pci.Pauser. Register writes are dropped until Resume,
// so a paused device raises no interrupts.
func (d *Dummy) Pause(fn *pci.Function) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = true
	return nil
}

// Resume implements pci.Pauser.
func (d *Dummy) Resume(fn *pci.Function) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused = false
	return nil
}

// Paused reports whether the device is paused.
func (d *Dummy) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

var (
	_ pci.Backend     = (*Dummy)(nil)
	_ pci.BarReader   = (*Dummy)(nil)
	_ pci.BarWriter   = (*Dummy)(nil)
	_ pci.Snapshotter = (*Dummy)(nil)
	_ pci.Pauser      = (*Dummy)(nil)
)
