package hv

import (
	"errors"
	"fmt"
)

var (
	ErrVMHalted         = errors.New("virtual machine halted")
	ErrMSIUnsupported   = errors.New("message signalled interrupts unsupported")
	ErrNoMemoryLayout   = errors.New("virtual machine has no memory layout")
	ErrLayoutOverlapRAM = errors.New("region overlaps guest RAM")
)

type Device interface {
	Init(vm VirtualMachine) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// End returns the first address past the region.
func (r MMIORegion) End() uint64 { return r.Address + r.Size }

// Contains reports whether [addr, addr+size) lies entirely inside the region.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	return end >= addr && addr >= r.Address && end <= r.End()
}

// Overlaps reports whether the two regions share at least one byte.
func (r MMIORegion) Overlaps(o MMIORegion) bool {
	return r.Address < o.End() && o.Address < r.End()
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(vm VirtualMachine) error {
	return nil
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type SimpleX86IOPortDevice struct {
	Ports []uint16

	ReadFunc  func(port uint16, data []byte) error
	WriteFunc func(port uint16, data []byte) error
}

func (d SimpleX86IOPortDevice) IOPorts() []uint16 { return d.Ports }
func (d SimpleX86IOPortDevice) ReadIOPort(port uint16, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(port, data)
	}
	return fmt.Errorf("unhandled read from I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) WriteIOPort(port uint16, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(port, data)
	}
	return fmt.Errorf("unhandled write to I/O port 0x%X", port)
}
func (d SimpleX86IOPortDevice) Init(vm VirtualMachine) error {
	return nil
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
	_ X86IOPortDevice      = SimpleX86IOPortDevice{}
)

// VirtualMachine is the slice of a hypervisor VM the device model needs:
// its guest physical memory map and the ability to inject MSI messages.
type VirtualMachine interface {
	MemoryLayout() *MemoryLayout

	// SignalMSI delivers a message signalled interrupt to the local APICs.
	SignalMSI(addr uint64, data uint32, flags uint32) error
}

// SimpleVM is a VirtualMachine backed by plain values. Tools and tests use it
// where no real hypervisor is present.
type SimpleVM struct {
	Layout *MemoryLayout

	MSIFunc func(addr uint64, data uint32, flags uint32) error
}

// MemoryLayout implements VirtualMachine.
func (v *SimpleVM) MemoryLayout() *MemoryLayout { return v.Layout }

// SignalMSI implements VirtualMachine.
func (v *SimpleVM) SignalMSI(addr uint64, data uint32, flags uint32) error {
	if v.MSIFunc == nil {
		return ErrMSIUnsupported
	}
	return v.MSIFunc(addr, data, flags)
}

var _ VirtualMachine = (*SimpleVM)(nil)
