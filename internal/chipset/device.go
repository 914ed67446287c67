package chipset

import (
	"github.com/tinyrange/pciemu/internal/hv"
)

// PortIOHandler handles reads and writes to individual I/O ports.
type PortIOHandler interface {
	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// ChipsetDevice is implemented by devices that claim fixed ports or MMIO
// regions for the lifetime of the VM.
type ChipsetDevice interface {
	hv.Device

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
}

// PortIOFuncs adapts a pair of functions to PortIOHandler.
type PortIOFuncs struct {
	Read  func(port uint16, data []byte) error
	Write func(port uint16, data []byte) error
}

func (p PortIOFuncs) ReadIOPort(port uint16, data []byte) error {
	if p.Read == nil {
		fill(data, 0xff)
		return nil
	}
	return p.Read(port, data)
}

func (p PortIOFuncs) WriteIOPort(port uint16, data []byte) error {
	if p.Write == nil {
		return nil
	}
	return p.Write(port, data)
}

// MmioFuncs adapts a pair of functions to MmioHandler.
type MmioFuncs struct {
	Read  func(addr uint64, data []byte) error
	Write func(addr uint64, data []byte) error
}

func (m MmioFuncs) ReadMMIO(addr uint64, data []byte) error {
	if m.Read == nil {
		fill(data, 0xff)
		return nil
	}
	return m.Read(addr, data)
}

func (m MmioFuncs) WriteMMIO(addr uint64, data []byte) error {
	if m.Write == nil {
		return nil
	}
	return m.Write(addr, data)
}

func fill(data []byte, v byte) {
	for i := range data {
		data[i] = v
	}
}
