package pci

import (
	"fmt"
	"io"
)

// BarInfo describes a populated BAR in the exported topology.
type BarInfo struct {
	Index int    `yaml:"index"`
	Type  string `yaml:"type"`
	Addr  string `yaml:"addr"`
	Size  string `yaml:"size"`
}

// FunctionInfo describes one function in the exported topology.
type FunctionInfo struct {
	Address  string    `yaml:"address"`
	Device   string    `yaml:"device"`
	Name     string    `yaml:"name"`
	VendorID string    `yaml:"vendor_id"`
	DeviceID string    `yaml:"device_id"`
	Class    string    `yaml:"class"`
	Pin      string    `yaml:"pin,omitempty"`
	MSI      bool      `yaml:"msi,omitempty"`
	MSIX     bool      `yaml:"msix,omitempty"`
	Bars     []BarInfo `yaml:"bars,omitempty"`
}

// RouteInfo is one legacy interrupt routing entry: the data an ACPI _PRT
// needs for a slot pin.
type RouteInfo struct {
	Slot      uint8  `yaml:"slot"`
	Pin       string `yaml:"pin"`
	Link      string `yaml:"link"`
	ISAIRQ    uint8  `yaml:"isa_irq"`
	IOAPICIRQ uint8  `yaml:"ioapic_irq"`
}

// WindowInfo is an address range of a bus as hex strings.
type WindowInfo struct {
	Base  string `yaml:"base"`
	Limit string `yaml:"limit"`
}

// BusInfo describes one bus in the exported topology.
type BusInfo struct {
	Bus       uint8          `yaml:"bus"`
	IO        WindowInfo     `yaml:"io"`
	Mem32     WindowInfo     `yaml:"mem32"`
	Mem64     WindowInfo     `yaml:"mem64"`
	Functions []FunctionInfo `yaml:"functions"`
	Routes    []RouteInfo    `yaml:"routes,omitempty"`
}

func windowInfo(w Window) WindowInfo {
	return WindowInfo{Base: fmt.Sprintf("%#x", w.Base), Limit: fmt.Sprintf("%#x", w.Limit)}
}

func pinName(pin uint8) string {
	if pin < 1 || pin > 4 {
		return ""
	}
	return fmt.Sprintf("INT%c", 'A'+pin-1)
}

// Topology returns the buses, their windows, functions and INTx routes.
func (h *HostBridge) Topology() []BusInfo {
	var out []BusInfo
	for _, bus := range h.registry.Buses() {
		bi := BusInfo{
			Bus:   bus.Number,
			IO:    windowInfo(bus.Windows.IO),
			Mem32: windowInfo(bus.Windows.Mem32),
			Mem64: windowInfo(bus.Windows.Mem64),
		}
		for _, fn := range bus.Functions() {
			bi.Functions = append(bi.Functions, fn.info())
		}
		for slotNum := 0; slotNum < MaxSlots; slotNum++ {
			slot := bus.Slot(uint8(slotNum))
			for pin, sp := range slot.pins {
				if sp.count == 0 || sp.pirqPin == 0 {
					continue
				}
				bi.Routes = append(bi.Routes, RouteInfo{
					Slot:      uint8(slotNum),
					Pin:       pinName(uint8(pin + 1)),
					Link:      PIRQName(sp.pirqPin),
					ISAIRQ:    h.pirq.IRQ(sp.pirqPin),
					IOAPICIRQ: sp.ioapicIRQ,
				})
			}
		}
		out = append(out, bi)
	}
	return out
}

func (f *Function) info() FunctionInfo {
	fi := FunctionInfo{
		Address:  f.addr.String(),
		Device:   f.device,
		Name:     f.name,
		VendorID: fmt.Sprintf("%#04x", f.Config16(RegVendorID)),
		DeviceID: fmt.Sprintf("%#04x", f.Config16(RegDeviceID)),
		Class:    fmt.Sprintf("%02x%02x%02x", f.Config8(RegClass), f.Config8(RegSubclass), f.Config8(RegProgIF)),
		Pin:      pinName(f.INTxPin()),
	}
	_, fi.MSI = f.FindCapability(CapIDMSI)
	_, fi.MSIX = f.FindCapability(CapIDMSIX)
	for i, bar := range f.Bars() {
		switch bar.Type {
		case BarNone, BarMemHi64:
			continue
		}
		fi.Bars = append(fi.Bars, BarInfo{
			Index: i,
			Type:  bar.Type.String(),
			Addr:  fmt.Sprintf("%#x", bar.Addr),
			Size:  fmt.Sprintf("%#x", bar.Size),
		})
	}
	return fi
}

// WriteTopology lets every backend that supports it describe itself to w,
// in bus, slot, function order.
func (h *HostBridge) WriteTopology(w io.Writer) error {
	for _, bus := range h.registry.Buses() {
		for _, fn := range bus.Functions() {
			tw, ok := fn.backend.(TopologyWriter)
			if !ok {
				continue
			}
			if err := tw.WriteTopology(fn, w); err != nil {
				return fmt.Errorf("pci %s: write topology: %w", fn.addr, err)
			}
		}
	}
	return nil
}
