// Package pciconfig loads declarative PCI topologies: a YAML document
// listing memory sizes and devices, with devices given either as mappings
// or as slot strings of the form "[bus:]slot[:func],device[,options]".
package pciconfig

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/pciemu/internal/devices/pci"
	"github.com/tinyrange/pciemu/internal/hv"
)

// MaxLowMemory is the most RAM that fits below the 32-bit PCI hole.
const MaxLowMemory = pci.Mem32WindowBase

var ErrInvalidTopology = errors.New("invalid topology")

// Topology is the top level of a topology document.
type Topology struct {
	Memory   MemoryConfig  `yaml:"memory"`
	PIRQMask *uint16       `yaml:"pirq_mask,omitempty"`
	IOAPIC   *IOAPICConfig `yaml:"ioapic,omitempty"`
	Devices  []DeviceSpec  `yaml:"devices"`
	// Slots holds devices in slot string form. They are merged into
	// Devices by Parse.
	Slots []string `yaml:"slots,omitempty"`
}

// MemoryConfig sizes guest RAM below and above 4GiB.
type MemoryConfig struct {
	Low  Size `yaml:"low"`
	High Size `yaml:"high"`
}

// IOAPICConfig is the range of I/O APIC inputs handed to PCI slots.
type IOAPICConfig struct {
	First uint8 `yaml:"first"`
	Count int   `yaml:"count"`
}

// DeviceSpec places one device.
type DeviceSpec struct {
	Bus     uint8             `yaml:"bus"`
	Slot    uint8             `yaml:"slot"`
	Func    uint8             `yaml:"func"`
	Device  string            `yaml:"device"`
	Options map[string]string `yaml:"options,omitempty"`
}

// Address returns the PCI address of the device.
func (d DeviceSpec) Address() pci.Address {
	return pci.Address{Bus: d.Bus, Slot: d.Slot, Func: d.Func}
}

// Load reads and parses a topology file.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes a topology document, expands its slot strings and
// validates the result.
func Parse(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	for _, s := range t.Slots {
		d, err := ParseSlot(s)
		if err != nil {
			return nil, err
		}
		t.Devices = append(t.Devices, d)
	}
	t.Slots = nil

	// Apply defaults
	if t.Memory.Low == 0 {
		t.Memory.Low = Size(2 * hv.GiB)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks memory sizes, addresses, device names and slot
// collisions.
func (t *Topology) Validate() error {
	if uint64(t.Memory.Low) > MaxLowMemory {
		return fmt.Errorf("low memory %s exceeds %s: %w", t.Memory.Low, Size(MaxLowMemory), ErrInvalidTopology)
	}
	if t.PIRQMask != nil && *t.PIRQMask == 0 {
		return fmt.Errorf("pirq_mask allows no IRQs: %w", ErrInvalidTopology)
	}
	if t.IOAPIC != nil && t.IOAPIC.Count <= 0 {
		return fmt.Errorf("ioapic count %d: %w", t.IOAPIC.Count, ErrInvalidTopology)
	}

	known := pci.Backends()
	seen := make(map[pci.Address]string)
	for _, d := range t.Devices {
		addr := d.Address()
		if !addr.Valid() {
			return fmt.Errorf("device %q at %s: %w", d.Device, addr, pci.ErrBadAddress)
		}
		i := sort.SearchStrings(known, d.Device)
		if i == len(known) || known[i] != d.Device {
			return fmt.Errorf("pci slot %s: %q: %w", addr, d.Device, pci.ErrUnknownDevice)
		}
		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("pci slot %s (%s, %s): %w", addr, prev, d.Device, pci.ErrSlotOccupied)
		}
		seen[addr] = d.Device
	}
	return nil
}

// MemoryLayout returns a fresh guest memory layout for the topology.
func (t *Topology) MemoryLayout() *hv.MemoryLayout {
	return hv.NewMemoryLayout(uint64(t.Memory.Low), uint64(t.Memory.High))
}

// HostBridgeConfig converts the topology into the PCI core configuration.
// The caller fills in the chipset and interrupt lines.
func (t *Topology) HostBridgeConfig() pci.HostBridgeConfig {
	cfg := pci.HostBridgeConfig{}
	for _, d := range t.Devices {
		cfg.Devices = append(cfg.Devices, pci.DeviceConfig{
			Address: d.Address(),
			Device:  d.Device,
			Options: pci.Options(d.Options),
		})
	}
	if t.PIRQMask != nil {
		cfg.PIRQ = pci.NewPIRQPool(*t.PIRQMask)
	}
	if t.IOAPIC != nil {
		cfg.IOAPIC = pci.NewIOAPICPool(t.IOAPIC.First, t.IOAPIC.Count)
	}
	return cfg
}
