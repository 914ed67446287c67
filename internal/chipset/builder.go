package chipset

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinyrange/pciemu/internal/hv"
)

var (
	ErrPortInUse     = errors.New("I/O port already registered")
	ErrRegionInUse   = errors.New("MMIO region overlaps existing region")
	ErrNotMapped     = errors.New("no mapping at address")
	ErrEmptyRange    = errors.New("empty range")
	ErrRangeOverflow = errors.New("range overflows address space")
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type pioBinding struct {
	base    uint16
	size    uint32
	handler PortIOHandler
}

type mmioBinding struct {
	region  hv.MMIORegion
	handler MmioHandler
}

// Chipset holds the I/O dispatch tables of a VM. Fixed devices are
// registered once during construction; PCI BAR decoding maps and unmaps
// ranges for the life of the VM.
type Chipset struct {
	mu sync.RWMutex

	devices map[string]ChipsetDevice
	pio     map[uint16]*pioBinding
	mmio    []mmioBinding

	fallback *mmioBinding
}

// New returns an empty Chipset.
func New() *Chipset {
	return &Chipset{
		devices: make(map[string]ChipsetDevice),
		pio:     make(map[uint16]*pioBinding),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (c *Chipset) RegisterDevice(name string, dev ChipsetDevice) error {
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	c.mu.Lock()
	_, exists := c.devices[name]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := c.MapPIO(port, 1, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := c.MapMMIO(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	c.mu.Lock()
	c.devices[name] = dev
	c.mu.Unlock()
	return nil
}

// Devices returns the names of registered devices in sorted order.
func (c *Chipset) Devices() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MapPIO routes ports [base, base+size) to handler.
func (c *Chipset) MapPIO(base uint16, size uint32, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", base)
	}
	if size == 0 {
		return fmt.Errorf("PIO range at 0x%x: %w", base, ErrEmptyRange)
	}
	if uint32(base)+size > 0x10000 {
		return fmt.Errorf("PIO range 0x%x size 0x%x: %w", base, size, ErrRangeOverflow)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := uint32(0); i < size; i++ {
		port := uint16(uint32(base) + i)
		if _, exists := c.pio[port]; exists {
			return fmt.Errorf("PIO port 0x%x: %w", port, ErrPortInUse)
		}
	}
	binding := &pioBinding{base: base, size: size, handler: handler}
	for i := uint32(0); i < size; i++ {
		c.pio[uint16(uint32(base)+i)] = binding
	}
	return nil
}

// UnmapPIO removes the range previously mapped at base.
func (c *Chipset) UnmapPIO(base uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	binding, ok := c.pio[base]
	if !ok || binding.base != base {
		return fmt.Errorf("PIO port 0x%x: %w", base, ErrNotMapped)
	}
	for i := uint32(0); i < binding.size; i++ {
		delete(c.pio, uint16(uint32(base)+i))
	}
	return nil
}

// MapMMIO routes [base, base+size) to handler.
func (c *Chipset) MapMMIO(base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("MMIO region at 0x%x: %w", base, ErrEmptyRange)
	}
	if base+size < base {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x: %w", base, size, ErrRangeOverflow)
	}
	region := hv.MMIORegion{Address: base, Size: size}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.mmio {
		if region.Overlaps(existing.region) {
			return fmt.Errorf("MMIO region 0x%x-0x%x, existing 0x%x-0x%x: %w",
				base, region.End()-1, existing.region.Address, existing.region.End()-1, ErrRegionInUse)
		}
	}
	c.mmio = append(c.mmio, mmioBinding{region: region, handler: handler})
	return nil
}

// UnmapMMIO removes the region previously mapped at base.
func (c *Chipset) UnmapMMIO(base uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.mmio {
		if existing.region.Address == base {
			c.mmio = append(c.mmio[:i], c.mmio[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("MMIO address 0x%x: %w", base, ErrNotMapped)
}

// SetMMIOFallback installs a handler for accesses inside region that hit no
// mapped range. Regular mappings always take precedence.
func (c *Chipset) SetMMIOFallback(region hv.MMIORegion, handler MmioHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler == nil {
		c.fallback = nil
		return
	}
	c.fallback = &mmioBinding{region: region, handler: handler}
}

// MMIOMappings returns the currently mapped MMIO regions.
func (c *Chipset) MMIOMappings() []hv.MMIORegion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]hv.MMIORegion, 0, len(c.mmio))
	for _, b := range c.mmio {
		out = append(out, b.region)
	}
	return out
}

// PIOMapped reports whether port has a handler.
func (c *Chipset) PIOMapped(port uint16) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pio[port]
	return ok
}
