package chipset

import (
	"fmt"
)

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	c.mu.RLock()
	binding, ok := c.pio[port]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	if isWrite {
		return binding.handler.WriteIOPort(port, data)
	}
	return binding.handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	size := uint64(len(data))
	if addr+size < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	c.mu.RLock()
	var handler MmioHandler
	for _, binding := range c.mmio {
		if binding.region.Contains(addr, size) {
			handler = binding.handler
			break
		}
	}
	if handler == nil && c.fallback != nil && c.fallback.region.Contains(addr, size) {
		handler = c.fallback.handler
	}
	c.mu.RUnlock()

	if handler == nil {
		return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
	}
	if isWrite {
		return handler.WriteMMIO(addr, data)
	}
	return handler.ReadMMIO(addr, data)
}
