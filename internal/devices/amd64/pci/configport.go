package pci

import (
	"fmt"
	"sync"

	"github.com/tinyrange/pciemu/internal/chipset"
	pcicore "github.com/tinyrange/pciemu/internal/devices/pci"
	"github.com/tinyrange/pciemu/internal/hv"
)

const (
	configAddressPort = 0x0cf8
	configDataPort    = 0x0cfc

	configEnable = 0x80000000
)

// ConfigPort implements PCI configuration mechanism #1: the address latch
// at 0xCF8 and the data window at 0xCFC-0xCFF. Accesses are forwarded to
// the host bridge configuration space.
type ConfigPort struct {
	host *pcicore.HostBridge

	mu      sync.Mutex
	enabled bool
	bus     uint8
	slot    uint8
	fn      uint8
	offset  int
}

// NewConfigPort returns the legacy configuration ports of host.
func NewConfigPort(host *pcicore.HostBridge) *ConfigPort {
	return &ConfigPort{host: host}
}

// Init implements hv.Device.
func (c *ConfigPort) Init(vm hv.VirtualMachine) error {
	if c.host == nil {
		return fmt.Errorf("pci config ports: no host bridge")
	}
	return nil
}

// IOPorts implements hv.X86IOPortDevice. Port 0xCF9 is left to the reset
// control register.
func (c *ConfigPort) IOPorts() []uint16 {
	return []uint16{
		configAddressPort,
		configDataPort, configDataPort + 1, configDataPort + 2, configDataPort + 3,
	}
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (c *ConfigPort) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: c.IOPorts(), Handler: c}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (c *ConfigPort) SupportsMmio() *chipset.MmioIntercept { return nil }

// Address returns the current value of the address latch.
func (c *ConfigPort) Address() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addressLocked()
}

func (c *ConfigPort) addressLocked() uint32 {
	x := uint32(c.bus)<<16 | uint32(c.slot)<<11 | uint32(c.fn)<<8 | uint32(c.offset)
	if c.enabled {
		x |= configEnable
	}
	return x
}

// ReadIOPort implements hv.X86IOPortDevice.
func (c *ConfigPort) ReadIOPort(port uint16, data []byte) error {
	if port == configAddressPort {
		if len(data) != 4 {
			fillOnes(data)
			return nil
		}
		putLE(data, c.Address())
		return nil
	}
	if port < configDataPort || port > configDataPort+3 {
		return fmt.Errorf("pci config ports: unhandled read from I/O port 0x%04x", port)
	}
	addr, off, ok := c.target(port)
	if !ok {
		fillOnes(data)
		return nil
	}
	switch len(data) {
	case 1, 2, 4:
		putLE(data, c.host.ReadConfig(addr, off, len(data)))
	default:
		fillOnes(data)
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (c *ConfigPort) WriteIOPort(port uint16, data []byte) error {
	if port == configAddressPort {
		if len(data) != 4 {
			return nil
		}
		x := getLE(data)
		c.mu.Lock()
		c.enabled = x&configEnable != 0
		c.offset = int(x & 0xff)
		c.fn = uint8(x>>8) & 0x7
		c.slot = uint8(x>>11) & 0x1f
		c.bus = uint8(x >> 16)
		c.mu.Unlock()
		return nil
	}
	if port < configDataPort || port > configDataPort+3 {
		return fmt.Errorf("pci config ports: unhandled write to I/O port 0x%04x", port)
	}
	addr, off, ok := c.target(port)
	if !ok {
		return nil
	}
	switch len(data) {
	case 1, 2, 4:
		c.host.WriteConfig(addr, off, len(data), getLE(data))
	}
	return nil
}

// target resolves a data port access against the latched address.
func (c *ConfigPort) target(port uint16) (pcicore.Address, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return pcicore.Address{}, 0, false
	}
	addr := pcicore.Address{Bus: c.bus, Slot: c.slot, Func: c.fn}
	return addr, c.offset + int(port-configDataPort), true
}

func putLE(data []byte, v uint32) {
	for i := range data {
		data[i] = byte(v >> (8 * i))
	}
}

func getLE(data []byte) uint32 {
	var v uint32
	for i := len(data) - 1; i >= 0; i-- {
		v = v<<8 | uint32(data[i])
	}
	return v
}

func fillOnes(data []byte) {
	for i := range data {
		data[i] = 0xff
	}
}

var (
	_ hv.Device             = (*ConfigPort)(nil)
	_ hv.X86IOPortDevice    = (*ConfigPort)(nil)
	_ chipset.ChipsetDevice = (*ConfigPort)(nil)
)
