package pci

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/tinyrange/pciemu/internal/chipset"
	"github.com/tinyrange/pciemu/internal/hv"
)

// DeviceConfig places one backend at a PCI address.
type DeviceConfig struct {
	Address Address
	Device  string
	Options Options

	// Backend overrides the registry lookup of Device.
	Backend Backend
}

// HostBridgeConfig describes the PCI topology and the host facilities the
// core is wired to.
type HostBridgeConfig struct {
	// Chipset receives BAR decode, ECAM and PCI hole mappings. May be nil
	// when nothing decodes guest accesses.
	Chipset *chipset.Chipset
	// Lines drives the I/O APIC inputs of routed INTx pins.
	Lines *chipset.LineSet
	// ISALines drives the PIRQ ISA IRQs, which belong to the 8259 pair.
	// When nil they share Lines.
	ISALines *chipset.LineSet

	Devices []DeviceConfig

	IOAPIC *IOAPICPool
	PIRQ   *PIRQPool
}

// HostBridge is the PCI root complex: it owns the topology, the address
// pools and the interrupt routing, and decodes the ECAM window.
type HostBridge struct {
	registry *Registry
	alloc    *Allocator

	cs      *chipset.Chipset
	lines   *chipset.LineSet
	isa     *chipset.LineSet
	ioapic  *IOAPICPool
	pirq    *PIRQPool
	devices []DeviceConfig

	vm     hv.VirtualMachine
	layout *hv.MemoryLayout
}

// NewHostBridge constructs a host bridge using the supplied config. The
// devices are created by Init.
func NewHostBridge(cfg HostBridgeConfig) *HostBridge {
	h := &HostBridge{
		registry: NewRegistry(),
		cs:       cfg.Chipset,
		lines:    cfg.Lines,
		isa:      cfg.ISALines,
		ioapic:   cfg.IOAPIC,
		pirq:     cfg.PIRQ,
		devices:  append([]DeviceConfig(nil), cfg.Devices...),
	}
	if h.ioapic == nil {
		h.ioapic = DefaultIOAPICPool()
	}
	if h.pirq == nil {
		h.pirq = DefaultPIRQPool()
	}
	if h.isa == nil {
		h.isa = h.lines
	}
	sort.SliceStable(h.devices, func(i, j int) bool {
		return addressLess(h.devices[i].Address, h.devices[j].Address)
	})
	return h
}

func addressLess(a, b Address) bool {
	if a.Bus != b.Bus {
		return a.Bus < b.Bus
	}
	if a.Slot != b.Slot {
		return a.Slot < b.Slot
	}
	return a.Func < b.Func
}

// Registry returns the topology.
func (h *HostBridge) Registry() *Registry { return h.registry }

// Allocator returns the BAR allocator. It is nil before Init.
func (h *HostBridge) Allocator() *Allocator { return h.alloc }

// PIRQ returns the PIRQ pool.
func (h *HostBridge) PIRQ() *PIRQPool { return h.pirq }

// VM returns the VM the bridge was initialised with.
func (h *HostBridge) VM() hv.VirtualMachine { return h.vm }

// Init implements hv.Device. It creates every configured function bus by
// bus, allocates BARs, routes legacy interrupts and maps the ECAM window.
// The topology is sealed on success; on failure the VM must not start.
func (h *HostBridge) Init(vm hv.VirtualMachine) error {
	if h.registry.Sealed() {
		return fmt.Errorf("pci: host bridge init: %w", ErrTopologySealed)
	}
	layout := vm.MemoryLayout()
	if layout == nil {
		return fmt.Errorf("pci: host bridge init: %w", hv.ErrNoMemoryLayout)
	}
	h.vm = vm
	h.layout = layout
	h.alloc = NewAllocator(layout)

	for i := 0; i < len(h.devices); {
		busNum := h.devices[i].Address.Bus
		bus, err := h.registry.CreateBus(busNum)
		if err != nil {
			return fmt.Errorf("pci: create bus %d: %w", busNum, err)
		}
		for ; i < len(h.devices) && h.devices[i].Address.Bus == busNum; i++ {
			if err := h.initFunction(h.devices[i]); err != nil {
				return err
			}
		}
		if err := h.alloc.Assign(bus); err != nil {
			return fmt.Errorf("pci: bus %d: %w", busNum, err)
		}
	}

	for _, bus := range h.registry.Buses() {
		for _, fn := range bus.Functions() {
			if err := fn.routeINTx(h); err != nil {
				return err
			}
		}
	}

	if err := layout.RegisterFixed("pcie-ecam", ECAMBase, ECAMSize); err != nil {
		return fmt.Errorf("pci: reserve ECAM window: %w", err)
	}
	if h.cs != nil {
		if err := h.cs.MapMMIO(ECAMBase, ECAMSize, h); err != nil {
			return fmt.Errorf("pci: map ECAM window: %w", err)
		}
		// Accesses to unassigned space between the top of low memory and
		// 4GiB read as all-ones.
		hole := hv.MMIORegion{Address: layout.LowMemSize(), Size: hv.FourGiB - layout.LowMemSize()}
		h.cs.SetMMIOFallback(hole, chipset.MmioFuncs{})
	}

	h.registry.Seal()
	slog.Info("pci: topology ready", "functions", len(h.devices), "buses", len(h.registry.Buses()))
	return nil
}

func (h *HostBridge) initFunction(dc DeviceConfig) error {
	backend := dc.Backend
	if backend == nil {
		var err error
		backend, err = LookupBackend(dc.Device)
		if err != nil {
			return fmt.Errorf("pci %s: %w", dc.Address, err)
		}
	}

	fn := newFunction(h, dc.Address, dc.Device, backend)
	if err := h.registry.insert(fn); err != nil {
		return fmt.Errorf("add %s: %w", dc.Device, err)
	}
	opts := dc.Options
	if opts == nil {
		opts = Options{}
	}
	if err := backend.Init(fn, opts); err != nil {
		h.registry.remove(fn)
		h.alloc.discard(fn)
		return fmt.Errorf("pci %s: init %s: %w", dc.Address, dc.Device, err)
	}
	slog.Debug("pci: function initialised", "addr", dc.Address, "device", dc.Device)
	return nil
}

// FindByName returns the function whose Name is name.
func (h *HostBridge) FindByName(name string) *Function {
	for _, bus := range h.registry.Buses() {
		for _, fn := range bus.Functions() {
			if fn.Name() == name {
				return fn
			}
		}
	}
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (h *HostBridge) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: ECAMBase, Size: ECAMSize}}
}

// DecodeECAM splits an offset into the ECAM window into the function
// address and the configuration register.
func DecodeECAM(offset uint64) (Address, int) {
	return Address{
		Bus:  uint8(offset >> 20),
		Slot: uint8(offset>>15) & 0x1f,
		Func: uint8(offset>>12) & 0x7,
	}, int(offset & 0xfff)
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) ReadMMIO(addr uint64, data []byte) error {
	if addr < ECAMBase || addr-ECAMBase >= ECAMSize {
		return fmt.Errorf("pci host bridge: read outside config space %#x", addr)
	}
	fa, reg := DecodeECAM(addr - ECAMBase)

	if len(data) == 8 && reg&7 == 0 {
		storeLE(data[:4], uint64(h.ReadConfig(fa, reg, 4)))
		storeLE(data[4:], uint64(h.ReadConfig(fa, reg+4, 4)))
		return nil
	}
	switch len(data) {
	case 1, 2, 4:
		storeLE(data, uint64(h.ReadConfig(fa, reg, len(data))))
	default:
		for i := range data {
			data[i] = 0xff
		}
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (h *HostBridge) WriteMMIO(addr uint64, data []byte) error {
	if addr < ECAMBase || addr-ECAMBase >= ECAMSize {
		return fmt.Errorf("pci host bridge: write outside config space %#x", addr)
	}
	fa, reg := DecodeECAM(addr - ECAMBase)

	if len(data) == 8 && reg&7 == 0 {
		h.WriteConfig(fa, reg, 4, uint32(loadLE(data[:4])))
		h.WriteConfig(fa, reg+4, 4, uint32(loadLE(data[4:])))
		return nil
	}
	switch len(data) {
	case 1, 2, 4:
		h.WriteConfig(fa, reg, len(data), uint32(loadLE(data)))
	default:
		slog.Debug("pci: ECAM write of odd size dropped", "addr", fmt.Sprintf("%#x", addr), "size", len(data))
	}
	return nil
}

var (
	_ hv.Device               = (*HostBridge)(nil)
	_ hv.MemoryMappedIODevice = (*HostBridge)(nil)
	_ chipset.MmioHandler     = (*HostBridge)(nil)
)
