package hv

import (
	"fmt"
	"sync"
)

const (
	GiB = uint64(1) << 30
	MiB = uint64(1) << 20

	// FourGiB is where guest high memory starts on x86_64.
	FourGiB = 4 * GiB

	defaultLowMemLimit = 3 * GiB
)

// MemoryLayout tracks the guest physical memory map of an x86_64 VM:
//
//	[0, lowMem)               guest system memory
//	[lowMem, lowMemLimit)     memory hole (may be absent)
//	[lowMemLimit, 0xC0000000) graphics stolen memory (may be absent)
//	[0xC0000000, 0xE0000000)  PCI hole (32-bit BAR allocation)
//	[0xE0000000, 0xF0000000)  PCI extended config window
//	[0xF0000000, 4GiB)        LAPIC, IOAPIC, HPET, firmware
//	[4GiB, 4GiB + highMem)    guest high memory
type MemoryLayout struct {
	mu sync.Mutex

	lowMemSize  uint64
	lowMemLimit uint64
	highMemSize uint64

	fixedRegions []MMIOAllocation
}

// MMIOAllocation names a fixed region of the guest physical address space.
type MMIOAllocation struct {
	Name string
	Base uint64
	Size uint64
}

// NewMemoryLayout creates a layout with lowMem bytes of RAM below the PCI
// hole and highMem bytes above 4GiB.
func NewMemoryLayout(lowMem, highMem uint64) *MemoryLayout {
	return &MemoryLayout{
		lowMemSize:  lowMem,
		lowMemLimit: max(lowMem, defaultLowMemLimit),
		highMemSize: highMem,
	}
}

// LowMemSize returns the amount of RAM mapped below 4GiB.
func (m *MemoryLayout) LowMemSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowMemSize
}

// HighMemSize returns the amount of RAM mapped above 4GiB.
func (m *MemoryLayout) HighMemSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highMemSize
}

// LowMemLimit returns the end of the low memory hole, which is where
// graphics stolen memory begins.
func (m *MemoryLayout) LowMemLimit() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowMemLimit
}

// SetLowMemLimit moves the end of the low memory hole. The limit can only
// shrink, and never below the low RAM size.
func (m *MemoryLayout) SetLowMemLimit(limit uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit < m.lowMemSize {
		return fmt.Errorf("memory layout: low memory limit 0x%x below RAM end 0x%x: %w",
			limit, m.lowMemSize, ErrLayoutOverlapRAM)
	}
	m.lowMemLimit = min(m.lowMemLimit, limit)
	return nil
}

// RegisterFixed registers a pre-determined region of the physical address
// space. It fails if the region overlaps guest RAM.
func (m *MemoryLayout) RegisterFixed(name string, base, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("memory layout: cannot register zero-size fixed region %s", name)
	}
	region := MMIORegion{Address: base, Size: size}
	low := MMIORegion{Address: 0, Size: m.lowMemSize}
	high := MMIORegion{Address: FourGiB, Size: m.highMemSize}
	if low.Size != 0 && region.Overlaps(low) {
		return fmt.Errorf("memory layout: fixed region %s [0x%x-0x%x) overlaps low RAM [0x0-0x%x): %w",
			name, base, region.End(), low.End(), ErrLayoutOverlapRAM)
	}
	if high.Size != 0 && region.Overlaps(high) {
		return fmt.Errorf("memory layout: fixed region %s [0x%x-0x%x) overlaps high RAM [0x%x-0x%x): %w",
			name, base, region.End(), high.Address, high.End(), ErrLayoutOverlapRAM)
	}

	m.fixedRegions = append(m.fixedRegions, MMIOAllocation{
		Name: name,
		Base: base,
		Size: size,
	})
	return nil
}

// FixedRegions returns a copy of all fixed regions.
func (m *MemoryLayout) FixedRegions() []MMIOAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]MMIOAllocation, len(m.fixedRegions))
	copy(result, m.fixedRegions)
	return result
}

// AlignUp aligns value up to the specified power-of-two alignment.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
