package pci

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// IOAPICPool hands out I/O APIC inputs reserved for PCI, round-robin.
type IOAPICPool struct {
	mu    sync.Mutex
	first uint8
	count int
	next  int
}

// NewIOAPICPool returns a pool of count inputs starting at first.
func NewIOAPICPool(first uint8, count int) *IOAPICPool {
	return &IOAPICPool{first: first, count: count}
}

// DefaultIOAPICPool uses inputs 16-23.
func DefaultIOAPICPool() *IOAPICPool {
	return NewIOAPICPool(16, 8)
}

// Alloc returns the next input. Inputs are shared once the pool wraps.
func (p *IOAPICPool) Alloc() (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count <= 0 {
		return 0, fmt.Errorf("I/O APIC inputs: %w", ErrIRQPoolExhausted)
	}
	irq := p.first + uint8(p.next%p.count)
	p.next++
	return irq, nil
}

const (
	numPIRQPins = 8
	numISAIRQs  = 16

	// DefaultPIRQMask allows ISA IRQs 3-7, 9-12, 14 and 15.
	DefaultPIRQMask = 0xdef8
)

type pirqPinState struct {
	useCount int
	irq      uint8
	routed   bool
}

// PIRQPool models the PIRQA-PIRQH routing pins of the chipset. Each pin is
// bound to an ISA IRQ the first time it is handed out.
type PIRQPool struct {
	mu       sync.Mutex
	pins     [numPIRQPins]pirqPinState
	allowed  *bitset.BitSet
	irqCount [numISAIRQs]int
}

// NewPIRQPool returns a pool whose pins may use the ISA IRQs set in mask.
func NewPIRQPool(mask uint16) *PIRQPool {
	allowed := bitset.New(numISAIRQs)
	for irq := uint(0); irq < numISAIRQs; irq++ {
		if mask&(1<<irq) != 0 {
			allowed.Set(irq)
		}
	}
	return &PIRQPool{allowed: allowed}
}

// DefaultPIRQPool returns a pool using DefaultPIRQMask.
func DefaultPIRQPool() *PIRQPool {
	return NewPIRQPool(DefaultPIRQMask)
}

// Reserve removes irq from the set PIRQ pins may be routed to. Legacy
// devices call it before interrupts are routed.
func (p *PIRQPool) Reserve(irq uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowed.Clear(uint(irq))
}

// Alloc returns the least used PIRQ pin (1-8), routing it to the least
// used permitted ISA IRQ if it has no IRQ yet.
func (p *PIRQPool) Alloc() (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := 0
	for pin := 1; pin < numPIRQPins; pin++ {
		if p.pins[pin].useCount < p.pins[best].useCount {
			best = pin
		}
	}

	if !p.pins[best].routed {
		bestIRQ := -1
		for irq, ok := p.allowed.NextSet(0); ok; irq, ok = p.allowed.NextSet(irq + 1) {
			if bestIRQ < 0 || p.irqCount[irq] < p.irqCount[bestIRQ] {
				bestIRQ = int(irq)
			}
		}
		if bestIRQ < 0 {
			return 0, fmt.Errorf("PIRQ ISA IRQs: %w", ErrIRQPoolExhausted)
		}
		p.irqCount[bestIRQ]++
		p.pins[best].irq = uint8(bestIRQ)
		p.pins[best].routed = true
	}

	p.pins[best].useCount++
	return uint8(best + 1), nil
}

// IRQ returns the ISA IRQ pin (1-8) is routed to, or 0xff if unrouted.
func (p *PIRQPool) IRQ(pin uint8) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pin < 1 || int(pin) > numPIRQPins || !p.pins[pin-1].routed {
		return 0xff
	}
	return p.pins[pin-1].irq
}

// PIRQName returns the ACPI link device name of a PIRQ pin.
func PIRQName(pin uint8) string {
	if pin < 1 || int(pin) > numPIRQPins {
		return ""
	}
	return fmt.Sprintf("LNK%c", 'A'+pin-1)
}
