package pci

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/pciemu/internal/chipset"
)

// IntxState is the legacy interrupt state of a function.
type IntxState uint8

const (
	IntxIdle IntxState = iota
	IntxPending
	IntxAsserted
)

func (s IntxState) String() string {
	switch s {
	case IntxIdle:
		return "idle"
	case IntxPending:
		return "pending"
	case IntxAsserted:
		return "asserted"
	default:
		return fmt.Sprintf("IntxState(%d)", uint8(s))
	}
}

// intxPin is the routing shared by every function of a slot that uses the
// same INTx pin.
type intxPin struct {
	count     int
	pirqPin   uint8
	ioapicIRQ uint8
}

type intxState struct {
	mu sync.Mutex

	// pin is 1-4 for INTA-INTD, 0 when the function has no pin.
	pin       uint8
	state     IntxState
	pirqPin   uint8
	ioapicIRQ uint8

	ioapicLine chipset.LineInterrupt
	pirqLine   chipset.LineInterrupt
}

// RequestINTx assigns the least loaded INTx pin of the slot to fn. Ties go
// to the lowest pin. Calling it again is a no-op.
func (f *Function) RequestINTx() error {
	f.intx.mu.Lock()
	defer f.intx.mu.Unlock()
	if f.intx.pin != 0 {
		return nil
	}
	if f.host == nil || f.host.registry.Sealed() {
		return fmt.Errorf("pci %s: request INTx: %w", f.addr, ErrTopologySealed)
	}
	slot := f.host.registry.slotOf(f.addr)
	if slot == nil {
		return fmt.Errorf("pci %s: request INTx: %w", f.addr, ErrNoSuchDevice)
	}

	best := 0
	for pin := 1; pin < len(slot.pins); pin++ {
		if slot.pins[pin].count < slot.pins[best].count {
			best = pin
		}
	}
	slot.pins[best].count++
	f.intx.pin = uint8(best + 1)
	f.SetConfig8(RegInterruptPin, f.intx.pin)
	return nil
}

// routeINTx binds the function's pin to a PIRQ line and an I/O APIC
// input, allocating them for the slot pin on first use.
func (f *Function) routeINTx(h *HostBridge) error {
	f.intx.mu.Lock()
	defer f.intx.mu.Unlock()
	if f.intx.pin == 0 {
		return nil
	}
	slot := h.registry.slotOf(f.addr)
	sp := &slot.pins[f.intx.pin-1]

	if sp.ioapicIRQ == 0 {
		irq, err := h.ioapic.Alloc()
		if err != nil {
			return fmt.Errorf("pci %s: route INT%c: %w", f.addr, 'A'+f.intx.pin-1, err)
		}
		sp.ioapicIRQ = irq
	}
	if sp.pirqPin == 0 {
		pin, err := h.pirq.Alloc()
		if err != nil {
			return fmt.Errorf("pci %s: route INT%c: %w", f.addr, 'A'+f.intx.pin-1, err)
		}
		sp.pirqPin = pin
	}

	f.intx.ioapicIRQ = sp.ioapicIRQ
	f.intx.pirqPin = sp.pirqPin
	isaIRQ := h.pirq.IRQ(sp.pirqPin)
	f.SetConfig8(RegInterruptLn, isaIRQ)

	if h.lines != nil {
		f.intx.ioapicLine = h.lines.AllocateLine(sp.ioapicIRQ)
	}
	if h.isa != nil {
		f.intx.pirqLine = h.isa.AllocateLine(isaIRQ)
	}
	slog.Debug("pci: INTx routed", "fn", f.addr, "pin", f.intx.pin,
		"pirq", sp.pirqPin, "isa_irq", isaIRQ, "ioapic_irq", sp.ioapicIRQ)
	return nil
}

// intxPermitted reports whether legacy interrupts may be delivered: MSI
// and MSI-X are off and INTx is not disabled in the command register.
func (f *Function) intxPermitted() bool {
	return !f.msiEnabled.Load() && !f.msixEnabled.Load() &&
		f.command()&CommandINTxDisable == 0
}

// AssertINTx raises the function's legacy interrupt. If delivery is not
// currently permitted the interrupt is held pending.
func (f *Function) AssertINTx() {
	f.intx.mu.Lock()
	defer f.intx.mu.Unlock()
	if f.intx.pin == 0 {
		slog.Debug("pci: INTx assert without pin", "fn", f.addr)
		return
	}
	if f.intx.state != IntxIdle {
		return
	}
	if f.intxPermitted() {
		f.intx.state = IntxAsserted
		f.setINTxLevel(true)
	} else {
		f.intx.state = IntxPending
	}
}

// DeassertINTx lowers the function's legacy interrupt.
func (f *Function) DeassertINTx() {
	f.intx.mu.Lock()
	defer f.intx.mu.Unlock()
	if f.intx.pin == 0 {
		slog.Debug("pci: INTx deassert without pin", "fn", f.addr)
		return
	}
	switch f.intx.state {
	case IntxAsserted:
		f.intx.state = IntxIdle
		f.setINTxLevel(false)
	case IntxPending:
		f.intx.state = IntxIdle
	}
}

// reevaluateINTx moves between asserted and pending after a change to
// the interrupt enables.
func (f *Function) reevaluateINTx() {
	f.intx.mu.Lock()
	defer f.intx.mu.Unlock()
	permitted := f.intxPermitted()
	switch {
	case f.intx.state == IntxAsserted && !permitted:
		f.setINTxLevel(false)
		f.intx.state = IntxPending
	case f.intx.state == IntxPending && permitted:
		f.intx.state = IntxAsserted
		f.setINTxLevel(true)
	}
}

func (f *Function) setINTxLevel(high bool) {
	if f.intx.ioapicLine != nil {
		f.intx.ioapicLine.SetLevel(high)
	}
	if f.intx.pirqLine != nil {
		f.intx.pirqLine.SetLevel(high)
	}
}

// INTxState returns the current legacy interrupt state.
func (f *Function) INTxState() IntxState {
	f.intx.mu.Lock()
	defer f.intx.mu.Unlock()
	return f.intx.state
}

// INTxPin returns the assigned pin (1-4 for INTA-INTD) or 0.
func (f *Function) INTxPin() uint8 {
	f.intx.mu.Lock()
	defer f.intx.mu.Unlock()
	return f.intx.pin
}

// INTxRoute returns the PIRQ pin and I/O APIC input the function's pin is
// routed to. Both are 0 before routing.
func (f *Function) INTxRoute() (pirqPin, ioapicIRQ uint8) {
	f.intx.mu.Lock()
	defer f.intx.mu.Unlock()
	return f.intx.pirqPin, f.intx.ioapicIRQ
}
