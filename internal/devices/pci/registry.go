package pci

import (
	"fmt"
)

// Address identifies a PCI function.
type Address struct {
	Bus  uint8
	Slot uint8
	Func uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x", a.Bus, a.Slot, a.Func)
}

// Valid reports whether the slot and function numbers are in range.
func (a Address) Valid() bool {
	return a.Slot < MaxSlots && a.Func < MaxFuncs
}

// Window is a half-open [Base, Limit) address range.
type Window struct {
	Base  uint64
	Limit uint64
}

// Size returns the number of bytes covered by the window.
func (w Window) Size() uint64 {
	if w.Limit <= w.Base {
		return 0
	}
	return w.Limit - w.Base
}

// Contains reports whether [addr, addr+size) lies inside the window.
func (w Window) Contains(addr, size uint64) bool {
	return addr >= w.Base && addr+size >= addr && addr+size <= w.Limit
}

// BusWindows are the address ranges decoded by one bus.
type BusWindows struct {
	IO    Window
	Mem32 Window
	Mem64 Window
}

// Bus is one PCI bus of the topology.
type Bus struct {
	Number  uint8
	Windows BusWindows

	slots [MaxSlots]Slot
}

// Slot returns the slot with the given number.
func (b *Bus) Slot(n uint8) *Slot {
	if int(n) >= MaxSlots {
		return nil
	}
	return &b.slots[n]
}

// Functions returns every function of the bus, slot-major.
func (b *Bus) Functions() []*Function {
	var out []*Function
	for s := range b.slots {
		for _, fn := range b.slots[s].funcs {
			if fn != nil {
				out = append(out, fn)
			}
		}
	}
	return out
}

// Slot owns the functions of one device slot and the INTx pins they share.
type Slot struct {
	funcs [MaxFuncs]*Function
	pins  [4]intxPin
}

// NumFunctions returns the number of populated functions.
func (s *Slot) NumFunctions() int {
	n := 0
	for _, fn := range s.funcs {
		if fn != nil {
			n++
		}
	}
	return n
}

// Function returns function n of the slot, or nil.
func (s *Slot) Function(n uint8) *Function {
	if int(n) >= MaxFuncs {
		return nil
	}
	return s.funcs[n]
}

// Registry is the bus/slot/function table of one VM. Functions can only be
// inserted before the registry is sealed; afterwards its shape is
// immutable and lookups need no locking.
type Registry struct {
	buses  [MaxBuses]*Bus
	byAddr map[Address]*Function
	sealed bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byAddr: make(map[Address]*Function)}
}

// Find returns the function at addr, or nil.
func (r *Registry) Find(addr Address) *Function {
	return r.byAddr[addr]
}

// Bus returns bus n, or nil if it was never created.
func (r *Registry) Bus(n uint8) *Bus {
	return r.buses[n]
}

// CreateBus returns bus n, creating it if needed.
func (r *Registry) CreateBus(n uint8) (*Bus, error) {
	if b := r.buses[n]; b != nil {
		return b, nil
	}
	if r.sealed {
		return nil, fmt.Errorf("create bus %d: %w", n, ErrTopologySealed)
	}
	b := &Bus{Number: n}
	r.buses[n] = b
	return b, nil
}

// Buses returns the existing buses in ascending order.
func (r *Registry) Buses() []*Bus {
	var out []*Bus
	for _, b := range r.buses {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Seal freezes the topology.
func (r *Registry) Seal() { r.sealed = true }

// Sealed reports whether the topology is frozen.
func (r *Registry) Sealed() bool { return r.sealed }

func (r *Registry) insert(fn *Function) error {
	if r.sealed {
		return fmt.Errorf("pci %s: %w", fn.addr, ErrTopologySealed)
	}
	if !fn.addr.Valid() {
		return fmt.Errorf("pci %s: %w", fn.addr, ErrBadAddress)
	}
	bus, err := r.CreateBus(fn.addr.Bus)
	if err != nil {
		return err
	}
	slot := &bus.slots[fn.addr.Slot]
	if slot.funcs[fn.addr.Func] != nil {
		return fmt.Errorf("pci %s: %w", fn.addr, ErrSlotOccupied)
	}
	slot.funcs[fn.addr.Func] = fn
	r.byAddr[fn.addr] = fn
	return nil
}

func (r *Registry) remove(fn *Function) {
	bus := r.buses[fn.addr.Bus]
	if bus == nil {
		return
	}
	slot := &bus.slots[fn.addr.Slot]
	if slot.funcs[fn.addr.Func] == fn {
		slot.funcs[fn.addr.Func] = nil
		delete(r.byAddr, fn.addr)
	}
}

func (r *Registry) slotOf(addr Address) *Slot {
	bus := r.buses[addr.Bus]
	if bus == nil || int(addr.Slot) >= MaxSlots {
		return nil
	}
	return &bus.slots[addr.Slot]
}

// isMultiFunction reports whether more than one function is populated in
// the slot that holds addr.
func (r *Registry) isMultiFunction(addr Address) bool {
	slot := r.slotOf(addr)
	return slot != nil && slot.NumFunctions() > 1
}
