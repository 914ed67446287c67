package pci

import (
	"errors"
	"testing"
)

func TestIOAPICPoolWraps(t *testing.T) {
	pool := DefaultIOAPICPool()
	for i := 0; i < 9; i++ {
		irq, err := pool.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if want := uint8(16 + i%8); irq != want {
			t.Fatalf("allocation %d = %d, want %d", i, irq, want)
		}
	}

	if _, err := NewIOAPICPool(16, 0).Alloc(); !errors.Is(err, ErrIRQPoolExhausted) {
		t.Fatalf("empty pool Alloc = %v, want ErrIRQPoolExhausted", err)
	}
}

func TestPIRQPoolSpreadsPins(t *testing.T) {
	pool := DefaultPIRQPool()
	wantIRQ := []uint8{3, 4, 5, 6, 7, 9, 10, 11}
	for i, irq := range wantIRQ {
		pin, err := pool.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		if pin != uint8(i+1) {
			t.Fatalf("allocation %d got pin %d, want %d", i, pin, i+1)
		}
		if got := pool.IRQ(pin); got != irq {
			t.Fatalf("pin %d routed to IRQ %d, want %d", pin, got, irq)
		}
	}

	// Every pin is used once, so the lowest pin is shared next.
	pin, err := pool.Alloc()
	if err != nil || pin != 1 {
		t.Fatalf("ninth Alloc = %d, %v, want pin 1", pin, err)
	}
	if got := pool.IRQ(pin); got != 3 {
		t.Fatalf("shared pin rerouted to %d", got)
	}
}

func TestPIRQPoolReserve(t *testing.T) {
	pool := DefaultPIRQPool()
	pool.Reserve(3)
	pool.Reserve(4)

	pin, err := pool.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if got := pool.IRQ(pin); got != 5 {
		t.Fatalf("first pin routed to IRQ %d, want 5", got)
	}
}

func TestPIRQPoolSharesIRQsWhenShort(t *testing.T) {
	pool := NewPIRQPool(1<<10 | 1<<11)
	var irqs []uint8
	for i := 0; i < 4; i++ {
		pin, err := pool.Alloc()
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		irqs = append(irqs, pool.IRQ(pin))
	}
	want := []uint8{10, 11, 10, 11}
	for i := range want {
		if irqs[i] != want[i] {
			t.Fatalf("IRQs = %v, want %v", irqs, want)
		}
	}

	if _, err := NewPIRQPool(0).Alloc(); !errors.Is(err, ErrIRQPoolExhausted) {
		t.Fatalf("Alloc with no IRQs = %v, want ErrIRQPoolExhausted", err)
	}
}

func TestPIRQNames(t *testing.T) {
	if got := PIRQName(1); got != "LNKA" {
		t.Fatalf("PIRQName(1) = %q", got)
	}
	if got := PIRQName(8); got != "LNKH" {
		t.Fatalf("PIRQName(8) = %q", got)
	}
	if got := PIRQName(9); got != "" {
		t.Fatalf("PIRQName(9) = %q, want empty", got)
	}
	if got := DefaultPIRQPool().IRQ(1); got != 0xff {
		t.Fatalf("unrouted pin IRQ = %d, want 0xff", got)
	}
}
