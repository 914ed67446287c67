package pci

import (
	"testing"
)

type addrChange struct {
	index      int
	registered bool
	typ        BarType
	size       uint64
	addr       uint64
}

// remapBackend records BAR address changes and optionally claims them.
type remapBackend struct {
	fakeBackend
	claim   bool
	changes []addrChange
}

func (b *remapBackend) BarAddressChanged(fn *Function, index int, registered bool, bar Bar) bool {
	b.changes = append(b.changes, addrChange{
		index:      index,
		registered: registered,
		typ:        bar.Type,
		size:       bar.Size,
		addr:       bar.Addr,
	})
	return b.claim
}

func newRemapBackend(claim bool) *remapBackend {
	return &remapBackend{
		fakeBackend: fakeBackend{setup: func(fn *Function) error {
			return fn.RequestBar(0, BarMem32, 4096)
		}},
		claim: claim,
	}
}

func TestAddressChangeNotifications(t *testing.T) {
	backend := newRemapBackend(false)
	env := newTestEnv(t, device(0, 1, 0, backend))
	fn := env.fn(t, 0, 1, 0)
	base := fn.Bar(0).Addr

	env.write(fn, RegCommand, 2, CommandBusMaster)
	env.write(fn, RegCommand, 2, CommandBusMaster|CommandMemory)
	env.write(fn, RegBAR0, 4, 0xD0000000)

	want := []addrChange{
		{0, true, BarMem32, 4096, base},
		{0, false, BarMem32, 4096, base},
		{0, true, BarMem32, 4096, base},
		{0, false, BarMem32, 4096, base},
		{0, true, BarMem32, 4096, 0xD0000000},
	}
	if len(backend.changes) != len(want) {
		t.Fatalf("changes = %+v, want %+v", backend.changes, want)
	}
	for i := range want {
		if backend.changes[i] != want[i] {
			t.Fatalf("change %d = %+v, want %+v", i, backend.changes[i], want[i])
		}
	}

	// The core still installs its own handler.
	if got := env.mmioRead(t, 0xD0000008, 4); got != 8 {
		t.Fatalf("BAR read = %#x, want 8", got)
	}
}

func TestClaimedBarHasNoCoreHandler(t *testing.T) {
	backend := newRemapBackend(true)
	env := newTestEnv(t, device(0, 1, 0, backend))
	fn := env.fn(t, 0, 1, 0)
	base := fn.Bar(0).Addr

	if got := fn.MappedBars()[0]; got != base {
		t.Fatalf("claimed BAR decodes at %#x, want %#x", got, base)
	}
	if got := env.mmioRead(t, base+8, 4); got != 0xFFFFFFFF {
		t.Fatalf("read of claimed BAR = %#x, want all-ones from the hole", got)
	}
	if backend.reads != 0 {
		t.Fatalf("core forwarded %d reads for a claimed BAR", backend.reads)
	}

	env.write(fn, RegCommand, 2, CommandBusMaster)
	last := backend.changes[len(backend.changes)-1]
	if last.registered || last.addr != base {
		t.Fatalf("decode disable reported as %+v", last)
	}
}

func TestCollidingBarIsNotRecorded(t *testing.T) {
	a, b := newRemapBackend(false), newRemapBackend(false)
	env := newTestEnv(t, device(0, 1, 0, a), device(0, 2, 0, b))
	fa, fb := env.fn(t, 0, 1, 0), env.fn(t, 0, 2, 0)
	taken := fa.Bar(0).Addr

	env.write(fb, RegBAR0, 4, uint32(taken))
	if got := fb.MappedBars()[0]; got != 0 {
		t.Fatalf("colliding BAR reported as decoding at %#x", got)
	}
	last := b.changes[len(b.changes)-1]
	if last.registered || last.addr != taken {
		t.Fatalf("failed mapping reported as %+v, want unregistration", last)
	}
	if got := fa.MappedBars()[0]; got != taken {
		t.Fatalf("original BAR lost its mapping: %#x", got)
	}

	// Moving it somewhere free maps it.
	env.write(fb, RegBAR0, 4, 0xD0000000)
	if got := fb.MappedBars()[0]; got != 0xD0000000 {
		t.Fatalf("BAR decodes at %#x after move, want 0xd0000000", got)
	}
}
