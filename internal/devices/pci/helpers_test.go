package pci

import (
	"sync"
	"testing"

	"github.com/tinyrange/pciemu/internal/chipset"
	"github.com/tinyrange/pciemu/internal/hv"
)

type irqCall struct {
	line  uint8
	level bool
}

type recordingSink struct {
	mu    sync.Mutex
	calls []irqCall
}

func (s *recordingSink) SetIRQ(line uint8, level bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, irqCall{line: line, level: level})
}

func (s *recordingSink) count(line uint8, level bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.line == line && c.level == level {
			n++
		}
	}
	return n
}

type msiCall struct {
	addr uint64
	data uint32
}

type msiRecorder struct {
	mu    sync.Mutex
	calls []msiCall
}

func (r *msiRecorder) signal(addr uint64, data uint32, flags uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, msiCall{addr: addr, data: data})
	return nil
}

func (r *msiRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// fakeBackend runs setup during Init and records BAR traffic.
type fakeBackend struct {
	setup func(fn *Function) error

	mu     sync.Mutex
	reads  int
	writes []uint64
	paused int
}

func (b *fakeBackend) Init(fn *Function, opts Options) error {
	fn.SetIdentity(0x1234, 0x5678, 0x02, 0x00, 0x00)
	if b.setup != nil {
		return b.setup(fn)
	}
	return nil
}

func (b *fakeBackend) BarRead(fn *Function, index int, offset uint64, size int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++
	return uint64(index)<<16 | offset
}

func (b *fakeBackend) BarWrite(fn *Function, index int, offset uint64, size int, value uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writes = append(b.writes, value)
}

func (b *fakeBackend) Pause(fn *Function) error {
	b.paused++
	return nil
}

func (b *fakeBackend) Resume(fn *Function) error {
	b.paused--
	return nil
}

type testEnv struct {
	host *HostBridge
	cs   *chipset.Chipset
	sink *recordingSink
	msi  *msiRecorder
	vm   *hv.SimpleVM
}

func newTestEnv(t *testing.T, devices ...DeviceConfig) *testEnv {
	t.Helper()
	env, err := buildTestEnv(devices...)
	if err != nil {
		t.Fatalf("init host bridge: %v", err)
	}
	return env
}

func buildTestEnv(devices ...DeviceConfig) (*testEnv, error) {
	env := &testEnv{
		cs:   chipset.New(),
		sink: &recordingSink{},
		msi:  &msiRecorder{},
	}
	env.vm = &hv.SimpleVM{
		Layout:  hv.NewMemoryLayout(2*hv.GiB, 0),
		MSIFunc: env.msi.signal,
	}
	env.host = NewHostBridge(HostBridgeConfig{
		Chipset: env.cs,
		Lines:   chipset.NewLineSet(env.sink),
		Devices: devices,
	})
	return env, env.host.Init(env.vm)
}

func device(bus, slot, fn uint8, b Backend) DeviceConfig {
	return DeviceConfig{
		Address: Address{Bus: bus, Slot: slot, Func: fn},
		Device:  "test",
		Backend: b,
	}
}

func withBars(bars ...Bar) *fakeBackend {
	return &fakeBackend{setup: func(fn *Function) error {
		for i, bar := range bars {
			if bar.Type == BarNone {
				continue
			}
			index := i
			if bar.Type == BarROM {
				index = ROMIndex
			}
			if err := fn.RequestBar(index, bar.Type, bar.Size); err != nil {
				return err
			}
		}
		return nil
	}}
}

func (e *testEnv) fn(t *testing.T, bus, slot, f uint8) *Function {
	t.Helper()
	fn := e.host.Registry().Find(Address{Bus: bus, Slot: slot, Func: f})
	if fn == nil {
		t.Fatalf("no function at %02x:%02x.%x", bus, slot, f)
	}
	return fn
}

func (e *testEnv) read(fn *Function, off, width int) uint32 {
	return e.host.ReadConfig(fn.Address(), off, width)
}

func (e *testEnv) write(fn *Function, off, width int, v uint32) {
	e.host.WriteConfig(fn.Address(), off, width, v)
}

func (e *testEnv) mmioRead(t *testing.T, addr uint64, size int) uint64 {
	t.Helper()
	data := make([]byte, size)
	if err := e.cs.HandleMMIO(addr, data, false); err != nil {
		t.Fatalf("MMIO read %#x: %v", addr, err)
	}
	return loadLE(data)
}

func (e *testEnv) mmioWrite(t *testing.T, addr uint64, size int, v uint64) {
	t.Helper()
	data := make([]byte, size)
	storeLE(data, v)
	if err := e.cs.HandleMMIO(addr, data, true); err != nil {
		t.Fatalf("MMIO write %#x: %v", addr, err)
	}
}
