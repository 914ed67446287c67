package pci

import (
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/pciemu/internal/hv"
)

type msiSnapshot struct {
	Enabled   bool
	Addr      uint64
	Data      uint16
	MaxMsgNum int
}

type msixSnapshot struct {
	Enabled      bool
	FunctionMask bool
	Table        [][4]uint32
	Pending      []uint
}

type functionSnapshot struct {
	Address Address
	Device  string
	Config  []byte
	Bars    [ROMIndex + 1]Bar
	MSI     msiSnapshot
	MSIX    msixSnapshot
	INTx    IntxState
	Backend hv.DeviceSnapshot
}

type hostBridgeSnapshot struct {
	Functions []functionSnapshot
}

// DeviceId implements hv.DeviceSnapshotter.
func (h *HostBridge) DeviceId() string { return "pci" }

// ConfigHash identifies the topology: memory sizes, function placement,
// BAR shapes and interrupt pins. Guest programmed state is not included.
func (h *HostBridge) ConfigHash() hv.VMConfigHash {
	var lowMem, highMem uint64
	if h.layout != nil {
		lowMem, highMem = h.layout.LowMemSize(), h.layout.HighMemSize()
	}
	var configs []hv.DeviceConfig
	for _, bus := range h.registry.Buses() {
		for _, fn := range bus.Functions() {
			id := fmt.Sprintf("%s/%s", fn.addr, fn.device)
			configs = append(configs, hv.DeviceConfig{ID: id, IRQLine: uint32(fn.INTxPin())})
			for i, bar := range fn.Bars() {
				if bar.Type == BarNone {
					continue
				}
				configs = append(configs, hv.DeviceConfig{
					ID:   fmt.Sprintf("%s/bar%d", id, i),
					Base: uint64(bar.Type),
					Size: bar.Size,
				})
			}
		}
	}
	return hv.ComputeConfigHash(lowMem, highMem, configs)
}

// CaptureSnapshot implements hv.DeviceSnapshotter.
func (h *HostBridge) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	snap := &hostBridgeSnapshot{}
	for _, bus := range h.registry.Buses() {
		for _, fn := range bus.Functions() {
			fs, err := fn.captureSnapshot()
			if err != nil {
				return nil, err
			}
			snap.Functions = append(snap.Functions, fs)
		}
	}
	return snap, nil
}

func (f *Function) captureSnapshot() (functionSnapshot, error) {
	f.mu.RLock()
	fs := functionSnapshot{
		Address: f.addr,
		Device:  f.device,
		Config:  f.snapshotConfig(),
		Bars:    f.bars,
		MSI: msiSnapshot{
			Enabled:   f.msi.enabled,
			Addr:      f.msi.addr,
			Data:      f.msi.data,
			MaxMsgNum: f.msi.maxMsgNum,
		},
	}
	if f.msix.present {
		fs.MSIX.Enabled = f.msix.enabled
		fs.MSIX.FunctionMask = f.msix.functionMask
		fs.MSIX.Table = make([][4]uint32, len(f.msix.table))
		for i, e := range f.msix.table {
			fs.MSIX.Table[i] = e
		}
		for i, ok := f.msix.pending.NextSet(0); ok; i, ok = f.msix.pending.NextSet(i + 1) {
			fs.MSIX.Pending = append(fs.MSIX.Pending, i)
		}
	}
	f.mu.RUnlock()

	fs.INTx = f.INTxState()

	if s, ok := f.backend.(Snapshotter); ok {
		bs, err := s.CaptureSnapshot(f)
		if err != nil {
			return functionSnapshot{}, fmt.Errorf("pci %s: capture %s: %w", f.addr, f.device, err)
		}
		fs.Backend = bs
	}
	return fs, nil
}

// RestoreSnapshot implements hv.DeviceSnapshotter. The topology must match
// the one the snapshot was taken from.
func (h *HostBridge) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*hostBridgeSnapshot)
	if !ok {
		return fmt.Errorf("pci: invalid snapshot type %T", snap)
	}
	for _, fs := range data.Functions {
		fn := h.registry.Find(fs.Address)
		if fn == nil || fn.device != fs.Device {
			return fmt.Errorf("pci %s: restore %s: %w", fs.Address, fs.Device, ErrNoSuchDevice)
		}
		if err := fn.restoreSnapshot(fs); err != nil {
			return err
		}
	}
	return nil
}

func (f *Function) restoreSnapshot(fs functionSnapshot) error {
	f.mu.Lock()
	for i := range f.bars {
		f.unmapBar(i)
	}
	f.restoreConfig(fs.Config)
	f.bars = fs.Bars

	f.msi = msiState{
		enabled:   fs.MSI.Enabled,
		addr:      fs.MSI.Addr,
		data:      fs.MSI.Data,
		maxMsgNum: fs.MSI.MaxMsgNum,
	}
	f.msiEnabled.Store(f.msi.enabled)

	if f.msix.present {
		if len(fs.MSIX.Table) != len(f.msix.table) {
			f.mu.Unlock()
			return fmt.Errorf("pci %s: MSI-X table has %d entries, snapshot %d",
				f.addr, len(f.msix.table), len(fs.MSIX.Table))
		}
		f.msix.enabled = fs.MSIX.Enabled
		f.msix.functionMask = fs.MSIX.FunctionMask
		for i, e := range fs.MSIX.Table {
			f.msix.table[i] = e
		}
		f.msix.pending.ClearAll()
		for _, i := range fs.MSIX.Pending {
			f.msix.pending.Set(i)
		}
		f.msixEnabled.Store(f.msix.enabled)
	}

	cmd := f.command()
	for i, bar := range f.bars {
		switch bar.Type {
		case BarIO:
			if cmd&CommandIO != 0 {
				f.mapBar(i)
			}
		case BarMem32, BarMem64:
			if cmd&CommandMemory != 0 {
				f.mapBar(i)
			}
		case BarROM:
			if cmd&CommandMemory != 0 && bar.LoBits != 0 {
				f.mapBar(i)
			}
		}
	}
	f.mu.Unlock()

	f.intx.mu.Lock()
	if f.intx.state == IntxAsserted {
		f.setINTxLevel(false)
	}
	f.intx.state = fs.INTx
	if f.intx.state == IntxAsserted {
		f.setINTxLevel(true)
	}
	f.intx.mu.Unlock()

	if s, ok := f.backend.(Snapshotter); ok && fs.Backend != nil {
		if err := s.RestoreSnapshot(f, fs.Backend); err != nil {
			return fmt.Errorf("pci %s: restore %s: %w", f.addr, f.device, err)
		}
	}
	return nil
}

// SaveSnapshot writes the state of every function to w behind a snapshot
// header carrying the topology hash.
func (h *HostBridge) SaveSnapshot(w io.Writer) error {
	snap, err := h.CaptureSnapshot()
	if err != nil {
		return err
	}
	if err := hv.WriteSnapshotHeader(w, h.ConfigHash()); err != nil {
		return fmt.Errorf("pci: write snapshot header: %w", err)
	}
	var ds hv.DeviceSnapshot = snap
	if err := gob.NewEncoder(w).Encode(&ds); err != nil {
		return fmt.Errorf("pci: encode snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a stream written by SaveSnapshot and restores it.
func (h *HostBridge) LoadSnapshot(r io.Reader) error {
	if err := hv.ReadSnapshotHeader(r, h.ConfigHash()); err != nil {
		return fmt.Errorf("pci: %w", err)
	}
	var ds hv.DeviceSnapshot
	if err := gob.NewDecoder(r).Decode(&ds); err != nil {
		return fmt.Errorf("pci: decode snapshot: %w", err)
	}
	return h.RestoreSnapshot(ds)
}

// Pause quiesces the function named name. Unknown names and backends
// without pause support are not errors.
func (h *HostBridge) Pause(name string) error {
	fn := h.FindByName(name)
	if fn == nil {
		slog.Info("pci: pause: no such device", "name", name)
		return nil
	}
	p, ok := fn.backend.(Pauser)
	if !ok {
		return nil
	}
	if err := p.Pause(fn); err != nil {
		return fmt.Errorf("pci %s: pause %s: %w", fn.addr, name, err)
	}
	return nil
}

// Resume undoes Pause.
func (h *HostBridge) Resume(name string) error {
	fn := h.FindByName(name)
	if fn == nil {
		slog.Info("pci: resume: no such device", "name", name)
		return nil
	}
	p, ok := fn.backend.(Pauser)
	if !ok {
		return nil
	}
	if err := p.Resume(fn); err != nil {
		return fmt.Errorf("pci %s: resume %s: %w", fn.addr, name, err)
	}
	return nil
}

var _ hv.DeviceSnapshotter = (*HostBridge)(nil)
