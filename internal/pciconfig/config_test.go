package pciconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinyrange/pciemu/internal/devices/pci"
	"github.com/tinyrange/pciemu/internal/hv"

	_ "github.com/tinyrange/pciemu/internal/devices/hostbridge"
	_ "github.com/tinyrange/pciemu/internal/devices/pcidummy"
)

func TestParseSlot(t *testing.T) {
	tests := []struct {
		in   string
		want DeviceSpec
	}{
		{"3,dummy", DeviceSpec{Slot: 3, Device: "dummy"}},
		{"3:1,dummy", DeviceSpec{Slot: 3, Func: 1, Device: "dummy"}},
		{"2:31:7,dummy", DeviceSpec{Bus: 2, Slot: 31, Func: 7, Device: "dummy"}},
		{"0,hostbridge,vendor=0x1022,devid=0x7432", DeviceSpec{
			Device:  "hostbridge",
			Options: map[string]string{"vendor": "0x1022", "devid": "0x7432"},
		}},
		{"4,dummy,msix,intx", DeviceSpec{
			Slot:    4,
			Device:  "dummy",
			Options: map[string]string{"msix": "true", "intx": "true"},
		}},
	}
	for _, tt := range tests {
		got, err := ParseSlot(tt.in)
		if err != nil {
			t.Fatalf("ParseSlot(%q): %v", tt.in, err)
		}
		if got.Address() != tt.want.Address() || got.Device != tt.want.Device {
			t.Fatalf("ParseSlot(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
		if len(got.Options) != len(tt.want.Options) {
			t.Fatalf("ParseSlot(%q) options = %v, want %v", tt.in, got.Options, tt.want.Options)
		}
		for k, v := range tt.want.Options {
			if got.Options[k] != v {
				t.Fatalf("ParseSlot(%q) option %s = %q, want %q", tt.in, k, got.Options[k], v)
			}
		}
	}
}

func TestParseSlotErrors(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"3", ErrInvalidTopology},
		{"3,", ErrInvalidTopology},
		{"x,dummy", ErrInvalidTopology},
		{"1:2:3:4,dummy", ErrInvalidTopology},
		{"32,dummy", pci.ErrBadAddress},
		{"1:8,dummy", pci.ErrBadAddress},
		{"256:0:0,dummy", pci.ErrBadAddress},
		{"-1,dummy", pci.ErrBadAddress},
	}
	for _, tt := range tests {
		if _, err := ParseSlot(tt.in); !errors.Is(err, tt.want) {
			t.Fatalf("ParseSlot(%q) = %v, want %v", tt.in, err, tt.want)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"4096", 4096},
		{"0x1000", 0x1000},
		{"0xB", 0xB},
		{"512M", 512 << 20},
		{"2G", 2 << 30},
		{"2GiB", 2 << 30},
		{"64kb", 64 << 10},
		{"1T", 1 << 40},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"", "G", "12Q", "99999999999T"} {
		if _, err := ParseSize(bad); err == nil {
			t.Fatalf("ParseSize(%q) succeeded", bad)
		}
	}
	if got := Size(3 << 30).String(); got != "3G" {
		t.Fatalf("String = %q", got)
	}
	if got := Size(1000).String(); got != "1000" {
		t.Fatalf("String = %q", got)
	}
}

const sampleTopology = `
memory:
  low: 1G
  high: 4G
pirq_mask: 0x0c00
ioapic:
  first: 16
  count: 4
devices:
  - slot: 0
    device: hostbridge
  - slot: 3
    device: dummy
    options:
      intx: true
slots:
  - "1:0:0,dummy,msix"
`

func TestParseTopology(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if topo.Memory.Low != Size(hv.GiB) || topo.Memory.High != Size(4*hv.GiB) {
		t.Fatalf("memory = %+v", topo.Memory)
	}
	if len(topo.Devices) != 3 {
		t.Fatalf("parsed %d devices, want 3", len(topo.Devices))
	}
	if got := topo.Devices[1].Options["intx"]; got != "true" {
		t.Fatalf("intx option = %q", got)
	}
	if got := topo.Devices[2]; got.Bus != 1 || got.Device != "dummy" || got.Options["msix"] != "true" {
		t.Fatalf("slot string device = %+v", got)
	}

	cfg := topo.HostBridgeConfig()
	if len(cfg.Devices) != 3 || cfg.PIRQ == nil || cfg.IOAPIC == nil {
		t.Fatalf("host bridge config = %+v", cfg)
	}
	if !cfg.Devices[1].Options.Bool("intx") {
		t.Fatalf("options not carried over")
	}

	layout := topo.MemoryLayout()
	if layout.LowMemSize() != hv.GiB || layout.HighMemSize() != 4*hv.GiB {
		t.Fatalf("layout = %d/%d", layout.LowMemSize(), layout.HighMemSize())
	}
}

func TestTopologyBuilds(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	host := pci.NewHostBridge(topo.HostBridgeConfig())
	if err := host.Init(&hv.SimpleVM{Layout: topo.MemoryLayout()}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	fn := host.Registry().Find(pci.Address{Slot: 3})
	if fn == nil || fn.INTxPin() != 1 {
		t.Fatalf("dummy at slot 3 missing or without INTx")
	}
	if irq := host.ReadConfig(fn.Address(), pci.RegInterruptLn, 1); irq != 10 {
		t.Fatalf("interrupt line = %d, want 10 from pirq_mask", irq)
	}
	if _, ioapic := fn.INTxRoute(); ioapic != 16 {
		t.Fatalf("I/O APIC input = %d, want 16", ioapic)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"unknown device", "devices: [{slot: 1, device: nope}]", pci.ErrUnknownDevice},
		{"duplicate slot", "slots: ['1,dummy', '1:0,dummy']", pci.ErrSlotOccupied},
		{"bad slot", "devices: [{slot: 40, device: dummy}]", pci.ErrBadAddress},
		{"too much low memory", "memory: {low: 4G}", ErrInvalidTopology},
		{"empty pirq mask", "pirq_mask: 0", ErrInvalidTopology},
		{"empty ioapic", "ioapic: {first: 16, count: 0}", ErrInvalidTopology},
		{"bad slot string", "slots: ['dummy']", ErrInvalidTopology},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc)); !errors.Is(err, tt.want) {
				t.Fatalf("Parse = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	if err := os.WriteFile(path, []byte(sampleTopology), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	topo, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(topo.Devices) != 3 {
		t.Fatalf("loaded %d devices", len(topo.Devices))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load of missing file succeeded")
	}
}

func TestDefaultLowMemory(t *testing.T) {
	topo, err := Parse([]byte("devices: []"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if topo.Memory.Low != Size(2*hv.GiB) {
		t.Fatalf("default low memory = %s", topo.Memory.Low)
	}
}
