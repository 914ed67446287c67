package main

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/pciemu/internal/chipset"
	"github.com/tinyrange/pciemu/internal/devices/amd64/ioapic"
	amd64pci "github.com/tinyrange/pciemu/internal/devices/amd64/pci"
	"github.com/tinyrange/pciemu/internal/devices/pci"
	"github.com/tinyrange/pciemu/internal/hv"
	"github.com/tinyrange/pciemu/internal/pciconfig"
)

const defaultLowMemory = 2 * hv.GiB

// isaSink stands in for the 8259 pair, which is not emulated here.
type isaSink struct{}

func (isaSink) SetIRQ(line uint8, level bool) {
	slog.Debug("isa irq", "line", line, "level", level)
}

type vmEnv struct {
	cs     *chipset.Chipset
	host   *pci.HostBridge
	ioapic *ioapic.IOAPIC
	vm     *hv.SimpleVM
}

// buildVM wires an I/O APIC, a host bridge and the legacy configuration
// ports into an in-memory chipset and runs the topology pass.
func buildVM(topo *pciconfig.Topology) (*vmEnv, error) {
	env := &vmEnv{cs: chipset.New()}
	env.vm = &hv.SimpleVM{
		Layout: topo.MemoryLayout(),
		MSIFunc: func(addr uint64, data uint32, flags uint32) error {
			slog.Debug("msi", "addr", fmt.Sprintf("%#x", addr), "data", fmt.Sprintf("%#x", data))
			return nil
		},
	}

	env.ioapic = ioapic.New()
	if err := env.ioapic.Init(env.vm); err != nil {
		return nil, err
	}
	if err := env.cs.RegisterDevice("ioapic", env.ioapic); err != nil {
		return nil, fmt.Errorf("register ioapic: %w", err)
	}

	cfg := topo.HostBridgeConfig()
	cfg.Chipset = env.cs
	cfg.Lines = chipset.NewLineSet(env.ioapic)
	cfg.ISALines = chipset.NewLineSet(isaSink{})
	env.host = pci.NewHostBridge(cfg)
	if err := env.host.Init(env.vm); err != nil {
		return nil, err
	}

	port := amd64pci.NewConfigPort(env.host)
	if err := port.Init(env.vm); err != nil {
		return nil, err
	}
	if err := env.cs.RegisterDevice("pci-config", port); err != nil {
		return nil, fmt.Errorf("register pci config ports: %w", err)
	}
	return env, nil
}
