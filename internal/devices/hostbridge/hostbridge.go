// Package hostbridge provides the backend for the host bridge function that
// sits at 0:0.0 of every topology.
package hostbridge

import (
	"fmt"

	"github.com/tinyrange/pciemu/internal/devices/pci"
)

const (
	Name    = "hostbridge"
	AMDName = "amd_hostbridge"

	// Intel 82441FX (PIIX)
	DefaultVendorID = 0x8086
	DefaultDeviceID = 0x1237

	AMDVendorID = 0x1022
	AMDDeviceID = 0x7432

	revision = 0x02
)

func init() {
	pci.RegisterBackend(Name, func() pci.Backend {
		return &HostBridge{vendor: DefaultVendorID, device: DefaultDeviceID}
	})
	pci.RegisterBackend(AMDName, func() pci.Backend {
		return &HostBridge{vendor: AMDVendorID, device: AMDDeviceID}
	})
}

// HostBridge is a configuration-space only function: class 06 (bridge),
// subclass 00 (host bridge), no BARs and no interrupts.
type HostBridge struct {
	vendor uint16
	device uint16
}

// Init implements pci.Backend. The vendor and devid options override the
// identification registers.
func (h *HostBridge) Init(fn *pci.Function, opts pci.Options) error {
	vendor, err := opts.Uint("vendor", uint64(h.vendor))
	if err != nil {
		return err
	}
	device, err := opts.Uint("devid", uint64(h.device))
	if err != nil {
		return err
	}
	if vendor > 0xffff || device > 0xffff {
		return fmt.Errorf("hostbridge: id %#x:%#x out of range", vendor, device)
	}
	h.vendor, h.device = uint16(vendor), uint16(device)

	fn.SetIdentity(h.vendor, h.device, 0x06, 0x00, 0x00)
	fn.SetConfig8(pci.RegRevisionID, revision)
	return fn.AddPCIeCapability(pci.PCIeTypeRootPort)
}

// IDs returns the vendor and device IDs the bridge reports.
func (h *HostBridge) IDs() (vendor, device uint16) {
	return h.vendor, h.device
}

var _ pci.Backend = (*HostBridge)(nil)
