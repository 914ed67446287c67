package main

import (
	"encoding/binary"

	"github.com/tinyrange/pciemu/internal/devices/pci"
)

const (
	configAddressPort = 0xcf8
	configDataPort    = 0xcfc
)

// probedFunction is what a guest learns about a function from its header.
type probedFunction struct {
	Address  string `yaml:"address"`
	VendorID uint16 `yaml:"vendor_id"`
	DeviceID uint16 `yaml:"device_id"`
	Class    uint32 `yaml:"class"`
	Header   uint8  `yaml:"header_type"`
	Pin      uint8  `yaml:"interrupt_pin"`
	Line     uint8  `yaml:"interrupt_line"`
}

// probe scans the first buses buses through the guest-visible
// configuration mechanism.
func (e *vmEnv) probe(ecam bool, buses int) ([]probedFunction, error) {
	read := e.readLegacy
	if ecam {
		read = e.readECAM
	}

	var found []probedFunction
	for bus := 0; bus < buses; bus++ {
		for slot := uint8(0); slot < pci.MaxSlots; slot++ {
			for fn := uint8(0); fn < pci.MaxFuncs; fn++ {
				addr := pci.Address{Bus: uint8(bus), Slot: slot, Func: fn}
				id, err := read(addr, pci.RegVendorID)
				if err != nil {
					return nil, err
				}
				if id&0xffff == 0xffff {
					if fn == 0 {
						break
					}
					continue
				}
				class, err := read(addr, pci.RegRevisionID)
				if err != nil {
					return nil, err
				}
				hdr, err := read(addr, 0x0c)
				if err != nil {
					return nil, err
				}
				intr, err := read(addr, pci.RegInterruptLn)
				if err != nil {
					return nil, err
				}
				header := uint8(hdr >> 16)
				found = append(found, probedFunction{
					Address:  addr.String(),
					VendorID: uint16(id),
					DeviceID: uint16(id >> 16),
					Class:    class >> 8,
					Header:   header,
					Pin:      uint8(intr >> 8),
					Line:     uint8(intr),
				})
				if fn == 0 && header&pci.HeaderMultiFunction == 0 {
					break
				}
			}
		}
	}
	return found, nil
}

func (e *vmEnv) readLegacy(addr pci.Address, reg int) (uint32, error) {
	sel := make([]byte, 4)
	binary.LittleEndian.PutUint32(sel, 0x80000000|uint32(addr.Bus)<<16|uint32(addr.Slot)<<11|uint32(addr.Func)<<8|uint32(reg&0xfc))
	if err := e.cs.HandlePIO(configAddressPort, sel, true); err != nil {
		return 0, err
	}
	data := make([]byte, 4)
	if err := e.cs.HandlePIO(configDataPort, data, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (e *vmEnv) readECAM(addr pci.Address, reg int) (uint32, error) {
	gpa := uint64(pci.ECAMBase) | uint64(addr.Bus)<<20 | uint64(addr.Slot)<<15 | uint64(addr.Func)<<12 | uint64(reg)
	data := make([]byte, 4)
	if err := e.cs.HandleMMIO(gpa, data, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(data), nil
}
