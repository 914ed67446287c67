package pci

import "errors"

// Configuration errors. They are only returned while the topology is being
// built; once a VM is running, guest accesses never fail.
var (
	ErrBadBarIndex           = errors.New("illegal BAR index for type")
	ErrAddressSpaceExhausted = errors.New("insufficient address space for BAR")
	ErrCapabilityOutOfSpace  = errors.New("capability does not fit in configuration space")
	ErrEmptyCapability       = errors.New("capability payload is empty")
	ErrInvalidMessageCount   = errors.New("invalid message count")
	ErrIRQPoolExhausted      = errors.New("interrupt pool exhausted")
	ErrSlotOccupied          = errors.New("slot already occupied")
	ErrTopologySealed        = errors.New("topology is sealed")
	ErrUnknownDevice         = errors.New("unknown device type")
	ErrBadAddress            = errors.New("bus, slot or function out of range")
	ErrNoSuchDevice          = errors.New("no such device")
)
