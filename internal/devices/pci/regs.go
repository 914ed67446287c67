package pci

// Type 0 configuration header layout.
const (
	RegVendorID     = 0x00
	RegDeviceID     = 0x02
	RegCommand      = 0x04
	RegStatus       = 0x06
	RegRevisionID   = 0x08
	RegProgIF       = 0x09
	RegSubclass     = 0x0a
	RegClass        = 0x0b
	RegHeaderType   = 0x0e
	RegBAR0         = 0x10
	RegSubVendorID  = 0x2c
	RegSubsystemID  = 0x2e
	RegROM          = 0x30
	RegCapPtr       = 0x34
	RegInterruptLn  = 0x3c
	RegInterruptPin = 0x3d
)

const (
	CommandIO           = 0x0001
	CommandMemory       = 0x0002
	CommandBusMaster    = 0x0004
	CommandINTxDisable  = 0x0400
	StatusCapabilities  = 0x0010
	HeaderMultiFunction = 0x80

	// commandStatusReadOnly covers the reserved command bits and the whole
	// status register. Status bits are never set by emulation, so the
	// write-one-to-clear bits are treated as read-only.
	commandStatusReadOnly = 0xFFFFF880
)

// BAR register encoding.
const (
	barIOSpace      = 0x1
	barMem32        = 0x0
	barMem64        = 0x4
	barPrefetch     = 0x8
	barIOAddrMask   = ^uint32(0x3)
	barMemAddrMask  = ^uint32(0xf)
	romAddrMask     = uint32(0xFFFFF800)
	romEnable       = uint32(0x1)
	minIOBarSize    = 4
	minMemBarSize   = 16
	minROMBarSize   = uint64(^romAddrMask) + 1
	mem64Threshold  = 256 << 20
	barRegisterSize = 4
)

// Capability IDs and layout.
const (
	CapIDMSI  = 0x05
	CapIDPCIe = 0x10
	CapIDMSIX = 0x11

	capStartOffset = 0x40

	msiCtrl64Bit   = 0x0080
	msiCtrlMME     = 0x0070
	msiCtrlEnable  = 0x0001
	msiCapLength   = 14
	msixCtrlEnable = 0x8000
	msixCtrlFMask  = 0x4000
	msixBIRMask    = 0x7
	msixCapLength  = 12
	msixEntrySize  = 16
	msixVecMasked  = 0x1
	MaxMSIXEntries = 2048

	pcieCapVersion = 0x2
	pcieCapLength  = 60
)

// PCI Express device/port types as encoded in the capabilities register.
const (
	PCIeTypeEndpoint           = 0x00
	PCIeTypeLegacyEndpoint     = 0x10
	PCIeTypeRootPort           = 0x40
	PCIeTypeRootIntegratedEP   = 0x90
	PCIeTypeRootEventCollector = 0xa0
)

// Geometry.
const (
	MaxBuses = 256
	MaxSlots = 32
	MaxFuncs = 8

	LegacyConfigSize = 256
	ConfigSpaceSize  = 4096

	// NumBars is the number of regular BARs in a type 0 header.
	NumBars  = 6
	ROMIndex = NumBars

	// MaxBarSize is the largest BAR a backend may request.
	MaxBarSize = uint64(1) << 63
)
