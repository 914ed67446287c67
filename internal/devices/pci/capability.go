package pci

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// Capability is one entry of a function's capability list as seen in
// configuration space. Data includes the two header bytes.
type Capability struct {
	ID     uint8
	Offset uint8
	Data   []byte
}

// capRecord is the bookkeeping kept for each appended capability. The
// chain pointers in configuration space are rendered from the ordered
// records, never edited in place.
type capRecord struct {
	id     uint8
	offset int
	length int
}

// AddCapability appends a capability with the given ID. body is the
// capability contents following the ID and next-pointer bytes.
func (f *Function) AddCapability(id uint8, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.addCapabilityLocked(id, body)
	return err
}

func (f *Function) addCapabilityLocked(id uint8, body []byte) (int, error) {
	if len(body) == 0 {
		return 0, fmt.Errorf("pci %s: capability 0x%02x: %w", f.addr, id, ErrEmptyCapability)
	}
	length := (2 + len(body) + 3) &^ 3

	off := capStartOffset
	if len(f.caps) != 0 {
		off = (f.capEnd + 1 + 3) &^ 3
	}
	if off+length > LegacyConfigSize {
		return 0, fmt.Errorf("pci %s: capability 0x%02x of %d bytes at 0x%02x: %w",
			f.addr, id, length, off, ErrCapabilityOutOfSpace)
	}

	f.SetConfig8(off, id)
	f.SetConfig8(off+1, 0)
	for i, b := range body {
		f.SetConfig8(off+2+i, b)
	}
	for i := 2 + len(body); i < length; i++ {
		f.SetConfig8(off+i, 0)
	}

	f.caps = append(f.caps, capRecord{id: id, offset: off, length: length})
	f.capEnd = off + length - 1
	f.renderCapabilityChain()
	return off, nil
}

// renderCapabilityChain writes the capabilities pointer, the status bit
// and every next pointer from the ordered capability records.
func (f *Function) renderCapabilityChain() {
	if len(f.caps) == 0 {
		f.SetConfig8(RegCapPtr, 0)
		f.SetConfig16(RegStatus, f.Config16(RegStatus)&^StatusCapabilities)
		return
	}
	f.SetConfig8(RegCapPtr, uint8(f.caps[0].offset))
	f.SetConfig16(RegStatus, f.Config16(RegStatus)|StatusCapabilities)
	for i, c := range f.caps {
		next := 0
		if i+1 < len(f.caps) {
			next = f.caps[i+1].offset
		}
		f.SetConfig8(c.offset+1, uint8(next))
	}
}

// Capabilities walks the capability chain in configuration space.
func (f *Function) Capabilities() []Capability {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.Config16(RegStatus)&StatusCapabilities == 0 {
		return nil
	}
	lengths := make(map[int]int, len(f.caps))
	for _, c := range f.caps {
		lengths[c.offset] = c.length
	}

	var out []Capability
	seen := make(map[int]bool)
	for off := int(f.Config8(RegCapPtr)); off != 0; off = int(f.Config8(off + 1)) {
		if seen[off] || off < capStartOffset || off >= LegacyConfigSize {
			break
		}
		seen[off] = true
		length, ok := lengths[off]
		if !ok {
			length = 2
		}
		data := make([]byte, length)
		for i := range data {
			data[i] = f.Config8(off + i)
		}
		out = append(out, Capability{ID: data[0], Offset: uint8(off), Data: data})
	}
	return out
}

// FindCapability returns the offset of the first capability with id.
func (f *Function) FindCapability(id uint8) (int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, c := range f.caps {
		if c.id == id {
			return c.offset, true
		}
	}
	return 0, false
}

// AddMSICapability appends a 64-bit capable MSI capability advertising
// msgnum messages.
func (f *Function) AddMSICapability(msgnum int) error {
	if msgnum < 1 || msgnum > 32 || msgnum&(msgnum-1) != 0 {
		return fmt.Errorf("pci %s: MSI with %d messages: %w", f.addr, msgnum, ErrInvalidMessageCount)
	}
	mmc := uint16(bits.TrailingZeros(uint(msgnum)))

	body := make([]byte, msiCapLength-2)
	binary.LittleEndian.PutUint16(body[0:], msiCtrl64Bit|mmc<<1)

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.addCapabilityLocked(CapIDMSI, body)
	return err
}

// AddMSIXCapability appends an MSI-X capability with msgnum table entries
// and requests a 32-bit memory BAR at barIndex holding the table at offset
// 0 and the pending bit array right after the page-rounded table.
func (f *Function) AddMSIXCapability(msgnum int, barIndex int) error {
	if msgnum < 1 || msgnum > MaxMSIXEntries {
		return fmt.Errorf("pci %s: MSI-X with %d messages: %w", f.addr, msgnum, ErrInvalidMessageCount)
	}
	if barIndex < 0 || barIndex >= NumBars {
		return fmt.Errorf("pci %s: MSI-X table in BAR %d: %w", f.addr, barIndex, ErrBadBarIndex)
	}

	tableSize := uint64(msgnum*msixEntrySize+4095) &^ 4095
	pbaSize := uint64((msgnum+63)/64) * 8

	body := make([]byte, msixCapLength-2)
	binary.LittleEndian.PutUint16(body[0:], uint16(msgnum-1))
	binary.LittleEndian.PutUint32(body[2:], uint32(barIndex)&msixBIRMask)
	binary.LittleEndian.PutUint32(body[6:], uint32(tableSize)|uint32(barIndex)&msixBIRMask)

	f.mu.Lock()
	f.msix = msixState{
		present:     true,
		tableBar:    barIndex,
		pbaBar:      barIndex,
		tableOffset: 0,
		pbaOffset:   tableSize,
		pbaSize:     pbaSize,
		table:       make([]msixEntry, msgnum),
		pending:     bitset.New(uint(msgnum)),
	}
	for i := range f.msix.table {
		f.msix.table[i][3] = msixVecMasked
	}
	f.mu.Unlock()

	if err := f.RequestBar(barIndex, BarMem32, tableSize+pbaSize); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.addCapabilityLocked(CapIDMSIX, body)
	return err
}

// AddPCIeCapability appends a PCI Express capability. Endpoints on the
// root bus are reported as root complex integrated endpoints.
func (f *Function) AddPCIeCapability(portType uint8) error {
	if portType == PCIeTypeEndpoint && f.addr.Bus == 0 {
		portType = PCIeTypeRootIntegratedEP
	}

	body := make([]byte, pcieCapLength-2)
	binary.LittleEndian.PutUint16(body[0:], pcieCapVersion|uint16(portType))
	if portType != PCIeTypeRootIntegratedEP {
		// 2.5GT/s, x1
		binary.LittleEndian.PutUint32(body[0x0c-2:], 0x411)
		binary.LittleEndian.PutUint16(body[0x12-2:], 0x11)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.addCapabilityLocked(CapIDPCIe, body)
	return err
}

// inCapabilityRange reports whether off falls in the capability list.
func (f *Function) inCapabilityRange(off int) bool {
	if f.Config16(RegStatus)&StatusCapabilities == 0 {
		return false
	}
	return off >= capStartOffset && off <= f.capEnd
}

// writeCapability handles a guest write inside the capability list.
// Callers hold f.mu.
func (f *Function) writeCapability(off, width int, val uint32) {
	if off&(width-1) != 0 {
		return
	}

	var capOff int
	var id uint8
	found := false
	for _, c := range f.caps {
		if off >= c.offset && off < c.offset+c.length {
			capOff, id, found = c.offset, c.id, true
			break
		}
	}
	if !found {
		return
	}

	// The ID and next pointer are read-only. Some guests write the first
	// dword of a capability in one go; keep only the upper half.
	if off == capOff || off == capOff+1 {
		if off != capOff || width != 4 {
			return
		}
		width = 2
		off += 2
		val >>= 16
	}

	switch id {
	case CapIDMSI:
		f.writeMSICapability(capOff, off, width, val)
	case CapIDMSIX:
		f.writeMSIXCapability(capOff, off, width, val)
	case CapIDPCIe:
		f.writeRaw(off, width, val)
	}
}

// mergeRegister applies a write of width bytes at off to a 16-bit register
// at reg, letting only the bits in rw change. Bytes outside the register
// pass through untouched.
func (f *Function) mergeRegister(off, width int, val uint32, reg int, rw uint16) uint32 {
	old := f.readRaw(off, width)
	var writable uint32
	for i := 0; i < width; i++ {
		b := off + i
		m := uint32(0xff)
		if b >= reg && b < reg+2 {
			m = uint32(rw>>(8*uint(b-reg))) & 0xff
		}
		writable |= m << (8 * uint(i))
	}
	return old&^writable | val&writable
}

func touches(off, width, reg, regWidth int) bool {
	return off < reg+regWidth && reg < off+width
}

func (f *Function) writeMSICapability(capOff, off, width int, val uint32) {
	ctrl := capOff + 2
	if touches(off, width, ctrl, 2) {
		val = f.mergeRegister(off, width, val, ctrl, msiCtrlMME|msiCtrlEnable)
	}
	f.writeRaw(off, width, val)

	msgctrl := f.Config16(ctrl)
	addr := uint64(f.Config32(capOff + 4))
	var data uint16
	if msgctrl&msiCtrl64Bit != 0 {
		addr |= uint64(f.Config32(capOff+8)) << 32
		data = f.Config16(capOff + 12)
	} else {
		data = f.Config16(capOff + 8)
	}

	f.msi.enabled = msgctrl&msiCtrlEnable != 0
	if f.msi.enabled {
		f.msi.addr = addr
		f.msi.data = data
		f.msi.maxMsgNum = 1 << ((msgctrl & msiCtrlMME) >> 4)
	} else {
		f.msi.maxMsgNum = 0
	}
	f.msiEnabled.Store(f.msi.enabled)
	f.reevaluateINTx()
}

func (f *Function) writeMSIXCapability(capOff, off, width int, val uint32) {
	ctrl := capOff + 2
	if !touches(off, width, ctrl, 2) {
		f.writeRaw(off, width, val)
		return
	}
	val = f.mergeRegister(off, width, val, ctrl, msixCtrlEnable|msixCtrlFMask)
	f.writeRaw(off, width, val)

	msgctrl := f.Config16(ctrl)
	f.msix.enabled = msgctrl&msixCtrlEnable != 0
	f.msix.functionMask = msgctrl&msixCtrlFMask != 0
	f.msixEnabled.Store(f.msix.enabled)
	f.reevaluateINTx()
	f.flushPendingMSIX()
}
