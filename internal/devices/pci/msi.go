package pci

import (
	"log/slog"

	"github.com/bits-and-blooms/bitset"
)

type msiState struct {
	enabled   bool
	addr      uint64
	data      uint16
	maxMsgNum int
}

// msixEntry is one MSI-X table entry as four dwords: address low, address
// high, message data and vector control.
type msixEntry [4]uint32

func (e msixEntry) addr() uint64 { return uint64(e[0]) | uint64(e[1])<<32 }
func (e msixEntry) masked() bool { return e[3]&msixVecMasked != 0 }

type msixState struct {
	present      bool
	enabled      bool
	functionMask bool
	tableBar     int
	pbaBar       int
	tableOffset  uint64
	pbaOffset    uint64
	pbaSize      uint64
	table        []msixEntry
	pending      *bitset.BitSet
}

type msiMessage struct {
	addr uint64
	data uint32
}

// MSIEnabled reports whether the guest enabled MSI.
func (f *Function) MSIEnabled() bool {
	return f.msiEnabled.Load()
}

// MSIMaxMessages returns the number of MSI vectors the guest enabled, or 0
// when MSI is off.
func (f *Function) MSIMaxMessages() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.msi.enabled {
		return 0
	}
	return f.msi.maxMsgNum
}

// MSIXEnabled reports whether MSI-X delivery is active. MSI takes
// precedence when both are enabled.
func (f *Function) MSIXEnabled() bool {
	return f.msixEnabled.Load() && !f.msiEnabled.Load()
}

// MSIXTableBar returns the BAR holding the MSI-X table, or -1.
func (f *Function) MSIXTableBar() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.msix.present {
		return -1
	}
	return f.msix.tableBar
}

// MSIXPBABar returns the BAR holding the pending bit array, or -1.
func (f *Function) MSIXPBABar() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.msix.present {
		return -1
	}
	return f.msix.pbaBar
}

// GenerateMSI sends MSI vector index if MSI is enabled and index is below
// the number of enabled vectors.
func (f *Function) GenerateMSI(index int) {
	f.mu.RLock()
	msg, ok := msiMessage{}, false
	if f.msi.enabled && index >= 0 && index < f.msi.maxMsgNum {
		msg = msiMessage{addr: f.msi.addr, data: uint32(f.msi.data) + uint32(index)}
		ok = true
	}
	f.mu.RUnlock()
	if ok {
		f.signal(msg)
	}
}

// GenerateMSIX sends MSI-X vector index. A masked vector, or any vector
// while the function is masked, is latched in the pending bit array and
// sent once unmasked.
func (f *Function) GenerateMSIX(index int) {
	if !f.MSIXEnabled() {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.msix.table) {
		return
	}
	entry := f.msix.table[index]
	if f.msix.functionMask || entry.masked() {
		f.msix.pending.Set(uint(index))
		return
	}
	f.signal(msiMessage{addr: entry.addr(), data: entry[2]})
}

// flushPendingMSIX delivers latched vectors that are no longer masked.
// Callers hold f.mu.
func (f *Function) flushPendingMSIX() {
	if !f.msix.present || !f.msix.enabled || f.msix.functionMask || f.msi.enabled {
		return
	}
	for i, ok := f.msix.pending.NextSet(0); ok; i, ok = f.msix.pending.NextSet(i + 1) {
		entry := f.msix.table[i]
		if entry.masked() {
			continue
		}
		f.msix.pending.Clear(i)
		f.signal(msiMessage{addr: entry.addr(), data: entry[2]})
	}
}

func (f *Function) signal(msg msiMessage) {
	if f.host == nil || f.host.vm == nil {
		slog.Debug("pci: MSI dropped, no VM", "fn", f.addr)
		return
	}
	if err := f.host.vm.SignalMSI(msg.addr, msg.data, 0); err != nil {
		slog.Error("pci: signal MSI failed", "fn", f.addr, "err", err)
	}
}

func (f *Function) inMSIXTable(index int, offset uint64) bool {
	m := &f.msix
	return m.present && index == m.tableBar &&
		offset >= m.tableOffset && offset < m.tableOffset+uint64(len(m.table))*msixEntrySize
}

func (f *Function) inMSIXPBA(index int, offset uint64) bool {
	m := &f.msix
	return m.present && index == m.pbaBar &&
		offset >= m.pbaOffset && offset < m.pbaOffset+m.pbaSize
}

// MSIXTableRead reads size bytes at offset of the MSI-X table. Only 1, 4
// and 8 byte aligned reads are served; anything else reads as all-ones.
func (f *Function) MSIXTableRead(offset uint64, size int) uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.msixTableReadLocked(offset, size)
}

func (f *Function) msixTableReadLocked(offset uint64, size int) uint64 {
	const allOnes = ^uint64(0)
	if size != 1 && size != 4 && size != 8 {
		return allOnes
	}
	entryOff := offset % msixEntrySize
	if entryOff%uint64(size) != 0 {
		return allOnes
	}
	index := offset / msixEntrySize
	if index >= uint64(len(f.msix.table)) {
		return allOnes
	}
	entry := f.msix.table[index]
	word := entry[entryOff/4]
	switch size {
	case 1:
		return uint64(word>>(8*(entryOff%4))) & 0xff
	case 4:
		return uint64(word)
	default:
		return uint64(word) | uint64(entry[entryOff/4+1])<<32
	}
}

// MSIXTableWrite writes a 4 or 8 byte aligned value into the MSI-X table.
// It reports false for accesses it does not accept.
func (f *Function) MSIXTableWrite(offset uint64, size int, value uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msixTableWriteLocked(offset, size, value)
}

func (f *Function) msixTableWriteLocked(offset uint64, size int, value uint64) bool {
	if size != 4 && size != 8 {
		return false
	}
	index := offset / msixEntrySize
	if index >= uint64(len(f.msix.table)) {
		return false
	}
	entryOff := offset % msixEntrySize
	if entryOff%uint64(size) != 0 {
		return false
	}
	entry := &f.msix.table[index]
	entry[entryOff/4] = uint32(value)
	if size == 8 {
		entry[entryOff/4+1] = uint32(value >> 32)
	}
	if !entry.masked() && f.msix.pending.Test(uint(index)) {
		f.flushPendingMSIX()
	}
	return true
}

// msixPBARead returns the pending bits covered by [offset, offset+size).
func (f *Function) msixPBARead(offset uint64, size int) uint64 {
	start := (offset - f.msix.pbaOffset) * 8
	var v uint64
	for i := 0; i < size*8; i++ {
		bit := uint(start) + uint(i)
		if f.msix.pending.Test(bit) {
			v |= 1 << uint(i)
		}
	}
	return v
}
