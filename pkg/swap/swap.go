// Package swap implements page-out/page-in over a fixed slot bitmap.
// PTE-compatible entry encoding lives in pkg/archutil (EncodeSwapEntry/
// DecodeSwapEntry) since it's a page-table concern shared with pkg/vm;
// this package owns only slot accounting and the block-device I/O.
package swap

import (
	"sync"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/blockdev"
	"github.com/vkern/viper/pkg/klog"
)

// MaxSlots bounds swap space at 16384 x 4 KiB = 64 MiB.
const MaxSlots = 16384

// PageStore is the subset of pmm.Manager swap needs to read/write frame
// contents.
type PageStore interface {
	Dmap(phys, n uint64) []byte
}

// Manager owns the swap slot bitmap and the backing block device.
type Manager struct {
	mu        sync.Mutex
	dev       *blockdev.Device
	pmm       PageStore
	slotCount uint32
	bitmap    []uint64 // one bit per slot, 1 = in use
	free      uint32
}

// Init opens the backing device and sizes the slot bitmap. slotCount must
// not exceed MaxSlots.
func (m *Manager) Init(dev *blockdev.Device, pmm PageStore, slotCount uint32) bool {
	if slotCount == 0 || slotCount > MaxSlots {
		slotCount = MaxSlots
	}
	m.dev = dev
	m.pmm = pmm
	m.slotCount = slotCount
	m.bitmap = make([]uint64, (slotCount+63)/64)
	m.free = slotCount
	klog.L("swap").WithField("slots", slotCount).Info("swap initialized")
	return true
}

// IsAvailable reports whether the swap device was opened.
func (m *Manager) IsAvailable() bool { return m.dev != nil }

// FreeSlots reports the number of unused swap slots.
func (m *Manager) FreeSlots() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free
}

// TotalSlots reports the swap slot capacity.
func (m *Manager) TotalSlots() uint32 { return m.slotCount }

func (m *Manager) testBit(i uint32) bool { return m.bitmap[i/64]&(1<<(i%64)) != 0 }
func (m *Manager) setBit(i uint32)       { m.bitmap[i/64] |= 1 << (i % 64) }
func (m *Manager) clearBit(i uint32)     { m.bitmap[i/64] &^= 1 << (i % 64) }

func (m *Manager) allocSlot() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uint32(0); i < m.slotCount; i++ {
		if !m.testBit(i) {
			m.setBit(i)
			m.free--
			return i, true
		}
	}
	return 0, false
}

func (m *Manager) releaseSlot(slot uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slot >= m.slotCount || !m.testBit(slot) {
		klog.Corruption("swap", "double free of swap slot", map[string]interface{}{"slot": slot})
		return
	}
	m.clearBit(slot)
	m.free++
}

// SwapOut allocates a slot, synchronously writes the frame to the block
// device, and returns the PTE-shaped entry to store. The caller frees the
// physical frame only after this succeeds.
func (m *Manager) SwapOut(phys uint64) uint64 {
	slot, ok := m.allocSlot()
	if !ok {
		klog.L("swap").Warn("swap space exhausted")
		return 0
	}
	data := m.pmm.Dmap(phys, archutil.PageSize)
	if err := m.dev.WriteAt(data, uint64(slot)*archutil.PageSize); err != nil {
		m.releaseSlot(slot)
		klog.L("swap").WithField("slot", slot).Warn("swap-out write failed")
		return 0
	}
	return archutil.EncodeSwapEntry(slot)
}

// SwapIn reads a slot into the pre-allocated destination frame, freeing
// the slot only on success.
func (m *Manager) SwapIn(entry uint64, destPhys uint64) bool {
	slot, ok := archutil.DecodeSwapEntry(entry)
	if !ok || slot >= m.slotCount {
		return false
	}
	dest := m.pmm.Dmap(destPhys, archutil.PageSize)
	if err := m.dev.ReadAt(dest, uint64(slot)*archutil.PageSize); err != nil {
		klog.L("swap").WithField("slot", slot).Warn("swap-in read failed")
		return false
	}
	m.releaseSlot(slot)
	return true
}

// FreeSlot releases a swap slot without reading it back, used when a
// swapped page is discarded on process exit.
func (m *Manager) FreeSlot(entry uint64) {
	slot, ok := archutil.DecodeSwapEntry(entry)
	if !ok {
		return
	}
	m.releaseSlot(slot)
}
