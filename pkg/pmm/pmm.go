// Package pmm is the physical page allocator: a dual-strategy manager
// that prefers the buddy allocator for the large post-framebuffer
// region and falls back to a word-scanned bitmap for the smaller
// pre-framebuffer region. The bitmap scan amortizes with a
// next-free-hint word index to avoid rescanning from the start on
// every allocation.
package pmm

import (
	"sync"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/buddy"
	"github.com/vkern/viper/pkg/klog"
)

const pageSize = archutil.PageSize

// Manager is the kernel's physical memory manager.
type Manager struct {
	mu sync.Mutex

	ramStart, ramEnd uint64
	totalPages       uint64

	buddyAvailable       bool
	buddyRegionStart     uint64
	buddyRegionEnd       uint64
	buddyAlloc           buddy.Allocator

	bitmap      []uint64
	bitmapWords uint64
	freeCount   uint64
	nextHint    uint64 // word index hint to amortize scans

	// ram backs the managed physical window with real bytes. A freestanding
	// kernel addresses physical RAM directly; this host simulation has
	// nothing underneath a bare uint64 "physical address" to read or write,
	// so Manager owns the backing store behind a direct-mapped view.
	ram []byte
}

// Init lays out the bitmap/buddy split: the region
// above fbEnd (usually much larger) is handed to the buddy allocator,
// the region below is tracked by the bitmap.
func (m *Manager) Init(ramStart, ramSize, fbStart, fbSize uint64) {
	m.ramStart = ramStart
	m.ramEnd = ramStart + ramSize
	m.totalPages = ramSize / pageSize
	m.ram = make([]byte, ramSize)

	fbEnd := fbStart + fbSize

	if fbEnd < m.ramEnd {
		if m.buddyAlloc.Init(fbEnd, m.ramEnd, fbEnd) {
			m.buddyAvailable = true
			m.buddyRegionStart = fbEnd
			m.buddyRegionEnd = m.ramEnd
		}
	}

	m.bitmapWords = (m.totalPages + 63) / 64
	m.bitmap = make([]uint64, m.bitmapWords)
	for i := range m.bitmap {
		m.bitmap[i] = ^uint64(0)
	}
	m.freeCount = 0

	// Mark the bitmap-owned pages free: everything below the framebuffer
	// reservation, plus the tail above it when the buddy allocator could
	// not take that region. The framebuffer pages stay used.
	m.markFreeRange(m.ramStart, minU64(fbStart, m.ramEnd))
	if !m.buddyAvailable && fbEnd < m.ramEnd {
		m.markFreeRange(fbEnd, m.ramEnd)
	}

	klog.L("pmm").WithFields(map[string]interface{}{
		"total_pages":   m.totalPages,
		"buddy_enabled": m.buddyAvailable,
		"bitmap_free":   m.freeCount,
	}).Info("initialized physical memory manager")
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (m *Manager) markFreeRange(start, end uint64) {
	for addr := start; addr < end; addr += pageSize {
		page := m.addrToPage(addr)
		if page < m.totalPages {
			m.clearBit(page)
			m.freeCount++
		}
	}
}

func (m *Manager) addrToPage(addr uint64) uint64 { return (addr - m.ramStart) / pageSize }
func (m *Manager) pageToAddr(page uint64) uint64 { return m.ramStart + page*pageSize }

func (m *Manager) testBit(page uint64) bool {
	return m.bitmap[page/64]&(1<<(page%64)) != 0
}
func (m *Manager) setBit(page uint64)   { m.bitmap[page/64] |= 1 << (page % 64) }
func (m *Manager) clearBit(page uint64) { m.bitmap[page/64] &^= 1 << (page % 64) }

// AllocPage returns a single page-aligned physical frame, or 0 on
// exhaustion.
func (m *Manager) AllocPage() uint64 {
	if m.buddyAvailable {
		if addr := m.buddyAlloc.AllocPage(); addr != 0 {
			return addr
		}
	}
	return m.allocFromBitmap(1)
}

// AllocPages allocates a contiguous run of n pages.
func (m *Manager) AllocPages(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	if n == 1 {
		return m.AllocPage()
	}
	if m.buddyAvailable {
		order := buddy.PagesToOrder(n)
		if addr := m.buddyAlloc.AllocPages(order); addr != 0 {
			// The buddy hands out 2^order pages; give the tail beyond n
			// back so a later FreePages(addr, n) balances exactly.
			for i := n; i < uint64(1)<<order; i++ {
				m.buddyAlloc.FreePage(addr + i*pageSize)
			}
			return addr
		}
	}
	return m.allocFromBitmap(n)
}

func (m *Manager) allocFromBitmap(count uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if count == 1 {
		startWord := m.nextHint
		for pass := uint64(0); pass < 2; pass++ {
			for word := startWord; word < m.bitmapWords; word++ {
				if m.bitmap[word] != ^uint64(0) {
					for bit := uint64(0); bit < 64; bit++ {
						page := word*64 + bit
						if page >= m.totalPages {
							break
						}
						if !m.testBit(page) {
							m.setBit(page)
							m.freeCount--
							m.nextHint = word
							return m.pageToAddr(page)
						}
					}
				}
			}
			startWord = 0 // wrap around once
		}
		klog.Corruption("pmm", "out of physical memory", nil)
		return 0
	}

	var runStart, runLen uint64
	for page := uint64(0); page < m.totalPages; page++ {
		if !m.testBit(page) {
			if runLen == 0 {
				runStart = page
			}
			runLen++
			if runLen == count {
				for i := uint64(0); i < count; i++ {
					m.setBit(runStart + i)
				}
				m.freeCount -= count
				return m.pageToAddr(runStart)
			}
		} else {
			runLen = 0
		}
	}
	klog.Corruption("pmm", "cannot allocate contiguous run", map[string]interface{}{"count": count})
	return 0
}

// FreePage releases a single frame, routing to the owning allocator by
// address range. Double frees and out-of-range addresses are logged and
// ignored.
func (m *Manager) FreePage(phys uint64) {
	if m.buddyAvailable && phys >= m.buddyRegionStart && phys < m.buddyRegionEnd {
		m.buddyAlloc.FreePage(phys)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freePageLocked(phys)
}

func (m *Manager) freePageLocked(phys uint64) {
	if phys < m.ramStart || phys >= m.ramEnd {
		klog.Corruption("pmm", "free of out-of-range address", map[string]interface{}{"phys": phys})
		return
	}
	page := m.addrToPage(phys)
	if !m.testBit(page) {
		klog.Corruption("pmm", "double free detected", map[string]interface{}{"phys": phys})
		return
	}
	m.clearBit(page)
	m.freeCount++
}

// FreePages releases a contiguous run allocated with AllocPages.
func (m *Manager) FreePages(phys, n uint64) {
	if m.buddyAvailable && phys >= m.buddyRegionStart && phys < m.buddyRegionEnd {
		for i := uint64(0); i < n; i++ {
			m.buddyAlloc.FreePage(phys + i*pageSize)
		}
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := uint64(0); i < n; i++ {
		m.freePageLocked(phys + i*pageSize)
	}
}

// GetTotalPages reports the full RAM page count.
func (m *Manager) GetTotalPages() uint64 { return m.totalPages }

// GetFreePages reports free pages across both allocators.
func (m *Manager) GetFreePages() uint64 {
	var total uint64
	if m.buddyAvailable {
		total += m.buddyAlloc.FreePagesCount()
	}
	m.mu.Lock()
	total += m.freeCount
	m.mu.Unlock()
	return total
}

// GetUsedPages reports allocated pages across both allocators.
func (m *Manager) GetUsedPages() uint64 {
	return m.totalPages - m.GetFreePages()
}

// RAMStart returns the base physical address managed by this allocator,
// used by pkg/cow to index its flat PageInfo array.
func (m *Manager) RAMStart() uint64 { return m.ramStart }

// PageIndex converts a physical address to a zero-based frame index
// relative to RAMStart, used to index the PageInfo array.
func (m *Manager) PageIndex(phys uint64) uint64 { return (phys - m.ramStart) / pageSize }

// Dmap returns a direct-mapped byte view of n bytes starting at phys.
// Panics on an out-of-window
// address: every caller is expected to hold a valid allocation from this
// manager before dereferencing it.
func (m *Manager) Dmap(phys, n uint64) []byte {
	off := phys - m.ramStart
	return m.ram[off : off+n]
}

// ZeroPage clears a single page at phys.
func (m *Manager) ZeroPage(phys uint64) {
	b := m.Dmap(phys, pageSize)
	for i := range b {
		b[i] = 0
	}
}
