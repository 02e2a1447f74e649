// Package cow implements per-frame copy-on-write refcounting.
//
// A flat PageInfo array is indexed by (phys-ramStart)/PageSize; each
// record encodes a 16-bit refcount and a 16-bit flag set into a single
// uint32, mutated with lock-free CAS loops.
package cow

import (
	"sync/atomic"

	"github.com/vkern/viper/pkg/archutil"
)

// Flag bits occupy the high 16 bits of the encoded field.
const (
	FlagCOW    uint32 = 1 << 0
	FlagShared uint32 = 1 << 1
)

type pageInfo struct {
	encoded atomic.Uint32 // low 16: refcount, high 16: flags
}

// Manager owns the flat per-frame metadata array for a RAM window.
type Manager struct {
	ramStart, ramEnd uint64
	pages            []pageInfo
}

// Init sizes the PageInfo array to cover [ramStart, ramEnd).
func (m *Manager) Init(ramStart, ramEnd uint64) bool {
	ramStart = archutil.PageRoundUp(ramStart)
	ramEnd = archutil.PageRoundDown(ramEnd)
	if ramEnd <= ramStart {
		return false
	}
	m.ramStart, m.ramEnd = ramStart, ramEnd
	total := (ramEnd - ramStart) / archutil.PageSize
	m.pages = make([]pageInfo, total)
	return true
}

func (m *Manager) index(physPage uint64) (int, bool) {
	physPage &^= archutil.PageSize - 1
	if physPage < m.ramStart || physPage >= m.ramEnd {
		return 0, false
	}
	return int((physPage - m.ramStart) / archutil.PageSize), true
}

// IncRef bumps a frame's refcount, saturating at 0xFFFF rather than
// wrapping.
func (m *Manager) IncRef(phys uint64) {
	idx, ok := m.index(phys)
	if !ok {
		return
	}
	p := &m.pages[idx]
	for {
		old := p.encoded.Load()
		refcount := old & 0xFFFF
		if refcount >= 0xFFFF {
			return
		}
		next := (old &^ 0xFFFF) | (refcount + 1)
		if p.encoded.CompareAndSwap(old, next) {
			return
		}
	}
}

// DecRef decrements a frame's refcount and returns true when it reaches
// zero, signaling the caller should free the frame.
func (m *Manager) DecRef(phys uint64) bool {
	idx, ok := m.index(phys)
	if !ok {
		return false
	}
	p := &m.pages[idx]
	for {
		old := p.encoded.Load()
		refcount := old & 0xFFFF
		if refcount == 0 {
			return false
		}
		next := (old &^ 0xFFFF) | (refcount - 1)
		if p.encoded.CompareAndSwap(old, next) {
			return next&0xFFFF == 0
		}
	}
}

// GetRef reads the current refcount without locking.
func (m *Manager) GetRef(phys uint64) uint16 {
	idx, ok := m.index(phys)
	if !ok {
		return 0
	}
	return uint16(m.pages[idx].encoded.Load() & 0xFFFF)
}

func (m *Manager) setFlag(phys uint64, flag uint32, set bool) {
	idx, ok := m.index(phys)
	if !ok {
		return
	}
	p := &m.pages[idx]
	for {
		old := p.encoded.Load()
		var next uint32
		if set {
			next = old | (flag << 16)
		} else {
			next = old &^ (flag << 16)
		}
		if p.encoded.CompareAndSwap(old, next) {
			return
		}
	}
}

// MarkCOW sets the COW flag on a frame.
func (m *Manager) MarkCOW(phys uint64) { m.setFlag(phys, FlagCOW, true) }

// ClearCOW clears the COW flag on a frame.
func (m *Manager) ClearCOW(phys uint64) { m.setFlag(phys, FlagCOW, false) }

// IsCOW reports whether a frame is currently marked copy-on-write.
func (m *Manager) IsCOW(phys uint64) bool {
	idx, ok := m.index(phys)
	if !ok {
		return false
	}
	flags := (m.pages[idx].encoded.Load() >> 16) & 0xFFFF
	return flags&FlagCOW != 0
}
