// Package pressure implements the memory pressure monitor. It observes the
// PMM's free/total ratio and drives the reclaim callbacks pkg/viper
// registers for pkg/slab (Reap) and pkg/kheap (Coalesce); it does not change how
// either of those subsystems reclaims memory, only when.
package pressure

import (
	"sync"

	"github.com/vkern/viper/pkg/klog"
)

// Level is the memory pressure classification.
type Level uint8

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MaxCallbacks bounds the registered reclaim-callback table.
const MaxCallbacks = 8

// Callback is invoked with the current pressure level and returns the
// number of pages it reclaimed.
type Callback func(level Level) uint64

// PageStats is the subset of pmm.Manager the monitor needs to compute
// free-memory percentage.
type PageStats interface {
	GetFreePages() uint64
	GetTotalPages() uint64
}

type registeredCallback struct {
	name string
	fn   Callback
}

// Monitor tracks pressure level and dispatches reclaim callbacks.
type Monitor struct {
	mu        sync.Mutex
	pages     PageStats
	callbacks []registeredCallback

	reclaimCalls     uint64
	pagesReclaimed   uint64
}

// Init attaches the monitor to a page-stats source.
func (m *Monitor) Init(pages PageStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// RegisterCallback adds a named reclaim callback, refusing once
// MaxCallbacks are registered.
func (m *Monitor) RegisterCallback(name string, fn Callback) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.callbacks) >= MaxCallbacks {
		klog.L("pressure").WithField("name", name).Warn("reclaim callback table full")
		return false
	}
	m.callbacks = append(m.callbacks, registeredCallback{name: name, fn: fn})
	return true
}

// FreePercent returns free memory as a percentage of total.
func (m *Monitor) FreePercent() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freePercentLocked()
}

func (m *Monitor) freePercentLocked() uint32 {
	total := m.pages.GetTotalPages()
	if total == 0 {
		return 100
	}
	free := m.pages.GetFreePages()
	return uint32(free * 100 / total)
}

// CheckLevel classifies current free-memory percentage into a Level:
// >50% None, 25-50% Low, 10-25% Medium, 5-10% High, <5% Critical.
func (m *Monitor) CheckLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return levelFromPercent(m.freePercentLocked())
}

func levelFromPercent(pct uint32) Level {
	switch {
	case pct > 50:
		return LevelNone
	case pct >= 25:
		return LevelLow
	case pct >= 10:
		return LevelMedium
	case pct >= 5:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// ReclaimIfNeeded invokes every registered callback when pressure is
// above LevelNone, returning total pages reclaimed.
func (m *Monitor) ReclaimIfNeeded() uint64 {
	level := m.CheckLevel()
	if level == LevelNone {
		return 0
	}
	return m.runCallbacks(level)
}

// ForceReclaim runs every callback regardless of pressure level.
func (m *Monitor) ForceReclaim() uint64 {
	return m.runCallbacks(m.CheckLevel())
}

func (m *Monitor) runCallbacks(level Level) uint64 {
	m.mu.Lock()
	callbacks := make([]registeredCallback, len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	var reclaimed uint64
	for _, cb := range callbacks {
		n := cb.fn(level)
		reclaimed += n
		if n > 0 {
			klog.L("pressure").WithFields(map[string]interface{}{
				"callback": cb.name, "level": level.String(), "reclaimed": n,
			}).Info("reclaim callback freed pages")
		}
	}

	m.mu.Lock()
	m.reclaimCalls++
	m.pagesReclaimed += reclaimed
	m.mu.Unlock()
	return reclaimed
}

// Stats reports the monitor's running totals.
type Stats struct {
	Level          Level
	FreePages      uint64
	TotalPages     uint64
	ReclaimCalls   uint64
	PagesReclaimed uint64
}

// Stats snapshots current pressure and cumulative reclaim counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Level:          levelFromPercent(m.freePercentLocked()),
		FreePages:      m.pages.GetFreePages(),
		TotalPages:     m.pages.GetTotalPages(),
		ReclaimCalls:   m.reclaimCalls,
		PagesReclaimed: m.pagesReclaimed,
	}
}
