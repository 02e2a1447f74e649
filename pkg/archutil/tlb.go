package archutil

import "sync/atomic"

// TLB abstracts the hardware maintenance operations required after
// every PTE write: DC CVAU (clean to point of unification),
// DSB ISH, and TLBI VAE1IS/ASIDE1IS. Production code would issue these as
// inline assembly; this package gives the rest of the kernel a narrow
// interface instead, hiding hardware behind Platform/AddressSpace
// interfaces rather than inlining assembly at every call site.
type TLB interface {
	// FlushPage invalidates the TLB entry for (virt, asid) after a leaf PTE
	// write, as TLBI VAE1IS would.
	FlushPage(virt uint64, asid uint16)
	// FlushASID invalidates every TLB entry tagged with asid, as TLBI
	// ASIDE1IS would.
	FlushASID(asid uint16)
	// CleanToPoU models `dc cvau` + `dsb ish` + `isb` for the given range:
	// every byte written below must be observable to the table walker
	// before the next memory access.
	CleanToPoU(virt uint64, size uint64)
	// InvalidateICache models `ic ivau` + `dsb ish` + `isb` for the given
	// range, required after writing instructions the CPU will fetch.
	InvalidateICache(virt uint64, size uint64)
}

// hostTLB is the simulation backend: there is no real hardware TLB to
// flush, so it just counts flushes for tests to assert ordering/behavior
// against.
type hostTLB struct {
	pageFlushes atomic.Uint64
	asidFlushes atomic.Uint64
	cleans      atomic.Uint64
	icacheInvs  atomic.Uint64
}

// NewHostTLB returns the default TLB simulation used outside of real
// hardware.
func NewHostTLB() TLB { return &hostTLB{} }

func (h *hostTLB) FlushPage(uint64, uint16)       { h.pageFlushes.Add(1) }
func (h *hostTLB) FlushASID(uint16)               { h.asidFlushes.Add(1) }
func (h *hostTLB) CleanToPoU(uint64, uint64)      { h.cleans.Add(1) }
func (h *hostTLB) InvalidateICache(uint64, uint64) { h.icacheInvs.Add(1) }

// Counts returns the flush/clean/invalidate counters, used by tests that
// assert a maintenance operation happened without being able to observe
// real hardware state.
func (h *hostTLB) Counts() (pageFlushes, asidFlushes, cleans, icacheInvs uint64) {
	return h.pageFlushes.Load(), h.asidFlushes.Load(), h.cleans.Load(), h.icacheInvs.Load()
}

// AsHostTLB exposes the counters of a TLB created by NewHostTLB, for tests.
func AsHostTLB(t TLB) (h interface {
	Counts() (uint64, uint64, uint64, uint64)
}, ok bool) {
	ht, ok := t.(*hostTLB)
	return ht, ok
}
