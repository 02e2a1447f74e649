package archutil

import "sync/atomic"

// TTBR0 composes the translation-table-base register value activating a
// root table for an address space: table base in the low bits, ASID in
// bits 48-63.
func TTBR0(tableBase uint64, asid uint16) uint64 {
	return tableBase&PTEAddrMask | uint64(asid)<<48
}

// TTBR0ASID extracts the ASID tag from a composed TTBR0 value.
func TTBR0ASID(v uint64) uint16 { return uint16(v >> 48) }

// SysRegs models the MSR/MRS surface an address-space switch touches.
// On hardware WriteTTBR0 is `msr ttbr0_el1, x` followed by `isb`; the
// simulation stores the value and counts the barrier so tests can
// assert a switch (and its ISB) happened.
type SysRegs struct {
	ttbr0 atomic.Uint64
	isbs  atomic.Uint64
}

// WriteTTBR0 installs a new translation base and issues the ISB.
func (r *SysRegs) WriteTTBR0(v uint64) {
	r.ttbr0.Store(v)
	r.isbs.Add(1)
}

// TTBR0 reads back the last installed translation base.
func (r *SysRegs) TTBR0() uint64 { return r.ttbr0.Load() }

// ISBCount reports how many barriers have been issued.
func (r *SysRegs) ISBCount() uint64 { return r.isbs.Load() }
