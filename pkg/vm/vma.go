// Package vm implements per-process virtual memory: a VMA list for
// demand paging and an AddressSpace that walks a simulated 4-level
// page table.
//
// Named vm rather than mm so it doesn't collide with pkg/bcvm (the
// bytecode virtual machine) in import paths and godoc.
package vm

import (
	"sort"
	"sync"

	"github.com/vkern/viper/pkg/archutil"
)

// Type tags a VMA's backing.
type Type uint8

const (
	TypeAnonymous Type = iota // zero-filled memory (heap, BSS)
	TypeFile                  // file-backed mapping
	TypeStack                 // growable stack region
	TypeGuard                 // guard page, always faults
)

// Flag bits for VMA COW/sharing state.
const (
	FlagNone   uint8 = 0
	FlagCOW    uint8 = 1 << 0
	FlagShared uint8 = 1 << 1
)

// MaxVMAs bounds the VMA count per address space.
const MaxVMAs = 64

// MaxStackSize limits how far a stack VMA can grow via demand
// faulting.
const MaxStackSize = 8 * 1024 * 1024

// Vma describes one contiguous, page-aligned region of a process's
// virtual address space.
type Vma struct {
	Start, End uint64
	Prot       archutil.Prot
	Type       Type
	Flags      uint8
	FileInode  uint64
	FileOffset uint64
}

// Contains reports whether addr falls within [Start, End).
func (v *Vma) Contains(addr uint64) bool { return addr >= v.Start && addr < v.End }

// Size returns the VMA's length in bytes.
func (v *Vma) Size() uint64 { return v.End - v.Start }

// List is a sorted, non-overlapping collection of VMAs for one address
// space.
type List struct {
	mu    sync.Mutex
	areas []*Vma
}

// Add inserts a new VMA, refusing to exceed MaxVMAs or overlap an
// existing area.
func (l *List) Add(start, end uint64, prot archutil.Prot, typ Type) *Vma {
	return l.addFile(start, end, prot, typ, 0, 0)
}

// AddFile inserts a file-backed VMA.
func (l *List) AddFile(start, end uint64, prot archutil.Prot, inode, offset uint64) *Vma {
	return l.addFile(start, end, prot, TypeFile, inode, offset)
}

func (l *List) addFile(start, end uint64, prot archutil.Prot, typ Type, inode, offset uint64) *Vma {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.areas) >= MaxVMAs {
		return nil
	}
	for _, a := range l.areas {
		if start < a.End && end > a.Start {
			return nil // overlap
		}
	}
	v := &Vma{Start: start, End: end, Prot: prot, Type: typ, FileInode: inode, FileOffset: offset}
	l.areas = append(l.areas, v)
	sort.Slice(l.areas, func(i, j int) bool { return l.areas[i].Start < l.areas[j].Start })
	return v
}

// Find returns the VMA containing addr, or nil.
func (l *List) Find(addr uint64) *Vma {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.findLocked(addr)
}

func (l *List) findLocked(addr uint64) *Vma {
	// areas is sorted and non-overlapping; MaxVMAs is small (64), so a
	// linear scan suffices.
	for _, a := range l.areas {
		if a.Contains(addr) {
			return a
		}
	}
	return nil
}

// Remove deletes v from the list.
func (l *List) Remove(v *Vma) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, a := range l.areas {
		if a == v {
			l.areas = append(l.areas[:i], l.areas[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveRange deletes every VMA fully inside [start, end).
func (l *List) RemoveRange(start, end uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.areas[:0]
	for _, a := range l.areas {
		if a.Start >= start && a.End <= end {
			continue
		}
		kept = append(kept, a)
	}
	l.areas = kept
}

// Count reports the number of VMAs currently tracked.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.areas)
}

// Clear removes every VMA.
func (l *List) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.areas = nil
}

// FaultResult reports how a demand page fault was resolved.
type FaultResult uint8

const (
	FaultHandled FaultResult = iota
	FaultUnhandled
	FaultStackGrow
	FaultError
)

// MapCallback maps a physical page at a virtual address with the given
// protection, returning false on failure.
type MapCallback func(virt, phys uint64, prot archutil.Prot) bool

// AllocPage allocates and zeroes one physical page, used by
// HandleDemandFault for anonymous and stack-growth faults.
type PageAllocator interface {
	AllocPage() uint64
	ZeroPage(phys uint64)
}

// HandleDemandFault resolves a page fault against l: anonymous/file
// VMAs get a freshly allocated zero page mapped in; GUARD VMAs and
// addresses outside any VMA are unhandled; a write/read just below a
// STACK VMA grows it by one page, up to MaxStackSize.
func HandleDemandFault(l *List, pmm PageAllocator, faultAddr uint64, isWrite bool, mapPage MapCallback) FaultResult {
	pageAddr := archutil.PageRoundDown(faultAddr)

	grew := false
	l.mu.Lock()
	v := l.findLocked(pageAddr)
	if v == nil {
		v = findStackGrowCandidate(l, pageAddr)
		if v != nil {
			if v.End-pageAddr > MaxStackSize {
				l.mu.Unlock()
				return FaultUnhandled
			}
			v.Start -= archutil.PageSize
			grew = true
			sort.Slice(l.areas, func(i, j int) bool { return l.areas[i].Start < l.areas[j].Start })
		}
	}
	l.mu.Unlock()

	if v == nil {
		return FaultUnhandled
	}
	if v.Type == TypeGuard {
		return FaultUnhandled
	}
	if isWrite && v.Prot&archutil.ProtWrite == 0 {
		return FaultUnhandled
	}

	phys := pmm.AllocPage()
	if phys == 0 {
		return FaultError
	}
	pmm.ZeroPage(phys)
	if !mapPage(pageAddr, phys, v.Prot) {
		return FaultError
	}
	if grew {
		return FaultStackGrow
	}
	return FaultHandled
}

// findStackGrowCandidate looks for a STACK VMA whose current start is
// exactly one page above pageAddr, the "fault just below the stack"
// growth trigger.
func findStackGrowCandidate(l *List, pageAddr uint64) *Vma {
	for _, a := range l.areas {
		if a.Type == TypeStack && a.Start == pageAddr+archutil.PageSize {
			return a
		}
	}
	return nil
}
