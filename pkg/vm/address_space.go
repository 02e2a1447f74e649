package vm

import (
	"sync"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/cow"
	"github.com/vkern/viper/pkg/klog"
)

const entriesPerTable = 512

// PageSource is the subset of pmm.Manager an AddressSpace needs to walk
// and populate its own page tables.
type PageSource interface {
	AllocPage() uint64
	AllocPages(n uint64) uint64
	FreePage(phys uint64)
	FreePages(phys, n uint64)
	Dmap(phys, n uint64) []byte
	ZeroPage(phys uint64)
}

// SwapReleaser is the subset of swap.Manager that Destroy needs to
// return a paged-out frame's slot to the swap bitmap.
type SwapReleaser interface {
	FreeSlot(entry uint64)
}

// maxASID bounds the ASID space to [1, 256): ASID 0 is reserved for
// the kernel's own TTBR0.
const maxASID = 256

// asidBitmap is the global ASID allocator, protected by its own lock
// distinct from the per-address-space table lock, since ASIDs are a
// kernel-wide resource shared across every AddressSpace.
type asidBitmap struct {
	mu   sync.Mutex
	used [maxASID]bool
}

var globalASIDs asidBitmap

// alloc hands out the lowest free ASID in [1, 256), or 0 on exhaustion.
func (b *asidBitmap) alloc() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 1; i < maxASID; i++ {
		if !b.used[i] {
			b.used[i] = true
			return uint16(i)
		}
	}
	return 0
}

// free releases asid back to the pool. A zero or out-of-range asid is a
// no-op, matching the rest of this kernel's "diagnostics, not traps" free
// policy.
func (b *asidBitmap) free(asid uint16) {
	if asid == 0 || int(asid) >= maxASID {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used[asid] = false
}

// AddressSpace owns one process's page table root and VMA list, and
// walks/writes the simulated table through pmm.Dmap rather than real
// pointer dereferences.
type AddressSpace struct {
	mu   sync.Mutex
	pmm  PageSource
	tlb  archutil.TLB
	cow  *cow.Manager
	root uint64 // physical address of the L0 table, 0 if uninitialized
	asid uint16
	swap SwapReleaser

	Vmas List
}

// AttachSwap wires a swap manager so Destroy can release slots backing
// any paged-out entries still installed when the address space is torn
// down. Optional: an address space created without one simply skips
// swap-slot release on destroy.
func (as *AddressSpace) AttachSwap(s SwapReleaser) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.swap = s
}

// Init allocates a zeroed L0 table and assigns a fresh ASID.
func (as *AddressSpace) Init(pmm PageSource, tlb archutil.TLB, c *cow.Manager) bool {
	as.mu.Lock()
	defer as.mu.Unlock()

	root := pmm.AllocPage()
	if root == 0 {
		return false
	}
	asid := globalASIDs.alloc()
	if asid == 0 {
		pmm.FreePage(root)
		klog.L("vm").Warn("address space init: ASID space exhausted")
		return false
	}
	pmm.ZeroPage(root)

	as.pmm = pmm
	as.tlb = tlb
	as.cow = c
	as.root = root
	as.asid = asid
	return true
}

// IsValid reports whether Init succeeded and Destroy has not yet run.
func (as *AddressSpace) IsValid() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.root != 0
}

// ASID returns the address space's allocated ASID.
func (as *AddressSpace) ASID() uint16 { return as.asid }

// TTBR0 returns the register value that activates this address space:
// the L0 table base tagged with the ASID in the high bits.
func (as *AddressSpace) TTBR0() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return archutil.TTBR0(as.root, as.asid)
}

// TLB exposes the maintenance backend so callers that write code into
// mapped pages (the ELF loader) can issue the cache operations the
// hardware needs before executing it.
func (as *AddressSpace) TLB() archutil.TLB { return as.tlb }

// Dmap exposes the underlying PMM's physical-to-bytes view, so callers
// that already hold an AddressSpace (e.g. pkg/loader copying segment
// data) don't need a second PMM reference.
func (as *AddressSpace) Dmap(phys, n uint64) []byte { return as.pmm.Dmap(phys, n) }

func (as *AddressSpace) table(phys uint64) []uint64 {
	raw := as.pmm.Dmap(phys, archutil.PageSize)
	words := make([]uint64, entriesPerTable)
	for i := range words {
		words[i] = leUint64(raw[i*8:])
	}
	return words
}

func (as *AddressSpace) writeTable(phys uint64, words []uint64) {
	raw := as.pmm.Dmap(phys, archutil.PageSize)
	for i, w := range words {
		putLeUint64(raw[i*8:], w)
	}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// getOrAllocTable returns the physical address of the next-level table
// referenced by parent[index], allocating and zeroing a new one if the
// slot is empty.
func (as *AddressSpace) getOrAllocTable(parent uint64, index uint64) uint64 {
	words := as.table(parent)
	entry := words[index]
	if entry&archutil.PTEValid != 0 {
		return archutil.PhysAddr(entry)
	}
	child := as.pmm.AllocPage()
	if child == 0 {
		return 0
	}
	as.pmm.ZeroPage(child)
	words[index] = child&archutil.PTEAddrMask | archutil.PTEValid | archutil.PTETable
	as.writeTable(parent, words)
	return child
}

// Map installs leaf PTEs covering [virt, virt+size) to the physical
// range starting at phys, allocating any missing intermediate tables.
func (as *AddressSpace) Map(virt, phys uint64, size uint64, prot archutil.Prot) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == 0 {
		return false
	}

	pages := (size + archutil.PageSize - 1) / archutil.PageSize
	for i := uint64(0); i < pages; i++ {
		va := virt + i*archutil.PageSize
		pa := phys + i*archutil.PageSize
		idx := archutil.DecomposeVA(va)

		l1 := as.getOrAllocTable(as.root, idx.L0)
		if l1 == 0 {
			return false
		}
		l2 := as.getOrAllocTable(l1, idx.L1)
		if l2 == 0 {
			return false
		}
		l3 := as.getOrAllocTable(l2, idx.L2)
		if l3 == 0 {
			return false
		}

		entry := archutil.LeafPTE(pa, prot, false)
		words := as.table(l3)
		words[idx.L3] = entry
		as.writeTable(l3, words)

		as.tlb.CleanToPoU(va, archutil.PageSize)
		as.tlb.FlushPage(va, as.asid)
	}
	return true
}

// Unmap clears leaf PTEs over [virt, virt+size) without freeing
// intermediate tables.
func (as *AddressSpace) Unmap(virt, size uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == 0 {
		return
	}

	pages := (size + archutil.PageSize - 1) / archutil.PageSize
	for i := uint64(0); i < pages; i++ {
		va := virt + i*archutil.PageSize
		idx := archutil.DecomposeVA(va)

		l0 := as.table(as.root)
		if l0[idx.L0]&archutil.PTEValid == 0 {
			continue
		}
		l1 := as.table(archutil.PhysAddr(l0[idx.L0]))
		if l1[idx.L1]&archutil.PTEValid == 0 {
			continue
		}
		l2 := as.table(archutil.PhysAddr(l1[idx.L1]))
		if l2[idx.L2]&archutil.PTEValid == 0 {
			continue
		}
		l3phys := archutil.PhysAddr(l2[idx.L2])
		l3 := as.table(l3phys)
		l3[idx.L3] = 0
		as.writeTable(l3phys, l3)

		as.tlb.FlushPage(va, as.asid)
	}
}

// AllocMap allocates a contiguous run of fresh physical pages, zeroes
// them, and maps them at virt.
func (as *AddressSpace) AllocMap(virt, size uint64, prot archutil.Prot) uint64 {
	pages := (size + archutil.PageSize - 1) / archutil.PageSize
	phys := as.pmm.AllocPages(pages)
	if phys == 0 {
		return 0
	}
	for i := uint64(0); i < pages; i++ {
		as.pmm.ZeroPage(phys + i*archutil.PageSize)
	}
	if !as.Map(virt, phys, pages*archutil.PageSize, prot) {
		as.pmm.FreePages(phys, pages)
		return 0
	}
	return virt
}

// ReadPTE returns the raw leaf entry for virt: 0 if unmapped, a
// swap-shaped value if paged out, or a present PTE.
func (as *AddressSpace) ReadPTE(virt uint64) uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == 0 {
		return 0
	}
	idx := archutil.DecomposeVA(virt)
	l0 := as.table(as.root)
	if l0[idx.L0]&archutil.PTEValid == 0 {
		return 0
	}
	l1 := as.table(archutil.PhysAddr(l0[idx.L0]))
	if l1[idx.L1]&archutil.PTEValid == 0 {
		return 0
	}
	l2 := as.table(archutil.PhysAddr(l1[idx.L1]))
	if l2[idx.L2]&archutil.PTEValid == 0 {
		return 0
	}
	l3 := as.table(archutil.PhysAddr(l2[idx.L2]))
	return l3[idx.L3]
}

// WritePTE installs a raw entry at virt, allocating any missing
// intermediate tables. Used by the swap path to install a swap-encoded
// entry.
func (as *AddressSpace) WritePTE(virt uint64, entry uint64) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == 0 {
		return false
	}
	idx := archutil.DecomposeVA(virt)
	l1 := as.getOrAllocTable(as.root, idx.L0)
	if l1 == 0 {
		return false
	}
	l2 := as.getOrAllocTable(l1, idx.L1)
	if l2 == 0 {
		return false
	}
	l3 := as.getOrAllocTable(l2, idx.L2)
	if l3 == 0 {
		return false
	}
	words := as.table(l3)
	words[idx.L3] = entry
	as.writeTable(l3, words)
	as.tlb.FlushPage(virt, as.asid)
	return true
}

// Translate resolves virt to its physical address, or 0 if unmapped.
func (as *AddressSpace) Translate(virt uint64) uint64 {
	entry := as.ReadPTE(virt)
	if !archutil.IsValid(entry) {
		return 0
	}
	return archutil.PhysAddr(entry) | (virt & (archutil.PageSize - 1))
}

// CloneCOWFrom walks every mapping in parent and installs matching
// read-only entries in as, incrementing and marking each shared frame
// COW in both directions.
func (as *AddressSpace) CloneCOWFrom(parent *AddressSpace) bool {
	parent.mu.Lock()
	as.mu.Lock()
	defer as.mu.Unlock()
	defer parent.mu.Unlock()

	if parent.root == 0 || as.root == 0 {
		klog.L("vm").Warn("cow clone: invalid address space")
		return false
	}

	parentL0 := parent.table(parent.root)
	for i0 := 0; i0 < entriesPerTable; i0++ {
		if parentL0[i0]&archutil.PTEValid == 0 || parentL0[i0]&archutil.PTETable == 0 {
			continue
		}
		childL1 := as.getOrAllocTable(as.root, uint64(i0))
		if childL1 == 0 {
			return false
		}
		parentL1 := parent.table(archutil.PhysAddr(parentL0[i0]))

		for i1 := 0; i1 < entriesPerTable; i1++ {
			if parentL1[i1]&archutil.PTEValid == 0 || parentL1[i1]&archutil.PTETable == 0 {
				continue
			}
			childL2 := as.getOrAllocTable(childL1, uint64(i1))
			if childL2 == 0 {
				return false
			}
			parentL2 := parent.table(archutil.PhysAddr(parentL1[i1]))

			for i2 := 0; i2 < entriesPerTable; i2++ {
				if parentL2[i2]&archutil.PTEValid == 0 || parentL2[i2]&archutil.PTETable == 0 {
					continue
				}
				childL3 := as.getOrAllocTable(childL2, uint64(i2))
				if childL3 == 0 {
					return false
				}
				parentL3phys := archutil.PhysAddr(parentL2[i2])
				parentL3 := parent.table(parentL3phys)
				childL3Words := as.table(childL3)

				for i3 := 0; i3 < entriesPerTable; i3++ {
					entry := parentL3[i3]
					if !archutil.IsValid(entry) {
						continue
					}
					physPage := archutil.PhysAddr(entry)
					cowEntry := archutil.WithReadOnly(entry)

					childL3Words[i3] = cowEntry
					parentL3[i3] = cowEntry

					as.cow.IncRef(physPage)
					as.cow.MarkCOW(physPage)
				}
				as.writeTable(childL3, childL3Words)
				parent.writeTable(parentL3phys, parentL3)
			}
		}
	}

	as.tlb.FlushASID(parent.asid)
	as.tlb.FlushASID(as.asid)
	return true
}

// MakeCOWReadonly walks every user mapping and sets AP_RO, used when a
// fork must retroactively protect pages that were mapped read-write
// before the child address space existed.
func (as *AddressSpace) MakeCOWReadonly() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == 0 {
		return
	}
	l0 := as.table(as.root)
	for i0 := 0; i0 < entriesPerTable; i0++ {
		if l0[i0]&archutil.PTEValid == 0 || l0[i0]&archutil.PTETable == 0 {
			continue
		}
		l1phys := archutil.PhysAddr(l0[i0])
		l1 := as.table(l1phys)
		for i1 := 0; i1 < entriesPerTable; i1++ {
			if l1[i1]&archutil.PTEValid == 0 || l1[i1]&archutil.PTETable == 0 {
				continue
			}
			l2phys := archutil.PhysAddr(l1[i1])
			l2 := as.table(l2phys)
			for i2 := 0; i2 < entriesPerTable; i2++ {
				if l2[i2]&archutil.PTEValid == 0 || l2[i2]&archutil.PTETable == 0 {
					continue
				}
				l3phys := archutil.PhysAddr(l2[i2])
				l3 := as.table(l3phys)
				changed := false
				for i3 := 0; i3 < entriesPerTable; i3++ {
					if archutil.IsValid(l3[i3]) && !archutil.IsReadOnly(l3[i3]) {
						l3[i3] = archutil.WithReadOnly(l3[i3])
						changed = true
					}
				}
				if changed {
					as.writeTable(l3phys, l3)
				}
			}
		}
	}
	as.tlb.FlushASID(as.asid)
}

// Destroy walks all four table levels, releasing every leaf frame and
// intermediate table this address space owns, then frees L0 and
// returns the ASID to the global pool. COW-shared frames have their
// refcount decremented by exactly one rather than being freed out from
// under a sibling, and swap slots covered by swap entries in this
// address space are released.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.root == 0 {
		return
	}

	l0 := as.table(as.root)
	for i0 := 0; i0 < entriesPerTable; i0++ {
		if l0[i0]&archutil.PTEValid == 0 || l0[i0]&archutil.PTETable == 0 {
			continue
		}
		l1phys := archutil.PhysAddr(l0[i0])
		l1 := as.table(l1phys)
		for i1 := 0; i1 < entriesPerTable; i1++ {
			if l1[i1]&archutil.PTEValid == 0 || l1[i1]&archutil.PTETable == 0 {
				continue
			}
			l2phys := archutil.PhysAddr(l1[i1])
			l2 := as.table(l2phys)
			for i2 := 0; i2 < entriesPerTable; i2++ {
				if l2[i2]&archutil.PTEValid == 0 || l2[i2]&archutil.PTETable == 0 {
					continue
				}
				l3phys := archutil.PhysAddr(l2[i2])
				l3 := as.table(l3phys)
				for i3 := 0; i3 < entriesPerTable; i3++ {
					as.freeLeaf(l3[i3])
				}
				as.pmm.FreePage(l3phys)
			}
			as.pmm.FreePage(l2phys)
		}
		as.pmm.FreePage(l1phys)
	}

	as.pmm.FreePage(as.root)
	as.root = 0
	as.Vmas.Clear()
	globalASIDs.free(as.asid)
	as.asid = 0
}

// freeLeaf releases whatever a single L3 entry refers to: a swap slot,
// a COW-shared frame (refcount decremented; the frame stays allocated
// for the address spaces that still map it, and the last one frees it
// once the refcount is back to zero), or an untracked frame (freed
// directly).
func (as *AddressSpace) freeLeaf(entry uint64) {
	if _, ok := archutil.DecodeSwapEntry(entry); ok {
		if as.swap != nil {
			as.swap.FreeSlot(entry)
		}
		return
	}
	if !archutil.IsValid(entry) {
		return
	}
	phys := archutil.PhysAddr(entry)
	if as.cow.GetRef(phys) == 0 {
		as.pmm.FreePage(phys)
		return
	}
	as.cow.DecRef(phys)
}
