// Package buddy implements a power-of-two block allocator.
//
// A C kernel stores each free block's order tag and free-list link
// in the block's own first bytes, a pointer trick unavailable (and
// unsafe) in Go, and meaningless here since this kernel simulation has no
// byte-addressable backing store for "physical" RAM. Per the
// "pointer graphs with cycles" note, the free-list link is pulled out into
// an explicit side table: each order keeps an ordered set of free block
// base addresses. The allocation algorithm (smallest-order-first
// search, split-on-demand, XOR-buddy coalescing) is otherwise
// unchanged.
package buddy

import (
	"sort"
	"sync"

	"github.com/vkern/viper/pkg/archutil"
)

// MaxOrder bounds block size at PageSize << (MaxOrder-1).
const MaxOrder = 11 // up to 4 MiB contiguous runs

// Allocator manages a single contiguous physical region as power-of-two
// blocks.
type Allocator struct {
	mu sync.Mutex

	memStart, memEnd uint64
	totalPages       uint64
	initialized      bool

	// freeLists[order] holds the base addresses of free blocks of that
	// order, kept sorted for deterministic allocation order and binary
	// search removal.
	freeLists [MaxOrder][]uint64
}

// Init carves [memStart, memEnd) into free blocks, reserving
// [memStart, reservedEnd) from allocation.
func (a *Allocator) Init(memStart, memEnd, reservedEnd uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		return false
	}

	memStart = archutil.PageRoundUp(memStart)
	memEnd = archutil.PageRoundDown(memEnd)
	reservedEnd = archutil.PageRoundUp(reservedEnd)

	if memEnd <= memStart || reservedEnd >= memEnd {
		return false
	}

	a.memStart, a.memEnd = memStart, memEnd
	a.totalPages = (memEnd - memStart) >> 12

	addr := reservedEnd
	for addr < memEnd {
		order := uint32(MaxOrder - 1)
		for order > 0 {
			blockSize := uint64(archutil.PageSize) << order
			if addr&(blockSize-1) != 0 || addr+blockSize > memEnd {
				order--
				continue
			}
			break
		}
		blockSize := uint64(archutil.PageSize) << order
		a.addFree(addr, order)
		addr += blockSize
	}

	a.initialized = true
	return true
}

// AllocPages allocates a 2^order run of pages, returning its base address
// or 0 on exhaustion.
func (a *Allocator) AllocPages(order uint32) uint64 {
	if order >= MaxOrder {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return 0
	}

	cur := order
	for cur < MaxOrder && len(a.freeLists[cur]) == 0 {
		cur++
	}
	if cur >= MaxOrder {
		return 0
	}
	for cur > order {
		a.splitBlock(cur)
		cur--
	}
	return a.popFree(order)
}

// AllocPage is AllocPages(0).
func (a *Allocator) AllocPage() uint64 { return a.AllocPages(0) }

// FreePages releases a previously allocated 2^order run, coalescing with
// its buddy when possible.
func (a *Allocator) FreePages(addr uint64, order uint32) {
	if order >= MaxOrder {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || addr < a.memStart || addr >= a.memEnd {
		return
	}
	blockSize := uint64(archutil.PageSize) << order
	if addr&(blockSize-1) != 0 {
		return
	}
	a.tryCoalesce(addr, order)
}

// FreePage is FreePages(addr, 0).
func (a *Allocator) FreePage(addr uint64) { a.FreePages(addr, 0) }

// FreePagesCount returns the total number of free pages across all orders.
func (a *Allocator) FreePagesCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freePagesCountLocked()
}

func (a *Allocator) freePagesCountLocked() uint64 {
	if !a.initialized {
		return 0
	}
	var total uint64
	for order, list := range a.freeLists {
		total += uint64(len(list)) << uint(order)
	}
	return total
}

// TotalPages returns the page count of the whole managed region.
func (a *Allocator) TotalPages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalPages
}

// buddyAddr computes the XOR-buddy address for a block.
func buddyAddr(addr uint64, order uint32) uint64 {
	return addr ^ (uint64(archutil.PageSize) << order)
}

func (a *Allocator) addFree(addr uint64, order uint32) {
	list := a.freeLists[order]
	i := sort.Search(len(list), func(i int) bool { return list[i] >= addr })
	list = append(list, 0)
	copy(list[i+1:], list[i:])
	list[i] = addr
	a.freeLists[order] = list
}

func (a *Allocator) removeFree(addr uint64, order uint32) bool {
	list := a.freeLists[order]
	i := sort.Search(len(list), func(i int) bool { return list[i] >= addr })
	if i >= len(list) || list[i] != addr {
		return false
	}
	a.freeLists[order] = append(list[:i], list[i+1:]...)
	return true
}

func (a *Allocator) popFree(order uint32) uint64 {
	list := a.freeLists[order]
	if len(list) == 0 {
		return 0
	}
	addr := list[0]
	a.freeLists[order] = list[1:]
	return addr
}

func (a *Allocator) tryCoalesce(addr uint64, order uint32) {
	for order < MaxOrder-1 {
		bAddr := buddyAddr(addr, order)
		if bAddr < a.memStart || bAddr >= a.memEnd {
			a.addFree(addr, order)
			return
		}
		if !a.removeFree(bAddr, order) {
			a.addFree(addr, order)
			return
		}
		if bAddr < addr {
			addr = bAddr
		}
		order++
	}
	a.addFree(addr, order)
}

func (a *Allocator) splitBlock(order uint32) {
	if order == 0 || order >= MaxOrder || len(a.freeLists[order]) == 0 {
		return
	}
	addr := a.popFree(order)
	lower := order - 1
	blockSize := uint64(archutil.PageSize) << lower
	a.addFree(addr, lower)
	a.addFree(addr+blockSize, lower)
}

// PagesToOrder returns the smallest order whose block holds at least
// count pages.
func PagesToOrder(count uint64) uint32 {
	order := uint32(0)
	for (uint64(1) << order) < count {
		order++
	}
	return order
}
