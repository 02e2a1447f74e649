// Package kheap is the segregated free-list kernel heap.
//
// A C kernel threads free-list links through the freed bytes themselves
// (FreeBlock.next living inside reclaimed user data) and tags each block
// with an in-place BlockHeader. That pointer-into-memory trick has no
// meaningful Go translation without unsafe: a byte slice backing the heap
// has nothing for a Go struct to embed a self-reference into. So
// here the header and free-list link both live in an explicit side
// table, a sorted []block per size class, while keeping the size
// classes, per-CPU arena cache, first-fit-by-class search, and
// two-mode coalescing (sort then linear merge up to 256 blocks, per-class
// pairwise merge above it) intact.
package kheap

import (
	"sort"
	"sync"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/klog"
)

// Magic tags drive the block-header corruption check: a block table
// entry that doesn't carry one of these is itself the corruption
// signal.
type magic uint8

const (
	magicAlloc magic = iota + 1
	magicFree
	magicPoison
)

const (
	alignment      = 16
	minBlockSize   = 32
	maxHeapSize    = 64 * 1024 * 1024
	initialPages   = 16
	numSizeClasses = 9
	percpuClasses  = 6 // size classes 0..5 (32..1024 bytes) get a per-CPU cache
	percpuCacheCap = 8
	maxCPUs        = 8
	coalesceLimit  = 256 // above this many free blocks, fall back to per-class merge
)

// sizeClassLimits mirrors SIZE_CLASS_LIMITS: the last entry is the
// catch-all "large" class.
var sizeClassLimits = [numSizeClasses]uint64{32, 64, 128, 256, 512, 1024, 2048, 4096, ^uint64(0)}

func sizeClass(size uint64) int {
	for i := 0; i < numSizeClasses-1; i++ {
		if size <= sizeClassLimits[i] {
			return i
		}
	}
	return numSizeClasses - 1
}

func alignUp(v uint64) uint64 { return (v + alignment - 1) &^ (alignment - 1) }

// block describes one region of the heap, free or allocated, by address
// and size rather than an in-memory header.
type block struct {
	addr  uint64
	size  uint64
	magic magic
}

type region struct{ start, end uint64 }

// PageSource is the subset of pmm.Manager the heap needs to grow itself.
// Kept as an interface so tests can supply a small fake backing store
// instead of a full physical memory manager.
type PageSource interface {
	AllocPages(n uint64) uint64
	FreePages(phys, n uint64)
}

// Heap is a kernel-heap instance. Every Kernel owns exactly one, but
// nothing here is a package global.
type Heap struct {
	mu sync.Mutex

	pmm PageSource

	regions  []region
	heapSize uint64

	// freeLists[class] holds free blocks of that size class, sorted by
	// address to ease coalescing.
	freeLists [numSizeClasses][]block
	// allocated tracks live allocations by address so Free can look up
	// size and validate the magic without a header to read.
	allocated map[uint64]block

	percpu      [maxCPUs]percpuArena
	percpuReady bool

	totalAllocated uint64
	totalFree      uint64
}

type percpuArena struct {
	mu    sync.Mutex
	lists [percpuClasses][]block // free blocks cached per class, exact class size only
}

// Init allocates the heap's first 64 KiB arena from pmm and sets up the
// per-CPU caches.
func (h *Heap) Init(pmm PageSource) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pmm = pmm
	first := pmm.AllocPages(initialPages)
	if first == 0 {
		klog.L("kheap").Error("failed to allocate initial heap")
		return false
	}

	size := uint64(initialPages) * archutil.PageSize
	h.regions = append(h.regions, region{first, first + size})
	h.heapSize = size
	h.allocated = make(map[uint64]block)

	h.addFree(block{addr: first, size: size, magic: magicFree})
	h.totalFree = size
	h.percpuReady = true

	klog.L("kheap").WithField("size_kb", size/1024).Info("kernel heap initialized")
	return true
}

func (h *Heap) isInHeap(addr uint64) bool {
	for _, r := range h.regions {
		if addr >= r.start && addr < r.end {
			return true
		}
	}
	return false
}

func (h *Heap) addFree(b block) {
	b.magic = magicFree
	class := sizeClass(b.size)
	list := h.freeLists[class]
	i := sort.Search(len(list), func(i int) bool { return list[i].addr >= b.addr })
	list = append(list, block{})
	copy(list[i+1:], list[i:])
	list[i] = b
	h.freeLists[class] = list
}

func (h *Heap) removeFree(class int, addr uint64) (block, bool) {
	list := h.freeLists[class]
	i := sort.Search(len(list), func(i int) bool { return list[i].addr >= addr })
	if i >= len(list) || list[i].addr != addr {
		return block{}, false
	}
	b := list[i]
	h.freeLists[class] = append(list[:i], list[i+1:]...)
	return b, true
}

func (h *Heap) expand(needed uint64) bool {
	if h.heapSize+needed > maxHeapSize {
		klog.Corruption("kheap", "would exceed maximum heap size", nil)
		return false
	}
	pages := (needed + archutil.PageSize - 1) / archutil.PageSize
	addr := h.pmm.AllocPages(pages)
	if addr == 0 {
		klog.L("kheap").Error("failed to allocate pages for heap expansion")
		return false
	}
	expSize := pages * archutil.PageSize

	if n := len(h.regions); n > 0 && h.regions[n-1].end == addr {
		h.regions[n-1].end += expSize
	} else {
		h.regions = append(h.regions, region{addr, addr + expSize})
	}
	h.heapSize += expSize
	h.addFree(block{addr: addr, size: expSize})
	return true
}

// Alloc returns the address of a size-byte allocation, 16-byte aligned,
// or 0 on exhaustion. Mirrors kmalloc's per-CPU-first, then first-fit
// global search, then heap-expand-and-retry flow.
func (h *Heap) Alloc(size uint64) uint64 {
	if size == 0 {
		return 0
	}
	required := alignUp(size)
	if required < minBlockSize {
		required = minBlockSize
	}

	class := sizeClass(required)
	if h.percpuReady && class < percpuClasses {
		if addr, ok := h.allocFromPercpu(class, required); ok {
			return addr
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocGlobalLocked(required, class)
}

func (h *Heap) currentCPU() int { return 0 } // single-threaded simulation; real scheduler would supply this

func (h *Heap) allocFromPercpu(class int, required uint64) (uint64, bool) {
	cpu := h.currentCPU()
	arena := &h.percpu[cpu]
	arena.mu.Lock()
	defer arena.mu.Unlock()

	list := arena.lists[class]
	if len(list) == 0 {
		return 0, false
	}
	b := list[len(list)-1]
	if b.size < required {
		return 0, false
	}
	arena.lists[class] = list[:len(list)-1]

	h.mu.Lock()
	b.magic = magicAlloc
	h.allocated[b.addr] = b
	h.totalAllocated += b.size
	h.totalFree -= b.size
	h.mu.Unlock()
	return b.addr, true
}

func (h *Heap) allocGlobalLocked(required uint64, class int) uint64 {
	addr, ok := h.findFitLocked(required, class)
	if !ok {
		if !h.expand(required) {
			return 0
		}
		addr, ok = h.findFitLocked(required, class)
		if !ok {
			return 0
		}
	}
	return addr
}

func (h *Heap) findFitLocked(required uint64, startClass int) (uint64, bool) {
	for c := startClass; c < numSizeClasses; c++ {
		list := h.freeLists[c]
		for i, b := range list {
			if b.size < required {
				continue
			}
			h.freeLists[c] = append(list[:i:i], list[i+1:]...)
			h.totalFree -= b.size
			remaining := b.size - required
			if remaining >= minBlockSize {
				h.addFree(block{addr: b.addr + required, size: remaining})
				h.totalFree += remaining
			} else {
				required = b.size // absorb the slack into this allocation
			}
			h.allocated[b.addr] = block{addr: b.addr, size: required, magic: magicAlloc}
			h.totalAllocated += required
			return b.addr, true
		}
	}
	return 0, false
}

// Zalloc is Alloc followed by a caller-supplied zero of the returned
// region; the heap has no backing bytes of its own to zero, so callers
// pass the zeroing function (typically pmm.Manager.Dmap-backed).
func (h *Heap) Zalloc(size uint64, zero func(addr, n uint64)) uint64 {
	addr := h.Alloc(size)
	if addr != 0 && zero != nil {
		zero(addr, size)
	}
	return addr
}

// Free releases an allocation made by Alloc, returning small blocks to
// the per-CPU cache unless doing so would skip coalescing with an
// adjacent free neighbor.
func (h *Heap) Free(addr uint64) {
	if addr == 0 {
		return
	}
	h.mu.Lock()
	b, ok := h.allocated[addr]
	if !ok {
		h.mu.Unlock()
		klog.Corruption("kheap", "free of untracked or double-freed block", map[string]interface{}{"addr": addr})
		return
	}
	delete(h.allocated, addr)
	h.totalAllocated -= b.size
	class := sizeClass(b.size)

	nextIsFree := h.hasFreeAt(addr + b.size)
	h.mu.Unlock()

	// Only exact class-sized blocks are cached so a later pop can
	// satisfy any request in the class.
	if h.percpuReady && class < percpuClasses && b.size == sizeClassLimits[class] && !nextIsFree {
		cpu := h.currentCPU()
		arena := &h.percpu[cpu]
		arena.mu.Lock()
		if len(arena.lists[class]) < percpuCacheCap {
			b.magic = magicFree
			arena.lists[class] = append(arena.lists[class], b)
			arena.mu.Unlock()
			h.mu.Lock()
			h.totalFree += b.size
			h.mu.Unlock()
			return
		}
		arena.mu.Unlock()
	}

	h.mu.Lock()
	h.addFree(b)
	h.totalFree += b.size
	h.mu.Unlock()
	h.Coalesce()
}

func (h *Heap) hasFreeAt(addr uint64) bool {
	for c := 0; c < numSizeClasses; c++ {
		list := h.freeLists[c]
		i := sort.Search(len(list), func(i int) bool { return list[i].addr >= addr })
		if i < len(list) && list[i].addr == addr {
			return true
		}
	}
	return false
}

// Coalesce merges adjacent free blocks across all size classes. Below
// coalesceLimit total free blocks it uses a single sorted pass; above
// that it falls back to cheaper per-class pairwise merging to bound
// the scratch space.
func (h *Heap) Coalesce() {
	percpuBytes := h.percpuFreeBytes()

	h.mu.Lock()
	defer h.mu.Unlock()

	var total int
	for _, list := range h.freeLists {
		total += len(list)
	}
	if total <= 1 {
		return
	}

	if total > coalesceLimit {
		h.coalescePerClassLocked()
		return
	}

	all := make([]block, 0, total)
	for c := range h.freeLists {
		all = append(all, h.freeLists[c]...)
		h.freeLists[c] = nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].addr < all[j].addr })

	merged := all[:0:0]
	h.totalFree = percpuBytes
	for _, b := range all {
		if len(merged) > 0 {
			prev := &merged[len(merged)-1]
			if prev.addr+prev.size == b.addr {
				prev.size += b.size
				continue
			}
		}
		merged = append(merged, b)
	}
	for _, b := range merged {
		h.addFree(b)
		h.totalFree += b.size
	}
}

// percpuFreeBytes sums the bytes parked in per-CPU caches, taken
// before the global lock so the arena/global lock order stays
// consistent with the alloc path.
func (h *Heap) percpuFreeBytes() uint64 {
	var total uint64
	for cpu := range h.percpu {
		arena := &h.percpu[cpu]
		arena.mu.Lock()
		for _, list := range arena.lists {
			for _, b := range list {
				total += b.size
			}
		}
		arena.mu.Unlock()
	}
	return total
}

func (h *Heap) coalescePerClassLocked() {
	for c := range h.freeLists {
		for {
			merged := false
			list := h.freeLists[c]
			for i := 0; i+1 < len(list); i++ {
				if list[i].addr+list[i].size == list[i+1].addr {
					list[i].size += list[i+1].size
					list = append(list[:i+1], list[i+2:]...)
					merged = true
					break
				}
			}
			h.freeLists[c] = list
			if !merged {
				break
			}
		}
	}
}

// Realloc resizes an allocation. The old block's size is read under
// the lock to close the race with a concurrent free; the byte move
// itself is delegated to copyFn since the heap tracks layout, not
// contents (same convention as Zalloc).
func (h *Heap) Realloc(addr, newSize uint64, copyFn func(dst, src, n uint64)) uint64 {
	if addr == 0 {
		return h.Alloc(newSize)
	}
	if newSize == 0 {
		h.Free(addr)
		return 0
	}

	h.mu.Lock()
	b, ok := h.allocated[addr]
	h.mu.Unlock()
	if !ok {
		klog.Corruption("kheap", "realloc of untracked or freed block", map[string]interface{}{"addr": addr})
		return 0
	}
	if newSize <= b.size {
		return addr
	}

	newAddr := h.Alloc(newSize)
	if newAddr == 0 {
		return 0
	}
	if copyFn != nil {
		copyFn(newAddr, addr, b.size)
	}
	h.Free(addr)
	return newAddr
}

// TotalAllocated reports the bytes currently live in allocations.
func (h *Heap) TotalAllocated() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalAllocated
}

// TotalFree reports the bytes currently sitting in free blocks.
func (h *Heap) TotalFree() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalFree
}

// Size returns the address range size of an outstanding allocation, used
// by Realloc and by callers that need to bounds-check a kheap pointer.
func (h *Heap) Size(addr uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.allocated[addr]
	return b.size, ok
}
