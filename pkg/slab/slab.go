// Package slab implements O(1) fixed-size object caches layered on
// the page allocator.
//
// Each slab threads a per-slab free list through the object payloads
// themselves, and its header records the owning cache for an O(1)
// ownership check on free. Go has no safe way to overlay a struct onto
// an arbitrary []byte the way C does with a cast, but pkg/pmm already
// exposes a Dmap([]byte) view of physical memory, so the free-list
// threading works the usual way: each free slot's first 8 bytes hold
// the address of the next free slot (0 terminates), written and read
// through Dmap.
// The Slab header itself (cache back-pointer, in-use count) lives in
// an out-of-band table keyed by page address, the same move kheap
// makes for its block headers.
package slab

import (
	"sync"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/klog"
)

const (
	pageSize    = archutil.PageSize
	minObjSize  = 8 // must hold a free-list link (8 bytes)
	objectAlign = 8
)

// PageSource is the subset of pmm.Manager the slab allocator needs.
type PageSource interface {
	AllocPages(n uint64) uint64
	FreePages(phys, n uint64)
	Dmap(phys, n uint64) []byte
}

// header is the out-of-band stand-in for an in-page Slab struct,
// keyed by the slab's page address so free() can resolve
// ptr &^ (PAGE_SIZE-1) to an owning cache in O(1), exactly as
// an in-page header would.
type header struct {
	cache    *Cache
	freeHead uint64 // address of first free object, 0 if empty
	inUse    uint32
	total    uint32
}

// Cache manages fixed-size objects carved from pages obtained from the
// PMM.
type Cache struct {
	mu sync.Mutex

	name          string
	objectSize    uint32
	objectsPerSlab uint32

	table      *Table
	slabs      []uint64 // all slab page addresses owned by this cache
	partial    map[uint64]bool

	allocCount uint64
	freeCount  uint64
}

// Table is the global slab-cache registry. A single global lock
// protects iteration/create/destroy; each cache then takes its own
// lock for alloc/free.
type Table struct {
	mu      sync.Mutex
	pmm     PageSource
	caches  map[string]*Cache
	headers map[uint64]*header // page addr -> owning slab header, shared across caches
}

// NewTable creates the slab-cache table and pre-creates the standard
// caches: inode, task, viper, channel.
func NewTable(pmm PageSource) *Table {
	t := &Table{
		pmm:     pmm,
		caches:  make(map[string]*Cache),
		headers: make(map[uint64]*header),
	}
	for name, size := range map[string]uint32{
		"inode":   128,
		"task":    256,
		"viper":   256,
		"channel": 64,
	} {
		t.CreateCache(name, size)
	}
	klog.L("slab").Info("slab allocator initialized")
	return t
}

// CreateCache creates a new cache for fixed-size objects, rounding the
// object size up to 8-byte alignment and at least minObjSize.
func (t *Table) CreateCache(name string, objectSize uint32) *Cache {
	t.mu.Lock()
	defer t.mu.Unlock()

	if objectSize < minObjSize {
		objectSize = minObjSize
	}
	objectSize = (objectSize + objectAlign - 1) &^ (objectAlign - 1)

	c := &Cache{
		name:           name,
		objectSize:     objectSize,
		objectsPerSlab: pageSize / objectSize,
		table:          t,
		partial:        make(map[uint64]bool),
	}
	t.caches[name] = c
	return c
}

// Cache looks up a pre-created cache by name.
func (t *Table) Cache(name string) *Cache {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.caches[name]
}

// newSlab obtains one page from the PMM, threads a free list through
// every object slot, and registers its header (the
// "no partial slab available" path).
func (c *Cache) newSlab() (uint64, bool) {
	page := c.table.pmm.AllocPages(1)
	if page == 0 {
		return 0, false
	}

	buf := c.table.pmm.Dmap(page, pageSize)
	for i := range buf {
		buf[i] = 0
	}

	var head uint64
	for i := int(c.objectsPerSlab) - 1; i >= 0; i-- {
		addr := page + uint64(i)*uint64(c.objectSize)
		writeNext(c.table.pmm, addr, head)
		head = addr
	}

	c.table.mu.Lock()
	c.table.headers[page] = &header{cache: c, freeHead: head, inUse: 0, total: c.objectsPerSlab}
	c.table.mu.Unlock()

	c.slabs = append(c.slabs, page)
	c.partial[page] = true
	return page, true
}

func writeNext(pmm PageSource, addr, next uint64) {
	b := pmm.Dmap(addr, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(next >> (8 * i))
	}
}

func readNext(pmm PageSource, addr uint64) uint64 {
	b := pmm.Dmap(addr, 8)
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Alloc returns an uninitialized object, or 0 on exhaustion.
func (c *Cache) Alloc() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var page uint64
	found := false
	for p := range c.partial {
		page, found = p, true
		break
	}
	if !found {
		var ok bool
		page, ok = c.newSlab()
		if !ok {
			klog.L("slab").WithField("cache", c.name).Warn("out of memory for new slab")
			return 0
		}
	}

	c.table.mu.Lock()
	h := c.table.headers[page]
	addr := h.freeHead
	h.freeHead = readNext(c.table.pmm, addr)
	h.inUse++
	empty := h.freeHead == 0
	c.table.mu.Unlock()

	if empty {
		delete(c.partial, page)
	}
	c.allocCount++
	return addr
}

// Zalloc is Alloc followed by zeroing the object's bytes.
func (c *Cache) Zalloc() uint64 {
	addr := c.Alloc()
	if addr == 0 {
		return 0
	}
	b := c.table.pmm.Dmap(addr, uint64(c.objectSize))
	for i := range b {
		b[i] = 0
	}
	return addr
}

// Free returns an object to its owning slab, verifying ownership in O(1)
// via the page-keyed header and scanning the free list for a matching
// pointer to reject double frees. A free into the wrong cache is
// refused.
func (c *Cache) Free(ptr uint64) {
	if ptr == 0 {
		return
	}
	page := ptr &^ (pageSize - 1)

	c.table.mu.Lock()
	h, ok := c.table.headers[page]
	if !ok || h.cache != c {
		c.table.mu.Unlock()
		klog.Corruption("slab", "free into wrong or unknown cache", map[string]interface{}{"cache": c.name, "ptr": ptr})
		return
	}
	for cur := h.freeHead; cur != 0; cur = readNext(c.table.pmm, cur) {
		if cur == ptr {
			c.table.mu.Unlock()
			klog.Corruption("slab", "double free detected", map[string]interface{}{"cache": c.name, "ptr": ptr})
			return
		}
	}
	wasFull := h.freeHead == 0
	writeNext(c.table.pmm, ptr, h.freeHead)
	h.freeHead = ptr
	h.inUse--
	c.table.mu.Unlock()

	c.mu.Lock()
	if wasFull {
		c.partial[page] = true
	}
	c.mu.Unlock()
	c.freeCount++
}

// Reap walks every slab in the cache and returns fully-idle ones to the
// PMM, repairing the partial-list bookkeeping it held.
func (c *Cache) Reap() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var reaped uint64
	live := c.slabs[:0:0]
	for _, page := range c.slabs {
		c.table.mu.Lock()
		h := c.table.headers[page]
		idle := h.inUse == 0
		if idle {
			delete(c.table.headers, page)
		}
		c.table.mu.Unlock()

		if idle {
			c.table.pmm.FreePages(page, 1)
			delete(c.partial, page)
			reaped++
			continue
		}
		live = append(live, page)
	}
	c.slabs = live
	return reaped
}

// Stats reports the slab count and object usage/capacity for diagnostics.
func (c *Cache) Stats() (slabs int, used, total uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, page := range c.slabs {
		c.table.mu.Lock()
		h := c.table.headers[page]
		used += h.inUse
		total += h.total
		c.table.mu.Unlock()
	}
	return len(c.slabs), used, total
}

// Name returns the cache's debug name.
func (c *Cache) Name() string { return c.name }

// ObjectSize returns the rounded object size for this cache.
func (c *Cache) ObjectSize() uint32 { return c.objectSize }
