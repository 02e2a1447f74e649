// Package cap implements the per-process capability table: typed
// handles with rights bitmasks, generation counters, and derivation
// tracking for cascading revocation.
//
// A C kernel threads the free list through the unused object field of
// each entry (a classic intrusive trick: an unused slot's "object"
// pointer is reinterpreted as the index of the next free slot). Go's
// type system doesn't allow that, so entry carries an explicit
// nextFree field used only while the slot is free. Same
// free-list-in-the-slot idea, typed instead of reinterpreted.
//
// Rights are a named bitmask with set/has/intersect helpers over a
// plain integer, the way POSIX capability sets are usually modeled.
package cap

import "sync"

// Kind tags the type of object a capability entry references.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindProcess
	KindChannel
	KindMemory
	KindDevice
	KindFile
)

// Rights is a bitmask of operations a handle permits.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightExec
	RightDerive
	RightDuplicate
	RightDestroy
)

// Has reports whether r contains every bit in required.
func (r Rights) Has(required Rights) bool { return r&required == required }

// Intersect returns the rights common to both sets, the operation
// insert_bounded and derive both use to narrow a request.
func (r Rights) Intersect(other Rights) Rights { return r & other }

// NoParent marks a root capability with no derivation ancestor.
const NoParent uint32 = 0xFFFFFFFF

const freeListEnd uint32 = 0xFFFFFFFF

// Handle is a 32-bit token: index in the low 24 bits, generation in the
// high 8 bits. Generations start at 1 so no live handle ever equals the
// all-zero Invalid sentinel.
type Handle uint32

// Invalid is the sentinel handle returned on failure.
const Invalid Handle = 0

func makeHandle(index uint32, gen uint8) Handle {
	return Handle((index & 0x00FFFFFF) | (uint32(gen) << 24))
}

func (h Handle) index() uint32 { return uint32(h) & 0x00FFFFFF }
func (h Handle) gen() uint8    { return uint8(uint32(h) >> 24) }

// Entry is one slot in the capability table.
type Entry struct {
	Object      interface{}
	Kind        Kind
	Rights      Rights
	generation  uint8
	ParentIndex uint32
	nextFree    uint32 // valid only while Kind == KindInvalid
}

// Table is a per-process handle namespace with a fixed capacity,
// generation counters, and derivation tracking.
type Table struct {
	mu       sync.Mutex
	entries  []Entry
	freeHead uint32
	count    int
}

// NewTable allocates a table with capacity slots, all initially free,
// threading every slot onto the free list.
func NewTable(capacity int) *Table {
	t := &Table{entries: make([]Entry, capacity)}
	for i := 0; i < capacity; i++ {
		next := uint32(i + 1)
		if i == capacity-1 {
			next = freeListEnd
		}
		t.entries[i] = Entry{Kind: KindInvalid, ParentIndex: NoParent, generation: 1, nextFree: next}
	}
	t.freeHead = 0
	if capacity == 0 {
		t.freeHead = freeListEnd
	}
	return t
}

// Insert allocates a free slot for a root capability.
func (t *Table) Insert(object interface{}, kind Kind, rights Rights) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(object, kind, rights, NoParent)
}

func (t *Table) insertLocked(object interface{}, kind Kind, rights Rights, parent uint32) Handle {
	if t.freeHead == freeListEnd {
		return Invalid
	}
	index := t.freeHead
	e := &t.entries[index]
	t.freeHead = e.nextFree

	e.Object = object
	e.Kind = kind
	e.Rights = rights
	e.ParentIndex = parent
	t.count++

	return makeHandle(index, e.generation)
}

// InsertBounded masks the requested rights by the process's capability
// bounding set before inserting. This is the only path by which
// untrusted code obtains new handles.
func (t *Table) InsertBounded(object interface{}, kind Kind, rights Rights, boundingSet Rights) Handle {
	return t.Insert(object, kind, rights.Intersect(boundingSet))
}

func (t *Table) getLocked(h Handle) *Entry {
	if h == Invalid {
		return nil
	}
	idx := h.index()
	if int(idx) >= len(t.entries) {
		return nil
	}
	e := &t.entries[idx]
	if e.Kind == KindInvalid {
		return nil
	}
	if e.generation != h.gen() {
		return nil
	}
	return e
}

// Get resolves a handle to its entry, validating index and generation.
func (t *Table) Get(h Handle) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.getLocked(h)
}

// GetChecked additionally validates the entry's kind.
func (t *Table) GetChecked(h Handle, kind Kind) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getLocked(h)
	if e == nil || e.Kind != kind {
		return nil
	}
	return e
}

// GetWithRights additionally validates kind and that the entry's rights
// are a superset of required.
func (t *Table) GetWithRights(h Handle, kind Kind, required Rights) *Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.getLocked(h)
	if e == nil || e.Kind != kind || !e.Rights.Has(required) {
		return nil
	}
	return e
}

// Remove invalidates a handle: bumps the generation so any stored copy
// stops resolving, then returns the slot to the free list.
func (t *Table) Remove(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(h)
}

func (t *Table) removeLocked(h Handle) {
	if h == Invalid {
		return
	}
	idx := h.index()
	if int(idx) >= len(t.entries) {
		return
	}
	e := &t.entries[idx]
	if e.Kind == KindInvalid {
		return
	}
	e.generation++
	if e.generation == 0 {
		e.generation = 1
	}
	e.Kind = KindInvalid
	e.Rights = 0
	e.Object = nil
	e.nextFree = t.freeHead
	t.freeHead = idx
	t.count--
}

// Derive creates a new entry referencing the same object with rights
// narrowed to the intersection of the source's rights and newRights,
// requiring RightDerive on the source.
func (t *Table) Derive(h Handle, newRights Rights) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.getLocked(h)
	if e == nil || !e.Rights.Has(RightDerive) {
		return Invalid
	}
	allowed := e.Rights.Intersect(newRights)
	return t.insertLocked(e.Object, e.Kind, allowed, h.index())
}

// Revoke recursively removes every entry derived (transitively) from h,
// then removes h itself, returning the total count revoked.
func (t *Table) Revoke(h Handle) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.revokeLocked(h)
}

func (t *Table) revokeLocked(h Handle) uint32 {
	e := t.getLocked(h)
	if e == nil {
		return 0
	}
	index := h.index()

	var revoked uint32
	for i := range t.entries {
		child := &t.entries[i]
		if child.Kind != KindInvalid && child.ParentIndex == index {
			childHandle := makeHandle(uint32(i), child.generation)
			revoked += t.revokeLocked(childHandle)
		}
	}
	t.removeLocked(h)
	return revoked + 1
}

// Count reports the number of live entries.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Capacity reports the table's fixed slot count.
func (t *Table) Capacity() int { return len(t.entries) }

// ForEach calls fn with the handle and entry of every live capability,
// used by exec-style process replacement to collect the handles to
// drop in one locked scan.
func (t *Table) ForEach(fn func(h Handle, e *Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		e := &t.entries[i]
		if e.Kind == KindInvalid {
			continue
		}
		fn(makeHandle(uint32(i), e.generation), e)
	}
}
