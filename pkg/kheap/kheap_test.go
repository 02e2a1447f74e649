package kheap

import (
	"testing"

	"github.com/vkern/viper/pkg/archutil"
)

type fakePages struct {
	next uint64
}

func (f *fakePages) AllocPages(n uint64) uint64 {
	addr := f.next
	f.next += n * archutil.PageSize
	return addr
}

func (f *fakePages) FreePages(uint64, uint64) {}

func TestAllocFreeRoundTrip(t *testing.T) {
	h := &Heap{}
	if !h.Init(&fakePages{next: 0x1000}) {
		t.Fatal("init failed")
	}

	a := h.Alloc(100)
	if a == 0 {
		t.Fatal("alloc returned 0")
	}
	sz, ok := h.Size(a)
	if !ok || sz < 100 {
		t.Fatalf("unexpected size %d ok=%v", sz, ok)
	}

	h.Free(a)
	if _, ok := h.Size(a); ok {
		t.Fatal("freed block still tracked as allocated")
	}
}

func TestAllocDistinctBlocksDoNotOverlap(t *testing.T) {
	h := &Heap{}
	h.Init(&fakePages{next: 0x2000})

	a := h.Alloc(64)
	b := h.Alloc(64)
	if a == b {
		t.Fatalf("two live allocations share address %x", a)
	}
}

func TestFreeCoalescesAdjacentBlocks(t *testing.T) {
	h := &Heap{}
	h.Init(&fakePages{next: 0x3000})

	before := h.TotalFree()
	a := h.Alloc(128)
	b := h.Alloc(128)
	h.Free(a)
	h.Free(b)
	h.Coalesce()

	if got := h.TotalFree(); got != before {
		t.Fatalf("expected free bytes to return to baseline %d, got %d", before, got)
	}
}

func TestDoubleFreeIsRejectedNotPanicked(t *testing.T) {
	h := &Heap{}
	h.Init(&fakePages{next: 0x4000})

	a := h.Alloc(32)
	h.Free(a)
	h.Free(a) // must not panic; logs corruption and returns
}

func TestAllocZeroReturnsZero(t *testing.T) {
	h := &Heap{}
	h.Init(&fakePages{next: 0x5000})
	if addr := h.Alloc(0); addr != 0 {
		t.Fatalf("Alloc(0) = %x, want 0", addr)
	}
}

func TestAllocIsSixteenByteAligned(t *testing.T) {
	h := &Heap{}
	h.Init(&fakePages{next: 0x7000})

	for _, size := range []uint64{1, 7, 16, 33, 100, 4096} {
		a := h.Alloc(size)
		if a == 0 {
			t.Fatalf("Alloc(%d) failed", size)
		}
		if a%16 != 0 {
			t.Fatalf("Alloc(%d) = %#x, not 16-byte aligned", size, a)
		}
	}
}

func TestReallocGrowsAndKeepsSmallerRequestsInPlace(t *testing.T) {
	h := &Heap{}
	h.Init(&fakePages{next: 0x8000})

	a := h.Alloc(64)
	if got := h.Realloc(a, 32, nil); got != a {
		t.Fatalf("shrinking realloc should stay in place, got %#x want %#x", got, a)
	}

	var copied uint64
	b := h.Realloc(a, 512, func(dst, src, n uint64) { copied = n })
	if b == 0 {
		t.Fatal("growing realloc failed")
	}
	if copied != 64 {
		t.Fatalf("expected the old block's 64 bytes handed to the copier, got %d", copied)
	}
	if _, ok := h.Size(a); ok && b != a {
		t.Fatal("old block should be freed after a moving realloc")
	}
	if sz, ok := h.Size(b); !ok || sz < 512 {
		t.Fatalf("new block size = %d ok=%v, want >= 512", sz, ok)
	}
}

func TestHeapExpandsPastInitialArena(t *testing.T) {
	h := &Heap{}
	h.Init(&fakePages{next: 0x6000})

	var addrs []uint64
	for i := 0; i < 2000; i++ {
		a := h.Alloc(4096)
		if a == 0 {
			break
		}
		addrs = append(addrs, a)
	}
	if len(addrs) < 20 {
		t.Fatalf("expected heap to expand and serve many large allocations, got %d", len(addrs))
	}
}
