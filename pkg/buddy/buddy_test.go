package buddy

import "testing"

const (
	testStart = uint64(0x100000)
	testEnd   = uint64(0x900000) // 8 MiB region
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	var a Allocator
	if !a.Init(testStart, testEnd, testStart) {
		t.Fatal("init failed")
	}
	return &a
}

func TestAllocFreeRestoresState(t *testing.T) {
	a := newTestAllocator(t)
	before := a.FreePagesCount()

	for order := uint32(0); order < 4; order++ {
		addr := a.AllocPages(order)
		if addr == 0 {
			t.Fatalf("alloc order %d failed", order)
		}
		if addr&((uint64(4096)<<order)-1) != 0 {
			t.Fatalf("order %d block %x not aligned to its size", order, addr)
		}
		a.FreePages(addr, order)
		if got := a.FreePagesCount(); got != before {
			t.Fatalf("order %d: free pages = %d, want baseline %d", order, got, before)
		}
	}
}

func TestSplitAndCoalesce(t *testing.T) {
	a := newTestAllocator(t)
	before := a.FreePagesCount()

	// Drain single pages so higher orders must split down.
	var pages []uint64
	for i := 0; i < 32; i++ {
		addr := a.AllocPage()
		if addr == 0 {
			t.Fatalf("alloc %d failed", i)
		}
		pages = append(pages, addr)
	}
	for _, addr := range pages {
		a.FreePage(addr)
	}
	if got := a.FreePagesCount(); got != before {
		t.Fatalf("free pages = %d, want baseline %d", got, before)
	}
}

func TestNoFreeBuddiesAtSameOrder(t *testing.T) {
	a := newTestAllocator(t)

	// Fragment, then release everything: coalescing must leave no pair
	// of same-order buddies both free.
	var pages []uint64
	for i := 0; i < 64; i++ {
		pages = append(pages, a.AllocPage())
	}
	for i := len(pages) - 1; i >= 0; i-- {
		a.FreePage(pages[i])
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for order := uint32(0); order < MaxOrder-1; order++ {
		list := a.freeLists[order]
		seen := make(map[uint64]bool, len(list))
		for _, addr := range list {
			seen[addr] = true
		}
		for _, addr := range list {
			if seen[buddyAddr(addr, order)] {
				t.Fatalf("order %d: %x and its buddy are both free", order, addr)
			}
		}
	}
}

func TestDistinctAllocationsDoNotOverlap(t *testing.T) {
	a := newTestAllocator(t)

	x := a.AllocPages(2) // 4 pages
	y := a.AllocPages(2)
	if x == 0 || y == 0 {
		t.Fatal("alloc failed")
	}
	size := uint64(4 * 4096)
	if x < y+size && y < x+size {
		t.Fatalf("blocks overlap: %x and %x", x, y)
	}
}

func TestExhaustionReturnsZero(t *testing.T) {
	var a Allocator
	// Two-page region.
	if !a.Init(0x100000, 0x102000, 0x100000) {
		t.Fatal("init failed")
	}
	if a.AllocPage() == 0 || a.AllocPage() == 0 {
		t.Fatal("expected two pages available")
	}
	if addr := a.AllocPage(); addr != 0 {
		t.Fatalf("expected exhaustion, got %x", addr)
	}
}

func TestFreeOutOfRangeIgnored(t *testing.T) {
	a := newTestAllocator(t)
	before := a.FreePagesCount()
	a.FreePage(0xDEAD0000)
	if got := a.FreePagesCount(); got != before {
		t.Fatalf("out-of-range free changed state: %d -> %d", before, got)
	}
}

func TestPagesToOrder(t *testing.T) {
	cases := []struct {
		pages uint64
		order uint32
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {8, 3}, {9, 4},
	}
	for _, c := range cases {
		if got := PagesToOrder(c.pages); got != c.order {
			t.Errorf("PagesToOrder(%d) = %d, want %d", c.pages, got, c.order)
		}
	}
}
