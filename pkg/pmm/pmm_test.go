package pmm

import (
	"testing"

	"github.com/vkern/viper/pkg/archutil"
)

const (
	testRAMStart = uint64(0x4000_0000)
	testRAMSize  = uint64(16 * 1024 * 1024)
	testFBSize   = uint64(2 * 1024 * 1024)
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	var m Manager
	m.Init(testRAMStart, testRAMSize, testRAMStart, testFBSize)
	if m.GetFreePages() == 0 {
		t.Fatal("no free pages after init")
	}
	return &m
}

func TestFramebufferPagesReserved(t *testing.T) {
	m := newTestManager(t)
	free := m.GetFreePages()
	fbPages := testFBSize / archutil.PageSize
	if free > m.GetTotalPages()-fbPages {
		t.Fatalf("framebuffer reservation leaked into free pool: free=%d total=%d", free, m.GetTotalPages())
	}
}

func TestBalancedAllocFreeReturnsToBaseline(t *testing.T) {
	m := newTestManager(t)
	baseline := m.GetUsedPages()

	var pages []uint64
	for i := 0; i < 100; i++ {
		p := m.AllocPage()
		if p == 0 {
			t.Fatalf("alloc %d failed", i)
		}
		pages = append(pages, p)
	}
	for _, p := range pages {
		m.FreePage(p)
	}

	if got := m.GetUsedPages(); got != baseline {
		t.Fatalf("used pages = %d, want baseline %d", got, baseline)
	}
}

func TestContiguousRunBalances(t *testing.T) {
	m := newTestManager(t)
	baseline := m.GetUsedPages()

	// 3 pages forces the buddy to round up to order 2 internally; the
	// surplus page must come back so the books still balance.
	p := m.AllocPages(3)
	if p == 0 {
		t.Fatal("contiguous alloc failed")
	}
	if got := m.GetUsedPages(); got != baseline+3 {
		t.Fatalf("used pages after AllocPages(3) = %d, want %d", got, baseline+3)
	}
	m.FreePages(p, 3)
	if got := m.GetUsedPages(); got != baseline {
		t.Fatalf("used pages = %d, want baseline %d", got, baseline)
	}
}

func TestAllocPagesAreAlignedAndDistinct(t *testing.T) {
	m := newTestManager(t)
	seen := make(map[uint64]bool)
	for i := 0; i < 50; i++ {
		p := m.AllocPage()
		if p == 0 {
			t.Fatalf("alloc %d failed", i)
		}
		if p%archutil.PageSize != 0 {
			t.Fatalf("page %x not page-aligned", p)
		}
		if seen[p] {
			t.Fatalf("page %x handed out twice", p)
		}
		seen[p] = true
	}
}

func TestDoubleFreeIgnored(t *testing.T) {
	var m Manager
	// No framebuffer and a tiny window so the bitmap handles everything.
	m.Init(testRAMStart, 64*archutil.PageSize, testRAMStart+64*archutil.PageSize, 0)

	p := m.AllocPage()
	if p == 0 {
		t.Fatal("alloc failed")
	}
	m.FreePage(p)
	free := m.GetFreePages()
	m.FreePage(p) // logged and ignored
	if got := m.GetFreePages(); got != free {
		t.Fatalf("double free changed count: %d -> %d", free, got)
	}
}

func TestOutOfRangeFreeIgnored(t *testing.T) {
	m := newTestManager(t)
	free := m.GetFreePages()
	m.FreePage(testRAMStart - archutil.PageSize)
	m.FreePage(testRAMStart + testRAMSize)
	if got := m.GetFreePages(); got != free {
		t.Fatalf("out-of-range free changed count: %d -> %d", free, got)
	}
}

func TestBitmapFallbackWhenBuddyExhausted(t *testing.T) {
	var m Manager
	// Framebuffer in the middle: 8 bitmap pages below, 8 buddy pages above.
	start := testRAMStart
	m.Init(start, 17*archutil.PageSize, start+8*archutil.PageSize, archutil.PageSize)

	var pages []uint64
	for {
		p := m.AllocPage()
		if p == 0 {
			break
		}
		pages = append(pages, p)
	}
	if len(pages) != 16 {
		t.Fatalf("expected 16 allocatable pages, got %d", len(pages))
	}
	// Both halves must have been tapped.
	var below, above int
	for _, p := range pages {
		if p < start+8*archutil.PageSize {
			below++
		} else {
			above++
		}
	}
	if below == 0 || above == 0 {
		t.Fatalf("expected allocations from both regions, below=%d above=%d", below, above)
	}
}

func TestDmapRoundTrip(t *testing.T) {
	m := newTestManager(t)
	p := m.AllocPage()
	if p == 0 {
		t.Fatal("alloc failed")
	}
	b := m.Dmap(p, archutil.PageSize)
	b[0] = 0xAB
	b[archutil.PageSize-1] = 0xCD

	again := m.Dmap(p, archutil.PageSize)
	if again[0] != 0xAB || again[archutil.PageSize-1] != 0xCD {
		t.Fatal("Dmap views do not alias the same storage")
	}

	m.ZeroPage(p)
	if again[0] != 0 || again[archutil.PageSize-1] != 0 {
		t.Fatal("ZeroPage left data behind")
	}
}

func TestPageIndex(t *testing.T) {
	m := newTestManager(t)
	if got := m.PageIndex(testRAMStart); got != 0 {
		t.Fatalf("PageIndex(ramStart) = %d, want 0", got)
	}
	if got := m.PageIndex(testRAMStart + 5*archutil.PageSize); got != 5 {
		t.Fatalf("PageIndex = %d, want 5", got)
	}
}
