package cow

import (
	"sync"
	"testing"

	"github.com/vkern/viper/pkg/archutil"
)

const (
	testStart = uint64(0x4000_0000)
	testEnd   = testStart + 64*archutil.PageSize
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	var m Manager
	if !m.Init(testStart, testEnd) {
		t.Fatal("init failed")
	}
	return &m
}

func TestRefCountLifecycle(t *testing.T) {
	m := newTestManager(t)
	p := testStart + archutil.PageSize

	if got := m.GetRef(p); got != 0 {
		t.Fatalf("fresh frame refcount = %d, want 0", got)
	}
	m.IncRef(p)
	m.IncRef(p)
	if got := m.GetRef(p); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	if m.DecRef(p) {
		t.Fatal("DecRef reported zero with one reference remaining")
	}
	if !m.DecRef(p) {
		t.Fatal("DecRef did not report the transition to zero")
	}
	if m.DecRef(p) {
		t.Fatal("DecRef on a zero-count frame must not report zero again")
	}
}

func TestCOWFlagIndependentOfRefcount(t *testing.T) {
	m := newTestManager(t)
	p := testStart

	m.IncRef(p)
	m.MarkCOW(p)
	if !m.IsCOW(p) {
		t.Fatal("frame not marked COW")
	}
	if got := m.GetRef(p); got != 1 {
		t.Fatalf("marking COW disturbed refcount: %d", got)
	}
	m.ClearCOW(p)
	if m.IsCOW(p) {
		t.Fatal("COW flag survived clear")
	}
	if got := m.GetRef(p); got != 1 {
		t.Fatalf("clearing COW disturbed refcount: %d", got)
	}
}

func TestSubPageAddressesShareFrame(t *testing.T) {
	m := newTestManager(t)
	p := testStart + 3*archutil.PageSize

	m.IncRef(p + 0x123)
	if got := m.GetRef(p); got != 1 {
		t.Fatalf("offset address did not resolve to its frame, refcount = %d", got)
	}
}

func TestOutOfRangeIsNoOp(t *testing.T) {
	m := newTestManager(t)

	m.IncRef(testEnd)
	m.MarkCOW(testEnd)
	if m.GetRef(testEnd) != 0 || m.IsCOW(testEnd) {
		t.Fatal("out-of-range frame acquired state")
	}
	if m.DecRef(testStart - archutil.PageSize) {
		t.Fatal("out-of-range DecRef reported a zero transition")
	}
}

func TestConcurrentRefCounting(t *testing.T) {
	m := newTestManager(t)
	p := testStart + 2*archutil.PageSize

	const workers = 8
	const perWorker = 1000

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				m.IncRef(p)
			}
		}()
	}
	wg.Wait()

	if got := m.GetRef(p); got != workers*perWorker {
		t.Fatalf("refcount = %d, want %d", got, workers*perWorker)
	}

	zeros := 0
	var mu sync.Mutex
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if m.DecRef(p) {
					mu.Lock()
					zeros++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if got := m.GetRef(p); got != 0 {
		t.Fatalf("refcount = %d, want 0", got)
	}
	if zeros != 1 {
		t.Fatalf("zero transition observed %d times, want exactly 1", zeros)
	}
}

func TestRefcountSaturates(t *testing.T) {
	m := newTestManager(t)
	p := testStart + 4*archutil.PageSize

	for i := 0; i < 0x10002; i++ {
		m.IncRef(p)
	}
	if got := m.GetRef(p); got != 0xFFFF {
		t.Fatalf("refcount = %#x, want saturation at 0xFFFF", got)
	}
}
