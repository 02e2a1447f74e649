package swap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/blockdev"
)

type fakePMM struct{ mem map[uint64][]byte }

func (f *fakePMM) Dmap(phys, n uint64) []byte {
	buf, ok := f.mem[phys]
	if !ok {
		buf = make([]byte, n)
		f.mem[phys] = buf
	}
	return buf
}

func openTestDevice(t *testing.T, slots uint32) *blockdev.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swap.img")
	dev, err := blockdev.Open(path, uint64(slots)*archutil.PageSize, archutil.PageSize)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	t.Cleanup(func() { dev.Close(); os.Remove(path + ".lock") })
	return dev
}

func TestSwapOutInRoundTrip(t *testing.T) {
	dev := openTestDevice(t, 16)
	pmm := &fakePMM{mem: make(map[uint64][]byte)}
	var m Manager
	m.Init(dev, pmm, 16)

	src := pmm.Dmap(0x1000, archutil.PageSize)
	for i := range src {
		src[i] = byte(i)
	}

	entry := m.SwapOut(0x1000)
	if entry == 0 {
		t.Fatal("swap out failed")
	}
	if archutil.IsValid(entry) {
		t.Fatal("swap entry must not look like a valid PTE")
	}

	if ok := m.SwapIn(entry, 0x2000); !ok {
		t.Fatal("swap in failed")
	}
	dst := pmm.Dmap(0x2000, archutil.PageSize)
	for i := range dst {
		if dst[i] != byte(i) {
			t.Fatalf("byte %d mismatch: got %d want %d", i, dst[i], byte(i))
		}
	}
	if m.FreeSlots() != 16 {
		t.Fatalf("expected slot released after swap-in, free=%d", m.FreeSlots())
	}
}

func TestFreeSlotWithoutRead(t *testing.T) {
	dev := openTestDevice(t, 4)
	pmm := &fakePMM{mem: make(map[uint64][]byte)}
	var m Manager
	m.Init(dev, pmm, 4)

	entry := m.SwapOut(0x1000)
	if entry == 0 {
		t.Fatal("swap out failed")
	}
	m.FreeSlot(entry)
	if m.FreeSlots() != 4 {
		t.Fatalf("expected all slots free, got %d", m.FreeSlots())
	}
}

func TestSlotExhaustion(t *testing.T) {
	dev := openTestDevice(t, 2)
	pmm := &fakePMM{mem: make(map[uint64][]byte)}
	var m Manager
	m.Init(dev, pmm, 2)

	if e := m.SwapOut(0x1000); e == 0 {
		t.Fatal("first swap-out should succeed")
	}
	if e := m.SwapOut(0x2000); e == 0 {
		t.Fatal("second swap-out should succeed")
	}
	if e := m.SwapOut(0x3000); e != 0 {
		t.Fatal("third swap-out should fail: slots exhausted")
	}
}
