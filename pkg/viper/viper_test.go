package viper

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/config"
)

const ehdrSize = 64
const phdrSize = 56

// buildMinimalELF assembles a single-segment, statically-linked AArch64
// ELF64 image, mirroring pkg/loader's test helper.
func buildMinimalELF(vaddr uint64, entryOffset uint64, payload []byte) []byte {
	var buf bytes.Buffer
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2, 1, 1}
	buf.Write(ident[:])

	le := binary.LittleEndian
	var u16 [2]byte
	var u32 [4]byte
	var u64 [8]byte
	writeU16 := func(v uint16) { le.PutUint16(u16[:], v); buf.Write(u16[:]) }
	writeU32 := func(v uint32) { le.PutUint32(u32[:], v); buf.Write(u32[:]) }
	writeU64 := func(v uint64) { le.PutUint64(u64[:], v); buf.Write(u64[:]) }

	writeU16(2)
	writeU16(183)
	writeU32(1)
	writeU64(vaddr + entryOffset)
	writeU64(ehdrSize)
	writeU64(0)
	writeU32(0)
	writeU16(ehdrSize)
	writeU16(phdrSize)
	writeU16(1)
	writeU16(0)
	writeU16(0)
	writeU16(0)

	segOffset := uint64(ehdrSize + phdrSize)
	writeU32(1)
	writeU32(5)
	writeU64(segOffset)
	writeU64(vaddr)
	writeU64(vaddr)
	writeU64(uint64(len(payload)))
	writeU64(uint64(len(payload)))
	writeU64(archutil.PageSize)

	buf.Write(payload)
	return buf.Bytes()
}

func testConfig(t *testing.T) config.KernelConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.TotalPages = 2048
	cfg.Memory.FramebufferPages = 256
	cfg.Memory.HeapMaxBytes = 4 << 20
	cfg.Swap.SlotCount = 64
	cfg.Swap.BackingFile = filepath.Join(t.TempDir(), "viper.swap")
	return cfg
}

func TestNewKernelWiresSubsystems(t *testing.T) {
	k := NewKernel(testConfig(t))
	if k.PMM == nil || k.Heap == nil || k.Slabs == nil || k.Sched == nil || k.Pressure == nil || k.COW == nil {
		t.Fatal("expected every core subsystem to be wired")
	}
	if k.Swap == nil {
		t.Fatal("expected swap to be wired when slot_count > 0")
	}
}

func TestSpawnLoadsELFAndEnqueuesTask(t *testing.T) {
	k := NewKernel(testConfig(t))
	image := buildMinimalELF(0x40_0000, 0x10, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	p, ok := k.Spawn("init", image, 1<<20)
	if !ok {
		t.Fatal("expected spawn to succeed")
	}
	if p.State != StateRunning {
		t.Fatalf("state = %v, want running", p.State)
	}
	if len(p.Tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(p.Tasks))
	}
	if got := k.Sched.PickNextOther(); got != p.Tasks[0] {
		t.Fatal("spawned task should be enqueued on the scheduler")
	}
	if p.HeapStart == 0 || p.HeapBreak != p.HeapStart {
		t.Fatalf("expected heap cursors to start at brk, got start=%#x break=%#x", p.HeapStart, p.HeapBreak)
	}
}

func TestBrkGrowsAndShrinksHeap(t *testing.T) {
	k := NewKernel(testConfig(t))
	image := buildMinimalELF(0x40_0000, 0, []byte{0x01})
	p, ok := k.Spawn("proc", image, 1<<20)
	if !ok {
		t.Fatal("spawn failed")
	}

	start := p.HeapBreak
	grown, ok := p.Brk(start + archutil.PageSize)
	if !ok {
		t.Fatal("expected brk growth to succeed")
	}
	if p.AS.Translate(archutil.PageRoundDown(start)) == 0 {
		t.Fatal("expected a page backing the grown heap region")
	}
	if p.Memory.Usage() == 0 {
		t.Fatal("expected memory ledger to record the growth")
	}

	shrunk, ok := p.Brk(start)
	if !ok {
		t.Fatal("expected brk shrink to succeed")
	}
	if shrunk != start {
		t.Fatalf("brk = %#x, want %#x", shrunk, start)
	}
	if grown <= start {
		t.Fatalf("grown brk %#x should exceed start %#x", grown, start)
	}
}

func TestBrkRefusesPastHeapMax(t *testing.T) {
	k := NewKernel(testConfig(t))
	image := buildMinimalELF(0x40_0000, 0, []byte{0x01})
	p, _ := k.Spawn("proc", image, 1<<30)

	_, ok := p.Brk(p.HeapStart + p.HeapMax + archutil.PageSize)
	if ok {
		t.Fatal("expected brk past heap_max to be refused")
	}
}

func TestMmapAnonymousRoundTrip(t *testing.T) {
	k := NewKernel(testConfig(t))
	image := buildMinimalELF(0x40_0000, 0, []byte{0x01})
	p, _ := k.Spawn("proc", image, 1<<20)

	addr, ok := p.MmapAnonymous(0, archutil.PageSize, archutil.ProtRead|archutil.ProtWrite, false)
	if !ok {
		t.Fatal("expected mmap to succeed")
	}
	if p.AS.Translate(addr) == 0 {
		t.Fatal("expected mmap'd page to be mapped")
	}

	p.Munmap(addr, archutil.PageSize)
	if p.AS.Translate(addr) != 0 {
		t.Fatal("expected munmap to clear the translation")
	}
}

func TestForkSharesPagesUnderCOW(t *testing.T) {
	k := NewKernel(testConfig(t))
	image := buildMinimalELF(0x40_0000, 0, []byte{0x01, 0x02, 0x03, 0x04})
	parent, ok := k.Spawn("parent", image, 1<<20)
	if !ok {
		t.Fatal("spawn failed")
	}

	child, ok := k.Fork(parent)
	if !ok {
		t.Fatal("expected fork to succeed")
	}
	if child.ParentID != parent.ID {
		t.Fatalf("child.ParentID = %d, want %d", child.ParentID, parent.ID)
	}

	parentPhys := parent.AS.Translate(0x40_0000)
	childPhys := child.AS.Translate(0x40_0000)
	if parentPhys == 0 || childPhys != parentPhys {
		t.Fatalf("expected parent and child to share the same frame, got %#x / %#x", parentPhys, childPhys)
	}
}

func TestExitTearsDownAddressSpace(t *testing.T) {
	k := NewKernel(testConfig(t))
	image := buildMinimalELF(0x40_0000, 0, []byte{0x01})
	p, ok := k.Spawn("proc", image, 1<<20)
	if !ok {
		t.Fatal("spawn failed")
	}

	k.Exit(p)
	if p.State != StateZombie {
		t.Fatalf("state = %v, want zombie", p.State)
	}
	if p.AS.Translate(0x40_0000) != 0 {
		t.Fatal("expected address space to be torn down on exit")
	}
	if k.Process(p.ID) != p {
		t.Fatal("expected the zombie to still be addressable by pid")
	}
}

func TestSwitchAddressSpaceTagsTTBR0WithASID(t *testing.T) {
	k := NewKernel(testConfig(t))
	image := buildMinimalELF(0x40_0000, 0, []byte{0x01})
	p, ok := k.Spawn("proc", image, 1<<20)
	if !ok {
		t.Fatal("spawn failed")
	}

	isbBefore := k.Regs.ISBCount()
	k.SwitchAddressSpace(p)
	if got := archutil.TTBR0ASID(k.Regs.TTBR0()); got != p.ASID() {
		t.Fatalf("TTBR0 ASID tag = %d, want %d", got, p.ASID())
	}
	if k.Regs.ISBCount() == isbBefore {
		t.Fatal("expected an ISB after the TTBR0 write")
	}
}

func TestMemoryLedgerChargeRefusesOverLimit(t *testing.T) {
	l := NewMemoryLedger(4096)
	if !l.Charge(4096) {
		t.Fatal("expected charge up to the limit to succeed")
	}
	if l.Charge(1) {
		t.Fatal("expected charge past the limit to fail")
	}
	l.Uncharge(4096)
	if l.Usage() != 0 {
		t.Fatalf("usage = %d, want 0", l.Usage())
	}
}
