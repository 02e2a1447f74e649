package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/cap"
	"github.com/vkern/viper/pkg/cow"
	"github.com/vkern/viper/pkg/pmm"
	"github.com/vkern/viper/pkg/sched"
	"github.com/vkern/viper/pkg/vm"
)

const ehdrSize = 64
const phdrSize = 56

// buildMinimalELF assembles a single-segment, statically-linked
// (ET_EXEC) AArch64 ELF64 image: one PT_LOAD segment containing
// payload, loaded at vaddr, with the entry point at vaddr+entryOffset.
func buildMinimalELF(vaddr uint64, entryOffset uint64, payload []byte) []byte {
	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])

	le := binary.LittleEndian
	var u16 [2]byte
	var u32 [4]byte
	var u64 [8]byte

	writeU16 := func(v uint16) { le.PutUint16(u16[:], v); buf.Write(u16[:]) }
	writeU32 := func(v uint32) { le.PutUint32(u32[:], v); buf.Write(u32[:]) }
	writeU64 := func(v uint64) { le.PutUint64(u64[:], v); buf.Write(u64[:]) }

	writeU16(2)   // e_type = ET_EXEC
	writeU16(183) // e_machine = EM_AARCH64
	writeU32(1)   // e_version
	writeU64(vaddr + entryOffset) // e_entry
	writeU64(ehdrSize)            // e_phoff
	writeU64(0)                   // e_shoff
	writeU32(0)                   // e_flags
	writeU16(ehdrSize)            // e_ehsize
	writeU16(phdrSize)            // e_phentsize
	writeU16(1)                   // e_phnum
	writeU16(0)                   // e_shentsize
	writeU16(0)                   // e_shnum
	writeU16(0)                   // e_shstrndx

	segOffset := uint64(ehdrSize + phdrSize)
	writeU32(1)                    // p_type = PT_LOAD
	writeU32(5)                    // p_flags = PF_R|PF_X
	writeU64(segOffset)            // p_offset
	writeU64(vaddr)                // p_vaddr
	writeU64(vaddr)                // p_paddr
	writeU64(uint64(len(payload))) // p_filesz
	writeU64(uint64(len(payload))) // p_memsz
	writeU64(archutil.PageSize)    // p_align

	buf.Write(payload)
	return buf.Bytes()
}

func newTestAS(t *testing.T) *vm.AddressSpace {
	t.Helper()
	var p pmm.Manager
	p.Init(0x6000_0000, 512*archutil.PageSize, 0, 0)
	var c cow.Manager
	c.Init(p.RAMStart(), p.RAMStart()+512*archutil.PageSize)
	var as vm.AddressSpace
	if !as.Init(&p, archutil.NewHostTLB(), &c) {
		t.Fatal("address space init failed")
	}
	return &as
}

func TestLoadELFMapsSegmentAndComputesEntry(t *testing.T) {
	as := newTestAS(t)
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	image := buildMinimalELF(0x40_0000, 0x10, payload)

	result := LoadELF(as, image)
	if !result.Success {
		t.Fatal("expected successful load")
	}
	if result.EntryPoint != 0x40_0010 {
		t.Fatalf("entry point = %#x, want %#x", result.EntryPoint, 0x40_0010)
	}

	phys := as.Translate(0x40_0000)
	if phys == 0 {
		t.Fatal("segment should be mapped")
	}
	data := as.Dmap(phys, archutil.PageSize)
	if !bytes.Equal(data[:len(payload)], payload) {
		t.Fatalf("segment contents = %x, want %x", data[:len(payload)], payload)
	}
}

func TestLoadELFSyncsICacheForExecutableSegment(t *testing.T) {
	as := newTestAS(t)
	image := buildMinimalELF(0x40_0000, 0, []byte{0xDE, 0xAD}) // PF_R|PF_X segment

	host, ok := archutil.AsHostTLB(as.TLB())
	if !ok {
		t.Fatal("expected the simulated TLB backend")
	}
	_, _, cleansBefore, icacheBefore := host.Counts()

	if result := LoadELF(as, image); !result.Success {
		t.Fatal("load failed")
	}

	_, _, cleansAfter, icacheAfter := host.Counts()
	if icacheAfter == icacheBefore {
		t.Fatal("expected an I-cache invalidate for the executable segment")
	}
	if cleansAfter == cleansBefore {
		t.Fatal("expected a D-cache clean to PoU for the executable segment")
	}
}

func TestLoadELFRejectsTruncatedImage(t *testing.T) {
	as := newTestAS(t)
	result := LoadELF(as, []byte{0x7f, 'E', 'L', 'F'})
	if result.Success {
		t.Fatal("expected failure on truncated/invalid ELF header")
	}
}

func TestSpawnEnqueuesTaskAndMapsStack(t *testing.T) {
	as := newTestAS(t)
	sch := sched.NewScheduler()
	image := buildMinimalELF(0x40_0000, 0, []byte{0x01, 0x02})

	result := Spawn(as, sch, image, "init", 1)
	if !result.Success {
		t.Fatal("expected spawn success")
	}
	if result.Task == nil || result.Task.Name != "init" {
		t.Fatal("expected a named task to be created")
	}
	if got := sch.PickNextOther(); got != result.Task {
		t.Fatal("spawned task should be enqueued on the scheduler")
	}
	if as.Translate(UserStackTop-archutil.PageSize) == 0 {
		t.Fatal("expected the top stack page to be mapped")
	}
}

func TestReplaceProcessPreservesSelectedHandles(t *testing.T) {
	as := newTestAS(t)
	capTable := cap.NewTable(8)
	keep := capTable.Insert(nil, cap.KindMemory, cap.RightRead)
	drop := capTable.Insert(nil, cap.KindMemory, cap.RightRead)

	image := buildMinimalELF(0x40_0000, 0, []byte{0xAA})
	result := ReplaceProcess(as, capTable, image, []cap.Handle{keep})
	if !result.Success {
		t.Fatal("expected replace to succeed")
	}
	if capTable.Get(keep) == nil {
		t.Fatal("preserved handle should still resolve")
	}
	if capTable.Get(drop) != nil {
		t.Fatal("non-preserved handle should have been removed")
	}
}
