// Package loader implements ELF image loading and process
// spawn/replace.
//
// ELF header/program-header parsing uses the standard library's
// debug/elf rather than a hand-rolled struct overlay; there's no reason
// to re-parse e_phoff/e_phnum by hand when the standard library already
// validates the format. Only PT_LOAD is interpreted.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/blockdev"
	"github.com/vkern/viper/pkg/cap"
	"github.com/vkern/viper/pkg/klog"
	"github.com/vkern/viper/pkg/sched"
	"github.com/vkern/viper/pkg/vm"
)

// User address space layout: chosen to fit this kernel's 48-bit VA
// space with room for code, heap growth, and a 1 MiB initial stack
// that demand faults can grow down to vm.MaxStackSize.
const (
	UserCodeBase  = 0x0000_0000_0040_0000
	UserHeapBase  = 0x0000_0000_1000_0000
	UserStackSize = 1 << 20
	UserStackTop  = 0x0000_7FFF_FFFF_F000
)

// LoadResult reports where an image was placed.
type LoadResult struct {
	Success    bool
	EntryPoint uint64
	BaseAddr   uint64
	Brk        uint64
}

// SpawnResult reports the outcome of spawning a new task from an ELF
// image.
type SpawnResult struct {
	Success bool
	Task    *sched.Task
	Brk     uint64
}

// ReplaceResult reports the outcome of replacing a process's image
// in-place.
type ReplaceResult struct {
	Success    bool
	EntryPoint uint64
}

func protFromFlags(f elf.ProgFlag) archutil.Prot {
	var p archutil.Prot
	if f&elf.PF_R != 0 {
		p |= archutil.ProtRead
	}
	if f&elf.PF_W != 0 {
		p |= archutil.ProtWrite
	}
	if f&elf.PF_X != 0 {
		p |= archutil.ProtExec
	}
	return p
}

// loadSegment maps one PT_LOAD segment into as, zeroing BSS-style
// padding and copying file contents at the segment's offset within
// its first page.
func loadSegment(as *vm.AddressSpace, prog *elf.Prog, fileData []byte, baseAddr uint64) (uint64, bool) {
	vaddr := baseAddr + prog.Vaddr
	vaddrAligned := archutil.PageRoundDown(vaddr)
	offsetInPage := vaddr - vaddrAligned
	memSize := prog.Memsz + offsetInPage
	pages := (memSize + archutil.PageSize - 1) / archutil.PageSize

	prot := protFromFlags(prog.Flags)

	if as.AllocMap(vaddrAligned, pages*archutil.PageSize, prot) == 0 {
		klog.L("loader").Warn("failed to map segment")
		return 0, false
	}

	phys := as.Translate(vaddrAligned)
	if phys == 0 {
		klog.L("loader").Warn("failed to translate segment address")
		return 0, false
	}

	if prog.Filesz > 0 {
		if prog.Off+prog.Filesz > uint64(len(fileData)) {
			klog.L("loader").Warn("segment extends beyond file")
			return 0, false
		}
		src := fileData[prog.Off : prog.Off+prog.Filesz]
		dest := as.Dmap(phys, uint64(pages)*archutil.PageSize)
		copy(dest[offsetInPage:], src)
	}

	// The CPU will fetch from an executable segment: clean the written
	// range to the point of unification and invalidate the instruction
	// cache before anything jumps into it.
	if prot&archutil.ProtExec != 0 {
		tlb := as.TLB()
		tlb.CleanToPoU(vaddrAligned, pages*archutil.PageSize)
		tlb.InvalidateICache(vaddrAligned, pages*archutil.PageSize)
	}

	return vaddr + prog.Memsz, true
}

// LoadELF parses an in-memory ELF image and maps its PT_LOAD segments
// into as. ET_DYN images are based at
// UserCodeBase; ET_EXEC images load at their linked addresses.
func LoadELF(as *vm.AddressSpace, data []byte) LoadResult {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		klog.L("loader").WithField("err", err).Warn("invalid ELF header")
		return LoadResult{}
	}
	defer f.Close()

	baseAddr := uint64(0)
	if f.Type == elf.ET_DYN {
		baseAddr = UserCodeBase
	}

	var maxAddr uint64
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		end, ok := loadSegment(as, prog, data, baseAddr)
		if !ok {
			return LoadResult{}
		}
		if end > maxAddr {
			maxAddr = end
		}
	}

	return LoadResult{
		Success:    true,
		EntryPoint: baseAddr + f.Entry,
		BaseAddr:   baseAddr,
		Brk:        archutil.PageRoundUp(maxAddr),
	}
}

// LoadELFFromDevice reads size bytes at offset from dev and loads
// them as an ELF image. There is no filesystem layer: the image is
// addressed as a raw block-device range.
func LoadELFFromDevice(as *vm.AddressSpace, dev *blockdev.Device, offset, size uint64) (LoadResult, error) {
	buf := make([]byte, size)
	if err := dev.ReadAt(buf, offset); err != nil {
		return LoadResult{}, fmt.Errorf("loader: read ELF image: %w", err)
	}
	return LoadELF(as, buf), nil
}

// SetupUserStack allocates and maps the fixed user stack region,
// returning its top. The stack grows down from there.
func SetupUserStack(as *vm.AddressSpace) uint64 {
	stackBase := uint64(UserStackTop - UserStackSize)
	if as.AllocMap(stackBase, UserStackSize, archutil.ProtRead|archutil.ProtWrite) == 0 {
		klog.L("loader").Warn("failed to map user stack")
		return 0
	}
	return UserStackTop
}

// Spawn loads elfData into as, maps a stack, registers VMAs for the
// resulting code and stack regions, creates a scheduling task at the
// entry point with the mapped stack, and enqueues it.
func Spawn(as *vm.AddressSpace, sch *sched.Scheduler, elfData []byte, name string, taskID uint64) SpawnResult {
	result := LoadELF(as, elfData)
	if !result.Success {
		klog.L("loader").WithField("name", name).Warn("ELF load failed")
		return SpawnResult{}
	}

	stackTop := SetupUserStack(as)
	if stackTop == 0 {
		return SpawnResult{}
	}

	as.Vmas.Add(result.BaseAddr, result.Brk, archutil.ProtRead|archutil.ProtExec, vm.TypeFile)
	as.Vmas.Add(UserStackTop-UserStackSize, UserStackTop, archutil.ProtRead|archutil.ProtWrite, vm.TypeStack)
	// heap_start/heap_break are tracked by the caller
	// (pkg/viper's Process) as result.Brk; no heap VMA is installed
	// here; growth installs it on first brk.

	t := sched.NewTask(taskID, name)
	sch.Enqueue(t)

	klog.L("loader").WithFields(map[string]interface{}{
		"name": name, "pid": taskID, "entry": result.EntryPoint,
	}).Info("process spawned")

	return SpawnResult{Success: true, Task: t, Brk: result.Brk}
}

// ReplaceProcess tears down as's current mappings and capability table
// (except handles in preserve), loads a new image, and re-establishes
// the heap/stack VMAs: the exec-style "replace the running image"
// path.
func ReplaceProcess(as *vm.AddressSpace, capTable *cap.Table, elfData []byte, preserve []cap.Handle) ReplaceResult {
	as.Vmas.Clear()

	keep := make(map[cap.Handle]bool, len(preserve))
	for _, h := range preserve {
		keep[h] = true
	}
	var toRemove []cap.Handle
	capTable.ForEach(func(h cap.Handle, _ *cap.Entry) {
		if !keep[h] {
			toRemove = append(toRemove, h)
		}
	})
	for _, h := range toRemove {
		capTable.Remove(h)
	}

	result := LoadELF(as, elfData)
	if !result.Success {
		klog.L("loader").Warn("replace: ELF load failed")
		return ReplaceResult{}
	}

	if SetupUserStack(as) == 0 {
		klog.L("loader").Warn("replace: stack setup failed")
		return ReplaceResult{}
	}

	if result.Brk > UserHeapBase {
		as.Vmas.Add(UserHeapBase, result.Brk, archutil.ProtRead|archutil.ProtWrite, vm.TypeAnonymous)
	}
	as.Vmas.Add(UserStackTop-UserStackSize, UserStackTop, archutil.ProtRead|archutil.ProtWrite, vm.TypeStack)

	return ReplaceResult{Success: true, EntryPoint: result.EntryPoint}
}
