// Package viper is the kernel composition root: a Kernel owns the
// PMM, kernel heap, slab table, scheduler and pressure monitor; each
// Process owns its own address space, VMA list, and capability table.
package viper

import (
	"sync"
	"sync/atomic"

	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/blockdev"
	"github.com/vkern/viper/pkg/cap"
	"github.com/vkern/viper/pkg/config"
	"github.com/vkern/viper/pkg/cow"
	"github.com/vkern/viper/pkg/kheap"
	"github.com/vkern/viper/pkg/klog"
	"github.com/vkern/viper/pkg/loader"
	"github.com/vkern/viper/pkg/pmm"
	"github.com/vkern/viper/pkg/pressure"
	"github.com/vkern/viper/pkg/sched"
	"github.com/vkern/viper/pkg/slab"
	"github.com/vkern/viper/pkg/swap"
	"github.com/vkern/viper/pkg/vm"
)

// swapBackingDevice opens the host file backing the swap block device
// named by cfg.Swap.BackingFile, sized to hold cfg.Swap.SlotCount pages.
func swapBackingDevice(cfg config.KernelConfig) (*blockdev.Device, error) {
	size := uint64(cfg.Swap.SlotCount) * archutil.PageSize
	return blockdev.Open(cfg.Swap.BackingFile, size, archutil.PageSize)
}

// State is a process lifecycle state.
type State uint8

const (
	StateInvalid State = iota
	StateCreating
	StateRunning
	StateExiting
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateRunning:
		return "running"
	case StateExiting:
		return "exiting"
	case StateZombie:
		return "zombie"
	default:
		return "invalid"
	}
}

const (
	defaultCapTableCapacity = 64
	defaultMmapBase         = uint64(0x0000_0000_4000_0000)
)

// MemoryLedger is a per-process usage counter bounded by a limit,
// shaped like a cgroup memory controller's Usage/Limit pair. Plain
// atomic counters stand in for a real controller: there is no cgroupfs
// for a host-simulated kernel process to attach to.
type MemoryLedger struct {
	used  atomic.Uint64
	limit uint64
}

// NewMemoryLedger returns a ledger capped at limit bytes; limit of 0
// means unbounded.
func NewMemoryLedger(limit uint64) *MemoryLedger {
	return &MemoryLedger{limit: limit}
}

// Charge attempts to account n more bytes, refusing if it would exceed
// the limit.
func (l *MemoryLedger) Charge(n uint64) bool {
	for {
		cur := l.used.Load()
		if l.limit != 0 && cur+n > l.limit {
			return false
		}
		if l.used.CompareAndSwap(cur, cur+n) {
			return true
		}
	}
}

// Uncharge releases n bytes of previously charged usage, clamping at 0.
func (l *MemoryLedger) Uncharge(n uint64) {
	for {
		cur := l.used.Load()
		next := uint64(0)
		if n < cur {
			next = cur - n
		}
		if l.used.CompareAndSwap(cur, next) {
			return
		}
	}
}

func (l *MemoryLedger) Usage() uint64 { return l.used.Load() }
func (l *MemoryLedger) Limit() uint64 { return l.limit }

// Process binds an address space, a capability table, tasks, and
// memory accounting into one schedulable unit.
type Process struct {
	mu sync.Mutex

	ID    uint64
	Name  string
	State State

	AS   *vm.AddressSpace
	Caps *cap.Table

	Tasks []*sched.Task

	ParentID uint64
	Children []uint64

	HeapStart uint64
	HeapBreak uint64
	HeapMax   uint64
	MmapNext  uint64

	Memory *MemoryLedger
}

// ASID returns the process's address-space identifier.
func (p *Process) ASID() uint16 { return p.AS.ASID() }

// AddTask registers a scheduling task as belonging to this process.
func (p *Process) AddTask(t *sched.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t.ProcessID = p.ID
	p.Tasks = append(p.Tasks, t)
}

// Brk grows or shrinks the heap to newBreak, mapping or unmapping
// whole pages as needed and charging/uncharging the memory ledger.
func (p *Process) Brk(newBreak uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newBreak < p.HeapStart || newBreak > p.HeapStart+p.HeapMax {
		return p.HeapBreak, false
	}

	oldTop := archutil.PageRoundUp(p.HeapBreak)
	newTop := archutil.PageRoundUp(newBreak)

	if newTop > oldTop {
		grow := newTop - oldTop
		if !p.Memory.Charge(grow) {
			return p.HeapBreak, false
		}
		if p.AS.AllocMap(oldTop, grow, archutil.ProtRead|archutil.ProtWrite) == 0 {
			p.Memory.Uncharge(grow)
			return p.HeapBreak, false
		}
	} else if newTop < oldTop {
		shrink := oldTop - newTop
		p.AS.Unmap(newTop, shrink)
		p.Memory.Uncharge(shrink)
	}

	p.HeapBreak = newBreak
	return p.HeapBreak, true
}

// MmapAnonymous reserves size bytes of anonymous memory at the
// process's next mmap cursor (or at addr, if fixed).
func (p *Process) MmapAnonymous(addr, size uint64, prot archutil.Prot, fixed bool) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size = archutil.PageRoundUp(size)
	base := addr
	if !fixed {
		base = p.MmapNext
	}

	if !p.Memory.Charge(size) {
		return 0, false
	}
	if p.AS.AllocMap(base, size, prot) == 0 {
		p.Memory.Uncharge(size)
		return 0, false
	}
	p.AS.Vmas.Add(base, base+size, prot, vm.TypeAnonymous)

	if !fixed {
		p.MmapNext = base + size
	}
	return base, true
}

// Munmap releases an anonymous mapping installed by MmapAnonymous.
func (p *Process) Munmap(addr, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size = archutil.PageRoundUp(size)
	p.AS.Unmap(addr, size)
	p.AS.Vmas.RemoveRange(addr, addr+size)
	p.Memory.Uncharge(size)
}

// Exit tears the process down: destroys its address space (freeing
// every owned frame, decrementing COW-shared frames, releasing swap
// slots) and marks it a zombie pending reap.
func (p *Process) Exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = StateExiting
	p.AS.Destroy()
	p.State = StateZombie
}

// Kernel owns the singleton managers every Process borrows from.
type Kernel struct {
	mu sync.Mutex

	PMM      *pmm.Manager
	Heap     *kheap.Heap
	Slabs    *slab.Table
	Sched    *sched.Scheduler
	Pressure *pressure.Monitor
	COW      *cow.Manager
	Swap     *swap.Manager
	TLB      archutil.TLB
	Regs     *archutil.SysRegs

	cfg config.KernelConfig

	nextPID   uint64
	processes map[uint64]*Process
}

// NewKernel wires every subsystem manager against cfg:
// PMM first (everything else allocates pages through it),
// then COW/heap/slab/scheduler/pressure, with the pressure monitor's
// reclaim callbacks wired to the slab table's Reap and the kernel
// heap's Coalesce.
func NewKernel(cfg config.KernelConfig) *Kernel {
	k := &Kernel{
		cfg:       cfg,
		processes: make(map[uint64]*Process),
		nextPID:   1,
		TLB:       archutil.NewHostTLB(),
		Regs:      new(archutil.SysRegs),
	}

	ramSize := cfg.Memory.TotalPages * archutil.PageSize
	fbSize := cfg.Memory.FramebufferPages * archutil.PageSize
	const ramStart = 0x4000_0000

	k.PMM = new(pmm.Manager)
	k.PMM.Init(ramStart, ramSize, ramStart, fbSize)

	k.COW = new(cow.Manager)
	k.COW.Init(ramStart, ramStart+ramSize)

	k.Heap = new(kheap.Heap)
	if !k.Heap.Init(k.PMM) {
		klog.L("viper").Warn("kernel heap init failed")
	}

	k.Slabs = slab.NewTable(k.PMM)
	k.Sched = sched.NewScheduler()

	k.Pressure = new(pressure.Monitor)
	k.Pressure.Init(k.PMM)
	k.Pressure.RegisterCallback("slab_reap", func(pressure.Level) uint64 {
		var reclaimed uint64
		if cache := k.Slabs.Cache("inode"); cache != nil {
			reclaimed += cache.Reap()
		}
		if cache := k.Slabs.Cache("task"); cache != nil {
			reclaimed += cache.Reap()
		}
		return reclaimed
	})
	k.Pressure.RegisterCallback("kheap_coalesce", func(pressure.Level) uint64 {
		before := k.Heap.TotalFree()
		k.Heap.Coalesce()
		return k.Heap.TotalFree() - before
	})

	if cfg.Swap.SlotCount > 0 {
		if dev, err := swapBackingDevice(cfg); err == nil {
			k.Swap = new(swap.Manager)
			if !k.Swap.Init(dev, k.PMM, cfg.Swap.SlotCount) {
				klog.L("viper").Warn("swap init failed")
				k.Swap = nil
			}
		} else {
			klog.L("viper").WithField("err", err).Warn("swap backing device unavailable")
		}
	}

	return k
}

// NewProcess creates a Viper with a fresh address space and capability
// table in the Creating state.
func (k *Kernel) NewProcess(name string, memoryLimit uint64) *Process {
	k.mu.Lock()
	pid := k.nextPID
	k.nextPID++
	k.mu.Unlock()

	as := new(vm.AddressSpace)
	if !as.Init(k.PMM, k.TLB, k.COW) {
		klog.L("viper").WithField("name", name).Warn("address space init failed, ASID space exhausted")
		return nil
	}
	if k.Swap != nil {
		as.AttachSwap(k.Swap)
	}

	p := &Process{
		ID:       pid,
		Name:     name,
		State:    StateCreating,
		AS:       as,
		Caps:     cap.NewTable(defaultCapTableCapacity),
		HeapMax:  k.cfg.Memory.HeapMaxBytes,
		MmapNext: defaultMmapBase,
		Memory:   NewMemoryLedger(memoryLimit),
	}

	k.mu.Lock()
	k.processes[pid] = p
	k.mu.Unlock()
	return p
}

// Spawn loads an ELF image into a freshly created process, initializes
// heap_start/heap_break at the loader's brk, and enqueues its main task
// with the scheduler.
func (k *Kernel) Spawn(name string, elfData []byte, memoryLimit uint64) (*Process, bool) {
	p := k.NewProcess(name, memoryLimit)
	if p == nil {
		return nil, false
	}

	result := loader.Spawn(p.AS, k.Sched, elfData, name, p.ID)
	if !result.Success {
		p.State = StateZombie
		return p, false
	}

	p.HeapStart = result.Brk
	p.HeapBreak = result.Brk
	p.State = StateRunning
	p.AddTask(result.Task)
	return p, true
}

// Fork duplicates parent's address space under copy-on-write semantics
// and returns the new child process with its
// own capability table, heap cursors, and memory ledger mirrored from
// the parent.
func (k *Kernel) Fork(parent *Process) (*Process, bool) {
	parent.mu.Lock()
	name := parent.Name + "-child"
	heapStart, heapBreak, heapMax, mmapNext := parent.HeapStart, parent.HeapBreak, parent.HeapMax, parent.MmapNext
	limit := parent.Memory.Limit()
	parentID := parent.ID
	parent.mu.Unlock()

	child := k.NewProcess(name, limit)
	if child == nil {
		return nil, false
	}
	if !child.AS.CloneCOWFrom(parent.AS) {
		klog.L("viper").WithField("parent", parentID).Warn("COW clone failed")
		return child, false
	}

	child.mu.Lock()
	child.HeapStart, child.HeapBreak, child.HeapMax, child.MmapNext = heapStart, heapBreak, heapMax, mmapNext
	child.ParentID = parentID
	child.State = StateRunning
	child.mu.Unlock()

	parent.mu.Lock()
	parent.Children = append(parent.Children, child.ID)
	parent.mu.Unlock()

	return child, true
}

// SwitchAddressSpace activates p's translation tables: TTBR0_EL1 is
// written as (table_phys | asid << 48) with the barrier the hardware
// table walker requires.
func (k *Kernel) SwitchAddressSpace(p *Process) {
	k.Regs.WriteTTBR0(p.AS.TTBR0())
}

// Exit tears a process down and removes it from the live process table,
// keeping only a zombie record addressable by pid so its parent can
// still observe the final state.
func (k *Kernel) Exit(p *Process) {
	p.Exit()
	k.mu.Lock()
	defer k.mu.Unlock()
	k.processes[p.ID] = p
}

// Process looks up a live or zombie process by id.
func (k *Kernel) Process(id uint64) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.processes[id]
}

// ProcessCount returns the number of processes the kernel is tracking.
func (k *Kernel) ProcessCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.processes)
}
