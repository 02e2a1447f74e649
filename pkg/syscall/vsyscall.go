// Package vsyscall is the kernel's syscall ABI surface: the
// universal translation point from kernel-internal status values (null,
// false, zero) into a SyscallResult, and the one place user-space
// pointers are validated before a kernel component dereferences them.
//
// Every handler here takes an explicit *viper.Process (and, where it
// touches global state, *viper.Kernel) rather than resolving the
// current process off a thread-local: handles are passed top-down, not
// read from process-wide singletons.
package vsyscall

import (
	"github.com/vkern/viper/pkg/archutil"
	"github.com/vkern/viper/pkg/cap"
	"github.com/vkern/viper/pkg/kobj"
	"github.com/vkern/viper/pkg/vm"
	"github.com/vkern/viper/pkg/verr"
	"github.com/vkern/viper/pkg/viper"
)

// Result is the value every syscall returns: a verr code
// plus up to three result words.
type Result struct {
	Verr verr.Code
	Res0 uint64
	Res1 uint64
	Res2 uint64
}

// ok builds a successful Result from up to three result words.
func ok(res0, res1, res2 uint64) Result {
	return Result{Verr: verr.OK, Res0: res0, Res1: res1, Res2: res2}
}

// fail builds a failed Result carrying only an error code.
func fail(c verr.Code) Result {
	return Result{Verr: c}
}

// validateUserRange walks every page in [addr, addr+size) through the
// process's address space and reports whether each is mapped with at
// least the required protection.
func validateUserRange(as *vm.AddressSpace, addr, size uint64, required archutil.Prot) bool {
	if size == 0 {
		return true
	}
	start := archutil.PageRoundDown(addr)
	end := archutil.PageRoundUp(addr + size)
	for va := start; va < end; va += archutil.PageSize {
		if as.Translate(va) == 0 {
			return false
		}
	}
	return required == 0 || validateProt(as, addr, size, required)
}

// validateProt checks the required permission page by page once
// presence is established: a write request fails on any leaf whose
// ReadPTE entry has AP_RO set. Read needs no further check, since
// LeafPTE sets AP_EL0 on every leaf.
func validateProt(as *vm.AddressSpace, addr, size uint64, required archutil.Prot) bool {
	if required&archutil.ProtWrite == 0 {
		return true
	}
	start := archutil.PageRoundDown(addr)
	end := archutil.PageRoundUp(addr + size)
	for va := start; va < end; va += archutil.PageSize {
		if archutil.IsReadOnly(as.ReadPTE(va)) {
			return false
		}
	}
	return true
}

// ValidateUserRead reports whether [addr, addr+size) is entirely mapped
// and readable in proc's address space.
func ValidateUserRead(proc *viper.Process, addr, size uint64) bool {
	return validateUserRange(proc.AS, addr, size, archutil.ProtRead)
}

// ValidateUserWrite reports whether [addr, addr+size) is entirely mapped
// and writable in proc's address space.
func ValidateUserWrite(proc *viper.Process, addr, size uint64) bool {
	return validateUserRange(proc.AS, addr, size, archutil.ProtRead|archutil.ProtWrite)
}

// ValidateUserString bounds-checks a NUL-terminated string starting at
// addr, refusing to scan past maxLen bytes.
func ValidateUserString(proc *viper.Process, addr uint64, maxLen uint64) (string, bool) {
	var out []byte
	for n := uint64(0); n < maxLen; n++ {
		va := addr + n
		if !validateUserRange(proc.AS, va, 1, archutil.ProtRead) {
			return "", false
		}
		phys := proc.AS.Translate(va)
		b := proc.AS.Dmap(phys, 1)[0]
		if b == 0 {
			return string(out), true
		}
		out = append(out, b)
	}
	return "", false
}

// Brk implements the brk(2)-style heap-growth syscall over
// viper.Process.Brk.
func Brk(proc *viper.Process, newBreak uint64) Result {
	brk, success := proc.Brk(newBreak)
	if !success {
		return fail(verr.OutOfMemory)
	}
	return ok(brk, 0, 0)
}

// MapFlags are the POSIX-like mmap flag bits.
type MapFlags uint32

const (
	MapShared MapFlags = 1 << iota
	MapPrivate
	MapFixed
	MapAnonymous
)

// Mmap implements the anonymous-only mmap family:
// only MAP_ANONYMOUS is supported, MAP_FIXED honors the given
// page-aligned address, and otherwise the process's mmap_next cursor
// advances.
func Mmap(proc *viper.Process, addr, length uint64, prot archutil.Prot, flags MapFlags) Result {
	if flags&MapAnonymous == 0 {
		return fail(verr.NotSupported)
	}
	fixed := flags&MapFixed != 0
	if fixed && addr != archutil.PageRoundDown(addr) {
		return fail(verr.InvalidArg)
	}
	mapped, success := proc.MmapAnonymous(addr, length, prot, fixed)
	if !success {
		return fail(verr.OutOfMemory)
	}
	return ok(mapped, 0, 0)
}

// Munmap removes PTE mappings and the VMA entry over the given range.
func Munmap(proc *viper.Process, addr, length uint64) Result {
	if addr != archutil.PageRoundDown(addr) {
		return fail(verr.InvalidArg)
	}
	proc.Munmap(addr, length)
	return ok(0, 0, 0)
}

// Mprotect rewrites PTE permissions over [addr, addr+length) in place,
// preserving physical addresses, and relies on AddressSpace.Map's
// per-page TLB flush.
func Mprotect(proc *viper.Process, addr, length uint64, prot archutil.Prot) Result {
	if addr != archutil.PageRoundDown(addr) {
		return fail(verr.InvalidArg)
	}
	size := archutil.PageRoundUp(length)
	for off := uint64(0); off < size; off += archutil.PageSize {
		va := addr + off
		phys := proc.AS.Translate(va)
		if phys == 0 {
			return fail(verr.InvalidArg)
		}
		if !proc.AS.Map(va, phys, archutil.PageSize, prot) {
			return fail(verr.OutOfMemory)
		}
	}
	return ok(0, 0, 0)
}

// Msync, Madvise, Mlock, and Munlock are no-ops in this kernel:
// there is no writeback target for anonymous-only mappings and no
// real memory pressure to advise or pin against.
func Msync(proc *viper.Process, addr, length uint64) Result   { return ok(0, 0, 0) }
func Madvise(proc *viper.Process, addr, length uint64, advice int32) Result {
	return ok(0, 0, 0)
}
func Mlock(proc *viper.Process, addr, length uint64) Result   { return ok(0, 0, 0) }
func Munlock(proc *viper.Process, addr, length uint64) Result { return ok(0, 0, 0) }

// CapInsertBounded installs a new capability for obj, intersecting the
// requested rights against proc's bounding set. This is the only path
// by which untrusted code obtains new handles.
func CapInsertBounded(proc *viper.Process, obj interface{}, kind cap.Kind, rights, boundingSet cap.Rights) Result {
	h := proc.Caps.InsertBounded(obj, kind, rights, boundingSet)
	if h == cap.Invalid {
		return fail(verr.OutOfMemory)
	}
	return ok(uint64(h), 0, 0)
}

// CapDerive narrows h's rights to newRights&parentRights, requiring the
// DERIVE right on h.
func CapDerive(proc *viper.Process, h cap.Handle, newRights cap.Rights) Result {
	derived := proc.Caps.Derive(h, newRights)
	if derived == cap.Invalid {
		return fail(verr.Permission)
	}
	return ok(uint64(derived), 0, 0)
}

// CapRemove invalidates h and every handle pointing at the same slot
// generation.
func CapRemove(proc *viper.Process, h cap.Handle) Result {
	if proc.Caps.Get(h) == nil {
		return fail(verr.InvalidHandle)
	}
	proc.Caps.Remove(h)
	return ok(0, 0, 0)
}

// CapRevoke recursively invalidates every capability derived from h plus
// h itself, returning the number of entries revoked.
func CapRevoke(proc *viper.Process, h cap.Handle) Result {
	if proc.Caps.Get(h) == nil {
		return fail(verr.InvalidHandle)
	}
	n := proc.Caps.Revoke(h)
	return ok(uint64(n), 0, 0)
}

// CapGetRights resolves h, optionally requiring kind and rights, and
// returns the matched entry's rights bitmask.
func CapGetRights(proc *viper.Process, h cap.Handle, kind cap.Kind, required cap.Rights) Result {
	e := proc.Caps.GetWithRights(h, kind, required)
	if e == nil {
		return fail(verr.InvalidHandle)
	}
	return ok(uint64(e.Rights), 0, 0)
}

// channelFromHandle resolves h to a live *kobj.Channel, enforcing the
// kind check CapGetRights would perform.
func channelFromHandle(proc *viper.Process, h cap.Handle, required cap.Rights) (*kobj.Channel, Result) {
	e := proc.Caps.GetWithRights(h, cap.KindChannel, required)
	if e == nil {
		return nil, fail(verr.InvalidHandle)
	}
	ch, ok := e.Object.(*kobj.Channel)
	if !ok || ch == nil {
		return nil, fail(verr.InvalidHandle)
	}
	return ch, Result{}
}

// ChannelSend blocks until data is queued on the channel named by h.
// A real kernel reschedules around the blocked task; this host
// simulation approximates that with sync.Cond inside pkg/kobj.
func ChannelSend(proc *viper.Process, h cap.Handle, data []byte) Result {
	ch, failed := channelFromHandle(proc, h, cap.RightWrite)
	if ch == nil {
		return failed
	}
	if err := ch.Send(data); err != nil {
		return fail(verr.Connection)
	}
	return ok(0, 0, 0)
}

// ChannelTrySend is the non-blocking counterpart of ChannelSend.
func ChannelTrySend(proc *viper.Process, h cap.Handle, data []byte) Result {
	ch, failed := channelFromHandle(proc, h, cap.RightWrite)
	if ch == nil {
		return failed
	}
	if err := ch.TrySend(data); err != nil {
		return fail(verr.WouldBlock)
	}
	return ok(0, 0, 0)
}

// ChannelRecv blocks until a message is available on h.
func ChannelRecv(proc *viper.Process, h cap.Handle) ([]byte, Result) {
	ch, failed := channelFromHandle(proc, h, cap.RightRead)
	if ch == nil {
		return nil, failed
	}
	data, err := ch.Recv()
	if err != nil {
		return nil, fail(verr.Connection)
	}
	return data, ok(uint64(len(data)), 0, 0)
}

// ChannelTryRecv is the non-blocking counterpart of ChannelRecv.
func ChannelTryRecv(proc *viper.Process, h cap.Handle) ([]byte, Result) {
	ch, failed := channelFromHandle(proc, h, cap.RightRead)
	if ch == nil {
		return nil, failed
	}
	data, err := ch.TryRecv()
	if err != nil {
		return nil, fail(verr.WouldBlock)
	}
	return data, ok(uint64(len(data)), 0, 0)
}

// Exit tears down proc through the Running -> Exiting -> Zombie
// transition.
func Exit(k *viper.Kernel, proc *viper.Process, code int32) Result {
	k.Exit(proc)
	return ok(uint64(uint32(code)), 0, 0)
}

// Fork duplicates proc under copy-on-write semantics and returns the
// child's pid as Res0.
func Fork(k *viper.Kernel, proc *viper.Process) Result {
	child, success := k.Fork(proc)
	if !success {
		return fail(verr.OutOfMemory)
	}
	return ok(child.ID, 0, 0)
}
