// Package bcvm implements a stack-based interpreter for compiled
// pkg/bcmodule programs.
package bcvm

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/mohae/deepcopy"
	"github.com/vkern/viper/pkg/bcmodule"
	"github.com/vkern/viper/pkg/klog"
)

// TrapKind classifies why the VM halted abnormally.
type TrapKind uint8

const (
	TrapNone TrapKind = iota
	TrapOverflow
	TrapInvalidCast
	TrapDivisionByZero
	TrapIndexOutOfBounds
	TrapNullPointer
	TrapStackOverflow
	TrapInvalidOpcode
	TrapRuntimeError
)

func (k TrapKind) String() string {
	switch k {
	case TrapNone:
		return "None"
	case TrapOverflow:
		return "Overflow"
	case TrapInvalidCast:
		return "InvalidCast"
	case TrapDivisionByZero:
		return "DivisionByZero"
	case TrapIndexOutOfBounds:
		return "IndexOutOfBounds"
	case TrapNullPointer:
		return "NullPointer"
	case TrapStackOverflow:
		return "StackOverflow"
	case TrapInvalidOpcode:
		return "InvalidOpcode"
	default:
		return "RuntimeError"
	}
}

// State tracks the VM's execution lifecycle.
type State int

const (
	StateReady State = iota
	StateRunning
	StateHalted
	StateTrapped
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateHalted:
		return "Halted"
	case StateTrapped:
		return "Trapped"
	default:
		return "Unknown"
	}
}

const (
	maxCallDepth   = 4096
	maxStackSize   = 1024
	maxAllocaBytes = 1 << 20
)

// TrapError reports an unhandled trap: it escaped every exception
// handler on the call stack and left the VM in StateTrapped.
type TrapError struct {
	Kind    TrapKind
	Message string
	IP      uint32
	Line    uint32
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("bcvm: trap %s at pc=%d: %s", e.Kind, e.IP, e.Message)
}

// NativeHandler is a native/runtime function callable from bytecode
// via CALL_NATIVE.
type NativeHandler func(args []Slot) (Slot, error)

type exceptionHandler struct {
	handlerPC  uint32
	frameDepth int
	stackLen   int
}

type frame struct {
	fn         *bcmodule.Function
	pc         uint32
	locals     []Slot
	stack      []Slot
	alloca     []byte
	callSitePC uint32
	faultPC    uint32 // trap-site PC recorded by dispatchTrap, for RESUME_*
}

func (f *frame) push(s Slot) { f.stack = append(f.stack, s) }

func (f *frame) pop() Slot {
	n := len(f.stack) - 1
	s := f.stack[n]
	f.stack = f.stack[:n]
	return s
}

func (f *frame) top() Slot { return f.stack[len(f.stack)-1] }

// VM executes compiled pkg/bcmodule programs with a stack-based
// evaluation model: per-frame operand stack and local slots, a global
// exception-handler stack spanning the whole call stack, and a native
// function registry for CALL_NATIVE.
type VM struct {
	module *bcmodule.Module

	state       State
	trapKind    TrapKind
	trapMessage string
	instrCount  uint64

	natives map[string]NativeHandler

	frames  []*frame
	ehStack []exceptionHandler

	globals []Slot
}

// New returns a VM in the Ready state with no module loaded.
func New() *VM {
	return &VM{state: StateReady, natives: make(map[string]NativeHandler)}
}

// Load initializes the VM's global variable storage from module. The
// module must outlive the VM.
func (vm *VM) Load(module *bcmodule.Module) {
	vm.module = module
	vm.globals = make([]Slot, len(module.Globals))
	for i, g := range module.Globals {
		if len(g.InitData) >= 8 {
			vm.globals[i] = U64(leUint64(g.InitData))
		}
	}
	vm.state = StateReady
}

// RegisterNativeHandler registers a handler invoked directly by matching
// CALL_NATIVE instructions, bypassing any external runtime bridge.
func (vm *VM) RegisterNativeHandler(name string, handler NativeHandler) {
	vm.natives[name] = handler
}

// State reports the VM's current lifecycle state.
func (vm *VM) State() State { return vm.state }

// TrapKind reports the kind of the most recent trap, or TrapNone.
func (vm *VM) TrapKind() TrapKind { return vm.trapKind }

// InstrCount reports the cumulative instruction count since the last Load.
func (vm *VM) InstrCount() uint64 { return vm.instrCount }

// Clone deep-copies the VM's global variable state for a COW-style
// process fork: the child starts from an independent copy of the
// parent's globals, the same "snapshot, don't share" semantics
// pkg/vm.AddressSpace.CloneCOWFrom gives the rest of a forked process's
// memory. mohae/deepcopy avoids hand-writing a recursive copy of the
// Slot slice.
func (vm *VM) Clone() *VM {
	clone := &VM{
		module:  vm.module,
		state:   StateReady,
		natives: vm.natives,
		globals: deepcopy.Copy(vm.globals).([]Slot),
	}
	return clone
}

// Exec looks up funcName in the loaded module and executes it with args,
// returning its result slot.
func (vm *VM) Exec(funcName string, args []Slot) (Slot, error) {
	fn := vm.module.FindFunction(funcName)
	if fn == nil {
		vm.trap(TrapRuntimeError, "function not found", 0, 0)
		return Zero, &TrapError{Kind: TrapRuntimeError, Message: "function not found: " + funcName}
	}
	return vm.ExecFunc(fn, args)
}

// ExecFunc executes fn directly, without a name lookup.
func (vm *VM) ExecFunc(fn *bcmodule.Function, args []Slot) (Slot, error) {
	vm.trapKind = TrapNone
	vm.state = StateRunning

	f, err := vm.pushFrame(fn, args, 0)
	if err != nil {
		vm.state = StateTrapped
		return Zero, err
	}

	result, err := vm.run(f)
	if err != nil {
		vm.state = StateTrapped
		return Zero, err
	}
	vm.state = StateHalted
	return result, nil
}

func (vm *VM) pushFrame(fn *bcmodule.Function, args []Slot, callSitePC uint32) (*frame, error) {
	if len(vm.frames) >= maxCallDepth {
		return nil, vm.trap(TrapStackOverflow, "call depth exceeded", callSitePC, 0)
	}
	locals := make([]Slot, fn.NumLocals)
	copy(locals, args)
	f := &frame{fn: fn, locals: locals, callSitePC: callSitePC}
	vm.frames = append(vm.frames, f)
	return f, nil
}

func (vm *VM) trap(kind TrapKind, message string, ip, line uint32) error {
	vm.trapKind = kind
	vm.trapMessage = message
	klog.L("bcvm").WithFields(map[string]interface{}{
		"kind": kind.String(), "ip": ip, "message": message,
	}).Warn("trap raised")
	return &TrapError{Kind: kind, Message: message, IP: ip, Line: line}
}

// dispatchTrap searches the exception handler stack for a handler
// covering the current call depth. On a match it unwinds frames down to
// the handler's frame, truncates that frame's operand stack to the
// depth recorded at EH_PUSH time, pushes a synthetic error slot, and
// resumes at the handler's PC.
func (vm *VM) dispatchTrap(kind TrapKind, ip uint32) (*frame, bool) {
	if len(vm.ehStack) == 0 {
		return nil, false
	}
	h := vm.ehStack[len(vm.ehStack)-1]
	vm.ehStack = vm.ehStack[:len(vm.ehStack)-1]

	vm.frames = vm.frames[:h.frameDepth+1]
	f := vm.frames[h.frameDepth]
	f.stack = f.stack[:h.stackLen]
	f.push(makeErrorSlot(kind, ip))
	f.faultPC = ip
	f.pc = h.handlerPC
	return f, true
}

// makeErrorSlot packs a trap kind and faulting IP into one Slot for
// the ERR_GET_KIND/ERR_GET_IP/ERR_GET_LINE opcodes to unpack.
func makeErrorSlot(kind TrapKind, ip uint32) Slot {
	return U64(uint64(kind)<<56 | uint64(ip))
}

func errorSlotKind(s Slot) TrapKind { return TrapKind(s.U64() >> 56) }
func errorSlotIP(s Slot) uint32     { return uint32(s.U64() & 0xFFFFFFFF) }

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// run drives the fetch-decode-execute loop for the frame at the top of
// the call stack, returning control (and a result slot) once the
// initial frame returns.
func (vm *VM) run(top *frame) (Slot, error) {
	baseDepth := len(vm.frames) - 1
	f := top

	for {
		if int(f.pc) >= len(f.fn.Code) {
			return Zero, vm.trap(TrapRuntimeError, "pc ran past end of code", f.pc, 0)
		}
		word := f.fn.Code[f.pc]
		op, a0, a1, a2 := decodeInstruction(word)
		ip := f.pc
		f.pc++
		vm.instrCount++

		result, next, retSlot, done, err := vm.step(f, op, a0, a1, a2, ip)
		if err != nil {
			te, _ := err.(*TrapError)
			if te == nil {
				return Zero, err
			}
			handlerFrame, ok := vm.dispatchTrap(te.Kind, ip)
			if !ok {
				return Zero, err
			}
			f = handlerFrame
			continue
		}
		if done {
			// Returned out of the base frame: report the value up to Exec.
			if len(vm.frames) <= baseDepth {
				return result, nil
			}
			f = vm.frames[len(vm.frames)-1]
			if retSlot {
				f.push(result)
			}
			continue
		}
		if next != nil {
			f = next
		}
	}
}

// step executes one instruction in frame f. It returns:
//   - result: a value produced by a RETURN (meaningful only when done)
//   - next: the new current frame after a CALL (nil if unchanged)
//   - pushResult: whether result should be pushed onto the caller's stack
//     after a RETURN unwinds into it
//   - done: true when the base (outermost, Exec-initiated) frame returned
func (vm *VM) step(f *frame, op Opcode, a0, a1, a2 uint8, ip uint32) (result Slot, next *frame, pushResult bool, done bool, err error) {
	switch op {
	case OpNop:
	case OpDup:
		f.push(f.top())
	case OpDup2:
		n := len(f.stack)
		f.push(f.stack[n-2])
		f.push(f.stack[n-2])
	case OpPop:
		f.pop()
	case OpPop2:
		f.pop()
		f.pop()
	case OpSwap:
		n := len(f.stack)
		f.stack[n-1], f.stack[n-2] = f.stack[n-2], f.stack[n-1]
	case OpRot3:
		n := len(f.stack)
		a, b, c := f.stack[n-3], f.stack[n-2], f.stack[n-1]
		f.stack[n-3], f.stack[n-2], f.stack[n-1] = c, a, b

	case OpLoadLocal:
		f.push(f.locals[a0])
	case OpStoreLocal:
		f.locals[a0] = f.pop()
	case OpLoadLocalW:
		f.push(f.locals[arg16(a0, a1)])
	case OpStoreLocalW:
		f.locals[arg16(a0, a1)] = f.pop()
	case OpIncLocal:
		f.locals[a0] = I64(f.locals[a0].I64() + 1)
	case OpDecLocal:
		f.locals[a0] = I64(f.locals[a0].I64() - 1)

	case OpLoadI8:
		f.push(I64(int64(int8(a0))))
	case OpLoadI16:
		f.push(I64(int64(int16(arg16(a0, a1)))))
	case OpLoadI32:
		f.push(I64(int64(int32(arg24(a0, a1, a2)))))
	case OpLoadI64:
		f.push(I64(vm.module.I64Pool[arg16(a0, a1)]))
	case OpLoadF64:
		f.push(F64(vm.module.F64Pool[arg16(a0, a1)]))
	case OpLoadStr:
		f.push(U64(uint64(arg16(a0, a1))))
	case OpLoadNull:
		f.push(Zero)
	case OpLoadZero:
		f.push(I64(0))
	case OpLoadOne:
		f.push(I64(1))
	case OpLoadGlobal:
		f.push(vm.globals[arg16(a0, a1)])
	case OpStoreGlobal:
		vm.globals[arg16(a0, a1)] = f.pop()

	case OpAddI64:
		b, a := f.pop(), f.pop()
		f.push(I64(a.I64() + b.I64()))
	case OpSubI64:
		b, a := f.pop(), f.pop()
		f.push(I64(a.I64() - b.I64()))
	case OpMulI64:
		b, a := f.pop(), f.pop()
		f.push(I64(a.I64() * b.I64()))
	case OpSDivI64:
		b, a := f.pop(), f.pop()
		f.push(I64(a.I64() / b.I64()))
	case OpUDivI64:
		b, a := f.pop(), f.pop()
		f.push(U64(a.U64() / b.U64()))
	case OpSRemI64:
		b, a := f.pop(), f.pop()
		f.push(I64(a.I64() % b.I64()))
	case OpURemI64:
		b, a := f.pop(), f.pop()
		f.push(U64(a.U64() % b.U64()))
	case OpNegI64:
		f.push(I64(-f.pop().I64()))
	case OpAddI64Ovf:
		b, a := f.pop(), f.pop()
		sum := a.I64() + b.I64()
		if (sum > a.I64()) != (b.I64() > 0) && b.I64() != 0 {
			return result, next, pushResult, done, vm.trap(TrapOverflow, "integer overflow in add", ip, 0)
		}
		f.push(I64(sum))
	case OpSubI64Ovf:
		b, a := f.pop(), f.pop()
		diff := a.I64() - b.I64()
		if (diff < a.I64()) != (b.I64() > 0) && b.I64() != 0 {
			return result, next, pushResult, done, vm.trap(TrapOverflow, "integer overflow in sub", ip, 0)
		}
		f.push(I64(diff))
	case OpMulI64Ovf:
		b, a := f.pop(), f.pop()
		hi, lo := bits.Mul64(uint64(abs64(a.I64())), uint64(abs64(b.I64())))
		limit := uint64(math.MaxInt64)
		if (a.I64() < 0) != (b.I64() < 0) {
			limit++ // a negative product may reach MinInt64
		}
		if hi != 0 || lo > limit {
			return result, next, pushResult, done, vm.trap(TrapOverflow, "integer overflow in mul", ip, 0)
		}
		f.push(I64(a.I64() * b.I64()))
	case OpSDivI64Chk:
		b, a := f.pop(), f.pop()
		if b.I64() == 0 {
			return result, next, pushResult, done, vm.trap(TrapDivisionByZero, "division by zero", ip, 0)
		}
		f.push(I64(a.I64() / b.I64()))
	case OpUDivI64Chk:
		b, a := f.pop(), f.pop()
		if b.U64() == 0 {
			return result, next, pushResult, done, vm.trap(TrapDivisionByZero, "division by zero", ip, 0)
		}
		f.push(U64(a.U64() / b.U64()))
	case OpSRemI64Chk:
		b, a := f.pop(), f.pop()
		if b.I64() == 0 {
			return result, next, pushResult, done, vm.trap(TrapDivisionByZero, "division by zero", ip, 0)
		}
		f.push(I64(a.I64() % b.I64()))
	case OpURemI64Chk:
		b, a := f.pop(), f.pop()
		if b.U64() == 0 {
			return result, next, pushResult, done, vm.trap(TrapDivisionByZero, "division by zero", ip, 0)
		}
		f.push(U64(a.U64() % b.U64()))
	case OpIdxChk:
		hi, lo, idx := f.pop(), f.pop(), f.pop()
		if idx.I64() < lo.I64() || idx.I64() >= hi.I64() {
			return result, next, pushResult, done, vm.trap(TrapIndexOutOfBounds, "index out of bounds", ip, 0)
		}
		f.push(idx)

	case OpAddF64:
		b, a := f.pop(), f.pop()
		f.push(F64(a.F64() + b.F64()))
	case OpSubF64:
		b, a := f.pop(), f.pop()
		f.push(F64(a.F64() - b.F64()))
	case OpMulF64:
		b, a := f.pop(), f.pop()
		f.push(F64(a.F64() * b.F64()))
	case OpDivF64:
		b, a := f.pop(), f.pop()
		f.push(F64(a.F64() / b.F64()))
	case OpNegF64:
		f.push(F64(-f.pop().F64()))

	case OpAndI64:
		b, a := f.pop(), f.pop()
		f.push(U64(a.U64() & b.U64()))
	case OpOrI64:
		b, a := f.pop(), f.pop()
		f.push(U64(a.U64() | b.U64()))
	case OpXorI64:
		b, a := f.pop(), f.pop()
		f.push(U64(a.U64() ^ b.U64()))
	case OpNotI64:
		f.push(U64(^f.pop().U64()))
	case OpShlI64:
		b, a := f.pop(), f.pop()
		f.push(U64(a.U64() << uint(b.U64()&63)))
	case OpLshrI64:
		b, a := f.pop(), f.pop()
		f.push(U64(a.U64() >> uint(b.U64()&63)))
	case OpAshrI64:
		b, a := f.pop(), f.pop()
		f.push(I64(a.I64() >> uint(b.U64()&63)))

	case OpCmpEqI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.I64() == b.I64()))
	case OpCmpNeI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.I64() != b.I64()))
	case OpCmpSltI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.I64() < b.I64()))
	case OpCmpSleI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.I64() <= b.I64()))
	case OpCmpSgtI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.I64() > b.I64()))
	case OpCmpSgeI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.I64() >= b.I64()))
	case OpCmpUltI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.U64() < b.U64()))
	case OpCmpUleI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.U64() <= b.U64()))
	case OpCmpUgtI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.U64() > b.U64()))
	case OpCmpUgeI64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.U64() >= b.U64()))

	case OpCmpEqF64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.F64() == b.F64()))
	case OpCmpNeF64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.F64() != b.F64()))
	case OpCmpLtF64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.F64() < b.F64()))
	case OpCmpLeF64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.F64() <= b.F64()))
	case OpCmpGtF64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.F64() > b.F64()))
	case OpCmpGeF64:
		b, a := f.pop(), f.pop()
		f.push(Bool(a.F64() >= b.F64()))

	case OpI64ToF64:
		f.push(F64(float64(f.pop().I64())))
	case OpU64ToF64:
		f.push(F64(float64(f.pop().U64())))
	case OpF64ToI64:
		f.push(I64(int64(f.pop().F64())))
	case OpF64ToI64Chk:
		v := f.pop().F64()
		if math.IsNaN(v) || v < math.MinInt64 || v > math.MaxInt64 {
			return result, next, pushResult, done, vm.trap(TrapInvalidCast, "float to int conversion out of range", ip, 0)
		}
		f.push(I64(int64(v)))
	case OpF64ToU64Chk:
		v := f.pop().F64()
		if math.IsNaN(v) || v < 0 || v > math.MaxUint64 {
			return result, next, pushResult, done, vm.trap(TrapInvalidCast, "float to uint conversion out of range", ip, 0)
		}
		f.push(U64(uint64(v)))
	case OpI64NarrowChk:
		v := f.pop().I64()
		if v < math.MinInt32 || v > math.MaxInt32 {
			return result, next, pushResult, done, vm.trap(TrapOverflow, "signed narrow conversion overflow", ip, 0)
		}
		f.push(I64(v))
	case OpU64NarrowChk:
		v := f.pop().U64()
		if v > math.MaxUint32 {
			return result, next, pushResult, done, vm.trap(TrapOverflow, "unsigned narrow conversion overflow", ip, 0)
		}
		f.push(U64(v))
	case OpBoolToI64:
		f.push(I64(f.pop().I64()))
	case OpI64ToBool:
		f.push(Bool(f.pop().IsTruthy()))

	case OpAlloca:
		size := (f.pop().U64() + 7) &^ 7
		if size > maxAllocaBytes || uint64(len(f.alloca))+size > maxAllocaBytes {
			return result, next, pushResult, done, vm.trap(TrapStackOverflow, "alloca buffer overflow", ip, 0)
		}
		offset := len(f.alloca)
		f.alloca = append(f.alloca, make([]byte, size)...)
		f.push(U64(uint64(offset)))
	case OpGEP:
		offset, base := f.pop(), f.pop()
		f.push(U64(base.U64() + offset.U64()))
	case OpLoadI8Mem:
		f.push(I64(int64(int8(f.alloca[f.pop().U64()]))))
	case OpLoadI16Mem:
		off := f.pop().U64()
		f.push(I64(int64(int16(leUint16(f.alloca[off:])))))
	case OpLoadI32Mem:
		off := f.pop().U64()
		f.push(I64(int64(int32(leUint32(f.alloca[off:])))))
	case OpLoadI64Mem, OpLoadPtrMem, OpLoadStrMem:
		off := f.pop().U64()
		f.push(U64(leUint64(f.alloca[off:])))
	case OpLoadF64Mem:
		off := f.pop().U64()
		f.push(U64(leUint64(f.alloca[off:])))
	case OpStoreI8Mem:
		v, off := f.pop(), f.pop().U64()
		f.alloca[off] = byte(v.I64())
	case OpStoreI16Mem:
		v, off := f.pop(), f.pop().U64()
		putLeUint16(f.alloca[off:], uint16(v.I64()))
	case OpStoreI32Mem:
		v, off := f.pop(), f.pop().U64()
		putLeUint32(f.alloca[off:], uint32(v.I64()))
	case OpStoreI64Mem, OpStorePtrMem, OpStoreStrMem, OpStoreF64Mem:
		v, off := f.pop(), f.pop().U64()
		putLeUint64(f.alloca[off:], v.U64())

	case OpJump:
		f.pc = uint32(int32(ip) + signedOffset16(a0, a1))
	case OpJumpIfTrue:
		if f.pop().IsTruthy() {
			f.pc = uint32(int32(ip) + signedOffset16(a0, a1))
		}
	case OpJumpIfFalse:
		if !f.pop().IsTruthy() {
			f.pc = uint32(int32(ip) + signedOffset16(a0, a1))
		}
	case OpJumpLong:
		f.pc = arg24(a0, a1, a2)
	case OpSwitch:
		idx := arg16(a0, a1)
		st := f.fn.SwitchTables[idx]
		v := f.pop().I64()
		target := st.DefaultPC
		for _, e := range st.Entries {
			if e.Value == v {
				target = e.TargetPC
				break
			}
		}
		f.pc = target

	case OpCall:
		fnIdx := arg16(a0, a1)
		callee := &vm.module.Functions[fnIdx]
		argc := int(callee.NumParams)
		callArgs := f.stack[len(f.stack)-argc:]
		newFrame, perr := vm.pushFrame(callee, callArgs, ip)
		f.stack = f.stack[:len(f.stack)-argc]
		if perr != nil {
			return result, next, pushResult, done, perr
		}
		return result, newFrame, false, false, nil
	case OpCallNative:
		idx := arg16(a0, a1)
		ref := vm.module.NativeFuncs[idx]
		handler, ok := vm.natives[ref.Name]
		if !ok {
			return result, next, pushResult, done, vm.trap(TrapRuntimeError, "unregistered native function: "+ref.Name, ip, 0)
		}
		argc := int(ref.ParamCount)
		callArgs := append([]Slot(nil), f.stack[len(f.stack)-argc:]...)
		f.stack = f.stack[:len(f.stack)-argc]
		rv, nerr := handler(callArgs)
		if nerr != nil {
			return result, next, pushResult, done, vm.trap(TrapRuntimeError, nerr.Error(), ip, 0)
		}
		if ref.HasReturn {
			f.push(rv)
		}
	case OpCallIndirect:
		idx := f.pop().U64()
		callee := &vm.module.Functions[idx]
		argc := int(callee.NumParams)
		callArgs := f.stack[len(f.stack)-argc:]
		newFrame, perr := vm.pushFrame(callee, callArgs, ip)
		f.stack = f.stack[:len(f.stack)-argc]
		if perr != nil {
			return result, next, pushResult, done, perr
		}
		return result, newFrame, false, false, nil
	case OpReturn:
		rv := f.pop()
		vm.frames = vm.frames[:len(vm.frames)-1]
		return rv, nil, true, true, nil
	case OpReturnVoid:
		vm.frames = vm.frames[:len(vm.frames)-1]
		return Zero, nil, false, true, nil
	case OpTailCall:
		fnIdx := arg16(a0, a1)
		callee := &vm.module.Functions[fnIdx]
		argc := int(callee.NumParams)
		callArgs := append([]Slot(nil), f.stack[len(f.stack)-argc:]...)
		vm.frames = vm.frames[:len(vm.frames)-1]
		newFrame, perr := vm.pushFrame(callee, callArgs, f.callSitePC)
		if perr != nil {
			return result, next, pushResult, done, perr
		}
		return result, newFrame, false, false, nil

	case OpEHPush:
		targetPC := arg16(a0, a1)
		vm.ehStack = append(vm.ehStack, exceptionHandler{
			handlerPC: uint32(targetPC), frameDepth: len(vm.frames) - 1, stackLen: len(f.stack),
		})
	case OpEHPop:
		if len(vm.ehStack) > 0 {
			vm.ehStack = vm.ehStack[:len(vm.ehStack)-1]
		}
	case OpEHEntry:
		// Marker only; no runtime effect.
	case OpTrap:
		return result, next, pushResult, done, vm.trap(TrapKind(a0), "explicit trap", ip, 0)
	case OpTrapFromErr:
		e := f.pop()
		return result, next, pushResult, done, vm.trap(errorSlotKind(e), "trap from error value", ip, 0)
	case OpMakeError:
		f.push(makeErrorSlot(TrapKind(a0), ip))
	case OpErrGetKind:
		f.push(I64(int64(errorSlotKind(f.top()))))
	case OpErrGetCode:
		f.push(I64(int64(errorSlotKind(f.top()))))
	case OpErrGetIP:
		f.push(I64(int64(errorSlotIP(f.top()))))
	case OpErrGetLine:
		f.push(I64(0))
	case OpResumeSame:
		f.pc = f.faultPC
	case OpResumeNext:
		f.pc = f.faultPC + 1
	case OpResumeLabel:
		f.pc = arg24(a0, a1, a2)

	case OpLine, OpBreakpoint, OpWatchVar:
		// Debug-only markers; no runtime effect in this host simulation.
	case OpStrRetain, OpStrRelease:
		// String handles in this simulation have no refcount to adjust;
		// the opcodes are accepted for bytecode compatibility.

	default:
		return result, next, pushResult, done, vm.trap(TrapInvalidOpcode, fmt.Sprintf("unrecognized opcode %#x", op), ip, 0)
	}
	return result, next, pushResult, done, nil
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLeUint16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLeUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
