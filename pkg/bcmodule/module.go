// Package bcmodule implements the compiled bytecode module container
// consumed by pkg/bcvm.
//
// Constant pools are deduplicated by value: adding the same i64/f64/string
// twice returns the same pool index. Dedup uses a value-keyed map, so
// lookup stays O(1) regardless of pool size.
package bcmodule

import "math"

func float64bits(f float64) uint64    { return math.Float64bits(f) }
func float64frombits(b uint64) float64 { return math.Float64frombits(b) }

const (
	// Magic identifies a serialized module: "VBC\x01" read little-endian.
	Magic uint32 = 0x01434256
	// Version is the current bytecode format version.
	Version uint32 = 1
)

// LocalVarInfo maps a source-level variable name to its runtime local slot
// and the PC range during which it is live, for debugger display.
type LocalVarInfo struct {
	Name     string
	LocalIdx uint32
	StartPC  uint32
	EndPC    uint32
}

// ExceptionRange defines a protected PC region and the handler entry point
// to jump to when a trap occurs within it.
type ExceptionRange struct {
	StartPC   uint32
	EndPC     uint32
	HandlerPC uint32
}

// SwitchEntry is a single case in a SWITCH opcode's jump table.
type SwitchEntry struct {
	Value    int64
	TargetPC uint32
}

// SwitchTable holds a default target plus the ordered case entries a
// SWITCH instruction dispatches through.
type SwitchTable struct {
	DefaultPC uint32
	Entries   []SwitchEntry
}

// Function is a compiled bytecode function ready for execution.
type Function struct {
	Name        string
	NumParams   uint32
	NumLocals   uint32
	MaxStack    uint32
	AllocaSize  uint32
	HasReturn   bool
	Code        []uint32

	ExceptionRanges []ExceptionRange
	SwitchTables    []SwitchTable

	LocalVars     []LocalVarInfo
	SourceFileIdx uint32
	LineTable     []uint32
}

// NativeFuncRef is a reference to a native/runtime function callable from
// bytecode via CALL_NATIVE.
type NativeFuncRef struct {
	Name       string
	ParamCount uint32
	HasReturn  bool
}

// GlobalInfo describes one global variable, laid out as contiguous BCSlot
// entries in the VM's global segment.
type GlobalInfo struct {
	Name     string
	Size     uint32
	Align    uint32
	InitData []byte
}

// SourceFileInfo is a source file reference used by debug line tables.
type SourceFileInfo struct {
	Path     string
	Checksum uint32
}

// Module is the top-level compiled bytecode container: constant pools,
// functions, native function references, globals, and optional debug
// info. It is produced by a compiler (out of scope here) and consumed by
// pkg/bcvm.
type Module struct {
	MagicField   uint32
	VersionField uint32
	Flags        uint32

	I64Pool    []int64
	F64Pool    []float64
	StringPool []string

	Functions     []Function
	functionIndex map[string]uint32

	NativeFuncs     []NativeFuncRef
	nativeFuncIndex map[string]uint32

	Globals     []GlobalInfo
	globalIndex map[string]uint32

	SourceFiles []SourceFileInfo

	i64Index    map[int64]uint32
	f64Index    map[uint64]uint32 // keyed by bit pattern, not float value
	stringIndex map[string]uint32
}

// New returns an empty module with the current magic/version header.
func New() *Module {
	return &Module{
		MagicField:      Magic,
		VersionField:    Version,
		functionIndex:   make(map[string]uint32),
		nativeFuncIndex: make(map[string]uint32),
		globalIndex:     make(map[string]uint32),
		i64Index:        make(map[int64]uint32),
		f64Index:        make(map[uint64]uint32),
		stringIndex:     make(map[string]uint32),
	}
}

// FindFunction looks up a compiled function by its fully qualified name.
func (m *Module) FindFunction(name string) *Function {
	idx, ok := m.functionIndex[name]
	if !ok {
		return nil
	}
	return &m.Functions[idx]
}

// AddFunction appends fn and indexes it by name, returning its index.
func (m *Module) AddFunction(fn Function) uint32 {
	idx := uint32(len(m.Functions))
	m.functionIndex[fn.Name] = idx
	m.Functions = append(m.Functions, fn)
	return idx
}

// AddI64 adds a 64-bit integer constant, deduplicating by value.
func (m *Module) AddI64(value int64) uint32 {
	if idx, ok := m.i64Index[value]; ok {
		return idx
	}
	idx := uint32(len(m.I64Pool))
	m.I64Pool = append(m.I64Pool, value)
	m.i64Index[value] = idx
	return idx
}

// AddF64 adds a double constant, deduplicating by bit pattern so
// distinct NaN payloads and +0.0/-0.0 remain distinct pool entries.
// Dedup is bitwise, not IEEE equality.
func (m *Module) AddF64(value float64) uint32 {
	bits := float64bits(value)
	if idx, ok := m.f64Index[bits]; ok {
		return idx
	}
	idx := uint32(len(m.F64Pool))
	m.F64Pool = append(m.F64Pool, value)
	m.f64Index[bits] = idx
	return idx
}

// AddString adds a string constant, deduplicating by value.
func (m *Module) AddString(value string) uint32 {
	if idx, ok := m.stringIndex[value]; ok {
		return idx
	}
	idx := uint32(len(m.StringPool))
	m.StringPool = append(m.StringPool, value)
	m.stringIndex[value] = idx
	return idx
}

// AddNativeFunc adds a native function reference, deduplicating by name.
func (m *Module) AddNativeFunc(name string, paramCount uint32, hasReturn bool) uint32 {
	if idx, ok := m.nativeFuncIndex[name]; ok {
		return idx
	}
	idx := uint32(len(m.NativeFuncs))
	m.nativeFuncIndex[name] = idx
	m.NativeFuncs = append(m.NativeFuncs, NativeFuncRef{Name: name, ParamCount: paramCount, HasReturn: hasReturn})
	return idx
}

// AddGlobal adds a global variable descriptor, deduplicating by name.
func (m *Module) AddGlobal(g GlobalInfo) uint32 {
	if idx, ok := m.globalIndex[g.Name]; ok {
		return idx
	}
	idx := uint32(len(m.Globals))
	m.globalIndex[g.Name] = idx
	m.Globals = append(m.Globals, g)
	return idx
}
