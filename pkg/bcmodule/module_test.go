package bcmodule

import (
	"math"
	"testing"
)

func TestAddI64DeduplicatesByValue(t *testing.T) {
	m := New()
	a := m.AddI64(42)
	b := m.AddI64(42)
	c := m.AddI64(7)
	if a != b {
		t.Fatalf("expected duplicate value to reuse index, got %d and %d", a, b)
	}
	if c == a {
		t.Fatal("expected distinct value to get a distinct index")
	}
	if len(m.I64Pool) != 2 {
		t.Fatalf("pool size = %d, want 2", len(m.I64Pool))
	}
}

func TestAddF64DistinguishesNegativeZero(t *testing.T) {
	m := New()
	pos := m.AddF64(0.0)
	neg := m.AddF64(math.Copysign(0, -1))
	if pos == neg {
		t.Fatal("expected +0.0 and -0.0 to occupy distinct pool slots (bitwise equality)")
	}
}

func TestAddStringDeduplicates(t *testing.T) {
	m := New()
	a := m.AddString("hello")
	b := m.AddString("hello")
	if a != b {
		t.Fatal("expected identical strings to share a pool index")
	}
}

func TestAddNativeFuncDeduplicatesByName(t *testing.T) {
	m := New()
	a := m.AddNativeFunc("Viper.Terminal.Say", 1, false)
	b := m.AddNativeFunc("Viper.Terminal.Say", 1, false)
	if a != b {
		t.Fatal("expected re-adding the same native func name to return the existing index")
	}
	if len(m.NativeFuncs) != 1 {
		t.Fatalf("native func count = %d, want 1", len(m.NativeFuncs))
	}
}

func TestAddFunctionIndexesByName(t *testing.T) {
	m := New()
	idx := m.AddFunction(Function{Name: "main", NumLocals: 2})
	got := m.FindFunction("main")
	if got == nil || got != &m.Functions[idx] {
		t.Fatal("expected FindFunction to resolve the function just added")
	}
	if m.FindFunction("missing") != nil {
		t.Fatal("expected FindFunction to return nil for an unknown name")
	}
}

func buildSampleModule() *Module {
	m := New()
	iIdx := m.AddI64(7)
	fIdx := m.AddF64(3.5)
	sIdx := m.AddString("fib")
	_ = iIdx
	_ = fIdx
	m.AddFunction(Function{
		Name:       "fib",
		NumParams:  1,
		NumLocals:  2,
		MaxStack:   4,
		HasReturn:  true,
		Code:       []uint32{0x01020304, 0x05060708},
		ExceptionRanges: []ExceptionRange{{StartPC: 0, EndPC: 10, HandlerPC: 20}},
		SwitchTables: []SwitchTable{{
			DefaultPC: 99,
			Entries:   []SwitchEntry{{Value: 1, TargetPC: 10}, {Value: 2, TargetPC: 20}},
		}},
		LocalVars:     []LocalVarInfo{{Name: "n", LocalIdx: 0, StartPC: 0, EndPC: 10}},
		SourceFileIdx: uint32(sIdx),
		LineTable:     []uint32{1, 1, 2, 3},
	})
	m.AddNativeFunc("Viper.Terminal.Say", 1, false)
	m.AddGlobal(GlobalInfo{Name: "counter", Size: 8, Align: 8, InitData: []byte{0, 0, 0, 0, 0, 0, 0, 0}})
	m.SourceFiles = append(m.SourceFiles, SourceFileInfo{Path: "fib.vpr", Checksum: 0xABCD})
	return m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := buildSampleModule()
	data := Encode(m)

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if got.MagicField != Magic || got.VersionField != Version {
		t.Fatalf("header = (%#x, %d), want (%#x, %d)", got.MagicField, got.VersionField, Magic, Version)
	}
	if len(got.I64Pool) != 1 || got.I64Pool[0] != 7 {
		t.Fatalf("i64 pool = %v, want [7]", got.I64Pool)
	}
	if len(got.F64Pool) != 1 || got.F64Pool[0] != 3.5 {
		t.Fatalf("f64 pool = %v, want [3.5]", got.F64Pool)
	}
	fn := got.FindFunction("fib")
	if fn == nil {
		t.Fatal("expected round-tripped module to contain function \"fib\"")
	}
	if fn.NumParams != 1 || fn.NumLocals != 2 || fn.MaxStack != 4 || !fn.HasReturn {
		t.Fatalf("function header mismatch: %+v", fn)
	}
	if len(fn.Code) != 2 || fn.Code[0] != 0x01020304 {
		t.Fatalf("code mismatch: %x", fn.Code)
	}
	if len(fn.ExceptionRanges) != 1 || fn.ExceptionRanges[0].HandlerPC != 20 {
		t.Fatalf("exception ranges mismatch: %+v", fn.ExceptionRanges)
	}
	if len(fn.SwitchTables) != 1 || len(fn.SwitchTables[0].Entries) != 2 {
		t.Fatalf("switch tables mismatch: %+v", fn.SwitchTables)
	}
	if len(got.NativeFuncs) != 1 || got.NativeFuncs[0].Name != "Viper.Terminal.Say" {
		t.Fatalf("native funcs mismatch: %+v", got.NativeFuncs)
	}
	if len(got.Globals) != 1 || got.Globals[0].Name != "counter" || len(got.Globals[0].InitData) != 8 {
		t.Fatalf("globals mismatch: %+v", got.Globals)
	}
	if len(got.SourceFiles) != 1 || got.SourceFiles[0].Path != "fib.vpr" {
		t.Fatalf("source files mismatch: %+v", got.SourceFiles)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	m := buildSampleModule()
	data := Encode(m)
	data[1] ^= 0xFF // corrupt a byte inside the varint-encoded magic field
	if _, err := Decode(data); err == nil {
		t.Fatal("expected decode to reject a corrupted magic number")
	}
}
