package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vkern/viper/pkg/bcmodule"
	"github.com/vkern/viper/pkg/bcvm"
)

// buildDoubleModule compiles a one-function module computing n*2, the
// same shape TestExecFib20 and friends in pkg/bcvm use, kept small here
// since this is only exercising the CLI's decode-then-exec plumbing.
func buildDoubleModule() *bcmodule.Module {
	m := bcmodule.New()
	code := []uint32{
		bcvm.Encode8(bcvm.OpLoadLocal, 0),
		bcvm.Encode8(bcvm.OpLoadI8, 2),
		bcvm.Encode0(bcvm.OpMulI64),
		bcvm.Encode0(bcvm.OpReturn),
	}
	m.AddFunction(bcmodule.Function{
		Name:      "double",
		NumParams: 1,
		NumLocals: 1,
		MaxStack:  4,
		HasReturn: true,
		Code:      code,
	})
	return m
}

func TestExecModuleRunsEncodedFunction(t *testing.T) {
	data := bcmodule.Encode(buildDoubleModule())

	got, err := execModule(data, "double", []int64{21})
	if err != nil {
		t.Fatalf("execModule: %v", err)
	}

	want := execResult{Result: 42, State: "Halted", Instructions: got.Instructions}
	if got.Instructions == 0 {
		t.Fatal("expected a non-zero instruction count")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("execModule result mismatch (-want +got):\n%s", diff)
	}
}

func TestExecModuleRejectsUnknownFunction(t *testing.T) {
	data := bcmodule.Encode(buildDoubleModule())
	if _, err := execModule(data, "missing", nil); err == nil {
		t.Fatal("expected an error for an unknown function name")
	}
}

func TestExecModuleRejectsCorruptData(t *testing.T) {
	if _, err := execModule([]byte{0, 1, 2, 3}, "double", nil); err == nil {
		t.Fatal("expected a decode error for corrupt module bytes")
	}
}
