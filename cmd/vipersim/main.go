// Command vipersim is a host-side harness for the kernel core: it boots
// a Kernel from a TOML descriptor, loads ELF images or bytecode modules
// into it, and prints the resulting state, the way a real kernel would
// print to the serial console during early boot. This stands in for a
// serial console on the host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/vkern/viper/pkg/bcmodule"
	"github.com/vkern/viper/pkg/bcvm"
	"github.com/vkern/viper/pkg/config"
	"github.com/vkern/viper/pkg/klog"
	"github.com/vkern/viper/pkg/viper"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&spawnCmd{}, "")
	subcommands.Register(&runBytecodeCmd{}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

// loadKernel reads the boot descriptor at path (or the built-in default
// when path is empty) and wires a fresh Kernel from it.
func loadKernel(path string) (*viper.Kernel, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return viper.NewKernel(cfg), nil
}

// bootCmd wires a Kernel from a boot descriptor and prints the PMM/heap/
// scheduler state a serial console would show right after kernel init.
type bootCmd struct {
	configPath string
	verbose    bool
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot a kernel from a config file and print its state" }
func (*bootCmd) Usage() string {
	return "boot [-config path.toml] [-verbose]\n  Wire every subsystem manager and report allocator/scheduler state.\n"
}

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a boot TOML descriptor (defaults to the built-in config)")
	f.BoolVar(&c.verbose, "verbose", false, "enable debug-level kernel logging")
}

func (c *bootCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.verbose {
		klog.SetLevel(logrus.DebugLevel)
	}
	k, err := loadKernel(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vipersim boot:", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("pmm: total=%d free=%d used=%d\n", k.PMM.GetTotalPages(), k.PMM.GetFreePages(), k.PMM.GetUsedPages())
	fmt.Printf("heap: free=%d\n", k.Heap.TotalFree())
	fmt.Printf("scheduler: bandwidth_headroom=%.3f\n", k.Sched.BandwidthHeadroom())
	fmt.Printf("processes: %d\n", k.ProcessCount())
	return subcommands.ExitSuccess
}

// spawnCmd loads an ELF image from disk and spawns it as a process.
type spawnCmd struct {
	configPath  string
	elfPath     string
	name        string
	memoryLimit uint64
}

func (*spawnCmd) Name() string     { return "spawn" }
func (*spawnCmd) Synopsis() string { return "load an ELF image and spawn it as a process" }
func (*spawnCmd) Usage() string {
	return "spawn -elf path/to/image [-name init] [-config path.toml]\n  Map PT_LOAD segments, set up the user stack, and enqueue the initial task.\n"
}

func (c *spawnCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a boot TOML descriptor")
	f.StringVar(&c.elfPath, "elf", "", "path to an AArch64 ELF64 image")
	f.StringVar(&c.name, "name", "init", "process name")
	f.Uint64Var(&c.memoryLimit, "memory-limit", 64<<20, "per-process memory ledger limit in bytes")
}

func (c *spawnCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.elfPath == "" {
		fmt.Fprintln(os.Stderr, "vipersim spawn: -elf is required")
		return subcommands.ExitUsageError
	}
	data, err := os.ReadFile(c.elfPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vipersim spawn:", err)
		return subcommands.ExitFailure
	}

	k, err := loadKernel(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vipersim spawn:", err)
		return subcommands.ExitFailure
	}

	p, ok := k.Spawn(c.name, data, c.memoryLimit)
	if !ok {
		fmt.Fprintln(os.Stderr, "vipersim spawn: spawn_process failed")
		return subcommands.ExitFailure
	}

	fmt.Printf("pid=%d name=%s state=%s heap_break=%#x asid=%d\n", p.ID, p.Name, p.State, p.HeapBreak, p.ASID())
	return subcommands.ExitSuccess
}

// runBytecodeCmd loads a compiled .vbc module and execs a named function
// against integer arguments, printing the result the way a syscall
// handler would report exec's return value.
type runBytecodeCmd struct {
	modulePath string
	funcName   string
}

func (*runBytecodeCmd) Name() string     { return "run-bytecode" }
func (*runBytecodeCmd) Synopsis() string { return "exec a function from a compiled bytecode module" }
func (*runBytecodeCmd) Usage() string {
	return "run-bytecode -module path.vbc -func name [args...]\n  Decode a bytecode module and exec one of its functions with i64 arguments.\n"
}

func (c *runBytecodeCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.modulePath, "module", "", "path to a .vbc bytecode module")
	f.StringVar(&c.funcName, "func", "main", "function name to execute")
}

func (c *runBytecodeCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.modulePath == "" {
		fmt.Fprintln(os.Stderr, "vipersim run-bytecode: -module is required")
		return subcommands.ExitUsageError
	}
	data, err := os.ReadFile(c.modulePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vipersim run-bytecode:", err)
		return subcommands.ExitFailure
	}
	intArgs := make([]int64, 0, f.NArg())
	for _, a := range f.Args() {
		var n int64
		if _, err := fmt.Sscanf(a, "%d", &n); err != nil {
			fmt.Fprintln(os.Stderr, "vipersim run-bytecode: bad argument", a)
			return subcommands.ExitUsageError
		}
		intArgs = append(intArgs, n)
	}

	res, err := execModule(data, c.funcName, intArgs)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vipersim run-bytecode:", err)
		return subcommands.ExitFailure
	}

	fmt.Printf("result=%d state=%s instructions=%d\n", res.Result, res.State, res.Instructions)
	return subcommands.ExitSuccess
}

// execResult is the structured outcome of running a bytecode function,
// factored out of runBytecodeCmd.Execute so it can be asserted against
// directly in tests without scraping stdout.
type execResult struct {
	Result       int64
	State        string
	Instructions uint64
}

// execModule decodes a serialized bytecode module and execs funcName
// against intArgs, returning the structured result.
func execModule(data []byte, funcName string, intArgs []int64) (execResult, error) {
	module, err := bcmodule.Decode(data)
	if err != nil {
		return execResult{}, fmt.Errorf("decode: %w", err)
	}

	args := make([]bcvm.Slot, 0, len(intArgs))
	for _, n := range intArgs {
		args = append(args, bcvm.I64(n))
	}

	m := bcvm.New()
	m.Load(module)
	result, err := m.Exec(funcName, args)
	if err != nil {
		return execResult{}, fmt.Errorf("trap: %w", err)
	}

	return execResult{Result: result.I64(), State: m.State().String(), Instructions: m.InstrCount()}, nil
}
