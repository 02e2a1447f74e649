// Package config loads kernel boot parameters from a TOML descriptor, the
// way a real boot loader would pass a device tree or command line, except
// here it's a config file consumed by the host-side simulation harness.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// KernelConfig describes the boot-time shape of the simulated machine.
type KernelConfig struct {
	Memory    MemoryConfig    `toml:"memory"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Swap      SwapConfig      `toml:"swap"`
}

// MemoryConfig sizes the RAM window and its framebuffer split.
type MemoryConfig struct {
	TotalPages          uint64 `toml:"total_pages"`
	FramebufferPages    uint64 `toml:"framebuffer_pages"`
	HeapMaxBytes        uint64 `toml:"heap_max_bytes"`
	StackMaxBytes        uint64 `toml:"stack_max_bytes"`
}

// SchedulerConfig bounds the EDF admission-control reservation.
type SchedulerConfig struct {
	MaxBandwidthPermille uint32 `toml:"max_bandwidth_permille"`
	DemoteThreshold      uint32 `toml:"demote_threshold"`
}

// SwapConfig sizes the swap slot bitmap.
type SwapConfig struct {
	SlotCount   uint32 `toml:"slot_count"`
	BackingFile string `toml:"backing_file"`
}

// Default returns the configuration used when no boot file is supplied,
// matching the documented page and limit constants.
func Default() KernelConfig {
	return KernelConfig{
		Memory: MemoryConfig{
			TotalPages:       1 << 18, // 1 GiB of 4 KiB pages
			FramebufferPages: 1 << 14, // ~64 MiB reserved for the framebuffer split
			HeapMaxBytes:     64 << 20,
			StackMaxBytes:    8 << 20,
		},
		Scheduler: SchedulerConfig{
			MaxBandwidthPermille: 950,
			DemoteThreshold:      3,
		},
		Swap: SwapConfig{
			SlotCount:   16384,
			BackingFile: "viper.swap",
		},
	}
}

// Load decodes a TOML boot descriptor, overlaying it onto Default().
func Load(path string) (KernelConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return KernelConfig{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
