// Package config loads the YAML machine descriptor used to configure a
// rv64emu run: RAM size, kernel/disk image paths, and console behavior.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const defaultRAMSize = 128 * 1024 * 1024

// Machine is the on-disk machine description. Every field has a
// sensible default so an absent config file is equivalent to an empty
// one.
type Machine struct {
	RAMSize   uint64 `yaml:"ram_size"`
	Kernel    string `yaml:"kernel"`
	Disk      string `yaml:"disk"`
	DiskRO    bool   `yaml:"disk_readonly"`
	UARTEcho  bool   `yaml:"uart_echo"`
	HartCount int    `yaml:"hart_count"`
}

// Default returns the configuration used when no file is loaded.
func Default() Machine {
	return Machine{
		RAMSize:   defaultRAMSize,
		HartCount: 1,
	}
}

// Load reads and parses a machine descriptor from path, filling in
// defaults for anything the file leaves zero-valued. A missing file is
// not an error: it just means the caller gets Default().
func Load(path string) (Machine, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.RAMSize == 0 {
		cfg.RAMSize = defaultRAMSize
	}
	if cfg.HartCount == 0 {
		cfg.HartCount = 1
	}

	return cfg, nil
}
