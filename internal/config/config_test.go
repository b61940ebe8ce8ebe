package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasSaneRAMSize(t *testing.T) {
	cfg := Default()
	if cfg.RAMSize == 0 {
		t.Fatal("default RAM size must not be zero")
	}
	if cfg.HartCount != 1 {
		t.Fatalf("default hart count = %d, want 1", cfg.HartCount)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("Load of missing file = %+v, want defaults", cfg)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "machine.yml")
	contents := "ram_size: 67108864\nkernel: /tmp/kernel.elf\ndisk: /tmp/disk.img\nuart_echo: true\n"
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RAMSize != 64*1024*1024 {
		t.Errorf("RAMSize = %d, want 64MiB", cfg.RAMSize)
	}
	if cfg.Kernel != "/tmp/kernel.elf" {
		t.Errorf("Kernel = %q", cfg.Kernel)
	}
	if !cfg.UARTEcho {
		t.Errorf("UARTEcho = false, want true")
	}
	if cfg.HartCount != 1 {
		t.Errorf("HartCount = %d, want default of 1", cfg.HartCount)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yml")
	if err := os.WriteFile(path, []byte("ram_size: [this is not a number"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error parsing malformed YAML")
	}
}
