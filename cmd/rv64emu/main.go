// Command rv64emu boots a kernel or bare-metal image under the RV64
// system emulator.
package main

import (
	"bytes"
	"context"
	"debug/elf"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/pengxu-zhao/risc-v-emulator/internal/config"
	"github.com/pengxu-zhao/risc-v-emulator/internal/riscv64"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		slog.Error("rv64emu exiting", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to a YAML machine descriptor")
		kernelPath  = flag.String("kernel", "", "path to an ELF64 kernel or raw flat image")
		diskPath    = flag.String("disk", "", "path to a raw disk image exposed as virtio-blk")
		diskRO      = flag.Bool("disk-readonly", false, "open the disk image read-only")
		ramSize     = flag.Uint64("ram", 0, "RAM size in bytes (0 = use config/default)")
		rawTerminal = flag.Bool("raw-terminal", true, "put the host terminal into raw mode for guest console I/O")
		stopOnZero  = flag.Bool("stop-on-zero", false, "halt on a store to physical address 0 (bare-metal test images)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *kernelPath != "" {
		cfg.Kernel = *kernelPath
	}
	if *diskPath != "" {
		cfg.Disk = *diskPath
	}
	if *diskRO {
		cfg.DiskRO = true
	}
	if *ramSize != 0 {
		cfg.RAMSize = *ramSize
	}

	if cfg.Kernel == "" {
		return errors.New("no kernel image given (-kernel or config kernel:)")
	}

	restoreTerminal := func() {}
	if *rawTerminal && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw terminal mode: %w", err)
		}
		restoreTerminal = func() { term.Restore(int(os.Stdin.Fd()), oldState) }
	}
	defer restoreTerminal()

	machine := riscv64.NewMachine(cfg.RAMSize, os.Stdout, os.Stdin)
	machine.SetStopOnZero(*stopOnZero)

	entry, err := loadKernel(machine, cfg.Kernel)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}
	machine.SetPC(entry)

	if cfg.Disk != "" {
		diskFile, err := openDisk(cfg.Disk, cfg.DiskRO)
		if err != nil {
			return fmt.Errorf("open disk: %w", err)
		}
		defer diskFile.Close()

		info, err := diskFile.Stat()
		if err != nil {
			return fmt.Errorf("stat disk: %w", err)
		}
		if info.Size()%512 != 0 {
			return fmt.Errorf("disk image %s: size %d is not a multiple of 512 bytes", cfg.Disk, info.Size())
		}
		machine.AttachDisk(diskFile, info.Size())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	err = machine.Run(ctx, 0)
	if errors.Is(err, riscv64.ErrHalt) {
		slog.Info("machine halted")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("interrupted")
		return nil
	}
	return err
}

func openDisk(path string, readOnly bool) (*os.File, error) {
	if readOnly {
		return os.Open(path)
	}
	return os.OpenFile(path, os.O_RDWR, 0)
}

// loadKernel copies kernel into the machine's physical memory and
// returns the entry point to start execution at. An ELF64 RISC-V
// image is loaded by its PT_LOAD segments; a file that does not parse
// as ELF is treated as a raw flat image copied verbatim to RAM base,
// matching how many bare-metal RISC-V bring-up flows link a flat
// kernel image. An ELF of any other class or machine is rejected.
func loadKernel(machine *riscv64.Machine, path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		slog.Debug("kernel is not a valid ELF file, loading as raw image", "err", err)
		if err := machine.LoadBytes(machine.MemoryBase(), data); err != nil {
			return 0, fmt.Errorf("load raw image: %w", err)
		}
		return machine.MemoryBase(), nil
	}
	defer f.Close()

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_RISCV {
		return 0, fmt.Errorf("kernel ELF is %s/%s, want ELFCLASS64/EM_RISCV", f.Class, f.Machine)
	}

	loadedAny := false
	for i, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}

		buf := make([]byte, prog.Filesz)
		n, err := prog.ReadAt(buf, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read PT_LOAD segment %d: %w", i, err)
		}
		if uint64(n) != prog.Filesz {
			return 0, fmt.Errorf("PT_LOAD segment %d: read %d of %d bytes", i, n, prog.Filesz)
		}

		if err := machine.LoadBytes(prog.Paddr, buf); err != nil {
			return 0, fmt.Errorf("load PT_LOAD segment %d at 0x%x: %w", i, prog.Paddr, err)
		}

		if prog.Memsz > prog.Filesz {
			zeroes := make([]byte, prog.Memsz-prog.Filesz)
			if err := machine.LoadBytes(prog.Paddr+prog.Filesz, zeroes); err != nil {
				return 0, fmt.Errorf("zero bss for segment %d: %w", i, err)
			}
		}

		loadedAny = true
	}

	if !loadedAny {
		return 0, errors.New("ELF kernel has no PT_LOAD segments")
	}

	return f.Entry, nil
}
