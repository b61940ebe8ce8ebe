package riscv64

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// ErrHalt is returned when the machine is halted, either by the SBI
// system-reset call or by the stopOnZero debug convenience.
var ErrHalt = errors.New("machine halted")

// Machine ties together a hart, its MMU, the memory bus, and the
// platform devices (CLINT, PLIC, UART, and an optional virtio-blk
// disk) into a complete system capable of running supervisor-mode
// software.
type Machine struct {
	CPU    *CPU
	Bus    *Bus
	MMU    *MMU
	CLINT  *CLINT
	PLIC   *PLIC
	UART   *UART
	VirtIO *VirtIOBlk

	Logger *slog.Logger

	DebugOutput io.Writer

	halted atomic.Bool

	// stopOnZero halts the machine on a store to physical address 0,
	// a debug convenience for bare-metal test images with no other
	// way to signal completion.
	stopOnZero bool

	instructionCount uint64
}

// NewMachine creates a machine with RAM of the given size and a
// console wired to output/input. CLINT, PLIC, and UART are always
// present; a disk is attached separately via AttachDisk since it is
// optional configuration.
func NewMachine(ramSize uint64, output io.Writer, input io.Reader) *Machine {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	mmu := NewMMU(cpu)
	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)
	uart := NewUART(output, input)

	cpu.MMU = mmu
	cpu.CLINT = clint

	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)

	uart.SetInterruptHandler(func(pending bool) {
		plic.SetPending(UARTIRQ, pending)
	})

	return &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   mmu,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
	}
}

// AttachDisk wires a virtio-blk device backed by disk onto the bus.
// Call before Run; attaching after the machine has started is
// undefined since the guest would never see the device appear.
func (m *Machine) AttachDisk(disk io.ReaderAt, size int64) {
	blk := NewVirtIOBlk(disk, size)
	blk.Logger = m.logger()
	blk.BindBus(m.Bus)
	blk.SetInterruptHandler(func(pending bool) {
		m.PLIC.SetPending(VirtIOIRQ, pending)
	})
	m.Bus.AddDevice(VirtIOBase, blk)
	m.VirtIO = blk
}

func (m *Machine) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Reset resets the machine to its initial power-on state.
func (m *Machine) Reset() {
	m.CPU.Reset()
	m.MMU.FlushAll()
	m.halted.Store(false)
}

// SetPC sets the program counter.
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter.
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// SetStopOnZero enables halting when a store targets physical address
// zero, used by bare-metal smoke-test images that have no SBI to call.
func (m *Machine) SetStopOnZero(enable bool) {
	m.stopOnZero = enable
}

// LoadBytes loads data into memory at the given physical address.
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM.
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM.
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// Step executes exactly one retired instruction's worth of machine
// state transition: interrupt check, fetch, decode, execute, trap
// delivery, and periodic device work. CLINT's mtime advances by one
// per call, including calls that take a trap or idle in WFI without
// retiring an instruction.
func (m *Machine) Step() error {
	if !m.CPU.WFI {
		if pending, cause := m.CPU.CheckInterrupt(); pending {
			m.CPU.HandleTrap(cause, 0)
			m.afterStep()
			return nil
		}
	} else {
		if pending, _ := m.CPU.CheckInterrupt(); pending {
			m.CPU.WFI = false
		} else {
			m.afterStep()
			return nil
		}
	}

	pc := m.CPU.PC
	paddr, err := m.MMU.TranslateFetch(pc)
	if err != nil {
		if exc, ok := err.(TrapError); ok {
			m.CPU.HandleTrap(exc.Cause, pc)
			m.afterStep()
			return nil
		}
		return err
	}

	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		m.CPU.HandleTrap(CauseInsnAccessFault, pc)
		m.afterStep()
		return nil
	}

	isCompressed := (insn & 0x3) != 0x3
	if isCompressed {
		expanded, err := m.CPU.ExpandCompressed(uint16(insn))
		if err != nil {
			if exc, ok := err.(TrapError); ok {
				m.CPU.HandleTrap(exc.Cause, pc)
				m.afterStep()
				return nil
			}
			return err
		}
		insn = expanded
	}

	oldPC := m.CPU.PC

	err = m.executeWithMMU(insn)
	if err != nil {
		if exc, ok := err.(TrapError); ok {
			m.CPU.PC = oldPC

			if exc.Cause == CauseEcallFromS {
				if err := m.HandleSBI(); err != nil {
					return err
				}
				m.CPU.PC += 4
				m.afterStep()
				return nil
			}

			m.CPU.HandleTrap(exc.Cause, exc.Tval)
			m.afterStep()
			return nil
		}
		if errors.Is(err, ErrHalt) {
			return err
		}
		return err
	}

	if m.CPU.PC == oldPC {
		if isCompressed {
			m.CPU.PC += 2
		} else {
			m.CPU.PC += 4
		}
	}

	m.CPU.Cycle++
	m.CPU.Instret++
	m.instructionCount++

	m.afterStep()
	return nil
}

// afterStep runs the platform's periodic device work: advance the
// timer by one tick and drain any virtio completions whose deadline
// has passed. The PLIC is not polled here: every device has already
// pushed its own interrupt state into the PLIC or CPU.Mip as it
// changed, so there is nothing further to reconcile.
func (m *Machine) afterStep() {
	m.CLINT.Tick()
	if m.VirtIO != nil {
		m.VirtIO.Step()
	}
}

// executeWithMMU dispatches load/store/AMO/FP-load/FP-store opcodes
// through MMU-translated paths; everything else needs no address
// translation and goes straight to the CPU's decoder.
func (m *Machine) executeWithMMU(insn uint32) error {
	op := opcode(insn)

	switch op {
	case OpLoad:
		return m.execLoadMMU(insn)
	case OpStore:
		return m.execStoreMMU(insn)
	case OpAMO:
		return m.execAMOMMU(insn)
	case OpLoadFP:
		return m.execLoadFPMMU(insn)
	case OpStoreFP:
		return m.execStoreFPMMU(insn)
	default:
		return m.CPU.Execute(insn)
	}
}

// execLoadMMU executes a load with address translation.
func (m *Machine) execLoadMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(TrapError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	f3 := funct3(insn)
	var val uint64

	switch f3 {
	case 0b000: // LB
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int8(v))
	case 0b001: // LH
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int16(v))
	case 0b010: // LW
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int32(v))
	case 0b011: // LD
		v, e := m.Bus.Read64(paddr)
		if e != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100: // LBU
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101: // LHU
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110: // LWU
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return Trap(CauseIllegalInsn, uint64(insn))
	}

	m.CPU.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU executes a store with address translation.
func (m *Machine) execStoreMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(TrapError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	if m.stopOnZero && paddr == 0 {
		m.halted.Store(true)
		return ErrHalt
	}

	val := m.CPU.ReadReg(rs2(insn))
	f3 := funct3(insn)

	var writeErr error
	switch f3 {
	case 0b000: // SB
		writeErr = m.Bus.Write8(paddr, uint8(val))
	case 0b001: // SH
		writeErr = m.Bus.Write16(paddr, uint16(val))
	case 0b010: // SW
		writeErr = m.Bus.Write32(paddr, uint32(val))
	case 0b011: // SD
		writeErr = m.Bus.Write64(paddr, val)
	default:
		return Trap(CauseIllegalInsn, uint64(insn))
	}

	if writeErr != nil {
		return Trap(CauseStoreAccessFault, vaddr)
	}

	return nil
}

// execAMOMMU executes an atomic memory operation with address
// translation, swapping the CPU's bus for one pinned to the already-
// translated physical address for the duration of the operation.
func (m *Machine) execAMOMMU(insn uint32) error {
	vaddr := m.CPU.ReadReg(rs1(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(TrapError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	origBus := m.CPU.Bus
	m.CPU.Bus = &translatedBus{bus: m.Bus, paddr: paddr, vaddr: vaddr}
	defer func() { m.CPU.Bus = origBus }()

	return m.CPU.execAMO(insn)
}

// translatedBus wraps Bus to redirect every access to a single,
// already-translated physical address, letting execAMO reuse its
// normal vaddr-keyed bus calls unchanged.
type translatedBus struct {
	bus   *Bus
	paddr uint64
	vaddr uint64
}

func (t *translatedBus) Read(addr uint64, size int) (uint64, error) {
	return t.bus.Read(t.paddr, size)
}

func (t *translatedBus) Write(addr uint64, size int, value uint64) error {
	return t.bus.Write(t.paddr, size, value)
}

func (t *translatedBus) Read8(addr uint64) (uint8, error)   { return t.bus.Read8(t.paddr) }
func (t *translatedBus) Read16(addr uint64) (uint16, error) { return t.bus.Read16(t.paddr) }
func (t *translatedBus) Read32(addr uint64) (uint32, error) { return t.bus.Read32(t.paddr) }
func (t *translatedBus) Read64(addr uint64) (uint64, error) { return t.bus.Read64(t.paddr) }
func (t *translatedBus) Write8(addr uint64, value uint8) error {
	return t.bus.Write8(t.paddr, value)
}
func (t *translatedBus) Write16(addr uint64, value uint16) error {
	return t.bus.Write16(t.paddr, value)
}
func (t *translatedBus) Write32(addr uint64, value uint32) error {
	return t.bus.Write32(t.paddr, value)
}
func (t *translatedBus) Write64(addr uint64, value uint64) error {
	return t.bus.Write64(t.paddr, value)
}

// execLoadFPMMU executes FLW/FLD with address translation.
func (m *Machine) execLoadFPMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(TrapError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	rdReg := rd(insn)
	f3 := funct3(insn)

	switch f3 {
	case 0b010: // FLW
		val, err := m.Bus.Read32(paddr)
		if err != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		m.CPU.F[rdReg] = 0xffffffff00000000 | uint64(val)
		m.CPU.setFS(3)

	case 0b011: // FLD
		val, err := m.Bus.Read64(paddr)
		if err != nil {
			return Trap(CauseLoadAccessFault, vaddr)
		}
		m.CPU.F[rdReg] = val
		m.CPU.setFS(3)

	default:
		return Trap(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// execStoreFPMMU executes FSW/FSD with address translation.
func (m *Machine) execStoreFPMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(TrapError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	rs2Reg := rs2(insn)
	f3 := funct3(insn)

	switch f3 {
	case 0b010: // FSW
		val := uint32(m.CPU.F[rs2Reg])
		if err := m.Bus.Write32(paddr, val); err != nil {
			return Trap(CauseStoreAccessFault, vaddr)
		}

	case 0b011: // FSD
		if err := m.Bus.Write64(paddr, m.CPU.F[rs2Reg]); err != nil {
			return Trap(CauseStoreAccessFault, vaddr)
		}

	default:
		return Trap(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// Run steps the machine until it halts or ctx is cancelled, yielding
// to the caller (to check ctx) every yieldAfter instructions.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for i := int64(0); i < yieldAfter; i++ {
			err := m.Step()
			if err != nil {
				if errors.Is(err, ErrHalt) {
					return ErrHalt
				}
				return fmt.Errorf("step error at PC=0x%x: %w", m.CPU.PC, err)
			}
			if m.IsHalted() {
				return ErrHalt
			}
		}
	}
}

// Halt stops the machine.
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted.
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus.
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// ReadAt reads from guest physical memory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
