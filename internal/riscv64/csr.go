package riscv64

// CSR access, privilege/masked-alias checking, interrupt prioritization
// and the privileged trap-entry sequence.
//
// pengxu-zhao/risc-v-emulator backs every CSR with one flat
// csr[4096] array (cpu.h's read_csr/write_csr are a raw index, no
// masking, no privilege check) and its take_trap always lands in
// M-mode — there is no mideleg/medeleg handling at all in trap.c.
// Neither is enough on its own: the RISC-V privileged spec
// requires the masked-alias model (writes through mstatus/sstatus or
// mip/mie/sip/sie only ever touch the bits the alias is allowed to
// see) and real delegation, since supervisor-mode guests install their
// own trap vectors and expect ECALL/page-fault traps to land there
// directly rather than bouncing through M-mode firmware every time.
// What follows keeps the original's CSR grouping (floating point,
// user counters, supervisor, machine — the same split common.h's
// CSR_* definitions fall into) but backs each group with named struct
// fields and explicit masks instead of a raw array.

func csrMinPriv(csr uint16) uint8 {
	return uint8((csr >> 8) & 3)
}

func csrIsReadOnly(csr uint16) bool {
	return csr>>10 == 3
}

// csrRead dispatches to the group a CSR address falls in; an address
// no group recognizes reads as zero, matching how permissive firmware
// answers a guest probing a CSR it doesn't strictly need.
func (cpu *CPU) csrRead(csr uint16) (uint64, error) {
	if uint16(cpu.Priv) < uint16(csrMinPriv(csr)) {
		return 0, Trap(CauseIllegalInsn, 0)
	}

	if v, ok := cpu.readFloatCSR(csr); ok {
		return v, nil
	}
	if v, ok := cpu.readCounterCSR(csr); ok {
		return v, nil
	}
	if v, ok := cpu.readSupervisorCSR(csr); ok {
		return v, nil
	}
	if v, ok := cpu.readMachineCSR(csr); ok {
		return v, nil
	}
	return 0, nil
}

func (cpu *CPU) csrWrite(csr uint16, val uint64) error {
	if uint16(cpu.Priv) < uint16(csrMinPriv(csr)) {
		return Trap(CauseIllegalInsn, 0)
	}
	if csrIsReadOnly(csr) {
		return Trap(CauseIllegalInsn, 0)
	}

	if cpu.writeFloatCSR(csr, val) {
		return nil
	}
	if cpu.writeSupervisorCSR(csr, val) {
		return nil
	}
	cpu.writeMachineCSR(csr, val)
	return nil
}

func (cpu *CPU) readFloatCSR(csr uint16) (uint64, bool) {
	switch csr {
	case CSRFflags:
		return uint64(cpu.Fflags), true
	case CSRFrm:
		return uint64(cpu.Frm), true
	case CSRFcsr:
		return uint64(cpu.Fflags) | uint64(cpu.Frm)<<5, true
	}
	return 0, false
}

func (cpu *CPU) writeFloatCSR(csr uint16, val uint64) bool {
	switch csr {
	case CSRFflags:
		cpu.Fflags = uint8(val & 0x1f)
	case CSRFrm:
		cpu.Frm = uint8(val & 0x7)
	case CSRFcsr:
		cpu.Fflags = uint8(val & 0x1f)
		cpu.Frm = uint8((val >> 5) & 0x7)
	default:
		return false
	}
	return true
}

// readCounterCSR answers the read-only cycle/time/instret triad. time
// reads the CLINT's mtime directly so a guest's busy-wait loops see
// the same clock the timer-interrupt comparator uses; without a
// CLINT attached it falls back to the retired-instruction count.
func (cpu *CPU) readCounterCSR(csr uint16) (uint64, bool) {
	switch csr {
	case CSRCycle:
		return cpu.Cycle, true
	case CSRTime:
		if cpu.CLINT != nil {
			return cpu.CLINT.Mtime(), true
		}
		return cpu.Cycle, true
	case CSRInstret:
		return cpu.Instret, true
	}
	return 0, false
}

func (cpu *CPU) readSupervisorCSR(csr uint16) (uint64, bool) {
	switch csr {
	case CSRSstatus:
		return cpu.readSstatus(), true
	case CSRSie:
		return cpu.Mie & cpu.Mideleg, true
	case CSRStvec:
		return cpu.Stvec, true
	case CSRScounteren:
		return cpu.Scounteren, true
	case CSRSscratch:
		return cpu.Sscratch, true
	case CSRSepc:
		return cpu.Sepc, true
	case CSRScause:
		return cpu.Scause, true
	case CSRStval:
		return cpu.Stval, true
	case CSRSip:
		return cpu.Mip & cpu.Mideleg, true
	case CSRSatp:
		return cpu.Satp, true
	}
	return 0, false
}

func (cpu *CPU) writeSupervisorCSR(csr uint16, val uint64) bool {
	switch csr {
	case CSRSstatus:
		cpu.writeSstatus(val)
	case CSRSie:
		// sie is a masked alias of mie: only bits mideleg has
		// delegated to S are writable through it.
		cpu.Mie = (cpu.Mie &^ cpu.Mideleg) | (val & cpu.Mideleg)
	case CSRStvec:
		cpu.Stvec = val
	case CSRScounteren:
		cpu.Scounteren = val
	case CSRSscratch:
		cpu.Sscratch = val
	case CSRSepc:
		cpu.Sepc = val &^ 1
	case CSRScause:
		cpu.Scause = val
	case CSRStval:
		cpu.Stval = val
	case CSRSip:
		// Of sip's delegated bits, only SSIP is ever software-settable;
		// STIP/SEIP come from the CLINT/PLIC.
		cpu.Mip = (cpu.Mip &^ MipSSIP) | (val & MipSSIP)
	case CSRSatp:
		cpu.Satp = val
	default:
		return false
	}
	return true
}

func (cpu *CPU) readMachineCSR(csr uint16) (uint64, bool) {
	switch csr {
	case CSRMstatus:
		return cpu.Mstatus, true
	case CSRMisa:
		return cpu.Misa, true
	case CSRMedeleg:
		return cpu.Medeleg, true
	case CSRMideleg:
		return cpu.Mideleg, true
	case CSRMie:
		return cpu.Mie, true
	case CSRMtvec:
		return cpu.Mtvec, true
	case CSRMcounteren:
		return cpu.Mcounteren, true
	case CSRMscratch:
		return cpu.Mscratch, true
	case CSRMepc:
		return cpu.Mepc, true
	case CSRMcause:
		return cpu.Mcause, true
	case CSRMtval:
		return cpu.Mtval, true
	case CSRMip:
		return cpu.Mip, true
	case CSRMhartid:
		return cpu.Mhartid, true
	}
	return 0, false
}

// machine-CSR write masks: mideleg and the software-writable part of
// mip expose only the supervisor-targeted interrupt bits (matching
// common.h's MIDELEG_SSI/STI/SEI set), mie exposes all six standard
// interrupt enables, and medeleg exposes every standard exception
// cause except ECALL-from-M and the reserved causes 10 and 14, which
// stay hardwired to zero.
const (
	medelegWriteMask = 0xb3ff
	midelegWriteMask = MipSSIP | MipSTIP | MipSEIP
	mieWriteMask     = MipSSIP | MipMSIP | MipSTIP | MipMTIP | MipSEIP | MipMEIP
	mipWriteMask     = MipSSIP | MipSTIP | MipSEIP
)

func (cpu *CPU) writeMachineCSR(csr uint16, val uint64) {
	switch csr {
	case CSRMstatus:
		cpu.writeMstatus(val)
	case CSRMisa:
		// misa is read-only in this implementation.
	case CSRMedeleg:
		cpu.Medeleg = val & medelegWriteMask
	case CSRMideleg:
		cpu.Mideleg = val & midelegWriteMask
	case CSRMie:
		cpu.Mie = val & mieWriteMask
	case CSRMtvec:
		cpu.Mtvec = val
	case CSRMcounteren:
		cpu.Mcounteren = val
	case CSRMscratch:
		cpu.Mscratch = val
	case CSRMepc:
		cpu.Mepc = val &^ 1
	case CSRMcause:
		cpu.Mcause = val
	case CSRMtval:
		cpu.Mtval = val
	case CSRMip:
		cpu.Mip = (cpu.Mip &^ mipWriteMask) | (val & mipWriteMask)
	}
}

// sstatusMask selects the mstatus bits sstatus exposes; a write
// through sstatus leaves every other mstatus bit untouched.
const sstatusMask = MstatusSIE | MstatusSPIE | MstatusSPP | MstatusFS |
	MstatusSUM | MstatusMXR | MstatusSD

func (cpu *CPU) readSstatus() uint64 {
	return cpu.Mstatus & sstatusMask
}

func (cpu *CPU) writeSstatus(val uint64) {
	cpu.Mstatus = (cpu.Mstatus &^ sstatusMask) | (val & sstatusMask)
}

// mstatusWriteMask selects the mstatus bits software can set directly;
// the rest (SD, and anything this implementation doesn't model) are
// either computed or hardwired.
const mstatusWriteMask = MstatusSIE | MstatusMIE | MstatusSPIE | MstatusMPIE |
	MstatusSPP | MstatusMPP | MstatusFS | MstatusMPRV | MstatusSUM |
	MstatusMXR | MstatusTVM | MstatusTW | MstatusTSR

func (cpu *CPU) writeMstatus(val uint64) {
	cpu.Mstatus = (cpu.Mstatus &^ mstatusWriteMask) | (val & mstatusWriteMask)

	if cpu.Mstatus&MstatusFS == MstatusFS {
		cpu.Mstatus |= MstatusSD
	} else {
		cpu.Mstatus &^= MstatusSD
	}
}

// interruptPriority lists the six standard interrupt causes in the
// RISC-V-mandated resolution order: machine before supervisor,
// external before software before timer within a level.
var interruptPriority = [...]struct {
	bit     uint64
	cause   uint64
	machine bool
}{
	{MipMEIP, CauseMExternalInt, true},
	{MipMSIP, CauseMSoftwareInt, true},
	{MipMTIP, CauseMTimerInt, true},
	{MipSEIP, CauseSExternalInt, false},
	{MipSSIP, CauseSSoftwareInt, false},
	{MipSTIP, CauseSTimerInt, false},
}

// CheckInterrupt reports the highest-priority pending-and-enabled
// interrupt, if any. Per the privileged spec, interrupts targeting a
// level above the hart's current privilege are always globally
// enabled regardless of that level's xIE bit; interrupts targeting
// the current level obey xIE; interrupts targeting a level below are
// always masked.
func (cpu *CPU) CheckInterrupt() (bool, uint64) {
	pending := cpu.Mip & cpu.Mie
	if pending == 0 {
		return false, 0
	}

	mEnabled := cpu.Priv < PrivMachine || cpu.Mstatus&MstatusMIE != 0
	sEnabled := cpu.Priv < PrivSupervisor || (cpu.Priv == PrivSupervisor && cpu.Mstatus&MstatusSIE != 0)

	for _, class := range interruptPriority {
		if pending&class.bit == 0 {
			continue
		}
		enabled := sEnabled
		if class.machine || cpu.Mideleg&class.bit == 0 {
			enabled = mEnabled
		}
		if enabled {
			return true, class.cause
		}
	}
	return false, 0
}

// delegated reports whether a trap with the given cause should enter
// at S-mode rather than M-mode. The original's take_trap has no
// equivalent of this at all — every trap there lands in M — but a
// supervisor-mode guest kernel needs its own exceptions and delegated
// interrupts to arrive at its own trap vector.
func (cpu *CPU) delegated(code uint64, isInterrupt bool) bool {
	if cpu.Priv > PrivSupervisor {
		return false
	}
	if isInterrupt {
		return cpu.Mideleg&(1<<code) != 0
	}
	return cpu.Medeleg&(1<<code) != 0
}

// trapVector resolves a tvec CSR into the PC a trap should jump to.
// Direct mode (mode bits 0b00) always targets the base address;
// vectored mode (0b01) only vectors interrupts, each to
// base+4*cause — an exception in vectored mode still goes straight to
// the base, matching trap.c's "mode == VECTORED && is_interrupt" test.
func trapVector(tvec, code uint64, isInterrupt bool) uint64 {
	base := tvec &^ 3
	if tvec&1 == 1 && isInterrupt {
		return base + 4*code
	}
	return base
}

// HandleTrap runs the privileged trap-entry sequence: save the
// faulting PC/cause/tval for the target level, flip its interrupt
// enable and previous-privilege bits, switch privilege, and jump
// through its trap vector.
func (cpu *CPU) HandleTrap(cause uint64, tval uint64) {
	isInterrupt := cause>>63 != 0
	code := cause &^ (uint64(1) << 63)

	if cpu.delegated(code, isInterrupt) {
		cpu.enterSupervisorTrap(cause, tval, code, isInterrupt)
	} else {
		cpu.enterMachineTrap(cause, tval, code, isInterrupt)
	}
}

func (cpu *CPU) enterSupervisorTrap(cause, tval, code uint64, isInterrupt bool) {
	cpu.Sepc = cpu.PC
	cpu.Scause = cause
	cpu.Stval = tval

	if cpu.Mstatus&MstatusSIE != 0 {
		cpu.Mstatus |= MstatusSPIE
	} else {
		cpu.Mstatus &^= MstatusSPIE
	}
	cpu.Mstatus &^= MstatusSIE

	if cpu.Priv == PrivSupervisor {
		cpu.Mstatus |= MstatusSPP
	} else {
		cpu.Mstatus &^= MstatusSPP
	}

	cpu.Priv = PrivSupervisor
	cpu.PC = trapVector(cpu.Stvec, code, isInterrupt)
}

func (cpu *CPU) enterMachineTrap(cause, tval, code uint64, isInterrupt bool) {
	cpu.Mepc = cpu.PC
	cpu.Mcause = cause
	cpu.Mtval = tval

	if cpu.Mstatus&MstatusMIE != 0 {
		cpu.Mstatus |= MstatusMPIE
	} else {
		cpu.Mstatus &^= MstatusMPIE
	}
	cpu.Mstatus &^= MstatusMIE

	cpu.Mstatus &^= MstatusMPP
	cpu.Mstatus |= uint64(cpu.Priv) << MstatusMPPShift

	cpu.Priv = PrivMachine
	cpu.PC = trapVector(cpu.Mtvec, code, isInterrupt)
}
