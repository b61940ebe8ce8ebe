package riscv64

// SBI Extension IDs
const (
	SBIExtBase          = 0x10
	SBIExtTimer         = 0x54494D45 // "TIME"
	SBIExtIPI           = 0x735049   // "sPI"
	SBIExtRFence        = 0x52464E43 // "RFNC"
	SBIExtHSM           = 0x48534D   // "HSM"
	SBIExtSRST          = 0x53525354 // "SRST"
	SBIExtLegacyPutchar = 0x01
	SBIExtLegacyGetchar = 0x02
)

// SBI Base extension function IDs
const (
	SBIBaseGetSpecVersion = 0
	SBIBaseGetImplID      = 1
	SBIBaseGetImplVersion = 2
	SBIBaseProbeExtension = 3
	SBIBaseGetMvendorID   = 4
	SBIBaseGetMarchID     = 5
	SBIBaseGetMimplID     = 6
)

// SBI Timer extension function IDs
const (
	SBITimerSetTimer = 0
)

// SBI HSM (Hart State Management) function IDs
const (
	SBIHSMHartStart  = 0
	SBIHSMHartStop   = 1
	SBIHSMHartStatus = 2
)

// SBI error codes
const (
	SBISuccess           = 0
	SBIErrFailed         = -1
	SBIErrNotSupported   = -2
	SBIErrInvalidParam   = -3
	SBIErrDenied         = -4
	SBIErrInvalidAddress = -5
	SBIErrAlreadyAvail   = -6
)

// HandleSBI answers an ECALL trapped from S-mode as a supervisor
// firmware would: a7 holds the extension ID, a6 the function ID, a0-a5
// the arguments; results are returned in a0 (error code) and a1
// (value). This covers the minimal firmware surface an xv6-class
// kernel needs to boot and talk to its console — base, timer, HSM,
// legacy console, and system reset — without a full OpenSBI.
func (m *Machine) HandleSBI() error {
	ext := m.CPU.X[17] // a7
	fid := m.CPU.X[16] // a6

	m.logger().Debug("sbi call", "ext", ext, "fid", fid, "a0", m.CPU.X[10], "a1", m.CPU.X[11], "pc", m.CPU.PC)

	var err int64 = SBISuccess
	var val uint64

	switch ext {
	case SBIExtLegacyPutchar:
		ch := byte(m.CPU.X[10])
		if m.UART.Output != nil {
			m.UART.Output.Write([]byte{ch})
		}

	case SBIExtLegacyGetchar:
		v, _ := m.UART.Read(UARTRegLSR, 1)
		if v&UARTLSRDataReady != 0 {
			v, _ = m.UART.Read(UARTRegRBR, 1)
			val = v
		} else {
			val = 0xffffffffffffffff
		}

	case SBIExtBase:
		err, val = m.handleSBIBase(fid)

	case SBIExtTimer:
		err, val = m.handleSBITimer(fid)

	case SBIExtIPI:
		// Single hart: nothing to notify.

	case SBIExtRFence:
		// Single hart: no remote TLB state to fence.

	case SBIExtHSM:
		err, val = m.handleSBIHSM(fid)

	case SBIExtSRST:
		return ErrHalt

	default:
		err = SBIErrNotSupported
	}

	m.CPU.X[10] = uint64(err)
	m.CPU.X[11] = val

	return nil
}

func (m *Machine) handleSBIBase(fid uint64) (int64, uint64) {
	switch fid {
	case SBIBaseGetSpecVersion:
		return SBISuccess, 0x01000000

	case SBIBaseGetImplID:
		return SBISuccess, 0x7276363465 // "rv64e"

	case SBIBaseGetImplVersion:
		return SBISuccess, 0x00010000

	case SBIBaseProbeExtension:
		extID := m.CPU.X[10]
		switch extID {
		case SBIExtBase, SBIExtTimer, SBIExtIPI, SBIExtRFence, SBIExtHSM,
			SBIExtLegacyPutchar, SBIExtLegacyGetchar:
			return SBISuccess, 1
		default:
			return SBISuccess, 0
		}

	case SBIBaseGetMvendorID, SBIBaseGetMarchID, SBIBaseGetMimplID:
		return SBISuccess, 0

	default:
		return SBIErrNotSupported, 0
	}
}

func (m *Machine) handleSBITimer(fid uint64) (int64, uint64) {
	switch fid {
	case SBITimerSetTimer:
		stime := m.CPU.X[10]
		m.CLINT.SetTimecmp(0, stime)
		m.CPU.Mip &^= MipSTIP
		return SBISuccess, 0

	default:
		return SBIErrNotSupported, 0
	}
}

func (m *Machine) handleSBIHSM(fid uint64) (int64, uint64) {
	switch fid {
	case SBIHSMHartStatus:
		if m.CPU.X[10] == 0 {
			return SBISuccess, 0 // STARTED
		}
		return SBIErrInvalidParam, 0

	case SBIHSMHartStart:
		return SBIErrAlreadyAvail, 0

	case SBIHSMHartStop:
		return SBIErrNotSupported, 0

	default:
		return SBIErrNotSupported, 0
	}
}
