package riscv64

// RVC expansion: every 16-bit compressed instruction decodes to the
// 32-bit instruction it is a shorthand for, which is then fed back
// through the ordinary execute path. pengxu-zhao's emulator does not
// model RVC, so there is no behavior from it to adapt here, only the
// RISC-V C extension's
// bit layout (chapter 16 of the unprivileged spec) to get right.
//
// Rather than hand-assembling each expansion's opcode word field by
// field the way a straightforward port would, immediates are
// described declaratively as a list of bit moves and assembled by
// assembleImm, and the six base instruction formats are each built
// by a single encode function. A quadrant's handler then reads as a
// sequence of "decode this field, build that format" rather than
// sixty-odd individual shift-and-mask expressions.

func cOp(insn uint16) uint16     { return insn & 0x3 }
func cFunct3(insn uint16) uint16 { return (insn >> 13) & 0x7 }

// cRd_, cRs1_, cRs2_ decode the 3-bit register fields used by
// register-constrained forms (C.LW, C.SD, C.SUB, ...), which can only
// address x8-x15.
func cRd_(insn uint16) uint32  { return uint32(((insn >> 2) & 0x7) + 8) }
func cRs1_(insn uint16) uint32 { return uint32(((insn >> 7) & 0x7) + 8) }
func cRs2_(insn uint16) uint32 { return uint32(((insn >> 2) & 0x7) + 8) }

// cRd, cRs1, cRs2 decode the full 5-bit register fields used by forms
// that can address any register (C.ADDI, C.JR, C.MV, ...).
func cRd(insn uint16) uint32  { return uint32((insn >> 7) & 0x1f) }
func cRs1(insn uint16) uint32 { return uint32((insn >> 7) & 0x1f) }
func cRs2(insn uint16) uint32 { return uint32((insn >> 2) & 0x1f) }

// bitMove relocates a field of width bits starting at bit srcShift of
// the compressed instruction to bit dstShift of the assembled
// immediate.
type bitMove struct {
	srcShift, width, dstShift uint
}

func assembleImm(insn uint16, moves []bitMove) uint32 {
	var imm uint32
	for _, m := range moves {
		mask := uint32(1)<<m.width - 1
		imm |= ((uint32(insn) >> m.srcShift) & mask) << m.dstShift
	}
	return imm
}

// cSignExtend fills every bit above signBit with the value of signBit
// itself, the way every RVC immediate's top bit (always insn[12]) is
// sign-extended into the full 32-bit field.
func cSignExtend(imm uint32, signBit uint) uint32 {
	if imm&(1<<signBit) != 0 {
		return imm | ^uint32(0)<<signBit
	}
	return imm
}

func encodeIType(imm, rs1, funct3, rd, opcode uint32) uint32 {
	return (imm << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeSType(imm, rs2, rs1, funct3, opcode uint32) uint32 {
	hi, lo := (imm>>5)&0x7f, imm&0x1f
	return (hi << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (lo << 7) | opcode
}

func encodeRType(funct7, rs2, rs1, funct3, rd, opcode uint32) uint32 {
	return (funct7 << 25) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | opcode
}

func encodeUType(imm, rd, opcode uint32) uint32 {
	return (imm &^ 0xfff) | (rd << 7) | opcode
}

func encodeBType(imm, rs2, rs1, funct3, opcode uint32) uint32 {
	b12 := ((imm >> 12) & 1) << 31
	b10 := ((imm >> 5) & 0x3f) << 25
	b4 := ((imm >> 1) & 0xf) << 8
	b11 := ((imm >> 11) & 1) << 7
	return b12 | b10 | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | b4 | b11 | opcode
}

func encodeJType(imm, rd, opcode uint32) uint32 {
	b20 := ((imm >> 20) & 1) << 31
	b10 := ((imm >> 1) & 0x3ff) << 21
	b11 := ((imm >> 11) & 1) << 20
	b19 := ((imm >> 12) & 0xff) << 12
	return b20 | b10 | b11 | b19 | (rd << 7) | opcode
}

// ExpandCompressed rewrites a 16-bit compressed instruction into the
// equivalent 32-bit one so it can run through the normal decode and
// execute path unmodified.
func (cpu *CPU) ExpandCompressed(insn uint16) (uint32, error) {
	switch cOp(insn) {
	case 0b00:
		return cpu.expandQ0(insn, cFunct3(insn))
	case 0b01:
		return cpu.expandQ1(insn, cFunct3(insn))
	case 0b10:
		return cpu.expandQ2(insn, cFunct3(insn))
	default:
		return 0, Trap(CauseIllegalInsn, uint64(insn))
	}
}

func (cpu *CPU) expandQ0(insn uint16, funct3 uint16) (uint32, error) {
	switch funct3 {
	case 0b000: // C.ADDI4SPN: addi rd', x2, nzuimm
		imm := assembleImm(insn, []bitMove{{6, 1, 2}, {5, 1, 3}, {11, 2, 4}, {7, 4, 6}})
		if imm == 0 {
			return 0, Trap(CauseIllegalInsn, uint64(insn))
		}
		return encodeIType(imm, 2, 0, cRd_(insn), 0b0010011), nil

	case 0b001: // C.FLD: fld rd', offset(rs1')
		imm := assembleImm(insn, []bitMove{{10, 3, 3}, {5, 2, 6}})
		return encodeIType(imm, cRs1_(insn), 0b011, cRd_(insn), 0b0000111), nil

	case 0b010: // C.LW: lw rd', offset(rs1')
		imm := assembleImm(insn, []bitMove{{6, 1, 2}, {10, 3, 3}, {5, 1, 6}})
		return encodeIType(imm, cRs1_(insn), 0b010, cRd_(insn), 0b0000011), nil

	case 0b011: // C.LD: ld rd', offset(rs1')
		imm := assembleImm(insn, []bitMove{{10, 3, 3}, {5, 2, 6}})
		return encodeIType(imm, cRs1_(insn), 0b011, cRd_(insn), 0b0000011), nil

	case 0b101: // C.FSD: fsd rs2', offset(rs1')
		imm := assembleImm(insn, []bitMove{{10, 3, 3}, {5, 2, 6}})
		return encodeSType(imm, cRs2_(insn), cRs1_(insn), 0b011, 0b0100111), nil

	case 0b110: // C.SW: sw rs2', offset(rs1')
		imm := assembleImm(insn, []bitMove{{6, 1, 2}, {10, 3, 3}, {5, 1, 6}})
		return encodeSType(imm, cRs2_(insn), cRs1_(insn), 0b010, 0b0100011), nil

	case 0b111: // C.SD: sd rs2', offset(rs1')
		imm := assembleImm(insn, []bitMove{{10, 3, 3}, {5, 2, 6}})
		return encodeSType(imm, cRs2_(insn), cRs1_(insn), 0b011, 0b0100011), nil
	}
	return 0, Trap(CauseIllegalInsn, uint64(insn))
}

func (cpu *CPU) expandQ1(insn uint16, funct3 uint16) (uint32, error) {
	switch funct3 {
	case 0b000: // C.NOP / C.ADDI: addi rd, rd, imm (rd=0 discards the write, same as nop)
		rd := cRd(insn)
		imm := cSignExtend(assembleImm(insn, []bitMove{{2, 5, 0}, {12, 1, 5}}), 5)
		return encodeIType(imm, rd, 0b000, rd, 0b0010011), nil

	case 0b001: // C.ADDIW: addiw rd, rd, imm
		rd := cRd(insn)
		if rd == 0 {
			return 0, Trap(CauseIllegalInsn, uint64(insn))
		}
		imm := cSignExtend(assembleImm(insn, []bitMove{{2, 5, 0}, {12, 1, 5}}), 5)
		return encodeIType(imm, rd, 0b000, rd, 0b0011011), nil

	case 0b010: // C.LI: addi rd, x0, imm
		imm := cSignExtend(assembleImm(insn, []bitMove{{2, 5, 0}, {12, 1, 5}}), 5)
		return encodeIType(imm, 0, 0b000, cRd(insn), 0b0010011), nil

	case 0b011:
		return cpu.expandAddi16spOrLui(insn)

	case 0b100:
		return cpu.expandArithOrLogic(insn)

	case 0b101: // C.J: jal x0, offset
		imm := cSignExtend(assembleImm(insn, []bitMove{
			{2, 1, 5}, {3, 3, 1}, {6, 1, 7}, {7, 1, 6}, {8, 1, 10}, {9, 2, 8}, {11, 1, 4}, {12, 1, 11},
		}), 11)
		return encodeJType(imm, 0, 0b1101111), nil

	case 0b110: // C.BEQZ: beq rs1', x0, offset
		imm := cSignExtend(cBranchImm(insn), 8)
		return encodeBType(imm, 0, cRs1_(insn), 0b000, 0b1100011), nil

	case 0b111: // C.BNEZ: bne rs1', x0, offset
		imm := cSignExtend(cBranchImm(insn), 8)
		return encodeBType(imm, 0, cRs1_(insn), 0b001, 0b1100011), nil
	}
	return 0, Trap(CauseIllegalInsn, uint64(insn))
}

func cBranchImm(insn uint16) uint32 {
	return assembleImm(insn, []bitMove{{2, 1, 5}, {3, 2, 1}, {5, 2, 6}, {10, 2, 3}, {12, 1, 8}})
}

func (cpu *CPU) expandAddi16spOrLui(insn uint16) (uint32, error) {
	rd := cRd(insn)
	if rd == 2 { // C.ADDI16SP: addi x2, x2, nzimm
		imm := cSignExtend(assembleImm(insn, []bitMove{{2, 1, 5}, {3, 2, 7}, {5, 1, 6}, {6, 1, 4}, {12, 1, 9}}), 9)
		if imm == 0 {
			return 0, Trap(CauseIllegalInsn, uint64(insn))
		}
		return encodeIType(imm, 2, 0b000, 2, 0b0010011), nil
	}
	if rd == 0 {
		return 0, Trap(CauseIllegalInsn, uint64(insn))
	}
	// C.LUI: lui rd, nzimm[17:12]
	imm := cSignExtend(assembleImm(insn, []bitMove{{2, 5, 12}, {12, 1, 17}}), 17)
	if imm == 0 {
		return 0, Trap(CauseIllegalInsn, uint64(insn))
	}
	return encodeUType(imm, rd, 0b0110111), nil
}

// expandArithOrLogic handles the funct3=100 block of quadrant 1:
// C.SRLI, C.SRAI, C.ANDI and the register-register C.SUB/XOR/OR/AND
// and their 32-bit C.SUBW/C.ADDW counterparts, all sharing rd'=rs1'.
func (cpu *CPU) expandArithOrLogic(insn uint16) (uint32, error) {
	rd := cRs1_(insn)
	switch (insn >> 10) & 0x3 {
	case 0b00: // C.SRLI
		shamt := assembleImm(insn, []bitMove{{2, 5, 0}, {12, 1, 5}})
		return encodeIType(shamt, rd, 0b101, rd, 0b0010011), nil
	case 0b01: // C.SRAI
		shamt := assembleImm(insn, []bitMove{{2, 5, 0}, {12, 1, 5}})
		return encodeIType((0b010000<<6)|shamt, rd, 0b101, rd, 0b0010011), nil
	case 0b10: // C.ANDI
		imm := cSignExtend(assembleImm(insn, []bitMove{{2, 5, 0}, {12, 1, 5}}), 5)
		return encodeIType(imm, rd, 0b111, rd, 0b0010011), nil
	}

	rs2 := cRs2_(insn)
	wide := (insn>>12)&1 != 0
	switch (insn >> 5) & 0x3 {
	case 0b00:
		if wide { // C.SUBW
			return encodeRType(0b0100000, rs2, rd, 0b000, rd, 0b0111011), nil
		}
		return encodeRType(0b0100000, rs2, rd, 0b000, rd, 0b0110011), nil // C.SUB
	case 0b01:
		if wide { // C.ADDW
			return encodeRType(0, rs2, rd, 0b000, rd, 0b0111011), nil
		}
		return encodeRType(0, rs2, rd, 0b100, rd, 0b0110011), nil // C.XOR
	case 0b10:
		if wide {
			break
		}
		return encodeRType(0, rs2, rd, 0b110, rd, 0b0110011), nil // C.OR
	case 0b11:
		if wide {
			break
		}
		return encodeRType(0, rs2, rd, 0b111, rd, 0b0110011), nil // C.AND
	}
	return 0, Trap(CauseIllegalInsn, uint64(insn))
}

func (cpu *CPU) expandQ2(insn uint16, funct3 uint16) (uint32, error) {
	switch funct3 {
	case 0b000: // C.SLLI: slli rd, rd, shamt
		rd := cRd(insn)
		if rd == 0 {
			return 0, Trap(CauseIllegalInsn, uint64(insn))
		}
		shamt := assembleImm(insn, []bitMove{{2, 5, 0}, {12, 1, 5}})
		return encodeIType(shamt, rd, 0b001, rd, 0b0010011), nil

	case 0b001: // C.FLDSP: fld rd, offset(x2)
		imm := assembleImm(insn, []bitMove{{2, 3, 6}, {5, 2, 3}, {12, 1, 5}})
		return encodeIType(imm, 2, 0b011, cRd(insn), 0b0000111), nil

	case 0b010: // C.LWSP: lw rd, offset(x2)
		rd := cRd(insn)
		if rd == 0 {
			return 0, Trap(CauseIllegalInsn, uint64(insn))
		}
		imm := assembleImm(insn, []bitMove{{2, 2, 6}, {4, 3, 2}, {12, 1, 5}})
		return encodeIType(imm, 2, 0b010, rd, 0b0000011), nil

	case 0b011: // C.LDSP: ld rd, offset(x2)
		rd := cRd(insn)
		if rd == 0 {
			return 0, Trap(CauseIllegalInsn, uint64(insn))
		}
		imm := assembleImm(insn, []bitMove{{2, 3, 6}, {5, 2, 3}, {12, 1, 5}})
		return encodeIType(imm, 2, 0b011, rd, 0b0000011), nil

	case 0b100:
		return cpu.expandJrMvJalrAdd(insn)

	case 0b101: // C.FSDSP: fsd rs2, offset(x2)
		imm := assembleImm(insn, []bitMove{{7, 3, 6}, {10, 3, 3}})
		return encodeSType(imm, cRs2(insn), 2, 0b011, 0b0100111), nil

	case 0b110: // C.SWSP: sw rs2, offset(x2)
		imm := assembleImm(insn, []bitMove{{7, 2, 6}, {9, 4, 2}})
		return encodeSType(imm, cRs2(insn), 2, 0b010, 0b0100011), nil

	case 0b111: // C.SDSP: sd rs2, offset(x2)
		imm := assembleImm(insn, []bitMove{{7, 3, 6}, {10, 3, 3}})
		return encodeSType(imm, cRs2(insn), 2, 0b011, 0b0100011), nil
	}
	return 0, Trap(CauseIllegalInsn, uint64(insn))
}

// expandJrMvJalrAdd handles the five register-only forms packed into
// quadrant 2, funct3=100: whether insn[12] and rs2 are zero selects
// among C.JR, C.MV, C.EBREAK, C.JALR and C.ADD.
func (cpu *CPU) expandJrMvJalrAdd(insn uint16) (uint32, error) {
	rs1, rs2 := cRs1(insn), cRs2(insn)
	bit12 := (insn>>12)&1 != 0

	if !bit12 && rs2 == 0 { // C.JR: jalr x0, rs1, 0
		if rs1 == 0 {
			return 0, Trap(CauseIllegalInsn, uint64(insn))
		}
		return encodeIType(0, rs1, 0b000, 0, 0b1100111), nil
	}
	if !bit12 { // C.MV: add rd, x0, rs2
		return encodeRType(0, rs2, 0, 0b000, rs1, 0b0110011), nil
	}
	if rs2 == 0 && rs1 == 0 { // C.EBREAK
		return 0x00100073, nil
	}
	if rs2 == 0 { // C.JALR: jalr x1, rs1, 0
		return encodeIType(0, rs1, 0b000, 1, 0b1100111), nil
	}
	// C.ADD: add rd, rd, rs2
	return encodeRType(0, rs2, rs1, 0b000, rs1, 0b0110011), nil
}
