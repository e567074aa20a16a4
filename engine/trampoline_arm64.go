package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// LDR X27, .+8; BR X27; .quad target
	farJumpLen = 16

	// Offset of LDR X27, [X26] in a resumable patch.
	resumeOff = 4

	padByte = 0
)

type inst struct {
	word uint32
	off  int
}

func decode(code []byte) ([]inst, error) {
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("code is %d bytes, not a whole number of instructions", len(code))
	}
	insts := make([]inst, 0, len(code)/4)
	for off := 0; off < len(code); off += 4 {
		insts = append(insts, inst{word: binary.LittleEndian.Uint32(code[off:]), off: off})
	}
	return insts, nil
}

func isB(w uint32) bool      { return w&branchOpMask == _B }
func isBL(w uint32) bool     { return w&branchOpMask == _BL }
func isBLR(w uint32) bool    { return w&0xfffffc1f == 0xd63f0000 }
func isBCond(w uint32) bool  { return w&0xff000010 == 0x54000000 }
func isCB(w uint32) bool     { return w&0x7e000000 == 0x34000000 } // CBZ, CBNZ
func isTB(w uint32) bool     { return w&0x7e000000 == 0x36000000 } // TBZ, TBNZ
func isADR(w uint32) bool    { return w&0x9f000000 == 0x10000000 }
func isADRP(w uint32) bool   { return w&0x9f000000 == 0x90000000 }
func isLDRLit(w uint32) bool { return w&0x3b000000 == 0x18000000 }

func (in inst) end() int {
	return in.off + 4
}

// target returns the offset a branch lands on.
func (in inst) target() (int, bool) {
	w := in.word
	var imm int32
	switch {
	case isB(w) || isBL(w):
		imm = int32(w<<6) >> 6
	case isBCond(w) || isCB(w):
		imm = int32(w<<8) >> 13
	case isTB(w):
		imm = int32(w<<13) >> 18
	default:
		return 0, false
	}
	return in.off + int(imm)*4, true
}

// literal returns the offset an ADR or LDR (literal) refers to.
func (in inst) literal() (int, bool) {
	w := in.word
	switch {
	case isADR(w):
		imm := int32((w>>5&0x7ffff)<<2|w>>29&3) << 11 >> 11
		return in.off + int(imm), true
	case isLDRLit(w):
		return in.off + int(int32(w<<8)>>13)*4, true
	}
	return 0, false
}

func (in inst) isCall() bool {
	return isBL(in.word) || isBLR(in.word)
}

func (in inst) isJump() bool {
	return isB(in.word)
}

func (in inst) isCond() bool {
	return isBCond(in.word) || isCB(in.word) || isTB(in.word)
}

func (in inst) pcRel() bool {
	_, branch := in.target()
	_, lit := in.literal()
	return branch || lit || isADRP(in.word)
}

// movable reports why the instruction cannot run from the trampoline.
func (in inst) movable(last bool) error {
	switch {
	case isBLR(in.word) || (isBL(in.word) && !last):
		return errors.New("call inside the patched prologue")
	case isADR(in.word) || isLDRLit(in.word):
		return errors.New("PC-relative load cannot be relocated")
	}
	return nil
}

// trampolineSize returns an upper bound on the bytes emit writes.
func (p *prologue) trampolineSize() int {
	if p.leaf {
		return (len(p.code) + 15) &^ 15
	}

	size := 0
	for _, in := range p.moved {
		switch {
		case isB(in.word):
			size += farJumpLen
		case isBL(in.word):
			size += 28
		case in.isCond():
			size += 4 + farJumpLen
		default:
			size += 4
		}
	}
	size += farJumpLen
	if p.split != nil {
		size += len(p.split.spill) + 40
		size += len(p.split.unspill) + 4
	}
	return (size + 15) &^ 15
}

func (p *prologue) assemble(a *asm, l *labels, resume uintptr) {
	for i, in := range p.moved {
		l.moved[i] = a.off()
		p.relocate(a, l, in)
	}
	if p.leaf {
		return
	}
	a.b(addrAt(p.entry, p.n))

	if p.split == nil {
		return
	}

	// morestack resumes at LR and restores R26, so the LDR X27, [X26] in
	// the patch comes back to l.resume. The spill has already copied LR
	// to R3 for morestack.
	l.grow = a.off()
	a.bytes(p.split.spill...)
	a.u32(ldrLit(26, 16))
	a.u32(ldrLit(30, 20))
	a.u32(ldrLit(27, 24))
	a.u32(brX27)
	a.u64(uint64(resume))
	a.u64(uint64(p.entry + resumeOff))
	a.u64(uint64(p.split.morestack))

	l.resume = a.off()
	a.bytes(p.split.unspill...)
	a.b(a.base)
}

func (p *prologue) relocate(a *asm, l *labels, in inst) {
	w := in.word

	if isADRP(w) {
		moved, ok := adrp(w, addrAt(p.entry, in.off), a.pc())
		if !ok {
			a.fail(fmt.Errorf("offset %d: ADRP %w", in.off, errOutOfRange))
			return
		}
		a.u32(moved)
		return
	}

	t, branch := in.target()

	if p.leaf {
		// A leaf keeps its layout, so only references out of it change.
		if lit, ok := in.literal(); ok && (lit < 0 || lit >= len(p.code)) {
			a.fail(fmt.Errorf("offset %d: PC-relative load leaves the function", in.off))
			return
		}
		if !branch || (t >= 0 && t < len(p.code)) {
			a.u32(w)
			return
		}
		if !isB(w) {
			a.fail(fmt.Errorf("offset %d: conditional branch leaves the function", in.off))
			return
		}
		d := int64(addrAt(p.entry, t)) - int64(a.pc())
		if !nearB(d) {
			a.fail(fmt.Errorf("offset %d: branch %w", in.off, errOutOfRange))
			return
		}
		a.u32(_B | uint32(d>>2)&(1<<26-1))
		return
	}

	if !branch {
		a.u32(w)
		return
	}

	to := p.dest(a, l, t)
	switch {
	case isB(w):
		a.b(to)
	case isBL(w):
		// The return address must be in the original so the runtime can
		// unwind the caller's frame.
		a.u32(ldrLit(30, 12))
		a.u32(ldrLit(27, 16))
		a.u32(brX27)
		a.u64(uint64(addrAt(p.entry, p.n)))
		a.u64(uint64(to))
	default:
		a.bcond(w, to)
	}
}

func (a *asm) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

// ldrLit encodes LDR Xrt, .+off.
func ldrLit(rt uint32, off int) uint32 {
	return 0x58000000 | uint32(off/4)<<5 | rt
}

func nearB(d int64) bool {
	return d > -(1<<27)+4096 && d < 1<<27-4096
}

// b assembles B, or a load and BR X27 when to is out of range.
func (a *asm) b(to uintptr) {
	if d := int64(to) - int64(a.pc()); nearB(d) {
		a.u32(_B | uint32(d>>2)&(1<<26-1))
		return
	}
	a.farJmp(to)
}

func (a *asm) farJmp(to uintptr) {
	a.u32(ldrX27Lit8)
	a.u32(brX27)
	a.u64(uint64(to))
}

// bcond re-targets the conditional branch w. Out of range, the inverted
// condition skips over a far jump.
func (a *asm) bcond(w uint32, to uintptr) {
	if moved, ok := condImm(w, int64(to)-int64(a.pc())); ok {
		a.u32(moved)
		return
	}
	skip, _ := condImm(invert(w), 4+farJumpLen)
	a.u32(skip)
	a.farJmp(to)
}

// condImm places the byte offset d in the immediate of conditional branch
// w. ok is false when d does not fit.
func condImm(w uint32, d int64) (uint32, bool) {
	bits := 19
	if isTB(w) {
		bits = 14
	}
	imm := d >> 2
	if imm < -(1<<(bits-1)) || imm >= 1<<(bits-1) {
		return 0, false
	}
	mask := uint32(1<<bits-1) << 5
	return w&^mask | uint32(imm)<<5&mask, true
}

// invert flips the condition of a conditional branch.
func invert(w uint32) uint32 {
	if isBCond(w) {
		return w ^ 1
	}
	return w ^ 1<<24
}

// adrp re-encodes ADRP w, found at from, to produce the same page at to.
func adrp(w uint32, from, to uintptr) (uint32, bool) {
	imm := int64(int32((w>>5&0x7ffff)<<2|w>>29&3) << 11 >> 11)
	page := int64(from&^0xfff) + imm<<12

	pages := (page - int64(to&^0xfff)) >> 12
	if pages < -(1<<20) || pages >= 1<<20 {
		return 0, false
	}

	p := uint32(pages)
	w &^= adrAddressMask
	w |= (p & 3) << 29 // Lowest 2 bits to bits 30 and 29
	w |= (p >> 2 & 0x7ffff) << 5
	return w, true
}
