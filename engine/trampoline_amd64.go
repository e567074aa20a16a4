package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"
)

const (
	// JMP [RIP+0]; .quad target
	farJumpLen = 14

	// Offset of JMP (DX) in a resumable patch.
	resumeOff = 2

	padByte = opcodeINT3
)

type inst struct {
	x86asm.Inst
	off int
	raw []byte
}

func decode(code []byte) ([]inst, error) {
	var insts []inst
	for off := 0; off < len(code); {
		in, err := x86asm.Decode(code[off:], 64)
		if err != nil {
			return nil, fmt.Errorf("decode error at offset %d: %w", off, err)
		}
		insts = append(insts, inst{Inst: in, off: off, raw: code[off : off+in.Len]})
		off += in.Len
	}
	return insts, nil
}

func (in inst) end() int {
	return in.off + in.Len
}

// target returns the offset a relative branch lands on.
func (in inst) target() (int, bool) {
	if in.PCRel == 0 {
		return 0, false
	}
	rel, ok := in.Args[0].(x86asm.Rel)
	if !ok {
		return 0, false
	}
	return in.end() + int(rel), true
}

func (in inst) isCall() bool {
	return in.Op == x86asm.CALL
}

func (in inst) isJump() bool {
	_, ok := in.target()
	return ok && in.Op == x86asm.JMP
}

func (in inst) isCond() bool {
	_, ok := in.condition()
	return ok
}

func (in inst) pcRel() bool {
	return in.PCRel != 0
}

// condition returns the condition code of a Jcc.
func (in inst) condition() (byte, bool) {
	raw := in.raw
	switch {
	case raw[0]&0xf0 == 0x70:
		return raw[0] & 0x0f, true
	case len(raw) > 1 && raw[0] == 0x0f && raw[1]&0xf0 == 0x80:
		return raw[1] & 0x0f, true
	}
	return 0, false
}

// movable reports why the instruction cannot run from the trampoline.
func (in inst) movable(last bool) error {
	_, branch := in.target()
	switch {
	case in.isCall() && (!branch || !last):
		return errors.New("call inside the patched prologue")
	case branch && !in.isCall() && in.Op != x86asm.JMP && !in.isCond():
		return fmt.Errorf("%v cannot be relocated", in.Op)
	}
	return nil
}

// trampolineSize returns an upper bound on the bytes emit writes.
func (p *prologue) trampolineSize() int {
	size := 0
	for _, in := range p.moved {
		_, branch := in.target()
		switch {
		case p.leaf || !branch:
			size += in.Len
		case in.isCall():
			size += 12 + farJumpLen
		default:
			size += 2 + farJumpLen
		}
	}
	if !p.leaf {
		size += farJumpLen
	}
	if p.split != nil {
		size += len(p.split.spill) + 10 + 12 + farJumpLen
		size += len(p.split.unspill) + 5
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
	a.jmp(addrAt(p.entry, p.n))

	if p.split == nil {
		return
	}

	// morestack takes the PC to resume at from the top of the stack and
	// restores DX, so the JMP (DX) in the patch comes back to l.resume.
	l.grow = a.off()
	a.bytes(p.split.spill...)
	a.movDX(uint64(resume))
	a.pushImm(uint64(p.entry + resumeOff))
	a.jmp(p.split.morestack)

	l.resume = a.off()
	a.bytes(p.split.unspill...)
	a.jmp(a.base)
}

func (p *prologue) relocate(a *asm, l *labels, in inst) {
	t, branch := in.target()

	if !branch || p.leaf {
		at := a.off()
		a.bytes(in.raw...)

		if !branch && in.PCRel == 4 {
			disp := int32(binary.LittleEndian.Uint32(in.raw[in.PCRelOff:]))
			a.setRel32(at+in.PCRelOff, addrAt(a.base, at+in.Len), addrAt(p.entry, in.end()+int(disp)))
		}

		// A leaf keeps its layout, so only branches out of it change.
		if branch && (t < 0 || t >= len(p.code)) {
			if in.PCRel != 4 {
				a.fail(fmt.Errorf("offset %d: short branch leaves the function", in.off))
				return
			}
			a.setRel32(at+in.PCRelOff, addrAt(a.base, at+in.Len), addrAt(p.entry, t))
		}
		return
	}

	to := p.dest(a, l, t)
	switch {
	case in.Op == x86asm.JMP:
		a.jmp(to)
	case in.isCall():
		// The return address must be in the original so the runtime can
		// unwind the caller's frame.
		a.pushImm(uint64(addrAt(p.entry, p.n)))
		a.jmp(to)
	default:
		cc, _ := in.condition()
		a.jcc(cc, to)
	}
}

func (a *asm) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

// setRel32 stores at buffer offset at the displacement of to from end.
func (a *asm) setRel32(at int, end, to uintptr) {
	if a.err != nil {
		return
	}
	d := int64(to) - int64(end)
	if d < math.MinInt32 || d > math.MaxInt32 {
		a.err = errOutOfRange
		return
	}
	binary.LittleEndian.PutUint32(a.buf[at:], uint32(int32(d)))
}

func (a *asm) rel32(to uintptr) {
	at := a.off()
	a.bytes(0, 0, 0, 0)
	a.setRel32(at, a.pc(), to)
}

// jmp assembles JMP rel32, or JMP [RIP+0] followed by the address when to
// is out of range.
func (a *asm) jmp(to uintptr) {
	if nearRel32(a.pc(), to) {
		a.bytes(opcodeJMPrel)
		a.rel32(to)
		return
	}
	a.farJmp(to)
}

func (a *asm) farJmp(to uintptr) {
	a.bytes(0xff, 0x25, 0, 0, 0, 0)
	a.u64(uint64(to))
}

// jcc assembles a conditional jump. Out of range, the inverted condition
// skips over a far jump.
func (a *asm) jcc(cc byte, to uintptr) {
	if nearRel32(a.pc(), to) {
		a.bytes(0x0f, 0x80|cc)
		a.rel32(to)
		return
	}
	a.bytes(0x70|(cc^1), farJumpLen)
	a.farJmp(to)
}

// movDX assembles MOVQ $v, DX.
func (a *asm) movDX(v uint64) {
	a.bytes(0x48, 0xba)
	a.u64(v)
}

// pushImm pushes v through R12, a scratch register in the Go ABI.
func (a *asm) pushImm(v uint64) {
	a.bytes(0x49, 0xbc) // MOVQ $v, R12
	a.u64(v)
	a.bytes(0x41, 0x54) // PUSHQ R12
}
