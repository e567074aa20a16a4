//go:build amd64 || arm64

package engine

import (
	"fmt"
	"unsafe"
)

// prologue is a function taken apart for its trampoline.
type prologue struct {
	entry uintptr
	code  []byte
	insts []inst
	leaf  bool
	split *splitTail

	// Set by displace: the instructions that move into the trampoline and
	// the offset just after them.
	moved []inst
	n     int
}

func analyze(entry uintptr, code []byte) (*prologue, error) {
	code = trimPadding(code)
	insts, err := decode(code)
	if err != nil {
		return nil, err
	}

	p := &prologue{entry: entry, code: code, insts: insts, leaf: true}
	for _, in := range insts {
		if in.isCall() {
			p.leaf = false
			break
		}
	}
	if p.leaf {
		return p, nil
	}

	p.split, err = p.findSplitTail()
	if err != nil {
		return nil, err
	}
	return p, nil
}

// resumable reports whether the patch needs an entry for morestack to
// return to.
func (p *prologue) resumable() bool {
	return p.split != nil
}

func (p *prologue) boundary(off int) bool {
	for _, in := range p.insts {
		if in.off == off {
			return true
		}
	}
	return false
}

func (p *prologue) findSplitTail() (*splitTail, error) {
	call := -1
	for i, in := range p.insts {
		t, ok := in.target()
		if !ok || !in.isCall() {
			continue
		}
		name := funcName(addrAt(p.entry, t))
		if name == morestackName {
			return nil, fmt.Errorf("%w: function needs its closure context", errStackCheck)
		}
		if name == morestackNoCtxtName {
			call = i
			break
		}
	}
	if call < 0 {
		return nil, nil
	}

	tail := &splitTail{start: -1, call: p.insts[call].off}
	for _, in := range p.insts[:call] {
		if in.isCond() {
			tail.start, _ = in.target()
			break
		}
	}
	if tail.start <= 0 || tail.start > tail.call || !p.boundary(tail.start) {
		return nil, errStackCheck
	}

	back := -1
	for i := call + 1; i < len(p.insts); i++ {
		if t, ok := p.insts[i].target(); ok && t == 0 && p.insts[i].isJump() {
			back = i
			break
		}
	}
	if back < 0 {
		return nil, errStackCheck
	}

	for _, in := range p.insts {
		if in.off >= tail.start && in.off < p.insts[back].off && in.off != tail.call && in.pcRel() {
			return nil, fmt.Errorf("%w: relative address at offset %d", errStackCheck, in.off)
		}
	}

	tail.spill = p.code[tail.start:tail.call]
	tail.unspill = p.code[p.insts[call].end():p.insts[back].off]

	callee, _ := p.insts[call].target()
	morestack, err := jumpTarget(addrAt(p.entry, callee))
	if err != nil {
		return nil, err
	}
	tail.morestack = morestack
	return tail, nil
}

// jumpTarget returns where the function at addr jumps to.
func jumpTarget(addr uintptr) (uintptr, error) {
	code, _, err := funcCode(addr)
	if err != nil {
		return 0, err
	}
	insts, err := decode(trimPadding(code))
	if err != nil {
		return 0, err
	}
	for _, in := range insts {
		if t, ok := in.target(); ok && in.isJump() {
			return addrAt(addr, t), nil
		}
	}
	return 0, fmt.Errorf("%w: no jump in %s", errStackCheck, funcName(addr))
}

// displace picks the instructions a patch of patchLen bytes overwrites and
// checks that moving them leaves the function intact.
func (p *prologue) displace(patchLen int) error {
	if p.leaf {
		p.moved, p.n = p.insts, len(p.code)
		return nil
	}

	p.moved, p.n = nil, 0
	for _, in := range p.insts {
		if p.n >= patchLen {
			break
		}
		p.moved = append(p.moved, in)
		p.n = in.end()
	}
	if p.n < patchLen {
		return fmt.Errorf("function is %d bytes, patch needs %d", p.n, patchLen)
	}

	for i, in := range p.moved {
		if err := in.movable(i == len(p.moved)-1); err != nil {
			return fmt.Errorf("offset %d: %w", in.off, err)
		}
		if t, ok := in.target(); ok && t > 0 && t < p.n && !p.boundary(t) {
			return fmt.Errorf("offset %d: branch into the middle of an instruction", in.off)
		}
	}

	for _, in := range p.insts[len(p.moved):] {
		t, ok := in.target()
		switch {
		case !ok:
		case p.split != nil && t == p.split.start && in.off < p.split.start:
			return fmt.Errorf("offset %d: stack check extends past the patch", in.off)
		case t < 0 || t >= p.n:
		case t == 0 && p.split != nil && in.off > p.split.call:
			// The tail's jump back to the stack check. Only the original
			// check reaches it, and the patch replaced that.
		default:
			return fmt.Errorf("offset %d: branch into the patched prologue", in.off)
		}
	}
	return nil
}

// emit writes the trampoline into dest, which must be where it will run.
// resume is the closure record morestack hands back to the patched entry.
// It returns the code and the offset of the resume path, or -1 when the
// trampoline has none.
func (p *prologue) emit(dest []byte, resume uintptr) ([]byte, int, error) {
	l := &labels{moved: make([]int, len(p.moved)), resume: -1}

	// Branches that stay inside the trampoline are always near, so a first
	// pass with unknown labels lays the code out exactly like the second.
	scratch := &asm{
		buf:  make([]byte, 0, cap(dest)),
		base: uintptr(unsafe.Pointer(unsafe.SliceData(dest))),
	}
	p.assemble(scratch, l, resume)
	if scratch.err != nil {
		return nil, 0, scratch.err
	}

	a := newAsm(dest)
	p.assemble(a, l, resume)
	if a.err != nil {
		return nil, 0, a.err
	}
	a.fill(padByte, 16)
	return a.buf, l.resume, nil
}

// dest returns where a moved branch to offset t goes.
func (p *prologue) dest(a *asm, l *labels, t int) uintptr {
	if p.split != nil && t == p.split.start {
		return addrAt(a.base, l.grow)
	}
	for i, in := range p.moved {
		if in.off == t {
			return addrAt(a.base, l.moved[i])
		}
	}
	return addrAt(p.entry, t)
}
