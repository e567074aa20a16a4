package engine

import (
	"encoding/binary"
	"errors"
	"math"
	"unsafe"
)

// A trampoline runs the original target after its entry was patched. It is
// built one of two ways:
//
//   - Leaf functions, which make no calls and never grow the stack, are
//     copied whole. No runtime code ever unwinds through the copy.
//   - Anything else keeps its body where the runtime can find it. Only the
//     instructions the patch covers are moved into the trampoline, followed
//     by a jump back to the first instruction the patch left intact. When
//     those instructions include the stack check, the trampoline also gets
//     its own copy of the morestack sequence, which reports the patched
//     entry to the runtime and comes back into the trampoline afterwards.

const (
	morestackName       = "runtime.morestack"
	morestackNoCtxtName = "runtime.morestack_noctxt"
)

var (
	errStackCheck     = errors.New("unrecognized stack check")
	errClosure        = errors.New("target is a closure with captured variables")
	errOutOfRange     = errors.New("relocated address out of range")
	errTrampolineSize = errors.New("trampoline larger than its allocation")
)

// splitTail is the stack growth sequence the compiler places after the
// body of a function:
//
//	spill register arguments
//	CALL runtime.morestack_noctxt
//	unspill register arguments
//	JMP entry
type splitTail struct {
	start   int // where the stack check branches to
	call    int // offset of the morestack call
	spill   []byte
	unspill []byte

	// runtime.morestack. morestack_noctxt only clears the context register
	// before jumping there, and the trampoline needs that register.
	morestack uintptr
}

// labels are trampoline offsets, filled in while assembling.
type labels struct {
	moved  []int // start of each moved instruction
	grow   int
	resume int
}

// asm appends machine code to a buffer in the arena. Appending past the
// capacity sets err instead of moving the code onto the Go heap.
type asm struct {
	buf  []byte
	base uintptr
	err  error
}

func newAsm(dest []byte) *asm {
	return &asm{
		buf:  dest[:0],
		base: uintptr(unsafe.Pointer(unsafe.SliceData(dest))),
	}
}

// pc is the address of the next byte.
func (a *asm) pc() uintptr {
	return a.base + uintptr(len(a.buf))
}

func (a *asm) off() int {
	return len(a.buf)
}

func (a *asm) bytes(b ...byte) {
	if a.err != nil {
		return
	}
	if len(a.buf)+len(b) > cap(a.buf) {
		a.err = errTrampolineSize
		return
	}
	a.buf = append(a.buf, b...)
}

func (a *asm) u32(v uint32) {
	a.bytes(binary.LittleEndian.AppendUint32(nil, v)...)
}

func (a *asm) u64(v uint64) {
	a.bytes(binary.LittleEndian.AppendUint64(nil, v)...)
}

// fill pads with b up to a multiple of align, as far as the buffer allows.
func (a *asm) fill(b byte, align int) {
	for a.err == nil && len(a.buf)%align != 0 && len(a.buf) < cap(a.buf) {
		a.buf = append(a.buf, b)
	}
}

// addrAt is the address off bytes from base.
func addrAt(base uintptr, off int) uintptr {
	return uintptr(int64(base) + int64(off))
}

// within reports whether to is less than limit bytes away from from, in
// either direction.
func within(from, to uintptr, limit int64) bool {
	d := int64(to) - int64(from)
	return d > -limit && d < limit
}

// nearRel32 leaves headroom so that a decision made at the start of an
// instruction holds for the displacement field inside it.
func nearRel32(from, to uintptr) bool {
	return within(from, to, math.MaxInt32-4096)
}
