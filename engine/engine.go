package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"go.uber.org/zap"
)

// Address is the machine word of a Go func value: a pointer to the closure
// record whose first word is the code entry. Converting a func value to an
// Address and back is a bit copy.
type Address unsafe.Pointer

// funcval mirrors the runtime's closure record. Captured variables, if any,
// follow fn in memory.
type funcval struct {
	fn uintptr
}

func entryOf(a Address) uintptr {
	return (*funcval)(a).fn
}

var (
	errNilFunc         = errors.New("nil function")
	errUnsupportedArch = errors.New("unsupported architecture: " + runtime.GOARCH)
)

// Engine patches function entries so that they jump to a replacement and
// keeps enough state to undo it.
type Engine struct {
	arena  *arena
	logger *zap.Logger
}

type hook struct {
	entry uintptr

	// The Engine whose arena holds the trampoline.
	owner *Engine

	// Referenced from the patched code, so it must stay reachable.
	replacement Address

	// Bytes overwritten by the jump.
	saved []byte

	// Trampoline code in the arena and the closure record pointing at it.
	code       []byte
	trampoline *funcval

	// Hands the patched entry back to the trampoline after the stack
	// grows. nil when the target has no stack check.
	resume *funcval
}

// registry holds every installed hook. A patch changes the code of the
// whole process, so all Engines share it.
var registry = struct {
	sync.Mutex
	hooks map[uintptr]*hook
}{hooks: map[uintptr]*hook{}}

// New returns an Engine with its own trampoline arena.
func New(opts ...Option) *Engine {
	e := &Engine{
		arena:  &arena{minSize: defaultArenaSize},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Default is the Engine used by the package-level functions.
var Default = New()

// Hook redirects target to replacement using the Default engine.
func Hook(target, replacement Address) (Address, error) {
	return Default.Hook(target, replacement)
}

// Unhook removes a hook on target.
func Unhook(target Address) error {
	return Default.Unhook(target)
}

// Lookup returns the trampoline of a hooked target.
func Lookup(target Address) (Address, bool) {
	return Default.Lookup(target)
}

// Hook rewrites the entry of target so that calls land in replacement. It
// returns the address of a trampoline which runs the original target.
//
// Both addresses must come from func values of the same type. A target
// can only be hooked once per process, whichever Engine hooked it. Targets
// that are closures with captured variables are rejected, and functions
// the compiler inlined are unaffected.
func (e *Engine) Hook(target, replacement Address) (Address, error) {
	const op = "hook"

	if target == nil || replacement == nil {
		return nil, opError(op, 0, ErrNotHookable, errNilFunc)
	}

	entry := entryOf(target)
	code, md, err := funcCode(entry)
	if err != nil {
		return nil, opError(op, entry, ErrNotHookable, err)
	}

	// The record of a func value without captured variables is static
	// data in the image. Anything else carries context the trampoline
	// cannot provide.
	if !md.inImage(uintptr(target)) {
		return nil, opError(op, entry, ErrNotHookable, errClosure)
	}

	p, err := analyze(entry, code)
	if err != nil {
		return nil, opError(op, entry, ErrNotHookable, err)
	}

	patch := jumpCode(replacement, md.inImage(uintptr(replacement)), p.resumable())
	if patch == nil {
		return nil, opError(op, entry, ErrNotHookable, errUnsupportedArch)
	}
	if len(code) < len(patch) {
		return nil, opError(op, entry, ErrNotHookable,
			fmt.Errorf("function is %d bytes, jump needs %d", len(code), len(patch)))
	}
	if err := p.displace(len(patch)); err != nil {
		return nil, opError(op, entry, ErrNotHookable, err)
	}

	registry.Lock()
	defer registry.Unlock()

	if _, ok := registry.hooks[entry]; ok {
		return nil, opError(op, entry, ErrAlreadyHooked, nil)
	}

	h := &hook{
		entry:       entry,
		owner:       e,
		replacement: replacement,
		saved:       make([]byte, len(patch)),
	}
	if p.resumable() {
		h.resume = &funcval{}
	}

	var resumeAt int
	tramp, kind, err := e.arena.write(p.trampolineSize(), func(buf []byte) ([]byte, error) {
		out, at, err := p.emit(buf, uintptr(unsafe.Pointer(h.resume)))
		resumeAt = at
		return out, err
	})
	if err != nil {
		return nil, opError(op, entry, kind, err)
	}
	if err := cacheflush(tramp); err != nil {
		e.release(tramp)
		return nil, opError(op, entry, ErrProtection, err)
	}

	base := uintptr(unsafe.Pointer(unsafe.SliceData(tramp)))
	h.code = tramp
	h.trampoline = &funcval{fn: base}
	if h.resume != nil {
		h.resume.fn = base + uintptr(resumeAt)
	}
	copy(h.saved, code)

	if err := e.write(entry, code[:len(patch)], patch); err != nil {
		e.release(tramp)
		return nil, opError(op, entry, ErrProtection, err)
	}

	registry.hooks[entry] = h

	if ce := e.logger.Check(zap.DebugLevel, "hook installed"); ce != nil {
		text, _ := disassemble(tramp)
		ce.Write(
			zap.String("func", funcName(entry)),
			zap.Uintptr("entry", entry),
			zap.Uintptr("trampoline", h.trampoline.fn),
			zap.Int("patch_len", len(patch)),
			zap.Bool("resumable", h.resume != nil),
			zap.String("code", text),
		)
	}

	return Address(unsafe.Pointer(h.trampoline)), nil
}

// Unhook restores the original entry of target, whichever Engine hooked
// it. Trampolines returned for the hook must not be called afterwards.
func (e *Engine) Unhook(target Address) error {
	const op = "unhook"

	if target == nil {
		return opError(op, 0, ErrNotHooked, errNilFunc)
	}
	entry := entryOf(target)

	registry.Lock()
	defer registry.Unlock()

	h, ok := registry.hooks[entry]
	if !ok {
		return opError(op, entry, ErrNotHooked, nil)
	}

	code := unsafe.Slice((*byte)(unsafe.Pointer(entry)), len(h.saved))
	if err := e.write(entry, code, h.saved); err != nil {
		return opError(op, entry, ErrProtection, err)
	}

	delete(registry.hooks, entry)
	h.owner.release(h.code)

	e.logger.Debug("hook removed",
		zap.String("func", funcName(entry)),
		zap.Uintptr("entry", entry),
	)

	return nil
}

// Lookup returns the trampoline for target if it is hooked by any Engine.
func (e *Engine) Lookup(target Address) (Address, bool) {
	if target == nil {
		return nil, false
	}

	registry.Lock()
	defer registry.Unlock()

	h, ok := registry.hooks[entryOf(target)]
	if !ok {
		return nil, false
	}
	return Address(unsafe.Pointer(h.trampoline)), true
}

// write copies src over dest, which is code that may be executing. Once the
// page is writable the copy always happens; later failures are only logged.
func (e *Engine) write(entry uintptr, dest, src []byte) error {
	if err := mprotect(dest, mprotectRWX); err != nil {
		return err
	}

	copy(dest, src)

	if err := mprotect(dest, mprotectRX); err != nil {
		e.logger.Warn("code page left writable",
			zap.Uintptr("entry", entry),
			zap.Error(err),
		)
	}

	if err := cacheflush(dest); err != nil {
		e.logger.Warn("instruction cache not flushed",
			zap.Uintptr("entry", entry),
			zap.Error(err),
		)
	}

	return nil
}

func (e *Engine) release(code []byte) {
	if err := e.arena.free(code); err != nil {
		e.logger.Warn("trampoline leaked", zap.Error(err))
	}
}

func funcName(entry uintptr) string {
	if fn := runtime.FuncForPC(entry); fn != nil {
		return fn.Name()
	}
	return ""
}
