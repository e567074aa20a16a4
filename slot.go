package detour

import (
	"fmt"
	"sync/atomic"

	"github.com/pboyd/detour/engine"
)

// Slot holds the trampoline of one hook so the replacement can reach the
// original. Declare slots at package level:
//
//	var origRead = detour.NewSlot[func([]byte) (int, error)]("origRead")
//
// A Slot starts empty and is filled by a successful Hook. It is never
// cleared.
type Slot[F any] struct {
	name string
	fn   atomic.Pointer[F]
}

// NewSlot returns an empty slot. name identifies it in panics.
func NewSlot[F any](name string) *Slot[F] {
	return &Slot[F]{name: name}
}

// Name returns the name the slot was declared with.
func (s *Slot[F]) Name() string {
	return s.name
}

// Hook installs a redirection from target to replacement with
// engine.Default and stores the trampoline in s. On error s is unchanged.
func (s *Slot[F]) Hook(target, replacement F) error {
	return s.HookWith(engine.Default, target, replacement)
}

// HookWith is Hook with an explicit Engine.
func (s *Slot[F]) HookWith(e Engine, target, replacement F) error {
	trampoline, err := InstallWith(e, target, replacement)
	if err != nil {
		return err
	}
	s.fn.Store(&trampoline)
	return nil
}

// Get returns the stored trampoline. It panics if nothing was stored, since
// calling through an empty slot would crash with far less to go on.
func (s *Slot[F]) Get() F {
	fn, ok := s.Load()
	if !ok {
		panic(fmt.Sprintf("detour: trampoline slot %q is not set", s.name))
	}
	return fn
}

// Load returns the stored trampoline and whether there was one.
func (s *Slot[F]) Load() (F, bool) {
	p := s.fn.Load()
	if p == nil {
		var zero F
		return zero, false
	}
	return *p, true
}
