package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotHookable means the target cannot be patched: it is nil, is not
	// the entry of a Go function, is too short to hold the jump, or
	// contains instructions that cannot be relocated.
	ErrNotHookable = errors.New("target is not hookable")

	// ErrAllocation means executable memory for the trampoline could not be
	// allocated.
	ErrAllocation = errors.New("unable to allocate trampoline")

	// ErrProtection means the protection of a code page could not be changed
	// or the new code could not be published.
	ErrProtection = errors.New("unable to change memory protection")

	// ErrAlreadyHooked means the target already redirects somewhere else.
	ErrAlreadyHooked = errors.New("target is already hooked")

	// ErrNotHooked means Unhook was called on a target without a hook.
	ErrNotHooked = errors.New("target is not hooked")
)

// Error is returned by every failing Engine operation. Kind is one of the
// Err* sentinels and Err, if set, is the underlying cause.
type Error struct {
	Op    string
	Entry uintptr
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s 0x%x: %v", e.Op, e.Entry, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, entry uintptr, kind, err error) *Error {
	return &Error{Op: op, Entry: entry, Kind: kind, Err: err}
}
