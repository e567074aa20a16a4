package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pboyd/malloc"
)

// arena is the executable memory trampolines live in. The pages are
// read+execute and only become writable while write or free holds mu.
type arena struct {
	minSize int

	mu      sync.Mutex
	mem     *malloc.Arena
	protect func(prot int) error
}

// setup maps the arena on first use, large enough for at least size bytes.
func (a *arena) setup(size int) error {
	backend := malloc.MmapBackend(malloc.MmapProt(mprotectExec), malloc.MmapFlags(mapFlags))

	a.protect = func(int) error { return nil }
	if pb, ok := backend.(malloc.ProtectedArenaBackend); ok {
		a.protect = pb.Protect
	}

	a.mem = malloc.NewArena(uint64(max(size, a.minSize)), malloc.Backend(backend))
	if a.mem == nil {
		return errors.New("unable to map trampoline arena")
	}
	return nil
}

// write reserves size bytes and lets fill put code into them while the
// arena is writable. fill returns the part of the buffer it used, which is
// executable once write returns. On failure kind is ErrAllocation,
// ErrNotHookable (fill failed) or ErrProtection.
func (a *arena) write(size int, fill func(buf []byte) ([]byte, error)) (code []byte, kind, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		if err := a.setup(size); err != nil {
			return nil, ErrAllocation, err
		}
	}

	if err := a.protect(mprotectRWX); err != nil {
		return nil, ErrProtection, fmt.Errorf("arena not writable: %w", err)
	}

	buf, err := malloc.MallocSlice[byte](a.mem, size)
	switch {
	case err != nil:
		kind = ErrAllocation
	default:
		code, err = fill(buf)
		if err != nil {
			kind = ErrNotHookable
			malloc.FreeSlice(a.mem, buf)
		}
	}

	if perr := a.protect(mprotectRX); perr != nil {
		if err == nil {
			malloc.FreeSlice(a.mem, buf)
			return nil, ErrProtection, fmt.Errorf("arena not sealed: %w", perr)
		}
	}

	if err != nil {
		return nil, kind, err
	}
	return code, nil, nil
}

// free gives code, as returned by write, back to the arena.
func (a *arena) free(code []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil || len(code) == 0 {
		return nil
	}

	if err := a.protect(mprotectRWX); err != nil {
		return fmt.Errorf("arena not writable: %w", err)
	}
	malloc.FreeSlice(a.mem, code)
	if err := a.protect(mprotectRX); err != nil {
		return fmt.Errorf("arena not sealed: %w", err)
	}
	return nil
}
