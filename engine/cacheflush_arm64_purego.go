//go:build arm64 && !cgo && (linux || darwin)

package engine

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Without cgo the compiler builtin is unavailable, so load the same
// routine from the system library.
var (
	flushOnce sync.Once
	flushErr  error
	flushFn   func(start, arg uintptr)
)

func loadCacheFlush() error {
	flushOnce.Do(func() {
		lib, err := purego.Dlopen(cacheFlushLib, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			flushErr = fmt.Errorf("load %s: %w", cacheFlushLib, err)
			return
		}

		sym, err := purego.Dlsym(lib, cacheFlushSym)
		if err != nil {
			flushErr = fmt.Errorf("find %s: %w", cacheFlushSym, err)
			return
		}
		purego.RegisterFunc(&flushFn, sym)
	})
	return flushErr
}

func cacheflush(buf []byte) error {
	if err := loadCacheFlush(); err != nil {
		return err
	}

	start := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
	flushFn(start, cacheFlushArg(start, len(buf)))
	return nil
}
