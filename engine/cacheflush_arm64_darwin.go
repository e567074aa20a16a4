//go:build arm64 && !cgo

package engine

const (
	cacheFlushLib = "/usr/lib/libSystem.B.dylib"
	cacheFlushSym = "sys_icache_invalidate"
)

// sys_icache_invalidate takes the length.
func cacheFlushArg(start uintptr, size int) uintptr {
	return uintptr(size)
}
