//go:build arm64 && !cgo

package engine

const (
	cacheFlushLib = "libgcc_s.so.1"
	cacheFlushSym = "__clear_cache"
)

// __clear_cache takes the end address.
func cacheFlushArg(start uintptr, size int) uintptr {
	return start + uintptr(size)
}
