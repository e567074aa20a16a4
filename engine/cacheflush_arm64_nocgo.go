//go:build arm64 && !cgo && !linux && !darwin

package engine

import "errors"

// arm64 requires a C compiler or a loadable system library to flush the
// instruction cache. Install a C compiler and build with CGO_ENABLED=1.
func cacheflush(buf []byte) error {
	return errors.New("instruction cache flush requires cgo on this platform")
}
