//go:build !arm64

package engine

// This isn't needed on amd64, where instruction fetch is coherent with
// stores to code.
func cacheflush(buf []byte) error { return nil }
