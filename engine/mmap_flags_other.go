//go:build !(linux && amd64)

package engine

// Elsewhere the OS picks the address. Branches out of a trampoline fall
// back to absolute jumps when the arena lands out of range.
const mapFlags = 0
