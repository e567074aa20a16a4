// Package engine rewrites the entry of a Go function so that it jumps to
// another function, and builds a trampoline that still runs the original.
//
// The engine speaks in Addresses, the raw machine word of a func value. The
// parent package detour converts typed func values to and from Addresses.
//
// Trampolines live in an executable arena. A function that makes calls
// keeps running from its original body: only the instructions under the
// patch move into the trampoline, which then jumps back. Return addresses
// therefore stay inside code the runtime knows, so garbage collection and
// stack growth work while the original is on the stack. Leaf functions are
// copied whole.
//
// Every Engine shares one registry of hooks, so a function can be hooked
// once per process.
//
// Limitations:
//   - Only amd64 and arm64 can be patched
//   - Relies on internal Go APIs that can break at any time
//   - Silently fails to redirect calls the compiler inlined
//   - Closures with captured variables cannot be targets
//   - A fault inside a copied leaf function crashes instead of panicking
package engine
