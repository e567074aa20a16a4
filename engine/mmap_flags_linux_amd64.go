package engine

import "golang.org/x/sys/unix"

// Keep the arena in the low 2GiB next to a non-PIE text segment so that
// moved RIP-relative operands still fit in rel32.
const mapFlags = unix.MAP_32BIT
