package engine

import "go.uber.org/zap"

const defaultArenaSize = 64 * 1024

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Engines log nothing by default.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithArenaSize sets the initial size in bytes of the executable arena
// that holds trampolines.
func WithArenaSize(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.arena.minSize = size
		}
	}
}
