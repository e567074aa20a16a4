package detour

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/pboyd/detour/engine"
)

// Engine installs a redirection between raw function addresses and returns
// the address of a trampoline that runs the original. *engine.Engine
// implements it.
type Engine interface {
	Hook(target, replacement engine.Address) (engine.Address, error)
}

// Install redirects target to replacement using engine.Default and returns
// a function that behaves like target did before the call.
//
// Errors come straight from the engine; see the engine.Err* values.
func Install[F any](target, replacement F) (F, error) {
	return InstallWith(engine.Default, target, replacement)
}

// InstallWith is Install with an explicit Engine.
func InstallWith[F any](e Engine, target, replacement F) (F, error) {
	trampoline, err := e.Hook(addressOf(target), addressOf(replacement))
	if err != nil {
		var zero F
		return zero, err
	}
	return funcOf[F](trampoline), nil
}

// Original returns the trampoline for fn if it was hooked with
// engine.Default. If fn is not hooked, fn is returned.
func Original[F any](fn F) F {
	trampoline, ok := engine.Lookup(addressOf(fn))
	if !ok {
		return fn
	}
	return funcOf[F](trampoline)
}

// addressOf and funcOf reinterpret the word of a func value. Neither
// allocates.

func addressOf[F any](fn F) engine.Address {
	mustBeFunc[F]()
	return *(*engine.Address)(unsafe.Pointer(&fn))
}

func funcOf[F any](addr engine.Address) F {
	mustBeFunc[F]()
	return *(*F)(unsafe.Pointer(&addr))
}

func mustBeFunc[F any]() {
	if t := reflect.TypeFor[F](); t.Kind() != reflect.Func {
		panic(fmt.Sprintf("detour: %v is not a function type", t))
	}
}
