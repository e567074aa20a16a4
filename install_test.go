package detour

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/pboyd/detour/engine"
)

// fakeEngine hooks nothing. It records what it was given and answers with
// whatever the test configured.
type fakeEngine struct {
	targets      []engine.Address
	replacements []engine.Address

	trampoline engine.Address
	err        error
}

func (f *fakeEngine) Hook(target, replacement engine.Address) (engine.Address, error) {
	f.targets = append(f.targets, target)
	f.replacements = append(f.replacements, replacement)
	return f.trampoline, f.err
}

// onceEngine fails like a real engine when the same target is hooked twice.
type onceEngine struct {
	hooked map[engine.Address]bool
}

func (o *onceEngine) Hook(target, replacement engine.Address) (engine.Address, error) {
	if o.hooked[target] {
		return nil, &engine.Error{Op: "hook", Kind: engine.ErrAlreadyHooked}
	}
	o.hooked[target] = true
	return target, nil
}

func square(x int) int {
	return x * x
}

func negate(x int) int {
	return -x
}

func increment(x int) int {
	return x + 1
}

func identity(x int) int {
	return x
}

var intFuncs = []func(int) int{square, negate, increment, identity}

func TestAddressOf(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fn := rapid.SampledFrom(intFuncs).Draw(t, "fn")
		x := rapid.IntRange(-1000, 1000).Draw(t, "x")

		addr := addressOf(fn)
		if uintptr(addr) != *(*uintptr)(unsafe.Pointer(&fn)) {
			t.Fatalf("address %x is not the func value's word", uintptr(addr))
		}

		back := funcOf[func(int) int](addr)
		if back(x) != fn(x) {
			t.Fatalf("round trip changed behavior: %d != %d", back(x), fn(x))
		}
		if addressOf(back) != addr {
			t.Fatalf("round trip changed address")
		}
	})
}

func TestInstallWith(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		target := rapid.SampledFrom(intFuncs).Draw(t, "target")
		replacement := rapid.SampledFrom(intFuncs).Draw(t, "replacement")
		original := rapid.SampledFrom(intFuncs).Draw(t, "original")
		x := rapid.IntRange(-1000, 1000).Draw(t, "x")

		fake := &fakeEngine{trampoline: addressOf(original)}
		trampoline, err := InstallWith(fake, target, replacement)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if fake.targets[0] != addressOf(target) || fake.replacements[0] != addressOf(replacement) {
			t.Fatalf("engine was not given the raw addresses")
		}
		if trampoline(x) != original(x) {
			t.Fatalf("trampoline does not call the engine's address")
		}
	})
}

func TestInstallWith_Errors(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := rapid.String().Draw(t, "msg")
		want := errors.New(msg)

		fake := &fakeEngine{trampoline: addressOf(identity), err: want}
		trampoline, err := InstallWith(fake, square, negate)
		if err != want {
			t.Fatalf("error was not returned as is: %v", err)
		}
		if trampoline != nil {
			t.Fatalf("trampoline returned with an error")
		}
	})
}

func TestInstallWith_EngineError(t *testing.T) {
	for _, kind := range []error{
		engine.ErrNotHookable,
		engine.ErrAllocation,
		engine.ErrProtection,
		engine.ErrAlreadyHooked,
	} {
		t.Run(kind.Error(), func(t *testing.T) {
			want := &engine.Error{Op: "hook", Entry: 0x1000, Kind: kind}
			_, err := InstallWith(&fakeEngine{err: want}, square, negate)

			var got *engine.Error
			require.ErrorAs(t, err, &got)
			assert.Same(t, want, got)
			assert.ErrorIs(t, err, kind)
		})
	}
}

func TestInstallWith_Twice(t *testing.T) {
	e := &onceEngine{hooked: map[engine.Address]bool{}}

	_, err := InstallWith(e, square, negate)
	require.NoError(t, err)

	_, err = InstallWith(e, square, increment)
	assert.ErrorIs(t, err, engine.ErrAlreadyHooked)
}

func TestInstallWith_NotAFunction(t *testing.T) {
	assert.PanicsWithValue(t, "detour: int is not a function type", func() {
		InstallWith(&fakeEngine{}, 1, 2)
	})
}

func TestOriginal_NotHooked(t *testing.T) {
	assert.Equal(t, 9, Original(square)(3))
}
