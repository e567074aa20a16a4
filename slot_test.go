package detour

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var unsetSlot = NewSlot[func() int]("UNSET_SLOT")

func TestSlot_GetEmpty(t *testing.T) {
	assert.PanicsWithValue(t, `detour: trampoline slot "UNSET_SLOT" is not set`, func() {
		unsetSlot.Get()
	})

	var zero Slot[func()]
	assert.PanicsWithValue(t, `detour: trampoline slot "" is not set`, func() {
		zero.Get()
	})
}

func TestSlot_HookWith(t *testing.T) {
	assert := assert.New(t)

	slot := NewSlot[func(int) int]("slot")
	assert.Equal("slot", slot.Name())

	_, ok := slot.Load()
	assert.False(ok)

	fake := &fakeEngine{trampoline: addressOf(increment)}
	require.NoError(t, slot.HookWith(fake, square, negate))

	assert.Equal(addressOf(square), fake.targets[0])
	assert.Equal(addressOf(negate), fake.replacements[0])

	fn, ok := slot.Load()
	assert.True(ok)
	assert.Equal(5, fn(4))
	assert.Equal(5, slot.Get()(4))
}

func TestSlot_HookWithError(t *testing.T) {
	slot := NewSlot[func(int) int]("slot")

	want := errors.New("engine failure")
	err := slot.HookWith(&fakeEngine{err: want}, square, negate)
	assert.Same(t, want, err)

	_, ok := slot.Load()
	assert.False(t, ok)
	assert.Panics(t, func() { slot.Get() })
}

func TestSlot_HookWithKeepsFirst(t *testing.T) {
	slot := NewSlot[func(int) int]("slot")
	require.NoError(t, slot.HookWith(&fakeEngine{trampoline: addressOf(identity)}, square, negate))

	err := slot.HookWith(&fakeEngine{err: errors.New("no")}, square, increment)
	assert.Error(t, err)
	assert.Equal(t, 7, slot.Get()(7))
}
