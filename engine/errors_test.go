package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	cause := errors.New("boom")
	err := opError("hook", 0x1234, ErrProtection, cause)

	assert.Equal(t, "hook 0x1234: unable to change memory protection: boom", err.Error())
	assert.ErrorIs(t, err, ErrProtection)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAllocation)

	err = opError("unhook", 0x10, ErrNotHooked, nil)
	assert.Equal(t, "unhook 0x10: target is not hooked", err.Error())
	assert.Equal(t, []error{ErrNotHooked}, err.Unwrap())
}
