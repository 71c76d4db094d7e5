package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := New(NotDue, 7, "next deposit at %s", "2026-01-02")
	assert.Equal(t, "NOT_DUE: next deposit at 2026-01-02 (plan=7)", err.Error())

	noPlan := New(Unauthorized, 0, "caller %q is not admin", "mallory")
	assert.Equal(t, `UNAUTHORIZED: caller "mallory" is not admin`, noPlan.Error())
}

func TestError_WrapIncludesCause(t *testing.T) {
	cause := errors.New("insufficient allowance")
	err := Wrap(TransferFailed, 3, cause, "transfer from owner failed")

	assert.Contains(t, err.Error(), "insufficient allowance")
	assert.ErrorIs(t, err, cause)
}

func TestIs_UnwrapsWrappedErrors(t *testing.T) {
	err := fmt.Errorf("trigger: %w", New(RateLimited, 1, "cooldown"))

	assert.True(t, Is(err, RateLimited))
	assert.False(t, Is(err, NotDue))
	assert.False(t, Is(errors.New("plain"), RateLimited))
	assert.False(t, Is(nil, RateLimited))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, NoOp, CodeOf(fmt.Errorf("x: %w", New(NoOp, 1, "already paused"))))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestWithCaller_DoesNotMutateOriginal(t *testing.T) {
	orig := New(NotOwner, 2, "not owner")
	withCaller := orig.WithCaller("bob")

	assert.Equal(t, "", orig.Caller)
	assert.Equal(t, "bob", withCaller.Caller)
	assert.Equal(t, orig.Code, withCaller.Code)
}
