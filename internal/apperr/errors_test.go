package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("load record: %w", NotFound("record", "r-1"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "load record: record r-1: not found", err.Error())
}

func TestErrorIsHonoursEntity(t *testing.T) {
	err := Conflict("signature", "s-1", "already exists")

	assert.True(t, errors.Is(err, &Error{Kind: KindConflict, Entity: "signature"}))
	assert.False(t, errors.Is(err, &Error{Kind: KindConflict, Entity: "record"}))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindExternalUnavailable, cause, "notarize")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "notarize: connection refused", err.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("append: %w", New(KindConflictRetryable, "head moved"))))
	assert.False(t, IsRetryable(ErrConflict))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorDefaultMessage(t *testing.T) {
	assert.Equal(t, "reauth required", (&Error{Kind: KindReauthRequired}).Error())
}
