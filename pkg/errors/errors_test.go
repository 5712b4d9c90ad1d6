package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("run: %w", Clone(ErrResourceExhausted, "memory critical"))
	appErr := FromError(wrapped)
	assert.Equal(t, ErrResourceExhausted.Code, appErr.Code)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.Status)
	assert.Equal(t, "memory critical", appErr.Message)
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	cause := errors.New("boom")
	appErr := FromError(cause)
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.ErrorIs(t, appErr, cause)
}

func TestCloneDoesNotMutateOriginal(t *testing.T) {
	clone := Clone(ErrValidation, "bad quality mode")
	assert.Equal(t, "validation failed", ErrValidation.Message)
	assert.Equal(t, "bad quality mode", clone.Error())
}
