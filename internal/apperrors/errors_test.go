package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeExtraction(t *testing.T) {
	err := New(ErrCodeNoPolicy, "no policy matches")
	assert.Equal(t, ErrCodeNoPolicy, Code(err))
	assert.True(t, HasCode(err, ErrCodeNoPolicy))
	assert.False(t, HasCode(err, ErrCodeNotFound))

	// Uncoded errors collapse to INTERNAL.
	assert.Equal(t, ErrCodeInternal, Code(errors.New("boom")))
	assert.False(t, HasCode(nil, ErrCodeInternal))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, ErrCodeInternal, "failed to save")

	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "INTERNAL")
	assert.Contains(t, err.Error(), "connection refused")

	// The code survives another layer of fmt wrapping.
	outer := fmt.Errorf("request failed: %w", err)
	assert.Equal(t, ErrCodeInternal, Code(outer))
}

func TestHelperConstructors(t *testing.T) {
	nf := NotFound("approval_request", "apr-1")
	assert.Equal(t, ErrCodeNotFound, nf.Code)
	assert.Contains(t, nf.Message, `approval_request "apr-1"`)

	inv := InvalidInput("request_id", "is required")
	assert.Equal(t, ErrCodeInvalidInput, inv.Code)
	assert.Equal(t, "request_id: is required", inv.Message)
}
