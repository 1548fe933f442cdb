package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf_TypedError(t *testing.T) {
	err := New(NotFound, "key missing")
	assert.Equal(t, NotFound, CodeOf(err))
}

func TestCodeOf_UntypedError(t *testing.T) {
	assert.Equal(t, InternalError, CodeOf(errors.New("boom")))
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(InternalError, "append failed", cause)

	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, InternalError, CodeOf(err))
}

func TestNewf_FormatsMessage(t *testing.T) {
	err := Newf(PayloadTooLarge, "value of %d bytes exceeds limit", 300000)
	assert.Contains(t, err.Error(), "300000 bytes")
}
