package syncerr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaxonomyMatching(t *testing.T) {
	transient := Transient("append", io.ErrUnexpectedEOF)
	assert.True(t, IsTransient(transient))
	assert.True(t, errors.Is(transient, io.ErrUnexpectedEOF))
	assert.False(t, IsAuth(transient))

	auth := Auth("renew", nil)
	assert.True(t, IsAuth(auth))
	assert.Contains(t, auth.Error(), "authentication failed")

	conflict := &ConflictError{IdempotencyKey: "k1"}
	assert.True(t, IsConflict(conflict))

	var verr *ValidationError
	assert.True(t, errors.As(Invalid("content", "empty"), &verr))
	assert.Equal(t, "content", verr.Field)
	assert.True(t, errors.Is(verr, ErrValidation))
}
