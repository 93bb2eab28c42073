package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCode(t *testing.T) {
	err := oops.Code(CodeInvalidParams).Errorf("bad")
	assert.Equal(t, CodeInvalidParams, ErrorCode(err, CodeActionFailed))
	assert.Equal(t, CodeInvalidParams, ErrorCode(fmt.Errorf("wrapped: %w", err), CodeActionFailed))
	assert.Equal(t, CodeActionFailed, ErrorCode(errors.New("plain"), CodeActionFailed))
	assert.Equal(t, CodeActionFailed, ErrorCode(oops.Errorf("no code"), CodeActionFailed))
}

func TestAsSuspension(t *testing.T) {
	s := &Suspension{Event: NewEvent(TypeHITLRequired, nil)}

	got, ok := AsSuspension(fmt.Errorf("outer: %w", s))
	require.True(t, ok)
	assert.Equal(t, TypeHITLRequired, got.Event.Type)
	assert.Contains(t, s.Error(), TypeHITLRequired)

	_, ok = AsSuspension(errors.New("x"))
	assert.False(t, ok)
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "plain", ErrorMessage(errors.New("plain")))
	assert.Contains(t, ErrorMessage(oops.Errorf("boom %d", 1)), "boom 1")
}
