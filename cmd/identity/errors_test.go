package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		is   func(error) bool
	}{
		{"conflict", ConflictError{Op: "x", Field: "email"}, IsConflict},
		{"not_found", NotFoundError{Op: "x", Resource: "user"}, IsNotFound},
		{"invalid", OpError{Op: "x", Kind: ErrInvalidInput}, IsInvalidInput},
		{"auth", BadCredentials("x"), IsAuth},
		{"permission", PermissionError{Op: "x"}, IsPermission},
		{"transient", TransientError{Op: "x", Err: errors.New("conn reset")}, IsTransient},
		{"wrapped", fmt.Errorf("outer: %w", ConflictError{Op: "x"}), IsConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.True(t, tc.is(tc.err), "%v", tc.err)
			assert.True(t, IsDomain(tc.err))
		})
	}
}

func TestTransient(t *testing.T) {
	t.Parallel()

	assert.NoError(t, Transient("op", nil))

	conflict := ConflictError{Op: "x", Field: "email"}
	assert.Equal(t, conflict, Transient("op", conflict))

	cause := errors.New("dial tcp: refused")
	err := Transient("op", cause)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)

	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestAuthErrorMessages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, MsgBadCredentials, BadCredentials("a").(AuthError).Message())
	assert.Equal(t, "could not validate credentials", AuthError{Op: "a"}.Message())
	assert.Equal(t, "not enough permissions", PermissionError{Op: "a"}.Message())
}
