package auth_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"

	auth "github.com/hotelier/go-authcore"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		status        int
		authFailure   bool
		reuse         bool
		forbidden     bool
		impersonation bool
		validation    bool
	}{
		{name: "nil", err: nil, status: http.StatusOK},
		{name: "bad credentials", err: auth.ErrAuthenticationFailed, status: http.StatusUnauthorized, authFailure: true},
		{name: "invalid token", err: auth.ErrInvalidToken, status: http.StatusUnauthorized, authFailure: true},
		{name: "expired refresh", err: auth.ErrRefreshTokenExpired, status: http.StatusUnauthorized, authFailure: true},
		{name: "revoked family", err: auth.ErrFamilyRevoked, status: http.StatusUnauthorized, authFailure: true},
		{name: "reuse", err: auth.ErrReuseDetected, status: http.StatusUnauthorized, reuse: true},
		{name: "throttled", err: auth.ErrTooManyLoginAttempts, status: http.StatusTooManyRequests},
		{name: "missing permission", err: auth.NewForbiddenError("tenant:rooms:update"), status: http.StatusForbidden, forbidden: true},
		{name: "impersonation not allowed", err: auth.ErrImpersonationNotAllowed, status: http.StatusForbidden, forbidden: true},
		{name: "already impersonating", err: auth.ErrImpersonationAlreadyActive, status: http.StatusConflict, impersonation: true},
		{name: "no target", err: auth.ErrNoEligibleTarget, status: http.StatusNotFound, impersonation: true},
		{name: "impersonation ended", err: auth.ErrImpersonationEnded, status: http.StatusConflict, impersonation: true},
		{name: "weak password", err: auth.NewWeakPasswordError("too short"), status: http.StatusBadRequest, validation: true},
		{name: "bad permission key", err: auth.NewInvalidPermissionKeyError("x", "missing scope"), status: http.StatusBadRequest, validation: true},
		{name: "plain error", err: errors.New("disk on fire"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, auth.HTTPStatus(tt.err))
			assert.Equal(t, tt.authFailure, auth.IsAuthenticationFailure(tt.err))
			assert.Equal(t, tt.reuse, auth.IsReuseDetected(tt.err))
			assert.Equal(t, tt.forbidden, auth.IsForbidden(tt.err))
			assert.Equal(t, tt.impersonation, auth.IsImpersonationStateError(tt.err))
			assert.Equal(t, tt.validation, auth.IsValidationError(tt.err))
		})
	}
}

func TestClassificationSeesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("refresh: %w", auth.ErrReuseDetected)
	assert.True(t, auth.IsReuseDetected(wrapped))
	assert.Equal(t, http.StatusUnauthorized, auth.HTTPStatus(wrapped))
}

func TestForbiddenPermission(t *testing.T) {
	perm, ok := auth.ForbiddenPermission(auth.NewForbiddenError("platform:identities:manage"))
	assert.True(t, ok)
	assert.Equal(t, "platform:identities:manage", perm)

	_, ok = auth.ForbiddenPermission(auth.ErrImpersonationNotAllowed)
	assert.False(t, ok)
}

func TestConstructorsDoNotShareState(t *testing.T) {
	first := auth.NewForbiddenError("a:b:c")
	auth.NewForbiddenError("d:e:f")

	var rich *goerrors.Error
	assert.True(t, errors.As(first, &rich))
	assert.Equal(t, "a:b:c", rich.Metadata["permission"])
}
