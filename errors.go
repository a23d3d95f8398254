package auth

import (
	"errors"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeAuthenticationFailed       = "AUTHENTICATION_FAILED"
	TextCodeInvalidToken               = "INVALID_TOKEN"
	TextCodeRefreshTokenNotFound       = "REFRESH_TOKEN_NOT_FOUND"
	TextCodeRefreshTokenExpired        = "REFRESH_TOKEN_EXPIRED"
	TextCodeRefreshTokenRevoked        = "REFRESH_TOKEN_REVOKED"
	TextCodeRefreshFamilyRevoked       = "REFRESH_FAMILY_REVOKED"
	TextCodeReuseDetected              = "REFRESH_TOKEN_REUSE_DETECTED"
	TextCodeTooManyLoginAttempts       = "TOO_MANY_LOGIN_ATTEMPTS"
	TextCodeForbidden                  = "FORBIDDEN"
	TextCodeImpersonationNotAllowed    = "IMPERSONATION_NOT_ALLOWED"
	TextCodeImpersonationAlreadyActive = "IMPERSONATION_ALREADY_ACTIVE"
	TextCodeImpersonationInvalidActor  = "IMPERSONATION_INVALID_ACTOR"
	TextCodeImpersonationNoTarget      = "IMPERSONATION_NO_ELIGIBLE_TARGET"
	TextCodeImpersonationEnded         = "IMPERSONATION_ENDED"
	TextCodeInvalidIdentifier          = "INVALID_IDENTIFIER"
	TextCodeInvalidPermissionKey       = "INVALID_PERMISSION_KEY"
	TextCodeWeakPassword               = "WEAK_PASSWORD"
	TextCodeCrossScopeAssignment       = "CROSS_SCOPE_ASSIGNMENT"
	TextCodeIdentityNotFound           = "IDENTITY_NOT_FOUND"
	TextCodeStoreFailure               = "STORE_FAILURE"
)

// Sentinels are shared values. Never mutate them, derive per-use errors with
// the constructors below instead.
var (
	// ErrAuthenticationFailed covers bad credentials, unknown or inactive
	// identities. The message never says which one.
	ErrAuthenticationFailed = goerrors.New("invalid credentials", goerrors.CategoryAuth).
				WithTextCode(TextCodeAuthenticationFailed).
				WithCode(goerrors.CodeUnauthorized)

	ErrInvalidToken = goerrors.New("invalid or expired access token", goerrors.CategoryAuth).
			WithTextCode(TextCodeInvalidToken).
			WithCode(goerrors.CodeUnauthorized)

	ErrRefreshTokenNotFound = goerrors.New("refresh token not found", goerrors.CategoryAuth).
				WithTextCode(TextCodeRefreshTokenNotFound).
				WithCode(goerrors.CodeUnauthorized)

	ErrRefreshTokenExpired = goerrors.New("refresh token expired", goerrors.CategoryAuth).
				WithTextCode(TextCodeRefreshTokenExpired).
				WithCode(goerrors.CodeUnauthorized)

	ErrRefreshTokenRevoked = goerrors.New("refresh token revoked", goerrors.CategoryAuth).
				WithTextCode(TextCodeRefreshTokenRevoked).
				WithCode(goerrors.CodeUnauthorized)

	ErrFamilyRevoked = goerrors.New("refresh token family revoked", goerrors.CategoryAuth).
				WithTextCode(TextCodeRefreshFamilyRevoked).
				WithCode(goerrors.CodeUnauthorized)

	// ErrReuseDetected means a rotated refresh secret was presented again.
	// The whole family is revoked by the time callers see it.
	ErrReuseDetected = goerrors.New("refresh token reuse detected", goerrors.CategoryAuth).
				WithTextCode(TextCodeReuseDetected).
				WithCode(goerrors.CodeUnauthorized)

	ErrTooManyLoginAttempts = goerrors.New("too many login attempts", goerrors.CategoryRateLimit).
				WithTextCode(TextCodeTooManyLoginAttempts).
				WithCode(http.StatusTooManyRequests)

	ErrImpersonationNotAllowed = goerrors.New("identity is not allowed to impersonate", goerrors.CategoryAuthz).
					WithTextCode(TextCodeImpersonationNotAllowed).
					WithCode(goerrors.CodeForbidden)

	ErrImpersonationAlreadyActive = goerrors.New("an impersonation session is already active", goerrors.CategoryConflict).
					WithTextCode(TextCodeImpersonationAlreadyActive).
					WithCode(goerrors.CodeConflict)

	ErrImpersonationInvalidActor = goerrors.New("caller does not own this impersonation session", goerrors.CategoryAuthz).
					WithTextCode(TextCodeImpersonationInvalidActor).
					WithCode(goerrors.CodeForbidden)

	ErrNoEligibleTarget = goerrors.New("no eligible identity to impersonate", goerrors.CategoryNotFound).
				WithTextCode(TextCodeImpersonationNoTarget).
				WithCode(goerrors.CodeNotFound)

	ErrImpersonationEnded = goerrors.New("impersonation session has ended", goerrors.CategoryConflict).
				WithTextCode(TextCodeImpersonationEnded).
				WithCode(goerrors.CodeConflict)

	ErrInvalidIdentifier = goerrors.New("identifier is not valid", goerrors.CategoryValidation).
				WithTextCode(TextCodeInvalidIdentifier).
				WithCode(goerrors.CodeBadRequest)

	ErrCrossScopeAssignment = goerrors.New("role scope does not match identity class", goerrors.CategoryValidation).
				WithTextCode(TextCodeCrossScopeAssignment).
				WithCode(goerrors.CodeBadRequest)

	ErrIdentityNotFound = goerrors.New("identity not found", goerrors.CategoryNotFound).
				WithTextCode(TextCodeIdentityNotFound).
				WithCode(goerrors.CodeNotFound)

	ErrNoEmptyString = goerrors.New("value must not be empty", goerrors.CategoryValidation).
				WithTextCode(TextCodeWeakPassword).
				WithCode(goerrors.CodeBadRequest)
)

var authenticationFailureCodes = map[string]bool{
	TextCodeAuthenticationFailed: true,
	TextCodeInvalidToken:         true,
	TextCodeRefreshTokenNotFound: true,
	TextCodeRefreshTokenExpired:  true,
	TextCodeRefreshTokenRevoked:  true,
	TextCodeRefreshFamilyRevoked: true,
}

var impersonationStateCodes = map[string]bool{
	TextCodeImpersonationAlreadyActive: true,
	TextCodeImpersonationInvalidActor:  true,
	TextCodeImpersonationNoTarget:      true,
	TextCodeImpersonationEnded:         true,
}

var validationCodes = map[string]bool{
	TextCodeInvalidIdentifier:    true,
	TextCodeInvalidPermissionKey: true,
	TextCodeWeakPassword:         true,
	TextCodeCrossScopeAssignment: true,
}

// NewForbiddenError reports the permission code the caller was missing.
func NewForbiddenError(permission string) error {
	return goerrors.New(fmt.Sprintf("missing permission %s", permission), goerrors.CategoryAuthz).
		WithTextCode(TextCodeForbidden).
		WithCode(goerrors.CodeForbidden).
		WithMetadata(map[string]any{
			"permission": permission,
		})
}

// NewWeakPasswordError wraps the failed strength rule.
func NewWeakPasswordError(reason string) error {
	return goerrors.New(fmt.Sprintf("password does not meet policy: %s", reason), goerrors.CategoryValidation).
		WithTextCode(TextCodeWeakPassword).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{
			"reason": reason,
		})
}

// NewInvalidPermissionKeyError reports a grant that does not follow
// the scope:resource:action grammar.
func NewInvalidPermissionKeyError(key string, reason string) error {
	return goerrors.New(fmt.Sprintf("invalid permission key %q: %s", key, reason), goerrors.CategoryValidation).
		WithTextCode(TextCodeInvalidPermissionKey).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(map[string]any{
			"key": key,
		})
}

func newValidationError(err error) error {
	return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid request").
		WithTextCode(TextCodeInvalidIdentifier).
		WithCode(goerrors.CodeBadRequest)
}

func wrapStoreError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg).
		WithTextCode(TextCodeStoreFailure)
}

func textCode(err error) string {
	var rich *goerrors.Error
	if errors.As(err, &rich) {
		return rich.TextCode
	}
	return ""
}

// IsAuthenticationFailure covers bad credentials and any invalid token or
// refresh secret. Replay is reported separately by IsReuseDetected.
func IsAuthenticationFailure(err error) bool {
	return err != nil && authenticationFailureCodes[textCode(err)]
}

// IsReuseDetected reports a replayed refresh secret
func IsReuseDetected(err error) bool {
	return err != nil && textCode(err) == TextCodeReuseDetected
}

// IsForbidden reports a missing permission, including impersonation rights.
func IsForbidden(err error) bool {
	if err == nil {
		return false
	}
	code := textCode(err)
	return code == TextCodeForbidden || code == TextCodeImpersonationNotAllowed
}

// ForbiddenPermission returns the permission code carried by a forbidden error.
func ForbiddenPermission(err error) (string, bool) {
	var rich *goerrors.Error
	if !errors.As(err, &rich) || rich.TextCode != TextCodeForbidden {
		return "", false
	}
	code, ok := rich.Metadata["permission"].(string)
	return code, ok
}

func IsImpersonationStateError(err error) bool {
	return err != nil && impersonationStateCodes[textCode(err)]
}

func IsValidationError(err error) bool {
	return err != nil && validationCodes[textCode(err)]
}

// HTTPStatus maps an error to the status code the transport should use.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var rich *goerrors.Error
	if errors.As(err, &rich) && rich.Code != 0 {
		return rich.Code
	}
	return http.StatusInternalServerError
}
