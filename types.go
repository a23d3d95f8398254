package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// IdentityClass separates platform operators from tenant members.
type IdentityClass string

const (
	IdentityClassPlatform IdentityClass = "platform"
	IdentityClassTenant   IdentityClass = "tenant"
)

// IsValid reports whether the class is one we know about
func (c IdentityClass) IsValid() bool {
	return c == IdentityClassPlatform || c == IdentityClassTenant
}

func (c IdentityClass) String() string {
	return string(c)
}

// Config holds auth options
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	GetAudience() []string
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetRefreshSecretPepper() string
	GetPasswordCost() int
}

// Authenticator is the surface the HTTP layer drives.
type Authenticator interface {
	Login(ctx context.Context, identifier, secret string) (*SessionGrant, error)
	Refresh(ctx context.Context, rawRefresh string) (*SessionGrant, error)
	Logout(ctx context.Context, rawRefresh string) error
	ChangePassword(ctx context.Context, identityID uuid.UUID, current, next string) (*SessionGrant, error)
	ResetPassword(ctx context.Context, adminID, targetID uuid.UUID) (string, error)
	StartImpersonation(ctx context.Context, req StartImpersonationRequest) (*SessionGrant, error)
	StopImpersonation(ctx context.Context, req StopImpersonationRequest) (*SessionGrant, error)
	ResolveIdentity(ctx context.Context, claims *AccessClaims) (*ResolvedIdentity, error)
	DeactivateIdentity(ctx context.Context, actorID, identityID uuid.UUID, reason string) (*Identity, error)
	ReactivateIdentity(ctx context.Context, actorID, identityID uuid.UUID, reason string) (*Identity, error)
}

// SessionGrant is what a successful authentication hands back to the
// transport: a signed access token and the raw refresh secret.
type SessionGrant struct {
	AccessToken  string
	Claims       *AccessClaims
	RefreshToken string
	FamilyID     uuid.UUID
	Identity     *Identity
	Permissions  PermissionSet
	// Session is set on grants produced by starting an impersonation.
	Session *ImpersonationSession
}

// ResolvedIdentity is the effective identity of an authenticated request.
type ResolvedIdentity struct {
	IdentityID    uuid.UUID
	IdentityClass IdentityClass
	TenantID      *uuid.UUID
	Roles         []string
	Permissions   PermissionSet
	Impersonation *Impersonation
}

// IsImpersonating reports whether an actor is acting as this identity
func (r *ResolvedIdentity) IsImpersonating() bool {
	return r != nil && r.Impersonation != nil
}

// Can checks a single permission against the resolved grants
func (r *ResolvedIdentity) Can(required string) bool {
	if r == nil {
		return false
	}
	return r.Permissions.Has(required)
}

type defLogger struct{}

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTH "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTH "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTH "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTH "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
