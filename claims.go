package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Impersonation links an actor to the identity they are acting as.
type Impersonation struct {
	ActorID    uuid.UUID `json:"actor_id"`
	ActingAsID uuid.UUID `json:"acting_as_id"`
}

// ImpersonationClaims is the wire form of Impersonation.
type ImpersonationClaims struct {
	ActorID    string `json:"actor_id"`
	ActingAsID string `json:"acting_as_id"`
}

// AccessClaims is the payload of a short-lived access token
type AccessClaims struct {
	jwt.RegisteredClaims
	IdentityClass IdentityClass        `json:"identity_class"`
	Roles         []string             `json:"roles"`
	TenantID      string               `json:"tenant_id,omitempty"`
	Impersonation *ImpersonationClaims `json:"impersonation,omitempty"`

	subject       uuid.UUID
	tenant        *uuid.UUID
	impersonation *Impersonation
}

// SubjectID is the identity the token was issued to. While impersonating
// this is the acting-as identity.
func (c *AccessClaims) SubjectID() uuid.UUID {
	return c.subject
}

// Tenant returns the tenant claim, nil for platform identities.
func (c *AccessClaims) Tenant() *uuid.UUID {
	return c.tenant
}

// ImpersonationInfo returns the parsed impersonation claim, nil when absent.
func (c *AccessClaims) ImpersonationInfo() *Impersonation {
	return c.impersonation
}

func (c *AccessClaims) IsImpersonating() bool {
	return c.impersonation != nil
}

// TokenID returns the jti
func (c *AccessClaims) TokenID() string {
	return c.RegisteredClaims.ID
}

// Expires returns the expiration time
func (c *AccessClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// IssuedAt returns the issued at time
func (c *AccessClaims) IssuedAt() time.Time {
	if c.RegisteredClaims.IssuedAt != nil {
		return c.RegisteredClaims.IssuedAt.Time
	}
	return time.Time{}
}

// HasRole checks the role names embedded in the token
func (c *AccessClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// EffectiveIdentity returns the identity requests should run as: the
// acting-as identity while impersonating, the subject otherwise.
func EffectiveIdentity(claims *AccessClaims) uuid.UUID {
	if claims == nil {
		return uuid.Nil
	}
	if claims.impersonation != nil {
		return claims.impersonation.ActingAsID
	}
	return claims.subject
}

// bind parses the string claims into typed ids. Any failure makes the whole
// token invalid.
func (c *AccessClaims) bind() error {
	if c.RegisteredClaims.Subject == "" || c.RegisteredClaims.ID == "" {
		return ErrInvalidToken
	}
	if c.RegisteredClaims.IssuedAt == nil || c.RegisteredClaims.ExpiresAt == nil {
		return ErrInvalidToken
	}
	if !c.IdentityClass.IsValid() || c.Roles == nil {
		return ErrInvalidToken
	}

	subject, err := uuid.Parse(c.RegisteredClaims.Subject)
	if err != nil {
		return ErrInvalidToken
	}
	if _, err := uuid.Parse(c.RegisteredClaims.ID); err != nil {
		return ErrInvalidToken
	}
	c.subject = subject

	c.tenant = nil
	if c.TenantID != "" {
		tenant, err := uuid.Parse(c.TenantID)
		if err != nil {
			return ErrInvalidToken
		}
		c.tenant = &tenant
	}

	c.impersonation = nil
	if c.Impersonation != nil {
		actor, err := uuid.Parse(c.Impersonation.ActorID)
		if err != nil {
			return ErrInvalidToken
		}
		actingAs, err := uuid.Parse(c.Impersonation.ActingAsID)
		if err != nil {
			return ErrInvalidToken
		}
		if actingAs != subject {
			return ErrInvalidToken
		}
		c.impersonation = &Impersonation{ActorID: actor, ActingAsID: actingAs}
	}

	return nil
}
