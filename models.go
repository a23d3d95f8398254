package auth

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Tenant is an isolated customer account
type Tenant struct {
	bun.BaseModel `bun:"table:tenants,alias:tnt"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name          string    `bun:"name,notnull" json:"name"`
	Active        bool      `bun:"active,notnull" json:"active"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// Identity is anyone who can authenticate
type Identity struct {
	bun.BaseModel `bun:"table:identities,alias:idn"`
	ID            uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	TenantID      *uuid.UUID    `bun:"tenant_id,type:uuid" json:"tenant_id,omitempty"`
	Email         string        `bun:"email,notnull,unique" json:"email"`
	DisplayName   string        `bun:"display_name" json:"display_name,omitempty"`
	PasswordHash  string        `bun:"password_hash,notnull" json:"-"`
	Class         IdentityClass `bun:"identity_class,notnull" json:"identity_class"`
	Active        bool          `bun:"active,notnull" json:"active"`
	MustReset     bool          `bun:"must_reset,notnull" json:"must_reset"`
	LoggedInAt    *time.Time    `bun:"loggedin_at,nullzero" json:"loggedin_at,omitempty"`
	CreatedAt     time.Time     `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time     `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// IsPlatform reports a platform operator
func (i *Identity) IsPlatform() bool {
	return i != nil && i.Class == IdentityClassPlatform
}

// BelongsTo reports whether the identity is a member of tenant
func (i *Identity) BelongsTo(tenant uuid.UUID) bool {
	return i != nil && i.TenantID != nil && *i.TenantID == tenant
}

// Role groups permission grants. Class is the scope the role may be assigned to.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:rol"`
	ID            uuid.UUID     `bun:"id,pk,type:uuid" json:"id"`
	TenantID      *uuid.UUID    `bun:"tenant_id,type:uuid" json:"tenant_id,omitempty"`
	Name          string        `bun:"name,notnull" json:"name"`
	Class         IdentityClass `bun:"role_class,notnull" json:"role_class"`
	Description   string        `bun:"description" json:"description,omitempty"`
	CreatedAt     time.Time     `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// Permission is an immutable scope:resource:action grant key
type Permission struct {
	bun.BaseModel `bun:"table:permissions,alias:prm"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Code          string    `bun:"code,notnull,unique" json:"code"`
	Description   string    `bun:"description" json:"description,omitempty"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

type RolePermission struct {
	bun.BaseModel `bun:"table:role_permissions,alias:rlp"`
	RoleID        uuid.UUID `bun:"role_id,pk,type:uuid"`
	PermissionID  uuid.UUID `bun:"permission_id,pk,type:uuid"`
}

type IdentityRole struct {
	bun.BaseModel `bun:"table:identity_roles,alias:idr"`
	IdentityID    uuid.UUID `bun:"identity_id,pk,type:uuid"`
	RoleID        uuid.UUID `bun:"role_id,pk,type:uuid"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

// RefreshTokenFamily is one login lineage. Only the revocation fields
// ever change after insert.
type RefreshTokenFamily struct {
	bun.BaseModel  `bun:"table:refresh_token_families,alias:rtf"`
	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	IdentityID     uuid.UUID  `bun:"identity_id,notnull,type:uuid" json:"identity_id"`
	TenantID       uuid.UUID  `bun:"tenant_id,notnull,type:uuid" json:"tenant_id"`
	ParentFamilyID *uuid.UUID `bun:"parent_family_id,type:uuid" json:"parent_family_id,omitempty"`
	CreatedByID    *uuid.UUID `bun:"created_by_id,type:uuid" json:"created_by_id,omitempty"`
	RevokedAt      *time.Time `bun:"revoked_at,nullzero" json:"revoked_at,omitempty"`
	RevokeReason   string     `bun:"revoke_reason,nullzero" json:"revoke_reason,omitempty"`
	CreatedAt      time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

func (f *RefreshTokenFamily) IsRevoked() bool {
	return f != nil && f.RevokedAt != nil
}

// RefreshToken is one link in a family. FamilyID is nil only for tokens
// issued before families existed.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rft"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	FamilyID      *uuid.UUID `bun:"family_id,type:uuid" json:"family_id,omitempty"`
	IdentityID    uuid.UUID  `bun:"identity_id,notnull,type:uuid" json:"identity_id"`
	TenantID      *uuid.UUID `bun:"tenant_id,type:uuid" json:"tenant_id,omitempty"`
	SecretHash    string     `bun:"secret_hash,notnull,unique" json:"-"`
	IssuedAt      time.Time  `bun:"issued_at,notnull" json:"issued_at"`
	ExpiresAt     time.Time  `bun:"expires_at,notnull" json:"expires_at"`
	RevokedAt     *time.Time `bun:"revoked_at,nullzero" json:"revoked_at,omitempty"`
	RotatedAt     *time.Time `bun:"rotated_at,nullzero" json:"rotated_at,omitempty"`
	ReplacedByID  *uuid.UUID `bun:"replaced_by_id,type:uuid" json:"replaced_by_id,omitempty"`
	UserAgent     string     `bun:"user_agent,nullzero" json:"user_agent,omitempty"`
	IPAddress     string     `bun:"ip_address,nullzero" json:"ip_address,omitempty"`
}

// ImpersonationSession records an actor assuming another identity
type ImpersonationSession struct {
	bun.BaseModel   `bun:"table:impersonation_sessions,alias:imp"`
	ID              uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	ActorID         uuid.UUID  `bun:"actor_id,notnull,type:uuid" json:"actor_id"`
	ActingAsID      uuid.UUID  `bun:"acting_as_id,notnull,type:uuid" json:"acting_as_id"`
	TenantID        uuid.UUID  `bun:"tenant_id,notnull,type:uuid" json:"tenant_id"`
	RefreshFamilyID *uuid.UUID `bun:"refresh_family_id,type:uuid" json:"refresh_family_id,omitempty"`
	Reason          string     `bun:"reason,nullzero" json:"reason,omitempty"`
	IPAddress       string     `bun:"ip_address,nullzero" json:"ip_address,omitempty"`
	StartedAt       time.Time  `bun:"started_at,notnull" json:"started_at"`
	EndedAt         *time.Time `bun:"ended_at,nullzero" json:"ended_at,omitempty"`
}

func (s *ImpersonationSession) IsActive() bool {
	return s != nil && s.EndedAt == nil
}

// AuditLog is the persisted form of an ActivityEvent
type AuditLog struct {
	bun.BaseModel `bun:"table:audit_logs,alias:aud"`
	ID            string         `bun:"id,pk" json:"id"`
	Action        string         `bun:"action,notnull" json:"action"`
	TenantID      *uuid.UUID     `bun:"tenant_id,type:uuid" json:"tenant_id,omitempty"`
	ActorID       *uuid.UUID     `bun:"actor_id,type:uuid" json:"actor_id,omitempty"`
	ActingAsID    *uuid.UUID     `bun:"acting_as_id,type:uuid" json:"acting_as_id,omitempty"`
	ResourceType  string         `bun:"resource_type,nullzero" json:"resource_type,omitempty"`
	ResourceID    string         `bun:"resource_id,nullzero" json:"resource_id,omitempty"`
	Metadata      map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`
	IPAddress     string         `bun:"ip_address,nullzero" json:"ip_address,omitempty"`
	UserAgent     string         `bun:"user_agent,nullzero" json:"user_agent,omitempty"`
	OccurredAt    time.Time      `bun:"occurred_at,notnull" json:"occurred_at"`
}
