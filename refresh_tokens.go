package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/abtime"
	"github.com/uptrace/bun"
)

// DefaultRefreshTokenTTL is the sliding lifetime of a refresh secret
const DefaultRefreshTokenTTL = 7 * 24 * time.Hour

const (
	RevokeReasonLogout             = "logout"
	RevokeReasonReuseDetected      = "reuse_detected"
	RevokeReasonPasswordChanged    = "password_changed"
	RevokeReasonPasswordReset      = "password_reset_by_admin"
	RevokeReasonImpersonationEnded = "impersonation_ended"
	RevokeReasonIdentityInactive   = "identity_inactive"
)

// FamilyParams describes a new refresh token family.
type FamilyParams struct {
	IdentityID     uuid.UUID
	TenantID       *uuid.UUID
	ParentFamilyID *uuid.UUID
	CreatedByID    *uuid.UUID
}

// IssuedRefresh is a freshly minted refresh secret. Raw is never persisted.
type IssuedRefresh struct {
	Raw       string
	FamilyID  uuid.UUID
	TokenID   uuid.UUID
	ExpiresAt time.Time
}

// RotationResult is returned by a successful rotation.
type RotationResult struct {
	Raw            string
	FamilyID       uuid.UUID
	TokenID        uuid.UUID
	IdentityID     uuid.UUID
	TenantID       *uuid.UUID
	ParentFamilyID *uuid.UUID
	ExpiresAt      time.Time
	// Migrated is set when a legacy token was moved into a new family.
	Migrated bool
}

// storedToken is what a secret hash resolves to. The variant is decided
// once at lookup.
type storedToken interface {
	record() *RefreshToken
}

type familyToken struct {
	token  *RefreshToken
	family *RefreshTokenFamily
}

func (t familyToken) record() *RefreshToken { return t.token }

// legacyToken predates families and has no lineage to poison.
type legacyToken struct {
	token *RefreshToken
}

func (t legacyToken) record() *RefreshToken { return t.token }

// RefreshTokenManager issues, rotates and revokes refresh token families.
type RefreshTokenManager struct {
	repo    RepositoryManager
	ttl     time.Duration
	hasher  SecretHasher
	clock   abtime.AbstractTime
	logger  Logger
	metrics *Metrics
}

func NewRefreshTokenManager(repo RepositoryManager, ttl time.Duration, hasher SecretHasher) *RefreshTokenManager {
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}
	return &RefreshTokenManager{
		repo:   repo,
		ttl:    ttl,
		hasher: hasher,
		clock:  abtime.NewRealTime(),
		logger: defLogger{},
	}
}

func (m *RefreshTokenManager) WithClock(clock abtime.AbstractTime) *RefreshTokenManager {
	if clock != nil {
		m.clock = clock
	}
	return m
}

func (m *RefreshTokenManager) WithLogger(logger Logger) *RefreshTokenManager {
	m.logger = normalizeLogger(logger)
	return m
}

func (m *RefreshTokenManager) WithMetrics(metrics *Metrics) *RefreshTokenManager {
	m.metrics = metrics
	return m
}

// TTL returns the refresh secret lifetime
func (m *RefreshTokenManager) TTL() time.Duration {
	return m.ttl
}

func (m *RefreshTokenManager) now() time.Time {
	return m.clock.Now().UTC()
}

// IssueFamily starts a new family with its first token.
func (m *RefreshTokenManager) IssueFamily(ctx context.Context, params FamilyParams) (*IssuedRefresh, error) {
	var issued *IssuedRefresh
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		issued, err = m.IssueFamilyTx(ctx, tx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

func (m *RefreshTokenManager) IssueFamilyTx(ctx context.Context, tx bun.IDB, params FamilyParams) (*IssuedRefresh, error) {
	if params.IdentityID == uuid.Nil {
		return nil, ErrIdentityNotFound
	}

	now := m.now()
	family := &RefreshTokenFamily{
		ID:             uuid.New(),
		IdentityID:     params.IdentityID,
		TenantID:       tenantOrNil(params.TenantID),
		ParentFamilyID: params.ParentFamilyID,
		CreatedByID:    params.CreatedByID,
		CreatedAt:      now,
	}
	if err := m.repo.RefreshTokens().CreateFamilyTx(ctx, tx, family); err != nil {
		return nil, err
	}

	return m.appendTokenTx(ctx, tx, family, uuid.New(), now)
}

func (m *RefreshTokenManager) appendTokenTx(ctx context.Context, tx bun.IDB, family *RefreshTokenFamily, tokenID uuid.UUID, now time.Time) (*IssuedRefresh, error) {
	raw, err := NewRefreshSecret(family.TenantID)
	if err != nil {
		return nil, err
	}

	meta := RequestContextFrom(ctx)
	familyID := family.ID
	token := &RefreshToken{
		ID:         tokenID,
		FamilyID:   &familyID,
		IdentityID: family.IdentityID,
		TenantID:   tenantPtr(family.TenantID),
		SecretHash: m.hasher.Hash(raw),
		IssuedAt:   now,
		ExpiresAt:  now.Add(m.ttl),
		UserAgent:  meta.UserAgent,
		IPAddress:  meta.IPAddress,
	}
	if err := m.repo.RefreshTokens().CreateTokenTx(ctx, tx, token); err != nil {
		return nil, err
	}

	return &IssuedRefresh{
		Raw:       raw,
		FamilyID:  family.ID,
		TokenID:   token.ID,
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// Rotate exchanges raw for a new sibling secret in the same family.
// Presenting an already rotated secret revokes the whole family, that
// revocation is committed before ErrReuseDetected is returned.
func (m *RefreshTokenManager) Rotate(ctx context.Context, raw string) (*RotationResult, error) {
	if raw == "" {
		return nil, ErrRefreshTokenNotFound
	}

	var result *RotationResult
	var failure error
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result, failure, err = m.RotateTx(ctx, tx, raw)
		return err
	})
	if err != nil {
		m.metrics.observeRotation(rotationOutcomeError)
		return nil, err
	}

	if failure != nil {
		m.metrics.observeRotation(rotationOutcome(failure))
		return nil, failure
	}

	m.metrics.observeRotation(rotationOutcomeRotated)
	return result, nil
}

// RotateTx runs the rotation inside tx. Domain failures come back as
// failure with a nil err so the caller can still commit the revocations
// they caused.
func (m *RefreshTokenManager) RotateTx(ctx context.Context, tx bun.IDB, raw string) (result *RotationResult, failure error, err error) {
	stored, err := m.lookupTx(ctx, tx, raw)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, ErrRefreshTokenNotFound, nil
		}
		return nil, nil, err
	}

	switch t := stored.(type) {
	case familyToken:
		return m.rotateFamilyTx(ctx, tx, t)
	case legacyToken:
		return m.migrateLegacyTx(ctx, tx, t)
	default:
		return nil, ErrRefreshTokenNotFound, nil
	}
}

func (m *RefreshTokenManager) lookupTx(ctx context.Context, tx bun.IDB, raw string) (storedToken, error) {
	token, err := m.repo.RefreshTokens().FindTokenByHashTx(ctx, tx, m.hasher.Hash(raw))
	if err != nil {
		return nil, err
	}

	if token.FamilyID == nil {
		return legacyToken{token: token}, nil
	}

	family, err := m.repo.RefreshTokens().FindFamilyTx(ctx, tx, *token.FamilyID)
	if err != nil {
		return nil, err
	}
	return familyToken{token: token, family: family}, nil
}

func (m *RefreshTokenManager) rotateFamilyTx(ctx context.Context, tx bun.IDB, t familyToken) (*RotationResult, error, error) {
	now := m.now()

	if t.family.IsRevoked() {
		return nil, ErrFamilyRevoked, nil
	}
	if !now.Before(t.token.ExpiresAt) {
		return nil, ErrRefreshTokenExpired, nil
	}
	if t.token.RevokedAt != nil {
		return nil, ErrRefreshTokenRevoked, nil
	}
	if t.token.RotatedAt != nil {
		return m.poisonFamilyTx(ctx, tx, t.family, now)
	}

	nextID := uuid.New()
	if err := m.repo.RefreshTokens().MarkRotatedTx(ctx, tx, t.token.ID, nextID, now); err != nil {
		if errors.Is(err, errAlreadyRotated) {
			return m.poisonFamilyTx(ctx, tx, t.family, now)
		}
		return nil, nil, err
	}

	issued, err := m.appendTokenTx(ctx, tx, t.family, nextID, now)
	if err != nil {
		return nil, nil, err
	}

	return &RotationResult{
		Raw:            issued.Raw,
		FamilyID:       t.family.ID,
		TokenID:        issued.TokenID,
		IdentityID:     t.family.IdentityID,
		TenantID:       tenantPtr(t.family.TenantID),
		ParentFamilyID: t.family.ParentFamilyID,
		ExpiresAt:      issued.ExpiresAt,
	}, nil, nil
}

func (m *RefreshTokenManager) poisonFamilyTx(ctx context.Context, tx bun.IDB, family *RefreshTokenFamily, now time.Time) (*RotationResult, error, error) {
	m.logger.Warn("refresh token reuse detected, revoking family %s of identity %s", family.ID, family.IdentityID)
	if _, err := m.repo.RefreshTokens().RevokeFamilyTx(ctx, tx, family.ID, RevokeReasonReuseDetected, now); err != nil {
		return nil, nil, err
	}
	return nil, ErrReuseDetected, nil
}

// migrateLegacyTx retires a family-less token and moves the session into a
// new family.
func (m *RefreshTokenManager) migrateLegacyTx(ctx context.Context, tx bun.IDB, t legacyToken) (*RotationResult, error, error) {
	now := m.now()
	store := m.repo.RefreshTokens()

	if t.token.RevokedAt != nil {
		return nil, ErrRefreshTokenRevoked, nil
	}
	if !now.Before(t.token.ExpiresAt) {
		return nil, ErrRefreshTokenExpired, nil
	}
	if t.token.RotatedAt != nil {
		m.logger.Warn("legacy refresh token reuse detected for identity %s", t.token.IdentityID)
		if _, err := store.RevokeLegacyForIdentityTx(ctx, tx, t.token.IdentityID, now); err != nil {
			return nil, nil, err
		}
		return nil, ErrReuseDetected, nil
	}

	family := &RefreshTokenFamily{
		ID:         uuid.New(),
		IdentityID: t.token.IdentityID,
		TenantID:   tenantOrNil(t.token.TenantID),
		CreatedAt:  now,
	}

	nextID := uuid.New()
	if err := store.MarkRotatedTx(ctx, tx, t.token.ID, nextID, now); err != nil {
		if errors.Is(err, errAlreadyRotated) {
			return nil, ErrReuseDetected, nil
		}
		return nil, nil, err
	}
	if err := store.RevokeTokenTx(ctx, tx, t.token.ID, now); err != nil {
		return nil, nil, err
	}
	if err := store.CreateFamilyTx(ctx, tx, family); err != nil {
		return nil, nil, err
	}

	issued, err := m.appendTokenTx(ctx, tx, family, nextID, now)
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("migrated legacy refresh token of identity %s into family %s", family.IdentityID, family.ID)

	return &RotationResult{
		Raw:        issued.Raw,
		FamilyID:   family.ID,
		TokenID:    issued.TokenID,
		IdentityID: family.IdentityID,
		TenantID:   tenantPtr(family.TenantID),
		ExpiresAt:  issued.ExpiresAt,
		Migrated:   true,
	}, nil, nil
}

// FindFamily loads a family without changing it.
func (m *RefreshTokenManager) FindFamily(ctx context.Context, familyID uuid.UUID) (*RefreshTokenFamily, error) {
	return m.repo.RefreshTokens().FindFamilyTx(ctx, m.repo.DB(), familyID)
}

// RevokeFamily is idempotent, revoking a revoked family is not an error.
func (m *RefreshTokenManager) RevokeFamily(ctx context.Context, familyID uuid.UUID, reason string) error {
	return m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return m.RevokeFamilyTx(ctx, tx, familyID, reason)
	})
}

func (m *RefreshTokenManager) RevokeFamilyTx(ctx context.Context, tx bun.IDB, familyID uuid.UUID, reason string) error {
	_, err := m.repo.RefreshTokens().RevokeFamilyTx(ctx, tx, familyID, reason, m.now())
	return err
}

// RevokeAllForIdentity revokes every active family of identityID and any
// legacy tokens it still holds. It returns the number of families revoked.
func (m *RefreshTokenManager) RevokeAllForIdentity(ctx context.Context, identityID uuid.UUID, reason string) (int, error) {
	var count int
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		count, err = m.RevokeAllForIdentityTx(ctx, tx, identityID, reason)
		return err
	})
	return count, err
}

func (m *RefreshTokenManager) RevokeAllForIdentityTx(ctx context.Context, tx bun.IDB, identityID uuid.UUID, reason string) (int, error) {
	store := m.repo.RefreshTokens()
	now := m.now()

	families, err := store.ListActiveFamiliesTx(ctx, tx, identityID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, familyID := range families {
		revoked, err := store.RevokeFamilyTx(ctx, tx, familyID, reason, now)
		if err != nil {
			return count, err
		}
		if revoked {
			count++
		}
	}

	if _, err := store.RevokeLegacyForIdentityTx(ctx, tx, identityID, now); err != nil {
		return count, err
	}

	return count, nil
}

// RevokeByRawSecret revokes the lineage raw belongs to. Unknown secrets
// report false without error.
func (m *RefreshTokenManager) RevokeByRawSecret(ctx context.Context, raw, reason string) (bool, error) {
	if raw == "" {
		return false, nil
	}

	revoked := false
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		stored, err := m.lookupTx(ctx, tx, raw)
		if err != nil {
			if errors.Is(err, ErrRefreshTokenNotFound) {
				return nil
			}
			return err
		}

		switch t := stored.(type) {
		case familyToken:
			revoked, err = m.repo.RefreshTokens().RevokeFamilyTx(ctx, tx, t.family.ID, reason, m.now())
			return err
		case legacyToken:
			revoked = t.token.RevokedAt == nil
			return m.repo.RefreshTokens().RevokeTokenTx(ctx, tx, t.token.ID, m.now())
		}
		return nil
	})
	return revoked, err
}

// familyOfTx returns the family raw belongs to, nil for legacy tokens.
func (m *RefreshTokenManager) familyOfTx(ctx context.Context, tx bun.IDB, raw string) (*uuid.UUID, error) {
	stored, err := m.lookupTx(ctx, tx, raw)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, ErrImpersonationInvalidActor
		}
		return nil, err
	}
	if t, ok := stored.(familyToken); ok {
		id := t.family.ID
		return &id, nil
	}
	return nil, nil
}

func tenantOrNil(tenant *uuid.UUID) uuid.UUID {
	if tenant == nil {
		return uuid.Nil
	}
	return *tenant
}

func tenantPtr(tenant uuid.UUID) *uuid.UUID {
	if tenant == uuid.Nil {
		return nil
	}
	t := tenant
	return &t
}
