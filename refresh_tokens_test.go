package auth_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/hotelier/go-authcore"
)

func (f *fixture) issueFamily(identity *auth.Identity) *auth.IssuedRefresh {
	f.t.Helper()
	issued, err := f.auther.RefreshTokens().IssueFamily(f.ctx, auth.FamilyParams{
		IdentityID: identity.ID,
		TenantID:   identity.TenantID,
	})
	require.NoError(f.t, err)
	return issued
}

// seedLegacy stores a family-less token the way older releases did.
func (f *fixture) seedLegacy(identity *auth.Identity, raw string, rotated bool) *auth.RefreshToken {
	f.t.Helper()
	now := f.clock.Now().UTC()
	token := &auth.RefreshToken{
		ID:         uuid.New(),
		IdentityID: identity.ID,
		TenantID:   identity.TenantID,
		SecretHash: auth.NewSecretHasher(testOptions().RefreshSecretPepper).Hash(raw),
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}
	if rotated {
		token.RotatedAt = &now
	}
	require.NoError(f.t, f.repo.RefreshTokens().CreateTokenTx(f.ctx, f.db, token))
	return token
}

func TestRefreshSecretFormat(t *testing.T) {
	tenant := uuid.New()
	raw, err := auth.NewRefreshSecret(tenant)
	require.NoError(t, err)

	secret, ok := auth.ParseRefreshSecret(raw)
	require.True(t, ok)
	assert.Equal(t, auth.RefreshSecretVersion, secret.Version)
	assert.Equal(t, tenant, secret.TenantID)
	assert.Equal(t, raw, secret.String())

	other, err := auth.NewRefreshSecret(tenant)
	require.NoError(t, err)
	assert.NotEqual(t, raw, other)

	for _, legacy := range []string{"", "opaque-legacy-token", "v2." + tenant.String() + ".abc", "v1.not-a-uuid.abc", "v1." + tenant.String() + "."} {
		_, ok := auth.ParseRefreshSecret(legacy)
		assert.False(t, ok, legacy)
	}
}

func TestSecretHasher(t *testing.T) {
	plain := auth.NewSecretHasher("")
	peppered := auth.NewSecretHasher("pepper")

	assert.Len(t, plain.Hash("secret"), 64)
	assert.Equal(t, plain.Hash("secret"), plain.Hash("secret"))
	assert.NotEqual(t, plain.Hash("secret"), peppered.Hash("secret"))
	assert.NotEqual(t, peppered.Hash("secret"), auth.NewSecretHasher("other").Hash("secret"))
}

func TestRefreshIssueFamily(t *testing.T) {
	f := newFixture(t)

	issued := f.issueFamily(f.staff)
	secret, ok := auth.ParseRefreshSecret(issued.Raw)
	require.True(t, ok)
	assert.Equal(t, f.tenant.ID, secret.TenantID)
	assert.True(t, f.clock.Now().UTC().Add(auth.DefaultRefreshTokenTTL).Equal(issued.ExpiresAt))

	family := f.family(issued.FamilyID)
	assert.Equal(t, f.staff.ID, family.IdentityID)
	assert.False(t, family.IsRevoked())

	platform := f.issueFamily(f.operator)
	secret, ok = auth.ParseRefreshSecret(platform.Raw)
	require.True(t, ok)
	assert.Equal(t, uuid.Nil, secret.TenantID)
}

func TestRefreshRotateOnce(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()
	issued := f.issueFamily(f.staff)

	f.clock.Advance(time.Minute)
	rotated, err := manager.Rotate(f.ctx, issued.Raw)
	require.NoError(t, err)
	assert.Equal(t, issued.FamilyID, rotated.FamilyID)
	assert.Equal(t, f.staff.ID, rotated.IdentityID)
	assert.NotEqual(t, issued.Raw, rotated.Raw)
	assert.False(t, rotated.Migrated)

	f.clock.Advance(time.Minute)
	next, err := manager.Rotate(f.ctx, rotated.Raw)
	require.NoError(t, err)
	assert.Equal(t, issued.FamilyID, next.FamilyID)

	tokens, err := f.repo.RefreshTokens().ListFamilyTokensTx(f.ctx, f.db, issued.FamilyID)
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	require.NotNil(t, tokens[0].ReplacedByID)
	assert.Equal(t, tokens[1].ID, *tokens[0].ReplacedByID)
}

func TestRefreshReuseRevokesFamily(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()
	issued := f.issueFamily(f.staff)

	rotated, err := manager.Rotate(f.ctx, issued.Raw)
	require.NoError(t, err)

	_, err = manager.Rotate(f.ctx, issued.Raw)
	assert.ErrorIs(t, err, auth.ErrReuseDetected)

	family := f.family(issued.FamilyID)
	require.True(t, family.IsRevoked())
	assert.Equal(t, auth.RevokeReasonReuseDetected, family.RevokeReason)

	// the legitimate holder is locked out as well
	_, err = manager.Rotate(f.ctx, rotated.Raw)
	assert.ErrorIs(t, err, auth.ErrFamilyRevoked)

	tokens, err := f.repo.RefreshTokens().ListFamilyTokensTx(f.ctx, f.db, issued.FamilyID)
	require.NoError(t, err)
	for _, token := range tokens {
		assert.NotNil(t, token.RevokedAt)
	}
}

func TestRefreshReuseDoesNotTouchOtherFamilies(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()

	laptop := f.issueFamily(f.staff)
	phone := f.issueFamily(f.staff)

	_, err := manager.Rotate(f.ctx, laptop.Raw)
	require.NoError(t, err)
	_, err = manager.Rotate(f.ctx, laptop.Raw)
	require.ErrorIs(t, err, auth.ErrReuseDetected)

	_, err = manager.Rotate(f.ctx, phone.Raw)
	assert.NoError(t, err)
}

func TestRefreshExpiry(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()
	issued := f.issueFamily(f.staff)

	rotated, err := manager.Rotate(f.ctx, issued.Raw)
	require.NoError(t, err)

	f.clock.Advance(auth.DefaultRefreshTokenTTL)

	_, err = manager.Rotate(f.ctx, rotated.Raw)
	assert.ErrorIs(t, err, auth.ErrRefreshTokenExpired)

	// an expired, already rotated secret reports expiry and does not
	// poison the family
	_, err = manager.Rotate(f.ctx, issued.Raw)
	assert.ErrorIs(t, err, auth.ErrRefreshTokenExpired)
	assert.False(t, f.family(issued.FamilyID).IsRevoked())
}

func TestRefreshUnknownSecret(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()

	_, err := manager.Rotate(f.ctx, "")
	assert.ErrorIs(t, err, auth.ErrRefreshTokenNotFound)

	raw, err := auth.NewRefreshSecret(f.tenant.ID)
	require.NoError(t, err)
	_, err = manager.Rotate(f.ctx, raw)
	assert.ErrorIs(t, err, auth.ErrRefreshTokenNotFound)
}

func TestRefreshConcurrentRotation(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()
	issued := f.issueFamily(f.staff)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := manager.Rotate(f.ctx, issued.Raw)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	require.Len(t, failures, workers-1)
	for _, err := range failures {
		assert.True(t, errors.Is(err, auth.ErrReuseDetected) || errors.Is(err, auth.ErrFamilyRevoked), err.Error())
	}
	assert.True(t, f.family(issued.FamilyID).IsRevoked())
}

func TestRefreshLegacyMigration(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()
	legacy := f.seedLegacy(f.staff, "legacy-opaque-secret", false)

	rotated, err := manager.Rotate(f.ctx, "legacy-opaque-secret")
	require.NoError(t, err)
	assert.True(t, rotated.Migrated)
	assert.Equal(t, f.staff.ID, rotated.IdentityID)

	_, ok := auth.ParseRefreshSecret(rotated.Raw)
	assert.True(t, ok, "migrated sessions get routed secrets")

	family := f.family(rotated.FamilyID)
	assert.Equal(t, f.staff.ID, family.IdentityID)
	assert.Equal(t, f.tenant.ID, family.TenantID)

	stored, err := f.repo.RefreshTokens().FindTokenByHashTx(f.ctx, f.db, legacy.SecretHash)
	require.NoError(t, err)
	assert.NotNil(t, stored.RotatedAt)
	assert.NotNil(t, stored.RevokedAt)

	_, err = manager.Rotate(f.ctx, "legacy-opaque-secret")
	assert.ErrorIs(t, err, auth.ErrRefreshTokenRevoked)

	_, err = manager.Rotate(f.ctx, rotated.Raw)
	assert.NoError(t, err)
}

func TestRefreshLegacyReplay(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()

	f.seedLegacy(f.staff, "legacy-rotated", true)
	sibling := f.seedLegacy(f.staff, "legacy-sibling", false)

	_, err := manager.Rotate(f.ctx, "legacy-rotated")
	assert.ErrorIs(t, err, auth.ErrReuseDetected)

	stored, err := f.repo.RefreshTokens().FindTokenByHashTx(f.ctx, f.db, sibling.SecretHash)
	require.NoError(t, err)
	assert.NotNil(t, stored.RevokedAt)

	_, err = manager.Rotate(f.ctx, "legacy-sibling")
	assert.ErrorIs(t, err, auth.ErrRefreshTokenRevoked)
}

func TestRefreshRevokeAllForIdentity(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()

	first := f.issueFamily(f.staff)
	second := f.issueFamily(f.staff)
	other := f.issueFamily(f.manager)
	legacy := f.seedLegacy(f.staff, "legacy-staff", false)

	count, err := manager.RevokeAllForIdentity(f.ctx, f.staff.ID, auth.RevokeReasonPasswordChanged)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	for _, id := range []uuid.UUID{first.FamilyID, second.FamilyID} {
		family := f.family(id)
		assert.True(t, family.IsRevoked())
		assert.Equal(t, auth.RevokeReasonPasswordChanged, family.RevokeReason)
	}
	assert.False(t, f.family(other.FamilyID).IsRevoked())

	stored, err := f.repo.RefreshTokens().FindTokenByHashTx(f.ctx, f.db, legacy.SecretHash)
	require.NoError(t, err)
	assert.NotNil(t, stored.RevokedAt)

	count, err = manager.RevokeAllForIdentity(f.ctx, f.staff.ID, auth.RevokeReasonPasswordChanged)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestRefreshRevokeByRawSecret(t *testing.T) {
	f := newFixture(t)
	manager := f.auther.RefreshTokens()
	issued := f.issueFamily(f.staff)

	revoked, err := manager.RevokeByRawSecret(f.ctx, issued.Raw, auth.RevokeReasonLogout)
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.Equal(t, auth.RevokeReasonLogout, f.family(issued.FamilyID).RevokeReason)

	revoked, err = manager.RevokeByRawSecret(f.ctx, issued.Raw, auth.RevokeReasonLogout)
	require.NoError(t, err)
	assert.False(t, revoked)

	revoked, err = manager.RevokeByRawSecret(f.ctx, "unknown", auth.RevokeReasonLogout)
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, manager.RevokeFamily(f.ctx, issued.FamilyID, auth.RevokeReasonLogout))
}
