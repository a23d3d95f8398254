package auth_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/hotelier/go-authcore"
)

func TestLoginIssuesSession(t *testing.T) {
	f := newFixture(t)

	grant, err := f.auther.Login(f.ctx, "  Staff@Harbor.TEST ", testPassword)
	require.NoError(t, err)

	assert.Equal(t, f.staff.ID, grant.Identity.ID)
	assert.NotEmpty(t, grant.AccessToken)
	assert.NotEmpty(t, grant.RefreshToken)
	assert.Equal(t, f.staff.ID, grant.Claims.SubjectID())
	assert.Equal(t, f.tenant.ID, *grant.Claims.Tenant())
	assert.True(t, grant.Claims.HasRole("FrontDesk"))
	assert.False(t, grant.Claims.IsImpersonating())
	assert.True(t, grant.Permissions.Has("tenant:reservations:read"))
	assert.False(t, grant.Permissions.Has("tenant:reservations:cancel"))

	decoded, err := f.auther.TokenService().Decode(grant.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, grant.Claims.TokenID(), decoded.TokenID())

	family := f.family(grant.FamilyID)
	assert.Equal(t, f.staff.ID, family.IdentityID)

	stored, err := f.repo.Identities().FindByIDTx(f.ctx, f.db, f.staff.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LoggedInAt)

	events := f.sink.ofType(auth.ActivityEventLoginSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, f.staff.ID.String(), events[0].IdentityID)
	assert.Equal(t, f.tenant.ID.String(), events[0].TenantID)
	assert.Equal(t, grant.FamilyID.String(), events[0].Metadata["family_id"])
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	f := newFixture(t)
	f.setActive(f.manager, false)

	cases := []struct {
		name       string
		identifier string
		secret     string
	}{
		{"wrong password", f.staff.Email, "Wrong-Horse-42!"},
		{"unknown identity", "nobody@harbor.test", testPassword},
		{"malformed identifier", "not-an-email", testPassword},
		{"empty identifier", "", testPassword},
		{"empty password", f.staff.Email, ""},
		{"inactive identity", f.manager.Email, testPassword},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			grant, err := f.auther.Login(f.ctx, tc.identifier, tc.secret)
			assert.Nil(t, grant)
			require.ErrorIs(t, err, auth.ErrAuthenticationFailed)
			assert.True(t, auth.IsAuthenticationFailure(err))
			assert.Equal(t, 401, auth.HTTPStatus(err))
		})
	}

	failures := f.sink.ofType(auth.ActivityEventLoginFailure)
	assert.Len(t, failures, len(cases))
	for _, event := range failures {
		assert.Equal(t, auth.TextCodeAuthenticationFailed, event.Metadata["error"])
	}
}

func TestLoginThrottled(t *testing.T) {
	f := newFixture(t)
	f.auther.WithLoginLimiter(auth.NewIdentifierLimiter(1, 2).WithClock(f.clock))

	_, err := f.auther.Login(f.ctx, f.staff.Email, "Wrong-Horse-42!")
	require.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	_, err = f.auther.Login(f.ctx, f.staff.Email, "Wrong-Horse-42!")
	require.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	// throttled even with the right password
	_, err = f.auther.Login(f.ctx, f.staff.Email, testPassword)
	require.ErrorIs(t, err, auth.ErrTooManyLoginAttempts)
	assert.Equal(t, 429, auth.HTTPStatus(err))

	// buckets are per identifier
	f.login(f.manager)

	f.clock.Advance(time.Minute)
	f.login(f.staff)
}

func TestRefreshRotatesSession(t *testing.T) {
	f := newFixture(t)
	grant := f.login(f.staff)

	f.clock.Advance(time.Minute)
	refreshed, err := f.auther.Refresh(f.ctx, grant.RefreshToken)
	require.NoError(t, err)

	assert.Equal(t, grant.FamilyID, refreshed.FamilyID)
	assert.NotEqual(t, grant.RefreshToken, refreshed.RefreshToken)
	assert.NotEqual(t, grant.Claims.TokenID(), refreshed.Claims.TokenID())
	assert.Equal(t, f.staff.ID, refreshed.Claims.SubjectID())
	assert.True(t, refreshed.Claims.Expires().After(grant.Claims.Expires()))
}

func TestRefreshReadsGrantsFresh(t *testing.T) {
	f := newFixture(t)
	grant := f.login(f.staff)
	require.False(t, grant.Permissions.Has("tenant:housekeeping:assign"))

	housekeeping := f.createRole(&f.tenant.ID, "Housekeeping", auth.IdentityClassTenant, "tenant:housekeeping:assign")
	require.NoError(t, f.repo.Grants().AssignRoleTx(f.ctx, f.db, f.staff, housekeeping))

	refreshed, err := f.auther.Refresh(f.ctx, grant.RefreshToken)
	require.NoError(t, err)
	assert.True(t, refreshed.Claims.HasRole("Housekeeping"))
	assert.True(t, refreshed.Permissions.Has("tenant:housekeeping:assign"))
}

func TestRefreshReplayIsAudited(t *testing.T) {
	f := newFixture(t)
	grant := f.login(f.staff)

	refreshed, err := f.auther.Refresh(f.ctx, grant.RefreshToken)
	require.NoError(t, err)

	_, err = f.auther.Refresh(f.ctx, grant.RefreshToken)
	require.ErrorIs(t, err, auth.ErrReuseDetected)
	assert.True(t, auth.IsReuseDetected(err))
	assert.False(t, auth.IsAuthenticationFailure(err))

	events := f.sink.ofType(auth.ActivityEventRefreshReuse)
	require.Len(t, events, 1)
	assert.Equal(t, f.tenant.ID.String(), events[0].TenantID)

	_, err = f.auther.Refresh(f.ctx, refreshed.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrFamilyRevoked)
}

func TestRefreshInactiveIdentity(t *testing.T) {
	f := newFixture(t)
	grant := f.login(f.staff)
	f.setActive(f.staff, false)

	_, err := f.auther.Refresh(f.ctx, grant.RefreshToken)
	require.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	family := f.family(grant.FamilyID)
	require.True(t, family.IsRevoked())
	assert.Equal(t, auth.RevokeReasonIdentityInactive, family.RevokeReason)
}

func TestRefreshEmptySecret(t *testing.T) {
	f := newFixture(t)
	_, err := f.auther.Refresh(f.ctx, "")
	assert.ErrorIs(t, err, auth.ErrRefreshTokenNotFound)
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	laptop := f.login(f.staff)
	phone := f.login(f.staff)

	require.NoError(t, f.auther.Logout(f.ctx, laptop.RefreshToken))

	family := f.family(laptop.FamilyID)
	require.True(t, family.IsRevoked())
	assert.Equal(t, auth.RevokeReasonLogout, family.RevokeReason)
	assert.False(t, f.family(phone.FamilyID).IsRevoked())

	_, err := f.auther.Refresh(f.ctx, laptop.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrFamilyRevoked)

	assert.NoError(t, f.auther.Logout(f.ctx, laptop.RefreshToken))
	assert.NoError(t, f.auther.Logout(f.ctx, "unknown"))
	assert.NoError(t, f.auther.Logout(f.ctx, ""))
	assert.Len(t, f.sink.ofType(auth.ActivityEventLogout), 1)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	laptop := f.login(f.staff)
	phone := f.login(f.staff)

	const next = "Brand-New-Secret-77?"
	grant, err := f.auther.ChangePassword(f.ctx, f.staff.ID, testPassword, next)
	require.NoError(t, err)
	assert.Equal(t, f.staff.ID, grant.Identity.ID)

	for _, id := range []uuid.UUID{laptop.FamilyID, phone.FamilyID} {
		family := f.family(id)
		assert.True(t, family.IsRevoked())
		assert.Equal(t, auth.RevokeReasonPasswordChanged, family.RevokeReason)
	}
	assert.False(t, f.family(grant.FamilyID).IsRevoked())

	_, err = f.auther.Login(f.ctx, f.staff.Email, testPassword)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	_, err = f.auther.Login(f.ctx, f.staff.Email, next)
	assert.NoError(t, err)

	events := f.sink.ofType(auth.ActivityEventPasswordChanged)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Metadata["revoked_families"])
}

func TestChangePasswordRejections(t *testing.T) {
	f := newFixture(t)
	grant := f.login(f.staff)

	_, err := f.auther.ChangePassword(f.ctx, f.staff.ID, "Wrong-Horse-42!", "Brand-New-Secret-77?")
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	_, err = f.auther.ChangePassword(f.ctx, f.staff.ID, testPassword, "short")
	require.Error(t, err)
	assert.True(t, auth.IsValidationError(err))
	assert.Equal(t, 400, auth.HTTPStatus(err))

	_, err = f.auther.ChangePassword(f.ctx, f.staff.ID, testPassword, testPassword)
	require.Error(t, err)
	assert.True(t, auth.IsValidationError(err))

	_, err = f.auther.ChangePassword(f.ctx, uuid.New(), testPassword, "Brand-New-Secret-77?")
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	// nothing was revoked by the failed attempts
	assert.False(t, f.family(grant.FamilyID).IsRevoked())
}

func TestResetPasswordByPlatformOperator(t *testing.T) {
	f := newFixture(t)
	staffGrant := f.login(f.staff)

	temporary, err := f.auther.ResetPassword(f.ctx, f.operator.ID, f.staff.ID)
	require.NoError(t, err)
	assert.Len(t, temporary, auth.DefaultTemporaryPasswordLength)
	assert.NoError(t, auth.ValidatePasswordStrength(temporary))

	family := f.family(staffGrant.FamilyID)
	require.True(t, family.IsRevoked())
	assert.Equal(t, auth.RevokeReasonPasswordReset, family.RevokeReason)

	_, err = f.auther.Login(f.ctx, f.staff.Email, testPassword)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	grant, err := f.auther.Login(f.ctx, f.staff.Email, temporary)
	require.NoError(t, err)
	assert.True(t, grant.Identity.MustReset)

	changed, err := f.auther.ChangePassword(f.ctx, f.staff.ID, temporary, "Brand-New-Secret-77?")
	require.NoError(t, err)
	assert.False(t, changed.Identity.MustReset)

	events := f.sink.ofType(auth.ActivityEventPasswordResetSuccess)
	require.Len(t, events, 1)
	assert.Equal(t, f.operator.ID.String(), events[0].Actor.ID)
	assert.Equal(t, f.staff.ID.String(), events[0].IdentityID)
}

func TestResetPasswordByTenantManager(t *testing.T) {
	f := newFixture(t)

	_, err := f.auther.ResetPassword(f.ctx, f.manager.ID, f.staff.ID)
	require.NoError(t, err)

	other := f.createTenant("Lakeside Inn", true)
	outsider := f.createIdentity("guest@lakeside.test", auth.IdentityClassTenant, &other.ID)

	_, err = f.auther.ResetPassword(f.ctx, f.manager.ID, outsider.ID)
	require.Error(t, err)
	assert.True(t, auth.IsForbidden(err))

	_, err = f.auther.ResetPassword(f.ctx, f.manager.ID, f.operator.ID)
	require.Error(t, err)
	assert.True(t, auth.IsForbidden(err))
}

func TestResetPasswordRequiresPermission(t *testing.T) {
	f := newFixture(t)

	_, err := f.auther.ResetPassword(f.ctx, f.staff.ID, f.manager.ID)
	require.Error(t, err)
	assert.True(t, auth.IsForbidden(err))
	assert.Equal(t, 403, auth.HTTPStatus(err))

	perm, ok := auth.ForbiddenPermission(err)
	require.True(t, ok)
	assert.Equal(t, auth.PermissionTenantResetPassword, perm)

	f.setActive(f.operator, false)
	_, err = f.auther.ResetPassword(f.ctx, f.operator.ID, f.staff.ID)
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	_, err = f.auther.ResetPassword(f.ctx, f.manager.ID, uuid.New())
	assert.ErrorIs(t, err, auth.ErrIdentityNotFound)
}

func TestResolveIdentity(t *testing.T) {
	f := newFixture(t)
	grant := f.login(f.manager)

	resolved, err := f.auther.ResolveIdentity(f.ctx, grant.Claims)
	require.NoError(t, err)
	assert.Equal(t, f.manager.ID, resolved.IdentityID)
	assert.Equal(t, auth.IdentityClassTenant, resolved.IdentityClass)
	assert.Equal(t, f.tenant.ID, *resolved.TenantID)
	assert.True(t, resolved.Can("tenant:rooms:update"))
	assert.False(t, resolved.Can("platform:tenants:read"))
	assert.False(t, resolved.IsImpersonating())

	f.setActive(f.manager, false)
	_, err = f.auther.ResolveIdentity(f.ctx, grant.Claims)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)

	_, err = f.auther.ResolveIdentity(f.ctx, nil)
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
}
