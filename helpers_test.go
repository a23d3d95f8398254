package auth_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/abtime"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	auth "github.com/hotelier/go-authcore"
)

const (
	testSigningKey = "test-signing-key-0123456789abcdef0123456789"
	testPassword   = "Correct-Horse-42!"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type testLogger struct {
	t *testing.T
}

func (l testLogger) Debug(format string, args ...any) { l.t.Logf("[DBG] "+format, args...) }
func (l testLogger) Info(format string, args ...any)  { l.t.Logf("[INF] "+format, args...) }
func (l testLogger) Warn(format string, args ...any)  { l.t.Logf("[WRN] "+format, args...) }
func (l testLogger) Error(format string, args ...any) { l.t.Logf("[ERR] "+format, args...) }

// recordingSink keeps every event it receives.
type recordingSink struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event auth.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) ofType(eventType auth.ActivityEventType) []auth.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []auth.ActivityEvent
	for _, e := range s.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, auth.CreateSchema(context.Background(), db))
	return db
}

func testOptions() *auth.Options {
	opts := auth.DefaultOptions()
	opts.SigningKey = testSigningKey
	opts.Issuer = "authcore-test"
	opts.PasswordCost = 4
	opts.RefreshSecretPepper = "pepper"
	return opts
}

// fixture is a seeded store with one tenant, a manager, a staff member and
// a platform operator allowed to impersonate and reset passwords.
type fixture struct {
	t      *testing.T
	ctx    context.Context
	db     *bun.DB
	repo   auth.RepositoryManager
	clock  *abtime.ManualTime
	sink   *recordingSink
	auther *auth.Auther
	hasher *auth.PasswordHasher

	tenant       *auth.Tenant
	operatorRole uuid.UUID
	manager      *auth.Identity
	staff        *auth.Identity
	operator     *auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	clock := abtime.NewManualAtTime(testEpoch)
	repo := auth.NewRepositoryManager(db, auth.WithRepositoryClock(clock))
	sink := &recordingSink{}

	auther := auth.NewAuthenticator(repo, testOptions()).
		WithLogger(testLogger{t}).
		WithActivitySink(sink).
		WithClock(clock)

	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		db:     db,
		repo:   repo,
		clock:  clock,
		sink:   sink,
		auther: auther,
		hasher: auther.Passwords(),
	}

	f.tenant = f.createTenant("Harbor View", true)

	managerRole := f.createRole(&f.tenant.ID, auth.DefaultManagerRole, auth.IdentityClassTenant,
		"tenant:*", auth.PermissionTenantResetPassword, auth.PermissionTenantManageIdentities)
	staffRole := f.createRole(&f.tenant.ID, "FrontDesk", auth.IdentityClassTenant,
		"tenant:reservations:read", "tenant:reservations:create")
	operatorRole := f.createRole(nil, "PlatformOperator", auth.IdentityClassPlatform,
		auth.PermissionImpersonationStart, auth.PermissionResetPassword, auth.PermissionManageIdentities,
		"platform:tenants:*")

	f.manager = f.createIdentity("manager@harbor.test", auth.IdentityClassTenant, &f.tenant.ID, managerRole)
	f.clock.Advance(time.Second)
	f.staff = f.createIdentity("staff@harbor.test", auth.IdentityClassTenant, &f.tenant.ID, staffRole)
	f.operator = f.createIdentity("operator@platform.test", auth.IdentityClassPlatform, nil, operatorRole)
	f.operatorRole = operatorRole

	return f
}

func (f *fixture) createTenant(name string, active bool) *auth.Tenant {
	f.t.Helper()
	tenant, err := f.repo.Tenants().CreateTx(f.ctx, f.db, &auth.Tenant{Name: name, Active: active})
	require.NoError(f.t, err)
	return tenant
}

func (f *fixture) createRole(tenantID *uuid.UUID, name string, class auth.IdentityClass, codes ...string) uuid.UUID {
	f.t.Helper()
	role, err := f.repo.Grants().CreateRoleTx(f.ctx, f.db, &auth.Role{
		TenantID: tenantID,
		Name:     name,
		Class:    class,
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.repo.Grants().GrantToRoleTx(f.ctx, f.db, role.ID, codes...))
	return role.ID
}

func (f *fixture) createIdentity(email string, class auth.IdentityClass, tenantID *uuid.UUID, roles ...uuid.UUID) *auth.Identity {
	f.t.Helper()

	hash, err := f.hasher.Hash(testPassword)
	require.NoError(f.t, err)

	identity, err := f.repo.Identities().RegisterTx(f.ctx, f.db, &auth.Identity{
		Email:        email,
		Class:        class,
		TenantID:     tenantID,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    f.clock.Now().UTC(),
	})
	require.NoError(f.t, err)

	for _, roleID := range roles {
		require.NoError(f.t, f.repo.Grants().AssignRoleTx(f.ctx, f.db, identity, roleID))
	}
	return identity
}

func (f *fixture) login(identity *auth.Identity) *auth.SessionGrant {
	f.t.Helper()
	grant, err := f.auther.Login(f.ctx, identity.Email, testPassword)
	require.NoError(f.t, err)
	return grant
}

func (f *fixture) family(id uuid.UUID) *auth.RefreshTokenFamily {
	f.t.Helper()
	family, err := f.auther.RefreshTokens().FindFamily(f.ctx, id)
	require.NoError(f.t, err)
	return family
}

func (f *fixture) setActive(identity *auth.Identity, active bool) {
	f.t.Helper()
	require.NoError(f.t, f.repo.Identities().SetActiveTx(f.ctx, f.db, identity.ID, active))
}
