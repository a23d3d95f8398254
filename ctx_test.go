package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/hotelier/go-authcore"
)

func TestCurrentIdentity(t *testing.T) {
	_, err := auth.CurrentIdentity(context.Background())
	assert.ErrorIs(t, err, auth.ErrUnauthenticated)
	assert.False(t, auth.Can(context.Background(), "tenant:rooms:read"))

	tenant := uuid.New()
	identity := &auth.ResolvedIdentity{
		IdentityID:  uuid.New(),
		TenantID:    &tenant,
		Permissions: auth.NewPermissionSet("tenant:rooms:*"),
	}
	ctx := auth.WithIdentity(context.Background(), identity)

	got, err := auth.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.Same(t, identity, got)
	assert.True(t, auth.Can(ctx, "tenant:rooms:read"))
	assert.False(t, auth.Can(ctx, "tenant:billing:read"))
}

func TestClaimsContext(t *testing.T) {
	_, ok := auth.GetClaims(context.Background())
	assert.False(t, ok)

	claims := &auth.AccessClaims{}
	got, ok := auth.GetClaims(auth.WithClaimsContext(context.Background(), claims))
	require.True(t, ok)
	assert.Same(t, claims, got)
}

func TestRequestContext(t *testing.T) {
	assert.Equal(t, auth.RequestContext{}, auth.RequestContextFrom(context.Background()))

	rc := auth.RequestContext{IPAddress: "203.0.113.9", UserAgent: "curl/8", RequestID: "req-1"}
	assert.Equal(t, rc, auth.RequestContextFrom(auth.WithRequestContext(context.Background(), rc)))
}

func TestAuditorEnrichesFromContext(t *testing.T) {
	sink := &recordingSink{}
	at := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	auditor := auth.NewAuditor(sink).WithClock(func() time.Time { return at })

	actor := uuid.New()
	actingAs := uuid.New()
	tenant := uuid.New()

	ctx := auth.WithRequestContext(context.Background(), auth.RequestContext{
		IPAddress: "198.51.100.7",
		UserAgent: "frontdesk-app/2.1",
		RequestID: "req-42",
	})
	ctx = auth.WithIdentity(ctx, &auth.ResolvedIdentity{
		IdentityID:    actingAs,
		TenantID:      &tenant,
		Impersonation: &auth.Impersonation{ActorID: actor, ActingAsID: actingAs},
	})

	err := auditor.Audit(ctx, "reservation.cancelled", auth.Resource{Type: "reservation", ID: "R-100"}, map[string]any{
		"refund": true,
	})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	event := sink.events[0]
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, actor.String(), event.Actor.ID)
	assert.Equal(t, auth.ActorTypeIdentity, event.Actor.Type)
	assert.Equal(t, actingAs.String(), event.ActingAsID)
	assert.Equal(t, actingAs.String(), event.IdentityID)
	assert.Equal(t, tenant.String(), event.TenantID)
	assert.Equal(t, "198.51.100.7", event.IPAddress)
	assert.Equal(t, "frontdesk-app/2.1", event.UserAgent)
	assert.Equal(t, "req-42", event.Metadata["request_id"])
	assert.Equal(t, true, event.Metadata["refund"])
	assert.Equal(t, at, event.OccurredAt)
}

func TestAuditorAnonymous(t *testing.T) {
	sink := &recordingSink{}
	require.NoError(t, auth.NewAuditor(sink).Audit(context.Background(), "health.checked", auth.Resource{}, nil))
	require.Len(t, sink.events, 1)
	assert.Equal(t, auth.ActorTypeUnknown, sink.events[0].Actor.Type)
	assert.Empty(t, sink.events[0].Actor.ID)
}

func TestMultiActivitySink(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	boom := errors.New("sink down")

	multi := auth.MultiActivitySink{
		first,
		nil,
		auth.ActivitySinkFunc(func(context.Context, auth.ActivityEvent) error { return boom }),
		second,
	}

	err := multi.Record(context.Background(), auth.ActivityEvent{EventType: auth.ActivityEventLogout})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, first.events, 1)
	assert.Len(t, second.events, 1)
}

func TestEventIDsSortByTime(t *testing.T) {
	early := auth.NewEventID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	late := auth.NewEventID(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.Len(t, early, 26)
	assert.Less(t, early, late)
}

func TestAuditLogsPersistEvents(t *testing.T) {
	f := newFixture(t)
	f.auther.Auditor().WithSink(auth.MultiActivitySink{f.sink, f.repo.AuditLogs()})

	grant := f.login(f.staff)
	require.NoError(t, f.auther.Logout(auth.WithIdentity(f.ctx, &auth.ResolvedIdentity{
		IdentityID: f.staff.ID,
		TenantID:   f.staff.TenantID,
	}), grant.RefreshToken))

	_, err := f.auther.ResetPassword(f.ctx, f.operator.ID, f.staff.ID)
	require.NoError(t, err)

	rows, err := f.repo.AuditLogs().ListForIdentity(f.ctx, f.staff.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	actions := make([]string, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, row.Action)
	}
	assert.ElementsMatch(t, []string{
		string(auth.ActivityEventLoginSuccess),
		string(auth.ActivityEventLogout),
		string(auth.ActivityEventPasswordResetSuccess),
	}, actions)

	for _, row := range rows {
		if row.Action == string(auth.ActivityEventPasswordResetSuccess) {
			require.NotNil(t, row.ActorID)
			assert.Equal(t, f.operator.ID, *row.ActorID)
			assert.Equal(t, "identity", row.ResourceType)
			assert.Equal(t, f.staff.ID.String(), row.ResourceID)
		}
	}
}
