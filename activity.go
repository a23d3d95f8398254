package auth

import (
	"context"
	"errors"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventLoginSuccess         ActivityEventType = "auth.login.success"
	ActivityEventLoginFailure         ActivityEventType = "auth.login.failure"
	ActivityEventLogout               ActivityEventType = "auth.logout"
	ActivityEventRefreshReuse         ActivityEventType = "auth.refresh.reuse_detected"
	ActivityEventPasswordChanged      ActivityEventType = "auth.password.changed"
	ActivityEventPasswordResetSuccess ActivityEventType = "auth.password.reset"
	ActivityEventImpersonationStart   ActivityEventType = "auth.impersonation.start"
	ActivityEventImpersonationStop    ActivityEventType = "auth.impersonation.stop"
	ActivityEventImpersonationFailure ActivityEventType = "auth.impersonation.failure"
	ActivityEventIdentityDeactivated  ActivityEventType = "identity.deactivated"
	ActivityEventIdentityReactivated  ActivityEventType = "identity.reactivated"
)

// ActorRef identifies who performed an action
type ActorRef struct {
	ID   string
	Type string
}

const (
	ActorTypeIdentity = "identity"
	ActorTypeSystem   = "system"
	ActorTypeUnknown  = "unknown"
)

// Resource names the thing an activity is about.
type Resource struct {
	Type string
	ID   string
}

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	ID         string
	EventType  ActivityEventType
	Actor      ActorRef
	ActingAsID string
	IdentityID string
	TenantID   string
	Resource   Resource
	IPAddress  string
	UserAgent  string
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}

// MultiActivitySink fans an event out to every sink and joins their errors.
type MultiActivitySink []ActivitySink

func (m MultiActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	eventEntropyMu sync.Mutex
	eventEntropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a sortable identifier for audit rows.
func NewEventID(at time.Time) string {
	eventEntropyMu.Lock()
	defer eventEntropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), eventEntropy).String()
}

// Auditor records activity enriched from the request context.
type Auditor struct {
	sink   ActivitySink
	logger Logger
	now    func() time.Time
}

func NewAuditor(sink ActivitySink) *Auditor {
	return &Auditor{
		sink:   normalizeActivitySink(sink),
		logger: defLogger{},
		now:    time.Now,
	}
}

func (a *Auditor) WithLogger(logger Logger) *Auditor {
	a.logger = normalizeLogger(logger)
	return a
}

// WithSink swaps the sink in place, services sharing the auditor see it.
func (a *Auditor) WithSink(sink ActivitySink) *Auditor {
	a.sink = normalizeActivitySink(sink)
	return a
}

func (a *Auditor) WithClock(now func() time.Time) *Auditor {
	if now != nil {
		a.now = now
	}
	return a
}

// Audit records action on resource. The actor, tenant, impersonation and
// client details come from ctx.
func (a *Auditor) Audit(ctx context.Context, action ActivityEventType, resource Resource, metadata map[string]any) error {
	event := ActivityEvent{
		EventType: action,
		Resource:  resource,
		Metadata:  metadata,
		Actor:     ActorRef{Type: ActorTypeUnknown},
	}

	if identity, err := CurrentIdentity(ctx); err == nil {
		event.IdentityID = identity.IdentityID.String()
		event.Actor = ActorRef{ID: identity.IdentityID.String(), Type: ActorTypeIdentity}
		if identity.TenantID != nil {
			event.TenantID = identity.TenantID.String()
		}
		if imp := identity.Impersonation; imp != nil {
			event.Actor = ActorRef{ID: imp.ActorID.String(), Type: ActorTypeIdentity}
			event.ActingAsID = imp.ActingAsID.String()
		}
	}

	return a.record(ctx, event)
}

// Emit records an event built by a service. Sink failures are logged and
// never fail the calling operation.
func (a *Auditor) Emit(ctx context.Context, event ActivityEvent) {
	if err := a.record(ctx, event); err != nil {
		a.logger.Warn("activity sink record error: %v", err)
	}
}

func (a *Auditor) record(ctx context.Context, event ActivityEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = a.now().UTC()
	}
	if event.ID == "" {
		event.ID = NewEventID(event.OccurredAt)
	}
	metadata := make(map[string]any, len(event.Metadata)+1)
	for k, v := range event.Metadata {
		metadata[k] = v
	}
	event.Metadata = metadata

	meta := RequestContextFrom(ctx)
	if event.IPAddress == "" {
		event.IPAddress = meta.IPAddress
	}
	if event.UserAgent == "" {
		event.UserAgent = meta.UserAgent
	}
	if meta.RequestID != "" {
		if _, ok := event.Metadata["request_id"]; !ok {
			event.Metadata["request_id"] = meta.RequestID
		}
	}

	return a.sink.Record(ctx, event)
}

func identityActor(id uuid.UUID) ActorRef {
	if id == uuid.Nil {
		return ActorRef{Type: ActorTypeUnknown}
	}
	return ActorRef{ID: id.String(), Type: ActorTypeIdentity}
}
