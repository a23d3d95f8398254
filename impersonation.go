package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/abtime"
	"github.com/uptrace/bun"
)

// PermissionImpersonationStart is the grant a platform identity needs to
// act as a tenant identity.
const PermissionImpersonationStart = "platform:impersonation:start"

// DefaultManagerRole is the tenant role whose holders are impersonated when
// no explicit target is requested.
const DefaultManagerRole = "TenantManager"

const (
	impersonationEventStart   = "start"
	impersonationEventStop    = "stop"
	impersonationEventEnded   = "ended"
	impersonationEventFailure = "failure"
)

// StartImpersonationRequest asks to act as TargetID, or as the default
// representative of TenantID when no target is given.
type StartImpersonationRequest struct {
	ActorID uuid.UUID
	// ActorFamilyID is the refresh family of the actor's current session.
	// When empty it is looked up from ActorRefresh, the raw secret.
	ActorFamilyID *uuid.UUID
	ActorRefresh  string
	TargetID      *uuid.UUID
	TenantID      *uuid.UUID
	Reason        string
}

// StopImpersonationRequest ends a session. CallerID is the acting-as
// identity of the request, ActorID the actor named in its claims. A zero
// SessionID selects the actor's open session.
type StopImpersonationRequest struct {
	CallerID  uuid.UUID
	ActorID   uuid.UUID
	SessionID uuid.UUID
}

// TargetResolver picks the identity to impersonate when the request names a
// tenant but no target.
type TargetResolver interface {
	ResolveTarget(ctx context.Context, tx bun.IDB, tenantID uuid.UUID) (*Identity, error)
}

// TargetResolverFunc adapts a function to TargetResolver
type TargetResolverFunc func(ctx context.Context, tx bun.IDB, tenantID uuid.UUID) (*Identity, error)

func (f TargetResolverFunc) ResolveTarget(ctx context.Context, tx bun.IDB, tenantID uuid.UUID) (*Identity, error) {
	return f(ctx, tx, tenantID)
}

// ManagerRoleResolver selects the first active holder of RoleName, falling
// back to the earliest created active identity of the tenant.
type ManagerRoleResolver struct {
	Identities Identities
	RoleName   string
	// DisableFallback turns off the earliest-identity tie break.
	DisableFallback bool
}

func NewManagerRoleResolver(identities Identities) *ManagerRoleResolver {
	return &ManagerRoleResolver{
		Identities: identities,
		RoleName:   DefaultManagerRole,
	}
}

func (r *ManagerRoleResolver) ResolveTarget(ctx context.Context, tx bun.IDB, tenantID uuid.UUID) (*Identity, error) {
	identity, err := r.Identities.FindFirstActiveWithRoleTx(ctx, tx, tenantID, r.RoleName)
	if err == nil {
		return identity, nil
	}
	if !errors.Is(err, ErrIdentityNotFound) {
		return nil, err
	}

	if r.DisableFallback {
		return nil, ErrNoEligibleTarget
	}

	identity, err = r.Identities.FindEarliestActiveTx(ctx, tx, tenantID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrNoEligibleTarget
		}
		return nil, err
	}
	return identity, nil
}

// ImpersonationManager runs the impersonation session lifecycle. Each
// session owns a refresh family descending from the actor's family, so
// ending it never touches the actor's own session.
type ImpersonationManager struct {
	repo     RepositoryManager
	issuer   *sessionIssuer
	refresh  *RefreshTokenManager
	resolver TargetResolver
	clock    abtime.AbstractTime
	logger   Logger
	metrics  *Metrics
	auditor  *Auditor
}

func NewImpersonationManager(repo RepositoryManager, tokens TokenService, refresh *RefreshTokenManager) *ImpersonationManager {
	return &ImpersonationManager{
		repo:     repo,
		issuer:   &sessionIssuer{repo: repo, tokens: tokens, refresh: refresh},
		refresh:  refresh,
		resolver: NewManagerRoleResolver(repo.Identities()),
		clock:    abtime.NewRealTime(),
		logger:   defLogger{},
		auditor:  NewAuditor(nil),
	}
}

func (m *ImpersonationManager) WithTargetResolver(resolver TargetResolver) *ImpersonationManager {
	if resolver != nil {
		m.resolver = resolver
	}
	return m
}

func (m *ImpersonationManager) WithClock(clock abtime.AbstractTime) *ImpersonationManager {
	if clock != nil {
		m.clock = clock
	}
	return m
}

func (m *ImpersonationManager) WithLogger(logger Logger) *ImpersonationManager {
	m.logger = normalizeLogger(logger)
	return m
}

func (m *ImpersonationManager) WithMetrics(metrics *Metrics) *ImpersonationManager {
	m.metrics = metrics
	return m
}

func (m *ImpersonationManager) WithAuditor(auditor *Auditor) *ImpersonationManager {
	if auditor != nil {
		m.auditor = auditor
	}
	return m
}

func (m *ImpersonationManager) now() time.Time {
	return m.clock.Now().UTC()
}

// Start opens a session and returns a grant for the target identity that
// carries the impersonation claims.
func (m *ImpersonationManager) Start(ctx context.Context, req StartImpersonationRequest) (*SessionGrant, error) {
	var grant *SessionGrant
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		grant, err = m.startTx(ctx, tx, &req)
		return err
	})
	if err != nil {
		m.fail(ctx, req.ActorID, "start", err)
		return nil, err
	}

	m.metrics.observeImpersonation(impersonationEventStart)
	m.logger.Info("identity %s started impersonating %s", req.ActorID, grant.Identity.ID)

	session := grant.Session
	m.auditor.Emit(ctx, ActivityEvent{
		EventType:  ActivityEventImpersonationStart,
		Actor:      identityActor(session.ActorID),
		ActingAsID: session.ActingAsID.String(),
		IdentityID: session.ActingAsID.String(),
		TenantID:   session.TenantID.String(),
		Resource:   Resource{Type: "impersonation_session", ID: session.ID.String()},
		Metadata: map[string]any{
			"reason":            session.Reason,
			"refresh_family_id": grant.FamilyID.String(),
			"parent_family_id":  optionalUUIDString(req.ActorFamilyID),
		},
		OccurredAt: session.StartedAt,
	})

	return grant, nil
}

func (m *ImpersonationManager) startTx(ctx context.Context, tx bun.IDB, req *StartImpersonationRequest) (*SessionGrant, error) {
	if req.ActorFamilyID == nil && req.ActorRefresh != "" {
		familyID, err := m.refresh.familyOfTx(ctx, tx, req.ActorRefresh)
		if err != nil {
			return nil, err
		}
		req.ActorFamilyID = familyID
	}

	actor, err := m.loadActorTx(ctx, tx, *req)
	if err != nil {
		return nil, err
	}

	active, err := m.repo.Impersonations().FindActiveForActorTx(ctx, tx, actor.ID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrImpersonationAlreadyActive
	}

	target, err := m.resolveTargetTx(ctx, tx, *req)
	if err != nil {
		return nil, err
	}
	if target.ID == actor.ID {
		return nil, ErrNoEligibleTarget
	}

	session := &ImpersonationSession{
		ID:         uuid.New(),
		ActorID:    actor.ID,
		ActingAsID: target.ID,
		TenantID:   *target.TenantID,
		Reason:     req.Reason,
		IPAddress:  RequestContextFrom(ctx).IPAddress,
		StartedAt:  m.now(),
	}
	if err := m.repo.Impersonations().CreateTx(ctx, tx, session); err != nil {
		return nil, err
	}

	grant, err := m.issuer.issueTx(ctx, tx, target, issueOptions{
		ParentFamilyID: req.ActorFamilyID,
		CreatedByID:    &actor.ID,
		Impersonation:  &Impersonation{ActorID: actor.ID, ActingAsID: target.ID},
	})
	if err != nil {
		return nil, err
	}

	if err := m.repo.Impersonations().LinkFamilyTx(ctx, tx, session.ID, grant.FamilyID); err != nil {
		return nil, err
	}
	familyID := grant.FamilyID
	session.RefreshFamilyID = &familyID
	grant.Session = session

	return grant, nil
}

func (m *ImpersonationManager) loadActorTx(ctx context.Context, tx bun.IDB, req StartImpersonationRequest) (*Identity, error) {
	actor, err := m.repo.Identities().FindByIDTx(ctx, tx, req.ActorID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrImpersonationNotAllowed
		}
		return nil, err
	}
	if !actor.Active || !actor.IsPlatform() {
		return nil, ErrImpersonationNotAllowed
	}

	grants, err := m.repo.Grants().ResolveTx(ctx, tx, actor.ID)
	if err != nil {
		return nil, err
	}
	if !grants.Permissions.Has(PermissionImpersonationStart) {
		return nil, ErrImpersonationNotAllowed
	}

	// the impersonation family is always a child of a live actor family
	if req.ActorFamilyID == nil {
		return nil, ErrImpersonationInvalidActor
	}
	family, err := m.repo.RefreshTokens().FindFamilyTx(ctx, tx, *req.ActorFamilyID)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			return nil, ErrImpersonationInvalidActor
		}
		return nil, err
	}
	if family.IdentityID != actor.ID || family.IsRevoked() {
		return nil, ErrImpersonationInvalidActor
	}

	return actor, nil
}

// actorMayImpersonateTx reports whether actorID is still an active platform
// identity holding PermissionImpersonationStart.
func (m *ImpersonationManager) actorMayImpersonateTx(ctx context.Context, tx bun.IDB, actorID uuid.UUID) (bool, error) {
	actor, err := m.repo.Identities().FindByIDTx(ctx, tx, actorID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return false, nil
		}
		return false, err
	}
	if !actor.Active || !actor.IsPlatform() {
		return false, nil
	}

	grants, err := m.repo.Grants().ResolveTx(ctx, tx, actor.ID)
	if err != nil {
		return false, err
	}
	return grants.Permissions.Has(PermissionImpersonationStart), nil
}

func (m *ImpersonationManager) resolveTargetTx(ctx context.Context, tx bun.IDB, req StartImpersonationRequest) (*Identity, error) {
	if req.TargetID != nil {
		target, err := m.repo.Identities().FindByIDTx(ctx, tx, *req.TargetID)
		if err != nil {
			if errors.Is(err, ErrIdentityNotFound) {
				return nil, ErrNoEligibleTarget
			}
			return nil, err
		}
		if !target.Active || target.IsPlatform() || target.TenantID == nil {
			return nil, ErrNoEligibleTarget
		}
		if req.TenantID != nil && !target.BelongsTo(*req.TenantID) {
			return nil, ErrNoEligibleTarget
		}
		return target, nil
	}

	if req.TenantID == nil {
		return nil, ErrNoEligibleTarget
	}

	if _, err := m.repo.Tenants().FindActiveTx(ctx, tx, *req.TenantID); err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, ErrNoEligibleTarget
		}
		return nil, err
	}

	target, err := m.resolver.ResolveTarget(ctx, tx, *req.TenantID)
	if err != nil {
		return nil, err
	}
	if target == nil || !target.Active || !target.BelongsTo(*req.TenantID) {
		return nil, ErrNoEligibleTarget
	}
	return target, nil
}

// Stop ends the session, revokes its refresh family and returns a fresh
// grant for the original actor.
func (m *ImpersonationManager) Stop(ctx context.Context, req StopImpersonationRequest) (*SessionGrant, error) {
	var grant *SessionGrant
	var ended *ImpersonationSession
	var failure error
	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		ended, err = m.endTx(ctx, tx, req)
		if err != nil {
			return err
		}

		actor, err := m.repo.Identities().FindByIDTx(ctx, tx, ended.ActorID)
		if err != nil && !errors.Is(err, ErrIdentityNotFound) {
			return err
		}
		if actor == nil || !actor.Active {
			failure = ErrAuthenticationFailed
			return nil
		}

		grant, err = m.issuer.issueTx(ctx, tx, actor, issueOptions{})
		return err
	})
	if err != nil {
		m.fail(ctx, req.ActorID, "stop", err)
		return nil, err
	}

	m.metrics.observeImpersonation(impersonationEventStop)
	m.auditor.Emit(ctx, ActivityEvent{
		EventType:  ActivityEventImpersonationStop,
		Actor:      identityActor(ended.ActorID),
		ActingAsID: ended.ActingAsID.String(),
		IdentityID: ended.ActingAsID.String(),
		TenantID:   ended.TenantID.String(),
		Resource:   Resource{Type: "impersonation_session", ID: ended.ID.String()},
		Metadata: map[string]any{
			"refresh_family_id": optionalUUIDString(ended.RefreshFamilyID),
		},
	})

	if failure != nil {
		m.logger.Warn("impersonation session %s ended but actor %s is no longer active", ended.ID, ended.ActorID)
		return nil, failure
	}

	m.logger.Info("identity %s stopped impersonating %s", ended.ActorID, ended.ActingAsID)
	return grant, nil
}

func (m *ImpersonationManager) endTx(ctx context.Context, tx bun.IDB, req StopImpersonationRequest) (*ImpersonationSession, error) {
	store := m.repo.Impersonations()

	var session *ImpersonationSession
	var err error
	if req.SessionID == uuid.Nil {
		session, err = store.FindActiveForActorTx(ctx, tx, req.ActorID)
		if err == nil && session == nil {
			err = ErrImpersonationInvalidActor
		}
	} else {
		session, err = store.FindByIDTx(ctx, tx, req.SessionID)
	}
	if err != nil {
		return nil, err
	}

	if session.ActingAsID != req.CallerID || session.ActorID != req.ActorID {
		return nil, ErrImpersonationInvalidActor
	}
	if !session.IsActive() {
		return nil, ErrImpersonationEnded
	}

	now := m.now()
	if err := store.EndTx(ctx, tx, session.ID, now); err != nil {
		return nil, err
	}
	session.EndedAt = &now

	if session.RefreshFamilyID != nil {
		if err := m.refresh.RevokeFamilyTx(ctx, tx, *session.RefreshFamilyID, RevokeReasonImpersonationEnded); err != nil {
			return nil, err
		}
	}

	return session, nil
}

// AttachTx reports the impersonation a rotated family belongs to. Families
// that are not impersonation grants return nil. When the session already
// ended, or its actor lost access, the family is revoked and
// ErrImpersonationEnded comes back as failure so the revocation commits.
func (m *ImpersonationManager) AttachTx(ctx context.Context, tx bun.IDB, familyID uuid.UUID) (*Impersonation, error, error) {
	session, err := m.repo.Impersonations().FindByFamilyTx(ctx, tx, familyID)
	if err != nil {
		return nil, nil, err
	}
	if session == nil {
		return nil, nil, nil
	}

	if session.IsActive() {
		allowed, err := m.actorMayImpersonateTx(ctx, tx, session.ActorID)
		if err != nil {
			return nil, nil, err
		}
		if allowed {
			return &Impersonation{ActorID: session.ActorID, ActingAsID: session.ActingAsID}, nil, nil
		}

		m.logger.Warn("ending impersonation session %s, actor %s lost access", session.ID, session.ActorID)
		if err := m.repo.Impersonations().EndTx(ctx, tx, session.ID, m.now()); err != nil {
			return nil, nil, err
		}
	}

	if err := m.refresh.RevokeFamilyTx(ctx, tx, familyID, RevokeReasonImpersonationEnded); err != nil {
		return nil, nil, err
	}
	m.metrics.observeImpersonation(impersonationEventEnded)
	return nil, ErrImpersonationEnded, nil
}

func (m *ImpersonationManager) fail(ctx context.Context, actorID uuid.UUID, stage string, err error) {
	m.metrics.observeImpersonation(impersonationEventFailure)
	m.logger.Warn("impersonation %s failed for actor %s: %v", stage, actorID, err)
	m.auditor.Emit(ctx, ActivityEvent{
		EventType: ActivityEventImpersonationFailure,
		Actor:     identityActor(actorID),
		Metadata: map[string]any{
			"stage": stage,
			"error": textCode(err),
		},
	})
}

func optionalUUIDString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
