package auth

import (
	"context"
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/thejerf/abtime"
	"github.com/uptrace/bun"
)

const (
	PermissionManageIdentities       = "platform:identities:manage"
	PermissionTenantManageIdentities = "tenant:identities:manage"
)

const textCodeInvalidTransition = "INVALID_IDENTITY_STATE_TRANSITION"

// newInvalidTransitionError reports a status change that is not allowed.
func newInvalidTransitionError(metadata map[string]any) error {
	return goerrors.New("invalid identity state transition", goerrors.CategoryValidation).
		WithTextCode(textCodeInvalidTransition).
		WithCode(goerrors.CodeBadRequest).
		WithMetadata(metadata)
}

// IsInvalidTransition reports a rejected identity state change.
func IsInvalidTransition(err error) bool {
	return err != nil && textCode(err) == textCodeInvalidTransition
}

// IdentityState is the activation state of an identity.
type IdentityState string

const (
	IdentityStateActive   IdentityState = "active"
	IdentityStateInactive IdentityState = "inactive"
)

func stateOf(identity *Identity) IdentityState {
	if identity.Active {
		return IdentityStateActive
	}
	return IdentityStateInactive
}

// TransitionContext is passed into hooks.
type TransitionContext struct {
	ActorID  uuid.UUID
	Identity *Identity
	From     IdentityState
	To       IdentityState
	Reason   string
}

// TransitionHook runs inside the transition transaction. Returning an
// error rolls the transition back.
type TransitionHook func(ctx context.Context, tx bun.IDB, tc TransitionContext) error

// TransitionOption customizes a single transition.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	reason      string
	beforeHooks []TransitionHook
	afterHooks  []TransitionHook
}

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(opts *transitionOptions) {
		opts.reason = reason
	}
}

// WithBeforeTransitionHook adds a hook executed before the status update.
func WithBeforeTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.beforeHooks = append(opts.beforeHooks, h)
		}
	}
}

// WithAfterTransitionHook adds a hook executed after the status update.
func WithAfterTransitionHook(h TransitionHook) TransitionOption {
	return func(opts *transitionOptions) {
		if h != nil {
			opts.afterHooks = append(opts.afterHooks, h)
		}
	}
}

// IdentityLifecycle activates and deactivates identities. Deactivation
// revokes every refresh family of the identity and ends the impersonation
// session it is running, so no credential it holds can be renewed.
type IdentityLifecycle struct {
	repo    RepositoryManager
	refresh *RefreshTokenManager
	auditor *Auditor
	clock   abtime.AbstractTime
	logger  Logger
}

func NewIdentityLifecycle(repo RepositoryManager, refresh *RefreshTokenManager) *IdentityLifecycle {
	return &IdentityLifecycle{
		repo:    repo,
		refresh: refresh,
		auditor: NewAuditor(nil),
		clock:   abtime.NewRealTime(),
		logger:  defLogger{},
	}
}

func (l *IdentityLifecycle) WithAuditor(auditor *Auditor) *IdentityLifecycle {
	if auditor != nil {
		l.auditor = auditor
	}
	return l
}

func (l *IdentityLifecycle) WithClock(clock abtime.AbstractTime) *IdentityLifecycle {
	if clock != nil {
		l.clock = clock
	}
	return l
}

func (l *IdentityLifecycle) WithLogger(logger Logger) *IdentityLifecycle {
	l.logger = normalizeLogger(logger)
	return l
}

// Deactivate moves identityID to the inactive state on behalf of actorID.
func (l *IdentityLifecycle) Deactivate(ctx context.Context, actorID, identityID uuid.UUID, opts ...TransitionOption) (*Identity, error) {
	return l.Transition(ctx, actorID, identityID, IdentityStateInactive, opts...)
}

// Reactivate moves identityID back to the active state. Revoked sessions
// stay revoked, the identity has to log in again.
func (l *IdentityLifecycle) Reactivate(ctx context.Context, actorID, identityID uuid.UUID, opts ...TransitionOption) (*Identity, error) {
	return l.Transition(ctx, actorID, identityID, IdentityStateActive, opts...)
}

// Transition applies target. Moving to the current state is a no-op that
// still checks the actor.
func (l *IdentityLifecycle) Transition(ctx context.Context, actorID, identityID uuid.UUID, target IdentityState, opts ...TransitionOption) (*Identity, error) {
	if target != IdentityStateActive && target != IdentityStateInactive {
		return nil, newInvalidTransitionError(map[string]any{
			"target": target,
		})
	}

	options := &transitionOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(options)
		}
	}

	var (
		identity *Identity
		from     IdentityState
		revoked  int
	)

	err := l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := l.authorizeTx(ctx, tx, actorID, identityID); err != nil {
			return err
		}

		var err error
		identity, err = l.repo.Identities().FindByIDTx(ctx, tx, identityID)
		if err != nil {
			return err
		}

		from = stateOf(identity)
		if from == target {
			return nil
		}
		if actorID == identityID && target == IdentityStateInactive {
			return newInvalidTransitionError(map[string]any{
				"reason": "identities cannot deactivate themselves",
			})
		}

		tc := TransitionContext{
			ActorID:  actorID,
			Identity: identity,
			From:     from,
			To:       target,
			Reason:   options.reason,
		}

		for _, hook := range options.beforeHooks {
			if err := hook(ctx, tx, tc); err != nil {
				return err
			}
		}

		if err := l.repo.Identities().SetActiveTx(ctx, tx, identity.ID, target == IdentityStateActive); err != nil {
			return err
		}
		identity.Active = target == IdentityStateActive

		if target == IdentityStateInactive {
			if revoked, err = l.endSessionsTx(ctx, tx, identity.ID); err != nil {
				return err
			}
		}

		for _, hook := range options.afterHooks {
			if err := hook(ctx, tx, tc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if from == target {
		return identity, nil
	}

	event := ActivityEventIdentityReactivated
	if target == IdentityStateInactive {
		event = ActivityEventIdentityDeactivated
	}

	l.logger.Info("identity %s moved from %s to %s by %s", identity.ID, from, target, actorID)
	l.auditor.Emit(ctx, ActivityEvent{
		EventType:  event,
		Actor:      identityActor(actorID),
		IdentityID: identity.ID.String(),
		TenantID:   optionalUUIDString(identity.TenantID),
		Resource:   Resource{Type: "identity", ID: identity.ID.String()},
		Metadata: map[string]any{
			"from":             string(from),
			"to":               string(target),
			"reason":           options.reason,
			"revoked_families": revoked,
		},
	})

	return identity, nil
}

func (l *IdentityLifecycle) authorizeTx(ctx context.Context, tx bun.IDB, actorID, identityID uuid.UUID) error {
	actor, err := l.repo.Identities().FindByIDTx(ctx, tx, actorID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return ErrAuthenticationFailed
		}
		return err
	}
	if !actor.Active {
		return ErrAuthenticationFailed
	}

	grants, err := l.repo.Grants().ResolveTx(ctx, tx, actor.ID)
	if err != nil {
		return err
	}

	if actor.IsPlatform() {
		if grants.Permissions.Has(PermissionManageIdentities) {
			return nil
		}
		return NewForbiddenError(PermissionManageIdentities)
	}

	if !grants.Permissions.Has(PermissionTenantManageIdentities) {
		return NewForbiddenError(PermissionTenantManageIdentities)
	}

	target, err := l.repo.Identities().FindByIDTx(ctx, tx, identityID)
	if err != nil {
		return err
	}
	if target.IsPlatform() || actor.TenantID == nil || !target.BelongsTo(*actor.TenantID) {
		return NewForbiddenError(PermissionTenantManageIdentities)
	}
	return nil
}

// endSessionsTx revokes every family of identityID and closes the
// impersonation session it runs as an actor.
func (l *IdentityLifecycle) endSessionsTx(ctx context.Context, tx bun.IDB, identityID uuid.UUID) (int, error) {
	now := l.clock.Now().UTC()

	session, err := l.repo.Impersonations().FindActiveForActorTx(ctx, tx, identityID)
	if err != nil {
		return 0, err
	}
	if session != nil {
		if err := l.repo.Impersonations().EndTx(ctx, tx, session.ID, now); err != nil && !errors.Is(err, ErrImpersonationEnded) {
			return 0, err
		}
		if session.RefreshFamilyID != nil {
			if err := l.refresh.RevokeFamilyTx(ctx, tx, *session.RefreshFamilyID, RevokeReasonImpersonationEnded); err != nil {
				return 0, err
			}
		}
	}

	return l.refresh.RevokeAllForIdentityTx(ctx, tx, identityID, RevokeReasonIdentityInactive)
}
