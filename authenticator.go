package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/abtime"
	"github.com/uptrace/bun"
)

const (
	// PermissionResetPassword lets a platform identity reset any password.
	PermissionResetPassword = "platform:users:reset_password"
	// PermissionTenantResetPassword lets a tenant admin reset passwords of
	// identities in the same tenant.
	PermissionTenantResetPassword = "tenant:users:reset_password"
)

const (
	loginOutcomeSuccess   = "success"
	loginOutcomeFailure   = "failure"
	loginOutcomeThrottled = "throttled"
	loginOutcomeError     = "error"
)

var _ Authenticator = (*Auther)(nil)

// Auther composes credential verification, tokens, refresh families and
// impersonation into the auth operations.
type Auther struct {
	repo          RepositoryManager
	tokens        TokenService
	refresh       *RefreshTokenManager
	passwords     *PasswordHasher
	issuer        *sessionIssuer
	impersonation *ImpersonationManager
	lifecycle     *IdentityLifecycle
	limiter       LoginLimiter
	auditor       *Auditor
	metrics       *Metrics
	clock         abtime.AbstractTime
	logger        Logger
}

// NewAuthenticator returns a new Authenticator
func NewAuthenticator(repo RepositoryManager, opts Config) *Auther {
	tokens := NewTokenServiceFromConfig(opts, defLogger{})
	refresh := NewRefreshTokenManager(repo, opts.GetRefreshTokenTTL(), NewSecretHasher(opts.GetRefreshSecretPepper()))
	auditor := NewAuditor(nil)

	return &Auther{
		repo:          repo,
		tokens:        tokens,
		refresh:       refresh,
		passwords:     NewPasswordHasher(opts.GetPasswordCost()),
		issuer:        &sessionIssuer{repo: repo, tokens: tokens, refresh: refresh},
		impersonation: NewImpersonationManager(repo, tokens, refresh).WithAuditor(auditor),
		lifecycle:     NewIdentityLifecycle(repo, refresh).WithAuditor(auditor),
		limiter:       noopLimiter{},
		auditor:       auditor,
		clock:         abtime.NewRealTime(),
		logger:        defLogger{},
	}
}

func (s *Auther) WithLogger(logger Logger) *Auther {
	s.logger = normalizeLogger(logger)
	s.refresh.WithLogger(s.logger)
	s.passwords.WithLogger(s.logger)
	s.impersonation.WithLogger(s.logger)
	s.lifecycle.WithLogger(s.logger)
	s.auditor.WithLogger(s.logger)
	if ts, ok := s.tokens.(*TokenServiceImpl); ok {
		ts.logger = s.logger
	}
	return s
}

// WithActivitySink configures an ActivitySink for emitting auth events.
func (s *Auther) WithActivitySink(sink ActivitySink) *Auther {
	s.auditor.WithSink(sink)
	return s
}

func (s *Auther) WithMetrics(metrics *Metrics) *Auther {
	s.metrics = metrics
	s.refresh.WithMetrics(metrics)
	s.impersonation.WithMetrics(metrics)
	return s
}

// WithClock drives every expiry and timestamp from clock.
func (s *Auther) WithClock(clock abtime.AbstractTime) *Auther {
	if clock == nil {
		return s
	}
	s.clock = clock
	s.refresh.WithClock(clock)
	s.impersonation.WithClock(clock)
	s.lifecycle.WithClock(clock)
	s.auditor.WithClock(clock.Now)
	if ts, ok := s.tokens.(*TokenServiceImpl); ok {
		ts.WithClock(clock)
	}
	return s
}

func (s *Auther) WithLoginLimiter(limiter LoginLimiter) *Auther {
	if limiter == nil {
		limiter = noopLimiter{}
	}
	s.limiter = limiter
	return s
}

func (s *Auther) WithTargetResolver(resolver TargetResolver) *Auther {
	s.impersonation.WithTargetResolver(resolver)
	return s
}

// TokenService returns the TokenService instance used by this Authenticator
func (s *Auther) TokenService() TokenService {
	return s.tokens
}

func (s *Auther) RefreshTokens() *RefreshTokenManager {
	return s.refresh
}

func (s *Auther) Passwords() *PasswordHasher {
	return s.passwords
}

func (s *Auther) Auditor() *Auditor {
	return s.auditor
}

func (s *Auther) Lifecycle() *IdentityLifecycle {
	return s.lifecycle
}

func (s *Auther) now() time.Time {
	return s.clock.Now().UTC()
}

// Login verifies the secret and opens a new session family. Every
// credential problem, including unknown or inactive identities, is
// reported as ErrAuthenticationFailed. The hash comparison runs before the
// transaction so no store connection is held while it runs.
func (s *Auther) Login(ctx context.Context, identifier, secret string) (*SessionGrant, error) {
	if !s.limiter.Allow(ctx, identifier) {
		s.metrics.observeLogin(loginOutcomeThrottled)
		s.loginFailed(ctx, identifier, nil, ErrTooManyLoginAttempts)
		return nil, ErrTooManyLoginAttempts
	}

	var grant *SessionGrant
	var failure error
	identity, err := s.lookupTx(ctx, s.repo.DB(), identifier)
	if err == nil {
		var digest *string
		if identity != nil {
			digest = &identity.PasswordHash
		}
		if !s.passwords.VerifyOrDummy(secret, digest) || identity == nil || !identity.Active {
			failure = ErrAuthenticationFailed
		}
	}

	if err == nil && failure == nil {
		err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			current, err := s.currentCredentialTx(ctx, tx, identity)
			if err != nil {
				return err
			}
			if current == nil {
				failure = ErrAuthenticationFailed
				return nil
			}

			if err := s.repo.Identities().TrackLoginTx(ctx, tx, current.ID, s.now()); err != nil {
				return err
			}

			grant, err = s.issuer.issueTx(ctx, tx, current, issueOptions{})
			return err
		})
	}
	if err != nil {
		s.metrics.observeLogin(loginOutcomeError)
		s.logger.Error("login failed: %v", err)
		s.loginFailed(ctx, identifier, identity, err)
		return nil, err
	}

	if failure != nil {
		s.metrics.observeLogin(loginOutcomeFailure)
		s.loginFailed(ctx, identifier, identity, failure)
		return nil, failure
	}

	s.metrics.observeLogin(loginOutcomeSuccess)
	s.auditor.Emit(ctx, ActivityEvent{
		EventType:  ActivityEventLoginSuccess,
		Actor:      identityActor(grant.Identity.ID),
		IdentityID: grant.Identity.ID.String(),
		TenantID:   optionalUUIDString(grant.Identity.TenantID),
		Metadata: map[string]any{
			"family_id":  grant.FamilyID.String(),
			"must_reset": grant.Identity.MustReset,
		},
	})

	return grant, nil
}

// currentCredentialTx re-reads verified inside tx. It returns nil when the
// identity was deactivated or its secret replaced after verification.
func (s *Auther) currentCredentialTx(ctx context.Context, tx bun.IDB, verified *Identity) (*Identity, error) {
	current, err := s.repo.Identities().FindByIDTx(ctx, tx, verified.ID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !current.Active || current.PasswordHash != verified.PasswordHash {
		return nil, nil
	}
	return current, nil
}

// lookupTx returns nil, nil for identifiers that are malformed or unknown so
// the caller still spends a dummy verification.
func (s *Auther) lookupTx(ctx context.Context, tx bun.IDB, identifier string) (*Identity, error) {
	identity, err := s.repo.Identities().FindByEmailTx(ctx, tx, identifier)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) || errors.Is(err, ErrInvalidIdentifier) {
			return nil, nil
		}
		return nil, err
	}
	return identity, nil
}

func (s *Auther) loginFailed(ctx context.Context, identifier string, identity *Identity, err error) {
	event := ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Actor:     ActorRef{Type: ActorTypeUnknown},
		Metadata: map[string]any{
			"identifier": identifier,
			"error":      textCode(err),
		},
	}
	if identity != nil {
		event.IdentityID = identity.ID.String()
		event.TenantID = optionalUUIDString(identity.TenantID)
	}
	s.auditor.Emit(ctx, event)
}

// Refresh rotates the presented secret and signs new claims with grants
// read fresh from the store.
func (s *Auther) Refresh(ctx context.Context, rawRefresh string) (*SessionGrant, error) {
	if rawRefresh == "" {
		return nil, ErrRefreshTokenNotFound
	}

	var grant *SessionGrant
	var failure error
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		result, f, err := s.refresh.RotateTx(ctx, tx, rawRefresh)
		if err != nil {
			return err
		}
		if f != nil {
			failure = f
			return nil
		}

		identity, err := s.repo.Identities().FindByIDTx(ctx, tx, result.IdentityID)
		if err != nil && !errors.Is(err, ErrIdentityNotFound) {
			return err
		}
		if identity == nil || !identity.Active {
			failure = ErrAuthenticationFailed
			return s.refresh.RevokeFamilyTx(ctx, tx, result.FamilyID, RevokeReasonIdentityInactive)
		}

		imp, f, err := s.impersonation.AttachTx(ctx, tx, result.FamilyID)
		if err != nil {
			return err
		}
		if f != nil {
			failure = f
			return nil
		}

		grant, err = s.issuer.issueTx(ctx, tx, identity, issueOptions{
			Refresh: &IssuedRefresh{
				Raw:       result.Raw,
				FamilyID:  result.FamilyID,
				TokenID:   result.TokenID,
				ExpiresAt: result.ExpiresAt,
			},
			Impersonation: imp,
		})
		return err
	})
	if err != nil {
		s.metrics.observeRotation(rotationOutcomeError)
		s.logger.Error("refresh failed: %v", err)
		return nil, err
	}

	if failure != nil {
		s.metrics.observeRotation(rotationOutcome(failure))
		if IsReuseDetected(failure) {
			s.reuseDetected(ctx, rawRefresh)
		}
		return nil, failure
	}

	s.metrics.observeRotation(rotationOutcomeRotated)
	return grant, nil
}

func (s *Auther) reuseDetected(ctx context.Context, rawRefresh string) {
	event := ActivityEvent{
		EventType: ActivityEventRefreshReuse,
		Actor:     ActorRef{Type: ActorTypeUnknown},
	}
	if secret, ok := ParseRefreshSecret(rawRefresh); ok && secret.TenantID != uuid.Nil {
		event.TenantID = secret.TenantID.String()
	}
	s.auditor.Emit(ctx, event)
}

// Logout revokes the family of the presented secret. Unknown secrets are
// not an error.
func (s *Auther) Logout(ctx context.Context, rawRefresh string) error {
	revoked, err := s.refresh.RevokeByRawSecret(ctx, rawRefresh, RevokeReasonLogout)
	if err != nil {
		s.logger.Error("logout failed: %v", err)
		return err
	}

	if revoked {
		s.auditor.Emit(ctx, s.identityEvent(ctx, ActivityEventLogout, nil))
	}
	return nil
}

// ChangePassword replaces the secret, revokes every family of the identity
// and returns one fresh grant so the caller stays signed in.
func (s *Auther) ChangePassword(ctx context.Context, identityID uuid.UUID, current, next string) (*SessionGrant, error) {
	verified, err := s.repo.Identities().FindByIDTx(ctx, s.repo.DB(), identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	if !verified.Active || !s.passwords.Verify(current, verified.PasswordHash) {
		return nil, ErrAuthenticationFailed
	}

	if err := ValidatePasswordStrength(next); err != nil {
		return nil, err
	}
	if current == next {
		return nil, NewWeakPasswordError("must differ from the current password")
	}

	hash, err := s.passwords.Hash(next)
	if err != nil {
		return nil, err
	}

	var grant *SessionGrant
	var revoked int
	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		identity, err := s.currentCredentialTx(ctx, tx, verified)
		if err != nil {
			return err
		}
		if identity == nil {
			return ErrAuthenticationFailed
		}

		if err := s.repo.Identities().SetPasswordTx(ctx, tx, identity.ID, hash, false); err != nil {
			return err
		}
		identity.PasswordHash = hash
		identity.MustReset = false

		if revoked, err = s.refresh.RevokeAllForIdentityTx(ctx, tx, identity.ID, RevokeReasonPasswordChanged); err != nil {
			return err
		}

		grant, err = s.issuer.issueTx(ctx, tx, identity, issueOptions{})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("identity %s changed password, %d families revoked", identityID, revoked)
	s.auditor.Emit(ctx, ActivityEvent{
		EventType:  ActivityEventPasswordChanged,
		Actor:      identityActor(identityID),
		IdentityID: identityID.String(),
		TenantID:   optionalUUIDString(grant.Identity.TenantID),
		Metadata: map[string]any{
			"revoked_families": revoked,
		},
	})

	return grant, nil
}

// ResetPassword sets a random temporary secret on targetID, flags it for
// reset and revokes its families. The temporary secret is returned once.
func (s *Auther) ResetPassword(ctx context.Context, adminID, targetID uuid.UUID) (string, error) {
	// authorize before spending a hash, then again inside the transaction
	if _, err := s.authorizeResetTx(ctx, s.repo.DB(), adminID, targetID); err != nil {
		return "", err
	}

	temporary, err := GenerateTemporaryPassword(DefaultTemporaryPasswordLength)
	if err != nil {
		return "", err
	}
	hash, err := s.passwords.Hash(temporary)
	if err != nil {
		return "", err
	}

	var target *Identity
	var revoked int
	err = s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		if target, err = s.authorizeResetTx(ctx, tx, adminID, targetID); err != nil {
			return err
		}
		if err := s.repo.Identities().SetPasswordTx(ctx, tx, target.ID, hash, true); err != nil {
			return err
		}

		revoked, err = s.refresh.RevokeAllForIdentityTx(ctx, tx, target.ID, RevokeReasonPasswordReset)
		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("identity %s reset password of %s, %d families revoked", adminID, targetID, revoked)
	s.auditor.Emit(ctx, ActivityEvent{
		EventType:  ActivityEventPasswordResetSuccess,
		Actor:      identityActor(adminID),
		IdentityID: targetID.String(),
		TenantID:   optionalUUIDString(target.TenantID),
		Resource:   Resource{Type: "identity", ID: targetID.String()},
		Metadata: map[string]any{
			"revoked_families": revoked,
		},
	})

	return temporary, nil
}

func (s *Auther) authorizeResetTx(ctx context.Context, tx bun.IDB, adminID, targetID uuid.UUID) (*Identity, error) {
	admin, err := s.repo.Identities().FindByIDTx(ctx, tx, adminID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrAuthenticationFailed
		}
		return nil, err
	}
	if !admin.Active {
		return nil, ErrAuthenticationFailed
	}

	target, err := s.repo.Identities().FindByIDTx(ctx, tx, targetID)
	if err != nil {
		return nil, err
	}

	grants, err := s.repo.Grants().ResolveTx(ctx, tx, admin.ID)
	if err != nil {
		return nil, err
	}
	if err := canResetPassword(admin, grants.Permissions, target); err != nil {
		return nil, err
	}
	return target, nil
}

func canResetPassword(admin *Identity, granted PermissionSet, target *Identity) error {
	if admin.IsPlatform() {
		if granted.Has(PermissionResetPassword) {
			return nil
		}
		return NewForbiddenError(PermissionResetPassword)
	}

	if !granted.Has(PermissionTenantResetPassword) {
		return NewForbiddenError(PermissionTenantResetPassword)
	}
	if target.IsPlatform() || admin.TenantID == nil || !target.BelongsTo(*admin.TenantID) {
		return NewForbiddenError(PermissionTenantResetPassword)
	}
	return nil
}

func (s *Auther) StartImpersonation(ctx context.Context, req StartImpersonationRequest) (*SessionGrant, error) {
	return s.impersonation.Start(ctx, req)
}

func (s *Auther) StopImpersonation(ctx context.Context, req StopImpersonationRequest) (*SessionGrant, error) {
	return s.impersonation.Stop(ctx, req)
}

// ResolveIdentity loads the effective identity named by claims. Tokens
// minted for an impersonation stop resolving once the session ends.
func (s *Auther) ResolveIdentity(ctx context.Context, claims *AccessClaims) (*ResolvedIdentity, error) {
	if claims == nil {
		return nil, ErrUnauthenticated
	}

	db := s.repo.DB()
	if imp := claims.ImpersonationInfo(); imp != nil {
		session, err := s.repo.Impersonations().FindActiveForActorTx(ctx, db, imp.ActorID)
		if err != nil {
			return nil, err
		}
		if session == nil || session.ActingAsID != imp.ActingAsID {
			return nil, ErrUnauthenticated
		}
	}

	return s.issuer.resolveTx(ctx, db, claims)
}

func (s *Auther) identityEvent(ctx context.Context, eventType ActivityEventType, metadata map[string]any) ActivityEvent {
	event := ActivityEvent{
		EventType: eventType,
		Actor:     ActorRef{Type: ActorTypeUnknown},
		Metadata:  metadata,
	}
	identity, err := CurrentIdentity(ctx)
	if err != nil {
		return event
	}

	event.IdentityID = identity.IdentityID.String()
	event.Actor = identityActor(identity.IdentityID)
	event.TenantID = optionalUUIDString(identity.TenantID)
	if imp := identity.Impersonation; imp != nil {
		event.Actor = identityActor(imp.ActorID)
		event.ActingAsID = imp.ActingAsID.String()
	}
	return event
}

// DeactivateIdentity disables identityID and revokes its sessions.
func (s *Auther) DeactivateIdentity(ctx context.Context, actorID, identityID uuid.UUID, reason string) (*Identity, error) {
	return s.lifecycle.Deactivate(ctx, actorID, identityID, WithTransitionReason(reason))
}

// ReactivateIdentity enables identityID again.
func (s *Auther) ReactivateIdentity(ctx context.Context, actorID, identityID uuid.UUID, reason string) (*Identity, error) {
	return s.lifecycle.Reactivate(ctx, actorID, identityID, WithTransitionReason(reason))
}
