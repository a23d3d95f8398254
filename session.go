package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// sessionIssuer turns an identity into a SessionGrant: it resolves grants
// from the store, starts or reuses a refresh family and signs claims.
type sessionIssuer struct {
	repo    RepositoryManager
	tokens  TokenService
	refresh *RefreshTokenManager
}

type issueOptions struct {
	// Refresh reuses an already issued secret instead of starting a family.
	Refresh        *IssuedRefresh
	ParentFamilyID *uuid.UUID
	CreatedByID    *uuid.UUID
	Impersonation  *Impersonation
}

func (s *sessionIssuer) issueTx(ctx context.Context, tx bun.IDB, identity *Identity, opts issueOptions) (*SessionGrant, error) {
	grants, err := s.repo.Grants().ResolveTx(ctx, tx, identity.ID)
	if err != nil {
		return nil, err
	}

	refresh := opts.Refresh
	if refresh == nil {
		refresh, err = s.refresh.IssueFamilyTx(ctx, tx, FamilyParams{
			IdentityID:     identity.ID,
			TenantID:       identity.TenantID,
			ParentFamilyID: opts.ParentFamilyID,
			CreatedByID:    opts.CreatedByID,
		})
		if err != nil {
			return nil, err
		}
	}

	token, claims, err := s.tokens.Issue(IssueParams{
		IdentityID:    identity.ID,
		IdentityClass: identity.Class,
		Roles:         grants.Roles,
		TenantID:      identity.TenantID,
		Impersonation: opts.Impersonation,
	})
	if err != nil {
		return nil, err
	}

	return &SessionGrant{
		AccessToken:  token,
		Claims:       claims,
		RefreshToken: refresh.Raw,
		FamilyID:     refresh.FamilyID,
		Identity:     identity,
		Permissions:  grants.Permissions,
	}, nil
}

// resolveTx builds the ResolvedIdentity for decoded claims, re-reading
// grants from the store.
func (s *sessionIssuer) resolveTx(ctx context.Context, tx bun.IDB, claims *AccessClaims) (*ResolvedIdentity, error) {
	identityID := EffectiveIdentity(claims)
	identity, err := s.repo.Identities().FindByIDTx(ctx, tx, identityID)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !identity.Active {
		return nil, ErrUnauthenticated
	}

	grants, err := s.repo.Grants().ResolveTx(ctx, tx, identity.ID)
	if err != nil {
		return nil, err
	}

	return &ResolvedIdentity{
		IdentityID:    identity.ID,
		IdentityClass: identity.Class,
		TenantID:      identity.TenantID,
		Roles:         grants.Roles,
		Permissions:   grants.Permissions,
		Impersonation: claims.ImpersonationInfo(),
	}, nil
}
