package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// errAlreadyRotated is returned by MarkRotatedTx when the conditional update
// touched no row. Callers treat it as a replay.
var errAlreadyRotated = errors.New("refresh token already rotated or revoked")

// RefreshTokens is the store for refresh token families and their tokens.
type RefreshTokens interface {
	CreateFamilyTx(ctx context.Context, tx bun.IDB, family *RefreshTokenFamily) error
	CreateTokenTx(ctx context.Context, tx bun.IDB, token *RefreshToken) error
	FindFamilyTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*RefreshTokenFamily, error)
	FindTokenByHashTx(ctx context.Context, tx bun.IDB, secretHash string) (*RefreshToken, error)
	ListFamilyTokensTx(ctx context.Context, tx bun.IDB, familyID uuid.UUID) ([]RefreshToken, error)
	MarkRotatedTx(ctx context.Context, tx bun.IDB, tokenID, replacedBy uuid.UUID, at time.Time) error
	RevokeTokenTx(ctx context.Context, tx bun.IDB, tokenID uuid.UUID, at time.Time) error
	RevokeFamilyTx(ctx context.Context, tx bun.IDB, familyID uuid.UUID, reason string, at time.Time) (bool, error)
	ListActiveFamiliesTx(ctx context.Context, tx bun.IDB, identityID uuid.UUID) ([]uuid.UUID, error)
	RevokeLegacyForIdentityTx(ctx context.Context, tx bun.IDB, identityID uuid.UUID, at time.Time) (int, error)
}

type refreshTokens struct {
	db *bun.DB
}

func NewRefreshTokensRepository(db *bun.DB) RefreshTokens {
	return &refreshTokens{db: db}
}

func (r *refreshTokens) CreateFamilyTx(ctx context.Context, tx bun.IDB, family *RefreshTokenFamily) error {
	_, err := tx.NewInsert().Model(family).Exec(ctx)
	return wrapStoreError(err, "failed to create refresh token family")
}

func (r *refreshTokens) CreateTokenTx(ctx context.Context, tx bun.IDB, token *RefreshToken) error {
	_, err := tx.NewInsert().Model(token).Exec(ctx)
	return wrapStoreError(err, "failed to create refresh token")
}

func (r *refreshTokens) FindFamilyTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*RefreshTokenFamily, error) {
	family := &RefreshTokenFamily{}
	err := tx.NewSelect().Model(family).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, wrapStoreError(err, "failed to load refresh token family")
	}
	return family, nil
}

func (r *refreshTokens) FindTokenByHashTx(ctx context.Context, tx bun.IDB, secretHash string) (*RefreshToken, error) {
	token := &RefreshToken{}
	err := tx.NewSelect().Model(token).
		Where("?TableAlias.secret_hash = ?", secretHash).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, wrapStoreError(err, "failed to load refresh token")
	}
	return token, nil
}

func (r *refreshTokens) ListFamilyTokensTx(ctx context.Context, tx bun.IDB, familyID uuid.UUID) ([]RefreshToken, error) {
	var tokens []RefreshToken
	err := tx.NewSelect().Model(&tokens).
		Where("?TableAlias.family_id = ?", familyID).
		OrderExpr("?TableAlias.issued_at ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapStoreError(err, "failed to list refresh tokens")
	}
	return tokens, nil
}

// MarkRotatedTx is the rotation lock: it only succeeds while the token is
// neither rotated nor revoked.
func (r *refreshTokens) MarkRotatedTx(ctx context.Context, tx bun.IDB, tokenID, replacedBy uuid.UUID, at time.Time) error {
	res, err := tx.NewUpdate().Model((*RefreshToken)(nil)).
		Set("rotated_at = ?", at).
		Set("replaced_by_id = ?", replacedBy).
		Where("id = ?", tokenID).
		Where("rotated_at IS NULL").
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return wrapStoreError(err, "failed to rotate refresh token")
	}
	return requireAffected(res, errAlreadyRotated)
}

func (r *refreshTokens) RevokeTokenTx(ctx context.Context, tx bun.IDB, tokenID uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", at).
		Where("id = ?", tokenID).
		Where("revoked_at IS NULL").
		Exec(ctx)
	return wrapStoreError(err, "failed to revoke refresh token")
}

// RevokeFamilyTx revokes the family and every token in it. It reports
// whether the family was active before the call.
func (r *refreshTokens) RevokeFamilyTx(ctx context.Context, tx bun.IDB, familyID uuid.UUID, reason string, at time.Time) (bool, error) {
	res, err := tx.NewUpdate().Model((*RefreshTokenFamily)(nil)).
		Set("revoked_at = ?", at).
		Set("revoke_reason = ?", reason).
		Where("id = ?", familyID).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, wrapStoreError(err, "failed to revoke refresh token family")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapStoreError(err, "failed to read affected rows")
	}

	_, err = tx.NewUpdate().Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", at).
		Where("family_id = ?", familyID).
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return false, wrapStoreError(err, "failed to revoke family tokens")
	}

	return n > 0, nil
}

func (r *refreshTokens) ListActiveFamiliesTx(ctx context.Context, tx bun.IDB, identityID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := tx.NewSelect().Model((*RefreshTokenFamily)(nil)).
		Column("id").
		Where("?TableAlias.identity_id = ?", identityID).
		Where("?TableAlias.revoked_at IS NULL").
		Scan(ctx, &ids)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapStoreError(err, "failed to list refresh token families")
	}
	return ids, nil
}

func (r *refreshTokens) RevokeLegacyForIdentityTx(ctx context.Context, tx bun.IDB, identityID uuid.UUID, at time.Time) (int, error) {
	res, err := tx.NewUpdate().Model((*RefreshToken)(nil)).
		Set("revoked_at = ?", at).
		Where("identity_id = ?", identityID).
		Where("family_id IS NULL").
		Where("revoked_at IS NULL").
		Exec(ctx)
	if err != nil {
		return 0, wrapStoreError(err, "failed to revoke legacy refresh tokens")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapStoreError(err, "failed to read affected rows")
	}
	return int(n), nil
}
