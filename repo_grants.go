package auth

import (
	"context"
	"database/sql"
	"errors"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/thejerf/abtime"
	"github.com/uptrace/bun"
)

// ErrRoleNotFound is returned when assigning an unknown role
var ErrRoleNotFound = goerrors.New("role not found", goerrors.CategoryNotFound).
	WithTextCode("ROLE_NOT_FOUND").
	WithCode(goerrors.CodeNotFound)

// Grants owns roles, permission keys and their assignments.
type Grants interface {
	CreateRoleTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error)
	CreatePermissionTx(ctx context.Context, tx bun.IDB, code, description string) (*Permission, error)
	GrantToRoleTx(ctx context.Context, tx bun.IDB, roleID uuid.UUID, codes ...string) error
	AssignRoleTx(ctx context.Context, tx bun.IDB, identity *Identity, roleID uuid.UUID) error
	RevokeRoleTx(ctx context.Context, tx bun.IDB, identityID, roleID uuid.UUID) error
	ResolveTx(ctx context.Context, tx bun.IDB, identityID uuid.UUID) (*ResolvedGrants, error)
}

// ResolvedGrants is the role and permission snapshot for one identity.
type ResolvedGrants struct {
	Roles       []string
	Permissions PermissionSet
}

type grants struct {
	db    *bun.DB
	clock abtime.AbstractTime
}

func NewGrantsRepository(db *bun.DB, clock abtime.AbstractTime) Grants {
	return &grants{db: db, clock: clockOrReal(clock)}
}

func (r *grants) CreateRoleTx(ctx context.Context, tx bun.IDB, role *Role) (*Role, error) {
	if !role.Class.IsValid() {
		return nil, ErrCrossScopeAssignment
	}
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = r.clock.Now().UTC()
	}
	if _, err := tx.NewInsert().Model(role).Exec(ctx); err != nil {
		return nil, wrapStoreError(err, "failed to create role")
	}
	return role, nil
}

// CreatePermissionTx validates code against the grant grammar and
// returns the existing row when the key is already known. Keys must start
// with a scope class.
func (r *grants) CreatePermissionTx(ctx context.Context, tx bun.IDB, code, description string) (*Permission, error) {
	code, err := ValidatePermissionKey(code)
	if err != nil {
		return nil, err
	}
	if _, ok := permissionScope(code); !ok {
		return nil, NewInvalidPermissionKeyError(code, "unknown scope")
	}

	existing := &Permission{}
	err = tx.NewSelect().Model(existing).Where("?TableAlias.code = ?", code).Limit(1).Scan(ctx)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapStoreError(err, "failed to load permission")
	}

	record := &Permission{
		ID:          uuid.New(),
		Code:        code,
		Description: description,
		CreatedAt:   r.clock.Now().UTC(),
	}
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, wrapStoreError(err, "failed to create permission")
	}
	return record, nil
}

// GrantToRoleTx attaches codes to the role. Every code must belong to the
// role's scope class, otherwise nothing is granted.
func (r *grants) GrantToRoleTx(ctx context.Context, tx bun.IDB, roleID uuid.UUID, codes ...string) error {
	role, err := r.findRoleTx(ctx, tx, roleID)
	if err != nil {
		return err
	}

	normalized := make([]string, 0, len(codes))
	for _, code := range codes {
		code, err := ValidatePermissionKey(code)
		if err != nil {
			return err
		}
		if err := EnsurePermissionScope(role.Class, code); err != nil {
			return err
		}
		normalized = append(normalized, code)
	}

	for _, code := range normalized {
		perm, err := r.CreatePermissionTx(ctx, tx, code, "")
		if err != nil {
			return err
		}
		link := &RolePermission{RoleID: roleID, PermissionID: perm.ID}
		if _, err := tx.NewInsert().Model(link).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
			return wrapStoreError(err, "failed to grant permission")
		}
	}
	return nil
}

// AssignRoleTx links a role to an identity of the same scope class.
func (r *grants) AssignRoleTx(ctx context.Context, tx bun.IDB, identity *Identity, roleID uuid.UUID) error {
	role, err := r.findRoleTx(ctx, tx, roleID)
	if err != nil {
		return err
	}

	if err := EnsureScopeMatch(role.Class, identity.Class); err != nil {
		return err
	}
	if role.TenantID != nil && !identity.BelongsTo(*role.TenantID) {
		return ErrCrossScopeAssignment
	}

	link := &IdentityRole{
		IdentityID: identity.ID,
		RoleID:     role.ID,
		CreatedAt:  r.clock.Now().UTC(),
	}
	if _, err := tx.NewInsert().Model(link).On("CONFLICT DO NOTHING").Exec(ctx); err != nil {
		return wrapStoreError(err, "failed to assign role")
	}
	return nil
}

// RevokeRoleTx removes the assignment. Revoking an absent assignment is not
// an error.
func (r *grants) RevokeRoleTx(ctx context.Context, tx bun.IDB, identityID, roleID uuid.UUID) error {
	_, err := tx.NewDelete().Model((*IdentityRole)(nil)).
		Where("identity_id = ?", identityID).
		Where("role_id = ?", roleID).
		Exec(ctx)
	return wrapStoreError(err, "failed to revoke role")
}

func (r *grants) findRoleTx(ctx context.Context, tx bun.IDB, roleID uuid.UUID) (*Role, error) {
	role := &Role{}
	err := tx.NewSelect().Model(role).Where("?TableAlias.id = ?", roleID).Limit(1).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRoleNotFound
		}
		return nil, wrapStoreError(err, "failed to load role")
	}
	return role, nil
}

func (r *grants) ResolveTx(ctx context.Context, tx bun.IDB, identityID uuid.UUID) (*ResolvedGrants, error) {
	var roles []Role
	err := tx.NewSelect().Model(&roles).
		Join(`JOIN "identity_roles" AS "idr" ON "idr"."role_id" = "rol"."id"`).
		Where(`"idr"."identity_id" = ?`, identityID).
		OrderExpr("?TableAlias.name ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapStoreError(err, "failed to load roles")
	}

	var codes []string
	err = tx.NewSelect().
		Model((*Permission)(nil)).
		ColumnExpr(`"prm"."code"`).
		Distinct().
		Join(`JOIN "role_permissions" AS "rlp" ON "rlp"."permission_id" = "prm"."id"`).
		Join(`JOIN "identity_roles" AS "idr" ON "idr"."role_id" = "rlp"."role_id"`).
		Where(`"idr"."identity_id" = ?`, identityID).
		Scan(ctx, &codes)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, wrapStoreError(err, "failed to load permissions")
	}

	resolved := &ResolvedGrants{
		Roles:       make([]string, 0, len(roles)),
		Permissions: NewPermissionSet(codes...),
	}
	for _, role := range roles {
		resolved.Roles = append(resolved.Roles, role.Name)
	}
	return resolved, nil
}
