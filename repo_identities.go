package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/thejerf/abtime"
	"github.com/uptrace/bun"
)

type Identities interface {
	repository.Repository[*Identity]

	Register(ctx context.Context, record *Identity) (*Identity, error)
	RegisterTx(ctx context.Context, tx bun.IDB, record *Identity) (*Identity, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Identity, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Identity, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Identity, error)
	SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string, mustReset bool) error
	TrackLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
	SetActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, active bool) error
	FindFirstActiveWithRoleTx(ctx context.Context, tx bun.IDB, tenantID uuid.UUID, roleName string) (*Identity, error)
	FindEarliestActiveTx(ctx context.Context, tx bun.IDB, tenantID uuid.UUID) (*Identity, error)
}

type identities struct {
	repository.Repository[*Identity]
	db    *bun.DB
	clock abtime.AbstractTime
}

var (
	_ Identities                       = (*identities)(nil)
	_ repository.Repository[*Identity] = (*identities)(nil)
)

func NewIdentitiesRepository(db *bun.DB, clock abtime.AbstractTime) Identities {
	repo := repository.NewRepository[*Identity](db, repository.ModelHandlers[*Identity]{
		NewRecord: func() *Identity { return &Identity{} },
		GetID: func(i *Identity) uuid.UUID {
			if i == nil {
				return uuid.Nil
			}
			return i.ID
		},
		SetID: func(i *Identity, id uuid.UUID) {
			if i != nil {
				i.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	return &identities{
		Repository: repo,
		db:         db,
		clock:      clockOrReal(clock),
	}
}

// NormalizeIdentifier lowercases and validates a login identifier.
func NormalizeIdentifier(identifier string) (string, error) {
	identifier = strings.ToLower(strings.TrimSpace(identifier))
	if identifier == "" {
		return "", ErrInvalidIdentifier
	}
	addr, err := mail.ParseAddress(identifier)
	if err != nil || addr.Address != identifier {
		return "", ErrInvalidIdentifier
	}
	return identifier, nil
}

func (a *identities) Register(ctx context.Context, record *Identity) (*Identity, error) {
	return a.RegisterTx(ctx, a.db, record)
}

func (a *identities) RegisterTx(ctx context.Context, tx bun.IDB, record *Identity) (*Identity, error) {
	email, err := NormalizeIdentifier(record.Email)
	if err != nil {
		return nil, err
	}
	record.Email = email

	if !record.Class.IsValid() {
		record.Class = IdentityClassTenant
	}
	if record.Class == IdentityClassTenant && (record.TenantID == nil || *record.TenantID == uuid.Nil) {
		return nil, ErrCrossScopeAssignment
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	now := a.clock.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.CreatedAt
	}

	return a.Repository.CreateTx(ctx, tx, record)
}

func (a *identities) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*Identity, error) {
	return a.GetByIdentifierTx(ctx, a.db, identifier, criteria...)
}

// GetByIdentifierTx accepts either an id or an email address.
func (a *identities) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (*Identity, error) {
	identifier = strings.TrimSpace(identifier)

	column, value := "email", strings.ToLower(identifier)
	if id, err := uuid.Parse(identifier); err == nil {
		column, value = "id", id.String()
	}

	record := &Identity{}
	q := tx.NewSelect().Model(record)
	for _, c := range criteria {
		q.Apply(c)
	}

	err := q.Where(fmt.Sprintf("?TableAlias.%s = ?", column), value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"identifier": identifier,
				})
		}
		return nil, err
	}

	return record, nil
}

func (a *identities) FindByID(ctx context.Context, id uuid.UUID) (*Identity, error) {
	return a.FindByIDTx(ctx, a.db, id)
}

func (a *identities) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Identity, error) {
	record := &Identity{}
	err := tx.NewSelect().Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, wrapStoreError(err, "failed to load identity")
	}
	return record, nil
}

func (a *identities) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Identity, error) {
	email, err := NormalizeIdentifier(email)
	if err != nil {
		return nil, err
	}

	record := &Identity{}
	err = tx.NewSelect().Model(record).
		Where("?TableAlias.email = ?", email).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, wrapStoreError(err, "failed to load identity")
	}
	return record, nil
}

func (a *identities) SetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string, mustReset bool) error {
	res, err := tx.NewUpdate().Model((*Identity)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("must_reset = ?", mustReset).
		Set("updated_at = ?", a.clock.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return wrapStoreError(err, "failed to update password")
	}
	return requireAffected(res, ErrIdentityNotFound)
}

func (a *identities) TrackLoginTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	_, err := tx.NewUpdate().Model((*Identity)(nil)).
		Set("loggedin_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)
	return wrapStoreError(err, "failed to track login")
}

func (a *identities) SetActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID, active bool) error {
	res, err := tx.NewUpdate().Model((*Identity)(nil)).
		Set("active = ?", active).
		Set("updated_at = ?", a.clock.Now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return wrapStoreError(err, "failed to update identity status")
	}
	return requireAffected(res, ErrIdentityNotFound)
}

// FindFirstActiveWithRoleTx returns the earliest created active tenant
// identity holding roleName in tenantID.
func (a *identities) FindFirstActiveWithRoleTx(ctx context.Context, tx bun.IDB, tenantID uuid.UUID, roleName string) (*Identity, error) {
	record := &Identity{}
	err := tx.NewSelect().Model(record).
		Join(`JOIN "identity_roles" AS "idr" ON "idr"."identity_id" = "idn"."id"`).
		Join(`JOIN "roles" AS "rol" ON "rol"."id" = "idr"."role_id"`).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.active = ?", true).
		Where("?TableAlias.identity_class = ?", IdentityClassTenant).
		Where(`"rol"."name" = ?`, roleName).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, wrapStoreError(err, "failed to find role holder")
	}
	return record, nil
}

func (a *identities) FindEarliestActiveTx(ctx context.Context, tx bun.IDB, tenantID uuid.UUID) (*Identity, error) {
	record := &Identity{}
	err := tx.NewSelect().Model(record).
		Where("?TableAlias.tenant_id = ?", tenantID).
		Where("?TableAlias.active = ?", true).
		Where("?TableAlias.identity_class = ?", IdentityClassTenant).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIdentityNotFound
		}
		return nil, wrapStoreError(err, "failed to find tenant identity")
	}
	return record, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStoreError(err, "failed to read affected rows")
	}
	if n == 0 {
		return notFound
	}
	return nil
}
