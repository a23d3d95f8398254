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

// ErrTenantNotFound is returned for unknown or inactive tenants
var ErrTenantNotFound = goerrors.New("tenant not found", goerrors.CategoryNotFound).
	WithTextCode("TENANT_NOT_FOUND").
	WithCode(goerrors.CodeNotFound)

type Tenants interface {
	CreateTx(ctx context.Context, tx bun.IDB, tenant *Tenant) (*Tenant, error)
	FindActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Tenant, error)
}

type tenants struct {
	db    *bun.DB
	clock abtime.AbstractTime
}

// NewTenantsRepository uses the real clock when clock is nil.
func NewTenantsRepository(db *bun.DB, clock abtime.AbstractTime) Tenants {
	return &tenants{db: db, clock: clockOrReal(clock)}
}

func (r *tenants) CreateTx(ctx context.Context, tx bun.IDB, tenant *Tenant) (*Tenant, error) {
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = r.clock.Now().UTC()
	}
	if _, err := tx.NewInsert().Model(tenant).Exec(ctx); err != nil {
		return nil, wrapStoreError(err, "failed to create tenant")
	}
	return tenant, nil
}

func (r *tenants) FindActiveTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Tenant, error) {
	record := &Tenant{}
	err := tx.NewSelect().Model(record).
		Where("?TableAlias.id = ?", id).
		Where("?TableAlias.active = ?", true).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, wrapStoreError(err, "failed to load tenant")
	}
	return record, nil
}
