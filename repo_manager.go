package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/thejerf/abtime"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	DB() bun.IDB
	Tenants() Tenants
	Identities() Identities
	Grants() Grants
	RefreshTokens() RefreshTokens
	Impersonations() Impersonations
	AuditLogs() AuditLogs
}

type mngr struct {
	db             *bun.DB
	tenants        Tenants
	identities     Identities
	grants         Grants
	refreshTokens  RefreshTokens
	impersonations Impersonations
	auditLogs      AuditLogs
}

// RepositoryOption configures NewRepositoryManager
type RepositoryOption func(*repositoryConfig)

type repositoryConfig struct {
	clock abtime.AbstractTime
}

// WithRepositoryClock stamps created and updated rows from clock.
func WithRepositoryClock(clock abtime.AbstractTime) RepositoryOption {
	return func(c *repositoryConfig) {
		if clock != nil {
			c.clock = clock
		}
	}
}

func NewRepositoryManager(db *bun.DB, opts ...RepositoryOption) RepositoryManager {
	cfg := &repositoryConfig{clock: abtime.NewRealTime()}
	for _, opt := range opts {
		opt(cfg)
	}

	return &mngr{
		db:             db,
		tenants:        NewTenantsRepository(db, cfg.clock),
		identities:     NewIdentitiesRepository(db, cfg.clock),
		grants:         NewGrantsRepository(db, cfg.clock),
		refreshTokens:  NewRefreshTokensRepository(db),
		impersonations: NewImpersonationsRepository(db),
		auditLogs:      NewAuditLogsRepository(db),
	}
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("repository manager requires a database")
	}

	if m.identities == nil {
		return errors.New("repository identities should be initialized")
	}

	if m.grants == nil {
		return errors.New("repository grants should be initialized")
	}

	if m.refreshTokens == nil {
		return errors.New("repository refreshTokens should be initialized")
	}

	if m.impersonations == nil {
		return errors.New("repository impersonations should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

// RunInTx runs f in a transaction. Every store call inside f must use tx.
func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) DB() bun.IDB {
	return m.db
}

func (m mngr) Tenants() Tenants {
	return m.tenants
}

func (m mngr) Identities() Identities {
	return m.identities
}

func (m mngr) Grants() Grants {
	return m.grants
}

func (m mngr) RefreshTokens() RefreshTokens {
	return m.refreshTokens
}

func (m mngr) Impersonations() Impersonations {
	return m.impersonations
}

func (m mngr) AuditLogs() AuditLogs {
	return m.auditLogs
}

func clockOrReal(clock abtime.AbstractTime) abtime.AbstractTime {
	if clock == nil {
		return abtime.NewRealTime()
	}
	return clock
}
