package auth

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
)

// ErrImpersonationNotFound is returned when a session id does not exist.
var ErrImpersonationNotFound = ErrImpersonationInvalidActor

// Impersonations is the store for impersonation sessions. At most one
// session per actor has a NULL ended_at, enforced by a partial unique index.
type Impersonations interface {
	CreateTx(ctx context.Context, tx bun.IDB, session *ImpersonationSession) error
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*ImpersonationSession, error)
	FindActiveForActorTx(ctx context.Context, tx bun.IDB, actorID uuid.UUID) (*ImpersonationSession, error)
	FindByFamilyTx(ctx context.Context, tx bun.IDB, familyID uuid.UUID) (*ImpersonationSession, error)
	LinkFamilyTx(ctx context.Context, tx bun.IDB, id, familyID uuid.UUID) error
	EndTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error
}

type impersonations struct {
	db *bun.DB
}

func NewImpersonationsRepository(db *bun.DB) Impersonations {
	return &impersonations{db: db}
}

func (r *impersonations) CreateTx(ctx context.Context, tx bun.IDB, session *ImpersonationSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	_, err := tx.NewInsert().Model(session).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrImpersonationAlreadyActive
		}
		return wrapStoreError(err, "failed to create impersonation session")
	}
	return nil
}

func (r *impersonations) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*ImpersonationSession, error) {
	return r.findOne(ctx, tx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.id = ?", id)
	})
}

// FindActiveForActorTx returns nil, nil when the actor has no open session.
func (r *impersonations) FindActiveForActorTx(ctx context.Context, tx bun.IDB, actorID uuid.UUID) (*ImpersonationSession, error) {
	session, err := r.findOne(ctx, tx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.
			Where("?TableAlias.actor_id = ?", actorID).
			Where("?TableAlias.ended_at IS NULL")
	})
	if errors.Is(err, ErrImpersonationNotFound) {
		return nil, nil
	}
	return session, err
}

// FindByFamilyTx returns the session that owns familyID, nil, nil when the
// family is not an impersonation family.
func (r *impersonations) FindByFamilyTx(ctx context.Context, tx bun.IDB, familyID uuid.UUID) (*ImpersonationSession, error) {
	session, err := r.findOne(ctx, tx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("?TableAlias.refresh_family_id = ?", familyID)
	})
	if errors.Is(err, ErrImpersonationNotFound) {
		return nil, nil
	}
	return session, err
}

func (r *impersonations) LinkFamilyTx(ctx context.Context, tx bun.IDB, id, familyID uuid.UUID) error {
	res, err := tx.NewUpdate().Model((*ImpersonationSession)(nil)).
		Set("refresh_family_id = ?", familyID).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return wrapStoreError(err, "failed to link impersonation family")
	}
	return requireAffected(res, ErrImpersonationNotFound)
}

// EndTx closes an open session. Ending a closed session returns
// ErrImpersonationEnded.
func (r *impersonations) EndTx(ctx context.Context, tx bun.IDB, id uuid.UUID, at time.Time) error {
	res, err := tx.NewUpdate().Model((*ImpersonationSession)(nil)).
		Set("ended_at = ?", at).
		Where("id = ?", id).
		Where("ended_at IS NULL").
		Exec(ctx)
	if err != nil {
		return wrapStoreError(err, "failed to end impersonation session")
	}
	return requireAffected(res, ErrImpersonationEnded)
}

func (r *impersonations) findOne(ctx context.Context, tx bun.IDB, where func(*bun.SelectQuery) *bun.SelectQuery) (*ImpersonationSession, error) {
	session := &ImpersonationSession{}
	err := where(tx.NewSelect().Model(session)).
		OrderExpr("?TableAlias.started_at DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrImpersonationNotFound
		}
		return nil, wrapStoreError(err, "failed to load impersonation session")
	}
	return session, nil
}

// isUniqueViolation recognizes unique index conflicts from postgres and
// sqlite.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
