package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// AuditLogs persists activity events as audit_logs rows.
type AuditLogs interface {
	ActivitySink
	ListForIdentity(ctx context.Context, identityID uuid.UUID, limit int) ([]AuditLog, error)
}

type auditLogs struct {
	db bun.IDB
}

var _ ActivitySink = (*auditLogs)(nil)

func NewAuditLogsRepository(db bun.IDB) AuditLogs {
	return &auditLogs{db: db}
}

// Record implements ActivitySink
func (r *auditLogs) Record(ctx context.Context, event ActivityEvent) error {
	row := &AuditLog{
		ID:           event.ID,
		Action:       string(event.EventType),
		TenantID:     parseOptionalUUID(event.TenantID),
		ActorID:      parseOptionalUUID(event.Actor.ID),
		ActingAsID:   parseOptionalUUID(event.ActingAsID),
		ResourceType: event.Resource.Type,
		ResourceID:   event.Resource.ID,
		Metadata:     event.Metadata,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		OccurredAt:   event.OccurredAt,
	}
	if row.ID == "" {
		row.ID = NewEventID(event.OccurredAt)
	}
	if row.ResourceType == "" && event.IdentityID != "" {
		row.ResourceType = "identity"
		row.ResourceID = event.IdentityID
	}

	_, err := r.db.NewInsert().Model(row).Exec(ctx)
	return wrapStoreError(err, "failed to write audit log")
}

// ListForIdentity returns the newest rows where identityID acted or was
// acted upon.
func (r *auditLogs) ListForIdentity(ctx context.Context, identityID uuid.UUID, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []AuditLog
	err := r.db.NewSelect().Model(&rows).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				WhereOr("?TableAlias.actor_id = ?", identityID).
				WhereOr("?TableAlias.acting_as_id = ?", identityID).
				WhereOr("?TableAlias.resource_id = ?", identityID.String())
		}).
		OrderExpr("?TableAlias.id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, wrapStoreError(err, "failed to list audit logs")
	}
	return rows, nil
}

func parseOptionalUUID(value string) *uuid.UUID {
	if value == "" {
		return nil
	}
	id, err := uuid.Parse(value)
	if err != nil || id == uuid.Nil {
		return nil
	}
	return &id
}
