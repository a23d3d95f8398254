package auth

import (
	"context"

	"github.com/uptrace/bun"
)

var schemaModels = []any{
	(*Tenant)(nil),
	(*Identity)(nil),
	(*Role)(nil),
	(*Permission)(nil),
	(*RolePermission)(nil),
	(*IdentityRole)(nil),
	(*RefreshTokenFamily)(nil),
	(*RefreshToken)(nil),
	(*ImpersonationSession)(nil),
	(*AuditLog)(nil),
}

var schemaIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS "impersonation_sessions_one_active_idx"
		ON "impersonation_sessions" ("actor_id") WHERE "ended_at" IS NULL`,
	`CREATE INDEX IF NOT EXISTS "refresh_tokens_family_idx" ON "refresh_tokens" ("family_id")`,
	`CREATE INDEX IF NOT EXISTS "refresh_tokens_identity_idx" ON "refresh_tokens" ("identity_id")`,
	`CREATE INDEX IF NOT EXISTS "refresh_token_families_identity_idx" ON "refresh_token_families" ("identity_id")`,
	`CREATE UNIQUE INDEX IF NOT EXISTS "roles_tenant_name_idx" ON "roles" ("tenant_id", "name")`,
}

// CreateSchema creates the tables and indexes owned by this module. It is a
// development and test helper, production schemas are managed by migrations.
func CreateSchema(ctx context.Context, db bun.IDB) error {
	for _, model := range schemaModels {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return wrapStoreError(err, "failed to create table")
		}
	}

	for _, stmt := range schemaIndexes {
		if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
			return wrapStoreError(err, "failed to create index")
		}
	}

	return nil
}
