// Package audit provides Postgres and in-memory implementations of the
// append-only audit log.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	auditdomain "orchard/internal/domain/audit"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const auditTable = "audit_events"

// PostgresStore implements auditdomain.Store backed by Postgres. Rows are
// insert-only; nothing updates or deletes them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ auditdomain.Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed audit store sharing the task
// store's pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the audit table and its query indexes.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + auditTable + ` (
    id          UUID PRIMARY KEY,
    kind        TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    user_hash   TEXT,
    tenant      TEXT,
    at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    metadata    JSONB
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_resource ON ` + auditTable + ` (resource_id, at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON ` + auditTable + ` (user_hash, at) WHERE user_hash IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_audit_tenant ON ` + auditTable + ` (tenant, at) WHERE tenant IS NOT NULL`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure audit schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, event auditdomain.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	var metaJSON []byte
	if len(event.Metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO `+auditTable+` (id, kind, resource_id, user_hash, tenant, at, metadata)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)`,
		event.ID, string(event.Kind), event.ResourceID, event.UserHash, event.Tenant, event.At, metaJSON)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByResource(ctx context.Context, resourceID string) ([]auditdomain.Event, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, kind, resource_id, COALESCE(user_hash, ''), COALESCE(tenant, ''), at, metadata
FROM `+auditTable+` WHERE resource_id = $1 ORDER BY at ASC, id ASC`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []auditdomain.Event
	for rows.Next() {
		var ev auditdomain.Event
		var kind string
		var metaJSON []byte
		if err := rows.Scan(&ev.ID, &kind, &ev.ResourceID, &ev.UserHash, &ev.Tenant, &ev.At, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.Kind = auditdomain.EventKind(kind)
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &ev.Metadata)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
