package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/papertrader/internal/domain"
)

// AuditStore records engine mutations and reconciliation actions per user.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates an AuditStore over pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one entry. A nil detail is stored as SQL NULL.
func (s *AuditStore) Log(ctx context.Context, userID, event string, detail map[string]any) error {
	var raw []byte
	if detail != nil {
		var err error
		if raw, err = json.Marshal(detail); err != nil {
			return fmt.Errorf("postgres: audit %s: encode detail: %w", event, err)
		}
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (user_id, event, detail) VALUES ($1, $2, $3)`,
		userID, event, raw,
	); err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns userID's entries, newest first.
func (s *AuditStore) List(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var q listQuery
	q.cond("user_id = %s", userID)
	q.timeRange("created_at", opts)
	query := q.build("SELECT id, user_id, event, detail, created_at FROM audit_log",
		"created_at DESC, id DESC", opts)

	rows, err := s.pool.Query(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var e domain.AuditEntry
	var raw []byte
	if err := row.Scan(&e.ID, &e.UserID, &e.Event, &raw, &e.CreatedAt); err != nil {
		return e, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Detail); err != nil {
			return e, fmt.Errorf("decode detail of entry %d: %w", e.ID, err)
		}
	}
	return e, nil
}
