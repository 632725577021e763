package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertAudit appends one audit trail row. The audit log is append-only; no
// code path updates or deletes individual rows.
func (db *Database) InsertAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := db.TimedExec(ctx, "insert_audit", `
		INSERT INTO audit_log (document_id, action, actor, old_status, new_status, message_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.DocumentID, entry.Action, entry.Actor, entry.OldStatus, entry.NewStatus, entry.MessageID, entry.Details)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

func insertAudit(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO audit_log (document_id, action, actor, old_status, new_status, message_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.DocumentID, entry.Action, entry.Actor, entry.OldStatus, entry.NewStatus, entry.MessageID, entry.Details)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// ListAuditByDocument returns audit rows for one document, newest first.
func (db *Database) ListAuditByDocument(ctx context.Context, documentID int64, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.TimedQuery(ctx, "list_audit", `
		SELECT id, document_id, created_at, action, actor, old_status, new_status, message_id, details
		FROM audit_log WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, documentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()
	return collectAudit(rows)
}

// ListRecentAudit returns the most recent audit rows across all documents,
// including run-level entries.
func (db *Database) ListRecentAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.TimedQuery(ctx, "list_recent_audit", `
		SELECT id, document_id, created_at, action, actor, old_status, new_status, message_id, details
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent audit entries: %w", err)
	}
	defer rows.Close()
	return collectAudit(rows)
}

// PruneAuditOlderThan removes audit rows older than the retention window.
// Only the retention worker calls this, and only when a window is configured.
func (db *Database) PruneAuditOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	count, err := db.TimedExec(ctx, "prune_audit", `
		DELETE FROM audit_log WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	return count, nil
}

func collectAudit(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.CreatedAt, &e.Action, &e.Actor,
			&e.OldStatus, &e.NewStatus, &e.MessageID, &e.Details); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
