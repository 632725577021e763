package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CreateDocument inserts a new draft document and returns it.
func (db *Database) CreateDocument(ctx context.Context, title string, authorID int64) (*Document, error) {
	doc, err := scanDocument(db.TimedQueryRow(ctx, "create_document", `
		INSERT INTO documents (title, author_id)
		VALUES ($1, $2)
		RETURNING id, title, status, author_id, created_at, modified_at
	`, title, authorID))
	if err != nil {
		return nil, fmt.Errorf("failed to create document: %w", err)
	}
	return doc, nil
}

// GetDocument loads a document by ID.
func (db *Database) GetDocument(ctx context.Context, documentID int64) (*Document, error) {
	doc, err := scanDocument(db.TimedQueryRow(ctx, "get_document", `
		SELECT id, title, status, author_id, created_at, modified_at
		FROM documents WHERE id = $1
	`, documentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return doc, nil
}

// TransitionDocument moves a document from an expected status to a new one.
// The conditional UPDATE is the optimistic-concurrency primitive: when the
// document is no longer in the expected status the call returns
// ErrDocumentConflict and nothing changes.
func (db *Database) TransitionDocument(ctx context.Context, documentID int64, from, to DocumentStatus) error {
	count, err := db.TimedExec(ctx, "transition_document", `
		UPDATE documents
		SET status = $3, modified_at = now()
		WHERE id = $1 AND status = $2
	`, documentID, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition document: %w", err)
	}
	if count == 0 {
		if _, lookupErr := db.GetDocument(ctx, documentID); lookupErr != nil {
			return lookupErr
		}
		return ErrDocumentConflict
	}
	return nil
}

// transitionDocumentTx is the in-transaction variant used by the decision
// apply path.
func transitionDocumentTx(ctx context.Context, tx pgx.Tx, documentID int64, from, to DocumentStatus) error {
	tag, err := tx.Exec(ctx, `
		UPDATE documents
		SET status = $3, modified_at = now()
		WHERE id = $1 AND status = $2
	`, documentID, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDocumentConflict
	}
	return nil
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	err := row.Scan(&d.ID, &d.Title, &d.Status, &d.AuthorID, &d.CreatedAt, &d.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
