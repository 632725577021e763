package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/parchmint/countersign/helpers"
	"github.com/parchmint/countersign/pkg/metrics"
)

const pgUniqueViolation = "23505"

// NewTokenID generates an opaque token identifier. The CS- prefix makes the
// reference recognizable inside reply subjects and bodies.
func NewTokenID() string {
	return "CS-" + uuid.NewString()
}

// IssueToken creates a pending approval token for the given document and
// approver. It returns ErrTokenConflict when a pending token already exists
// for the pair; the partial unique index makes this race-safe. A zero ttl
// issues a token without expiry.
func (db *Database) IssueToken(ctx context.Context, documentID int64, approverEmail string, ttl time.Duration) (*ApprovalToken, error) {
	token := &ApprovalToken{
		ID:            NewTokenID(),
		DocumentID:    documentID,
		ApproverEmail: helpers.NormalizeEmail(approverEmail),
		Status:        TokenPending,
		IssuedAt:      time.Now(),
	}
	if ttl > 0 {
		expires := token.IssuedAt.Add(ttl)
		token.ExpiresAt = &expires
	}

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO approval_tokens (id, document_id, approver_email, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, token.ID, token.DocumentID, token.ApproverEmail, token.Status, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrTokenConflict
		}
		return nil, fmt.Errorf("failed to insert approval token: %w", err)
	}

	metrics.TokensIssuedTotal.Inc()
	return token, nil
}

// GetToken looks up a token by ID. A pending token past its TTL is reported
// with status expired; the row itself is left for the retention sweep.
func (db *Database) GetToken(ctx context.Context, tokenID string) (*ApprovalToken, error) {
	token, err := scanToken(db.TimedQueryRow(ctx, "get_token", `
		SELECT id, document_id, approver_email, status, COALESCE(source_message_id, ''), issued_at, expires_at, consumed_at
		FROM approval_tokens WHERE id = $1
	`, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to load approval token: %w", err)
	}

	if token.Status == TokenPending && token.ExpiredAt(time.Now()) {
		token.Status = TokenExpired
	}
	return token, nil
}

// GetTokensByDocument returns all tokens ever issued for a document, newest first.
func (db *Database) GetTokensByDocument(ctx context.Context, documentID int64) ([]*ApprovalToken, error) {
	rows, err := db.TimedQuery(ctx, "list_tokens", `
		SELECT id, document_id, approver_email, status, COALESCE(source_message_id, ''), issued_at, expires_at, consumed_at
		FROM approval_tokens WHERE document_id = $1
		ORDER BY issued_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval tokens: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var tokens []*ApprovalToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		if token.Status == TokenPending && token.ExpiredAt(now) {
			token.Status = TokenExpired
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// consumeToken atomically moves a pending, unexpired token to the terminal
// status for the outcome. Exactly one concurrent caller wins; the conditional
// UPDATE is the arbiter. On zero rows affected the token is re-read to
// classify the loss as already-consumed, expired or not-found.
func (db *Database) consumeToken(ctx context.Context, tx pgx.Tx, tokenID string, outcome DecisionOutcome, messageID string) (*ApprovalToken, error) {
	token, err := scanToken(tx.QueryRow(ctx, `
		UPDATE approval_tokens
		SET status = $2, source_message_id = $3, consumed_at = now()
		WHERE id = $1
		  AND status = 'pending'
		  AND (expires_at IS NULL OR expires_at > now())
		RETURNING id, document_id, approver_email, status, COALESCE(source_message_id, ''), issued_at, expires_at, consumed_at
	`, tokenID, outcome.TokenStatus(), messageID))
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to consume approval token: %w", err)
	}

	existing, err := scanToken(tx.QueryRow(ctx, `
		SELECT id, document_id, approver_email, status, COALESCE(source_message_id, ''), issued_at, expires_at, consumed_at
		FROM approval_tokens WHERE id = $1
	`, tokenID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to re-read approval token: %w", err)
	}

	switch {
	case existing.Status == TokenPending && existing.ExpiredAt(time.Now()):
		return existing, ErrTokenExpired
	case existing.Status == TokenExpired:
		return existing, ErrTokenExpired
	default:
		return existing, ErrTokenAlreadyConsumed
	}
}

// RevokeToken cancels a pending token, freeing the (document, approver) slot
// for a re-issue. Terminal tokens cannot be revoked.
func (db *Database) RevokeToken(ctx context.Context, tokenID string, actor string) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var documentID int64
	err = tx.QueryRow(ctx, `
		UPDATE approval_tokens
		SET status = 'revoked', consumed_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING document_id
	`, tokenID).Scan(&documentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			token, lookupErr := db.GetToken(ctx, tokenID)
			if lookupErr != nil {
				return lookupErr
			}
			if token.Status.Terminal() {
				return ErrTokenAlreadyConsumed
			}
			return fmt.Errorf("failed to revoke approval token %s", tokenID)
		}
		return fmt.Errorf("failed to revoke approval token: %w", err)
	}

	if err := insertAudit(ctx, tx, &AuditEntry{
		DocumentID: &documentID,
		Action:     AuditActionApprovalRevoked,
		Actor:      actor,
		Details:    fmt.Sprintf("token %s revoked", tokenID),
	}); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ExpireStaleTokens marks pending tokens whose TTL passed before the cutoff
// as expired. Lookup already reports these as expired; the sweep only
// persists the status so stale rows do not accumulate as pending.
func (db *Database) ExpireStaleTokens(ctx context.Context) (int64, error) {
	count, err := db.TimedExec(ctx, "expire_stale_tokens", `
		UPDATE approval_tokens
		SET status = 'expired'
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < now()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale tokens: %w", err)
	}
	if count > 0 {
		metrics.TokensExpiredTotal.Add(float64(count))
	}
	return count, nil
}

func scanToken(row pgx.Row) (*ApprovalToken, error) {
	var t ApprovalToken
	err := row.Scan(&t.ID, &t.DocumentID, &t.ApproverEmail, &t.Status, &t.SourceMessageID,
		&t.IssuedAt, &t.ExpiresAt, &t.ConsumedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
