package db

import (
	"context"
	"errors"
	"fmt"
)

// ApplyStatus classifies the outcome of applying one parsed decision.
// Expected contention (duplicate mail delivery, concurrent approvers) shows
// up here as result variants rather than errors.
type ApplyStatus string

const (
	ApplyApplied          ApplyStatus = "applied"
	ApplyAlreadyConsumed  ApplyStatus = "already_consumed"
	ApplyTokenInvalid     ApplyStatus = "token_invalid"
	ApplyDocumentConflict ApplyStatus = "document_conflict"
)

// ApplyResult describes what ApplyDecision did.
type ApplyResult struct {
	Status    ApplyStatus
	Token     *ApprovalToken
	OldStatus DocumentStatus
	NewStatus DocumentStatus
	Reason    string
}

// ApplyDecision is the sole mutation path from a decision to document state.
// In one transaction it consumes the token, moves the owning document from
// pending_approval to the outcome status and appends one audit row. Any
// failure rolls the whole unit back, leaving the token pending. An empty
// actor attributes the transition to the token's approver.
//
// The returned error is non-nil only for infrastructure failures; everything
// the workflow expects (duplicates, expiry, document races) is reported in
// ApplyResult.Status.
func (db *Database) ApplyDecision(ctx context.Context, tokenID string, outcome DecisionOutcome, messageID, actor string) (*ApplyResult, error) {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	token, err := db.consumeToken(ctx, tx, tokenID, outcome, messageID)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenAlreadyConsumed):
			return &ApplyResult{Status: ApplyAlreadyConsumed, Token: token}, nil
		case errors.Is(err, ErrTokenExpired):
			return &ApplyResult{Status: ApplyTokenInvalid, Token: token, Reason: "token expired"}, nil
		case errors.Is(err, ErrTokenNotFound):
			return &ApplyResult{Status: ApplyTokenInvalid, Reason: "token not found"}, nil
		default:
			return nil, err
		}
	}

	oldStatus := DocumentPendingApproval
	newStatus := outcome.DocumentStatus()

	if err := transitionDocumentTx(ctx, tx, token.DocumentID, oldStatus, newStatus); err != nil {
		if errors.Is(err, ErrDocumentConflict) {
			// Rolling back reverts the token to pending; the document was
			// mutated by another path and this decision no longer applies.
			return &ApplyResult{
				Status: ApplyDocumentConflict,
				Token:  token,
				Reason: "document is not awaiting approval",
			}, nil
		}
		return nil, err
	}

	action := AuditActionApprovalProcessed
	if outcome == OutcomeReject {
		action = AuditActionApprovalRejected
	}
	if actor == "" {
		actor = token.ApproverEmail
	}

	if err := insertAudit(ctx, tx, &AuditEntry{
		DocumentID: &token.DocumentID,
		Action:     action,
		Actor:      actor,
		OldStatus:  string(oldStatus),
		NewStatus:  string(newStatus),
		MessageID:  messageID,
		Details:    fmt.Sprintf("token %s consumed", token.ID),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}

	return &ApplyResult{
		Status:    ApplyApplied,
		Token:     token,
		OldStatus: oldStatus,
		NewStatus: newStatus,
	}, nil
}
