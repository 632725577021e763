package approval

import (
	"context"

	"github.com/parchmint/countersign/db"
	"github.com/parchmint/countersign/logger"
	"github.com/parchmint/countersign/parser"
	"github.com/parchmint/countersign/pkg/metrics"
)

// Applier turns parsed decisions into document state.
type Applier interface {
	Apply(ctx context.Context, decision *parser.Decision, actor string) (*db.ApplyResult, error)
}

// StoreApplier applies decisions through the token store.
type StoreApplier struct {
	Store Store
}

// Apply consumes the decision's token and moves the document. Expected
// contention comes back in the result status; only infrastructure failures
// return an error, and those leave the token pending so redelivery retries.
func (a *StoreApplier) Apply(ctx context.Context, decision *parser.Decision, actor string) (*db.ApplyResult, error) {
	outcome := db.OutcomeApprove
	if decision.Outcome == parser.OutcomeReject {
		outcome = db.OutcomeReject
	}

	result, err := a.Store.ApplyDecision(ctx, decision.TokenID, outcome, decision.SourceMessageID, actor)
	if err != nil {
		metrics.DecisionsAppliedTotal.WithLabelValues("error").Inc()
		// Best effort; if the store is down this fails too and the poll
		// cycle's summary still records the error.
		if auditErr := a.Store.InsertAudit(ctx, &db.AuditEntry{
			Action:    db.AuditActionError,
			Actor:     actor,
			MessageID: decision.SourceMessageID,
			Details:   "failed to apply decision for token " + decision.TokenID + ": " + err.Error(),
		}); auditErr != nil {
			logger.Error("Failed to record decision error in audit log", "token_id", decision.TokenID, "error", auditErr)
		}
		return nil, err
	}

	metrics.DecisionsAppliedTotal.WithLabelValues(string(result.Status)).Inc()

	switch result.Status {
	case db.ApplyApplied:
		logger.Info("Decision applied",
			"token_id", decision.TokenID,
			"outcome", outcome,
			"document_id", result.Token.DocumentID,
			"old_status", result.OldStatus,
			"new_status", result.NewStatus)
	case db.ApplyAlreadyConsumed:
		logger.Debug("Decision replayed for consumed token", "token_id", decision.TokenID, "message_id", decision.SourceMessageID)
	default:
		logger.Warn("Decision could not be applied",
			"token_id", decision.TokenID,
			"status", result.Status,
			"reason", result.Reason)
	}

	return result, nil
}
