package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parchmint/countersign/config"
	"github.com/parchmint/countersign/db"
	"github.com/parchmint/countersign/helpers"
	"github.com/parchmint/countersign/logger"
	"github.com/parchmint/countersign/mailer"
	"github.com/parchmint/countersign/pkg/metrics"
)

// ErrDocumentNotRequestable is returned when approval is requested on a
// document that is neither draft nor already awaiting approval.
var ErrDocumentNotRequestable = errors.New("document cannot be sent for approval")

// Service issues approval requests and resolves tokens outside the mail
// flow. It is the write-side counterpart to the Engine's read loop.
type Service struct {
	Store    Store
	Sender   mailer.Sender
	SMTP     config.SMTPConfig
	TokenTTL time.Duration // zero disables expiry
}

func NewService(store Store, sender mailer.Sender, cfg *config.Config) (*Service, error) {
	ttl, err := cfg.Engine.GetTokenTTL()
	if err != nil {
		return nil, err
	}
	return &Service{
		Store:    store,
		Sender:   sender,
		SMTP:     cfg.SMTP,
		TokenTTL: ttl,
	}, nil
}

// RequestApproval issues a token for the approver, moves a draft document to
// pending_approval and emails the request. If the mail cannot be handed to
// the SMTP server the token is revoked again, so a failed request leaves no
// pending token behind.
//
// A second request for the same document and approver while a token is still
// pending fails with db.ErrTokenConflict.
func (s *Service) RequestApproval(ctx context.Context, documentID int64, approverEmail, requestedBy string) (*db.ApprovalToken, error) {
	approverEmail = helpers.NormalizeEmail(approverEmail)

	doc, err := s.Store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != db.DocumentDraft && doc.Status != db.DocumentPendingApproval {
		return nil, fmt.Errorf("%w: document %d is %s", ErrDocumentNotRequestable, documentID, doc.Status)
	}

	token, err := s.Store.IssueToken(ctx, documentID, approverEmail, s.TokenTTL)
	if err != nil {
		return nil, err
	}

	// Additional approvers can be added while the document is already
	// awaiting approval; only the first request moves it out of draft.
	if doc.Status == db.DocumentDraft {
		if err := s.Store.TransitionDocument(ctx, documentID, db.DocumentDraft, db.DocumentPendingApproval); err != nil {
			s.revokeAfterFailure(ctx, token.ID, requestedBy)
			return nil, err
		}
	}

	raw, messageID, err := mailer.Compose(mailer.ApprovalRequest{
		From:          s.SMTP.From,
		SenderName:    s.SMTP.SenderName,
		To:            approverEmail,
		Hostname:      s.SMTP.Host,
		DocumentTitle: doc.Title,
		RequestedBy:   requestedBy,
		TokenID:       token.ID,
		ExpiresAt:     token.ExpiresAt,
	})
	if err != nil {
		s.revokeAfterFailure(ctx, token.ID, requestedBy)
		return nil, fmt.Errorf("failed to compose approval request: %w", err)
	}

	if err := s.Sender.Send(s.SMTP.From, approverEmail, raw); err != nil {
		s.revokeAfterFailure(ctx, token.ID, requestedBy)
		return nil, fmt.Errorf("failed to send approval request: %w", err)
	}

	if err := s.Store.InsertAudit(ctx, &db.AuditEntry{
		DocumentID: &documentID,
		Action:     db.AuditActionApprovalRequested,
		Actor:      requestedBy,
		OldStatus:  string(doc.Status),
		NewStatus:  string(db.DocumentPendingApproval),
		MessageID:  messageID,
		Details:    fmt.Sprintf("token %s issued for %s", token.ID, approverEmail),
	}); err != nil {
		logger.Error("Failed to record approval request in audit log", "token_id", token.ID, "error", err)
	}

	logger.Info("Approval requested",
		"document_id", documentID,
		"approver", approverEmail,
		"token_id", token.ID)
	return token, nil
}

func (s *Service) revokeAfterFailure(ctx context.Context, tokenID, actor string) {
	if err := s.Store.RevokeToken(ctx, tokenID, actor); err != nil {
		logger.Error("Failed to revoke token after request failure", "token_id", tokenID, "error", err)
	}
}

// Resolve applies a decision for a token without a mail reply, for approvals
// given out of band. It goes through the same consumption path as mailed
// decisions, so the same at-most-once and audit guarantees hold.
func (s *Service) Resolve(ctx context.Context, tokenID string, outcome db.DecisionOutcome, actor string) (*db.ApplyResult, error) {
	result, err := s.Store.ApplyDecision(ctx, tokenID, outcome, "", actor)
	if err != nil {
		metrics.DecisionsAppliedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.DecisionsAppliedTotal.WithLabelValues(string(result.Status)).Inc()
	logger.Info("Token resolved manually",
		"token_id", tokenID,
		"outcome", outcome,
		"actor", actor,
		"status", result.Status)
	return result, nil
}

// Revoke withdraws a pending token so its reply can no longer take effect.
func (s *Service) Revoke(ctx context.Context, tokenID, actor string) error {
	if err := s.Store.RevokeToken(ctx, tokenID, actor); err != nil {
		return err
	}
	logger.Info("Token revoked", "token_id", tokenID, "actor", actor)
	return nil
}
