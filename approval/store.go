// Package approval runs the document approval workflow: it issues approval
// requests, polls the mailbox for replies and applies the decisions they
// carry to document state.
package approval

import (
	"context"
	"time"

	"github.com/parchmint/countersign/db"
)

// Store is the persistence contract the workflow depends on. *db.Database
// satisfies it; tests substitute a fake.
type Store interface {
	ApplyDecision(ctx context.Context, tokenID string, outcome db.DecisionOutcome, messageID, actor string) (*db.ApplyResult, error)
	IssueToken(ctx context.Context, documentID int64, approverEmail string, ttl time.Duration) (*db.ApprovalToken, error)
	GetToken(ctx context.Context, tokenID string) (*db.ApprovalToken, error)
	RevokeToken(ctx context.Context, tokenID string, actor string) error
	GetDocument(ctx context.Context, documentID int64) (*db.Document, error)
	TransitionDocument(ctx context.Context, documentID int64, from, to db.DocumentStatus) error
	InsertAudit(ctx context.Context, entry *db.AuditEntry) error
}
