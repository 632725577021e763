package db

import "time"

// TokenStatus is the lifecycle state of an approval token. A token moves from
// pending to exactly one terminal status, exactly once.
type TokenStatus string

const (
	TokenPending  TokenStatus = "pending"
	TokenApproved TokenStatus = "approved"
	TokenRejected TokenStatus = "rejected"
	TokenExpired  TokenStatus = "expired"
	TokenRevoked  TokenStatus = "revoked"
)

// Terminal reports whether the status is immutable.
func (s TokenStatus) Terminal() bool {
	return s != TokenPending
}

// DocumentStatus is the workflow state of a document.
type DocumentStatus string

const (
	DocumentDraft           DocumentStatus = "draft"
	DocumentPendingApproval DocumentStatus = "pending_approval"
	DocumentApproved        DocumentStatus = "approved"
	DocumentRejected        DocumentStatus = "rejected"
	DocumentArchived        DocumentStatus = "archived"
)

// DecisionOutcome is the approver's verdict extracted from a reply.
type DecisionOutcome string

const (
	OutcomeApprove DecisionOutcome = "approve"
	OutcomeReject  DecisionOutcome = "reject"
)

// TokenStatus maps the outcome to the terminal token status it produces.
func (o DecisionOutcome) TokenStatus() TokenStatus {
	if o == OutcomeReject {
		return TokenRejected
	}
	return TokenApproved
}

// DocumentStatus maps the outcome to the document status it produces.
func (o DecisionOutcome) DocumentStatus() DocumentStatus {
	if o == OutcomeReject {
		return DocumentRejected
	}
	return DocumentApproved
}

// ApprovalToken binds a document, an approver and a pending decision.
type ApprovalToken struct {
	ID              string
	DocumentID      int64
	ApproverEmail   string
	Status          TokenStatus
	SourceMessageID string
	IssuedAt        time.Time
	ExpiresAt       *time.Time
	ConsumedAt      *time.Time
}

// ExpiredAt reports whether the token's TTL has passed at the given instant.
// Expiry is evaluated lazily; rows are not swept eagerly.
func (t *ApprovalToken) ExpiredAt(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// Document is the subset of document state the approval workflow touches.
type Document struct {
	ID         int64
	Title      string
	Status     DocumentStatus
	AuthorID   int64
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Audit actions recorded by the workflow.
const (
	AuditActionApprovalRequested = "ApprovalRequested"
	AuditActionApprovalProcessed = "ApprovalProcessed"
	AuditActionApprovalRejected  = "ApprovalRejected"
	AuditActionApprovalRevoked   = "ApprovalRevoked"
	AuditActionApprovalCheck     = "ApprovalCheck"
	AuditActionError             = "Error"
)

// AuditEntry is one append-only audit trail row. DocumentID is nil for
// run-level entries such as poll cycle summaries.
type AuditEntry struct {
	ID         int64
	DocumentID *int64
	CreatedAt  time.Time
	Action     string
	Actor      string
	OldStatus  string
	NewStatus  string
	MessageID  string
	Details    string
}
