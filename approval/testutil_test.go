package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/parchmint/countersign/db"
	"github.com/parchmint/countersign/mailbox"
)

// fakeStore is an in-memory Store with the same contention semantics as the
// real token store: conditional consumption, one pending token per document
// and approver, append-only audit.
type fakeStore struct {
	mu      sync.Mutex
	nextDoc int64
	docs    map[int64]*db.Document
	tokens  map[string]*db.ApprovalToken
	audit   []*db.AuditEntry

	applyErr map[string]error // per-token injected infrastructure failure
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:     make(map[int64]*db.Document),
		tokens:   make(map[string]*db.ApprovalToken),
		applyErr: make(map[string]error),
	}
}

func (s *fakeStore) addDocument(status db.DocumentStatus) *db.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDoc++
	doc := &db.Document{
		ID:       s.nextDoc,
		Title:    fmt.Sprintf("Document %d", s.nextDoc),
		Status:   status,
		AuthorID: 1,
	}
	s.docs[doc.ID] = doc
	return doc
}

func (s *fakeStore) addPendingToken(documentID int64, approver string) *db.ApprovalToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := &db.ApprovalToken{
		ID:            db.NewTokenID(),
		DocumentID:    documentID,
		ApproverEmail: approver,
		Status:        db.TokenPending,
		IssuedAt:      time.Now(),
	}
	s.tokens[token.ID] = token
	return token
}

func (s *fakeStore) ApplyDecision(ctx context.Context, tokenID string, outcome db.DecisionOutcome, messageID, actor string) (*db.ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.applyErr[tokenID]; err != nil {
		return nil, err
	}

	token, ok := s.tokens[tokenID]
	if !ok {
		return &db.ApplyResult{Status: db.ApplyTokenInvalid, Reason: "token not found"}, nil
	}
	if token.Status != db.TokenPending {
		return &db.ApplyResult{Status: db.ApplyAlreadyConsumed, Token: token}, nil
	}
	doc := s.docs[token.DocumentID]
	if doc == nil || doc.Status != db.DocumentPendingApproval {
		return &db.ApplyResult{Status: db.ApplyDocumentConflict, Token: token, Reason: "document is not awaiting approval"}, nil
	}

	old := doc.Status
	doc.Status = outcome.DocumentStatus()
	token.Status = outcome.TokenStatus()
	token.SourceMessageID = messageID
	now := time.Now()
	token.ConsumedAt = &now

	if actor == "" {
		actor = token.ApproverEmail
	}
	s.audit = append(s.audit, &db.AuditEntry{
		DocumentID: &token.DocumentID,
		Action:     db.AuditActionApprovalProcessed,
		Actor:      actor,
		OldStatus:  string(old),
		NewStatus:  string(doc.Status),
		MessageID:  messageID,
	})

	return &db.ApplyResult{
		Status:    db.ApplyApplied,
		Token:     token,
		OldStatus: old,
		NewStatus: doc.Status,
	}, nil
}

func (s *fakeStore) IssueToken(ctx context.Context, documentID int64, approverEmail string, ttl time.Duration) (*db.ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[documentID]; !ok {
		return nil, db.ErrDocumentNotFound
	}
	for _, t := range s.tokens {
		if t.DocumentID == documentID && t.ApproverEmail == approverEmail && t.Status == db.TokenPending {
			return nil, db.ErrTokenConflict
		}
	}

	token := &db.ApprovalToken{
		ID:            db.NewTokenID(),
		DocumentID:    documentID,
		ApproverEmail: approverEmail,
		Status:        db.TokenPending,
		IssuedAt:      time.Now(),
	}
	if ttl > 0 {
		expires := token.IssuedAt.Add(ttl)
		token.ExpiresAt = &expires
	}
	s.tokens[token.ID] = token
	return token, nil
}

func (s *fakeStore) GetToken(ctx context.Context, tokenID string) (*db.ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return nil, db.ErrTokenNotFound
	}
	return token, nil
}

func (s *fakeStore) RevokeToken(ctx context.Context, tokenID string, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[tokenID]
	if !ok {
		return db.ErrTokenNotFound
	}
	if token.Status != db.TokenPending {
		return db.ErrTokenAlreadyConsumed
	}
	token.Status = db.TokenRevoked
	s.audit = append(s.audit, &db.AuditEntry{
		DocumentID: &token.DocumentID,
		Action:     db.AuditActionApprovalRevoked,
		Actor:      actor,
	})
	return nil
}

func (s *fakeStore) GetDocument(ctx context.Context, documentID int64) (*db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return nil, db.ErrDocumentNotFound
	}
	c := *doc
	return &c, nil
}

func (s *fakeStore) TransitionDocument(ctx context.Context, documentID int64, from, to db.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return db.ErrDocumentNotFound
	}
	if doc.Status != from {
		return db.ErrDocumentConflict
	}
	doc.Status = to
	return nil
}

func (s *fakeStore) InsertAudit(ctx context.Context, entry *db.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
	return nil
}

func (s *fakeStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	actions := make([]string, 0, len(s.audit))
	for _, e := range s.audit {
		actions = append(actions, e.Action)
	}
	return actions
}

// fakeSession serves a fixed batch of messages and records seen flags.
type fakeSession struct {
	mu       sync.Mutex
	messages []mailbox.RawMessage
	seen     map[imap.UID]bool
	seenCtx  context.Context // last context passed to MarkSeen
	fetchErr error
	seenErr  error
	closed   bool
}

func newFakeSession(messages ...mailbox.RawMessage) *fakeSession {
	return &fakeSession{messages: messages, seen: make(map[imap.UID]bool)}
}

func (s *fakeSession) FetchUnseen(ctx context.Context) ([]mailbox.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var unseen []mailbox.RawMessage
	for _, m := range s.messages {
		if !s.seen[m.UID] {
			unseen = append(unseen, m)
		}
	}
	return unseen, nil
}

func (s *fakeSession) MarkSeen(ctx context.Context, uid imap.UID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenCtx = ctx
	if s.seenErr != nil {
		return s.seenErr
	}
	s.seen[uid] = true
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isSeen(uid imap.UID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[uid]
}

type fakeSource struct {
	session    *fakeSession
	connectErr error
}

func (f *fakeSource) Connect(ctx context.Context) (mailbox.Session, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.session, nil
}

// fakeSender records outbound mail instead of delivering it.
type fakeSender struct {
	mu      sync.Mutex
	sent    []sentMail
	sendErr error
}

type sentMail struct {
	from string
	to   string
	raw  []byte
}

func (f *fakeSender) Send(from, to string, messageBytes []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMail{from: from, to: to, raw: messageBytes})
	return nil
}

// replyMessage renders a minimal RFC822 approval reply.
func replyMessage(uid imap.UID, subject, body string) mailbox.RawMessage {
	raw := fmt.Sprintf(
		"From: reviewer@example.com\r\nTo: approvals@example.com\r\nSubject: %s\r\nMessage-ID: <reply-%d@example.com>\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		subject, uid, body)
	return mailbox.RawMessage{UID: uid, Subject: subject, Raw: []byte(raw)}
}
