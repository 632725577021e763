package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/parchmint/countersign/approval"
	"github.com/parchmint/countersign/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-api-key"

type fakeChecker struct {
	summary *approval.RunSummary
	err     error
}

func (f *fakeChecker) RunCheck(ctx context.Context) (*approval.RunSummary, error) {
	return f.summary, f.err
}

type fakeRequester struct {
	token      *db.ApprovalToken
	requestErr error
	result     *db.ApplyResult
	resolveErr error
	revokeErr  error
}

func (f *fakeRequester) RequestApproval(ctx context.Context, documentID int64, approverEmail, requestedBy string) (*db.ApprovalToken, error) {
	return f.token, f.requestErr
}

func (f *fakeRequester) Resolve(ctx context.Context, tokenID string, outcome db.DecisionOutcome, actor string) (*db.ApplyResult, error) {
	return f.result, f.resolveErr
}

func (f *fakeRequester) Revoke(ctx context.Context, tokenID, actor string) error {
	return f.revokeErr
}

type fakeAPIStore struct {
	doc    *db.Document
	docErr error
	token  *db.ApprovalToken
	audit  []*db.AuditEntry
}

func (f *fakeAPIStore) CreateDocument(ctx context.Context, title string, authorID int64) (*db.Document, error) {
	return &db.Document{ID: 1, Title: title, Status: db.DocumentDraft, AuthorID: authorID}, nil
}

func (f *fakeAPIStore) GetDocument(ctx context.Context, documentID int64) (*db.Document, error) {
	if f.docErr != nil {
		return nil, f.docErr
	}
	return f.doc, nil
}

func (f *fakeAPIStore) GetToken(ctx context.Context, tokenID string) (*db.ApprovalToken, error) {
	if f.token == nil {
		return nil, db.ErrTokenNotFound
	}
	return f.token, nil
}

func (f *fakeAPIStore) GetTokensByDocument(ctx context.Context, documentID int64) ([]*db.ApprovalToken, error) {
	if f.token == nil {
		return nil, nil
	}
	return []*db.ApprovalToken{f.token}, nil
}

func (f *fakeAPIStore) ListAuditByDocument(ctx context.Context, documentID int64, limit, offset int) ([]*db.AuditEntry, error) {
	return f.audit, nil
}

func (f *fakeAPIStore) ListRecentAudit(ctx context.Context, limit int) ([]*db.AuditEntry, error) {
	return f.audit, nil
}

func newTestServer(t *testing.T, checker Checker, requester Requester, store Store) *Server {
	t.Helper()
	s, err := New(checker, requester, store, ServerOptions{Addr: ":0", APIKey: testAPIKey})
	require.NoError(t, err)
	return s
}

func doRequest(s *Server, method, path string, body any, authorized bool) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(&fakeChecker{}, &fakeRequester{}, &fakeAPIStore{}, ServerOptions{Addr: ":0"})
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t, &fakeChecker{summary: &approval.RunSummary{}}, &fakeRequester{}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/approvals/check", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("POST", "/api/v1/approvals/check", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec = httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRunCheckEndpoint(t *testing.T) {
	summary := &approval.RunSummary{Messages: 3, Applied: 2, Ignored: 1}
	s := newTestServer(t, &fakeChecker{summary: summary}, &fakeRequester{}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/approvals/check", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got approval.RunSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Applied)
}

func TestRunCheckEndpointBusy(t *testing.T) {
	s := newTestServer(t, &fakeChecker{err: approval.ErrCheckAlreadyRunning}, &fakeRequester{}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/approvals/check", nil, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateDocument(t *testing.T) {
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/documents", CreateDocumentRequest{Title: "Budget Q3", AuthorID: 7}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var got DocumentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Budget Q3", got.Title)
	assert.Equal(t, "draft", got.Status)

	rec = doRequest(s, "POST", "/api/v1/documents", CreateDocumentRequest{}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetDocumentWithTokens(t *testing.T) {
	now := time.Now()
	store := &fakeAPIStore{
		doc: &db.Document{ID: 5, Title: "Policy", Status: db.DocumentPendingApproval},
		token: &db.ApprovalToken{
			ID:            "CS-11111111-2222-3333-4444-555555555555",
			DocumentID:    5,
			ApproverEmail: "reviewer@example.com",
			Status:        db.TokenPending,
			IssuedAt:      now,
		},
	}
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{}, store)

	rec := doRequest(s, "GET", "/api/v1/documents/5", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got DocumentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "pending_approval", got.Status)
	require.Len(t, got.Tokens, 1)
	assert.Equal(t, "reviewer@example.com", got.Tokens[0].ApproverEmail)
}

func TestGetDocumentNotFound(t *testing.T) {
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{}, &fakeAPIStore{docErr: db.ErrDocumentNotFound})

	rec := doRequest(s, "GET", "/api/v1/documents/999", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(s, "GET", "/api/v1/documents/not-a-number", nil, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequestApprovalEndpoint(t *testing.T) {
	token := &db.ApprovalToken{
		ID:            "CS-11111111-2222-3333-4444-555555555555",
		DocumentID:    5,
		ApproverEmail: "reviewer@example.com",
		Status:        db.TokenPending,
	}
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{token: token}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/documents/5/request",
		RequestApprovalRequest{ApproverEmail: "reviewer@example.com", RequestedBy: "author@example.com"}, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var got TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, token.ID, got.ID)
}

func TestRequestApprovalConflict(t *testing.T) {
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{requestErr: db.ErrTokenConflict}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/documents/5/request",
		RequestApprovalRequest{ApproverEmail: "reviewer@example.com"}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRequestApprovalNotRequestable(t *testing.T) {
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{requestErr: approval.ErrDocumentNotRequestable}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/documents/5/request",
		RequestApprovalRequest{ApproverEmail: "reviewer@example.com"}, true)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestResolveTokenEndpoint(t *testing.T) {
	result := &db.ApplyResult{
		Status:    db.ApplyApplied,
		Token:     &db.ApprovalToken{ID: "CS-11111111-2222-3333-4444-555555555555"},
		OldStatus: db.DocumentPendingApproval,
		NewStatus: db.DocumentApproved,
	}
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{result: result}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/tokens/CS-11111111-2222-3333-4444-555555555555/resolve",
		ResolveTokenRequest{Outcome: "approve", Actor: "admin@example.com"}, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got ApplyResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "applied", got.Status)
	assert.Equal(t, "approved", got.NewStatus)
}

func TestResolveTokenValidation(t *testing.T) {
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/tokens/CS-1/resolve",
		ResolveTokenRequest{Outcome: "maybe", Actor: "admin@example.com"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(s, "POST", "/api/v1/tokens/CS-1/resolve",
		ResolveTokenRequest{Outcome: "approve"}, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRevokeTokenEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{}, &fakeAPIStore{})

	rec := doRequest(s, "POST", "/api/v1/tokens/CS-1/revoke", RevokeTokenRequest{Actor: "admin@example.com"}, true)
	assert.Equal(t, http.StatusOK, rec.Code)

	s = newTestServer(t, &fakeChecker{}, &fakeRequester{revokeErr: db.ErrTokenAlreadyConsumed}, &fakeAPIStore{})
	rec = doRequest(s, "POST", "/api/v1/tokens/CS-1/revoke", RevokeTokenRequest{Actor: "admin@example.com"}, true)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuditEndpoints(t *testing.T) {
	docID := int64(5)
	store := &fakeAPIStore{
		audit: []*db.AuditEntry{
			{ID: 1, DocumentID: &docID, Action: db.AuditActionApprovalRequested, Actor: "author@example.com"},
			{ID: 2, Action: db.AuditActionApprovalCheck, Actor: "system"},
		},
	}
	s := newTestServer(t, &fakeChecker{}, &fakeRequester{}, store)

	rec := doRequest(s, "GET", "/api/v1/documents/5/audit?limit=10", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	var got []AuditEntryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got, 2)

	rec = doRequest(s, "GET", "/api/v1/audit", nil, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}
