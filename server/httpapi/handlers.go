package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/parchmint/countersign/approval"
	"github.com/parchmint/countersign/db"
)

// Request/Response types

type CreateDocumentRequest struct {
	Title    string `json:"title"`
	AuthorID int64  `json:"author_id"`
}

type RequestApprovalRequest struct {
	ApproverEmail string `json:"approver_email"`
	RequestedBy   string `json:"requested_by"`
}

type ResolveTokenRequest struct {
	Outcome string `json:"outcome"` // "approve" or "reject"
	Actor   string `json:"actor"`
}

type RevokeTokenRequest struct {
	Actor string `json:"actor"`
}

type DocumentResponse struct {
	ID         int64           `json:"id"`
	Title      string          `json:"title"`
	Status     string          `json:"status"`
	AuthorID   int64           `json:"author_id"`
	CreatedAt  time.Time       `json:"created_at"`
	ModifiedAt time.Time       `json:"modified_at"`
	Tokens     []TokenResponse `json:"tokens,omitempty"`
}

type TokenResponse struct {
	ID              string     `json:"id"`
	DocumentID      int64      `json:"document_id"`
	ApproverEmail   string     `json:"approver_email"`
	Status          string     `json:"status"`
	SourceMessageID string     `json:"source_message_id,omitempty"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ConsumedAt      *time.Time `json:"consumed_at,omitempty"`
}

type AuditEntryResponse struct {
	ID         int64     `json:"id"`
	DocumentID *int64    `json:"document_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Action     string    `json:"action"`
	Actor      string    `json:"actor,omitempty"`
	OldStatus  string    `json:"old_status,omitempty"`
	NewStatus  string    `json:"new_status,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	Details    string    `json:"details,omitempty"`
}

type ApplyResultResponse struct {
	Status    string `json:"status"`
	TokenID   string `json:"token_id,omitempty"`
	OldStatus string `json:"old_status,omitempty"`
	NewStatus string `json:"new_status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func documentResponse(doc *db.Document, tokens []*db.ApprovalToken) DocumentResponse {
	resp := DocumentResponse{
		ID:         doc.ID,
		Title:      doc.Title,
		Status:     string(doc.Status),
		AuthorID:   doc.AuthorID,
		CreatedAt:  doc.CreatedAt,
		ModifiedAt: doc.ModifiedAt,
	}
	for _, t := range tokens {
		resp.Tokens = append(resp.Tokens, tokenResponse(t))
	}
	return resp
}

func tokenResponse(t *db.ApprovalToken) TokenResponse {
	return TokenResponse{
		ID:              t.ID,
		DocumentID:      t.DocumentID,
		ApproverEmail:   t.ApproverEmail,
		Status:          string(t.Status),
		SourceMessageID: t.SourceMessageID,
		IssuedAt:        t.IssuedAt,
		ExpiresAt:       t.ExpiresAt,
		ConsumedAt:      t.ConsumedAt,
	}
}

func auditResponse(entries []*db.AuditEntry) []AuditEntryResponse {
	resp := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, AuditEntryResponse{
			ID:         e.ID,
			DocumentID: e.DocumentID,
			CreatedAt:  e.CreatedAt,
			Action:     e.Action,
			Actor:      e.Actor,
			OldStatus:  e.OldStatus,
			NewStatus:  e.NewStatus,
			MessageID:  e.MessageID,
			Details:    e.Details,
		})
	}
	return resp
}

func applyResultResponse(result *db.ApplyResult) ApplyResultResponse {
	resp := ApplyResultResponse{
		Status:    string(result.Status),
		OldStatus: string(result.OldStatus),
		NewStatus: string(result.NewStatus),
		Reason:    result.Reason,
	}
	if result.Token != nil {
		resp.TokenID = result.Token.ID
	}
	return resp
}

// Handler functions

func (s *Server) handleRunCheck(w http.ResponseWriter, r *http.Request) {
	summary, err := s.checker.RunCheck(r.Context())
	if err != nil {
		if errors.Is(err, approval.ErrCheckAlreadyRunning) {
			s.writeError(w, http.StatusConflict, "An approval check is already running")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Approval check failed")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Title == "" {
		s.writeError(w, http.StatusBadRequest, "Title is required")
		return
	}

	doc, err := s.store.CreateDocument(r.Context(), req.Title, req.AuthorID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to create document")
		return
	}
	s.writeJSON(w, http.StatusCreated, documentResponse(doc, nil))
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		if errors.Is(err, db.ErrDocumentNotFound) {
			s.writeError(w, http.StatusNotFound, "Document not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to load document")
		return
	}

	tokens, err := s.store.GetTokensByDocument(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load tokens")
		return
	}

	s.writeJSON(w, http.StatusOK, documentResponse(doc, tokens))
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	defer r.Body.Close()
	var req RequestApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.ApproverEmail == "" {
		s.writeError(w, http.StatusBadRequest, "Approver email is required")
		return
	}

	token, err := s.requester.RequestApproval(r.Context(), id, req.ApproverEmail, req.RequestedBy)
	if err != nil {
		switch {
		case errors.Is(err, db.ErrDocumentNotFound):
			s.writeError(w, http.StatusNotFound, "Document not found")
		case errors.Is(err, db.ErrTokenConflict):
			s.writeError(w, http.StatusConflict, "A pending approval request already exists for this approver")
		case errors.Is(err, approval.ErrDocumentNotRequestable):
			s.writeError(w, http.StatusUnprocessableEntity, "Document cannot be sent for approval in its current status")
		default:
			s.writeError(w, http.StatusInternalServerError, "Failed to request approval")
		}
		return
	}

	s.writeJSON(w, http.StatusCreated, tokenResponse(token))
}

func (s *Server) handleDocumentAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	entries, err := s.store.ListAuditByDocument(r.Context(), id, limit, offset)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load audit trail")
		return
	}
	s.writeJSON(w, http.StatusOK, auditResponse(entries))
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	tokenID := mux.Vars(r)["id"]

	token, err := s.store.GetToken(r.Context(), tokenID)
	if err != nil {
		if errors.Is(err, db.ErrTokenNotFound) {
			s.writeError(w, http.StatusNotFound, "Token not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "Failed to load token")
		return
	}
	s.writeJSON(w, http.StatusOK, tokenResponse(token))
}

func (s *Server) handleResolveToken(w http.ResponseWriter, r *http.Request) {
	tokenID := mux.Vars(r)["id"]

	defer r.Body.Close()
	var req ResolveTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	var outcome db.DecisionOutcome
	switch req.Outcome {
	case "approve":
		outcome = db.OutcomeApprove
	case "reject":
		outcome = db.OutcomeReject
	default:
		s.writeError(w, http.StatusBadRequest, "Outcome must be 'approve' or 'reject'")
		return
	}
	if req.Actor == "" {
		s.writeError(w, http.StatusBadRequest, "Actor is required")
		return
	}

	result, err := s.requester.Resolve(r.Context(), tokenID, outcome, req.Actor)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to resolve token")
		return
	}
	s.writeJSON(w, http.StatusOK, applyResultResponse(result))
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := mux.Vars(r)["id"]

	defer r.Body.Close()
	var req RevokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if err := s.requester.Revoke(r.Context(), tokenID, req.Actor); err != nil {
		switch {
		case errors.Is(err, db.ErrTokenNotFound):
			s.writeError(w, http.StatusNotFound, "Token not found")
		case errors.Is(err, db.ErrTokenAlreadyConsumed):
			s.writeError(w, http.StatusConflict, "Token is no longer pending")
		default:
			s.writeError(w, http.StatusInternalServerError, "Failed to revoke token")
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleRecentAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)

	entries, err := s.store.ListRecentAudit(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load audit trail")
		return
	}
	s.writeJSON(w, http.StatusOK, auditResponse(entries))
}

func (s *Server) documentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid document ID")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
