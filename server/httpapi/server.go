// Package httpapi exposes the admin HTTP API: triggering checks, issuing
// and resolving approval requests and reading the audit trail.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/parchmint/countersign/approval"
	"github.com/parchmint/countersign/db"
	"github.com/parchmint/countersign/logger"
)

// Checker triggers approval check runs. *approval.Engine implements it.
type Checker interface {
	RunCheck(ctx context.Context) (*approval.RunSummary, error)
}

// Requester issues and resolves approval requests. *approval.Service
// implements it.
type Requester interface {
	RequestApproval(ctx context.Context, documentID int64, approverEmail, requestedBy string) (*db.ApprovalToken, error)
	Resolve(ctx context.Context, tokenID string, outcome db.DecisionOutcome, actor string) (*db.ApplyResult, error)
	Revoke(ctx context.Context, tokenID, actor string) error
}

// Store covers the read and document paths the API serves directly.
type Store interface {
	CreateDocument(ctx context.Context, title string, authorID int64) (*db.Document, error)
	GetDocument(ctx context.Context, documentID int64) (*db.Document, error)
	GetToken(ctx context.Context, tokenID string) (*db.ApprovalToken, error)
	GetTokensByDocument(ctx context.Context, documentID int64) ([]*db.ApprovalToken, error)
	ListAuditByDocument(ctx context.Context, documentID int64, limit, offset int) ([]*db.AuditEntry, error)
	ListRecentAudit(ctx context.Context, limit int) ([]*db.AuditEntry, error)
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	checker      Checker
	requester    Requester
	store        Store
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
}

// New creates a new HTTP API server
func New(checker Checker, requester Requester, store Store, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		checker:      checker,
		requester:    requester,
		store:        store,
	}, nil
}

// Start runs the server until the context is cancelled. Startup and serve
// failures are reported on errChan.
func Start(ctx context.Context, checker Checker, requester Requester, store Store, options ServerOptions, errChan chan error) {
	server, err := New(checker, requester, store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("Starting HTTP API server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// setupRoutes configures all HTTP routes and middleware
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/approvals/check", s.handleRunCheck).Methods("POST")

	v1.HandleFunc("/documents", s.handleCreateDocument).Methods("POST")
	v1.HandleFunc("/documents/{id}", s.handleGetDocument).Methods("GET")
	v1.HandleFunc("/documents/{id}/request", s.handleRequestApproval).Methods("POST")
	v1.HandleFunc("/documents/{id}/audit", s.handleDocumentAudit).Methods("GET")

	v1.HandleFunc("/tokens/{id}", s.handleGetToken).Methods("GET")
	v1.HandleFunc("/tokens/{id}/resolve", s.handleResolveToken).Methods("POST")
	v1.HandleFunc("/tokens/{id}/revoke", s.handleRevokeToken).Methods("POST")

	v1.HandleFunc("/audit", s.handleRecentAudit).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			// CIDR blocks
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil {
						if cidr.Contains(ip) {
							allowed = true
							break
						}
					}
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
