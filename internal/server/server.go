// Package server provides the gateway's HTTP surface: the REST routes,
// the live canvas WebSocket and the optional bookmark webhook.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/affine-gateway/internal/auth"
	"github.com/workspace/affine-gateway/internal/config"
	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/errcode"
	"github.com/workspace/affine-gateway/internal/fabric"
	"github.com/workspace/affine-gateway/internal/karakeep"
)

// UpstreamSession is one signed-in, socket-connected bond with the
// upstream. REST handlers dial a fresh one per request; canvas clients
// share one per document through the fabric.
type UpstreamSession interface {
	JoinWorkspace(ctx context.Context, workspaceID string) error
	LoadDoc(ctx context.Context, workspaceID, docID string) (*crdt.Doc, crdt.StateVector, int64, error)
	PushUpdate(ctx context.Context, workspaceID, docID string, update []byte) (int64, error)
	SubscribeDocUpdates(workspaceID, docID string, fn func(update []byte))
	GraphQL(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error
	UploadBlob(ctx context.Context, workspaceID string, data []byte, mimeType string) (string, error)
	UserID() string
	BaseURL() string
	Disconnect()
}

// Dial produces a ready UpstreamSession.
type Dial func(ctx context.Context) (UpstreamSession, error)

// Deps are the server's collaborators, injected so tests can swap the
// upstream for a fake.
type Deps struct {
	Dial     Dial
	Fabric   *fabric.Registry
	Auth     *auth.Validator
	Karakeep *karakeep.Service // nil disables the webhook
}

// Server is the gateway HTTP server.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	dial       Dial
	fabric     *fabric.Registry
	validator  *auth.Validator
	karakeep   *karakeep.Service
}

// New creates a server instance.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Dial == nil {
		return nil, fmt.Errorf("server requires an upstream dialer")
	}
	if deps.Fabric == nil {
		return nil, fmt.Errorf("server requires a broadcast fabric")
	}

	s := &Server{
		config:    cfg,
		dial:      deps.Dial,
		fabric:    deps.Fabric,
		validator: deps.Auth,
		karakeep:  deps.Karakeep,
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: the canvas WebSocket is long-lived and a
	// write deadline on the underlying conn would kill hijacked
	// connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     requestIDMiddleware(corsMiddleware(s.authGate(mux), cfg.AllowedOrigins)),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// Handler exposes the fully wired handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	slog.Info("Starting gateway", "addr", s.httpServer.Addr, "upstream", s.config.BaseURL)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /workspaces", s.handleListWorkspaces)
	mux.HandleFunc("GET /workspaces/{workspaceId}", s.handleGetWorkspace)
	mux.HandleFunc("GET /workspaces/{workspaceId}/hierarchy", s.handleHierarchy)
	mux.HandleFunc("GET /workspaces/{workspaceId}/folders", s.handleListFolder)
	mux.HandleFunc("POST /workspaces/{workspaceId}/folders", s.handleCreateFolder)

	mux.HandleFunc("GET /workspaces/{workspaceId}/documents", s.handleListDocuments)
	mux.HandleFunc("POST /workspaces/{workspaceId}/documents", s.handleCreateDocument)
	mux.HandleFunc("GET /workspaces/{workspaceId}/documents/{docId}", s.handleGetDocument)
	mux.HandleFunc("PATCH /workspaces/{workspaceId}/documents/{docId}", s.handleUpdateDocument)
	mux.HandleFunc("PATCH /workspaces/{workspaceId}/documents/{docId}/properties", s.handleUpdateDocument)
	mux.HandleFunc("DELETE /workspaces/{workspaceId}/documents/{docId}", s.handleDeleteDocument)

	mux.HandleFunc("GET /workspaces/{workspaceId}/documents/{docId}/content", s.handleDocumentContent)
	mux.HandleFunc("POST /workspaces/{workspaceId}/documents/{docId}/blocks", s.handleAddBlock)
	mux.HandleFunc("PATCH /workspaces/{workspaceId}/documents/{docId}/blocks/{blockId}", s.handleUpdateBlock)
	mux.HandleFunc("DELETE /workspaces/{workspaceId}/documents/{docId}/blocks/{blockId}", s.handleDeleteBlock)
	mux.HandleFunc("POST /workspaces/{workspaceId}/documents/{docId}/images", s.handleUploadImage)

	mux.HandleFunc("GET /workspaces/{workspaceId}/documents/{docId}/edgeless", s.handleListElements)
	mux.HandleFunc("POST /workspaces/{workspaceId}/documents/{docId}/edgeless/elements", s.handleCreateElement)
	mux.HandleFunc("GET /workspaces/{workspaceId}/documents/{docId}/edgeless/elements/{elementId}", s.handleGetElement)
	mux.HandleFunc("PATCH /workspaces/{workspaceId}/documents/{docId}/edgeless/elements/{elementId}", s.handleUpdateElement)
	mux.HandleFunc("DELETE /workspaces/{workspaceId}/documents/{docId}/edgeless/elements/{elementId}", s.handleDeleteElement)

	mux.HandleFunc("POST /workspaces/{workspaceId}/documents/{docId}/publish", s.handlePublish)
	mux.HandleFunc("POST /workspaces/{workspaceId}/documents/{docId}/revoke", s.handleRevoke)

	mux.HandleFunc("GET /workspaces/{workspaceId}/documents/{docId}/comments", s.handleListComments)
	mux.HandleFunc("POST /workspaces/{workspaceId}/documents/{docId}/comments", s.handleCreateComment)
	mux.HandleFunc("POST /workspaces/{workspaceId}/documents/{docId}/comments/{commentId}/resolve", s.handleResolveComment)
	mux.HandleFunc("DELETE /workspaces/{workspaceId}/documents/{docId}/comments/{commentId}", s.handleDeleteComment)

	mux.HandleFunc("GET /notifications", s.handleListNotifications)
	mux.HandleFunc("POST /notifications/read", s.handleReadNotification)

	mux.HandleFunc("GET /users/me/tokens", s.handleListTokens)
	mux.HandleFunc("POST /users/me/tokens", s.handleCreateToken)
	mux.HandleFunc("DELETE /users/me/tokens/{tokenId}", s.handleRevokeToken)

	mux.HandleFunc("GET /canvas", s.handleCanvasWS)

	if s.karakeep != nil {
		mux.HandleFunc("POST /webhooks/karakeep", s.karakeep.Handler())
	}
}

// handleHealth handles the liveness endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"upstream": s.config.BaseURL,
	})
}

// authGate applies caller authentication to every route except the
// liveness probe and the HMAC-verified webhook.
func (s *Server) authGate(mux http.Handler) http.Handler {
	if s.validator == nil || !s.validator.Enabled() {
		return mux
	}
	protected := s.validator.Middleware(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/webhooks/") {
			mux.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})
}

// withSession dials a request-scoped upstream session and hands it to
// fn, disconnecting afterwards.
func (s *Server) withSession(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sess UpstreamSession)) {
	ctx := r.Context()
	sess, err := s.dial(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	defer sess.Disconnect()
	fn(ctx, sess)
}

// withWorkspaceSession additionally joins the workspace, which the
// socket channel requires before any doc traffic.
func (s *Server) withWorkspaceSession(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, sess UpstreamSession, workspaceID string)) {
	workspaceID := r.PathValue("workspaceId")
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		if err := sess.JoinWorkspace(ctx, workspaceID); err != nil {
			writeError(w, err)
			return
		}
		fn(ctx, sess, workspaceID)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps a typed error onto the REST contract.
func writeError(w http.ResponseWriter, err error) {
	code := errcode.CodeOf(err)
	status := errcode.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "code", code, "error", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    string(code),
			"message": err.Error(),
		},
	})
}

// decodeBody decodes a JSON request body with a size cap.
func decodeBody(r *http.Request, maxBytes int64, out interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBytes))
	if err := dec.Decode(out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errcode.New(errcode.CodePayloadTooLarge, "request body exceeds %d bytes", maxBytes)
		}
		return errcode.New(errcode.CodeInvalidInput, "invalid request body: %v", err)
	}
	return nil
}

// requestIDMiddleware tags every request with an id for log
// correlation, honouring one supplied by the caller.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:] // includes the dot
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
