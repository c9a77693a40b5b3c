package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// SessionConfig carries everything needed to establish a Session.
type SessionConfig struct {
	BaseURL        string
	Email          string
	Password       string
	AckTimeout     time.Duration
	ConnectTimeout time.Duration
	HTTPTimeout    time.Duration
	ClientVersion  string
}

func (c *SessionConfig) withDefaults() SessionConfig {
	out := *c
	if out.AckTimeout <= 0 {
		out.AckTimeout = 10 * time.Second
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 15 * time.Second
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 30 * time.Second
	}
	return out
}

// Session is an authenticated bond with the upstream: the cookie jar,
// the socket channel and the set of joined workspaces. Sessions are
// short-lived per HTTP request and long-lived per live canvas client;
// they are never shared across concurrent HTTP requests.
type Session struct {
	cfg    SessionConfig
	client *Client

	socketMu sync.Mutex
	socket   *Socket

	joinedMu sync.Mutex
	joined   map[string]bool

	subsMu sync.Mutex
	subs   map[string][]func(update []byte)
}

// NewSession creates an unauthenticated session.
func NewSession(cfg SessionConfig) (*Session, error) {
	cfg = cfg.withDefaults()
	client, err := NewClient(cfg.BaseURL, cfg.HTTPTimeout)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInternal, err)
	}
	return &Session{
		cfg:    cfg,
		client: client,
		joined: make(map[string]bool),
		subs:   make(map[string][]func(update []byte)),
	}, nil
}

// Client exposes the control-plane HTTP client bound to this session.
func (s *Session) Client() *Client { return s.client }

// UserID returns the signed-in user id.
func (s *Session) UserID() string { return s.client.UserID() }

// BaseURL returns the upstream base URL the session is bound to.
func (s *Session) BaseURL() string { return s.cfg.BaseURL }

// GraphQL runs a control-plane query on the session's client.
func (s *Session) GraphQL(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	return s.client.GraphQL(ctx, query, variables, out)
}

// UploadBlob stores a binary blob in the workspace via the session's
// client.
func (s *Session) UploadBlob(ctx context.Context, workspaceID string, data []byte, mimeType string) (string, error) {
	return s.client.UploadBlob(ctx, workspaceID, data, mimeType)
}

// SignIn authenticates the session.
func (s *Session) SignIn(ctx context.Context) error {
	return s.client.SignIn(ctx, s.cfg.Email, s.cfg.Password)
}

// Connect opens the socket channel. Idempotent: a second call returns
// with the existing socket untouched.
func (s *Session) Connect(ctx context.Context) error {
	s.socketMu.Lock()
	defer s.socketMu.Unlock()
	if s.socket != nil {
		select {
		case <-s.socket.Done():
			// fall through and redial
		default:
			return nil
		}
	}

	socket, err := DialSocket(ctx, s.cfg.BaseURL, s.client.CookieHeader(), s.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	socket.On("space:broadcast-doc-update", s.onBroadcast)
	s.socket = socket
	return nil
}

func (s *Session) currentSocket() (*Socket, error) {
	s.socketMu.Lock()
	defer s.socketMu.Unlock()
	if s.socket == nil {
		return nil, errcode.New(errcode.CodeSocketHandshakeFailed, "socket not connected")
	}
	return s.socket, nil
}

// EmitWithAck sends an event and decodes the structured ack envelope:
// either a data payload or a typed upstream error.
func (s *Session) EmitWithAck(ctx context.Context, event string, payload interface{}) (json.RawMessage, error) {
	socket, err := s.currentSocket()
	if err != nil {
		return nil, err
	}
	raw, err := socket.EmitWithAck(ctx, event, payload, s.cfg.AckTimeout)
	if err != nil {
		return nil, err
	}
	return parseAck(event, raw)
}

func parseAck(event string, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var envelope struct {
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, errcode.New(errcode.CodeInternal, "malformed ack for %s: %v", event, err)
	}
	if envelope.Error != nil {
		return nil, errcode.New(errcode.FromUpstream(envelope.Error.Name), "%s: %s", event, envelope.Error.Message)
	}
	if envelope.Data != nil {
		return envelope.Data, nil
	}
	return raw, nil
}

// JoinWorkspace joins the workspace space. Idempotent per session: a
// repeated join emits nothing.
func (s *Session) JoinWorkspace(ctx context.Context, workspaceID string) error {
	s.joinedMu.Lock()
	if s.joined[workspaceID] {
		s.joinedMu.Unlock()
		return nil
	}
	s.joinedMu.Unlock()

	_, err := s.EmitWithAck(ctx, "space:join", map[string]interface{}{
		"spaceType":     "workspace",
		"spaceId":       workspaceID,
		"clientVersion": s.cfg.ClientVersion,
	})
	if err != nil {
		if errcode.CodeOf(err) == errcode.CodeAccessDenied {
			return errcode.New(errcode.CodePermissionDenied, "join workspace %s rejected", workspaceID)
		}
		return err
	}

	s.joinedMu.Lock()
	s.joined[workspaceID] = true
	s.joinedMu.Unlock()
	return nil
}

// LeaveWorkspace leaves the workspace space. Best effort.
func (s *Session) LeaveWorkspace(ctx context.Context, workspaceID string) error {
	s.joinedMu.Lock()
	delete(s.joined, workspaceID)
	s.joinedMu.Unlock()

	_, err := s.EmitWithAck(ctx, "space:leave", map[string]interface{}{
		"spaceType": "workspace",
		"spaceId":   workspaceID,
	})
	return err
}

// Disconnect closes the socket. Leave failures never prevent the close.
func (s *Session) Disconnect() {
	s.socketMu.Lock()
	socket := s.socket
	s.socket = nil
	s.socketMu.Unlock()

	if socket != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.joinedMu.Lock()
		joined := make([]string, 0, len(s.joined))
		for ws := range s.joined {
			joined = append(joined, ws)
		}
		s.joined = make(map[string]bool)
		s.joinedMu.Unlock()

		for _, ws := range joined {
			if _, err := socket.EmitWithAck(ctx, "space:leave", map[string]interface{}{
				"spaceType": "workspace",
				"spaceId":   ws,
			}, time.Second); err != nil {
				slog.Debug("Leave on disconnect failed", "workspace", ws, "error", err)
			}
		}
		cancel()
		socket.Close()
	}
}

// LoadDoc loads a document into a fresh replica: the ack's missing
// payload is applied as a full update and the upstream state vector is
// retained for later diff pushes.
func (s *Session) LoadDoc(ctx context.Context, workspaceID, docID string) (*crdt.Doc, crdt.StateVector, int64, error) {
	data, err := s.EmitWithAck(ctx, "space:load-doc", map[string]interface{}{
		"spaceType": "workspace",
		"spaceId":   workspaceID,
		"docId":     docID,
	})
	if err != nil {
		return nil, nil, 0, err
	}

	var payload struct {
		Missing   string `json:"missing"`
		State     string `json:"state"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, nil, 0, errcode.New(errcode.CodeInternal, "malformed load-doc ack: %v", err)
	}

	doc := crdt.NewDoc()
	if payload.Missing != "" {
		update, err := base64.StdEncoding.DecodeString(payload.Missing)
		if err != nil {
			return nil, nil, 0, errcode.New(errcode.CodeInternal, "load-doc missing payload is not base64: %v", err)
		}
		if err := doc.ApplyUpdate(update); err != nil {
			return nil, nil, 0, errcode.Wrap(errcode.CodeCRDTApplyFailed, err)
		}
	}

	var sv crdt.StateVector
	if payload.State != "" {
		stateBytes, err := base64.StdEncoding.DecodeString(payload.State)
		if err != nil {
			return nil, nil, 0, errcode.New(errcode.CodeInternal, "load-doc state payload is not base64: %v", err)
		}
		if sv, err = crdt.DecodeStateVector(stateBytes); err != nil {
			return nil, nil, 0, errcode.Wrap(errcode.CodeCRDTApplyFailed, err)
		}
	}
	return doc, sv, payload.Timestamp, nil
}

// PushUpdate pushes an encoded update for a document and returns the
// upstream timestamp from the ack.
func (s *Session) PushUpdate(ctx context.Context, workspaceID, docID string, update []byte) (int64, error) {
	data, err := s.EmitWithAck(ctx, "space:push-doc-update", map[string]interface{}{
		"spaceType": "workspace",
		"spaceId":   workspaceID,
		"docId":     docID,
		"update":    base64.StdEncoding.EncodeToString(update),
	})
	if err != nil {
		return 0, err
	}

	var payload struct {
		Accepted  bool  `json:"accepted"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, errcode.New(errcode.CodeInternal, "malformed push ack: %v", err)
	}
	return payload.Timestamp, nil
}

// SubscribeDocUpdates registers a handler for broadcast updates to one
// document. Handlers run on the socket read loop and receive the raw
// binary update.
func (s *Session) SubscribeDocUpdates(workspaceID, docID string, fn func(update []byte)) {
	key := workspaceID + "/" + docID
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[key] = append(s.subs[key], fn)
}

func (s *Session) onBroadcast(raw json.RawMessage) {
	var payload struct {
		SpaceID string `json:"spaceId"`
		DocID   string `json:"docId"`
		Update  string `json:"update"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		slog.Warn("Malformed broadcast payload", "error", err)
		return
	}
	update, err := base64.StdEncoding.DecodeString(payload.Update)
	if err != nil {
		slog.Warn("Broadcast update is not base64", "docId", payload.DocID, "error", err)
		return
	}

	key := payload.SpaceID + "/" + payload.DocID
	s.subsMu.Lock()
	fns := append([]func([]byte){}, s.subs[key]...)
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}
