package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// fakeUpstream speaks just enough of the upstream surface for tests:
// the sign-in endpoint and a socket.io WebSocket endpoint whose event
// acks are scripted per event name.
type fakeUpstream struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	acks     map[string]func(payload json.RawMessage) interface{}
	lastConn *websocket.Conn
	connMu   sync.Mutex
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	f := &fakeUpstream{
		t:    t,
		acks: make(map[string]func(json.RawMessage) interface{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/sign-in", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "affine_session", Value: "sess-1", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "affine_user_id", Value: "user-1", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/socket.io/", f.handleSocket)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeUpstream) onEvent(event string, fn func(payload json.RawMessage) interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks[event] = fn
}

func (f *fakeUpstream) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.connMu.Lock()
	f.lastConn = conn
	f.connMu.Unlock()

	write := func(frame string) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
	}
	write(`0{"sid":"abc","pingInterval":25000,"pingTimeout":20000}`)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame := string(data)
		switch {
		case frame == "40":
			write(`40{"sid":"ns-1"}`)
		case frame == "3":
			// pong, ignore
		case strings.HasPrefix(frame, "42"):
			id, body := splitPacket(frame[2:])
			var args []json.RawMessage
			if err := json.Unmarshal([]byte(body), &args); err != nil || len(args) == 0 {
				continue
			}
			var event string
			_ = json.Unmarshal(args[0], &event)
			var payload json.RawMessage
			if len(args) > 1 {
				payload = args[1]
			}

			f.mu.Lock()
			handler := f.acks[event]
			f.mu.Unlock()
			if handler == nil || id < 0 {
				continue
			}
			reply, err := json.Marshal([]interface{}{handler(payload)})
			if err != nil {
				f.t.Errorf("marshal ack for %s: %v", event, err)
				continue
			}
			write(fmt.Sprintf("43%d%s", id, reply))
		}
	}
}

// pushEvent emits a server-initiated event on the most recent socket.
func (f *fakeUpstream) pushEvent(event string, payload interface{}) {
	f.connMu.Lock()
	conn := f.lastConn
	f.connMu.Unlock()
	if conn == nil {
		f.t.Fatal("no socket connection to push on")
	}
	args, err := json.Marshal([]interface{}{event, payload})
	if err != nil {
		f.t.Fatal(err)
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte("42"+string(args)))
}

func newTestSession(t *testing.T, f *fakeUpstream) *Session {
	s, err := NewSession(SessionConfig{
		BaseURL:       f.server.URL,
		Email:         "bot@example.com",
		Password:      "secret",
		AckTimeout:    2 * time.Second,
		ClientVersion: "0.18.0",
	})
	require.NoError(t, err)
	t.Cleanup(s.Disconnect)
	return s
}

func TestSignInStoresCookies(t *testing.T) {
	f := newFakeUpstream(t)
	s := newTestSession(t, f)

	require.NoError(t, s.SignIn(context.Background()))
	assert.Equal(t, "user-1", s.UserID())
	assert.Contains(t, s.Client().CookieHeader(), "affine_session=sess-1")
}

func TestSignInRejected(t *testing.T) {
	f := newFakeUpstream(t)
	s, err := NewSession(SessionConfig{
		BaseURL:  f.server.URL,
		Email:    "bot@example.com",
		Password: "wrong",
	})
	require.NoError(t, err)

	err = s.SignIn(context.Background())
	require.Error(t, err)
	assert.Equal(t, errcode.CodeAuthRejected, errcode.CodeOf(err))
}

func TestJoinWorkspaceIsIdempotent(t *testing.T) {
	f := newFakeUpstream(t)
	var joins int
	var joinMu sync.Mutex
	f.onEvent("space:join", func(payload json.RawMessage) interface{} {
		joinMu.Lock()
		joins++
		joinMu.Unlock()

		var req struct {
			SpaceType     string `json:"spaceType"`
			SpaceID       string `json:"spaceId"`
			ClientVersion string `json:"clientVersion"`
		}
		require.NoError(t, json.Unmarshal(payload, &req))
		assert.Equal(t, "workspace", req.SpaceType)
		assert.Equal(t, "0.18.0", req.ClientVersion)
		return map[string]interface{}{"data": map[string]interface{}{"clientId": "c1"}}
	})

	s := newTestSession(t, f)
	ctx := context.Background()
	require.NoError(t, s.SignIn(ctx))
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Connect(ctx)) // second connect is a no-op

	require.NoError(t, s.JoinWorkspace(ctx, "ws-1"))
	require.NoError(t, s.JoinWorkspace(ctx, "ws-1"))

	joinMu.Lock()
	defer joinMu.Unlock()
	assert.Equal(t, 1, joins)
}

func TestJoinRejectionMapsToPermissionDenied(t *testing.T) {
	f := newFakeUpstream(t)
	f.onEvent("space:join", func(json.RawMessage) interface{} {
		return map[string]interface{}{
			"error": map[string]string{"name": "ACCESS_DENIED", "message": "not a member"},
		}
	})

	s := newTestSession(t, f)
	ctx := context.Background()
	require.NoError(t, s.SignIn(ctx))
	require.NoError(t, s.Connect(ctx))

	err := s.JoinWorkspace(ctx, "ws-1")
	require.Error(t, err)
	assert.Equal(t, errcode.CodePermissionDenied, errcode.CodeOf(err))
}

func TestLoadDocAppliesMissingUpdate(t *testing.T) {
	source := crdt.NewDoc()
	source.GetMap("blocks").Set("root", crdt.String("page"))
	full := source.EncodeFullUpdate()
	state := source.EncodeStateVector()

	f := newFakeUpstream(t)
	f.onEvent("space:load-doc", func(payload json.RawMessage) interface{} {
		var req struct {
			DocID string `json:"docId"`
		}
		require.NoError(t, json.Unmarshal(payload, &req))
		assert.Equal(t, "doc-1", req.DocID)
		return map[string]interface{}{"data": map[string]interface{}{
			"missing":   base64.StdEncoding.EncodeToString(full),
			"state":     base64.StdEncoding.EncodeToString(state),
			"timestamp": int64(1700000000000),
		}}
	})

	s := newTestSession(t, f)
	ctx := context.Background()
	require.NoError(t, s.SignIn(ctx))
	require.NoError(t, s.Connect(ctx))

	doc, sv, ts, err := s.LoadDoc(ctx, "ws-1", "doc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1700000000000, ts)
	assert.NotEmpty(t, sv)

	val, ok := doc.GetMap("blocks").Get("root")
	require.True(t, ok)
	assert.Equal(t, "page", val.Str())
}

func TestLoadDocNotFound(t *testing.T) {
	f := newFakeUpstream(t)
	f.onEvent("space:load-doc", func(json.RawMessage) interface{} {
		return map[string]interface{}{
			"error": map[string]string{"name": "DOC_NOT_FOUND", "message": "no such doc"},
		}
	})

	s := newTestSession(t, f)
	ctx := context.Background()
	require.NoError(t, s.SignIn(ctx))
	require.NoError(t, s.Connect(ctx))

	_, _, _, err := s.LoadDoc(ctx, "ws-1", "missing")
	require.Error(t, err)
	assert.Equal(t, errcode.CodeDocNotFound, errcode.CodeOf(err))
}

func TestPushUpdateReturnsTimestamp(t *testing.T) {
	f := newFakeUpstream(t)
	var got []byte
	f.onEvent("space:push-doc-update", func(payload json.RawMessage) interface{} {
		var req struct {
			Update string `json:"update"`
		}
		require.NoError(t, json.Unmarshal(payload, &req))
		got, _ = base64.StdEncoding.DecodeString(req.Update)
		return map[string]interface{}{"data": map[string]interface{}{
			"accepted":  true,
			"timestamp": int64(42),
		}}
	})

	s := newTestSession(t, f)
	ctx := context.Background()
	require.NoError(t, s.SignIn(ctx))
	require.NoError(t, s.Connect(ctx))

	ts, err := s.PushUpdate(ctx, "ws-1", "doc-1", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.EqualValues(t, 42, ts)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	f := newFakeUpstream(t)
	s := newTestSession(t, f)
	ctx := context.Background()
	require.NoError(t, s.SignIn(ctx))
	require.NoError(t, s.Connect(ctx))

	updates := make(chan []byte, 1)
	s.SubscribeDocUpdates("ws-1", "doc-1", func(update []byte) {
		updates <- update
	})
	// Subscriptions for other documents stay silent.
	s.SubscribeDocUpdates("ws-1", "doc-2", func([]byte) {
		t.Error("handler for unrelated doc invoked")
	})

	f.pushEvent("space:broadcast-doc-update", map[string]interface{}{
		"spaceType": "workspace",
		"spaceId":   "ws-1",
		"docId":     "doc-1",
		"update":    base64.StdEncoding.EncodeToString([]byte{9, 9}),
	})

	select {
	case got := <-updates:
		assert.Equal(t, []byte{9, 9}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never reached subscriber")
	}
}

func TestEmitWithAckTimesOut(t *testing.T) {
	f := newFakeUpstream(t)
	// No handler registered for the event, so no ack ever arrives.
	s, err := NewSession(SessionConfig{
		BaseURL:    f.server.URL,
		Email:      "bot@example.com",
		Password:   "secret",
		AckTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(s.Disconnect)

	ctx := context.Background()
	require.NoError(t, s.SignIn(ctx))
	require.NoError(t, s.Connect(ctx))

	_, err = s.EmitWithAck(ctx, "space:load-doc", map[string]string{"docId": "x"})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeUpstreamTimeout, errcode.CodeOf(err))
}

func TestEmitBeforeConnectFails(t *testing.T) {
	f := newFakeUpstream(t)
	s := newTestSession(t, f)

	_, err := s.EmitWithAck(context.Background(), "space:join", nil)
	require.Error(t, err)
	assert.Equal(t, errcode.CodeSocketHandshakeFailed, errcode.CodeOf(err))
}
