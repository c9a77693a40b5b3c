package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/affine-gateway/internal/errcode"
)

// Socket is a socket.io client over a single WebSocket. It implements
// just enough of the engine.io/socket.io framing for the upstream doc
// channel: the open handshake, namespace connect, ping/pong, event
// emits and numeric ack correlation.
//
// Frames on the wire (text messages):
//
//	0{json}      engine.io open (sid, ping interval)
//	2 / 3        engine.io ping / pong
//	40           socket.io namespace connect (and its reply)
//	42[...]      event: ["name", payload]
//	42N[...]     event expecting ack N
//	43N[...]     ack N: [payload]
//	44{json}     namespace connect error
type Socket struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextAck int64

	pendingMu sync.Mutex
	pending   map[int64]chan ackResult

	handlersMu sync.RWMutex
	handlers   map[string][]func(json.RawMessage)

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type ackResult struct {
	raw json.RawMessage
	err error
}

// DialSocket opens the upstream socket channel, carrying the session
// cookies on the handshake. It resolves once the default namespace is
// connected, or fails with SOCKET_HANDSHAKE_FAILED.
func DialSocket(ctx context.Context, baseURL, cookieHeader string, timeout time.Duration) (*Socket, error) {
	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/socket.io/?EIO=4&transport=websocket"

	header := http.Header{}
	if cookieHeader != "" {
		header.Set("Cookie", cookieHeader)
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeSocketHandshakeFailed, err)
	}

	s := &Socket{
		conn:     conn,
		pending:  make(map[int64]chan ackResult),
		handlers: make(map[string][]func(json.RawMessage)),
		closed:   make(chan struct{}),
	}

	// Engine.io open packet, then namespace connect, both under a
	// deadline so a stalled handshake does not hang the caller.
	deadline := time.Now().Add(timeout)
	_ = conn.SetReadDeadline(deadline)

	frame, err := s.readFrame()
	if err != nil || !strings.HasPrefix(frame, "0") {
		conn.Close()
		return nil, errcode.New(errcode.CodeSocketHandshakeFailed, "no engine.io open packet (got %q)", frame)
	}
	if err := s.writeFrame("40"); err != nil {
		conn.Close()
		return nil, errcode.Wrap(errcode.CodeSocketHandshakeFailed, err)
	}
	for {
		frame, err = s.readFrame()
		if err != nil {
			conn.Close()
			return nil, errcode.Wrap(errcode.CodeSocketHandshakeFailed, err)
		}
		if frame == "2" {
			_ = s.writeFrame("3")
			continue
		}
		if strings.HasPrefix(frame, "44") {
			conn.Close()
			return nil, errcode.New(errcode.CodeSocketHandshakeFailed, "namespace rejected: %s", frame[2:])
		}
		if strings.HasPrefix(frame, "40") {
			break
		}
		// Events before connect are not expected; drop them.
	}

	_ = conn.SetReadDeadline(time.Time{})
	go s.readLoop()
	return s, nil
}

func (s *Socket) readFrame() (string, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Socket) writeFrame(frame string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// On registers a handler for a named upstream event. The handler
// receives the event's first argument as raw JSON and runs on the read
// loop goroutine; handlers must not block.
func (s *Socket) On(event string, fn func(json.RawMessage)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// EmitWithAck sends an event and waits for its ack payload.
func (s *Socket) EmitWithAck(ctx context.Context, event string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	id := atomic.AddInt64(&s.nextAck, 1)
	ch := make(chan ackResult, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	args, err := json.Marshal([]interface{}{event, payload})
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInternal, err)
	}
	if err := s.writeFrame(fmt.Sprintf("42%d%s", id, args)); err != nil {
		return nil, errcode.Wrap(errcode.CodeUpstreamUnreachable, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.raw, res.err
	case <-timer.C:
		return nil, errcode.New(errcode.CodeUpstreamTimeout, "no ack for %s within %s", event, timeout)
	case <-ctx.Done():
		return nil, errcode.Wrap(errcode.CodeUpstreamTimeout, ctx.Err())
	case <-s.closed:
		return nil, errcode.New(errcode.CodeUpstreamUnreachable, "socket closed while awaiting ack for %s", event)
	}
}

// Emit sends an event without waiting for an ack.
func (s *Socket) Emit(event string, payload interface{}) error {
	args, err := json.Marshal([]interface{}{event, payload})
	if err != nil {
		return errcode.Wrap(errcode.CodeInternal, err)
	}
	return s.writeFrame("42" + string(args))
}

func (s *Socket) readLoop() {
	for {
		frame, err := s.readFrame()
		if err != nil {
			s.closeWith(err)
			return
		}
		switch {
		case frame == "2":
			_ = s.writeFrame("3")
		case strings.HasPrefix(frame, "42"):
			s.dispatchEvent(frame[2:])
		case strings.HasPrefix(frame, "43"):
			s.dispatchAck(frame[2:])
		case frame == "41":
			s.closeWith(fmt.Errorf("upstream disconnected namespace"))
			return
		}
	}
}

// splitPacket separates a leading numeric ack id from the JSON array.
func splitPacket(body string) (int64, string) {
	i := 0
	for i < len(body) && body[i] >= '0' && body[i] <= '9' {
		i++
	}
	if i == 0 {
		return -1, body
	}
	var id int64
	fmt.Sscanf(body[:i], "%d", &id)
	return id, body[i:]
}

func (s *Socket) dispatchEvent(body string) {
	_, payload := splitPacket(body)
	var args []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &args); err != nil || len(args) == 0 {
		return
	}
	var event string
	if err := json.Unmarshal(args[0], &event); err != nil {
		return
	}
	var first json.RawMessage
	if len(args) > 1 {
		first = args[1]
	}

	s.handlersMu.RLock()
	fns := s.handlers[event]
	s.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(first)
	}
}

func (s *Socket) dispatchAck(body string) {
	id, payload := splitPacket(body)
	if id < 0 {
		return
	}
	var args []json.RawMessage
	var first json.RawMessage
	if err := json.Unmarshal([]byte(payload), &args); err == nil && len(args) > 0 {
		first = args[0]
	}

	s.pendingMu.Lock()
	ch := s.pending[id]
	s.pendingMu.Unlock()
	if ch != nil {
		ch <- ackResult{raw: first}
	}
}

func (s *Socket) closeWith(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
		s.conn.Close()
	})
}

// Close tears down the socket. Safe to call more than once.
func (s *Socket) Close() error {
	s.closeWith(nil)
	return nil
}

// Done is closed when the socket is no longer usable.
func (s *Socket) Done() <-chan struct{} {
	return s.closed
}
