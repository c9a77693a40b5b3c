// Package fabric joins per-client canvas sessions into shared upstream
// document sessions: one upstream subscription per document key, one
// shared replica, and fan-out of high-level element events.
package fabric

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/edgeless"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// Event is a high-level element change fanned out to canvas clients.
type Event struct {
	Type      string                 `json:"type"` // add | update | remove
	Element   map[string]interface{} `json:"element,omitempty"`
	ElementID string                 `json:"elementId,omitempty"`
	Changes   map[string]interface{} `json:"changes,omitempty"`
}

// Sink receives events for one client. Deliver must not block; slow
// clients are the sink implementation's problem.
type Sink interface {
	Deliver(Event)
}

// Upstream is the slice of the session surface a document slot drives.
type Upstream interface {
	JoinWorkspace(ctx context.Context, workspaceID string) error
	LoadDoc(ctx context.Context, workspaceID, docID string) (*crdt.Doc, crdt.StateVector, int64, error)
	PushUpdate(ctx context.Context, workspaceID, docID string, update []byte) (int64, error)
	SubscribeDocUpdates(workspaceID, docID string, fn func(update []byte))
	Disconnect()
}

// Dial produces a signed-in, socket-connected upstream session.
type Dial func(ctx context.Context) (Upstream, error)

type slotKey struct {
	workspaceID string
	docID       string
}

// Registry is the process-wide document-key table. It is injected, not
// ambient, so tests can spin up an independent fabric per case.
type Registry struct {
	dial Dial

	mu    sync.Mutex
	slots map[slotKey]*slot
}

func NewRegistry(dial Dial) *Registry {
	return &Registry{dial: dial, slots: make(map[slotKey]*slot)}
}

// slot is the shared state for one (workspace, doc) pair. Its mutex
// serialises client mutations and upstream update application, which
// keeps a single linearisation order per replica.
type slot struct {
	reg *Registry
	key slotKey
	up  Upstream

	mu      sync.Mutex
	tree    *docmodel.Tree
	clients map[*Client]bool
}

// Client is one canvas participant attached to a slot.
type Client struct {
	slot *slot
	sink Sink
}

// Join attaches a sink to the document's slot, creating the shared
// upstream session on first join. Returns the client handle and the
// current elements for the init message.
func (r *Registry) Join(ctx context.Context, workspaceID, docID string, sink Sink) (*Client, []map[string]interface{}, error) {
	r.mu.Lock()
	key := slotKey{workspaceID: workspaceID, docID: docID}
	s, ok := r.slots[key]
	if !ok {
		s = &slot{reg: r, key: key, clients: make(map[*Client]bool)}
		r.slots[key] = s
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.up == nil {
		if err := s.open(ctx); err != nil {
			r.dropIfEmpty(s)
			return nil, nil, err
		}
	}

	client := &Client{slot: s, sink: sink}
	s.clients[client] = true

	elements, err := edgeless.List(s.tree)
	if err != nil {
		return nil, nil, err
	}
	return client, elements, nil
}

// open dials the upstream and loads the shared replica. Caller holds
// the slot lock.
func (s *slot) open(ctx context.Context) error {
	up, err := s.reg.dial(ctx)
	if err != nil {
		return err
	}
	if err := up.JoinWorkspace(ctx, s.key.workspaceID); err != nil {
		up.Disconnect()
		return err
	}
	doc, _, _, err := up.LoadDoc(ctx, s.key.workspaceID, s.key.docID)
	if err != nil {
		up.Disconnect()
		return err
	}
	s.up = up
	s.tree = docmodel.New(doc)
	up.SubscribeDocUpdates(s.key.workspaceID, s.key.docID, s.onUpstreamUpdate)
	return nil
}

func (r *Registry) dropIfEmpty(s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(s.clients) == 0 {
		delete(r.slots, s.key)
	}
}

// Leave detaches a client. The last client leaving a document tears
// down the shared upstream session.
func (r *Registry) Leave(c *Client) {
	if c == nil {
		return
	}
	s := c.slot

	s.mu.Lock()
	delete(s.clients, c)
	last := len(s.clients) == 0
	up := s.up
	if last {
		s.up = nil
		s.tree = nil
	}
	s.mu.Unlock()

	if last {
		r.mu.Lock()
		if len(s.clients) == 0 {
			delete(r.slots, s.key)
		}
		r.mu.Unlock()
		if up != nil {
			up.Disconnect()
		}
	}
}

// ClientCount reports the attached clients for one document key.
func (r *Registry) ClientCount(workspaceID, docID string) int {
	r.mu.Lock()
	s, ok := r.slots[slotKey{workspaceID: workspaceID, docID: docID}]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// onUpstreamUpdate applies a peer update to the shared replica, diffs
// the element set and fans the changes out to every attached client.
func (s *slot) onUpstreamUpdate(update []byte) {
	s.mu.Lock()
	if s.tree == nil {
		s.mu.Unlock()
		return
	}
	pre := s.renderElements()
	if err := s.tree.Doc().ApplyUpdate(update); err != nil {
		s.mu.Unlock()
		slog.Warn("Peer update rejected by replica",
			"workspace", s.key.workspaceID, "doc", s.key.docID, "error", err)
		return
	}
	post := s.renderElements()
	events := diffElements(pre, post)
	sinks := s.allSinks(nil)
	s.mu.Unlock()

	for _, event := range events {
		for _, sink := range sinks {
			sink.Deliver(event)
		}
	}
}

// renderElements snapshots the element set by id. Caller holds the
// slot lock.
func (s *slot) renderElements() map[string]map[string]interface{} {
	out := map[string]map[string]interface{}{}
	elements, err := edgeless.List(s.tree)
	if err != nil {
		return out
	}
	for _, elem := range elements {
		if id, ok := elem["id"].(string); ok {
			out[id] = elem
		}
	}
	return out
}

func diffElements(pre, post map[string]map[string]interface{}) []Event {
	var events []Event
	for id, elem := range post {
		before, existed := pre[id]
		if !existed {
			events = append(events, Event{Type: "add", Element: elem})
			continue
		}
		if !reflect.DeepEqual(before, elem) {
			events = append(events, Event{Type: "update", ElementID: id, Changes: elem})
		}
	}
	for id := range pre {
		if _, still := post[id]; !still {
			events = append(events, Event{Type: "remove", ElementID: id})
		}
	}
	return events
}

// allSinks snapshots the sinks excluding one client. Caller holds the
// slot lock.
func (s *slot) allSinks(except *Client) []Sink {
	sinks := make([]Sink, 0, len(s.clients))
	for c := range s.clients {
		if c != except {
			sinks = append(sinks, c.sink)
		}
	}
	return sinks
}

// mutate runs a mutation on the shared replica, pushes the diff and
// fans the given events out to everyone except the originator. The
// push happens outside the lock; the replica is already mutated, so a
// push timeout is an unknown outcome for the upstream only.
func (c *Client) mutate(ctx context.Context, fn func(tree *docmodel.Tree) ([]Event, error)) error {
	s := c.slot

	s.mu.Lock()
	if s.tree == nil {
		s.mu.Unlock()
		return errcode.New(errcode.CodeInternal, "document session already torn down")
	}
	base := s.tree.Doc().Vector()
	events, err := fn(s.tree)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	update := s.tree.Doc().EncodeUpdateSince(base)
	sinks := s.allSinks(c)
	s.mu.Unlock()

	for _, event := range events {
		for _, sink := range sinks {
			sink.Deliver(event)
		}
	}

	if len(update) == 0 {
		return nil
	}
	if _, err := s.up.PushUpdate(ctx, s.key.workspaceID, s.key.docID, update); err != nil {
		return err
	}
	return nil
}

// CreateBrush inserts a brush stroke and returns the created element.
func (c *Client) CreateBrush(ctx context.Context, opts edgeless.BrushOptions) (map[string]interface{}, error) {
	var created map[string]interface{}
	err := c.mutate(ctx, func(tree *docmodel.Tree) ([]Event, error) {
		elem, err := edgeless.CreateBrush(tree, opts)
		if err != nil {
			return nil, err
		}
		created = elem
		return []Event{{Type: "add", Element: elem}}, nil
	})
	return created, err
}

// CreateShape inserts a shape and returns the created element.
func (c *Client) CreateShape(ctx context.Context, opts edgeless.ShapeOptions) (map[string]interface{}, error) {
	var created map[string]interface{}
	err := c.mutate(ctx, func(tree *docmodel.Tree) ([]Event, error) {
		elem, err := edgeless.CreateShape(tree, opts)
		if err != nil {
			return nil, err
		}
		created = elem
		return []Event{{Type: "add", Element: elem}}, nil
	})
	return created, err
}

// CreateText inserts a text element and returns it.
func (c *Client) CreateText(ctx context.Context, opts edgeless.TextOptions) (map[string]interface{}, error) {
	var created map[string]interface{}
	err := c.mutate(ctx, func(tree *docmodel.Tree) ([]Event, error) {
		elem, err := edgeless.CreateText(tree, opts)
		if err != nil {
			return nil, err
		}
		created = elem
		return []Event{{Type: "add", Element: elem}}, nil
	})
	return created, err
}

// UpdateElement merges changes into an element and returns the merged
// form.
func (c *Client) UpdateElement(ctx context.Context, elementID string, changes map[string]interface{}) (map[string]interface{}, error) {
	var merged map[string]interface{}
	err := c.mutate(ctx, func(tree *docmodel.Tree) ([]Event, error) {
		elem, err := edgeless.Update(tree, elementID, changes)
		if err != nil {
			return nil, err
		}
		merged = elem
		return []Event{{Type: "update", ElementID: elementID, Changes: changes}}, nil
	})
	return merged, err
}

// DeleteElement removes an element.
func (c *Client) DeleteElement(ctx context.Context, elementID string) error {
	return c.mutate(ctx, func(tree *docmodel.Tree) ([]Event, error) {
		if err := edgeless.Delete(tree, elementID); err != nil {
			return nil, err
		}
		return []Event{{Type: "remove", ElementID: elementID}}, nil
	})
}
