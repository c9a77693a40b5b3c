package crdt

import (
	"encoding/json"
	"sort"
)

// container is the shared state behind the Map, Array and Text handles.
// Map containers use entries; sequence containers (array, text) use the
// doubly linked run list rooted at the head sentinel.
type container struct {
	doc  *Doc
	kind containerKind
	id   ID     // creator op id; zero for roots
	name string // root name; "" for nested containers

	entries map[string]*mapEntry

	head *seqItem // sentinel, never holds data
}

type mapEntry struct {
	id      ID
	value   Value
	deleted bool
}

// seqItem is a run of consecutive sequence elements inserted by one op.
// Array items always span a single clock; text runs span one clock per
// rune and are split lazily when an edit lands inside them.
type seqItem struct {
	id      ID
	origin  ID
	value   Value  // array element payload
	runes   []rune // text payload
	attrs   []byte // text formatting attributes, JSON-encoded
	deleted bool
	prev    *seqItem
	next    *seqItem
}

func newContainer(doc *Doc, kind containerKind, id ID, name string) *container {
	c := &container{doc: doc, kind: kind, id: id, name: name}
	if kind == kindMap {
		c.entries = make(map[string]*mapEntry)
	} else {
		c.head = &seqItem{}
	}
	return c
}

func (it *seqItem) span() uint64 {
	if it.runes != nil {
		return uint64(len(it.runes))
	}
	return 1
}

// lastID is the id of the final element covered by the run.
func (it *seqItem) lastID() ID {
	return ID{Client: it.id.Client, Clock: it.id.Clock + it.span() - 1}
}

func (c *container) selfRef() ref {
	if c.name != "" || c.id.IsNil() {
		return ref{isRoot: true, root: c.name, rootKind: c.kind}
	}
	return ref{item: c.id}
}

// findItem locates the run covering id, returning the run and the rune
// offset of id within it.
func (c *container) findItem(id ID) (*seqItem, int) {
	for it := c.head.next; it != nil; it = it.next {
		if it.id.Client != id.Client {
			continue
		}
		if id.Clock >= it.id.Clock && id.Clock < it.id.Clock+it.span() {
			return it, int(id.Clock - it.id.Clock)
		}
	}
	return nil, 0
}

// split cuts a text run so the left part keeps k runes. Returns the
// right part. k must be in (0, len(runes)).
func (c *container) split(it *seqItem, k int) *seqItem {
	right := &seqItem{
		id:      ID{Client: it.id.Client, Clock: it.id.Clock + uint64(k)},
		origin:  ID{Client: it.id.Client, Clock: it.id.Clock + uint64(k) - 1},
		runes:   it.runes[k:],
		attrs:   it.attrs,
		deleted: it.deleted,
		prev:    it,
		next:    it.next,
	}
	it.runes = it.runes[:k]
	if it.next != nil {
		it.next.prev = right
	}
	it.next = right
	return right
}

// integrateItem places item after its origin, resolving concurrent
// same-origin siblings by descending id so replicas converge.
func (c *container) integrateItem(item *seqItem) error {
	pos := c.head
	if !item.origin.IsNil() {
		orig, off := c.findItem(item.origin)
		if orig == nil {
			return errMissingDep
		}
		if uint64(off) < orig.span()-1 {
			c.split(orig, off+1)
		}
		pos = orig
	}

	skipped := false
	for s := pos.next; s != nil; s = s.next {
		if s.origin == item.origin {
			if greaterID(s.id, item.id) {
				pos = s
				skipped = true
				continue
			}
			break
		}
		if skipped {
			// still inside the subtree of a skipped sibling
			pos = s
			continue
		}
		break
	}

	item.prev = pos
	item.next = pos.next
	if pos.next != nil {
		pos.next.prev = item
	}
	pos.next = item
	return nil
}

// deleteID tombstones the single element identified by id, splitting
// runs as needed. Returns errMissingDep if the element is unknown.
func (c *container) deleteID(id ID) error {
	it, off := c.findItem(id)
	if it == nil {
		return errMissingDep
	}
	if it.runes != nil {
		if off > 0 {
			it = c.split(it, off)
		}
		if it.span() > 1 {
			c.split(it, 1)
		}
	}
	it.deleted = true
	return nil
}

// visibleItems iterates non-deleted runs in document order.
func (c *container) visibleItems(fn func(*seqItem) bool) {
	for it := c.head.next; it != nil; it = it.next {
		if it.deleted {
			continue
		}
		if !fn(it) {
			return
		}
	}
}

// Map is a handle to a CRDT map container. Concurrent writes to the
// same key resolve last-writer-wins by op id.
type Map struct {
	c *container
}

// ID returns the container's creator id (zero for roots).
func (m *Map) ID() ID { return m.c.id }

// Set assigns a primitive or JSON-leaf value to key. Container values
// must be created through SetMap/SetArray/SetText; passing one here is
// a programming error.
func (m *Map) Set(key string, v Value) {
	if v.IsContainer() {
		panic("crdt: use SetMap/SetArray/SetText to nest containers")
	}
	m.c.doc.commitLocal(&op{typ: opMapSet, target: m.c.selfRef(), key: key, value: v})
}

// SetMap creates a nested CRDT map under key and returns its handle.
func (m *Map) SetMap(key string) *Map {
	o := &op{typ: opMapSet, target: m.c.selfRef(), key: key, value: Value{kind: KindMap}}
	m.c.doc.commitLocal(o)
	return &Map{c: m.c.doc.containerByID(o.id)}
}

// SetArray creates a nested CRDT array under key and returns its handle.
func (m *Map) SetArray(key string) *Array {
	o := &op{typ: opMapSet, target: m.c.selfRef(), key: key, value: Value{kind: KindArray}}
	m.c.doc.commitLocal(o)
	return &Array{c: m.c.doc.containerByID(o.id)}
}

// SetText creates a nested CRDT text under key and returns its handle.
func (m *Map) SetText(key string) *Text {
	o := &op{typ: opMapSet, target: m.c.selfRef(), key: key, value: Value{kind: KindText}}
	m.c.doc.commitLocal(o)
	return &Text{c: m.c.doc.containerByID(o.id)}
}

// Get returns the live value at key.
func (m *Map) Get(key string) (Value, bool) {
	e, ok := m.c.entries[key]
	if !ok || e.deleted {
		return Value{}, false
	}
	return e.value, true
}

// GetMap resolves a nested map at key.
func (m *Map) GetMap(key string) (*Map, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return v.Map()
}

// GetArray resolves a nested array at key.
func (m *Map) GetArray(key string) (*Array, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return v.Array()
}

// GetText resolves a nested text at key.
func (m *Map) GetText(key string) (*Text, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return v.Text()
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes key.
func (m *Map) Delete(key string) {
	m.c.doc.commitLocal(&op{typ: opMapDelete, target: m.c.selfRef(), key: key})
}

// Len counts live keys.
func (m *Map) Len() int {
	n := 0
	for _, e := range m.c.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Keys returns live keys in sorted order.
func (m *Map) Keys() []string {
	keys := make([]string, 0, len(m.c.entries))
	for k, e := range m.c.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// ToGo renders the map and every nested container as plain Go data.
func (m *Map) ToGo() map[string]interface{} {
	out := make(map[string]interface{}, len(m.c.entries))
	for k, e := range m.c.entries {
		if e.deleted {
			continue
		}
		out[k] = e.value.Interface()
	}
	return out
}

// Array is a handle to a CRDT array container.
type Array struct {
	c *container
}

// ID returns the container's creator id (zero for roots).
func (a *Array) ID() ID { return a.c.id }

// Len counts live elements.
func (a *Array) Len() int {
	n := 0
	a.c.visibleItems(func(it *seqItem) bool {
		n++
		return true
	})
	return n
}

// Get returns the element at index i.
func (a *Array) Get(i int) (Value, bool) {
	var out Value
	found := false
	idx := 0
	a.c.visibleItems(func(it *seqItem) bool {
		if idx == i {
			out = it.value
			found = true
			return false
		}
		idx++
		return true
	})
	return out, found
}

// itemAt returns the live item at index i.
func (a *Array) itemAt(i int) *seqItem {
	var out *seqItem
	idx := 0
	a.c.visibleItems(func(it *seqItem) bool {
		if idx == i {
			out = it
			return false
		}
		idx++
		return true
	})
	return out
}

// Push appends values to the end of the array.
func (a *Array) Push(vs ...Value) {
	a.Insert(a.Len(), vs...)
}

// Insert places values before index i (i == Len appends). Container
// values must be created through PushMap/InsertMap.
func (a *Array) Insert(i int, vs ...Value) {
	if len(vs) == 0 {
		return
	}
	for _, v := range vs {
		if v.IsContainer() {
			panic("crdt: use PushMap/InsertMap to nest containers")
		}
	}
	a.insertOp(i, vs)
}

func (a *Array) insertOp(i int, vs []Value) *op {
	origin := ID{}
	if i > 0 {
		if it := a.itemAt(i - 1); it != nil {
			origin = it.lastID()
		}
	}
	o := &op{typ: opArrayInsert, target: a.c.selfRef(), origin: origin, values: vs}
	a.c.doc.commitLocal(o)
	return o
}

// PushMap appends a nested CRDT map and returns its handle.
func (a *Array) PushMap() *Map {
	return a.InsertMap(a.Len())
}

// InsertMap places a nested CRDT map before index i and returns its handle.
func (a *Array) InsertMap(i int) *Map {
	o := a.insertOp(i, []Value{{kind: KindMap}})
	return &Map{c: a.c.doc.containerByID(o.id)}
}

// Delete tombstones n elements starting at index i.
func (a *Array) Delete(i, n int) {
	if n <= 0 {
		return
	}
	var ranges []deleteRange
	idx := 0
	a.c.visibleItems(func(it *seqItem) bool {
		if idx >= i && idx < i+n {
			last := len(ranges) - 1
			if last >= 0 && ranges[last].client == it.id.Client &&
				ranges[last].start+ranges[last].length == it.id.Clock {
				ranges[last].length++
			} else {
				ranges = append(ranges, deleteRange{client: it.id.Client, start: it.id.Clock, length: 1})
			}
		}
		idx++
		return idx < i+n
	})
	if len(ranges) == 0 {
		return
	}
	a.c.doc.commitLocal(&op{typ: opSeqDelete, target: a.c.selfRef(), ranges: ranges})
}

// Slice returns the live values in order.
func (a *Array) Slice() []Value {
	var out []Value
	a.c.visibleItems(func(it *seqItem) bool {
		out = append(out, it.value)
		return true
	})
	return out
}

// ToGo renders the array and every nested container as plain Go data.
func (a *Array) ToGo() []interface{} {
	out := make([]interface{}, 0)
	a.c.visibleItems(func(it *seqItem) bool {
		out = append(out, it.value.Interface())
		return true
	})
	return out
}

// Text is a handle to a CRDT rich-text container. Offsets are rune
// offsets over the visible content.
type Text struct {
	c *container
}

// ID returns the container's creator id (zero for roots).
func (t *Text) ID() ID { return t.c.id }

// Len counts visible runes.
func (t *Text) Len() int {
	n := 0
	t.c.visibleItems(func(it *seqItem) bool {
		n += len(it.runes)
		return true
	})
	return n
}

// String returns the visible content.
func (t *Text) String() string {
	var out []rune
	t.c.visibleItems(func(it *seqItem) bool {
		out = append(out, it.runes...)
		return true
	})
	return string(out)
}

// Insert places s at rune offset.
func (t *Text) Insert(offset int, s string) {
	t.InsertWithAttrs(offset, s, nil)
}

// InsertWithAttrs places s at rune offset with formatting attributes
// applied to the whole inserted span.
func (t *Text) InsertWithAttrs(offset int, s string, attrs map[string]interface{}) {
	if s == "" {
		return
	}
	var attrBytes []byte
	if len(attrs) > 0 {
		attrBytes, _ = json.Marshal(attrs)
	}
	origin := t.idAtOffset(offset)
	t.c.doc.commitLocal(&op{typ: opTextInsert, target: t.c.selfRef(), origin: origin, text: s, attrs: attrBytes})
}

// idAtOffset returns the id of the rune just before offset, or the nil
// ID when offset is 0.
func (t *Text) idAtOffset(offset int) ID {
	if offset <= 0 {
		return ID{}
	}
	remaining := offset
	var origin ID
	t.c.visibleItems(func(it *seqItem) bool {
		if remaining <= len(it.runes) {
			origin = ID{Client: it.id.Client, Clock: it.id.Clock + uint64(remaining) - 1}
			return false
		}
		remaining -= len(it.runes)
		return true
	})
	return origin
}

// Delete tombstones n runes starting at offset.
func (t *Text) Delete(offset, n int) {
	if n <= 0 {
		return
	}
	var ranges []deleteRange
	pos := 0
	t.c.visibleItems(func(it *seqItem) bool {
		runEnd := pos + len(it.runes)
		if runEnd > offset && pos < offset+n {
			from := 0
			if offset > pos {
				from = offset - pos
			}
			to := len(it.runes)
			if offset+n < runEnd {
				to = offset + n - pos
			}
			last := len(ranges) - 1
			start := it.id.Clock + uint64(from)
			length := uint64(to - from)
			if last >= 0 && ranges[last].client == it.id.Client &&
				ranges[last].start+ranges[last].length == start {
				ranges[last].length += length
			} else {
				ranges = append(ranges, deleteRange{client: it.id.Client, start: start, length: length})
			}
		}
		pos = runEnd
		return pos < offset+n
	})
	if len(ranges) == 0 {
		return
	}
	t.c.doc.commitLocal(&op{typ: opSeqDelete, target: t.c.selfRef(), ranges: ranges})
}

// SetString replaces the whole content atomically: delete all, insert new.
func (t *Text) SetString(s string) {
	if n := t.Len(); n > 0 {
		t.Delete(0, n)
	}
	if s != "" {
		t.Insert(0, s)
	}
}

// TextSpan is one visible run with its formatting attributes.
type TextSpan struct {
	Insert     string                 `json:"insert"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Delta returns the visible content as attributed spans, merging
// adjacent runs with identical attributes.
func (t *Text) Delta() []TextSpan {
	var out []TextSpan
	t.c.visibleItems(func(it *seqItem) bool {
		var attrs map[string]interface{}
		if len(it.attrs) > 0 {
			_ = json.Unmarshal(it.attrs, &attrs)
		}
		if n := len(out) - 1; n >= 0 && sameAttrs(out[n].Attributes, attrs) {
			out[n].Insert += string(it.runes)
		} else {
			out = append(out, TextSpan{Insert: string(it.runes), Attributes: attrs})
		}
		return true
	})
	return out
}

func sameAttrs(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
