// Package crdt implements the operation-based CRDT runtime behind the
// gateway's document replicas: typed containers (map, array, rich
// text), compact binary updates, and state-vector diffs.
//
// The design follows the shape of list CRDTs used by collaborative
// editors: every operation carries a (client, clock) id, sequence
// inserts name the id of their left origin, and concurrent siblings
// are ordered deterministically so replicas converge. Multi-element
// inserts allocate one clock per element, which lets deletions address
// individual elements as (client, clock, length) ranges.
//
// Replicas are not internally synchronised. Per the engine's
// concurrency model, a replica has a single writer at a time: callers
// hold a per-document mutex around both local mutations and remote
// update application.
package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

// errMissingDep signals that an op references state that has not
// arrived yet. Such ops are buffered and retried, not rejected.
var errMissingDep = errors.New("crdt: missing dependency")

// ErrApplyFailed is returned when a replica refuses an update for a
// reason other than a missing dependency (malformed bytes, corrupt op).
var ErrApplyFailed = errors.New("crdt: apply failed")

// StateVector summarises a replica's knowledge as the maximum applied
// clock per client.
type StateVector map[uint64]uint64

// Doc is a single CRDT document replica.
type Doc struct {
	client uint64

	roots map[string]*container
	items map[ID]*container

	log    map[uint64][]*op
	vector StateVector
	seen   map[ID]struct{}

	pending []*op

	// clockFloor keeps local clocks ahead of every clock seen from
	// remote clients so that last-writer-wins favours fresh local writes.
	clockFloor uint64
}

// NewDoc creates an empty replica with a random client id.
func NewDoc() *Doc {
	return NewDocWithClient(uint64(rand.Int63())<<1 | 1)
}

// NewDocWithClient creates an empty replica with a fixed client id.
// The id must be non-zero; zero is reserved for nil origins.
func NewDocWithClient(client uint64) *Doc {
	if client == 0 {
		panic("crdt: client id 0 is reserved")
	}
	return &Doc{
		client: client,
		roots:  make(map[string]*container),
		items:  make(map[ID]*container),
		log:    make(map[uint64][]*op),
		vector: make(StateVector),
		seen:   make(map[ID]struct{}),
	}
}

// ClientID returns the replica's client id.
func (d *Doc) ClientID() uint64 { return d.client }

// GetMap returns the named root map, creating it on first use.
func (d *Doc) GetMap(name string) *Map {
	return &Map{c: d.root(name, kindMap)}
}

// GetArray returns the named root array, creating it on first use.
func (d *Doc) GetArray(name string) *Array {
	return &Array{c: d.root(name, kindArray)}
}

// GetText returns the named root text, creating it on first use.
func (d *Doc) GetText(name string) *Text {
	return &Text{c: d.root(name, kindText)}
}

func (d *Doc) root(name string, kind containerKind) *container {
	if c, ok := d.roots[name]; ok {
		if c.kind != kind {
			panic(fmt.Sprintf("crdt: root %q requested as kind %d but exists as %d", name, kind, c.kind))
		}
		return c
	}
	c := newContainer(d, kind, ID{}, name)
	d.roots[name] = c
	return c
}

func (d *Doc) containerByID(id ID) *container {
	return d.items[id]
}

func (d *Doc) resolveRef(r ref) *container {
	if r.isRoot {
		return d.root(r.root, r.rootKind)
	}
	return d.items[r.item]
}

// commitLocal assigns a fresh id to o, integrates it, and records it
// in the op log.
func (d *Doc) commitLocal(o *op) {
	start := d.vector[d.client]
	if d.clockFloor > start {
		start = d.clockFloor
	}
	o.id = ID{Client: d.client, Clock: start + 1}

	if err := d.integrate(o); err != nil {
		// Local ops reference state the caller just observed.
		panic(fmt.Sprintf("crdt: local op failed to integrate: %v", err))
	}
	d.record(o)
}

// record books an integrated op into the log, vector and seen set.
func (d *Doc) record(o *op) {
	end := o.id.Clock + o.span() - 1
	d.log[o.id.Client] = append(d.log[o.id.Client], o)
	d.seen[o.id] = struct{}{}
	if end > d.vector[o.id.Client] {
		d.vector[o.id.Client] = end
	}
	if o.id.Client != d.client && end > d.clockFloor {
		d.clockFloor = end
	}
}

// integrate applies an op to container state. It does not touch the
// log or vector; callers do that once integration succeeds.
func (d *Doc) integrate(o *op) error {
	c := d.resolveRef(o.target)
	if c == nil {
		return errMissingDep
	}

	switch o.typ {
	case opMapSet:
		if c.kind != kindMap {
			return fmt.Errorf("%w: map op against non-map container", ErrApplyFailed)
		}
		v := o.value
		v.doc = d
		if v.IsContainer() {
			v.cid = o.id
			d.ensureItemContainer(v.kind, o.id)
		}
		e := c.entries[o.key]
		if e == nil || greaterID(o.id, e.id) {
			c.entries[o.key] = &mapEntry{id: o.id, value: v}
		}
	case opMapDelete:
		if c.kind != kindMap {
			return fmt.Errorf("%w: map op against non-map container", ErrApplyFailed)
		}
		e := c.entries[o.key]
		if e == nil || greaterID(o.id, e.id) {
			c.entries[o.key] = &mapEntry{id: o.id, deleted: true}
		}
	case opArrayInsert:
		if c.kind != kindArray {
			return fmt.Errorf("%w: array insert against non-array container", ErrApplyFailed)
		}
		if !o.origin.IsNil() {
			if it, _ := c.findItem(o.origin); it == nil {
				return errMissingDep
			}
		}
		origin := o.origin
		for i, v := range o.values {
			id := ID{Client: o.id.Client, Clock: o.id.Clock + uint64(i)}
			v.doc = d
			if v.IsContainer() {
				v.cid = id
				d.ensureItemContainer(v.kind, id)
			}
			item := &seqItem{id: id, origin: origin, value: v}
			if err := c.integrateItem(item); err != nil {
				return err
			}
			origin = id
		}
	case opTextInsert:
		if c.kind != kindText {
			return fmt.Errorf("%w: text insert against non-text container", ErrApplyFailed)
		}
		if !o.origin.IsNil() {
			if it, _ := c.findItem(o.origin); it == nil {
				return errMissingDep
			}
		}
		item := &seqItem{id: o.id, origin: o.origin, runes: []rune(o.text), attrs: o.attrs}
		if err := c.integrateItem(item); err != nil {
			return err
		}
	case opSeqDelete:
		if c.kind == kindMap {
			return fmt.Errorf("%w: sequence delete against map container", ErrApplyFailed)
		}
		// Verify all targets exist before tombstoning anything so a
		// partially applicable delete stays pending as a whole.
		for _, dr := range o.ranges {
			for k := uint64(0); k < dr.length; k++ {
				if it, _ := c.findItem(ID{Client: dr.client, Clock: dr.start + k}); it == nil {
					return errMissingDep
				}
			}
		}
		for _, dr := range o.ranges {
			for k := uint64(0); k < dr.length; k++ {
				if err := c.deleteID(ID{Client: dr.client, Clock: dr.start + k}); err != nil {
					return err
				}
			}
		}
	default:
		return fmt.Errorf("%w: unknown op type %d", ErrApplyFailed, o.typ)
	}
	return nil
}

func (d *Doc) ensureItemContainer(kind Kind, id ID) *container {
	if c, ok := d.items[id]; ok {
		return c
	}
	var ck containerKind
	switch kind {
	case KindMap:
		ck = kindMap
	case KindArray:
		ck = kindArray
	case KindText:
		ck = kindText
	}
	c := newContainer(d, ck, id, "")
	d.items[id] = c
	return c
}

// ApplyUpdate decodes and integrates a binary update. Ops already seen
// are skipped; ops whose dependencies have not arrived are buffered and
// retried when later updates fill the gap. Malformed updates return an
// error wrapping ErrApplyFailed.
func (d *Doc) ApplyUpdate(update []byte) error {
	ops, err := decodeUpdate(update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}

	queue := append(d.pending, ops...)
	d.pending = nil

	for {
		progressed := false
		var remaining []*op
		for _, o := range queue {
			if _, dup := d.seen[o.id]; dup {
				continue
			}
			err := d.integrate(o)
			switch {
			case err == nil:
				d.record(o)
				progressed = true
			case errors.Is(err, errMissingDep):
				remaining = append(remaining, o)
			default:
				return err
			}
		}
		queue = remaining
		if !progressed || len(queue) == 0 {
			break
		}
	}
	d.pending = queue
	return nil
}

// PendingOps reports how many received ops are still waiting for their
// dependencies.
func (d *Doc) PendingOps() int {
	return len(d.pending)
}

// EncodeStateVector serialises the replica's state vector.
func (d *Doc) EncodeStateVector() []byte {
	return d.vector.Encode()
}

// Vector returns a copy of the replica's state vector.
func (d *Doc) Vector() StateVector {
	out := make(StateVector, len(d.vector))
	for k, v := range d.vector {
		out[k] = v
	}
	return out
}

// EncodeUpdateSince serialises every op newer than the given state
// vector. A nil or empty vector yields the full document state.
func (d *Doc) EncodeUpdateSince(sv StateVector) []byte {
	w := &writer{}

	clients := make([]uint64, 0, len(d.log))
	for client := range d.log {
		if len(d.opsSince(client, sv[client])) > 0 {
			clients = append(clients, client)
		}
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	w.uvarint(uint64(len(clients)))
	for _, client := range clients {
		ops := d.opsSince(client, sv[client])
		w.uvarint(client)
		w.uvarint(uint64(len(ops)))
		for _, o := range ops {
			w.byte(byte(o.typ))
			w.uvarint(o.id.Clock)
			o.encodeBody(w)
		}
	}
	return w.buf
}

// EncodeFullUpdate serialises the complete document state.
func (d *Doc) EncodeFullUpdate() []byte {
	return d.EncodeUpdateSince(nil)
}

func (d *Doc) opsSince(client, clock uint64) []*op {
	ops := d.log[client]
	// ops are appended in increasing clock order; find the suffix.
	i := sort.Search(len(ops), func(i int) bool { return ops[i].id.Clock > clock })
	return ops[i:]
}

// Encode serialises a state vector.
func (sv StateVector) Encode() []byte {
	w := &writer{}
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	w.uvarint(uint64(len(clients)))
	for _, c := range clients {
		w.uvarint(c)
		w.uvarint(sv[c])
	}
	return w.buf
}

// DecodeStateVector parses a serialised state vector. Nil or empty
// input decodes to an empty vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(b) == 0 {
		return sv, nil
	}
	r := &reader{buf: b}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	return sv, nil
}

func decodeUpdate(update []byte) ([]*op, error) {
	if len(update) == 0 {
		return nil, nil
	}
	r := &reader{buf: update}
	nClients, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	var ops []*op
	for i := uint64(0); i < nClients; i++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if client == 0 {
			return nil, fmt.Errorf("crdt: client id 0 in update")
		}
		nOps, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		for j := uint64(0); j < nOps; j++ {
			typ, err := r.byte()
			if err != nil {
				return nil, err
			}
			clock, err := r.uvarint()
			if err != nil {
				return nil, err
			}
			o, err := decodeOpBody(r, opType(typ), ID{Client: client, Clock: clock})
			if err != nil {
				return nil, err
			}
			ops = append(ops, o)
		}
	}
	if !r.done() {
		return nil, fmt.Errorf("crdt: %d trailing bytes in update", len(update)-r.pos)
	}
	return ops, nil
}
