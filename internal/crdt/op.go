package crdt

import (
	"fmt"
	"unicode/utf8"
)

type opType uint8

const (
	opMapSet opType = iota + 1
	opMapDelete
	opArrayInsert
	opTextInsert
	opSeqDelete
)

type containerKind uint8

const (
	kindMap containerKind = iota + 1
	kindArray
	kindText
)

// ref addresses a container: a named root, or a nested container by the
// ID of the operation that created it. Root refs carry the kind so a
// replica can instantiate the root on first sight.
type ref struct {
	isRoot   bool
	root     string
	rootKind containerKind
	item     ID
}

type deleteRange struct {
	client uint64
	start  uint64
	length uint64
}

// op is a single replicated operation. An op occupies span() clocks
// starting at id.Clock: multi-value array inserts and multi-rune text
// inserts allocate one clock per element so deletions can address
// individual elements.
type op struct {
	typ    opType
	id     ID
	target ref

	// map ops
	key   string
	value Value

	// array insert
	values []Value

	// sequence inserts
	origin ID
	text   string
	attrs  []byte

	// sequence delete
	ranges []deleteRange
}

func (o *op) span() uint64 {
	switch o.typ {
	case opArrayInsert:
		return uint64(len(o.values))
	case opTextInsert:
		return uint64(utf8.RuneCountInString(o.text))
	default:
		return 1
	}
}

func (w *writer) ref(r ref) {
	if r.isRoot {
		w.byte(0)
		w.byte(byte(r.rootKind))
		w.string(r.root)
	} else {
		w.byte(1)
		w.id(r.item)
	}
}

func (r *reader) ref() (ref, error) {
	tag, err := r.byte()
	if err != nil {
		return ref{}, err
	}
	switch tag {
	case 0:
		kind, err := r.byte()
		if err != nil {
			return ref{}, err
		}
		name, err := r.string()
		if err != nil {
			return ref{}, err
		}
		return ref{isRoot: true, root: name, rootKind: containerKind(kind)}, nil
	case 1:
		id, err := r.id()
		if err != nil {
			return ref{}, err
		}
		return ref{item: id}, nil
	default:
		return ref{}, fmt.Errorf("crdt: unknown ref tag %d", tag)
	}
}

func (w *writer) value(v Value) {
	w.byte(byte(v.kind))
	switch v.kind {
	case KindNull, KindMap, KindArray, KindText:
		// container identity is the op id; nothing to encode
	case KindBool:
		if v.b {
			w.byte(1)
		} else {
			w.byte(0)
		}
	case KindNumber:
		w.float(v.f)
	case KindString:
		w.string(v.s)
	case KindJSON:
		w.bytes(v.raw)
	}
}

func (r *reader) value() (Value, error) {
	kind, err := r.byte()
	if err != nil {
		return Value{}, err
	}
	switch Kind(kind) {
	case KindNull, KindMap, KindArray, KindText:
		return Value{kind: Kind(kind)}, nil
	case KindBool:
		b, err := r.byte()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindBool, b: b == 1}, nil
	case KindNumber:
		f, err := r.float()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindNumber, f: f}, nil
	case KindString:
		s, err := r.string()
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindString, s: s}, nil
	case KindJSON:
		raw, err := r.bytes()
		if err != nil {
			return Value{}, err
		}
		cp := make([]byte, len(raw))
		copy(cp, raw)
		return Value{kind: KindJSON, raw: cp}, nil
	default:
		return Value{}, fmt.Errorf("crdt: unknown value kind %d", kind)
	}
}

// encodeBody writes the op payload (everything after type and clock).
func (o *op) encodeBody(w *writer) {
	w.ref(o.target)
	switch o.typ {
	case opMapSet:
		w.string(o.key)
		w.value(o.value)
	case opMapDelete:
		w.string(o.key)
	case opArrayInsert:
		w.id(o.origin)
		w.uvarint(uint64(len(o.values)))
		for _, v := range o.values {
			w.value(v)
		}
	case opTextInsert:
		w.id(o.origin)
		w.string(o.text)
		w.bytes(o.attrs)
	case opSeqDelete:
		w.uvarint(uint64(len(o.ranges)))
		for _, dr := range o.ranges {
			w.uvarint(dr.client)
			w.uvarint(dr.start)
			w.uvarint(dr.length)
		}
	}
}

func decodeOpBody(r *reader, typ opType, id ID) (*op, error) {
	target, err := r.ref()
	if err != nil {
		return nil, err
	}
	o := &op{typ: typ, id: id, target: target}
	switch typ {
	case opMapSet:
		if o.key, err = r.string(); err != nil {
			return nil, err
		}
		if o.value, err = r.value(); err != nil {
			return nil, err
		}
	case opMapDelete:
		if o.key, err = r.string(); err != nil {
			return nil, err
		}
	case opArrayInsert:
		if o.origin, err = r.id(); err != nil {
			return nil, err
		}
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		o.values = make([]Value, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := r.value()
			if err != nil {
				return nil, err
			}
			o.values = append(o.values, v)
		}
	case opTextInsert:
		if o.origin, err = r.id(); err != nil {
			return nil, err
		}
		if o.text, err = r.string(); err != nil {
			return nil, err
		}
		if o.attrs, err = r.bytes(); err != nil {
			return nil, err
		}
		if len(o.attrs) == 0 {
			o.attrs = nil
		}
	case opSeqDelete:
		n, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		o.ranges = make([]deleteRange, 0, n)
		for i := uint64(0); i < n; i++ {
			var dr deleteRange
			if dr.client, err = r.uvarint(); err != nil {
				return nil, err
			}
			if dr.start, err = r.uvarint(); err != nil {
				return nil, err
			}
			if dr.length, err = r.uvarint(); err != nil {
				return nil, err
			}
			o.ranges = append(o.ranges, dr)
		}
	default:
		return nil, fmt.Errorf("crdt: unknown op type %d", typ)
	}
	return o, nil
}
