package crdt

import (
	"encoding/json"
	"fmt"
)

// Kind enumerates the value kinds a container slot may hold.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	// KindJSON holds an opaque JSON-encoded leaf (plain arrays and
	// objects that are not collaborative, e.g. tag lists and xywh
	// strings are stored as strings or JSON leaves).
	KindJSON
	// Container kinds. A container value is a reference to a CRDT
	// container owned by the document; it is never a plain Go map.
	KindMap
	KindArray
	KindText
)

// Value is a tagged union of the primitive kinds plus references to
// nested CRDT containers. Container values can only be produced by the
// document itself (SetMap, PushArray, ...), which is what enforces the
// containers-all-the-way-down invariant: there is no constructor that
// wraps a plain Go map into a container value.
type Value struct {
	kind Kind
	b    bool
	f    float64
	s    string
	raw  []byte
	cid  ID
	doc  *Doc
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, f: f} }

// Int returns a numeric value from an int64.
func Int(i int64) Value { return Value{kind: KindNumber, f: float64(i)} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// JSONValue marshals v into an opaque JSON leaf. It panics if v cannot
// be marshalled; callers pass literals and already-validated data.
func JSONValue(v interface{}) Value {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("crdt: unmarshallable JSON leaf: %v", err))
	}
	return Value{kind: KindJSON, raw: raw}
}

// Kind reports the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsContainer reports whether the value references a nested container.
func (v Value) IsContainer() bool {
	return v.kind == KindMap || v.kind == KindArray || v.kind == KindText
}

// Bool returns the boolean payload (false for other kinds).
func (v Value) Bool() bool { return v.b }

// Number returns the numeric payload (0 for other kinds).
func (v Value) Number() float64 { return v.f }

// Str returns the string payload ("" for other kinds).
func (v Value) Str() string { return v.s }

// Map resolves a KindMap value to its handle.
func (v Value) Map() (*Map, bool) {
	if v.kind != KindMap || v.doc == nil {
		return nil, false
	}
	c := v.doc.containerByID(v.cid)
	if c == nil || c.kind != kindMap {
		return nil, false
	}
	return &Map{c: c}, true
}

// Array resolves a KindArray value to its handle.
func (v Value) Array() (*Array, bool) {
	if v.kind != KindArray || v.doc == nil {
		return nil, false
	}
	c := v.doc.containerByID(v.cid)
	if c == nil || c.kind != kindArray {
		return nil, false
	}
	return &Array{c: c}, true
}

// Text resolves a KindText value to its handle.
func (v Value) Text() (*Text, bool) {
	if v.kind != KindText || v.doc == nil {
		return nil, false
	}
	c := v.doc.containerByID(v.cid)
	if c == nil || c.kind != kindText {
		return nil, false
	}
	return &Text{c: c}, true
}

// Interface renders the value as plain Go data. Containers render
// recursively: maps to map[string]interface{}, arrays to
// []interface{}, text to its string content.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.f
	case KindString:
		return v.s
	case KindJSON:
		var out interface{}
		if err := json.Unmarshal(v.raw, &out); err != nil {
			return nil
		}
		return out
	case KindMap:
		if m, ok := v.Map(); ok {
			return m.ToGo()
		}
	case KindArray:
		if a, ok := v.Array(); ok {
			return a.ToGo()
		}
	case KindText:
		if t, ok := v.Text(); ok {
			return t.String()
		}
	}
	return nil
}

// FromGo converts plain Go data (as produced by encoding/json) into a
// leaf Value. Maps and slices become opaque JSON leaves, NOT CRDT
// containers; collaborative structure must be built through the
// container API.
func FromGo(v interface{}) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case string:
		return String(t)
	default:
		return JSONValue(v)
	}
}
