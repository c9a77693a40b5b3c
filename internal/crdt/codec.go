package crdt

import (
	"encoding/binary"
	"fmt"
	"math"
)

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// writer accumulates the varint-based binary encoding used for updates
// and state vectors.
type writer struct {
	buf []byte
}

func (w *writer) uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) bytes(p []byte) {
	w.uvarint(uint64(len(p)))
	w.buf = append(w.buf, p...)
}

func (w *writer) string(s string) {
	w.bytes([]byte(s))
}

func (w *writer) id(id ID) {
	w.uvarint(id.Client)
	w.uvarint(id.Clock)
}

func (w *writer) float(f float64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, floatBits(f))
}

// reader decodes the same encoding. All methods return an error on
// truncated input; decode never panics on malformed bytes.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("crdt: truncated varint at offset %d", r.pos)
	}
	r.pos += n
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("crdt: truncated byte at offset %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(r.pos)+n > uint64(len(r.buf)) {
		return nil, fmt.Errorf("crdt: truncated blob of %d bytes at offset %d", n, r.pos)
	}
	p := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return p, nil
}

func (r *reader) string() (string, error) {
	p, err := r.bytes()
	return string(p), err
}

func (r *reader) id() (ID, error) {
	client, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	clock, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

func (r *reader) float() (float64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("crdt: truncated float at offset %d", r.pos)
	}
	bits := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return floatFromBits(bits), nil
}

func (r *reader) done() bool {
	return r.pos >= len(r.buf)
}
