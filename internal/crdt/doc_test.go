package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sync(t *testing.T, from, to *Doc) {
	t.Helper()
	update := from.EncodeUpdateSince(to.Vector())
	require.NoError(t, to.ApplyUpdate(update))
}

func TestMapSetGet(t *testing.T) {
	d := NewDocWithClient(1)
	m := d.GetMap("meta")
	m.Set("name", String("My Workspace"))
	m.Set("count", Number(3))
	m.Set("flag", Bool(true))

	v, ok := m.Get("name")
	require.True(t, ok)
	assert.Equal(t, "My Workspace", v.Str())

	v, ok = m.Get("count")
	require.True(t, ok)
	assert.Equal(t, 3.0, v.Number())

	m.Delete("flag")
	_, ok = m.Get("flag")
	assert.False(t, ok)
	assert.Equal(t, []string{"count", "name"}, m.Keys())
}

func TestMapLastWriterWins(t *testing.T) {
	a := NewDocWithClient(1)
	b := NewDocWithClient(2)

	a.GetMap("m").Set("k", String("from-a"))
	sync(t, a, b)

	// Concurrent writes to the same key on both replicas.
	a.GetMap("m").Set("k", String("a2"))
	b.GetMap("m").Set("k", String("b2"))

	sync(t, a, b)
	sync(t, b, a)

	va, _ := a.GetMap("m").Get("k")
	vb, _ := b.GetMap("m").Get("k")
	assert.Equal(t, va.Str(), vb.Str(), "replicas must converge")
}

func TestArrayInsertOrder(t *testing.T) {
	d := NewDocWithClient(1)
	arr := d.GetArray("list")
	arr.Push(String("a"), String("c"))
	arr.Insert(1, String("b"))

	require.Equal(t, 3, arr.Len())
	got := arr.ToGo()
	assert.Equal(t, []interface{}{"a", "b", "c"}, got)

	arr.Delete(0, 1)
	assert.Equal(t, []interface{}{"b", "c"}, arr.ToGo())
}

func TestArrayConcurrentInsertConverges(t *testing.T) {
	a := NewDocWithClient(1)
	b := NewDocWithClient(2)

	a.GetArray("list").Push(String("base"))
	sync(t, a, b)

	a.GetArray("list").Push(String("from-a"))
	b.GetArray("list").Push(String("from-b"))

	sync(t, a, b)
	sync(t, b, a)

	assert.Equal(t, a.GetArray("list").ToGo(), b.GetArray("list").ToGo())
	assert.Len(t, a.GetArray("list").ToGo(), 3)
}

func TestTextInsertDelete(t *testing.T) {
	d := NewDocWithClient(1)
	txt := d.GetText("title")
	txt.Insert(0, "Hello world")
	txt.Insert(5, ",")
	require.Equal(t, "Hello, world", txt.String())

	txt.Delete(0, 7)
	assert.Equal(t, "world", txt.String())

	txt.SetString("Bonjour")
	assert.Equal(t, "Bonjour", txt.String())
	assert.Equal(t, 7, txt.Len())
}

func TestTextDelta(t *testing.T) {
	d := NewDocWithClient(1)
	txt := d.GetText("t")
	txt.Insert(0, "plain ")
	txt.InsertWithAttrs(6, "bold", map[string]interface{}{"bold": true})

	spans := txt.Delta()
	require.Len(t, spans, 2)
	assert.Equal(t, "plain ", spans[0].Insert)
	assert.Nil(t, spans[0].Attributes)
	assert.Equal(t, "bold", spans[1].Insert)
	assert.Equal(t, true, spans[1].Attributes["bold"])
}

func TestNestedContainers(t *testing.T) {
	d := NewDocWithClient(1)
	blocks := d.GetMap("blocks")
	block := blocks.SetMap("blk-1")
	block.Set("sys:flavour", String("affine:paragraph"))
	children := block.SetArray("sys:children")
	children.Push(String("blk-2"))
	text := block.SetText("prop:text")
	text.Insert(0, "hello")

	// Round-trip through the wire format into a fresh replica.
	other := NewDocWithClient(2)
	require.NoError(t, other.ApplyUpdate(d.EncodeFullUpdate()))

	got, ok := other.GetMap("blocks").GetMap("blk-1")
	require.True(t, ok)
	v, _ := got.Get("sys:flavour")
	assert.Equal(t, "affine:paragraph", v.Str())

	childArr, ok := got.GetArray("sys:children")
	require.True(t, ok)
	assert.Equal(t, []interface{}{"blk-2"}, childArr.ToGo())

	gotText, ok := got.GetText("prop:text")
	require.True(t, ok)
	assert.Equal(t, "hello", gotText.String())
}

func TestNestedContainerRendersLogicalContents(t *testing.T) {
	// The wrapper and its inner map are both CRDT maps; serialising and
	// decoding must expose the inner elements by id, not internal fields.
	d := NewDocWithClient(1)
	surface := d.GetMap("blocks").SetMap("surface")
	wrapper := surface.SetMap("prop:elements")
	wrapper.Set("type", String("$blocksuite:internal:native$"))
	inner := wrapper.SetMap("value")
	el := inner.SetMap("el-1")
	el.Set("type", String("shape"))

	other := NewDocWithClient(2)
	require.NoError(t, other.ApplyUpdate(d.EncodeFullUpdate()))

	rendered := other.GetMap("blocks").ToGo()
	surfaceGo := rendered["surface"].(map[string]interface{})
	wrapperGo := surfaceGo["prop:elements"].(map[string]interface{})
	assert.Equal(t, "$blocksuite:internal:native$", wrapperGo["type"])
	valueGo := wrapperGo["value"].(map[string]interface{})
	elGo, ok := valueGo["el-1"].(map[string]interface{})
	require.True(t, ok, "inner elements must be addressable by id")
	assert.Equal(t, "shape", elGo["type"])
}

func TestStateVectorDiff(t *testing.T) {
	a := NewDocWithClient(1)
	b := NewDocWithClient(2)

	a.GetMap("m").Set("k1", String("v1"))
	full := a.EncodeFullUpdate()
	require.NoError(t, b.ApplyUpdate(full))

	a.GetMap("m").Set("k2", String("v2"))
	diff := a.EncodeUpdateSince(b.Vector())
	assert.Less(t, len(diff), len(a.EncodeFullUpdate()))
	require.NoError(t, b.ApplyUpdate(diff))

	assert.Equal(t, a.GetMap("m").ToGo(), b.GetMap("m").ToGo())
}

func TestApplyIsIdempotent(t *testing.T) {
	a := NewDocWithClient(1)
	b := NewDocWithClient(2)

	a.GetArray("list").Push(String("x"), String("y"))
	update := a.EncodeFullUpdate()
	require.NoError(t, b.ApplyUpdate(update))
	require.NoError(t, b.ApplyUpdate(update))
	require.NoError(t, b.ApplyUpdate(update))

	assert.Equal(t, []interface{}{"x", "y"}, b.GetArray("list").ToGo())
}

func TestApplyBuffersOutOfOrder(t *testing.T) {
	a := NewDocWithClient(1)
	b := NewDocWithClient(2)

	// first carries the nested container's creation; second carries only
	// a write into it.
	nested := a.GetMap("m").SetMap("nested")
	first := a.EncodeFullUpdate()
	afterFirst := a.Vector()

	nested.Set("inner", String("deep"))
	second := a.EncodeUpdateSince(afterFirst)

	require.NoError(t, b.ApplyUpdate(second))
	assert.Greater(t, b.PendingOps(), 0, "write into an unseen container must buffer")
	_, ok := b.GetMap("m").GetMap("nested")
	assert.False(t, ok, "buffered write must not be visible")

	require.NoError(t, b.ApplyUpdate(first))
	assert.Equal(t, 0, b.PendingOps())

	m, ok := b.GetMap("m").GetMap("nested")
	require.True(t, ok)
	v, _ := m.Get("inner")
	assert.Equal(t, "deep", v.Str())
}

func TestApplyRejectsGarbage(t *testing.T) {
	d := NewDocWithClient(1)
	err := d.ApplyUpdate([]byte{0xff, 0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrApplyFailed)
}

func TestPlainValuesAreLeaves(t *testing.T) {
	d := NewDocWithClient(1)
	m := d.GetMap("m")
	m.Set("tags", JSONValue([]string{"a", "b"}))

	v, ok := m.Get("tags")
	require.True(t, ok)
	assert.Equal(t, []interface{}{"a", "b"}, v.Interface())

	assert.Panics(t, func() {
		m.Set("bad", Value{kind: KindMap})
	}, "container values must go through SetMap")
}
