package edgeless

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/errcode"
)

func newSurface(t *testing.T) *docmodel.Tree {
	t.Helper()
	tree := docmodel.New(crdt.NewDoc())
	tree.Init("Canvas", "user-1", 1700000000000)
	return tree
}

func TestNextIndexMonotonic(t *testing.T) {
	var indices []string
	for i := 0; i < 50; i++ {
		next := NextIndex(indices)
		for _, prev := range indices {
			assert.Greater(t, next, prev)
		}
		indices = append(indices, next)
	}
}

func TestBetween(t *testing.T) {
	cases := [][2]string{
		{"a0", "a2"},
		{"a0", "a1"},
		{"a0", "a0h"},
		{"a", "b"},
	}
	for _, c := range cases {
		mid := Between(c[0], c[1])
		assert.Greater(t, mid, c[0], "Between(%q,%q)", c[0], c[1])
		assert.Less(t, mid, c[1], "Between(%q,%q)", c[0], c[1])
	}
}

func TestXYWHRoundTrip(t *testing.T) {
	box := XYWH{50, 50, 200, 200}
	s := EncodeXYWH(box)
	assert.Equal(t, "[50,50,200,200]", s)
	back, err := DecodeXYWH(s)
	require.NoError(t, err)
	assert.Equal(t, box, back)
}

func TestCreateShapeDefaults(t *testing.T) {
	tree := newSurface(t)
	elem, err := CreateShape(tree, ShapeOptions{ShapeType: "rect", XYWH: XYWH{0, 0, 100, 100}})
	require.NoError(t, err)

	assert.Equal(t, "shape", elem["type"])
	assert.Equal(t, "rect", elem["shapeType"])
	assert.Equal(t, "#fff", elem["fillColor"])
	assert.Equal(t, "#000", elem["strokeColor"])
	assert.EqualValues(t, 2, elem["strokeWidth"])
	assert.Equal(t, true, elem["filled"])
	assert.Equal(t, []float64{0, 0, 100, 100}, elem["xywh"])
	assert.NotEmpty(t, elem["id"])
	assert.NotEmpty(t, elem["index"])
	seed, ok := elem["seed"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, seed, float64(0))
}

func TestLayerIndicesStrictlyIncrease(t *testing.T) {
	tree := newSurface(t)
	prev := ""
	for i := 0; i < 20; i++ {
		elem, err := CreateShape(tree, ShapeOptions{ShapeType: "rect", XYWH: XYWH{0, 0, 10, 10}})
		require.NoError(t, err)
		index := elem["index"].(string)
		assert.Greater(t, index, prev)
		prev = index
	}
}

func TestCreateConnectorDefaults(t *testing.T) {
	tree := newSurface(t)
	a, err := CreateShape(tree, ShapeOptions{ShapeType: "rect", XYWH: XYWH{0, 0, 10, 10}})
	require.NoError(t, err)
	b, err := CreateShape(tree, ShapeOptions{ShapeType: "ellipse", XYWH: XYWH{50, 0, 10, 10}})
	require.NoError(t, err)

	conn, err := CreateConnector(tree, ConnectorOptions{
		Source: Endpoint{ID: a["id"].(string)},
		Target: Endpoint{ID: b["id"].(string)},
	})
	require.NoError(t, err)

	source := conn["source"].(map[string]interface{})
	assert.Equal(t, []interface{}{float64(1), 0.5}, source["position"])
	assert.Equal(t, "#929292", conn["stroke"])
	assert.Equal(t, "Arrow", conn["rearEndpointStyle"])
}

func TestCreateBrushRebasesPoints(t *testing.T) {
	tree := newSurface(t)
	elem, err := CreateBrush(tree, BrushOptions{
		Points:    [][]float64{{100, 100, 0.5}, {150, 100, 0.7}, {200, 100, 1.0}},
		Color:     "#ff0000",
		LineWidth: 6,
	})
	require.NoError(t, err)

	assert.Equal(t, []float64{100, 100, 100, 0}, elem["xywh"])
	assert.Equal(t, "#ff0000", elem["color"])
	assert.EqualValues(t, 6, elem["lineWidth"])

	points := elem["points"].([]interface{})
	require.Len(t, points, 3)
	first := points[0].([]interface{})
	assert.Equal(t, []interface{}{float64(0), float64(0), 0.5}, first)
	last := points[2].([]interface{})
	assert.Equal(t, []interface{}{float64(100), float64(0), float64(1)}, last)
}

func TestCreateGroupChildrenAreCollaborative(t *testing.T) {
	tree := newSurface(t)
	elem, err := CreateGroup(tree, GroupOptions{Title: "cluster", Children: []string{"x", "y"}})
	require.NoError(t, err)
	assert.Equal(t, "cluster", elem["title"])

	elements, err := tree.Elements()
	require.NoError(t, err)
	group, ok := elements.GetMap(elem["id"].(string))
	require.True(t, ok)
	children, ok := group.GetMap("children")
	require.True(t, ok, "children wrapper must be a collaborative map")
	value, ok := children.GetMap("value")
	require.True(t, ok)
	assert.True(t, value.Has("x"))
	assert.True(t, value.Has("y"))
}

func TestUpdateMergesAndPreserves(t *testing.T) {
	tree := newSurface(t)
	created, err := CreateShape(tree, ShapeOptions{ShapeType: "rect", XYWH: XYWH{0, 0, 100, 100}})
	require.NoError(t, err)
	id := created["id"].(string)

	updated, err := Update(tree, id, map[string]interface{}{
		"xywh":      []interface{}{float64(50), float64(50), float64(200), float64(200)},
		"fillColor": "#fcd34d",
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 50, 200, 200}, updated["xywh"])
	assert.Equal(t, "#fcd34d", updated["fillColor"])
	assert.Equal(t, "rect", updated["shapeType"])
	assert.Equal(t, "#000", updated["strokeColor"])

	again, err := Get(tree, id)
	require.NoError(t, err)
	assert.Equal(t, updated["xywh"], again["xywh"])
}

func TestUpdateRejectsImmutableFields(t *testing.T) {
	tree := newSurface(t)
	created, err := CreateShape(tree, ShapeOptions{ShapeType: "rect"})
	require.NoError(t, err)

	_, err = Update(tree, created["id"].(string), map[string]interface{}{"seed": 1})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeInvalidInput, errcode.CodeOf(err))
}

func TestDeleteElement(t *testing.T) {
	tree := newSurface(t)
	created, err := CreateShape(tree, ShapeOptions{ShapeType: "rect"})
	require.NoError(t, err)
	id := created["id"].(string)

	require.NoError(t, Delete(tree, id))
	_, err = Get(tree, id)
	assert.Equal(t, errcode.CodeElementNotFound, errcode.CodeOf(err))
	assert.Equal(t, errcode.CodeElementNotFound, errcode.CodeOf(Delete(tree, id)))
}
