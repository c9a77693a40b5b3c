package docmodel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/errcode"
	"github.com/workspace/affine-gateway/internal/markdown"
)

const (
	testUser = "user-1"
	testNow  = int64(1700000000000)
)

func newTree(t *testing.T) (*Tree, InitResult) {
	t.Helper()
	tree := New(crdt.NewDoc())
	res := tree.Init("Title", testUser, testNow)
	return tree, res
}

func TestInitBuildsFixedTree(t *testing.T) {
	tree, res := newTree(t)

	root, err := tree.Decode()
	require.NoError(t, err)
	assert.Equal(t, FlavourPage, root.Flavour)
	assert.Equal(t, "Title", root.Props["title"])
	require.Len(t, root.Children, 2)
	assert.Equal(t, FlavourSurface, root.Children[0].Flavour)
	assert.Equal(t, FlavourNote, root.Children[1].Flavour)
	require.Len(t, root.Children[1].Children, 1)
	assert.Equal(t, FlavourParagraph, root.Children[1].Children[0].Flavour)

	assert.Equal(t, res.PageID, root.ID)
	assert.EqualValues(t, testNow, root.Props["meta:createdAt"])
	assert.Equal(t, testUser, root.Props["meta:createdBy"])
}

func TestElementsWrapperIsCollaborative(t *testing.T) {
	tree, res := newTree(t)

	surface, ok := tree.Doc().GetMap("blocks").GetMap(res.SurfaceID)
	require.True(t, ok)
	wrapper, ok := surface.GetMap("prop:elements")
	require.True(t, ok, "wrapper must be a collaborative map")
	typ, _ := wrapper.Get("type")
	assert.Equal(t, NativeWrapperType, typ.Str())
	_, ok = wrapper.GetMap("value")
	require.True(t, ok, "inner value must be a collaborative map")

	// A wire round-trip renders the inner map by logical contents.
	elements, err := tree.Elements()
	require.NoError(t, err)
	elem := elements.SetMap("el-1")
	elem.Set("type", crdt.String("shape"))

	other := crdt.NewDoc()
	require.NoError(t, other.ApplyUpdate(tree.Doc().EncodeFullUpdate()))
	decoded, err := New(other).Decode()
	require.NoError(t, err)

	surfaceView := decoded.Children[0]
	wrapperView, ok := surfaceView.Props["elements"].(map[string]interface{})
	require.True(t, ok)
	valueView, ok := wrapperView["value"].(map[string]interface{})
	require.True(t, ok)
	elemView, ok := valueView["el-1"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "shape", elemView["type"])
}

func TestAddBlockPositions(t *testing.T) {
	tree, res := newTree(t)

	end, err := tree.AddBlock(res.NoteID, FlavourParagraph, map[string]interface{}{"prop:text": "end"}, AtEnd(), testUser, testNow)
	require.NoError(t, err)
	start, err := tree.AddBlock(res.NoteID, FlavourParagraph, map[string]interface{}{"prop:text": "start"}, AtStart(), testUser, testNow)
	require.NoError(t, err)
	mid, err := tree.AddBlock(res.NoteID, FlavourParagraph, map[string]interface{}{"prop:text": "mid"}, AtIndex(1), testUser, testNow)
	require.NoError(t, err)

	note, err := tree.DecodeBlock(res.NoteID)
	require.NoError(t, err)
	var order []string
	for _, child := range note.Children {
		order = append(order, child.ID)
	}
	assert.Equal(t, []string{start, mid, res.ParagraphID, end}, order)
}

func TestAddBlockUnknownParent(t *testing.T) {
	tree, _ := newTree(t)
	_, err := tree.AddBlock("nope", FlavourParagraph, nil, AtEnd(), testUser, testNow)
	require.Error(t, err)
	assert.Equal(t, errcode.CodeBlockNotFound, errcode.CodeOf(err))
}

func TestRichTextFromDeltaSpans(t *testing.T) {
	tree, res := newTree(t)
	id, err := tree.AddBlock(res.NoteID, FlavourParagraph, map[string]interface{}{
		"prop:text": []interface{}{
			map[string]interface{}{"insert": "bold", "attributes": map[string]interface{}{"bold": true}},
			map[string]interface{}{"insert": " plain"},
		},
	}, AtEnd(), testUser, testNow)
	require.NoError(t, err)

	b, err := tree.DecodeBlock(id)
	require.NoError(t, err)
	assert.Equal(t, "bold plain", b.Props["text"])
}

func TestBlockPropsAcceptBareKeys(t *testing.T) {
	tree, res := newTree(t)

	// Callers address properties without the storage prefix; decode must
	// still see them.
	id, err := tree.AddBlock(res.NoteID, FlavourImage, map[string]interface{}{
		"sourceId": "blob-1",
		"caption":  "diagram",
		"width":    4.0,
	}, AtEnd(), testUser, testNow)
	require.NoError(t, err)

	b, err := tree.DecodeBlock(id)
	require.NoError(t, err)
	assert.Equal(t, "blob-1", b.Props["sourceId"])
	assert.Equal(t, "diagram", b.Props["caption"])
	assert.Equal(t, 4.0, b.Props["width"])

	// A bare "text" is the rich-text property, not an opaque scalar.
	require.NoError(t, tree.UpdateBlock(res.ParagraphID, map[string]interface{}{"text": "Rewritten"}, testUser, testNow))
	out, err := tree.Markdown()
	require.NoError(t, err)
	assert.Contains(t, out, "Rewritten")
}

func TestUpdateBlockReplacesTextAtomically(t *testing.T) {
	tree, res := newTree(t)
	require.NoError(t, tree.UpdateBlock(res.ParagraphID, map[string]interface{}{
		"prop:text": "first version",
	}, testUser, testNow))
	require.NoError(t, tree.UpdateBlock(res.ParagraphID, map[string]interface{}{
		"prop:text": "second",
		"prop:type": "h2",
	}, testUser, testNow+1))

	b, err := tree.DecodeBlock(res.ParagraphID)
	require.NoError(t, err)
	assert.Equal(t, "second", b.Props["text"])
	assert.Equal(t, "h2", b.Props["type"])
	assert.EqualValues(t, testNow+1, b.Props["meta:updatedAt"])
}

func TestDeleteBlockCascades(t *testing.T) {
	tree, res := newTree(t)
	child, err := tree.AddBlock(res.NoteID, FlavourParagraph, map[string]interface{}{"prop:text": "child"}, AtEnd(), testUser, testNow)
	require.NoError(t, err)
	grandchild, err := tree.AddBlock(child, FlavourParagraph, map[string]interface{}{"prop:text": "grandchild"}, AtEnd(), testUser, testNow)
	require.NoError(t, err)

	elements, err := tree.Elements()
	require.NoError(t, err)
	conn := elements.SetMap("conn-1")
	conn.Set("type", crdt.String("connector"))
	conn.Set("source", crdt.JSONValue(map[string]interface{}{"id": child, "position": []float64{1, 0.5}}))
	conn.Set("target", crdt.JSONValue(map[string]interface{}{"id": "other", "position": []float64{0, 0.5}}))

	require.NoError(t, tree.DeleteBlock(child, true))

	assert.False(t, tree.Has(child))
	assert.False(t, tree.Has(grandchild))

	note, err := tree.DecodeBlock(res.NoteID)
	require.NoError(t, err)
	for _, c := range note.Children {
		assert.NotEqual(t, child, c.ID)
	}

	src, _ := conn.Get("source")
	ep, ok := src.Interface().(map[string]interface{})
	require.True(t, ok)
	_, hasID := ep["id"]
	assert.False(t, hasID, "scrubbed endpoint must not reference a missing id")
	tgt, _ := conn.Get("target")
	epT, _ := tgt.Interface().(map[string]interface{})
	assert.Equal(t, "other", epT["id"])
}

func TestSetTitle(t *testing.T) {
	tree, _ := newTree(t)
	require.NoError(t, tree.SetTitle("Renamed"))
	assert.Equal(t, "Renamed", tree.Title())
}

func normalise(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	joined := strings.Join(lines, "\n")
	for strings.Contains(joined, "\n\n\n") {
		joined = strings.ReplaceAll(joined, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(joined)
}

func TestMarkdownRoundTrip(t *testing.T) {
	inputs := []string{
		"# Hello\n\nworld",
		"## Setup\n\nRun the thing.\n\n- step one\n- step two\n\n```sh\nmake run\n```",
		"> note to self\n\n| k | v |\n| --- | --- |\n| a | 1 |",
		"1. first\n2. second",
	}
	for _, input := range inputs {
		tree, res := newTree(t)
		specs, err := markdown.Parse(input)
		require.NoError(t, err)
		_, err = tree.AppendSpecs(res.NoteID, specs, testUser, testNow)
		require.NoError(t, err)

		out, err := tree.Markdown()
		require.NoError(t, err)
		assert.Equal(t, normalise(input), normalise(out), "round trip mismatch for %q", input)
	}
}

func TestReplaceContentDropsOldBlocks(t *testing.T) {
	tree, res := newTree(t)
	specs, err := markdown.Parse("old content")
	require.NoError(t, err)
	_, err = tree.AppendSpecs(res.NoteID, specs, testUser, testNow)
	require.NoError(t, err)

	newSpecs, err := markdown.Parse("# New\n\nfresh")
	require.NoError(t, err)
	_, err = tree.ReplaceContent(res.NoteID, newSpecs, testUser, testNow+1)
	require.NoError(t, err)

	out, err := tree.Markdown()
	require.NoError(t, err)
	assert.Equal(t, "# New\n\nfresh", normalise(out))
}
