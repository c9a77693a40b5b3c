package composer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// fakeUpstream keeps server-side replicas in memory: loads hand out a
// fresh copy, pushes apply the update to the stored replica.
type fakeUpstream struct {
	t       *testing.T
	docs    map[string]*crdt.Doc
	pushErr map[string]error
	pushes  []string
	graphql func(query string, vars map[string]interface{}) (interface{}, error)

	// strict makes loads of never-pushed docs fail the way the upstream
	// does, instead of handing out an implicit empty replica.
	strict bool
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	return &fakeUpstream{
		t:       t,
		docs:    make(map[string]*crdt.Doc),
		pushErr: make(map[string]error),
	}
}

func (f *fakeUpstream) stored(docID string) *crdt.Doc {
	if d, ok := f.docs[docID]; ok {
		return d
	}
	d := crdt.NewDoc()
	f.docs[docID] = d
	return d
}

func (f *fakeUpstream) LoadDoc(_ context.Context, _, docID string) (*crdt.Doc, crdt.StateVector, int64, error) {
	if _, ok := f.docs[docID]; !ok && f.strict {
		return nil, nil, 0, errcode.New(errcode.CodeDocNotFound, "doc %s not found", docID)
	}
	stored := f.stored(docID)
	replica := crdt.NewDoc()
	if update := stored.EncodeFullUpdate(); len(update) > 0 {
		if err := replica.ApplyUpdate(update); err != nil {
			f.t.Fatalf("load %s: %v", docID, err)
		}
	}
	return replica, stored.Vector(), 1700000000000, nil
}

func (f *fakeUpstream) PushUpdate(_ context.Context, _, docID string, update []byte) (int64, error) {
	if err := f.pushErr[docID]; err != nil {
		return 0, err
	}
	if err := f.stored(docID).ApplyUpdate(update); err != nil {
		return 0, err
	}
	f.pushes = append(f.pushes, docID)
	return 1700000000001, nil
}

func (f *fakeUpstream) GraphQL(_ context.Context, query string, vars map[string]interface{}, out interface{}) error {
	if f.graphql == nil {
		f.t.Fatalf("unexpected graphql call: %s", query)
	}
	data, err := f.graphql(query, vars)
	if err != nil {
		return err
	}
	if out == nil || data == nil {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeUpstream) UserID() string  { return "user-1" }
func (f *fakeUpstream) BaseURL() string { return "https://affine.example" }

func newComposer(t *testing.T) (*Composer, *fakeUpstream) {
	f := newFakeUpstream(t)
	return New(f, func() int64 { return 1700000000000 }), f
}

func seedFolder(f *fakeUpstream, ws, folderID, name string) {
	folders := f.stored(FoldersDocID(ws)).GetMap(FoldersRoot)
	node := folders.SetMap(folderID)
	node.Set("id", crdt.String(folderID))
	node.Set("parentId", crdt.Null())
	node.Set("type", crdt.String("folder"))
	node.Set("data", crdt.String(name))
	node.Set("index", crdt.String("a0"))
}

func TestCreateDocumentCrossDocConsistency(t *testing.T) {
	c, f := newComposer(t)
	seedFolder(f, "W1", "F1", "Inbox")

	res, err := c.CreateDocument(context.Background(), "W1", CreateSpec{
		Title:    "Hello",
		Markdown: "# Hello\n\nworld",
		FolderID: "F1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.DocID)
	assert.NotEmpty(t, res.FolderNodeID)
	assert.Equal(t, "Hello", res.Title)
	assert.NotZero(t, res.Timestamp)

	// Exactly one index entry for the doc.
	index := f.stored("W1")
	pages, ok := index.GetMap(MetaRoot).GetArray("pages")
	require.True(t, ok)
	matches := 0
	for i := 0; i < pages.Len(); i++ {
		v, _ := pages.Get(i)
		entry, _ := v.Map()
		if id, _ := entry.Get("id"); id.Str() == res.DocID {
			matches++
			title, _ := entry.Get("title")
			assert.Equal(t, "Hello", title.Str())
			tags, _ := entry.Get("tags")
			assert.Equal(t, []interface{}{}, tags.Interface())
		}
	}
	assert.Equal(t, 1, matches)

	// Exactly one properties record with mode and creator.
	props := f.stored(PropertiesDocID("W1")).GetMap(PropsRoot)
	record, ok := props.GetMap(res.DocID)
	require.True(t, ok)
	mode, _ := record.Get("primaryMode")
	assert.Equal(t, "page", mode.Str())
	creator, _ := record.Get("createdBy")
	assert.Equal(t, "user-1", creator.Str())

	// Exactly one folder node referencing the doc.
	folders := f.stored(FoldersDocID("W1")).GetMap(FoldersRoot)
	node, ok := folders.GetMap(res.FolderNodeID)
	require.True(t, ok)
	typ, _ := node.Get("type")
	assert.Equal(t, "doc", typ.Str())
	data, _ := node.Get("data")
	assert.Equal(t, res.DocID, data.Str())
	parent, _ := node.Get("parentId")
	assert.Equal(t, "F1", parent.Str())

	// Content page title matches, markdown lowered under the note.
	tree := docmodel.New(f.stored(res.DocID))
	assert.Equal(t, "Hello", tree.Title())
	md, err := tree.Markdown()
	require.NoError(t, err)
	assert.Equal(t, "# Hello\n\nworld", strings.TrimSpace(md))
}

func TestCreateDocumentOnPristineWorkspace(t *testing.T) {
	c, f := newComposer(t)
	f.strict = true

	// No auxiliary doc exists yet; the first create must initialise
	// them rather than die on the load.
	res, err := c.CreateDocument(context.Background(), "W1", CreateSpec{Title: "First"})
	require.NoError(t, err)

	_, ok := f.docs["W1"]
	assert.True(t, ok, "index doc must be created by the first write")
	_, ok = f.docs[PropertiesDocID("W1")]
	assert.True(t, ok, "properties doc must be created by the first write")

	// Folder creation bootstraps the folders doc the same way.
	folderID, err := c.CreateFolder(context.Background(), "W1", "Inbox", "")
	require.NoError(t, err)

	res2, err := c.CreateDocument(context.Background(), "W1", CreateSpec{Title: "Second", FolderID: folderID})
	require.NoError(t, err)
	assert.NotEmpty(t, res2.FolderNodeID)

	index := f.stored("W1")
	pages, ok := index.GetMap(MetaRoot).GetArray("pages")
	require.True(t, ok)
	assert.Equal(t, 2, pages.Len())
	_, found := findIndexEntry(index, res.DocID)
	assert.True(t, found)
}

func TestCreateDocumentSuppliedIDConflict(t *testing.T) {
	c, _ := newComposer(t)

	res, err := c.CreateDocument(context.Background(), "W1", CreateSpec{DocID: "D1", Title: "First"})
	require.NoError(t, err)
	assert.Equal(t, "D1", res.DocID)

	_, err = c.CreateDocument(context.Background(), "W1", CreateSpec{DocID: "D1", Title: "Second"})
	require.Error(t, err)
	assert.Equal(t, errcode.CodeDocumentExists, errcode.CodeOf(err))
}

func TestCreateDocumentStepFailureSurfacesDocID(t *testing.T) {
	c, f := newComposer(t)
	f.pushErr[PropertiesDocID("W1")] = errcode.New(errcode.CodeDocUpdateBlocked, "blocked")

	_, err := c.CreateDocument(context.Background(), "W1", CreateSpec{Title: "Hello"})
	require.Error(t, err)

	var step *StepError
	require.True(t, errors.As(err, &step))
	assert.Equal(t, 3, step.Step)
	assert.NotEmpty(t, step.DocID)
	assert.Equal(t, errcode.CodeDocUpdateBlocked, errcode.CodeOf(err))

	// Steps 1 and 2 are durable: the content doc and index entry exist.
	assert.Contains(t, f.pushes, step.DocID)
	_, found := findIndexEntry(f.stored("W1"), step.DocID)
	assert.True(t, found)
}

func TestUpdateDocumentTitleAndTags(t *testing.T) {
	c, f := newComposer(t)
	res, err := c.CreateDocument(context.Background(), "W1", CreateSpec{Title: "Old"})
	require.NoError(t, err)

	title := "New"
	tags := []string{"a", "b"}
	require.NoError(t, c.UpdateDocument(context.Background(), "W1", res.DocID, UpdatePatch{
		Title: &title,
		Tags:  &tags,
	}))

	tree := docmodel.New(f.stored(res.DocID))
	assert.Equal(t, "New", tree.Title())

	i, found := findIndexEntry(f.stored("W1"), res.DocID)
	require.True(t, found)
	pages, _ := f.stored("W1").GetMap(MetaRoot).GetArray("pages")
	v, _ := pages.Get(i)
	entry, _ := v.Map()
	entryTitle, _ := entry.Get("title")
	assert.Equal(t, "New", entryTitle.Str())
	entryTags, _ := entry.Get("tags")
	assert.Equal(t, []interface{}{"a", "b"}, entryTags.Interface())

	record, ok := f.stored(PropertiesDocID("W1")).GetMap(PropsRoot).GetMap(res.DocID)
	require.True(t, ok)
	recTags, _ := record.Get("tags")
	assert.Equal(t, []interface{}{"a", "b"}, recTags.Interface())
}

func TestUpdateDocumentMarkdownReplacement(t *testing.T) {
	c, f := newComposer(t)
	res, err := c.CreateDocument(context.Background(), "W1", CreateSpec{Title: "Doc", Markdown: "old text"})
	require.NoError(t, err)

	md := "# Fresh\n\ncontent"
	require.NoError(t, c.UpdateDocument(context.Background(), "W1", res.DocID, UpdatePatch{Markdown: &md}))

	out, err := docmodel.New(f.stored(res.DocID)).Markdown()
	require.NoError(t, err)
	assert.Equal(t, "# Fresh\n\ncontent", strings.TrimSpace(out))
	assert.NotContains(t, out, "old text")
}

func TestDeleteDocumentCleanup(t *testing.T) {
	c, f := newComposer(t)
	seedFolder(f, "W1", "F1", "Inbox")
	res, err := c.CreateDocument(context.Background(), "W1", CreateSpec{Title: "Gone", FolderID: "F1"})
	require.NoError(t, err)

	require.NoError(t, c.DeleteDocument(context.Background(), "W1", res.DocID))

	_, found := findIndexEntry(f.stored("W1"), res.DocID)
	assert.False(t, found, "index entry must be removed")

	record, ok := f.stored(PropertiesDocID("W1")).GetMap(PropsRoot).GetMap(res.DocID)
	require.True(t, ok)
	deleted, _ := record.Get("deleted")
	assert.True(t, deleted.Bool())
	tags, _ := record.Get("tags")
	assert.Equal(t, []interface{}{}, tags.Interface())

	node, ok := f.stored(FoldersDocID("W1")).GetMap(FoldersRoot).GetMap(res.FolderNodeID)
	require.True(t, ok)
	nodeDeleted, _ := node.Get("deleted")
	assert.True(t, nodeDeleted.Bool())
	parent, _ := node.Get("parentId")
	assert.Nil(t, parent.Interface())

	meta, ok := f.stored(res.DocID).GetMap("meta").Get("deleted")
	require.True(t, ok)
	assert.True(t, meta.Bool())
}

func TestPublishAndRevoke(t *testing.T) {
	c, f := newComposer(t)
	f.graphql = func(query string, vars map[string]interface{}) (interface{}, error) {
		switch {
		case strings.Contains(query, "publishDoc"):
			assert.Equal(t, "Page", vars["mode"])
			return map[string]interface{}{"publishDoc": map[string]interface{}{
				"id": vars["docId"], "mode": "Page", "public": true,
			}}, nil
		case strings.Contains(query, "revokePublicDoc"):
			return map[string]interface{}{"revokePublicDoc": map[string]interface{}{
				"id": vars["docId"], "public": false,
			}}, nil
		}
		return nil, errcode.New(errcode.CodeInternal, "unexpected query")
	}

	rec, err := c.Publish(context.Background(), "W1", "D1", "page")
	require.NoError(t, err)
	assert.True(t, rec.Public)
	assert.Equal(t, "https://affine.example/workspace/W1/D1", rec.URL)

	require.NoError(t, c.Revoke(context.Background(), "W1", "D1"))
}

func TestCreateFolderValidatesParent(t *testing.T) {
	c, f := newComposer(t)
	seedFolder(f, "W1", "F1", "Inbox")

	id, err := c.CreateFolder(context.Background(), "W1", "Sub", "F1")
	require.NoError(t, err)
	node, ok := f.stored(FoldersDocID("W1")).GetMap(FoldersRoot).GetMap(id)
	require.True(t, ok)
	data, _ := node.Get("data")
	assert.Equal(t, "Sub", data.Str())

	_, err = c.CreateFolder(context.Background(), "W1", "Nope", "missing")
	assert.Equal(t, errcode.CodeFolderNotFound, errcode.CodeOf(err))
}
