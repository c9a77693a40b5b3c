package query

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/affine-gateway/internal/composer"
	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/errcode"
)

type fakeUpstream struct {
	docs    map[string]*crdt.Doc
	graphql func(query string) (interface{}, error)
}

func newFake() *fakeUpstream {
	return &fakeUpstream{docs: make(map[string]*crdt.Doc)}
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
	d, ok := f.docs[docID]
	if !ok {
		return nil, nil, 0, errcode.New(errcode.CodeDocNotFound, "doc %s not found", docID)
	}
	return d, d.Vector(), 0, nil
}

func (f *fakeUpstream) GraphQL(_ context.Context, query string, _ map[string]interface{}, out interface{}) error {
	data, err := f.graphql(query)
	if err != nil {
		return err
	}
	raw, _ := json.Marshal(data)
	return json.Unmarshal(raw, out)
}

func seedWorkspace(f *fakeUpstream, ws, name string) {
	meta := f.stored(ws).GetMap(composer.MetaRoot)
	meta.Set("name", crdt.String(name))
}

func seedDoc(f *fakeUpstream, ws, docID, title string, tags []string, deleted bool) {
	meta := f.stored(ws).GetMap(composer.MetaRoot)
	pages, ok := meta.GetArray("pages")
	if !ok {
		pages = meta.SetArray("pages")
	}
	entry := pages.PushMap()
	entry.Set("id", crdt.String(docID))
	entry.Set("title", crdt.String(title))
	entry.Set("createDate", crdt.Int(1))
	entry.Set("updatedDate", crdt.Int(2))
	entry.Set("tags", crdt.JSONValue(tags))

	record := f.stored(composer.PropertiesDocID(ws)).GetMap(composer.PropsRoot).SetMap(docID)
	record.Set("id", crdt.String(docID))
	record.Set("primaryMode", crdt.String("page"))
	record.Set("createdBy", crdt.String("user-1"))
	if deleted {
		record.Set("deleted", crdt.Bool(true))
	}
}

func seedFolderNode(f *fakeUpstream, ws, nodeID, parentID, typ, data, index string) {
	node := f.stored(composer.FoldersDocID(ws)).GetMap(composer.FoldersRoot).SetMap(nodeID)
	node.Set("id", crdt.String(nodeID))
	if parentID == "" {
		node.Set("parentId", crdt.Null())
	} else {
		node.Set("parentId", crdt.String(parentID))
	}
	node.Set("type", crdt.String(typ))
	node.Set("data", crdt.String(data))
	node.Set("index", crdt.String(index))
}

func TestListWorkspacesJoinsRootDoc(t *testing.T) {
	f := newFake()
	f.graphql = func(string) (interface{}, error) {
		return map[string]interface{}{"workspaces": []map[string]interface{}{
			{"id": "W1", "memberCount": 3},
			{"id": "W2", "memberCount": 1},
		}}, nil
	}
	seedWorkspace(f, "W1", "Team Docs")
	seedDoc(f, "W1", "D1", "Doc", nil, false)

	list, err := New(f).ListWorkspaces(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Team Docs", list[0].Name)
	assert.Equal(t, 3, list[0].MemberCount)
	assert.Equal(t, 1, list[0].DocCount)
	// W2 has no loadable root doc but still appears by id.
	assert.Equal(t, "W2", list[1].ID)
	assert.Empty(t, list[1].Name)
}

func TestListDocumentsFiltersDeleted(t *testing.T) {
	f := newFake()
	seedWorkspace(f, "W1", "Team")
	seedDoc(f, "W1", "D1", "Alive", []string{"a", "b"}, false)
	seedDoc(f, "W1", "D2", "Dead", nil, true)
	seedFolderNode(f, "W1", "F1", "", "folder", "Inbox", "a0")
	seedFolderNode(f, "W1", "N1", "F1", "doc", "D1", "a1")

	docs, err := New(f).ListDocuments(context.Background(), "W1", false)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "D1", docs[0].ID)
	assert.Equal(t, []string{"a", "b"}, docs[0].Tags)
	assert.Equal(t, "page", docs[0].PrimaryMode)
	assert.Equal(t, "F1", docs[0].FolderID)

	all, err := New(f).ListDocuments(context.Background(), "W1", true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGetHierarchy(t *testing.T) {
	f := newFake()
	seedWorkspace(f, "W1", "Team")
	seedDoc(f, "W1", "D1", "Notes", nil, false)
	seedDoc(f, "W1", "D2", "Plan", nil, false)
	seedFolderNode(f, "W1", "F1", "", "folder", "Projects", "a0")
	seedFolderNode(f, "W1", "N1", "F1", "doc", "D1", "a1")
	seedFolderNode(f, "W1", "N2", "F1", "doc", "D2", "a0")

	roots, err := New(f).GetHierarchy(context.Background(), "W1", false)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, "folder", roots[0].Type)
	assert.Equal(t, "Projects", roots[0].Name)
	require.Len(t, roots[0].Children, 2)
	// Children ordered by fractional index.
	assert.Equal(t, "Plan", roots[0].Children[0].Name)
	assert.Equal(t, "Notes", roots[0].Children[1].Name)
}

func TestGetFolderContents(t *testing.T) {
	f := newFake()
	seedWorkspace(f, "W1", "Team")
	seedDoc(f, "W1", "D1", "Notes", nil, false)
	seedFolderNode(f, "W1", "F1", "", "folder", "Projects", "a0")
	seedFolderNode(f, "W1", "F2", "F1", "folder", "Archive", "a0")
	seedFolderNode(f, "W1", "N1", "F1", "doc", "D1", "a1")

	entries, err := New(f).GetFolderContents(context.Background(), "W1", "F1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Archive", entries[0].Name)
	assert.Equal(t, "Notes", entries[1].Name)
	assert.Equal(t, "D1", entries[1].DocID)

	_, err = New(f).GetFolderContents(context.Background(), "W1", "missing")
	assert.Equal(t, errcode.CodeFolderNotFound, errcode.CodeOf(err))
}
