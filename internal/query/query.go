// Package query synthesises readable views of workspaces by joining
// the control plane with the three per-workspace index documents.
package query

import (
	"context"
	"log/slog"
	"sort"

	"github.com/workspace/affine-gateway/internal/composer"
	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// Upstream is the slice of the session surface the query layer reads.
type Upstream interface {
	LoadDoc(ctx context.Context, workspaceID, docID string) (*crdt.Doc, crdt.StateVector, int64, error)
	GraphQL(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error
}

// Service answers navigation queries over one session.
type Service struct {
	up Upstream
}

func New(up Upstream) *Service {
	return &Service{up: up}
}

// Workspace is the synthesised view of one tenant. The name and avatar
// come from the workspace's own root document; the control plane does
// not expose them.
type Workspace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar,omitempty"`
	MemberCount int    `json:"memberCount"`
	DocCount    int    `json:"docCount"`
}

// ListWorkspaces joins the control-plane listing with each workspace's
// root document.
func (s *Service) ListWorkspaces(ctx context.Context) ([]Workspace, error) {
	var out struct {
		Workspaces []struct {
			ID          string `json:"id"`
			MemberCount int    `json:"memberCount"`
		} `json:"workspaces"`
	}
	err := s.up.GraphQL(ctx, `query workspaces {
		workspaces { id memberCount }
	}`, nil, &out)
	if err != nil {
		return nil, err
	}

	list := make([]Workspace, 0, len(out.Workspaces))
	for _, ws := range out.Workspaces {
		entry := Workspace{ID: ws.ID, MemberCount: ws.MemberCount}
		doc, _, _, err := s.up.LoadDoc(ctx, ws.ID, ws.ID)
		if err != nil {
			// A workspace whose root doc cannot load still appears by id.
			slog.Warn("Workspace root doc load failed", "workspace", ws.ID, "error", err)
			list = append(list, entry)
			continue
		}
		meta := doc.GetMap(composer.MetaRoot)
		if v, ok := meta.Get("name"); ok {
			entry.Name = v.Str()
		}
		if v, ok := meta.Get("avatar"); ok {
			entry.Avatar = v.Str()
		}
		if pages, ok := meta.GetArray("pages"); ok {
			entry.DocCount = pages.Len()
		}
		list = append(list, entry)
	}
	return list, nil
}

// GetWorkspace returns one workspace's synthesised view.
func (s *Service) GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	list, err := s.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == workspaceID {
			return &list[i], nil
		}
	}
	return nil, errcode.New(errcode.CodeWorkspaceNotFound, "workspace %s not found", workspaceID)
}

// DocumentSummary joins a document's index entry, properties record
// and folder placement.
type DocumentSummary struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	CreateDate  int64    `json:"createDate"`
	UpdatedDate int64    `json:"updatedDate"`
	Tags        []string `json:"tags"`
	PrimaryMode string   `json:"primaryMode"`
	CreatedBy   string   `json:"createdBy,omitempty"`
	FolderID    string   `json:"folderId,omitempty"`
	Trash       bool     `json:"trash,omitempty"`
}

// ListDocuments merges the three index sources, filtering deleted and
// trashed documents unless includeDeleted is set.
func (s *Service) ListDocuments(ctx context.Context, workspaceID string, includeDeleted bool) ([]DocumentSummary, error) {
	index, _, _, err := s.up.LoadDoc(ctx, workspaceID, workspaceID)
	if err != nil {
		return nil, err
	}
	byID := map[string]*DocumentSummary{}
	var order []string

	if pages, ok := index.GetMap(composer.MetaRoot).GetArray("pages"); ok {
		for i := 0; i < pages.Len(); i++ {
			v, _ := pages.Get(i)
			entry, ok := v.Map()
			if !ok {
				continue
			}
			sum := &DocumentSummary{Tags: []string{}, PrimaryMode: "page"}
			if id, ok := entry.Get("id"); ok {
				sum.ID = id.Str()
			}
			if title, ok := entry.Get("title"); ok {
				sum.Title = title.Str()
			}
			if d, ok := entry.Get("createDate"); ok {
				sum.CreateDate = int64(d.Number())
			}
			if d, ok := entry.Get("updatedDate"); ok {
				sum.UpdatedDate = int64(d.Number())
			}
			if tags, ok := entry.Get("tags"); ok {
				sum.Tags = stringSlice(tags.Interface())
			}
			if tr, ok := entry.Get("trash"); ok {
				sum.Trash = tr.Bool()
			}
			if sum.ID != "" {
				byID[sum.ID] = sum
				order = append(order, sum.ID)
			}
		}
	}

	deleted := map[string]bool{}
	props, _, _, err := s.up.LoadDoc(ctx, workspaceID, composer.PropertiesDocID(workspaceID))
	if err == nil {
		records := props.GetMap(composer.PropsRoot)
		for _, id := range records.Keys() {
			record, ok := records.GetMap(id)
			if !ok {
				continue
			}
			sum := byID[id]
			if sum == nil {
				continue
			}
			if mode, ok := record.Get("primaryMode"); ok {
				sum.PrimaryMode = mode.Str()
			}
			if by, ok := record.Get("createdBy"); ok {
				sum.CreatedBy = by.Str()
			}
			if del, ok := record.Get("deleted"); ok && del.Bool() {
				deleted[id] = true
			}
		}
	}

	folders, _, _, err := s.up.LoadDoc(ctx, workspaceID, composer.FoldersDocID(workspaceID))
	if err == nil {
		nodes := folders.GetMap(composer.FoldersRoot)
		for _, nodeID := range nodes.Keys() {
			node, ok := nodes.GetMap(nodeID)
			if !ok {
				continue
			}
			typ, _ := node.Get("type")
			if typ.Str() != "doc" {
				continue
			}
			data, _ := node.Get("data")
			if sum := byID[data.Str()]; sum != nil {
				if parent, ok := node.Get("parentId"); ok {
					sum.FolderID = parent.Str()
				}
			}
		}
	}

	out := make([]DocumentSummary, 0, len(order))
	for _, id := range order {
		sum := byID[id]
		if !includeDeleted && (sum.Trash || deleted[id]) {
			continue
		}
		out = append(out, *sum)
	}
	return out, nil
}

// HierarchyNode is one node of the recursive workspace view.
type HierarchyNode struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // folder | doc
	Name     string           `json:"name"`
	DocID    string           `json:"docId,omitempty"`
	Mode     string           `json:"mode,omitempty"`
	Children []*HierarchyNode `json:"children,omitempty"`
	Linked   []string         `json:"linkedDocIds,omitempty"`
}

// GetHierarchy builds the folder tree and, when followLinks is set,
// scans each document's content for linked-page references to surface
// sub-documents the folder tree does not capture.
func (s *Service) GetHierarchy(ctx context.Context, workspaceID string, followLinks bool) ([]*HierarchyNode, error) {
	docs, err := s.ListDocuments(ctx, workspaceID, false)
	if err != nil {
		return nil, err
	}
	docByID := map[string]DocumentSummary{}
	for _, d := range docs {
		docByID[d.ID] = d
	}

	folders, _, _, err := s.up.LoadDoc(ctx, workspaceID, composer.FoldersDocID(workspaceID))
	if err != nil {
		return nil, err
	}
	nodes := folders.GetMap(composer.FoldersRoot)

	type rawNode struct {
		node   *HierarchyNode
		parent string
		index  string
	}
	var raw []rawNode
	for _, nodeID := range nodes.Keys() {
		node, ok := nodes.GetMap(nodeID)
		if !ok {
			continue
		}
		if del, ok := node.Get("deleted"); ok && del.Bool() {
			continue
		}
		typ, _ := node.Get("type")
		data, _ := node.Get("data")
		parent, _ := node.Get("parentId")
		index, _ := node.Get("index")

		h := &HierarchyNode{ID: nodeID, Type: typ.Str()}
		switch typ.Str() {
		case "folder":
			h.Name = data.Str()
		case "doc":
			sum, ok := docByID[data.Str()]
			if !ok {
				continue
			}
			h.DocID = sum.ID
			h.Name = sum.Title
			h.Mode = sum.PrimaryMode
			if followLinks {
				h.Linked = s.linkedDocIDs(ctx, workspaceID, sum.ID)
			}
		default:
			continue
		}
		raw = append(raw, rawNode{node: h, parent: parent.Str(), index: index.Str()})
	}

	sort.SliceStable(raw, func(i, j int) bool { return raw[i].index < raw[j].index })

	byID := map[string]*HierarchyNode{}
	for _, r := range raw {
		byID[r.node.ID] = r.node
	}
	var roots []*HierarchyNode
	for _, r := range raw {
		if parent, ok := byID[r.parent]; ok && r.parent != r.node.ID {
			parent.Children = append(parent.Children, r.node)
		} else {
			roots = append(roots, r.node)
		}
	}
	return roots, nil
}

// linkedDocIDs scans a document's rich text for linked-page
// references. Load failures degrade to an empty list.
func (s *Service) linkedDocIDs(ctx context.Context, workspaceID, docID string) []string {
	doc, _, _, err := s.up.LoadDoc(ctx, workspaceID, docID)
	if err != nil {
		return nil
	}
	tree := docmodel.New(doc)
	root, err := tree.Decode()
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	var out []string
	var walk func(b *docmodel.Block)
	walk = func(b *docmodel.Block) {
		if ref, ok := b.Props["reference"].(map[string]interface{}); ok {
			if pageID, _ := ref["pageId"].(string); pageID != "" && !seen[pageID] {
				seen[pageID] = true
				out = append(out, pageID)
			}
		}
		for _, child := range b.Children {
			walk(child)
		}
	}
	walk(root)
	return out
}

// FolderEntry is one resolved child of a folder.
type FolderEntry struct {
	NodeID string `json:"nodeId"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	DocID  string `json:"docId,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

// GetFolderContents resolves a folder's children against the document
// index so each child carries a title and mode.
func (s *Service) GetFolderContents(ctx context.Context, workspaceID, folderID string) ([]FolderEntry, error) {
	folders, _, _, err := s.up.LoadDoc(ctx, workspaceID, composer.FoldersDocID(workspaceID))
	if err != nil {
		return nil, err
	}
	nodes := folders.GetMap(composer.FoldersRoot)
	// Empty folderID addresses the root level, which has no node.
	if folderID != "" {
		if _, ok := nodes.GetMap(folderID); !ok {
			return nil, errcode.New(errcode.CodeFolderNotFound, "folder %s not found", folderID)
		}
	}

	docs, err := s.ListDocuments(ctx, workspaceID, false)
	if err != nil {
		return nil, err
	}
	docByID := map[string]DocumentSummary{}
	for _, d := range docs {
		docByID[d.ID] = d
	}

	type entryWithIndex struct {
		entry FolderEntry
		index string
	}
	var entries []entryWithIndex
	for _, nodeID := range nodes.Keys() {
		node, ok := nodes.GetMap(nodeID)
		if !ok {
			continue
		}
		if parent, ok := node.Get("parentId"); !ok || parent.Str() != folderID {
			continue
		}
		if del, ok := node.Get("deleted"); ok && del.Bool() {
			continue
		}
		typ, _ := node.Get("type")
		data, _ := node.Get("data")
		index, _ := node.Get("index")

		e := FolderEntry{NodeID: nodeID, Type: typ.Str()}
		switch typ.Str() {
		case "folder":
			e.Name = data.Str()
		case "doc":
			sum, ok := docByID[data.Str()]
			if !ok {
				continue
			}
			e.DocID = sum.ID
			e.Name = sum.Title
			e.Mode = sum.PrimaryMode
		default:
			continue
		}
		entries = append(entries, entryWithIndex{entry: e, index: index.Str()})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].index < entries[j].index })
	out := make([]FolderEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.entry)
	}
	return out, nil
}

func stringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
