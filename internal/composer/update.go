package composer

import (
	"context"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/errcode"
	"github.com/workspace/affine-gateway/internal/markdown"
)

// UpdatePatch describes a document update. Nil fields are untouched.
type UpdatePatch struct {
	Title       *string
	Tags        *[]string
	FolderID    *string
	PrimaryMode *string
	Markdown    *string
}

func (p UpdatePatch) empty() bool {
	return p.Title == nil && p.Tags == nil && p.FolderID == nil && p.PrimaryMode == nil && p.Markdown == nil
}

// UpdateDocument mirrors the create transaction: title changes touch
// both the index entry and the content page title; tag changes touch
// the index entry and the properties record; folder changes move the
// folder node; mode changes flip the properties record; Markdown
// replacement rebuilds the note's children.
func (c *Composer) UpdateDocument(ctx context.Context, workspaceID, docID string, patch UpdatePatch) error {
	if patch.empty() {
		return errcode.New(errcode.CodeInvalidInput, "update patch is empty")
	}
	now := c.now()
	userID := c.up.UserID()

	if patch.Title != nil || patch.Markdown != nil {
		_, err := c.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
			if patch.Title != nil {
				if err := tree.SetTitle(*patch.Title); err != nil {
					return err
				}
			}
			if patch.Markdown != nil {
				noteID, ok := tree.FindByFlavour(docmodel.FlavourNote)
				if !ok {
					return errcode.New(errcode.CodeBlockNotFound, "document has no note block")
				}
				specs, err := markdown.Parse(*patch.Markdown)
				if err != nil {
					return err
				}
				if _, err := tree.ReplaceContent(noteID, specs, userID, now); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return &StepError{Step: 1, DocID: docID, Err: err}
		}
	}

	if patch.Title != nil || patch.Tags != nil {
		if err := c.patchIndexEntry(ctx, workspaceID, docID, patch, now); err != nil {
			return &StepError{Step: 2, DocID: docID, Err: err}
		}
	}

	if patch.Tags != nil || patch.PrimaryMode != nil {
		if err := c.patchProperties(ctx, workspaceID, docID, patch, userID, now); err != nil {
			return &StepError{Step: 3, DocID: docID, Err: err}
		}
	}

	if patch.FolderID != nil {
		if err := c.moveFolderNode(ctx, workspaceID, docID, *patch.FolderID); err != nil {
			return &StepError{Step: 4, DocID: docID, Err: err}
		}
	}
	return nil
}

func (c *Composer) patchIndexEntry(ctx context.Context, workspaceID, docID string, patch UpdatePatch, now int64) error {
	doc, _, _, err := c.up.LoadDoc(ctx, workspaceID, workspaceID)
	if err != nil {
		return err
	}
	base := doc.Vector()

	i, found := findIndexEntry(doc, docID)
	if !found {
		return errcode.New(errcode.CodeDocNotFound, "document %s has no index entry", docID)
	}
	pages, _ := doc.GetMap(MetaRoot).GetArray("pages")
	v, _ := pages.Get(i)
	entry, _ := v.Map()

	if patch.Title != nil {
		entry.Set("title", crdt.String(*patch.Title))
	}
	if patch.Tags != nil {
		entry.Set("tags", crdt.JSONValue(orEmpty(*patch.Tags)))
	}
	entry.Set("updatedDate", crdt.Int(now))

	return c.pushDiff(ctx, workspaceID, workspaceID, doc, base)
}

func (c *Composer) patchProperties(ctx context.Context, workspaceID, docID string, patch UpdatePatch, userID string, now int64) error {
	propsDoc := PropertiesDocID(workspaceID)
	doc, err := c.loadOrInit(ctx, workspaceID, propsDoc)
	if err != nil {
		return err
	}
	base := doc.Vector()

	props := doc.GetMap(PropsRoot)
	record, ok := props.GetMap(docID)
	if !ok {
		record = props.SetMap(docID)
		record.Set("id", crdt.String(docID))
	}
	if patch.Tags != nil {
		record.Set("tags", crdt.JSONValue(orEmpty(*patch.Tags)))
	}
	if patch.PrimaryMode != nil {
		mode := *patch.PrimaryMode
		if mode != "page" && mode != "edgeless" {
			return errcode.New(errcode.CodeInvalidInput, "primaryMode must be page or edgeless")
		}
		record.Set("primaryMode", crdt.String(mode))
	}
	record.Set("updatedBy", crdt.String(userID))
	record.Set("updatedAt", crdt.Int(now))

	return c.pushDiff(ctx, workspaceID, propsDoc, doc, base)
}

func (c *Composer) moveFolderNode(ctx context.Context, workspaceID, docID, folderID string) error {
	foldersDoc := FoldersDocID(workspaceID)
	doc, err := c.loadOrInit(ctx, workspaceID, foldersDoc)
	if err != nil {
		return err
	}
	base := doc.Vector()

	folders := doc.GetMap(FoldersRoot)
	node, found := findDocNode(folders, docID)
	if !found {
		nodeID := docmodel.NewID()
		node = folders.SetMap(nodeID)
		node.Set("id", crdt.String(nodeID))
		node.Set("type", crdt.String("doc"))
		node.Set("data", crdt.String(docID))
	}
	node.Set("parentId", crdt.String(folderID))
	node.Set("index", crdt.String(nextFolderIndex(folders, folderID)))

	return c.pushDiff(ctx, workspaceID, foldersDoc, doc, base)
}

// findDocNode locates the folder node referencing a document.
func findDocNode(folders *crdt.Map, docID string) (*crdt.Map, bool) {
	for _, id := range folders.Keys() {
		node, ok := folders.GetMap(id)
		if !ok {
			continue
		}
		if typ, ok := node.Get("type"); !ok || typ.Str() != "doc" {
			continue
		}
		if data, ok := node.Get("data"); ok && data.Str() == docID {
			return node, true
		}
	}
	return nil, false
}

// DeleteDocument performs the logical delete across all four documents.
func (c *Composer) DeleteDocument(ctx context.Context, workspaceID, docID string) error {
	// Content document meta flag.
	_, err := c.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
		tree.SetDeleted(true)
		return nil
	})
	if err != nil {
		return &StepError{Step: 1, DocID: docID, Err: err}
	}

	// Remove the index entry.
	doc, _, _, err := c.up.LoadDoc(ctx, workspaceID, workspaceID)
	if err != nil {
		return &StepError{Step: 2, DocID: docID, Err: err}
	}
	base := doc.Vector()
	if i, found := findIndexEntry(doc, docID); found {
		pages, _ := doc.GetMap(MetaRoot).GetArray("pages")
		pages.Delete(i, 1)
		if err := c.pushDiff(ctx, workspaceID, workspaceID, doc, base); err != nil {
			return &StepError{Step: 2, DocID: docID, Err: err}
		}
	}

	// Properties record: deleted, tags cleared.
	propsDoc := PropertiesDocID(workspaceID)
	pdoc, err := c.loadOrInit(ctx, workspaceID, propsDoc)
	if err != nil {
		return &StepError{Step: 3, DocID: docID, Err: err}
	}
	pbase := pdoc.Vector()
	props := pdoc.GetMap(PropsRoot)
	record, ok := props.GetMap(docID)
	if !ok {
		record = props.SetMap(docID)
		record.Set("id", crdt.String(docID))
	}
	record.Set("deleted", crdt.Bool(true))
	record.Set("tags", crdt.JSONValue([]string{}))
	if err := c.pushDiff(ctx, workspaceID, propsDoc, pdoc, pbase); err != nil {
		return &StepError{Step: 3, DocID: docID, Err: err}
	}

	// Folder node: deleted, detached.
	foldersDoc := FoldersDocID(workspaceID)
	fdoc, err := c.loadOrInit(ctx, workspaceID, foldersDoc)
	if err != nil {
		return &StepError{Step: 4, DocID: docID, Err: err}
	}
	fbase := fdoc.Vector()
	if node, found := findDocNode(fdoc.GetMap(FoldersRoot), docID); found {
		node.Set("deleted", crdt.Bool(true))
		node.Set("parentId", crdt.Null())
		if err := c.pushDiff(ctx, workspaceID, foldersDoc, fdoc, fbase); err != nil {
			return &StepError{Step: 4, DocID: docID, Err: err}
		}
	}
	return nil
}

// WithContentDoc loads a content document, applies a mutation to its
// tree and pushes the resulting diff. Returns the push timestamp (zero
// when the mutation produced no ops).
func (c *Composer) WithContentDoc(ctx context.Context, workspaceID, docID string, fn func(tree *docmodel.Tree) error) (int64, error) {
	doc, _, _, err := c.up.LoadDoc(ctx, workspaceID, docID)
	if err != nil {
		return 0, err
	}
	base := doc.Vector()

	if err := fn(docmodel.New(doc)); err != nil {
		return 0, err
	}

	update := doc.EncodeUpdateSince(base)
	if len(update) == 0 {
		return 0, nil
	}
	return c.up.PushUpdate(ctx, workspaceID, docID, update)
}

// CreateFolder inserts a folder node and returns its id.
func (c *Composer) CreateFolder(ctx context.Context, workspaceID, name, parentID string) (string, error) {
	if name == "" {
		return "", errcode.New(errcode.CodeInvalidInput, "folder name is required")
	}
	foldersDoc := FoldersDocID(workspaceID)
	doc, err := c.loadOrInit(ctx, workspaceID, foldersDoc)
	if err != nil {
		return "", err
	}
	base := doc.Vector()

	folders := doc.GetMap(FoldersRoot)
	if parentID != "" {
		if parent, ok := folders.GetMap(parentID); !ok {
			return "", errcode.New(errcode.CodeFolderNotFound, "folder %s not found", parentID)
		} else if typ, _ := parent.Get("type"); typ.Str() != "folder" {
			return "", errcode.New(errcode.CodeInvalidInput, "parent %s is not a folder", parentID)
		}
	}

	nodeID := docmodel.NewID()
	node := folders.SetMap(nodeID)
	node.Set("id", crdt.String(nodeID))
	if parentID != "" {
		node.Set("parentId", crdt.String(parentID))
	} else {
		node.Set("parentId", crdt.Null())
	}
	node.Set("type", crdt.String("folder"))
	node.Set("data", crdt.String(name))
	node.Set("index", crdt.String(nextFolderIndex(folders, parentID)))

	if err := c.pushDiff(ctx, workspaceID, foldersDoc, doc, base); err != nil {
		return "", err
	}
	return nodeID, nil
}
