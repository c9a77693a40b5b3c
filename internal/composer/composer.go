// Package composer turns one user intent into one cross-document
// transaction: content document, workspace index, per-document
// properties and folder tree, written in a fixed order with honest
// partial-failure reporting.
package composer

import (
	"context"
	"fmt"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/edgeless"
	"github.com/workspace/affine-gateway/internal/errcode"
	"github.com/workspace/affine-gateway/internal/markdown"
)

// Auxiliary document keys per workspace.
func PropertiesDocID(workspaceID string) string {
	return "db$" + workspaceID + "$docProperties"
}

func FoldersDocID(workspaceID string) string {
	return "db$" + workspaceID + "$folders"
}

// Root container names inside the auxiliary documents.
const (
	MetaRoot    = "meta"
	PropsRoot   = "props"
	FoldersRoot = "folders"
)

// Upstream is the slice of the session surface the composer drives.
type Upstream interface {
	LoadDoc(ctx context.Context, workspaceID, docID string) (*crdt.Doc, crdt.StateVector, int64, error)
	PushUpdate(ctx context.Context, workspaceID, docID string, update []byte) (int64, error)
	GraphQL(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error
	UserID() string
	BaseURL() string
}

// Clock yields the current time in epoch milliseconds.
type Clock func() int64

// Composer coordinates multi-document transactions over one session.
type Composer struct {
	up  Upstream
	now Clock
}

func New(up Upstream, now Clock) *Composer {
	return &Composer{up: up, now: now}
}

// StepError reports which transaction step failed. Earlier steps are
// durable: the upstream has no rollback, so the error carries the doc
// id and callers decide between retry and compensation.
type StepError struct {
	Step  int
	DocID string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("transaction step %d failed for doc %s: %v", e.Step, e.DocID, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// CreateSpec describes a document to create.
type CreateSpec struct {
	DocID    string // optional; creation fails if it already exists
	Title    string
	Markdown string
	FolderID string
	Tags     []string
}

// CreateResult is the outcome of a successful create.
type CreateResult struct {
	DocID        string `json:"docId"`
	FolderNodeID string `json:"folderNodeId,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	Title        string `json:"title"`
}

// CreateDocument runs the four-step create transaction: content push,
// index entry, properties entry, optional folder placement.
func (c *Composer) CreateDocument(ctx context.Context, workspaceID string, spec CreateSpec) (*CreateResult, error) {
	now := c.now()
	userID := c.up.UserID()

	docID := spec.DocID
	if docID != "" {
		exists, err := c.docExists(ctx, workspaceID, docID)
		if err != nil {
			return nil, err
		}
		if exists {
			return nil, errcode.New(errcode.CodeDocumentExists, "document %s already exists", docID)
		}
	} else {
		docID = docmodel.NewID()
	}

	// Step 1: content document, pushed as a full update.
	tree := docmodel.New(crdt.NewDoc())
	init := tree.Init(spec.Title, userID, now)
	if spec.Markdown != "" {
		specs, err := markdown.Parse(spec.Markdown)
		if err != nil {
			return nil, &StepError{Step: 1, DocID: docID, Err: err}
		}
		if _, err := tree.AppendSpecs(init.NoteID, specs, userID, now); err != nil {
			return nil, &StepError{Step: 1, DocID: docID, Err: err}
		}
	}
	timestamp, err := c.up.PushUpdate(ctx, workspaceID, docID, tree.Doc().EncodeFullUpdate())
	if err != nil {
		return nil, &StepError{Step: 1, DocID: docID, Err: err}
	}

	// Step 2: workspace index entry.
	if err := c.appendIndexEntry(ctx, workspaceID, docID, spec.Title, spec.Tags, now); err != nil {
		return nil, &StepError{Step: 2, DocID: docID, Err: err}
	}

	// Step 3: properties entry.
	if err := c.writeProperties(ctx, workspaceID, docID, userID, spec.Tags, now); err != nil {
		return nil, &StepError{Step: 3, DocID: docID, Err: err}
	}

	// Step 4: folder placement.
	res := &CreateResult{DocID: docID, Timestamp: timestamp, Title: spec.Title}
	if spec.FolderID != "" {
		nodeID, err := c.placeInFolder(ctx, workspaceID, docID, spec.FolderID)
		if err != nil {
			return nil, &StepError{Step: 4, DocID: docID, Err: err}
		}
		res.FolderNodeID = nodeID
	}
	return res, nil
}

func (c *Composer) docExists(ctx context.Context, workspaceID, docID string) (bool, error) {
	doc, err := c.loadOrInit(ctx, workspaceID, workspaceID)
	if err != nil {
		return false, err
	}
	_, found := findIndexEntry(doc, docID)
	return found, nil
}

// findIndexEntry locates a doc's entry in the index pages array.
func findIndexEntry(doc *crdt.Doc, docID string) (int, bool) {
	pages, ok := doc.GetMap(MetaRoot).GetArray("pages")
	if !ok {
		return 0, false
	}
	for i := 0; i < pages.Len(); i++ {
		v, _ := pages.Get(i)
		if entry, ok := v.Map(); ok {
			if id, ok := entry.Get("id"); ok && id.Str() == docID {
				return i, true
			}
		}
	}
	return 0, false
}

func (c *Composer) appendIndexEntry(ctx context.Context, workspaceID, docID, title string, tags []string, now int64) error {
	doc, err := c.loadOrInit(ctx, workspaceID, workspaceID)
	if err != nil {
		return err
	}
	base := doc.Vector()

	meta := doc.GetMap(MetaRoot)
	pages, ok := meta.GetArray("pages")
	if !ok {
		pages = meta.SetArray("pages")
	}
	entry := pages.PushMap()
	entry.Set("id", crdt.String(docID))
	entry.Set("title", crdt.String(title))
	entry.Set("createDate", crdt.Int(now))
	entry.Set("updatedDate", crdt.Int(now))
	entry.Set("tags", crdt.JSONValue(orEmpty(tags)))

	return c.pushDiff(ctx, workspaceID, workspaceID, doc, base)
}

func (c *Composer) writeProperties(ctx context.Context, workspaceID, docID, userID string, tags []string, now int64) error {
	propsDoc := PropertiesDocID(workspaceID)
	doc, err := c.loadOrInit(ctx, workspaceID, propsDoc)
	if err != nil {
		return err
	}
	base := doc.Vector()

	record := doc.GetMap(PropsRoot).SetMap(docID)
	record.Set("id", crdt.String(docID))
	record.Set("primaryMode", crdt.String("page"))
	record.Set("edgelessColorTheme", crdt.String("light"))
	record.Set("createdBy", crdt.String(userID))
	record.Set("updatedBy", crdt.String(userID))
	record.Set("updatedAt", crdt.Int(now))
	record.Set("tags", crdt.JSONValue(orEmpty(tags)))

	return c.pushDiff(ctx, workspaceID, propsDoc, doc, base)
}

func (c *Composer) placeInFolder(ctx context.Context, workspaceID, docID, folderID string) (string, error) {
	foldersDoc := FoldersDocID(workspaceID)
	doc, err := c.loadOrInit(ctx, workspaceID, foldersDoc)
	if err != nil {
		return "", err
	}
	base := doc.Vector()

	folders := doc.GetMap(FoldersRoot)
	nodeID := docmodel.NewID()
	node := folders.SetMap(nodeID)
	node.Set("id", crdt.String(nodeID))
	node.Set("parentId", crdt.String(folderID))
	node.Set("type", crdt.String("doc"))
	node.Set("data", crdt.String(docID))
	node.Set("index", crdt.String(nextFolderIndex(folders, folderID)))

	if err := c.pushDiff(ctx, workspaceID, foldersDoc, doc, base); err != nil {
		return "", err
	}
	return nodeID, nil
}

// nextFolderIndex picks an ordering token above every sibling's.
func nextFolderIndex(folders *crdt.Map, parentID string) string {
	var siblings []string
	for _, id := range folders.Keys() {
		node, ok := folders.GetMap(id)
		if !ok {
			continue
		}
		if p, ok := node.Get("parentId"); !ok || p.Str() != parentID {
			continue
		}
		if v, ok := node.Get("index"); ok {
			siblings = append(siblings, v.Str())
		}
	}
	return edgeless.NextIndex(siblings)
}

// loadOrInit loads a workspace-level auxiliary document, starting from
// a fresh replica when the upstream has never seen it. The index,
// properties and folders docs come into existence with their first
// write, so a pristine workspace must not fail the transaction.
func (c *Composer) loadOrInit(ctx context.Context, workspaceID, docID string) (*crdt.Doc, error) {
	doc, _, _, err := c.up.LoadDoc(ctx, workspaceID, docID)
	if err == nil {
		return doc, nil
	}
	if errcode.CodeOf(err) == errcode.CodeDocNotFound {
		return crdt.NewDoc(), nil
	}
	return nil, err
}

func (c *Composer) pushDiff(ctx context.Context, workspaceID, docID string, doc *crdt.Doc, base crdt.StateVector) error {
	update := doc.EncodeUpdateSince(base)
	if len(update) == 0 {
		return nil
	}
	_, err := c.up.PushUpdate(ctx, workspaceID, docID, update)
	return err
}

func orEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
