// Package docmodel owns the in-memory shape of a content document: the
// block tree rooted at a page block, block factories, and the mapping
// between Markdown block specs and block flavours.
package docmodel

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// Block flavours used by the upstream editor.
const (
	FlavourPage      = "affine:page"
	FlavourSurface   = "affine:surface"
	FlavourNote      = "affine:note"
	FlavourParagraph = "affine:paragraph"
	FlavourList      = "affine:list"
	FlavourCode      = "affine:code"
	FlavourTable     = "affine:table"
	FlavourImage     = "affine:image"
)

// NativeWrapperType is the sentinel tag on wrapper maps around nested
// collaborative structures (the surface elements container).
const NativeWrapperType = "$blocksuite:internal:native$"

// NewID allocates a block/element/document id.
func NewID() string {
	return gonanoid.Must(10)
}

// Tree is a typed view over a content document's block tree. The root
// collaborative map "blocks" holds one map per block, keyed by id.
type Tree struct {
	doc    *crdt.Doc
	blocks *crdt.Map
}

// New wraps an existing replica.
func New(doc *crdt.Doc) *Tree {
	return &Tree{doc: doc, blocks: doc.GetMap("blocks")}
}

// Doc returns the underlying replica.
func (t *Tree) Doc() *crdt.Doc { return t.doc }

// InitResult carries the ids of the fixed initial tree.
type InitResult struct {
	PageID      string
	SurfaceID   string
	NoteID      string
	ParagraphID string
}

// Init builds the fixed initial tree of a new document: a page block
// with a rich-text title, a surface block with an empty elements
// container, and a note block holding one empty paragraph.
func (t *Tree) Init(title, userID string, now int64) InitResult {
	res := InitResult{
		PageID:      NewID(),
		SurfaceID:   NewID(),
		NoteID:      NewID(),
		ParagraphID: NewID(),
	}

	page := t.newBlockMap(res.PageID, FlavourPage, "", userID, now)
	pageTitle := page.SetText("prop:title")
	if title != "" {
		pageTitle.Insert(0, title)
	}
	pageChildren, _ := page.GetArray("sys:children")
	pageChildren.Push(crdt.String(res.SurfaceID), crdt.String(res.NoteID))

	surface := t.newBlockMap(res.SurfaceID, FlavourSurface, res.PageID, userID, now)
	// The wrapper and the inner value must both be collaborative maps;
	// a plain-object wrapper corrupts the serialized form.
	elements := surface.SetMap("prop:elements")
	elements.Set("type", crdt.String(NativeWrapperType))
	elements.SetMap("value")

	note := t.newBlockMap(res.NoteID, FlavourNote, res.PageID, userID, now)
	note.Set("prop:xywh", crdt.String("[0,0,800,95]"))
	note.Set("prop:index", crdt.String("a0"))
	note.Set("prop:hidden", crdt.Bool(false))
	noteChildren, _ := note.GetArray("sys:children")
	noteChildren.Push(crdt.String(res.ParagraphID))

	para := t.newBlockMap(res.ParagraphID, FlavourParagraph, res.NoteID, userID, now)
	para.Set("prop:type", crdt.String("text"))
	para.SetText("prop:text")

	return res
}

func (t *Tree) newBlockMap(id, flavour, parentID, userID string, now int64) *crdt.Map {
	b := t.blocks.SetMap(id)
	b.Set("sys:id", crdt.String(id))
	b.Set("sys:flavour", crdt.String(flavour))
	if parentID != "" {
		b.Set("sys:parent", crdt.String(parentID))
	}
	b.SetArray("sys:children")
	stampMeta(b, userID, now)
	return b
}

func stampMeta(b *crdt.Map, userID string, now int64) {
	b.Set("prop:meta:createdAt", crdt.Int(now))
	b.Set("prop:meta:createdBy", crdt.String(userID))
	b.Set("prop:meta:updatedAt", crdt.Int(now))
	b.Set("prop:meta:updatedBy", crdt.String(userID))
}

// Touch updates a block's update stamps.
func (t *Tree) Touch(blockID, userID string, now int64) {
	if b, ok := t.blockMap(blockID); ok {
		b.Set("prop:meta:updatedAt", crdt.Int(now))
		b.Set("prop:meta:updatedBy", crdt.String(userID))
	}
}

func (t *Tree) blockMap(id string) (*crdt.Map, bool) {
	return t.blocks.GetMap(id)
}

// Has reports whether a block id exists in the tree.
func (t *Tree) Has(id string) bool {
	_, ok := t.blockMap(id)
	return ok
}

// PageID finds the root page block.
func (t *Tree) PageID() (string, bool) {
	for _, id := range t.blocks.Keys() {
		if b, ok := t.blocks.GetMap(id); ok {
			if v, ok := b.Get("sys:flavour"); ok && v.Str() == FlavourPage {
				return id, true
			}
		}
	}
	return "", false
}

// FindByFlavour returns the first block of the given flavour in key
// order.
func (t *Tree) FindByFlavour(flavour string) (string, bool) {
	for _, id := range t.blocks.Keys() {
		if b, ok := t.blocks.GetMap(id); ok {
			if v, ok := b.Get("sys:flavour"); ok && v.Str() == flavour {
				return id, true
			}
		}
	}
	return "", false
}

// Title returns the page title rich text.
func (t *Tree) Title() string {
	pageID, ok := t.PageID()
	if !ok {
		return ""
	}
	page, _ := t.blockMap(pageID)
	if title, ok := page.GetText("prop:title"); ok {
		return title.String()
	}
	return ""
}

// SetTitle replaces the page title atomically.
func (t *Tree) SetTitle(title string) error {
	pageID, ok := t.PageID()
	if !ok {
		return errcode.New(errcode.CodeBlockNotFound, "document has no page block")
	}
	page, _ := t.blockMap(pageID)
	text, ok := page.GetText("prop:title")
	if !ok {
		text = page.SetText("prop:title")
	}
	text.SetString(title)
	return nil
}

// SetDeleted marks the content document's own meta map.
func (t *Tree) SetDeleted(deleted bool) {
	t.doc.GetMap("meta").Set("deleted", crdt.Bool(deleted))
}

// Elements returns the surface block's inner elements map, creating
// the correctly-typed wrapper if the surface lacks one.
func (t *Tree) Elements() (*crdt.Map, error) {
	surfaceID, ok := t.FindByFlavour(FlavourSurface)
	if !ok {
		return nil, errcode.New(errcode.CodeBlockNotFound, "document has no surface block")
	}
	surface, _ := t.blockMap(surfaceID)
	wrapper, ok := surface.GetMap("prop:elements")
	if !ok {
		wrapper = surface.SetMap("prop:elements")
		wrapper.Set("type", crdt.String(NativeWrapperType))
	}
	value, ok := wrapper.GetMap("value")
	if !ok {
		value = wrapper.SetMap("value")
	}
	return value, nil
}

// Position addresses a slot in a parent's children array.
type Position struct {
	where string
	index int
}

func AtStart() Position      { return Position{where: "start"} }
func AtEnd() Position        { return Position{where: "end"} }
func AtIndex(i int) Position { return Position{where: "index", index: i} }

func (p Position) resolve(length int) int {
	switch p.where {
	case "start":
		return 0
	case "index":
		if p.index < 0 {
			return 0
		}
		if p.index > length {
			return length
		}
		return p.index
	default:
		return length
	}
}

// richTextProps are properties initialised as collaborative text.
var richTextProps = map[string]bool{
	"prop:text":  true,
	"prop:title": true,
}

// AddBlock creates a block under a parent at the requested slot and
// returns the new id. Rich-text properties given as plain strings are
// inserted character-wise; structured values apply span by span.
func (t *Tree) AddBlock(parentID, flavour string, props map[string]interface{}, pos Position, userID string, now int64) (string, error) {
	parent, ok := t.blockMap(parentID)
	if !ok {
		return "", errcode.New(errcode.CodeBlockNotFound, "parent block %s not found", parentID)
	}
	children, ok := parent.GetArray("sys:children")
	if !ok {
		children = parent.SetArray("sys:children")
	}

	id := NewID()
	b := t.newBlockMap(id, flavour, parentID, userID, now)
	for key, v := range props {
		if err := setBlockProp(b, key, v); err != nil {
			return "", err
		}
	}
	if richFlavour(flavour) && !b.Has("prop:text") {
		b.SetText("prop:text")
	}

	children.Insert(pos.resolve(children.Len()), crdt.String(id))
	return id, nil
}

func richFlavour(flavour string) bool {
	switch flavour {
	case FlavourParagraph, FlavourList, FlavourCode:
		return true
	}
	return false
}

// setBlockProp stores one caller-supplied property. Callers address
// properties by bare name ("text", "sourceId"); the stored key carries
// the prop: prefix so decode and Markdown rendering see it.
func setBlockProp(b *crdt.Map, key string, v interface{}) error {
	if !strings.HasPrefix(key, "prop:") && !strings.HasPrefix(key, "sys:") {
		key = "prop:" + key
	}
	if !richTextProps[key] {
		b.Set(key, crdt.FromGo(v))
		return nil
	}
	text, ok := b.GetText(key)
	if !ok {
		text = b.SetText(key)
	}
	switch tv := v.(type) {
	case string:
		text.SetString(tv)
		return nil
	case []interface{}:
		// Delta form: [{insert, attributes?}, ...]
		offset := text.Len()
		for _, raw := range tv {
			span, ok := raw.(map[string]interface{})
			if !ok {
				return errcode.New(errcode.CodeInvalidInput, "malformed rich-text span in %s", key)
			}
			insert, _ := span["insert"].(string)
			attrs, _ := span["attributes"].(map[string]interface{})
			if insert == "" {
				continue
			}
			text.InsertWithAttrs(offset, insert, attrs)
			offset += len([]rune(insert))
		}
		return nil
	default:
		return errcode.New(errcode.CodeInvalidInput, "rich-text property %s must be a string or span list", key)
	}
}

// UpdateBlock shallow-merges properties onto a block. Rich-text
// properties given as strings replace the text atomically.
func (t *Tree) UpdateBlock(blockID string, props map[string]interface{}, userID string, now int64) error {
	b, ok := t.blockMap(blockID)
	if !ok {
		return errcode.New(errcode.CodeBlockNotFound, "block %s not found", blockID)
	}
	for key, v := range props {
		if err := setBlockProp(b, key, v); err != nil {
			return err
		}
	}
	b.Set("prop:meta:updatedAt", crdt.Int(now))
	b.Set("prop:meta:updatedBy", crdt.String(userID))
	return nil
}

// DeleteBlock removes a block and all its descendants. With cascade,
// references to the removed ids are scrubbed from edgeless connectors
// and group children in the same document.
func (t *Tree) DeleteBlock(blockID string, cascade bool) error {
	b, ok := t.blockMap(blockID)
	if !ok {
		return errcode.New(errcode.CodeBlockNotFound, "block %s not found", blockID)
	}

	if v, ok := b.Get("sys:parent"); ok {
		if parent, ok := t.blockMap(v.Str()); ok {
			if children, ok := parent.GetArray("sys:children"); ok {
				removeFromStringArray(children, blockID)
			}
		}
	}

	removed := map[string]bool{}
	t.collectSubtree(blockID, removed)
	for id := range removed {
		t.blocks.Delete(id)
	}

	if cascade {
		t.scrubElementRefs(removed)
	}
	return nil
}

func (t *Tree) collectSubtree(id string, out map[string]bool) {
	if out[id] {
		return
	}
	out[id] = true
	b, ok := t.blockMap(id)
	if !ok {
		return
	}
	children, ok := b.GetArray("sys:children")
	if !ok {
		return
	}
	for _, v := range children.Slice() {
		t.collectSubtree(v.Str(), out)
	}
}

func removeFromStringArray(arr *crdt.Array, s string) {
	for i := arr.Len() - 1; i >= 0; i-- {
		if v, ok := arr.Get(i); ok && v.Str() == s {
			arr.Delete(i, 1)
		}
	}
}

// scrubElementRefs clears connector endpoints and group/mindmap child
// entries that point at removed block ids.
func (t *Tree) scrubElementRefs(removed map[string]bool) {
	elements, err := t.Elements()
	if err != nil {
		return
	}
	for _, elemID := range elements.Keys() {
		elem, ok := elements.GetMap(elemID)
		if !ok {
			continue
		}
		typ, _ := elem.Get("type")
		switch typ.Str() {
		case "connector":
			for _, endpoint := range []string{"source", "target"} {
				raw, ok := elem.Get(endpoint)
				if !ok {
					continue
				}
				ep, ok := raw.Interface().(map[string]interface{})
				if !ok {
					continue
				}
				if id, _ := ep["id"].(string); id != "" && removed[id] {
					delete(ep, "id")
					elem.Set(endpoint, crdt.FromGo(ep))
				}
			}
		case "group", "mindmap":
			if childWrap, ok := elem.GetMap("children"); ok {
				if inner, ok := childWrap.GetMap("value"); ok {
					for _, childID := range inner.Keys() {
						if removed[childID] {
							inner.Delete(childID)
						}
					}
				}
			}
		}
	}
}

// Block is the decoded, caller-facing view of one tree node.
type Block struct {
	ID       string                 `json:"id"`
	Flavour  string                 `json:"flavour"`
	Props    map[string]interface{} `json:"props"`
	Children []*Block               `json:"children"`
}

// Decode renders the whole tree from the page root.
func (t *Tree) Decode() (*Block, error) {
	pageID, ok := t.PageID()
	if !ok {
		return nil, errcode.New(errcode.CodeBlockNotFound, "document has no page block")
	}
	return t.decodeBlock(pageID, map[string]bool{})
}

// DecodeBlock renders one subtree.
func (t *Tree) DecodeBlock(blockID string) (*Block, error) {
	if !t.Has(blockID) {
		return nil, errcode.New(errcode.CodeBlockNotFound, "block %s not found", blockID)
	}
	return t.decodeBlock(blockID, map[string]bool{})
}

func (t *Tree) decodeBlock(id string, seen map[string]bool) (*Block, error) {
	if seen[id] {
		return nil, fmt.Errorf("block tree cycle at %s", id)
	}
	seen[id] = true

	m, ok := t.blockMap(id)
	if !ok {
		return nil, errcode.New(errcode.CodeBlockNotFound, "block %s not found", id)
	}

	out := &Block{ID: id, Props: map[string]interface{}{}}
	for _, key := range m.Keys() {
		v, _ := m.Get(key)
		switch {
		case key == "sys:flavour":
			out.Flavour = v.Str()
		case key == "sys:children" || key == "sys:id" || key == "sys:parent":
			// structural, rendered separately
		case len(key) > 5 && key[:5] == "prop:":
			out.Props[key[5:]] = v.Interface()
		}
	}

	if children, ok := m.GetArray("sys:children"); ok {
		for _, v := range children.Slice() {
			child, err := t.decodeBlock(v.Str(), seen)
			if err != nil {
				return nil, err
			}
			out.Children = append(out.Children, child)
		}
	}
	return out, nil
}
