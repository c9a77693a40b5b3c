// Package edgeless implements CRUD over the spatial elements living in
// a document's surface block: shapes, connectors, texts, brushes,
// groups and mindmaps, each with a fractional layer index and a random
// seed.
package edgeless

import (
	"encoding/json"
	"math/rand"

	"github.com/workspace/affine-gateway/internal/crdt"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// Element type tags.
const (
	TypeShape     = "shape"
	TypeConnector = "connector"
	TypeText      = "text"
	TypeBrush     = "brush"
	TypeGroup     = "group"
	TypeMindmap   = "mindmap"
)

// XYWH is a bounding box. On the wire it is a JSON-encoded string
// "[x,y,w,h]"; callers always see the four-number array.
type XYWH [4]float64

// EncodeXYWH renders the stored string form.
func EncodeXYWH(b XYWH) string {
	raw, _ := json.Marshal([4]float64(b))
	return string(raw)
}

// DecodeXYWH parses the stored string form.
func DecodeXYWH(s string) (XYWH, error) {
	var b [4]float64
	if err := json.Unmarshal([]byte(s), &b); err != nil {
		return XYWH{}, errcode.New(errcode.CodeInvalidInput, "malformed xywh %q", s)
	}
	return b, nil
}

func newSeed() int64 {
	return int64(rand.Int31())
}

// Endpoint references one end of a connector: an element (or block) id
// plus a relative position inside its bounds.
type Endpoint struct {
	ID       string     `json:"id,omitempty"`
	Position [2]float64 `json:"position"`
}

// ShapeOptions are the inputs for a shape element. Zero-valued fields
// take the documented defaults.
type ShapeOptions struct {
	ShapeType   string
	XYWH        XYWH
	FillColor   string
	StrokeColor string
	StrokeWidth float64
	Filled      *bool
}

// ConnectorOptions are the inputs for a connector element.
type ConnectorOptions struct {
	Source Endpoint
	Target Endpoint
	Stroke string
}

// TextOptions are the inputs for a standalone text element.
type TextOptions struct {
	Text     string
	XYWH     XYWH
	FontSize float64
	Color    interface{}
}

// BrushOptions are the inputs for a freehand stroke. Points are
// absolute [x, y, pressure?] triples; the factory computes the bounding
// box and rebases the points to be relative to it.
type BrushOptions struct {
	Points    [][]float64
	Color     interface{}
	LineWidth float64
}

// GroupOptions are the inputs for a group element.
type GroupOptions struct {
	Title    string
	Children []string
}

// MindmapOptions are the inputs for a mindmap element.
type MindmapOptions struct {
	RootNodeID string
}

// List renders every element in the surface, xywh decoded.
func List(tree *docmodel.Tree) ([]map[string]interface{}, error) {
	elements, err := tree.Elements()
	if err != nil {
		return nil, err
	}
	out := make([]map[string]interface{}, 0, elements.Len())
	for _, id := range elements.Keys() {
		if elem, ok := elements.GetMap(id); ok {
			out = append(out, renderElement(elem))
		}
	}
	return out, nil
}

// Get renders one element.
func Get(tree *docmodel.Tree, id string) (map[string]interface{}, error) {
	elem, err := elementMap(tree, id)
	if err != nil {
		return nil, err
	}
	return renderElement(elem), nil
}

func elementMap(tree *docmodel.Tree, id string) (*crdt.Map, error) {
	elements, err := tree.Elements()
	if err != nil {
		return nil, err
	}
	elem, ok := elements.GetMap(id)
	if !ok {
		return nil, errcode.New(errcode.CodeElementNotFound, "element %s not found", id)
	}
	return elem, nil
}

func renderElement(elem *crdt.Map) map[string]interface{} {
	out := elem.ToGo()
	if s, ok := out["xywh"].(string); ok {
		if box, err := DecodeXYWH(s); err == nil {
			out["xywh"] = []float64{box[0], box[1], box[2], box[3]}
		}
	}
	return out
}

// newElement allocates the base map shared by every factory: fresh id,
// 31-bit seed, and a layer index strictly above all existing ones.
func newElement(tree *docmodel.Tree, typ string) (*crdt.Map, string, error) {
	elements, err := tree.Elements()
	if err != nil {
		return nil, "", err
	}
	indices := make([]string, 0, elements.Len())
	for _, id := range elements.Keys() {
		if elem, ok := elements.GetMap(id); ok {
			if v, ok := elem.Get("index"); ok {
				indices = append(indices, v.Str())
			}
		}
	}
	index := NextIndex(indices)
	for _, existing := range indices {
		if existing == index {
			index = Disambiguate(index)
			break
		}
	}

	id := docmodel.NewID()
	elem := elements.SetMap(id)
	elem.Set("id", crdt.String(id))
	elem.Set("type", crdt.String(typ))
	elem.Set("index", crdt.String(index))
	elem.Set("seed", crdt.Int(newSeed()))
	return elem, id, nil
}

// CreateShape inserts a shape element and returns its rendered form.
func CreateShape(tree *docmodel.Tree, opts ShapeOptions) (map[string]interface{}, error) {
	if opts.ShapeType == "" {
		return nil, errcode.New(errcode.CodeInvalidInput, "shapeType is required")
	}
	elem, _, err := newElement(tree, TypeShape)
	if err != nil {
		return nil, err
	}
	filled := true
	if opts.Filled != nil {
		filled = *opts.Filled
	}
	elem.Set("shapeType", crdt.String(opts.ShapeType))
	elem.Set("xywh", crdt.String(EncodeXYWH(opts.XYWH)))
	elem.Set("fillColor", crdt.String(defaultStr(opts.FillColor, "#fff")))
	elem.Set("strokeColor", crdt.String(defaultStr(opts.StrokeColor, "#000")))
	elem.Set("strokeWidth", crdt.Number(defaultNum(opts.StrokeWidth, 2)))
	elem.Set("filled", crdt.Bool(filled))
	return renderElement(elem), nil
}

// CreateConnector inserts a connector between two endpoints.
func CreateConnector(tree *docmodel.Tree, opts ConnectorOptions) (map[string]interface{}, error) {
	if opts.Source.ID == "" || opts.Target.ID == "" {
		return nil, errcode.New(errcode.CodeInvalidInput, "connector needs source and target ids")
	}
	elem, _, err := newElement(tree, TypeConnector)
	if err != nil {
		return nil, err
	}
	source := opts.Source
	if source.Position == ([2]float64{}) {
		source.Position = [2]float64{1, 0.5}
	}
	target := opts.Target
	if target.Position == ([2]float64{}) {
		target.Position = [2]float64{0, 0.5}
	}
	elem.Set("source", crdt.JSONValue(source))
	elem.Set("target", crdt.JSONValue(target))
	elem.Set("stroke", crdt.String(defaultStr(opts.Stroke, "#929292")))
	elem.Set("strokeWidth", crdt.Number(2))
	elem.Set("frontEndpointStyle", crdt.String("None"))
	elem.Set("rearEndpointStyle", crdt.String("Arrow"))
	return renderElement(elem), nil
}

// CreateText inserts a standalone text element. The content itself is
// collaborative text inside the element map.
func CreateText(tree *docmodel.Tree, opts TextOptions) (map[string]interface{}, error) {
	if opts.Text == "" {
		return nil, errcode.New(errcode.CodeInvalidInput, "text is required")
	}
	elem, _, err := newElement(tree, TypeText)
	if err != nil {
		return nil, err
	}
	content := elem.SetText("text")
	content.Insert(0, opts.Text)
	elem.Set("xywh", crdt.String(EncodeXYWH(opts.XYWH)))
	elem.Set("fontSize", crdt.Number(defaultNum(opts.FontSize, 16)))
	elem.Set("fontFamily", crdt.String("blocksuite:surface:Inter"))
	elem.Set("color", colorValue(opts.Color, map[string]interface{}{"dark": "#ffffff", "light": "#000000"}))
	return renderElement(elem), nil
}

// CreateBrush inserts a freehand stroke. The bounding box is computed
// from the points and the points are rebased relative to the box.
func CreateBrush(tree *docmodel.Tree, opts BrushOptions) (map[string]interface{}, error) {
	if len(opts.Points) < 2 {
		return nil, errcode.New(errcode.CodeInvalidInput, "brush needs at least two points")
	}
	box, rebased, err := rebasePoints(opts.Points)
	if err != nil {
		return nil, err
	}

	elem, _, err := newElement(tree, TypeBrush)
	if err != nil {
		return nil, err
	}
	elem.Set("xywh", crdt.String(EncodeXYWH(box)))
	elem.Set("points", crdt.JSONValue(rebased))
	elem.Set("color", colorValue(opts.Color, "#000000"))
	elem.Set("lineWidth", crdt.Number(defaultNum(opts.LineWidth, 4)))
	return renderElement(elem), nil
}

func rebasePoints(points [][]float64) (XYWH, [][]float64, error) {
	minX, minY := points[0][0], points[0][1]
	maxX, maxY := minX, minY
	for _, p := range points {
		if len(p) < 2 {
			return XYWH{}, nil, errcode.New(errcode.CodeInvalidInput, "brush point needs x and y")
		}
		if p[0] < minX {
			minX = p[0]
		}
		if p[0] > maxX {
			maxX = p[0]
		}
		if p[1] < minY {
			minY = p[1]
		}
		if p[1] > maxY {
			maxY = p[1]
		}
	}
	rebased := make([][]float64, len(points))
	for i, p := range points {
		q := append([]float64(nil), p...)
		q[0] -= minX
		q[1] -= minY
		rebased[i] = q
	}
	return XYWH{minX, minY, maxX - minX, maxY - minY}, rebased, nil
}

// CreateGroup inserts a group element over existing children.
func CreateGroup(tree *docmodel.Tree, opts GroupOptions) (map[string]interface{}, error) {
	elem, _, err := newElement(tree, TypeGroup)
	if err != nil {
		return nil, err
	}
	title := elem.SetText("title")
	if opts.Title != "" {
		title.Insert(0, opts.Title)
	}
	children := elem.SetMap("children")
	children.Set("type", crdt.String(docmodel.NativeWrapperType))
	value := children.SetMap("value")
	for _, childID := range opts.Children {
		value.Set(childID, crdt.Bool(true))
	}
	return renderElement(elem), nil
}

// CreateMindmap inserts a mindmap rooted at an existing node.
func CreateMindmap(tree *docmodel.Tree, opts MindmapOptions) (map[string]interface{}, error) {
	if opts.RootNodeID == "" {
		return nil, errcode.New(errcode.CodeInvalidInput, "rootNodeId is required")
	}
	elem, _, err := newElement(tree, TypeMindmap)
	if err != nil {
		return nil, err
	}
	elem.Set("layoutType", crdt.String("radial"))
	elem.Set("style", crdt.String("default"))
	children := elem.SetMap("children")
	children.Set("type", crdt.String(docmodel.NativeWrapperType))
	value := children.SetMap("value")
	value.Set(opts.RootNodeID, crdt.Bool(true))
	return renderElement(elem), nil
}

// Update shallow-merges changes onto an element. Arrays and nested
// objects replace atomically; xywh may arrive as a four-number array.
func Update(tree *docmodel.Tree, id string, changes map[string]interface{}) (map[string]interface{}, error) {
	elem, err := elementMap(tree, id)
	if err != nil {
		return nil, err
	}
	for key, v := range changes {
		switch key {
		case "id", "seed":
			return nil, errcode.New(errcode.CodeInvalidInput, "%s is immutable", key)
		case "xywh":
			s, err := xywhFromInput(v)
			if err != nil {
				return nil, err
			}
			elem.Set("xywh", crdt.String(s))
		case "text", "title":
			if s, ok := v.(string); ok {
				if text, has := elem.GetText(key); has {
					text.SetString(s)
					continue
				}
			}
			elem.Set(key, crdt.FromGo(v))
		default:
			elem.Set(key, crdt.FromGo(v))
		}
	}
	return renderElement(elem), nil
}

func xywhFromInput(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		box, err := DecodeXYWH(t)
		if err != nil {
			return "", err
		}
		return EncodeXYWH(box), nil
	case []interface{}:
		if len(t) != 4 {
			return "", errcode.New(errcode.CodeInvalidInput, "xywh needs exactly four numbers")
		}
		var box XYWH
		for i, raw := range t {
			f, ok := raw.(float64)
			if !ok {
				return "", errcode.New(errcode.CodeInvalidInput, "xywh entries must be numbers")
			}
			box[i] = f
		}
		return EncodeXYWH(box), nil
	default:
		return "", errcode.New(errcode.CodeInvalidInput, "xywh must be a string or number array")
	}
}

// Delete removes an element from the surface. Dangling connector
// endpoints and orphaned group children are left in place.
func Delete(tree *docmodel.Tree, id string) error {
	elements, err := tree.Elements()
	if err != nil {
		return err
	}
	if !elements.Has(id) {
		return errcode.New(errcode.CodeElementNotFound, "element %s not found", id)
	}
	elements.Delete(id)
	return nil
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func defaultNum(f, def float64) float64 {
	if f == 0 {
		return def
	}
	return f
}

// colorValue keeps whichever color encoding the caller provided: a
// palette token string or a {dark, light} record.
func colorValue(v interface{}, def interface{}) crdt.Value {
	if v == nil {
		v = def
	}
	return crdt.FromGo(v)
}
