package server

import (
	"context"
	"net/http"

	"github.com/workspace/affine-gateway/internal/composer"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/edgeless"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// handleListElements lists a document's canvas elements.
func (s *Server) handleListElements(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		doc, _, _, err := sess.LoadDoc(ctx, workspaceID, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		elements, err := edgeless.List(docmodel.New(doc))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"docId": docID, "elements": elements})
	})
}

// handleGetElement returns one element by id.
func (s *Server) handleGetElement(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	elementID := r.PathValue("elementId")
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		doc, _, _, err := sess.LoadDoc(ctx, workspaceID, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		elem, err := edgeless.Get(docmodel.New(doc), elementID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, elem)
	})
}

// elementSpec is the create payload: a type plus that type's options.
type elementSpec struct {
	Type string `json:"type"`

	// shape
	ShapeType   string  `json:"shapeType"`
	FillColor   string  `json:"fillColor"`
	StrokeColor string  `json:"strokeColor"`
	StrokeWidth float64 `json:"strokeWidth"`
	Filled      *bool   `json:"filled"`

	// brush
	Points    [][]float64 `json:"points"`
	LineWidth float64     `json:"lineWidth"`

	// text
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize"`

	// connector
	Source *edgeless.Endpoint `json:"source"`
	Target *edgeless.Endpoint `json:"target"`

	// group / mindmap
	Title      string   `json:"title"`
	Children   []string `json:"children"`
	RootNodeID string   `json:"rootNodeId"`

	XYWH  []float64   `json:"xywh"`
	Color interface{} `json:"color"`
}

func (spec *elementSpec) xywh() edgeless.XYWH {
	var out edgeless.XYWH
	if len(spec.XYWH) == 4 {
		copy(out[:], spec.XYWH)
	}
	return out
}

func createElement(tree *docmodel.Tree, spec elementSpec) (map[string]interface{}, error) {
	switch spec.Type {
	case edgeless.TypeShape:
		return edgeless.CreateShape(tree, edgeless.ShapeOptions{
			ShapeType:   spec.ShapeType,
			XYWH:        spec.xywh(),
			FillColor:   spec.FillColor,
			StrokeColor: spec.StrokeColor,
			StrokeWidth: spec.StrokeWidth,
			Filled:      spec.Filled,
		})
	case edgeless.TypeBrush:
		return edgeless.CreateBrush(tree, edgeless.BrushOptions{
			Points:    spec.Points,
			Color:     spec.Color,
			LineWidth: spec.LineWidth,
		})
	case edgeless.TypeText:
		return edgeless.CreateText(tree, edgeless.TextOptions{
			Text:     spec.Text,
			XYWH:     spec.xywh(),
			FontSize: spec.FontSize,
			Color:    spec.Color,
		})
	case edgeless.TypeConnector:
		opts := edgeless.ConnectorOptions{}
		if spec.Source != nil {
			opts.Source = *spec.Source
		}
		if spec.Target != nil {
			opts.Target = *spec.Target
		}
		if stroke, ok := spec.Color.(string); ok {
			opts.Stroke = stroke
		}
		return edgeless.CreateConnector(tree, opts)
	case edgeless.TypeGroup:
		return edgeless.CreateGroup(tree, edgeless.GroupOptions{
			Title:    spec.Title,
			Children: spec.Children,
		})
	case edgeless.TypeMindmap:
		return edgeless.CreateMindmap(tree, edgeless.MindmapOptions{
			RootNodeID: spec.RootNodeID,
		})
	default:
		return nil, errcode.New(errcode.CodeInvalidInput, "unknown element type %q", spec.Type)
	}
}

// handleCreateElement creates a canvas element over REST.
func (s *Server) handleCreateElement(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	var spec elementSpec
	if err := decodeBody(r, s.config.MaxUploadBytes, &spec); err != nil {
		writeError(w, err)
		return
	}
	if spec.Type == "" {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "type is required"))
		return
	}

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		comp := composer.New(sess, nowMillis)
		var created map[string]interface{}
		_, err := comp.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
			elem, err := createElement(tree, spec)
			if err != nil {
				return err
			}
			created = elem
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})
}

// handleUpdateElement merges changes into an element; id and seed stay
// immutable.
func (s *Server) handleUpdateElement(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	elementID := r.PathValue("elementId")
	var changes map[string]interface{}
	if err := decodeBody(r, s.config.MaxUploadBytes, &changes); err != nil {
		writeError(w, err)
		return
	}
	if len(changes) == 0 {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "changes are required"))
		return
	}

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		comp := composer.New(sess, nowMillis)
		var merged map[string]interface{}
		_, err := comp.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
			elem, err := edgeless.Update(tree, elementID, changes)
			if err != nil {
				return err
			}
			merged = elem
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, merged)
	})
}

// handleDeleteElement removes an element.
func (s *Server) handleDeleteElement(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	elementID := r.PathValue("elementId")
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		comp := composer.New(sess, nowMillis)
		_, err := comp.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
			return edgeless.Delete(tree, elementID)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"elementId": elementID, "status": "deleted"})
	})
}
