package server

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/workspace/affine-gateway/internal/composer"
	"github.com/workspace/affine-gateway/internal/docmodel"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// handleDocumentContent returns the decoded block tree, or rendered
// Markdown with ?format=markdown.
func (s *Server) handleDocumentContent(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	format := r.URL.Query().Get("format")
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		doc, _, _, err := sess.LoadDoc(ctx, workspaceID, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		tree := docmodel.New(doc)

		if format == "markdown" {
			md, err := tree.Markdown()
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"docId": docID, "markdown": md})
			return
		}

		root, err := tree.Decode()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"docId": docID, "root": root})
	})
}

type positionSpec struct {
	Type  string `json:"type"` // start | end | index
	Index int    `json:"index"`
}

func (p *positionSpec) resolve() (docmodel.Position, error) {
	if p == nil {
		return docmodel.AtEnd(), nil
	}
	switch p.Type {
	case "", "end":
		return docmodel.AtEnd(), nil
	case "start":
		return docmodel.AtStart(), nil
	case "index":
		return docmodel.AtIndex(p.Index), nil
	default:
		return docmodel.Position{}, errcode.New(errcode.CodeInvalidInput, "unknown position type %q", p.Type)
	}
}

// handleAddBlock inserts a block under a parent.
func (s *Server) handleAddBlock(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	var body struct {
		ParentBlockID string                 `json:"parentBlockId"`
		Flavour       string                 `json:"flavour"`
		Props         map[string]interface{} `json:"props"`
		Position      *positionSpec          `json:"position"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ParentBlockID == "" || body.Flavour == "" {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "parentBlockId and flavour are required"))
		return
	}
	pos, err := body.Position.resolve()
	if err != nil {
		writeError(w, err)
		return
	}

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		comp := composer.New(sess, nowMillis)
		var blockID string
		timestamp, err := comp.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
			id, err := tree.AddBlock(body.ParentBlockID, body.Flavour, body.Props, pos, sess.UserID(), nowMillis())
			if err != nil {
				return err
			}
			blockID = id
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]interface{}{"blockId": blockID, "timestamp": timestamp})
	})
}

// handleUpdateBlock merges props into a block.
func (s *Server) handleUpdateBlock(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	blockID := r.PathValue("blockId")
	var body struct {
		Props map[string]interface{} `json:"props"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Props) == 0 {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "props is required"))
		return
	}

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		comp := composer.New(sess, nowMillis)
		timestamp, err := comp.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
			return tree.UpdateBlock(blockID, body.Props, sess.UserID(), nowMillis())
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"blockId": blockID, "timestamp": timestamp})
	})
}

// handleDeleteBlock removes a block; children go with it unless
// ?cascade=false.
func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	blockID := r.PathValue("blockId")
	cascade := r.URL.Query().Get("cascade") != "false"

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		comp := composer.New(sess, nowMillis)
		_, err := comp.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
			return tree.DeleteBlock(blockID, cascade)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"blockId": blockID, "status": "deleted"})
	})
}

// handleUploadImage is the composite operation: store the blob, then
// insert an image block referencing it.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	var body struct {
		Data          string  `json:"data"` // base64
		MimeType      string  `json:"mimeType"`
		ParentBlockID string  `json:"parentBlockId"`
		Caption       string  `json:"caption"`
		Width         float64 `json:"width"`
		Height        float64 `json:"height"`
	}
	// The JSON envelope adds a little on top of the base64 cap.
	if err := decodeBody(r, s.config.MaxUploadBase64Bytes+4096, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Data == "" {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "data is required"))
		return
	}
	if int64(len(body.Data)) > s.config.MaxUploadBase64Bytes {
		writeError(w, errcode.New(errcode.CodePayloadTooLarge, "base64 payload exceeds %d bytes", s.config.MaxUploadBase64Bytes))
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "data is not valid base64"))
		return
	}
	if int64(len(data)) > s.config.MaxUploadBytes {
		writeError(w, errcode.New(errcode.CodePayloadTooLarge, "payload exceeds %d bytes", s.config.MaxUploadBytes))
		return
	}
	mimeType := body.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		blobID, err := sess.UploadBlob(ctx, workspaceID, data, mimeType)
		if err != nil {
			writeError(w, err)
			return
		}

		comp := composer.New(sess, nowMillis)
		var blockID string
		_, err = comp.WithContentDoc(ctx, workspaceID, docID, func(tree *docmodel.Tree) error {
			parent := body.ParentBlockID
			if parent == "" {
				noteID, ok := tree.FindByFlavour(docmodel.FlavourNote)
				if !ok {
					return errcode.New(errcode.CodeBlockNotFound, "document has no note block")
				}
				parent = noteID
			}
			props := map[string]interface{}{
				"sourceId": blobID,
				"caption":  body.Caption,
				"size":     float64(len(data)),
			}
			if body.Width > 0 {
				props["width"] = body.Width
			}
			if body.Height > 0 {
				props["height"] = body.Height
			}
			id, err := tree.AddBlock(parent, docmodel.FlavourImage, props, docmodel.AtEnd(), sess.UserID(), nowMillis())
			if err != nil {
				return err
			}
			blockID = id
			return nil
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"blockId": blockID, "blobId": blobID})
	})
}
