package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/workspace/affine-gateway/internal/composer"
	"github.com/workspace/affine-gateway/internal/errcode"
	"github.com/workspace/affine-gateway/internal/query"
)

// handleListWorkspaces lists workspaces with names resolved from their
// root documents.
func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		workspaces, err := query.New(sess).ListWorkspaces(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"workspaces": workspaces})
	})
}

// handleGetWorkspace returns one workspace's details.
func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		ws, err := query.New(sess).GetWorkspace(ctx, workspaceID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ws)
	})
}

// handleHierarchy returns the folder+doc tree. ?links=true follows
// linked-page references embedded in document content.
func (s *Server) handleHierarchy(w http.ResponseWriter, r *http.Request) {
	followLinks := r.URL.Query().Get("links") == "true"
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		tree, err := query.New(sess).GetHierarchy(ctx, workspaceID, followLinks)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"hierarchy": tree})
	})
}

// handleListFolder lists a folder's children; no folderId means the
// root level.
func (s *Server) handleListFolder(w http.ResponseWriter, r *http.Request) {
	folderID := r.URL.Query().Get("folderId")
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		entries, err := query.New(sess).GetFolderContents(ctx, workspaceID, folderID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"folderId": folderID, "entries": entries})
	})
}

// handleCreateFolder creates a folder node.
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		ParentID string `json:"parentId"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "name is required"))
		return
	}

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		folderID, err := composer.New(sess, nowMillis).CreateFolder(ctx, workspaceID, body.Name, body.ParentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"folderId": folderID, "name": body.Name})
	})
}

// handleListDocuments lists documents; deleted ones stay hidden unless
// ?includeDeleted=true.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("includeDeleted") == "true"
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		docs, err := query.New(sess).ListDocuments(ctx, workspaceID, includeDeleted)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
	})
}

// handleCreateDocument runs the create transaction.
func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocID    string   `json:"docId"`
		Title    string   `json:"title"`
		Markdown string   `json:"markdown"`
		FolderID string   `json:"folderId"`
		Tags     []string `json:"tags"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Title == "" {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "title is required"))
		return
	}

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		result, err := composer.New(sess, nowMillis).CreateDocument(ctx, workspaceID, composer.CreateSpec{
			DocID:    body.DocID,
			Title:    body.Title,
			Markdown: body.Markdown,
			FolderID: body.FolderID,
			Tags:     body.Tags,
		})
		if err != nil {
			writeStepError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	})
}

// handleGetDocument returns a document's summary joined from the
// workspace indices.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		docs, err := query.New(sess).ListDocuments(ctx, workspaceID, true)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, d := range docs {
			if d.ID == docID {
				writeJSON(w, http.StatusOK, d)
				return
			}
		}
		writeError(w, errcode.New(errcode.CodeDocNotFound, "document %s not found", docID))
	})
}

// handleUpdateDocument patches title, tags, folder placement, primary
// mode or Markdown content.
func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	var body struct {
		Title       *string   `json:"title"`
		Tags        *[]string `json:"tags"`
		FolderID    *string   `json:"folderId"`
		PrimaryMode *string   `json:"primaryMode"`
		Markdown    *string   `json:"markdown"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}

	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		err := composer.New(sess, nowMillis).UpdateDocument(ctx, workspaceID, docID, composer.UpdatePatch{
			Title:       body.Title,
			Tags:        body.Tags,
			FolderID:    body.FolderID,
			PrimaryMode: body.PrimaryMode,
			Markdown:    body.Markdown,
		})
		if err != nil {
			writeStepError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"docId": docID, "status": "updated"})
	})
}

// handleDeleteDocument runs the delete transaction.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	s.withWorkspaceSession(w, r, func(ctx context.Context, sess UpstreamSession, workspaceID string) {
		if err := composer.New(sess, nowMillis).DeleteDocument(ctx, workspaceID, docID); err != nil {
			writeStepError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"docId": docID, "status": "deleted"})
	})
}

// writeStepError surfaces a transaction step failure with the step
// number and doc id so the caller can retry or compensate.
func writeStepError(w http.ResponseWriter, err error) {
	var step *composer.StepError
	if !errors.As(err, &step) {
		writeError(w, err)
		return
	}
	code := errcode.CodeOf(err)
	writeJSON(w, errcode.HTTPStatus(code), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": err.Error(),
			"step":    step.Step,
			"docId":   step.DocID,
		},
	})
}
