package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/workspace/affine-gateway/internal/composer"
	"github.com/workspace/affine-gateway/internal/errcode"
)

// handlePublish makes a document publicly readable.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("docId")
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Mode == "" {
		body.Mode = "page"
	}

	workspaceID := r.PathValue("workspaceId")
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		record, err := composer.New(sess, nowMillis).Publish(ctx, workspaceID, docID, body.Mode)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, record)
	})
}

// handleRevoke withdraws a document's public link.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	docID := r.PathValue("docId")
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		if err := composer.New(sess, nowMillis).Revoke(ctx, workspaceID, docID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"docId": docID, "public": false})
	})
}

// handleListComments lists a document's comments.
func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	docID := r.PathValue("docId")
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		comments, err := composer.New(sess, nowMillis).ListComments(ctx, workspaceID, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"comments": comments})
	})
}

// handleCreateComment adds a comment to a document.
func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.PathValue("workspaceId")
	docID := r.PathValue("docId")
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Content) == 0 {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "content is required"))
		return
	}

	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		var content interface{}
		if err := json.Unmarshal(body.Content, &content); err != nil {
			writeError(w, errcode.New(errcode.CodeInvalidInput, "content is not valid JSON"))
			return
		}
		comment, err := composer.New(sess, nowMillis).CreateComment(ctx, workspaceID, docID, content)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, comment)
	})
}

// handleResolveComment flips a comment's resolved flag.
func (s *Server) handleResolveComment(w http.ResponseWriter, r *http.Request) {
	commentID := r.PathValue("commentId")
	var body struct {
		Resolved *bool `json:"resolved"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	resolved := true
	if body.Resolved != nil {
		resolved = *body.Resolved
	}

	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		if err := composer.New(sess, nowMillis).ResolveComment(ctx, commentID, resolved); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"commentId": commentID, "resolved": resolved})
	})
}

// handleDeleteComment removes a comment.
func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	commentID := r.PathValue("commentId")
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		if err := composer.New(sess, nowMillis).DeleteComment(ctx, commentID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"commentId": commentID, "status": "deleted"})
	})
}

// handleListNotifications lists the signed-in user's notifications.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		notifications, err := composer.New(sess, nowMillis).ListNotifications(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": notifications})
	})
}

// handleReadNotification marks one notification read.
func (s *Server) handleReadNotification(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.ID == "" {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "id is required"))
		return
	}

	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		if err := composer.New(sess, nowMillis).MarkNotificationRead(ctx, body.ID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"id": body.ID, "read": true})
	})
}

// handleListTokens lists the user's access tokens, secrets omitted.
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		tokens, err := composer.New(sess, nowMillis).ListAccessTokens(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
	})
}

// handleCreateToken generates a new access token; the secret appears
// only in this response.
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, s.config.MaxUploadBytes, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Name == "" {
		writeError(w, errcode.New(errcode.CodeInvalidInput, "name is required"))
		return
	}

	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		token, err := composer.New(sess, nowMillis).CreateAccessToken(ctx, body.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, token)
	})
}

// handleRevokeToken revokes an access token.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("tokenId")
	s.withSession(w, r, func(ctx context.Context, sess UpstreamSession) {
		if err := composer.New(sess, nowMillis).RevokeAccessToken(ctx, tokenID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"tokenId": tokenID, "status": "revoked"})
	})
}
