package composer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/workspace/affine-gateway/internal/errcode"
)

// PublicationRecord is the outcome of a publish call.
type PublicationRecord struct {
	DocID  string `json:"docId"`
	Mode   string `json:"mode"`
	Public bool   `json:"public"`
	URL    string `json:"url"`
}

// Publish makes a document publicly readable in the given mode.
func (c *Composer) Publish(ctx context.Context, workspaceID, docID, mode string) (*PublicationRecord, error) {
	if mode == "" {
		mode = "page"
	}
	if mode != "page" && mode != "edgeless" {
		return nil, errcode.New(errcode.CodeInvalidInput, "publish mode must be page or edgeless")
	}

	var out struct {
		PublishDoc struct {
			ID     string `json:"id"`
			Mode   string `json:"mode"`
			Public bool   `json:"public"`
		} `json:"publishDoc"`
	}
	err := c.up.GraphQL(ctx, `mutation publishDoc($workspaceId: String!, $docId: String!, $mode: PublicDocMode) {
		publishDoc(workspaceId: $workspaceId, docId: $docId, mode: $mode) { id mode public }
	}`, map[string]interface{}{
		"workspaceId": workspaceID,
		"docId":       docID,
		"mode":        map[string]string{"page": "Page", "edgeless": "Edgeless"}[mode],
	}, &out)
	if err != nil {
		return nil, err
	}
	return &PublicationRecord{
		DocID:  docID,
		Mode:   mode,
		Public: true,
		URL:    fmt.Sprintf("%s/workspace/%s/%s", c.up.BaseURL(), workspaceID, docID),
	}, nil
}

// Revoke withdraws a document's publication.
func (c *Composer) Revoke(ctx context.Context, workspaceID, docID string) error {
	var out struct {
		RevokePublicDoc struct {
			ID     string `json:"id"`
			Public bool   `json:"public"`
		} `json:"revokePublicDoc"`
	}
	return c.up.GraphQL(ctx, `mutation revokePublicDoc($workspaceId: String!, $docId: String!) {
		revokePublicDoc(workspaceId: $workspaceId, docId: $docId) { id public }
	}`, map[string]interface{}{
		"workspaceId": workspaceID,
		"docId":       docID,
	}, &out)
}

// Comment is a document comment as the control plane reports it.
type Comment struct {
	ID        string          `json:"id"`
	Content   json.RawMessage `json:"content"`
	Resolved  bool            `json:"resolved"`
	CreatedAt string          `json:"createdAt"`
	User      struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
}

// ListComments fetches a document's comments.
func (c *Composer) ListComments(ctx context.Context, workspaceID, docID string) ([]Comment, error) {
	var out struct {
		ListComments []Comment `json:"listComments"`
	}
	err := c.up.GraphQL(ctx, `query listComments($workspaceId: String!, $docId: String!) {
		listComments(workspaceId: $workspaceId, docId: $docId) {
			id content resolved createdAt user { id name }
		}
	}`, map[string]interface{}{"workspaceId": workspaceID, "docId": docID}, &out)
	if err != nil {
		return nil, err
	}
	return out.ListComments, nil
}

// CreateComment adds a comment to a document.
func (c *Composer) CreateComment(ctx context.Context, workspaceID, docID string, content interface{}) (*Comment, error) {
	var out struct {
		CreateComment Comment `json:"createComment"`
	}
	err := c.up.GraphQL(ctx, `mutation createComment($input: CommentCreateInput!) {
		createComment(input: $input) { id content resolved createdAt user { id name } }
	}`, map[string]interface{}{"input": map[string]interface{}{
		"workspaceId": workspaceID,
		"docId":       docID,
		"content":     content,
	}}, &out)
	if err != nil {
		return nil, err
	}
	return &out.CreateComment, nil
}

// ResolveComment flips a comment's resolved flag.
func (c *Composer) ResolveComment(ctx context.Context, commentID string, resolved bool) error {
	var out struct {
		ResolveComment bool `json:"resolveComment"`
	}
	err := c.up.GraphQL(ctx, `mutation resolveComment($input: CommentResolveInput!) {
		resolveComment(input: $input)
	}`, map[string]interface{}{"input": map[string]interface{}{
		"id":       commentID,
		"resolved": resolved,
	}}, &out)
	if err != nil {
		return err
	}
	if !out.ResolveComment {
		return errcode.New(errcode.CodeCommentNotFound, "comment %s not found", commentID)
	}
	return nil
}

// DeleteComment removes a comment.
func (c *Composer) DeleteComment(ctx context.Context, commentID string) error {
	var out struct {
		DeleteComment bool `json:"deleteComment"`
	}
	err := c.up.GraphQL(ctx, `mutation deleteComment($id: String!) {
		deleteComment(id: $id)
	}`, map[string]interface{}{"id": commentID}, &out)
	if err != nil {
		return err
	}
	if !out.DeleteComment {
		return errcode.New(errcode.CodeCommentNotFound, "comment %s not found", commentID)
	}
	return nil
}

// Notification is an account-scoped notification entry.
type Notification struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Body      json.RawMessage `json:"body"`
	Read      bool            `json:"read"`
	CreatedAt string          `json:"createdAt"`
}

// ListNotifications fetches the signed-in user's notifications.
func (c *Composer) ListNotifications(ctx context.Context) ([]Notification, error) {
	var out struct {
		CurrentUser struct {
			Notifications struct {
				Edges []struct {
					Node Notification `json:"node"`
				} `json:"edges"`
			} `json:"notifications"`
		} `json:"currentUser"`
	}
	err := c.up.GraphQL(ctx, `query listNotifications {
		currentUser {
			notifications(pagination: {first: 50}) {
				edges { node { id type body read createdAt } }
			}
		}
	}`, nil, &out)
	if err != nil {
		return nil, err
	}
	list := make([]Notification, 0, len(out.CurrentUser.Notifications.Edges))
	for _, edge := range out.CurrentUser.Notifications.Edges {
		list = append(list, edge.Node)
	}
	return list, nil
}

// MarkNotificationRead marks one notification as read.
func (c *Composer) MarkNotificationRead(ctx context.Context, id string) error {
	var out struct {
		ReadNotification bool `json:"readNotification"`
	}
	return c.up.GraphQL(ctx, `mutation readNotification($id: String!) {
		readNotification(id: $id)
	}`, map[string]interface{}{"id": id}, &out)
}

// AccessToken is a user-scoped API token.
type AccessToken struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Token     string `json:"token,omitempty"`
	CreatedAt string `json:"createdAt"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// ListAccessTokens lists the user's tokens (secrets omitted).
func (c *Composer) ListAccessTokens(ctx context.Context) ([]AccessToken, error) {
	var out struct {
		CurrentUser struct {
			AccessTokens []AccessToken `json:"accessTokens"`
		} `json:"currentUser"`
	}
	err := c.up.GraphQL(ctx, `query listAccessTokens {
		currentUser { accessTokens { id name createdAt expiresAt } }
	}`, nil, &out)
	if err != nil {
		return nil, err
	}
	return out.CurrentUser.AccessTokens, nil
}

// CreateAccessToken mints a token; the secret appears only here.
func (c *Composer) CreateAccessToken(ctx context.Context, name string) (*AccessToken, error) {
	if name == "" {
		return nil, errcode.New(errcode.CodeInvalidInput, "token name is required")
	}
	var out struct {
		GenerateUserAccessToken AccessToken `json:"generateUserAccessToken"`
	}
	err := c.up.GraphQL(ctx, `mutation generateUserAccessToken($input: GenerateAccessTokenInput!) {
		generateUserAccessToken(input: $input) { id name token createdAt expiresAt }
	}`, map[string]interface{}{"input": map[string]interface{}{"name": name}}, &out)
	if err != nil {
		return nil, err
	}
	return &out.GenerateUserAccessToken, nil
}

// RevokeAccessToken deletes a token.
func (c *Composer) RevokeAccessToken(ctx context.Context, id string) error {
	var out struct {
		RevokeUserAccessToken bool `json:"revokeUserAccessToken"`
	}
	err := c.up.GraphQL(ctx, `mutation revokeUserAccessToken($id: String!) {
		revokeUserAccessToken(id: $id)
	}`, map[string]interface{}{"id": id}, &out)
	if err != nil {
		return err
	}
	if !out.RevokeUserAccessToken {
		return errcode.New(errcode.CodeTokenNotFound, "token %s not found", id)
	}
	return nil
}
