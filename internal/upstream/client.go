// Package upstream owns the authenticated channel to the AFFiNE-style
// backend: the control-plane HTTP client (sign-in, GraphQL, snapshots,
// blob upload), the socket.io event channel, and the Session type that
// ties them together.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/workspace/affine-gateway/internal/errcode"
)

const (
	sessionCookieName = "affine_session"
	userIDCookieName  = "affine_user_id"
)

// Client is the control-plane HTTP client. It keeps the two session
// cookies in an in-memory jar; a Client is bound to one signed-in user.
type Client struct {
	baseURL string
	http    *http.Client
	jar     *cookiejar.Jar

	userID string
}

// NewClient creates an unauthenticated client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		jar:     jar,
		http: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}, nil
}

// UserID returns the signed-in user id ("" before SignIn).
func (c *Client) UserID() string { return c.userID }

// SignIn authenticates against the upstream sign-in endpoint. The two
// session cookies from the response are recorded in the jar and reused
// on every later call, including the socket handshake.
func (c *Client) SignIn(ctx context.Context, email, password string) error {
	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/auth/sign-in", bytes.NewReader(body))
	if err != nil {
		return errcode.Wrap(errcode.CodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errcode.Wrap(errcode.CodeUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return errcode.New(errcode.CodeAuthRejected, "sign-in rejected for %s", email)
	}
	if resp.StatusCode >= 300 {
		return errcode.New(errcode.CodeUpstreamUnreachable, "sign-in returned status %d", resp.StatusCode)
	}

	// The jar has the cookies now; keep the user id handy for callers.
	u, _ := url.Parse(c.baseURL)
	for _, cookie := range c.jar.Cookies(u) {
		if cookie.Name == userIDCookieName {
			c.userID = cookie.Value
		}
	}
	if c.sessionCookie() == "" {
		return errcode.New(errcode.CodeAuthRejected, "sign-in response carried no session cookie")
	}
	return nil
}

func (c *Client) sessionCookie() string {
	u, _ := url.Parse(c.baseURL)
	for _, cookie := range c.jar.Cookies(u) {
		if cookie.Name == sessionCookieName {
			return cookie.Value
		}
	}
	return ""
}

// CookieHeader renders the session cookies for the socket handshake.
func (c *Client) CookieHeader() string {
	u, _ := url.Parse(c.baseURL)
	var parts []string
	for _, cookie := range c.jar.Cookies(u) {
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(parts, "; ")
}

// GraphQLError is a single error entry from a GraphQL response.
type GraphQLError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

func (e GraphQLError) Error() string {
	if e.Extensions.Code != "" {
		return fmt.Sprintf("%s: %s", e.Extensions.Code, e.Message)
	}
	return e.Message
}

// GraphQL executes a query against /graphql and unmarshals the data
// payload into out (which may be nil for fire-and-forget mutations).
func (c *Client) GraphQL(ctx context.Context, query string, variables map[string]interface{}, out interface{}) error {
	body, _ := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return errcode.Wrap(errcode.CodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errcode.Wrap(errcode.CodeUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []GraphQLError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errcode.Wrap(errcode.CodeUpstreamUnreachable, fmt.Errorf("decode graphql response: %w", err))
	}
	if len(envelope.Errors) > 0 {
		return graphQLToTyped(envelope.Errors[0])
	}
	if out != nil && envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errcode.Wrap(errcode.CodeInternal, fmt.Errorf("decode graphql data: %w", err))
		}
	}
	return nil
}

func graphQLToTyped(gqlErr GraphQLError) error {
	code := gqlErr.Extensions.Code
	switch {
	case strings.Contains(code, "NOT_FOUND") || strings.Contains(strings.ToLower(gqlErr.Message), "not found"):
		return errcode.New(errcode.CodeDocNotFound, "%s", gqlErr.Message)
	case strings.Contains(code, "FORBIDDEN") || strings.Contains(code, "ACCESS_DENIED"):
		return errcode.New(errcode.CodeAccessDenied, "%s", gqlErr.Message)
	case strings.Contains(code, "UNAUTHENTICATED"):
		return errcode.New(errcode.CodeSessionExpired, "%s", gqlErr.Message)
	default:
		return errcode.New(errcode.CodeInternal, "upstream graphql: %s", gqlErr.Error())
	}
}

// SnapshotDoc fetches the full binary update for a document from the
// REST snapshot endpoint.
func (c *Client) SnapshotDoc(ctx context.Context, workspaceID, docID string) ([]byte, error) {
	u := fmt.Sprintf("%s/api/workspaces/%s/docs/%s", c.baseURL, url.PathEscape(workspaceID), url.PathEscape(docID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeInternal, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errcode.Wrap(errcode.CodeUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errcode.New(errcode.CodeDocNotFound, "document %s not found", docID)
	case resp.StatusCode == http.StatusForbidden:
		return nil, errcode.New(errcode.CodeAccessDenied, "no access to document %s", docID)
	case resp.StatusCode >= 300:
		return nil, errcode.New(errcode.CodeUpstreamUnreachable, "snapshot returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadBlob stores binary content in the workspace blob store via the
// setBlob mutation (GraphQL multipart request) and returns the blob id.
func (c *Client) UploadBlob(ctx context.Context, workspaceID string, data []byte, mimeType string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	operations, _ := json.Marshal(map[string]interface{}{
		"query": `mutation setBlob($workspaceId: String!, $blob: Upload!) {
			setBlob(workspaceId: $workspaceId, blob: $blob)
		}`,
		"variables": map[string]interface{}{"workspaceId": workspaceID, "blob": nil},
	})
	if err := mw.WriteField("operations", string(operations)); err != nil {
		return "", errcode.Wrap(errcode.CodeInternal, err)
	}
	if err := mw.WriteField("map", `{"0":["variables.blob"]}`); err != nil {
		return "", errcode.Wrap(errcode.CodeInternal, err)
	}
	part, err := mw.CreateFormFile("0", "blob")
	if err != nil {
		return "", errcode.Wrap(errcode.CodeInternal, err)
	}
	if _, err := part.Write(data); err != nil {
		return "", errcode.Wrap(errcode.CodeInternal, err)
	}
	if err := mw.Close(); err != nil {
		return "", errcode.Wrap(errcode.CodeInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", &buf)
	if err != nil {
		return "", errcode.Wrap(errcode.CodeInternal, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("x-blob-mime-type", mimeType)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errcode.Wrap(errcode.CodeUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data struct {
			SetBlob string `json:"setBlob"`
		} `json:"data"`
		Errors []GraphQLError `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return "", errcode.Wrap(errcode.CodeUpstreamUnreachable, fmt.Errorf("decode setBlob response: %w", err))
	}
	if len(envelope.Errors) > 0 {
		return "", graphQLToTyped(envelope.Errors[0])
	}
	if envelope.Data.SetBlob == "" {
		return "", errcode.New(errcode.CodeInternal, "setBlob returned no blob id")
	}
	return envelope.Data.SetBlob, nil
}
