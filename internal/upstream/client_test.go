package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/affine-gateway/internal/errcode"
)

func TestGraphQLDecodesData(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query     string                 `json:"query"`
			Variables map[string]interface{} `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body.Query, "workspaces")
		_, _ = w.Write([]byte(`{"data":{"workspaces":[{"id":"ws-1"}]}}`))
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second)
	require.NoError(t, err)

	var out struct {
		Workspaces []struct {
			ID string `json:"id"`
		} `json:"workspaces"`
	}
	require.NoError(t, c.GraphQL(context.Background(), `query { workspaces { id } }`, nil, &out))
	require.Len(t, out.Workspaces, 1)
	assert.Equal(t, "ws-1", out.Workspaces[0].ID)
}

func TestGraphQLErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		body string
		code errcode.Code
	}{
		{"not found", `{"errors":[{"message":"doc missing","extensions":{"code":"DOC_NOT_FOUND"}}]}`, errcode.CodeDocNotFound},
		{"forbidden", `{"errors":[{"message":"nope","extensions":{"code":"FORBIDDEN"}}]}`, errcode.CodeAccessDenied},
		{"unauthenticated", `{"errors":[{"message":"expired","extensions":{"code":"UNAUTHENTICATED"}}]}`, errcode.CodeSessionExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			c, err := NewClient(server.URL, time.Second)
			require.NoError(t, err)

			err = c.GraphQL(context.Background(), `query { x }`, nil, nil)
			require.Error(t, err)
			assert.Equal(t, tc.code, errcode.CodeOf(err))
		})
	}
}

func TestSnapshotDocStatuses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/workspaces/ws-1/docs/doc-1":
			_, _ = w.Write([]byte{1, 2, 3})
		case "/api/workspaces/ws-1/docs/gone":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second)
	require.NoError(t, err)
	ctx := context.Background()

	data, err := c.SnapshotDoc(ctx, "ws-1", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, err = c.SnapshotDoc(ctx, "ws-1", "gone")
	assert.Equal(t, errcode.CodeDocNotFound, errcode.CodeOf(err))

	_, err = c.SnapshotDoc(ctx, "ws-1", "private")
	assert.Equal(t, errcode.CodeAccessDenied, errcode.CodeOf(err))
}

func TestUploadBlobMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Contains(t, r.FormValue("operations"), "setBlob")
		assert.Equal(t, "image/png", r.Header.Get("x-blob-mime-type"))

		file, _, err := r.FormFile("0")
		require.NoError(t, err)
		defer file.Close()

		_, _ = w.Write([]byte(`{"data":{"setBlob":"blob-123"}}`))
	}))
	defer server.Close()

	c, err := NewClient(server.URL, time.Second)
	require.NoError(t, err)

	id, err := c.UploadBlob(context.Background(), "ws-1", []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, "blob-123", id)
}
