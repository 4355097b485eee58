package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentInfoCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/documents.info", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		calls.Add(1)

		var body map[string]string
		require.Nil(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"id": body["id"], "title": "Welcome", "text": "hi"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil)

	doc, err := c.DocumentInfo(context.Background(), "doc-1")
	require.Nil(t, err)
	assert.Equal(t, "Welcome", doc.Title)
	assert.Equal(t, "hi", doc.Text)

	_, err = c.DocumentInfo(context.Background(), "doc-1")
	require.Nil(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// Refresh bypasses the cache
	_, err = c.Refresh(context.Background(), "doc-1")
	require.Nil(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/documents.search", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":[
			{"context":"...hi...","ranking":0.9,"document":{"id":"doc-1","title":"Hello"}},
			{"context":"...yo...","ranking":0.5,"document":{"id":"doc-2","title":"Other"}}
		]}`))
	}))
	defer srv.Close()

	results, err := New(srv.URL, "tok", nil).Search(context.Background(), "hi")
	require.Nil(t, err)
	require.Equal(t, 2, len(results))
	assert.Equal(t, "doc-1", results[0].Document.ID)
	assert.Equal(t, 0.9, results[0].Ranking)
}

func TestAuthInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth.info", r.URL.Path)
		_, _ = w.Write([]byte(`{"data":{"user":{"id":"u1","name":"Alice","email":"a@example.com"}}}`))
	}))
	defer srv.Close()

	user, err := New(srv.URL, "tok", nil).AuthInfo(context.Background())
	require.Nil(t, err)
	assert.Equal(t, "Alice", user.Name)
}

func TestStatusMapping(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", status)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad", nil)

	_, err := c.AuthInfo(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	status = http.StatusNotFound
	_, err = c.Refresh(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	status = http.StatusInternalServerError
	_, err = c.Refresh(context.Background(), "boom")
	assert.ErrorIs(t, err, ErrStatus)
}

func TestBadEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok", nil).AuthInfo(context.Background())
	assert.ErrorIs(t, err, ErrStatus)
}
