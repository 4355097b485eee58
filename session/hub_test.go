package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRejectsDuplicateOpen(t *testing.T) {
	cs := newCollabServer(t)
	h := NewHub(nil)

	cfg := Config{BaseURL: cs.srv.URL, Token: "t", DocumentID: "doc-1"}
	s, err := h.Open(context.Background(), cfg)
	require.Nil(t, err)
	defer h.CloseAll()
	waitLive(t, s.Events())

	_, err = h.Open(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrDocumentOpen)
	assert.Equal(t, 1, h.Len())
}

func TestHubFailedOpenFreesSlot(t *testing.T) {
	h := NewHub(nil)

	cfg := Config{BaseURL: "ftp://nowhere", Token: "t", DocumentID: "doc-1"}
	_, err := h.Open(context.Background(), cfg)
	require.NotNil(t, err)
	assert.Equal(t, 0, h.Len())

	// the slot is reusable after the failure
	cs := newCollabServer(t)
	cfg.BaseURL = cs.srv.URL
	s, err := h.Open(context.Background(), cfg)
	require.Nil(t, err)
	defer h.CloseAll()
	waitLive(t, s.Events())
}

func TestHubGetAndClose(t *testing.T) {
	cs := newCollabServer(t)
	h := NewHub(nil)

	s, err := h.Open(context.Background(), Config{
		BaseURL: cs.srv.URL, Token: "t", DocumentID: "doc-1",
	})
	require.Nil(t, err)
	waitLive(t, s.Events())

	got, ok := h.Get("doc-1")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = h.Get("doc-2")
	assert.False(t, ok)

	require.Nil(t, h.Close("doc-1"))
	assert.ErrorIs(t, h.Close("doc-1"), ErrUnknownDocument)
	assert.Equal(t, 0, h.Len())
}

func TestHubCloseAll(t *testing.T) {
	h := NewHub(nil)
	for _, id := range []string{"a", "b", "c"} {
		cs := newCollabServer(t)
		s, err := h.Open(context.Background(), Config{
			BaseURL: cs.srv.URL, Token: "t", DocumentID: id,
		})
		require.Nil(t, err)
		waitLive(t, s.Events())
	}
	require.Equal(t, 3, h.Len())

	h.CloseAll()
	assert.Equal(t, 0, h.Len())
}
