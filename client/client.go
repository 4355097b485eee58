// Package client talks to the knowledge-base REST API: the lookups a
// host needs before (and around) opening a collaboration session. The
// API is POST-only with JSON bodies and a {"data": ...} envelope.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kylephillipsau/outline-workspace/utils"
)

const (
	defaultTimeout = 15 * time.Second
	cacheSize      = 128
)

var (
	ErrUnauthorized = errors.New("workspace: api token rejected")
	ErrNotFound     = errors.New("workspace: no such document")
	ErrStatus       = errors.New("workspace: unexpected api status")
)

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Text      string    `json:"text"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type SearchResult struct {
	Context  string   `json:"context"`
	Ranking  float64  `json:"ranking"`
	Document Document `json:"document"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     utils.Logger

	// recently fetched documents, so repeated opens skip the round trip
	docs *lru.Cache[string, Document]
}

func New(baseURL, token string, log utils.Logger) *Client {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	docs, _ := lru.New[string, Document](cacheSize)
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log,
		docs:    docs,
	}
}

// DocumentInfo fetches one document's metadata and current text. Hits
// the cache first; Refresh forces a round trip.
func (c *Client) DocumentInfo(ctx context.Context, documentID string) (Document, error) {
	if doc, ok := c.docs.Get(documentID); ok {
		return doc, nil
	}
	return c.Refresh(ctx, documentID)
}

func (c *Client) Refresh(ctx context.Context, documentID string) (Document, error) {
	var doc Document
	err := c.post(ctx, "/api/documents.info", map[string]string{"id": documentID}, &doc)
	if err != nil {
		return Document{}, err
	}
	c.docs.Add(documentID, doc)
	return doc, nil
}

func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	var results []SearchResult
	err := c.post(ctx, "/api/documents.search", map[string]string{"query": query}, &results)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// AuthInfo identifies the token's user; useful as a connectivity and
// credential check before opening sessions.
func (c *Client) AuthInfo(ctx context.Context) (User, error) {
	var data struct {
		User User `json:"user"`
	}
	err := c.post(ctx, "/api/auth.info", struct{}{}, &data)
	if err != nil {
		return User{}, err
	}
	return data.User, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, path)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	default:
		return fmt.Errorf("%w: %d on %s", ErrStatus, resp.StatusCode, path)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: bad envelope from %s: %v", ErrStatus, path, err)
	}
	return json.Unmarshal(envelope.Data, out)
}
