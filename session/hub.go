package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kylephillipsau/outline-workspace/utils"
)

var (
	ErrDocumentOpen    = errors.New("workspace: document session already open")
	ErrUnknownDocument = errors.New("workspace: no session for document")
)

// Hub keeps at most one live session per document id.
type Hub struct {
	log      utils.Logger
	sessions *xsync.MapOf[string, *Session]
}

func NewHub(log utils.Logger) *Hub {
	if log == nil {
		log = utils.NewDefaultLogger(slog.LevelInfo)
	}
	return &Hub{
		log:      log,
		sessions: xsync.NewMapOf[string, *Session](),
	}
}

// Open starts a session for the document in cfg. A second Open for the
// same document fails with ErrDocumentOpen until the first is closed.
func (h *Hub) Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Log == nil {
		cfg.Log = h.log
	}

	// reserve the slot before dialing so concurrent opens race on the
	// map, not on the network
	if _, loaded := h.sessions.LoadOrStore(cfg.DocumentID, nil); loaded {
		return nil, ErrDocumentOpen
	}

	s, err := Start(ctx, cfg)
	if err != nil {
		h.sessions.Delete(cfg.DocumentID)
		return nil, err
	}
	h.sessions.Store(cfg.DocumentID, s)
	h.log.Info("hub: session open", "document", cfg.DocumentID)
	return s, nil
}

func (h *Hub) Get(documentID string) (*Session, bool) {
	s, ok := h.sessions.Load(documentID)
	if !ok || s == nil {
		return nil, false
	}
	return s, true
}

func (h *Hub) Close(documentID string) error {
	s, ok := h.sessions.LoadAndDelete(documentID)
	if !ok || s == nil {
		return ErrUnknownDocument
	}
	s.Stop()
	h.log.Info("hub: session closed", "document", documentID)
	return nil
}

func (h *Hub) CloseAll() {
	h.sessions.Range(func(id string, s *Session) bool {
		if s != nil {
			s.Stop()
		}
		h.sessions.Delete(id)
		return true
	})
}

func (h *Hub) Len() int {
	return h.sessions.Size()
}
