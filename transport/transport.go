// Package transport manages the authenticated WebSocket under a
// collaboration session: one writer goroutine draining a bounded frame
// queue, one reader goroutine dispatching inbound messages, both
// delivering through callbacks installed at construction so the
// transport never references its owner.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kylephillipsau/outline-workspace/protocol"
	"github.com/kylephillipsau/outline-workspace/utils"
)

const defaultLogLevel = slog.LevelInfo

const (
	DefaultConnectTimeout = 10 * time.Second

	// Outbound queue depth. Overflow blocks the producer: dropping a
	// local update would break convergence.
	OutQueueDepth = 100
)

var (
	ErrBadURL           = errors.New("workspace: base url cannot be rewritten")
	ErrHandshakeFailed  = errors.New("workspace: websocket handshake failed")
	ErrHandshakeTimeout = errors.New("workspace: websocket handshake timed out")
	ErrNotOpen          = errors.New("workspace: transport is not open")
	ErrAlreadyOpen      = errors.New("workspace: transport already opened")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	return []string{"Idle", "Connecting", "Open", "Closed", "Failed"}[s]
}

type Config struct {
	BaseURL        string
	Token          string
	DocumentID     string
	ConnectTimeout time.Duration
	Log            utils.Logger
}

// Callbacks deliver transport activity to the owner. OnFrame and
// OnNotice run on the reader goroutine; OnState may run on whichever
// goroutine hits the transition first, but fires at most once per
// state and exactly once for the terminal Closed/Failed.
type Callbacks struct {
	OnFrame  func(f protocol.Frame)
	OnNotice func(data []byte)
	OnState  func(st State, err error)
	OnError  func(err error) // non-fatal: one bad frame is not fatal
}

type Transport struct {
	cfg Config
	cb  Callbacks

	conn *websocket.Conn
	outq chan protocol.Frame

	opened  atomic.Bool
	closing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	terminal   sync.Once
	writerDone chan struct{}
	readerDone chan struct{}

	writeMu sync.Mutex
}

// EndpointURL rewrites an http(s) base to the ws(s) collaboration
// endpoint for a document.
func EndpointURL(baseURL, documentID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	u.Path = "/collaboration/document." + documentID
	return u.String(), nil
}

func New(cfg Config, cb Callbacks) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Log == nil {
		cfg.Log = utils.NewDefaultLogger(defaultLogLevel)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:        cfg,
		cb:         cb,
		outq:       make(chan protocol.Frame, OutQueueDepth),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// Open performs the upgrade handshake and starts both loops. The token
// travels only in the Authorization header and is never logged.
func (t *Transport) Open(ctx context.Context) error {
	if t.opened.Load() {
		return ErrAlreadyOpen
	}

	t.cb.OnState(StateConnecting, nil)

	endpoint, err := EndpointURL(t.cfg.BaseURL, t.cfg.DocumentID)
	if err != nil {
		t.terminate(StateFailed, err)
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.ConnectTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+t.cfg.Token)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		err = classifyDialError(err, resp)
		t.terminate(StateFailed, err)
		return err
	}

	t.conn = conn
	t.opened.Store(true)

	t.cfg.Log.Debug("transport: open", "endpoint", endpoint)

	// Report Open before the loops start so no inbound frame can be
	// observed ahead of the state change.
	t.cb.OnState(StateOpen, nil)

	go t.writeLoop()
	go t.readLoop()
	return nil
}

func classifyDialError(err error, resp *http.Response) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	if resp != nil {
		return fmt.Errorf("%w: status %d", ErrHandshakeFailed, resp.StatusCode)
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}

// Send enqueues a frame for the writer. Blocks when the queue is full;
// shutdown is observed at the enqueue site so a blocked producer wakes
// within one frame.
func (t *Transport) Send(f protocol.Frame) error {
	if !t.opened.Load() || t.closing.Load() {
		return ErrNotOpen
	}
	select {
	case t.outq <- f:
		return nil
	case <-t.ctx.Done():
		return ErrNotOpen
	}
}

// QueueLen reports the number of frames awaiting the writer.
func (t *Transport) QueueLen() int {
	return len(t.outq)
}

// Close drains the writer, sends a close frame, and stops both loops.
// Idempotent.
func (t *Transport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.cancel()

	if t.conn == nil {
		// never opened
		t.terminate(StateClosed, nil)
		return nil
	}

	<-t.writerDone
	_ = t.conn.Close()
	<-t.readerDone

	t.terminate(StateClosed, nil)
	return nil
}

func (t *Transport) writeLoop() {
	defer close(t.writerDone)
	for {
		select {
		case f := <-t.outq:
			if err := t.writeFrame(f); err != nil {
				t.fail(fmt.Errorf("write: %w", err))
				return
			}
		case <-t.ctx.Done():
			t.drainAndClose()
			return
		}
	}
}

func (t *Transport) drainAndClose() {
	for {
		select {
		case f := <-t.outq:
			if err := t.writeFrame(f); err != nil {
				return
			}
		default:
			t.writeMu.Lock()
			_ = t.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			t.writeMu.Unlock()
			return
		}
	}
}

func (t *Transport) writeFrame(f protocol.Frame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, f.Encode())
}

func (t *Transport) readLoop() {
	defer close(t.readerDone)
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			switch {
			case t.closing.Load():
				// Close() owns the terminal transition
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				t.shutdown(StateClosed, nil)
			default:
				t.fail(fmt.Errorf("read: %w", err))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			f, err := protocol.Decode(data)
			if err != nil {
				// the remote is malformed for this one frame only
				if t.cb.OnError != nil {
					t.cb.OnError(err)
				}
				continue
			}
			if t.cb.OnFrame != nil {
				t.cb.OnFrame(f)
			}
		case websocket.TextMessage:
			if t.cb.OnNotice != nil {
				t.cb.OnNotice(data)
			}
		default:
			// ping/pong are answered by the library, the rest is noise
		}
	}
}

func (t *Transport) fail(err error) {
	t.shutdown(StateFailed, err)
}

func (t *Transport) shutdown(st State, err error) {
	t.terminate(st, err)
	t.cancel()
	if t.conn != nil {
		_ = t.conn.Close()
	}
}

func (t *Transport) terminate(st State, err error) {
	t.terminal.Do(func() {
		if err != nil {
			t.cfg.Log.Error("transport: terminal", "state", st.String(), "err", err)
		}
		t.cb.OnState(st, err)
	})
}
