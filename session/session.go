// Package session orchestrates one live document: it owns the replica
// and the transport, runs the sync handshake, and folds everything that
// happens into a single ordered event stream for the host application.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kylephillipsau/outline-workspace/protocol"
	"github.com/kylephillipsau/outline-workspace/replica"
	"github.com/kylephillipsau/outline-workspace/store"
	"github.com/kylephillipsau/outline-workspace/transport"
	"github.com/kylephillipsau/outline-workspace/utils"
)

const eventQueueLen = 100

var (
	ErrConfig     = errors.New("workspace: base url and document id are required")
	ErrOutOfOrder = errors.New("workspace: sync frame before the channel opened")
)

type Config struct {
	BaseURL        string
	Token          string
	DocumentID     string
	ConnectTimeout time.Duration
	Log            utils.Logger

	// Optional snapshot cache; written on every text change.
	Store *store.Store
}

// inbound multiplexes everything the transport callbacks produce onto
// one channel, so the run loop is the only goroutine touching session
// state.
type inbound struct {
	frame  *protocol.Frame
	notice []byte
	state  *stateChange
	err    error
}

type stateChange struct {
	st  transport.State
	err error
}

type Session struct {
	cfg Config
	log utils.Logger

	doc *replica.Replica
	tr  *transport.Transport

	events chan Event
	inbox  chan inbound

	// run-loop state, never touched from outside it
	state State

	done     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	stopOnce sync.Once
}

// Start connects, performs the sync handshake, and returns a running
// session. A handshake failure is returned directly; after a successful
// return the host learns about the connection only through Events.
func Start(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.BaseURL == "" || cfg.DocumentID == "" {
		return nil, ErrConfig
	}
	if cfg.Log == nil {
		cfg.Log = utils.NewDefaultLogger(slog.LevelInfo)
	}

	s := &Session{
		cfg:    cfg,
		log:    cfg.Log,
		doc:    replica.New(),
		events: make(chan Event, eventQueueLen),
		inbox:  make(chan inbound, eventQueueLen),
		state:  Idle,
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}

	s.tr = transport.New(transport.Config{
		BaseURL:        cfg.BaseURL,
		Token:          cfg.Token,
		DocumentID:     cfg.DocumentID,
		ConnectTimeout: cfg.ConnectTimeout,
		Log:            s.log,
	}, transport.Callbacks{
		OnFrame:  func(f protocol.Frame) { s.push(inbound{frame: &f}) },
		OnNotice: func(data []byte) { s.push(inbound{notice: data}) },
		OnState:  func(st transport.State, err error) { s.push(inbound{state: &stateChange{st, err}}) },
		OnError:  func(err error) { s.push(inbound{err: err}) },
	})

	// The observer captures the send path only, never the session, so
	// replica and transport stay unaware of each other.
	send := s.sendFrame
	log := s.log
	s.doc.OnLocalChange(func(update []byte) {
		if err := send(protocol.NewUpdate(update)); err != nil {
			log.Warn("session: local update dropped", "err", err)
		}
	})

	go s.run()

	if err := s.tr.Open(ctx); err != nil {
		<-s.done
		return nil, err
	}
	return s, nil
}

// Events is the session's ordered stream. The channel is buffered; a
// host that stops draining it will eventually stall the session rather
// than lose events. It is closed when the session reaches a terminal
// state.
func (s *Session) Events() <-chan Event { return s.events }

// Replica exposes the document for local edits. Mutations made through
// it are broadcast automatically.
func (s *Session) Replica() *replica.Replica { return s.doc }

func (s *Session) DocumentID() string { return s.cfg.DocumentID }

// SendLocalUpdate ships an already-encoded update, for hosts that
// produced one outside the replica observer path.
func (s *Session) SendLocalUpdate(update []byte) error {
	return s.sendFrame(protocol.NewUpdate(update))
}

// Stop closes the connection and waits for the event stream to end.
// Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.quitOnce.Do(func() { close(s.quit) })
		_ = s.tr.Close()
		<-s.done
	})
}

func (s *Session) push(m inbound) {
	select {
	case s.inbox <- m:
	case <-s.quit:
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)
	defer s.quitOnce.Do(func() { close(s.quit) })

	for {
		select {
		case m := <-s.inbox:
			if s.handle(m) {
				return
			}
		case <-s.quit:
			if !s.state.terminal() {
				s.state = Closed
				// deliberately not emit(): quit is already closed, and
				// the final status must not be dropped
				s.events <- Event{Kind: EventStatus, State: Closed}
			}
			return
		}
	}
}

// handle processes one inbound item; true means terminal.
func (s *Session) handle(m inbound) bool {
	switch {
	case m.state != nil:
		return s.onTransportState(m.state.st, m.state.err)
	case m.frame != nil:
		s.onFrame(*m.frame)
	case m.notice != nil:
		s.onNotice(m.notice)
	case m.err != nil:
		s.reportError("decode", m.err)
	}
	return false
}

func (s *Session) onTransportState(st transport.State, err error) bool {
	switch st {
	case transport.StateConnecting:
		s.to(Connecting)
	case transport.StateOpen:
		s.to(Open)
		s.to(Syncing)
		s.sendOrWarn(protocol.NewSyncStep1(s.doc.StateVector()))
	case transport.StateClosed:
		s.to(Closed)
		return true
	case transport.StateFailed:
		s.state = Failed
		s.emit(Event{Kind: EventStatus, State: Failed, Err: err})
		return true
	}
	return false
}

func (s *Session) onFrame(f protocol.Frame) {
	FramesReceived.WithLabelValues(f.Kind.String()).Inc()

	if s.state < Syncing {
		s.reportError("protocol", fmt.Errorf("%w: %s in state %s", ErrOutOfOrder, f.Kind, s.state))
		// close from outside the loop; the terminal state arrives
		// through the inbox like any other
		go func() { _ = s.tr.Close() }()
		return
	}

	switch f.Kind {
	case protocol.SyncStep1:
		diff, err := s.doc.DiffSince(f.Payload)
		if err != nil {
			s.reportError("protocol", err)
			return
		}
		s.sendOrWarn(protocol.NewSyncStep2(diff))
	case protocol.SyncStep2, protocol.Update:
		s.applyRemote(f.Payload)
		if s.state == Syncing {
			s.to(Live)
		}
	case protocol.Awareness, protocol.QueryAwareness:
		s.log.Debug("session: awareness frame", "kind", f.Kind.String(), "bytes", len(f.Payload))
	case protocol.Auth:
		s.log.Debug("session: auth frame from server ignored")
	}
}

func (s *Session) applyRemote(payload []byte) {
	mutated, err := s.doc.ApplyRemote(payload)
	if err != nil {
		class := "crdt"
		if errors.Is(err, replica.ErrDecodeFailed) {
			class = "decode"
		}
		s.reportError(class, err)
		return
	}
	if !mutated {
		return
	}

	snapshot := s.doc.Text()
	s.emit(Event{Kind: EventText, Text: snapshot})

	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveSnapshot(s.cfg.DocumentID, snapshot); err != nil {
			s.log.Warn("session: snapshot cache write failed",
				"document", s.cfg.DocumentID, "err", err)
		}
	}
}

func (s *Session) onNotice(data []byte) {
	var msg struct {
		Type string `json:"type"`
		User string `json:"user"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		s.reportError("presence", err)
		return
	}
	switch msg.Type {
	case "user.join":
		s.emit(Event{Kind: EventPeerJoined, Peer: msg.User})
	case "user.leave":
		s.emit(Event{Kind: EventPeerLeft, Peer: msg.User})
	default:
		s.log.Debug("session: unrecognized notice", "type", msg.Type)
	}
}

func (s *Session) to(st State) {
	if s.state == st || s.state.terminal() {
		return
	}
	s.state = st
	s.log.Debug("session: state", "document", s.cfg.DocumentID, "state", st.String())
	s.emit(Event{Kind: EventStatus, State: st})
}

func (s *Session) reportError(class string, err error) {
	SessionErrors.WithLabelValues(class).Inc()
	s.log.Warn("session: "+class+" error", "document", s.cfg.DocumentID, "err", err)
	s.emit(Event{Kind: EventError, Err: err})
}

func (s *Session) sendFrame(f protocol.Frame) error {
	if err := s.tr.Send(f); err != nil {
		return err
	}
	FramesSent.WithLabelValues(f.Kind.String()).Inc()
	OutQueueDepth.WithLabelValues(s.cfg.DocumentID).Set(float64(s.tr.QueueLen()))
	return nil
}

func (s *Session) sendOrWarn(f protocol.Frame) {
	if err := s.sendFrame(f); err != nil {
		s.log.Warn("session: send failed", "kind", f.Kind.String(), "err", err)
	}
}
