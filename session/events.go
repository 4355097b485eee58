package session

// State is the session lifecycle. StatusChanged events walk a monotone
// path Idle → Connecting → Open → Syncing → Live → Closed; Failed is
// terminal and reachable from any non-terminal state.
type State int

const (
	Idle State = iota
	Connecting
	Open
	Syncing
	Live
	Closed
	Failed
)

func (s State) String() string {
	return []string{"Idle", "Connecting", "Open", "Syncing", "Live", "Closed", "Failed"}[s]
}

func (s State) terminal() bool {
	return s == Closed || s == Failed
}

type EventKind int

const (
	EventStatus EventKind = iota
	EventText
	EventPeerJoined
	EventPeerLeft
	EventError
)

func (k EventKind) String() string {
	return []string{"Status", "Text", "PeerJoined", "PeerLeft", "Error"}[k]
}

// Event is one entry of the session's pull-based stream. Which fields
// are set depends on Kind: State for Status, Text for Text, Peer for
// the peer events, Err for Error (and for a Failed Status).
type Event struct {
	Kind  EventKind
	State State
	Text  string
	Peer  string
	Err   error
}
