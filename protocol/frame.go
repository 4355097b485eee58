// Package protocol implements the binary framing used by the
// collaboration endpoint: every WebSocket binary message carries one
// frame, encoded as a single kind byte followed by the payload verbatim.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind byte

const (
	SyncStep1      Kind = iota // sender's state vector
	SyncStep2                  // everything the receiver is missing
	Update                     // incremental update
	Awareness                  // opaque presence blob, pass-through
	Auth                       // {"token":"..."}
	QueryAwareness             // empty, asks peers to resend awareness
)

const maxKind = QueryAwareness

func (k Kind) String() string {
	switch k {
	case SyncStep1:
		return "SyncStep1"
	case SyncStep2:
		return "SyncStep2"
	case Update:
		return "Update"
	case Awareness:
		return "Awareness"
	case Auth:
		return "Auth"
	case QueryAwareness:
		return "QueryAwareness"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

var (
	ErrEmptyFrame  = errors.New("workspace: empty frame")
	ErrUnknownKind = errors.New("workspace: unknown frame kind")
)

// Frame is a single application-level message, distinct from a
// WebSocket frame.
type Frame struct {
	Kind    Kind
	Payload []byte
}

func (f Frame) Encode() []byte {
	out := make([]byte, 0, 1+len(f.Payload))
	out = append(out, byte(f.Kind))
	return append(out, f.Payload...)
}

func Decode(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	if data[0] > byte(maxKind) {
		return Frame{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, data[0])
	}
	return Frame{Kind: Kind(data[0]), Payload: data[1:]}, nil
}

func NewSyncStep1(stateVector []byte) Frame {
	return Frame{Kind: SyncStep1, Payload: stateVector}
}

func NewSyncStep2(update []byte) Frame {
	return Frame{Kind: SyncStep2, Payload: update}
}

func NewUpdate(update []byte) Frame {
	return Frame{Kind: Update, Payload: update}
}

func NewAwareness(blob []byte) Frame {
	return Frame{Kind: Awareness, Payload: blob}
}

func NewQueryAwareness() Frame {
	return Frame{Kind: QueryAwareness}
}

func NewAuth(token string) Frame {
	payload, _ := json.Marshal(struct {
		Token string `json:"token"`
	}{token})
	return Frame{Kind: Auth, Payload: payload}
}
