// Package protocol defines the wire messages exchanged between an editor
// client and the sync server, and their framing. Every frame is a 1-byte
// type followed by a uvarint payload length and the payload itself, so a
// partial read can never be mistaken for a different message.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Kind tags a wire message.
type Kind byte

const (
	// KindSyncStep1 announces the sender's state vector and asks for the
	// operations it is missing.
	KindSyncStep1 Kind = iota
	// KindSyncStep2 answers a sync-step1 with the operations the asker is
	// missing. The receiver treats it exactly like KindUpdate.
	KindSyncStep2
	// KindUpdate carries an incremental batch of operations.
	KindUpdate
	// KindAwareness carries a presence payload.
	KindAwareness
	// KindPresenceJoined and KindPresenceLeft notify the room about
	// membership changes. Server to client only.
	KindPresenceJoined
	KindPresenceLeft
	// KindError reports a problem with one of the sender's own messages,
	// e.g. an update that failed to decode. Never broadcast.
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync-step1"
	case KindSyncStep2:
		return "sync-step2"
	case KindUpdate:
		return "update"
	case KindAwareness:
		return "awareness"
	case KindPresenceJoined:
		return "presence-joined"
	case KindPresenceLeft:
		return "presence-left"
	case KindError:
		return "error"
	}
	return "unknown"
}

// ErrorPayload is the JSON body of a KindError frame.
type ErrorPayload struct {
	Error string `json:"error"`
}

// EncodeError serialises an error report.
func EncodeError(msg string) []byte {
	data, _ := json.Marshal(ErrorPayload{Error: msg})
	return data
}

// DecodeError extracts the reason from a KindError frame. A body that does
// not parse is returned verbatim; it is only ever shown to a human.
func DecodeError(data []byte) string {
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Error == "" {
		return string(data)
	}
	return p.Error
}

// Message is one decoded frame.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Presence is the ephemeral per-session state shared with other
// participants. It is overwritten wholesale on every awareness message and
// dropped when the session disconnects; nothing in it is merged or persisted.
type Presence struct {
	SessionID uuid.UUID `json:"session_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`

	// Cursor is the caret position in visible runes; Anchor is the other
	// end of the selection, equal to Cursor when nothing is selected.
	Cursor int `json:"cursor"`
	Anchor int `json:"anchor"`
}

// EncodePresence serialises a presence payload for a KindAwareness frame.
func EncodePresence(p Presence) []byte {
	data, err := json.Marshal(p)
	if err != nil {
		// Presence has no unmarshalable fields.
		panic(err)
	}
	return data
}

// DecodePresence parses a presence payload.
func DecodePresence(data []byte) (Presence, error) {
	var p Presence
	if err := json.Unmarshal(data, &p); err != nil {
		return Presence{}, err
	}
	return p, nil
}
