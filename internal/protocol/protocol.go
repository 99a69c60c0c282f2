// Package protocol defines the channel wire format shared by the realtime server
// and the client transport. Every inbound frame is decoded into a closed set of
// message types; anything else is rejected at the boundary.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dkeye/boardsync/internal/domain"
)

type Type string

// Client -> server.
const (
	TypeSubscribe   Type = "subscribe"
	TypeUnsubscribe Type = "unsubscribe"
	TypeTrack       Type = "track"
	TypeUntrack     Type = "untrack"
	TypeBroadcast   Type = "broadcast"
	TypePing        Type = "ping"
	TypeOffer       Type = "offer"
	TypeCandidate   Type = "candidate"
)

// Server -> client.
const (
	TypeSubscribed    Type = "subscribed"
	TypePresenceState Type = "presence_state"
	TypePresenceDiff  Type = "presence_diff"
	TypeClosed        Type = "channel_closed"
	TypeError         Type = "error"
	TypePong          Type = "pong"
	TypeAnswer        Type = "answer"
)

// Broadcast event names.
const (
	EventViewport   = "viewport"
	EventVoiceState = "voice_state"
)

var (
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrUnknownEvent   = errors.New("unknown broadcast event")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the only frame shape on the wire.
type Envelope struct {
	Type    Type            `json:"type"`
	Topic   domain.Topic    `json:"topic,omitempty"`
	Event   string          `json:"event,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// TrackPayload registers the sender's presence meta under Key.
type TrackPayload struct {
	Key  string          `json:"key" validate:"required"`
	Meta json.RawMessage `json:"meta" validate:"required"`
}

// PresenceState maps presence keys to the metas of every live connection.
type PresenceState map[string][]json.RawMessage

type DiffPayload struct {
	Joins  PresenceState `json:"joins"`
	Leaves PresenceState `json:"leaves"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type ClosedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Encode builds an envelope frame; payload may be nil.
func Encode(t Type, topic domain.Topic, event, ref string, payload any) ([]byte, error) {
	env := Envelope{Type: t, Topic: topic, Event: event, Ref: ref}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses the outer frame only.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// DecodePayload unmarshals and validates an envelope payload into v.
func DecodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// SDPPayload carries an offer or answer for the voice media session.
type SDPPayload struct {
	SDP string `json:"sdp" validate:"required"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate" validate:"required"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// WithRef stamps a presence meta with the server-assigned ref. Metas that are
// not JSON objects are returned unchanged.
func WithRef(meta json.RawMessage, ref string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(meta, &fields); err != nil || fields == nil {
		return meta
	}
	r, _ := json.Marshal(ref)
	fields["presence_ref"] = r
	out, err := json.Marshal(fields)
	if err != nil {
		return meta
	}
	return out
}
