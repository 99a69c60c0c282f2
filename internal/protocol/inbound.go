package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dkeye/boardsync/internal/domain"
)

// Message is a validated server -> client frame.
type Message interface {
	MessageTopic() domain.Topic
}

type Subscribed struct {
	Topic domain.Topic
	Ref   string
}

type PresenceSnapshot struct {
	Topic domain.Topic
	State PresenceState
}

type PresenceChange struct {
	Topic  domain.Topic
	Joins  PresenceState
	Leaves PresenceState
}

type Broadcast struct {
	Topic   domain.Topic
	Event   string
	Payload json.RawMessage
}

// Closed means the server dropped the channel; the connection stays up.
type Closed struct {
	Topic  domain.Topic
	Reason string
}

type Failure struct {
	Topic  domain.Topic
	Ref    string
	Reason string
}

// Signal is a voice media negotiation frame: offer, answer or candidate.
type Signal struct {
	Topic   domain.Topic
	Kind    Type
	Payload json.RawMessage
}

type Pong struct{}

func (m Subscribed) MessageTopic() domain.Topic       { return m.Topic }
func (m PresenceSnapshot) MessageTopic() domain.Topic { return m.Topic }
func (m PresenceChange) MessageTopic() domain.Topic   { return m.Topic }
func (m Broadcast) MessageTopic() domain.Topic        { return m.Topic }
func (m Closed) MessageTopic() domain.Topic           { return m.Topic }
func (m Failure) MessageTopic() domain.Topic          { return m.Topic }
func (m Signal) MessageTopic() domain.Topic           { return m.Topic }
func (Pong) MessageTopic() domain.Topic               { return "" }

// Decode turns a raw frame into one of the inbound message types.
func Decode(data []byte) (Message, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypePong:
		return Pong{}, nil
	}

	if env.Topic == "" {
		return nil, fmt.Errorf("%w: %s without topic", ErrMalformed, env.Type)
	}

	switch env.Type {
	case TypeSubscribed:
		return Subscribed{Topic: env.Topic, Ref: env.Ref}, nil
	case TypePresenceState:
		var st PresenceState
		if err := json.Unmarshal(env.Payload, &st); err != nil {
			return nil, fmt.Errorf("%w: presence state: %v", ErrMalformed, err)
		}
		if st == nil {
			st = PresenceState{}
		}
		return PresenceSnapshot{Topic: env.Topic, State: st}, nil
	case TypePresenceDiff:
		var d DiffPayload
		if err := json.Unmarshal(env.Payload, &d); err != nil {
			return nil, fmt.Errorf("%w: presence diff: %v", ErrMalformed, err)
		}
		return PresenceChange{Topic: env.Topic, Joins: d.Joins, Leaves: d.Leaves}, nil
	case TypeBroadcast:
		if env.Event == "" {
			return nil, fmt.Errorf("%w: broadcast without event", ErrMalformed)
		}
		return Broadcast{Topic: env.Topic, Event: env.Event, Payload: env.Payload}, nil
	case TypeClosed:
		var p ClosedPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, fmt.Errorf("%w: closed: %v", ErrMalformed, err)
			}
		}
		return Closed{Topic: env.Topic, Reason: p.Reason}, nil
	case TypeError:
		var p ErrorPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return nil, fmt.Errorf("%w: error: %v", ErrMalformed, err)
			}
		}
		return Failure{Topic: env.Topic, Ref: env.Ref, Reason: p.Error}, nil
	case TypeOffer, TypeAnswer, TypeCandidate:
		return Signal{Topic: env.Topic, Kind: env.Type, Payload: env.Payload}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}
