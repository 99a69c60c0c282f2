package voice

import (
	"errors"
	"fmt"
)

type State int

const (
	Idle State = iota
	Connecting
	InSession
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case InSession:
		return "in_session"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition     = errors.New("invalid voice state transition")
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	ErrVoiceChannelDrop      = errors.New("disconnected from voice")
)

// transitions lists every legal move of the session state machine.
var transitions = map[State][]State{
	Idle:         {Connecting},
	Connecting:   {InSession, Idle},
	InSession:    {Reconnecting, Idle},
	Reconnecting: {InSession, Idle},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
