package protocol

import (
	"fmt"
	"sort"

	"github.com/dkeye/boardsync/internal/domain"
)

// ViewportEvent is broadcast under EventViewport.
type ViewportEvent struct {
	UserID domain.UserID `json:"user_id" validate:"required,gt=0"`
	X      *float64      `json:"viewport_x" validate:"required"`
	Y      *float64      `json:"viewport_y" validate:"required"`
	Scale  *float64      `json:"viewport_scale" validate:"required,gt=0"`
}

func NewViewportEvent(id domain.UserID, v domain.Viewport) ViewportEvent {
	x, y, s := v.X, v.Y, v.Scale
	return ViewportEvent{UserID: id, X: &x, Y: &y, Scale: &s}
}

func (e ViewportEvent) Viewport() domain.Viewport {
	return domain.Viewport{X: *e.X, Y: *e.Y, Scale: *e.Scale}
}

// VoiceStateEvent is broadcast under EventVoiceState.
type VoiceStateEvent = domain.VoiceParticipant

// DecodeEvent validates a broadcast by its event name and returns
// ViewportEvent or VoiceStateEvent.
func DecodeEvent(b Broadcast) (any, error) {
	switch b.Event {
	case EventViewport:
		var ev ViewportEvent
		if err := DecodePayload(b.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventVoiceState:
		var ev VoiceStateEvent
		if err := DecodePayload(b.Payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, b.Event)
	}
}

// DecodePeers validates every meta of a board presence state. One bad meta
// fails the whole state so callers can drop the event atomically.
func DecodePeers(st PresenceState) ([]domain.PeerPresence, error) {
	out := make([]domain.PeerPresence, 0, len(st))
	for _, key := range sortedKeys(st) {
		for _, raw := range st[key] {
			var p domain.PeerPresence
			if err := DecodePayload(raw, &p); err != nil {
				return nil, fmt.Errorf("presence key %s: %w", key, err)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// DecodeParticipants is DecodePeers for voice topics.
func DecodeParticipants(st PresenceState) ([]domain.VoiceParticipant, error) {
	out := make([]domain.VoiceParticipant, 0, len(st))
	for _, key := range sortedKeys(st) {
		for _, raw := range st[key] {
			var p domain.VoiceParticipant
			if err := DecodePayload(raw, &p); err != nil {
				return nil, fmt.Errorf("voice key %s: %w", key, err)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func sortedKeys(st PresenceState) []string {
	keys := make([]string, 0, len(st))
	for k := range st {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
