package voice

// GateInput is everything the transmit decision may depend on.
type GateInput struct {
	ManualMute bool
	PushToTalk bool
	KeyHeld    bool
}

// Gate decides whether local audio is transmitted.
type Gate func(GateInput) bool

// DefaultGate: manual mute always wins, push-to-talk transmits only while the
// key is held, otherwise the microphone is open.
func DefaultGate(in GateInput) bool {
	if in.ManualMute {
		return false
	}
	if in.PushToTalk {
		return in.KeyHeld
	}
	return true
}
