// Package voice coordinates a board's voice session: microphone ownership,
// the voice channel subscription, push-to-talk and mute, and the roster of
// remote participants. A Coordinator is confined to its board session's loop.
package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

// Constraints are the capture options derived from VoiceSettings.
type Constraints struct {
	Volume           float64
	NoiseSuppression bool
	EchoCancellation bool
}

func constraintsOf(s domain.VoiceSettings) Constraints {
	return Constraints{
		Volume:           s.MicrophoneVolume,
		NoiseSuppression: s.NoiseSuppression,
		EchoCancellation: s.EchoCancellation,
	}
}

type Microphone interface {
	// Acquire may block on device permission; it is never called on the loop.
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

type Stream interface {
	SetTransmit(on bool)
	Close() error
}

// Signaler sends media negotiation frames on the voice channel.
type Signaler interface {
	Signal(t protocol.Type, payload any) error
}

// Negotiator is implemented by streams that carry audio over a media session
// negotiated on the voice channel.
type Negotiator interface {
	Negotiate(sig Signaler) error
	HandleSignal(sig Signaler, msg protocol.Signal)
}

// Channel is the slice of a transport handle the coordinator needs.
type Channel interface {
	Signaler
	State() domain.ConnectionState
	Track(key string, meta any) error
	Broadcast(event string, payload any) error
	OnState(fn func(domain.ConnectionState))
	OnPresenceSync(fn func(protocol.PresenceState))
	OnPresenceDiff(fn func(joins, leaves protocol.PresenceState))
	OnBroadcast(event string, fn func(json.RawMessage))
	OnSignal(fn func(protocol.Signal))
	Unsubscribe()
}

type NoticeKind int

const (
	NoticeMicrophone NoticeKind = iota
	NoticeDisconnected
)

// Notice is a user-visible condition; everything else is recovered silently.
type Notice struct {
	Kind NoticeKind
	Err  error
}

type Status struct {
	State        State
	Muted        bool
	Transmitting bool
	Speaking     bool
	Participants int
}

type Options struct {
	Board    domain.BoardID
	Username string
	Open     func(domain.Topic) Channel
	Mic      Microphone
	// Post runs fn on the coordinator's loop; used to deliver the microphone
	// acquisition result.
	Post   func(fn func()) bool
	Gate   Gate
	Logger zerolog.Logger
}

type Coordinator struct {
	opts Options
	log  zerolog.Logger
	gate Gate

	state     State
	settings  domain.VoiceSettings
	sessionID string
	joinSeq   int
	ch        Channel
	stream    Stream

	manualMute bool
	keyHeld    bool
	vad        bool
	advertised *domain.VoiceParticipant

	participants map[string]domain.VoiceParticipant

	onState        []func(State)
	onNotice       []func(Notice)
	onParticipants []func([]domain.VoiceParticipant)
}

func NewCoordinator(opts Options) *Coordinator {
	gate := opts.Gate
	if gate == nil {
		gate = DefaultGate
	}
	return &Coordinator{
		opts:         opts,
		log:          opts.Logger.With().Str("module", "client.voice").Str("board", string(opts.Board)).Logger(),
		gate:         gate,
		participants: make(map[string]domain.VoiceParticipant),
	}
}

func (c *Coordinator) OnState(fn func(State))                              { c.onState = append(c.onState, fn) }
func (c *Coordinator) OnNotice(fn func(Notice))                            { c.onNotice = append(c.onNotice, fn) }
func (c *Coordinator) OnParticipants(fn func([]domain.VoiceParticipant)) { c.onParticipants = append(c.onParticipants, fn) }

func (c *Coordinator) State() State { return c.state }

// SetGate swaps the transmit policy and re-evaluates it immediately.
func (c *Coordinator) SetGate(g Gate) {
	if g == nil {
		g = DefaultGate
	}
	c.gate = g
	c.applyGate()
}

func (c *Coordinator) setState(to State) error {
	if err := checkTransition(c.state, to); err != nil {
		c.log.Error().Err(err).Msg("rejected transition")
		return err
	}
	c.log.Info().Str("from", c.state.String()).Str("to", to.String()).Msg("voice state")
	c.state = to
	for _, fn := range c.onState {
		fn(to)
	}
	return nil
}

func (c *Coordinator) notify(n Notice) {
	c.log.Warn().Err(n.Err).Msg("voice notice")
	for _, fn := range c.onNotice {
		fn(n)
	}
}

// Join starts a voice session with the given settings. The microphone is
// acquired asynchronously; failure returns the coordinator to Idle and emits
// a NoticeMicrophone carrying ErrMicrophoneUnavailable.
func (c *Coordinator) Join(ctx context.Context, settings domain.VoiceSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if err := c.setState(Connecting); err != nil {
		return err
	}
	c.settings = settings
	c.sessionID = uuid.NewString()
	c.keyHeld, c.vad = false, false
	c.advertised = nil
	c.joinSeq++
	seq := c.joinSeq

	constraints := constraintsOf(settings)
	go func() {
		stream, err := c.opts.Mic.Acquire(ctx, constraints)
		if !c.opts.Post(func() { c.onMicrophone(seq, stream, err) }) && stream != nil {
			_ = stream.Close()
		}
	}()
	return nil
}

func (c *Coordinator) onMicrophone(seq int, stream Stream, err error) {
	if seq != c.joinSeq || c.state != Connecting {
		if stream != nil {
			_ = stream.Close()
		}
		return
	}
	if err != nil {
		_ = c.setState(Idle)
		c.notify(Notice{Kind: NoticeMicrophone, Err: fmt.Errorf("%w: %v", ErrMicrophoneUnavailable, err)})
		return
	}
	c.stream = stream
	stream.SetTransmit(false)

	ch := c.opts.Open(domain.VoiceTopic(c.opts.Board))
	c.ch = ch
	ch.OnState(func(s domain.ConnectionState) { c.onChannelState(ch, s) })
	ch.OnPresenceSync(func(st protocol.PresenceState) { c.onSync(ch, st) })
	ch.OnPresenceDiff(func(joins, leaves protocol.PresenceState) { c.onDiff(ch, joins, leaves) })
	ch.OnBroadcast(protocol.EventVoiceState, func(raw json.RawMessage) { c.onVoiceState(ch, raw) })
	if n, ok := stream.(Negotiator); ok {
		ch.OnSignal(func(msg protocol.Signal) {
			if c.ch == ch {
				n.HandleSignal(ch, msg)
			}
		})
	}
	c.advertise()
	if s := ch.State(); s == domain.Connected || s == domain.Disconnected {
		c.onChannelState(ch, s)
	}
}

func (c *Coordinator) onChannelState(ch Channel, s domain.ConnectionState) {
	if c.ch != ch {
		return
	}
	switch s {
	case domain.Connected:
		if c.state == Connecting || c.state == Reconnecting {
			if err := c.setState(InSession); err != nil {
				return
			}
			if c.stream != nil {
				c.stream.SetTransmit(c.transmitting())
			}
			c.advertiseState(true)
			if n, ok := c.stream.(Negotiator); ok {
				if err := n.Negotiate(ch); err != nil {
					c.log.Warn().Err(err).Msg("media negotiation failed")
				}
			}
		}
	case domain.Reconnecting:
		if c.state == InSession {
			_ = c.setState(Reconnecting)
			c.applyGate()
		}
	case domain.Disconnected:
		if c.state != Idle {
			c.teardown()
			_ = c.setState(Idle)
			c.notify(Notice{Kind: NoticeDisconnected, Err: ErrVoiceChannelDrop})
		}
	}
}

// Leave ends the session, releasing the microphone and the channel.
func (c *Coordinator) Leave() {
	if c.state == Idle {
		return
	}
	c.joinSeq++
	c.teardown()
	_ = c.setState(Idle)
}

func (c *Coordinator) teardown() {
	if c.ch != nil {
		c.ch.Unsubscribe()
		c.ch = nil
	}
	if c.stream != nil {
		c.stream.SetTransmit(false)
		if err := c.stream.Close(); err != nil {
			c.log.Warn().Err(err).Msg("release microphone")
		}
		c.stream = nil
	}
	c.keyHeld, c.vad = false, false
	c.advertised = nil
	if len(c.participants) > 0 {
		c.participants = make(map[string]domain.VoiceParticipant)
		c.emitParticipants()
	}
}

// ToggleMute flips the manual mute and returns the new value. It is kept
// across sessions.
func (c *Coordinator) ToggleMute() bool {
	c.manualMute = !c.manualMute
	c.applyGate()
	return c.manualMute
}

func (c *Coordinator) ManualMute() bool { return c.manualMute }

func (c *Coordinator) isPTTKey(key string) bool {
	return c.settings.PushToTalk && key == c.settings.PushToTalkKey
}

func (c *Coordinator) KeyDown(key string) {
	if !c.isPTTKey(key) || c.keyHeld {
		return
	}
	c.keyHeld = true
	c.applyGate()
}

func (c *Coordinator) KeyUp(key string) {
	if !c.isPTTKey(key) || !c.keyHeld {
		return
	}
	c.keyHeld = false
	c.applyGate()
}

// SetVoiceActivity feeds the local voice activity detector's verdict.
func (c *Coordinator) SetVoiceActivity(active bool) {
	if c.vad == active {
		return
	}
	c.vad = active
	c.advertise()
}

func (c *Coordinator) transmitting() bool {
	if c.state != InSession || c.stream == nil {
		return false
	}
	return c.gate(GateInput{
		ManualMute: c.manualMute,
		PushToTalk: c.settings.PushToTalk,
		KeyHeld:    c.keyHeld,
	})
}

func (c *Coordinator) applyGate() {
	if c.stream != nil {
		c.stream.SetTransmit(c.transmitting())
	}
	c.advertise()
}

func (c *Coordinator) self() domain.VoiceParticipant {
	tx := c.transmitting()
	return domain.VoiceParticipant{
		SessionID:  c.sessionID,
		Username:   c.opts.Username,
		IsMuted:    !tx,
		IsSpeaking: c.vad && tx,
	}
}

func (c *Coordinator) advertise() { c.advertiseState(false) }

// advertiseState publishes the local participant when it changed: mute
// changes go into presence so late joiners see them, every change is
// broadcast. The handle re-sends the tracked meta itself after a resubscribe.
func (c *Coordinator) advertiseState(force bool) {
	if c.ch == nil {
		return
	}
	p := c.self()
	if !force && c.advertised != nil && *c.advertised == p {
		return
	}
	if c.advertised == nil || c.advertised.IsMuted != p.IsMuted {
		if err := c.ch.Track(p.SessionID, p); err != nil {
			c.log.Debug().Err(err).Msg("voice track failed")
		}
	}
	if c.ch.State() == domain.Connected {
		if err := c.ch.Broadcast(protocol.EventVoiceState, p); err != nil {
			c.log.Debug().Err(err).Msg("voice state not sent")
		}
	}
	c.advertised = &p
}

// Advertised returns what peers currently see for the local participant.
func (c *Coordinator) Advertised() (domain.VoiceParticipant, bool) {
	if c.advertised == nil {
		return domain.VoiceParticipant{}, false
	}
	return *c.advertised, true
}

func (c *Coordinator) Status() Status {
	p := c.self()
	return Status{
		State:        c.state,
		Muted:        p.IsMuted,
		Transmitting: c.transmitting(),
		Speaking:     p.IsSpeaking,
		Participants: len(c.participants),
	}
}

func (c *Coordinator) Settings() domain.VoiceSettings { return c.settings }

// Participants lists remote participants ordered by username then session.
func (c *Coordinator) Participants() []domain.VoiceParticipant {
	out := make([]domain.VoiceParticipant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Username != out[j].Username {
			return out[i].Username < out[j].Username
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (c *Coordinator) emitParticipants() {
	if len(c.onParticipants) == 0 {
		return
	}
	list := c.Participants()
	for _, fn := range c.onParticipants {
		fn(list)
	}
}

func (c *Coordinator) onSync(ch Channel, st protocol.PresenceState) {
	if c.ch != ch {
		return
	}
	list, err := protocol.DecodeParticipants(st)
	if err != nil {
		c.log.Warn().Err(err).Msg("voice presence sync dropped")
		return
	}
	next := make(map[string]domain.VoiceParticipant, len(list))
	for _, p := range list {
		if p.SessionID != c.sessionID {
			next[p.SessionID] = p
		}
	}
	c.participants = next
	c.emitParticipants()
}

func (c *Coordinator) onDiff(ch Channel, joins, leaves protocol.PresenceState) {
	if c.ch != ch {
		return
	}
	left, err := protocol.DecodeParticipants(leaves)
	if err != nil {
		c.log.Warn().Err(err).Msg("voice presence diff dropped")
		return
	}
	joined, err := protocol.DecodeParticipants(joins)
	if err != nil {
		c.log.Warn().Err(err).Msg("voice presence diff dropped")
		return
	}
	for _, p := range left {
		delete(c.participants, p.SessionID)
	}
	for _, p := range joined {
		if p.SessionID != c.sessionID {
			c.participants[p.SessionID] = p
		}
	}
	c.emitParticipants()
}

func (c *Coordinator) onVoiceState(ch Channel, raw json.RawMessage) {
	if c.ch != ch {
		return
	}
	decoded, err := protocol.DecodeEvent(protocol.Broadcast{Event: protocol.EventVoiceState, Payload: raw})
	if err != nil {
		c.log.Warn().Err(err).Msg("voice state dropped")
		return
	}
	st := decoded.(protocol.VoiceStateEvent)
	if _, ok := c.participants[st.SessionID]; !ok {
		return
	}
	c.participants[st.SessionID] = st
	c.emitParticipants()
}
