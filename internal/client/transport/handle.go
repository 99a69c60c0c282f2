package transport

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/client/loop"
	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

// Handle is one subscribed topic. Every method and callback runs on the
// client's loop.
type Handle struct {
	c     *Client
	topic domain.Topic
	log   zerolog.Logger

	state  domain.ConnectionState
	synced bool
	closed bool

	trackKey  string
	trackMeta json.RawMessage

	// per-channel resubscribe after server-side failures
	retry    *Backoff
	failures int
	timer    *loop.Timer

	onState     []func(domain.ConnectionState)
	onSync      []func(protocol.PresenceState)
	onDiff      []func(joins, leaves protocol.PresenceState)
	onBroadcast map[string][]func(json.RawMessage)
	onSignal    []func(protocol.Signal)
}

func newHandle(c *Client, topic domain.Topic) *Handle {
	return &Handle{
		c:           c,
		topic:       topic,
		log:         c.log.With().Str("topic", string(topic)).Logger(),
		state:       domain.Connecting,
		retry:       NewBackoff(c.opts.BaseDelay, c.opts.MaxDelay),
		onBroadcast: make(map[string][]func(json.RawMessage)),
	}
}

func (h *Handle) Topic() domain.Topic          { return h.topic }
func (h *Handle) State() domain.ConnectionState { return h.state }

// Synced reports whether the presence snapshot for the current subscription
// has arrived.
func (h *Handle) Synced() bool { return h.synced }

func (h *Handle) OnState(fn func(domain.ConnectionState)) { h.onState = append(h.onState, fn) }

func (h *Handle) OnPresenceSync(fn func(protocol.PresenceState)) {
	h.onSync = append(h.onSync, fn)
}

func (h *Handle) OnPresenceDiff(fn func(joins, leaves protocol.PresenceState)) {
	h.onDiff = append(h.onDiff, fn)
}

func (h *Handle) OnBroadcast(event string, fn func(json.RawMessage)) {
	h.onBroadcast[event] = append(h.onBroadcast[event], fn)
}

func (h *Handle) OnSignal(fn func(protocol.Signal)) { h.onSignal = append(h.onSignal, fn) }

// Broadcast sends event to every other subscriber. While the channel is not
// connected the message is dropped and ErrNotConnected returned.
func (h *Handle) Broadcast(event string, payload any) error {
	if h.closed || h.state != domain.Connected {
		h.log.Debug().Str("event", event).Str("state", h.state.String()).Msg("broadcast dropped")
		return ErrNotConnected
	}
	return h.c.send(protocol.TypeBroadcast, h.topic, event, "", payload)
}

// Signal sends a media negotiation frame on this topic.
func (h *Handle) Signal(t protocol.Type, payload any) error {
	if h.closed || h.state != domain.Connected {
		return ErrNotConnected
	}
	return h.c.send(t, h.topic, "", "", payload)
}

// Track sets the presence meta of this connection under key. The meta is
// remembered and re-sent after every resubscribe.
func (h *Handle) Track(key string, meta any) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	h.trackKey, h.trackMeta = key, raw
	if h.closed || h.state != domain.Connected {
		return nil
	}
	return h.sendTrack()
}

func (h *Handle) Untrack() error {
	h.trackKey, h.trackMeta = "", nil
	if h.closed || h.state != domain.Connected {
		return nil
	}
	return h.c.send(protocol.TypeUntrack, h.topic, "", "", nil)
}

func (h *Handle) sendTrack() error {
	return h.c.send(protocol.TypeTrack, h.topic, "", "", protocol.TrackPayload{Key: h.trackKey, Meta: h.trackMeta})
}

// Unsubscribe leaves the channel. No callback fires afterwards.
func (h *Handle) Unsubscribe() {
	if h.closed {
		return
	}
	h.closed = true
	h.timer.Stop()
	if h.c.Connected() {
		if err := h.c.send(protocol.TypeUnsubscribe, h.topic, "", "", nil); err != nil {
			h.log.Debug().Err(err).Msg("unsubscribe not delivered")
		}
	}
	h.state = domain.Disconnected
	h.c.forget(h)
}

func (h *Handle) setState(s domain.ConnectionState) {
	if h.closed || h.state == s {
		return
	}
	h.log.Debug().Str("from", h.state.String()).Str("to", s.String()).Msg("channel state")
	h.state = s
	for _, fn := range h.onState {
		fn(s)
	}
}

// resubscribe sends subscribe on the current socket. Presence diffs are
// ignored until the snapshot that answers it arrives.
func (h *Handle) resubscribe() {
	if h.closed {
		return
	}
	h.timer.Stop()
	h.timer = nil
	h.synced = false
	if err := h.c.send(protocol.TypeSubscribe, h.topic, "", h.c.nextRef(), nil); err != nil {
		h.log.Debug().Err(err).Msg("subscribe not sent")
	}
}

func (h *Handle) connectionLost() {
	h.timer.Stop()
	h.timer = nil
	h.synced = false
	if h.state == domain.Connected || h.state == domain.Reconnecting {
		h.setState(domain.Reconnecting)
	}
}

// channelFailed handles a server-side rejection or close of this topic while
// the socket itself stays up.
func (h *Handle) channelFailed(reason string) {
	h.synced = false
	h.failures++
	if h.c.opts.MaxAttempts > 0 && h.failures >= h.c.opts.MaxAttempts {
		h.log.Error().Str("reason", reason).Int("failures", h.failures).Msg("channel gave up")
		h.timer.Stop()
		h.timer = nil
		h.setState(domain.Disconnected)
		return
	}
	if h.state == domain.Connected {
		h.setState(domain.Reconnecting)
	}
	d := h.retry.Next()
	h.log.Warn().Str("reason", reason).Dur("delay", d).Msg("channel failed, resubscribing")
	h.timer.Stop()
	h.timer = h.c.loop.AfterFunc(d, func() {
		h.timer = nil
		if h.c.Connected() {
			h.resubscribe()
		}
	})
}

func (h *Handle) receive(msg protocol.Message) {
	if h.closed {
		return
	}
	switch m := msg.(type) {
	case protocol.Subscribed:
		h.retry.Reset()
		h.failures = 0
		if h.trackMeta != nil {
			if err := h.sendTrack(); err != nil {
				h.log.Warn().Err(err).Msg("re-track failed")
			}
		}
		h.setState(domain.Connected)
	case protocol.PresenceSnapshot:
		h.synced = true
		for _, fn := range h.onSync {
			fn(m.State)
		}
	case protocol.PresenceChange:
		if !h.synced {
			h.log.Debug().Msg("presence diff before snapshot dropped")
			return
		}
		for _, fn := range h.onDiff {
			fn(m.Joins, m.Leaves)
		}
	case protocol.Broadcast:
		for _, fn := range h.onBroadcast[m.Event] {
			fn(m.Payload)
		}
	case protocol.Signal:
		for _, fn := range h.onSignal {
			fn(m)
		}
	case protocol.Failure:
		if h.state == domain.Connected {
			// Errors on a live channel answer individual requests; only a
			// rejected subscribe needs a retry.
			h.log.Warn().Str("reason", m.Reason).Msg("channel request rejected")
			return
		}
		h.channelFailed(m.Reason)
	case protocol.Closed:
		h.channelFailed("closed: " + m.Reason)
	}
}
