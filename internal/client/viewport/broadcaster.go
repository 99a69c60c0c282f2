// Package viewport publishes the local camera to the board channel at a
// bounded rate and keeps the local presence meta carrying the latest view.
package viewport

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

const DefaultInterval = 100 * time.Millisecond

// Channel is the slice of a transport handle the broadcaster needs.
type Channel interface {
	Broadcast(event string, payload any) error
	Track(key string, meta any) error
	State() domain.ConnectionState
}

// Schedule runs fn on the owning loop after d and returns a cancel func.
type Schedule func(d time.Duration, fn func()) (cancel func())

// Broadcaster coalesces viewport changes: the first change after a quiet
// period goes out at once, later ones at most once per interval with the
// latest value winning. When changes stop, the presence meta is re-tracked
// so peers that join later can follow without waiting for a broadcast.
type Broadcaster struct {
	ch       Channel
	self     domain.PeerPresence
	interval time.Duration
	schedule Schedule
	log      zerolog.Logger

	latest  *domain.Viewport
	pending bool
	cancel  func()
	retrack bool
}

func NewBroadcaster(ch Channel, self domain.PeerPresence, interval time.Duration, schedule Schedule, logger zerolog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Broadcaster{
		ch:       ch,
		self:     self,
		interval: interval,
		schedule: schedule,
		log:      logger.With().Str("module", "client.viewport").Logger(),
	}
}

// Key is the presence key the local user tracks under.
func (b *Broadcaster) Key() string { return key(b.self.UserID) }

// Meta is the local presence record including the latest viewport.
func (b *Broadcaster) Meta() domain.PeerPresence {
	if b.latest == nil {
		return b.self
	}
	return b.self.WithViewport(*b.latest)
}

// Latest returns the last published viewport.
func (b *Broadcaster) Latest() (domain.Viewport, bool) {
	if b.latest == nil {
		return domain.Viewport{}, false
	}
	return *b.latest, true
}

// Publish records v and sends it now or at the end of the current throttle
// window. Values published while disconnected are flushed on reconnect.
func (b *Broadcaster) Publish(v domain.Viewport) error {
	if err := v.Validate(); err != nil {
		return err
	}
	b.latest = &v
	b.retrack = true
	if b.cancel != nil || b.ch.State() != domain.Connected {
		b.pending = true
		return nil
	}
	b.send()
	b.arm()
	return nil
}

func (b *Broadcaster) send() {
	b.pending = false
	ev := protocol.NewViewportEvent(b.self.UserID, *b.latest)
	if err := b.ch.Broadcast(protocol.EventViewport, ev); err != nil {
		b.log.Debug().Err(err).Msg("viewport not sent")
		b.pending = true
	}
}

func (b *Broadcaster) arm() {
	b.cancel = b.schedule(b.interval, b.tick)
}

func (b *Broadcaster) tick() {
	b.cancel = nil
	if b.pending && b.ch.State() == domain.Connected {
		b.send()
		b.arm()
		return
	}
	if b.retrack && b.ch.State() == domain.Connected {
		b.track()
	}
}

func (b *Broadcaster) track() {
	if err := b.ch.Track(b.Key(), b.Meta()); err != nil {
		b.log.Debug().Err(err).Msg("presence re-track failed")
		return
	}
	b.retrack = false
}

// OnConnected flushes a value held back while the channel was down.
func (b *Broadcaster) OnConnected() {
	if b.latest == nil || b.cancel != nil {
		return
	}
	if b.pending {
		b.send()
		b.arm()
		return
	}
	if b.retrack {
		b.track()
	}
}

// Stop cancels the throttle timer.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}
