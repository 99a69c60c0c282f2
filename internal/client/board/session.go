// Package board composes the client core for one open board: the channel
// transport, the presence replica, the viewport broadcaster and the voice
// coordinator, all confined to one dispatch loop.
package board

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/client/loop"
	"github.com/dkeye/boardsync/internal/client/presence"
	"github.com/dkeye/boardsync/internal/client/settings"
	"github.com/dkeye/boardsync/internal/client/transport"
	"github.com/dkeye/boardsync/internal/client/viewport"
	"github.com/dkeye/boardsync/internal/client/voice"
	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

var (
	ErrClosed           = errors.New("board session closed")
	ErrVoiceUnavailable = errors.New("voice not configured")
)

var (
	_ viewport.Channel = (*transport.Handle)(nil)
	_ voice.Channel    = (*transport.Handle)(nil)
)

// MicrophoneFunc builds the capture device. post runs a func on the
// session's loop.
type MicrophoneFunc func(post func(fn func()) bool) voice.Microphone

type Options struct {
	Board     domain.BoardID
	User      *domain.User
	Throttle  time.Duration
	Transport transport.Options
	Dialer    transport.Dialer

	// Microphone is nil when the client has no capture device; voice joins
	// then fail with ErrVoiceUnavailable.
	Microphone MicrophoneFunc
	Settings   settings.Store
	Camera     viewport.Camera
	Logger     zerolog.Logger
	Now        func() time.Time

	// Hooks run on the loop.
	OnPresence     func([]domain.PeerPresence)
	OnState        func(domain.ConnectionState)
	OnVoiceState   func(voice.State)
	OnVoiceNotice  func(voice.Notice)
	OnParticipants func([]domain.VoiceParticipant)
}

// Session is one open board. Its methods are safe for concurrent use; each
// hops onto the loop.
type Session struct {
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	loop     *loop.Loop
	client   *transport.Client
	handle   *transport.Handle
	tracker  *presence.Tracker
	bcast    *viewport.Broadcaster
	follower *viewport.Follower
	voice    *voice.Coordinator

	closeOnce sync.Once
}

// Open subscribes to the board topic, tracks the local user and starts
// connecting in the background.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if _, _, err := domain.ParseTopic(domain.BoardTopic(opts.Board)); err != nil {
		return nil, err
	}
	if opts.User == nil {
		return nil, errors.New("board: user required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Settings == nil {
		opts.Settings = &settings.MemoryStore{}
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:   opts,
		log:    opts.Logger.With().Str("module", "client.board").Str("board", string(opts.Board)).Logger(),
		ctx:    sctx,
		cancel: cancel,
		loop:   loop.New(0),
	}
	s.client = transport.New(s.loop, opts.Dialer, opts.Transport)
	s.tracker = presence.NewTracker(opts.User.ID, opts.Logger)
	s.follower = viewport.NewFollower(s.tracker, opts.Camera)

	if err := s.loop.Do(ctx, s.wire); err != nil {
		cancel()
		s.loop.Close()
		return nil, err
	}
	s.client.Start()
	return s, nil
}

func (s *Session) wire() {
	self := domain.PeerPresence{
		UserID:   s.opts.User.ID,
		Username: s.opts.User.Username,
		OnlineAt: s.opts.Now().UnixMilli(),
	}
	s.handle = s.client.Subscribe(domain.BoardTopic(s.opts.Board))
	s.bcast = viewport.NewBroadcaster(s.handle, self, s.opts.Throttle, s.schedule, s.opts.Logger)

	s.handle.OnPresenceSync(s.onSync)
	s.handle.OnPresenceDiff(s.onDiff)
	s.handle.OnBroadcast(protocol.EventViewport, s.onViewport)
	s.handle.OnState(func(st domain.ConnectionState) {
		if st == domain.Connected {
			s.bcast.OnConnected()
		}
		if s.opts.OnState != nil {
			s.opts.OnState(st)
		}
	})
	if err := s.handle.Track(s.bcast.Key(), s.bcast.Meta()); err != nil {
		s.log.Error().Err(err).Msg("initial track failed")
	}

	if s.opts.Microphone != nil {
		s.voice = voice.NewCoordinator(voice.Options{
			Board:    s.opts.Board,
			Username: s.opts.User.Username,
			Open:     func(t domain.Topic) voice.Channel { return s.client.Subscribe(t) },
			Mic:      s.opts.Microphone(s.loop.Post),
			Post:     s.loop.Post,
			Logger:   s.opts.Logger,
		})
		if fn := s.opts.OnVoiceState; fn != nil {
			s.voice.OnState(fn)
		}
		if fn := s.opts.OnVoiceNotice; fn != nil {
			s.voice.OnNotice(fn)
		}
		if fn := s.opts.OnParticipants; fn != nil {
			s.voice.OnParticipants(fn)
		}
	}
}

func (s *Session) schedule(d time.Duration, fn func()) func() {
	t := s.loop.AfterFunc(d, fn)
	return t.Stop
}

func (s *Session) emitPresence() {
	if s.opts.OnPresence != nil {
		s.opts.OnPresence(s.tracker.ListOnline())
	}
}

func (s *Session) onSync(st protocol.PresenceState) {
	peers, err := protocol.DecodePeers(st)
	if err != nil {
		s.log.Warn().Err(err).Msg("presence snapshot dropped")
		return
	}
	if err := s.tracker.OnSync(peers); err != nil {
		s.log.Warn().Err(err).Msg("presence snapshot rejected")
		return
	}
	s.emitPresence()
}

func (s *Session) onDiff(joins, leaves protocol.PresenceState) {
	left, err := protocol.DecodePeers(leaves)
	if err != nil {
		s.log.Warn().Err(err).Msg("presence diff dropped")
		return
	}
	joined, err := protocol.DecodePeers(joins)
	if err != nil {
		s.log.Warn().Err(err).Msg("presence diff dropped")
		return
	}
	if err := s.tracker.OnDiff(joined, left); err != nil {
		s.log.Warn().Err(err).Msg("presence diff rejected")
		return
	}
	s.emitPresence()
}

func (s *Session) onViewport(raw json.RawMessage) {
	decoded, err := protocol.DecodeEvent(protocol.Broadcast{Event: protocol.EventViewport, Payload: raw})
	if err != nil {
		s.log.Warn().Err(err).Msg("viewport event dropped")
		return
	}
	ev := decoded.(protocol.ViewportEvent)
	if ev.UserID == s.opts.User.ID {
		return
	}
	if s.tracker.OnRemoteViewport(ev.UserID, ev.Viewport()) {
		s.emitPresence()
	}
}

func (s *Session) do(ctx context.Context, fn func()) error {
	if s.ctx.Err() != nil {
		return ErrClosed
	}
	if err := s.loop.Do(ctx, fn); err != nil {
		if errors.Is(err, loop.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (s *Session) State(ctx context.Context) (domain.ConnectionState, error) {
	var st domain.ConnectionState
	err := s.do(ctx, func() { st = s.handle.State() })
	return st, err
}

// Online lists the visible peers, one per user, ordered by user id.
func (s *Session) Online(ctx context.Context) ([]domain.PeerPresence, error) {
	var out []domain.PeerPresence
	err := s.do(ctx, func() { out = s.tracker.ListOnline() })
	return out, err
}

func (s *Session) Peer(ctx context.Context, id domain.UserID) (domain.PeerPresence, bool, error) {
	var (
		p  domain.PeerPresence
		ok bool
	)
	err := s.do(ctx, func() { p, ok = s.tracker.Get(id) })
	return p, ok, err
}

func (s *Session) PublishViewport(ctx context.Context, v domain.Viewport) error {
	var perr error
	if err := s.do(ctx, func() { perr = s.bcast.Publish(v) }); err != nil {
		return err
	}
	return perr
}

// Follow snaps the camera to id's last known viewport.
func (s *Session) Follow(ctx context.Context, id domain.UserID) (domain.Viewport, error) {
	var (
		v    domain.Viewport
		ferr error
	)
	if err := s.do(ctx, func() { v, ferr = s.follower.Follow(id) }); err != nil {
		return domain.Viewport{}, err
	}
	return v, ferr
}

// JoinVoice reads the stored settings and starts a voice session.
func (s *Session) JoinVoice(ctx context.Context) error {
	if s.voice == nil {
		return ErrVoiceUnavailable
	}
	vs, err := s.opts.Settings.Load()
	if err != nil {
		s.log.Warn().Err(err).Msg("voice settings load failed, using defaults")
	}
	var jerr error
	if err := s.do(ctx, func() { jerr = s.voice.Join(s.ctx, vs) }); err != nil {
		return err
	}
	return jerr
}

func (s *Session) LeaveVoice(ctx context.Context) error {
	if s.voice == nil {
		return ErrVoiceUnavailable
	}
	return s.do(ctx, s.voice.Leave)
}

func (s *Session) ToggleMute(ctx context.Context) (bool, error) {
	if s.voice == nil {
		return false, ErrVoiceUnavailable
	}
	var muted bool
	err := s.do(ctx, func() { muted = s.voice.ToggleMute() })
	return muted, err
}

func (s *Session) KeyDown(ctx context.Context, key string) error {
	if s.voice == nil {
		return ErrVoiceUnavailable
	}
	return s.do(ctx, func() { s.voice.KeyDown(key) })
}

func (s *Session) KeyUp(ctx context.Context, key string) error {
	if s.voice == nil {
		return ErrVoiceUnavailable
	}
	return s.do(ctx, func() { s.voice.KeyUp(key) })
}

func (s *Session) SetVoiceActivity(ctx context.Context, active bool) error {
	if s.voice == nil {
		return ErrVoiceUnavailable
	}
	return s.do(ctx, func() { s.voice.SetVoiceActivity(active) })
}

func (s *Session) VoiceStatus(ctx context.Context) (voice.Status, error) {
	if s.voice == nil {
		return voice.Status{}, ErrVoiceUnavailable
	}
	var st voice.Status
	err := s.do(ctx, func() { st = s.voice.Status() })
	return st, err
}

func (s *Session) Participants(ctx context.Context) ([]domain.VoiceParticipant, error) {
	if s.voice == nil {
		return nil, ErrVoiceUnavailable
	}
	var out []domain.VoiceParticipant
	err := s.do(ctx, func() { out = s.voice.Participants() })
	return out, err
}

// SaveVoiceSettings validates and stores settings; they apply on the next join.
func (s *Session) SaveVoiceSettings(vs domain.VoiceSettings) error {
	return s.opts.Settings.Save(vs)
}

// Close leaves voice, unsubscribes, stops timers and the reconnect
// supervisor, and returns once all of it is done. It must not be called from
// a session hook.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		err := s.loop.Do(context.Background(), func() {
			if s.voice != nil {
				s.voice.Leave()
			}
			s.bcast.Stop()
			s.handle.Unsubscribe()
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("teardown on closed loop")
		}
		s.cancel()
		s.client.Close()
		s.loop.Close()
		s.log.Info().Msg("board session closed")
	})
}
