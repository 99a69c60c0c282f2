// Package media is the client side of a voice session's audio: a pion peer
// connection carrying one Opus track whose samples only flow while the
// transmit gate is open.
package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/client/voice"
	"github.com/dkeye/boardsync/internal/protocol"
)

const FrameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame encoding 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

var ErrClosed = errors.New("uplink closed")

// Source produces encoded Opus frames of FrameDuration each.
type Source interface {
	ReadFrame() ([]byte, error)
}

type silence struct{}

func (silence) ReadFrame() ([]byte, error) { return opusSilence, nil }

// SilentMicrophone hands out uplinks fed by a silence source. It stands in for
// a capture device on headless clients.
type SilentMicrophone struct {
	ICEServers []string
	// Post runs fn on the owning loop; candidate callbacks arrive on pion
	// goroutines and must be hopped over before touching the channel.
	Post   func(fn func()) bool
	Logger zerolog.Logger
}

var _ voice.Microphone = (*SilentMicrophone)(nil)

func (m *SilentMicrophone) Acquire(ctx context.Context, c voice.Constraints) (voice.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewUplink(silence{}, m.ICEServers, m.Post, m.Logger)
}

// Uplink is a voice.Stream and voice.Negotiator. Every Negotiate builds a
// fresh peer connection; the track and its pump survive across them.
type Uplink struct {
	cfg   webrtc.Configuration
	track *webrtc.TrackLocalStaticSample
	src   Source
	post  func(fn func()) bool
	log   zerolog.Logger

	transmit atomic.Bool
	sent     atomic.Int64

	mu sync.Mutex
	pc *webrtc.PeerConnection

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewUplink(src Source, iceServers []string, post func(fn func()) bool, logger zerolog.Logger) (*Uplink, error) {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "boardsync",
	)
	if err != nil {
		return nil, err
	}
	u := &Uplink{
		cfg:   webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: iceServers}}},
		track: track,
		src:   src,
		post:  post,
		log:   logger.With().Str("module", "client.media").Logger(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go u.pump()
	return u, nil
}

func (u *Uplink) SetTransmit(on bool) { u.transmit.Store(on) }
func (u *Uplink) Transmitting() bool  { return u.transmit.Load() }

// SentFrames counts samples written to the track.
func (u *Uplink) SentFrames() int64 { return u.sent.Load() }

func (u *Uplink) pump() {
	defer close(u.done)
	t := time.NewTicker(FrameDuration)
	defer t.Stop()
	for {
		select {
		case <-u.stop:
			return
		case <-t.C:
			if !u.transmit.Load() {
				continue
			}
			frame, err := u.src.ReadFrame()
			if err != nil {
				u.log.Warn().Err(err).Msg("source read failed")
				continue
			}
			if err := u.track.WriteSample(pionmedia.Sample{Data: frame, Duration: FrameDuration}); err != nil {
				u.log.Debug().Err(err).Msg("write sample")
				continue
			}
			u.sent.Add(1)
		}
	}
}

func (u *Uplink) replacePC(pc *webrtc.PeerConnection) {
	u.mu.Lock()
	old := u.pc
	u.pc = pc
	u.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (u *Uplink) current() *webrtc.PeerConnection {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pc
}

func (u *Uplink) newPC(sig voice.Signaler) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(u.cfg)
	if err != nil {
		return nil, err
	}
	sender, err := pc.AddTrack(u.track)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		u.post(func() {
			if u.current() != pc {
				return
			}
			if err := sig.Signal(protocol.TypeCandidate, protocol.CandidatePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			}); err != nil {
				u.log.Debug().Err(err).Msg("candidate not sent")
			}
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		u.log.Info().Str("track_id", track.ID()).Msg("remote audio")
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		u.log.Debug().Str("peer_connection_state", s.String()).Msg("peer state")
	})
	return pc, nil
}

// Negotiate opens a new media session and sends its offer on sig.
func (u *Uplink) Negotiate(sig voice.Signaler) error {
	if u.isClosed() {
		return ErrClosed
	}
	pc, err := u.newPC(sig)
	if err != nil {
		return err
	}
	u.replacePC(pc)
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	return sig.Signal(protocol.TypeOffer, protocol.SDPPayload{SDP: offer.SDP})
}

// HandleSignal applies an answer, a candidate, or a renegotiation offer from
// the relay.
func (u *Uplink) HandleSignal(sig voice.Signaler, msg protocol.Signal) {
	pc := u.current()
	if pc == nil {
		return
	}
	switch msg.Kind {
	case protocol.TypeAnswer:
		var p protocol.SDPPayload
		if err := protocol.DecodePayload(msg.Payload, &p); err != nil {
			u.log.Warn().Err(err).Msg("bad answer")
			return
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
			u.log.Warn().Err(err).Msg("apply answer")
		}
	case protocol.TypeOffer:
		var p protocol.SDPPayload
		if err := protocol.DecodePayload(msg.Payload, &p); err != nil {
			u.log.Warn().Err(err).Msg("bad offer")
			return
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
			u.log.Warn().Err(err).Msg("apply offer")
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			u.log.Warn().Err(err).Msg("create answer")
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			u.log.Warn().Err(err).Msg("set local answer")
			return
		}
		if err := sig.Signal(protocol.TypeAnswer, protocol.SDPPayload{SDP: answer.SDP}); err != nil {
			u.log.Debug().Err(err).Msg("answer not sent")
		}
	case protocol.TypeCandidate:
		var p protocol.CandidatePayload
		if err := protocol.DecodePayload(msg.Payload, &p); err != nil {
			u.log.Warn().Err(err).Msg("bad candidate")
			return
		}
		if err := pc.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		}); err != nil {
			u.log.Debug().Err(err).Msg("add candidate")
		}
	}
}

func (u *Uplink) isClosed() bool {
	select {
	case <-u.stop:
		return true
	default:
		return false
	}
}

// Close stops the pump and the peer connection. Safe to call twice.
func (u *Uplink) Close() error {
	u.closeOnce.Do(func() {
		u.transmit.Store(false)
		close(u.stop)
		<-u.done
		u.replacePC(nil)
	})
	return nil
}
