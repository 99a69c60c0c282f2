package sfu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/core"
)

var ErrNoRelay = errors.New("no relay for speaker")

// TrackSink receives relayed tracks; core.MediaConnection satisfies it.
type TrackSink interface {
	AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error)
}

type RelayManager struct {
	mu     sync.RWMutex
	relays map[core.SessionID]*Relay
}

func NewRelayManager() *RelayManager {
	return &RelayManager{
		relays: make(map[core.SessionID]*Relay),
	}
}

// StartRelay creates a new Relay for the given speaker SID and starts its loop.
func (m *RelayManager) StartRelay(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote) {
	relayCtx, cancel := context.WithCancel(ctx)
	m.start(relayCtx, sid, NewRelay(track, cancel))
}

func (m *RelayManager) start(ctx context.Context, sid core.SessionID, relay *Relay) {
	logger := log.With().
		Str("module", "sfu.relay").
		Str("sid", string(sid)).
		Logger()

	m.mu.Lock()
	if old, ok := m.relays[sid]; ok {
		logger.Info().Msg("replacing existing relay for sid")
		old.markAllDelete()
		if old.cancel != nil {
			old.cancel()
		}
		relay.muted.Store(old.muted.Load())
	}
	m.relays[sid] = relay
	m.mu.Unlock()

	logger.Info().Msg("starting relay loop")

	go func(l zerolog.Logger) { relay.loop(ctx, &l) }(logger)
}

// AddSubscriber attaches an OutTrack to the relay of srcSID for dstSID.
func (m *RelayManager) AddSubscriber(srcSID, dstSID core.SessionID, localTrack *webrtc.TrackLocalStaticRTP) {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	relay.AddOutTrack(dstSID, NewOutTrack(localTrack))
}

// Subscribe creates a local track mirroring src's codec, attaches it to dst's
// peer connection and registers it on the speaker's relay. The caller must
// renegotiate dst afterwards.
func (m *RelayManager) Subscribe(srcSID, dstSID core.SessionID, sink TrackSink, src *webrtc.TrackRemote) error {
	if !m.HasRelay(srcSID) {
		return ErrNoRelay
	}
	local, err := webrtc.NewTrackLocalStaticRTP(src.Codec().RTPCodecCapability, src.ID(), string(srcSID))
	if err != nil {
		return fmt.Errorf("create local track for %s: %w", srcSID, err)
	}
	sender, err := sink.AddLocalTrack(local)
	if err != nil {
		return fmt.Errorf("attach track of %s to %s: %w", srcSID, dstSID, err)
	}
	// Read incoming RTCP packets so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	m.AddSubscriber(srcSID, dstSID, local)
	log.Info().Str("module", "sfu.relay").Str("src", string(srcSID)).Str("dst", string(dstSID)).Msg("subscribed")
	return nil
}

// SetMuted gates every outgoing copy of the speaker's stream.
func (m *RelayManager) SetMuted(srcSID core.SessionID, muted bool) {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	relay.setMuted(muted)
	log.Debug().Str("module", "sfu.relay").Str("src", string(srcSID)).Bool("muted", muted).Msg("relay mute state")
}

// MarkSubscriberDelete marks subscriber's OutTrack as TrackStateDelete.
func (m *RelayManager) MarkSubscriberDelete(srcSID, dstSID core.SessionID) {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	if ot, ok := relay.outTrack(dstSID); ok {
		ot.MarkDelete()
	}
}

// StopRelay stops a relay and removes it from the manager.
func (m *RelayManager) StopRelay(srcSID core.SessionID) {
	m.mu.Lock()
	relay, ok := m.relays[srcSID]
	if ok {
		delete(m.relays, srcSID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	relay.markAllDelete()
	if relay.cancel != nil {
		relay.cancel()
	}
}

// HasRelay reports whether a relay exists for sid.
func (m *RelayManager) HasRelay(sid core.SessionID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.relays[sid]
	return ok
}

// SrcTrack returns the source track for a given relay.
func (m *RelayManager) SrcTrack(sid core.SessionID) (*webrtc.TrackRemote, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	relay, ok := m.relays[sid]
	if !ok || relay.Src == nil {
		return nil, false
	}
	return relay.Src, true
}

// TrackState reports the state of dst's copy of src's stream.
func (m *RelayManager) TrackState(srcSID, dstSID core.SessionID) (TrackState, bool) {
	m.mu.RLock()
	relay, ok := m.relays[srcSID]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	ot, ok := relay.outTrack(dstSID)
	if !ok {
		return 0, false
	}
	return ot.GetState(), true
}
