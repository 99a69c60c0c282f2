package orch

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

func (o *Orchestrator) BindMediaHandlers(mc core.MediaConnection, sid core.SessionID) {
	mc.OnTrack(func(trackCtx context.Context, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		o.OnTrack(trackCtx, sid, track)
	})
	mc.OnClosed(func() { o.OnMediaDisconnect(sid) })
}

func (o *Orchestrator) OnMediaDisconnect(sid core.SessionID) {
	topic, ok := o.Registry.VoiceTopicOf(sid)
	if !ok {
		if o.Relays != nil {
			o.Relays.StopRelay(sid)
		}
		return
	}
	o.cleanupMedia(sid, topic)
}

// cleanupMedia stops sid's relay and its copies of everybody else's audio.
func (o *Orchestrator) cleanupMedia(sid core.SessionID, topic domain.Topic) {
	if o.Relays == nil {
		return
	}
	o.Relays.StopRelay(sid)
	for _, snap := range o.Registry.MembersOfTopic(topic) {
		o.Relays.MarkSubscriberDelete(snap.SID, sid)
	}
}

// AttachMedia stores a negotiated media connection on the session.
func (o *Orchestrator) AttachMedia(sid core.SessionID, mc core.MediaConnection) error {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrNoSession
	}
	if old := sess.Media(); old != nil && old != mc {
		old.Close()
	}
	sess.UpdateMedia(mc)
	return nil
}

// OnTrack is called when a new remote media track appears for a given session.
func (o *Orchestrator) OnTrack(ctx context.Context, sid core.SessionID, track *webrtc.TrackRemote) {
	if o.Relays == nil {
		return
	}
	if sess, ok := o.Registry.GetSession(sid); !ok || sess.Media() == nil {
		return
	}
	topic, ok := o.Registry.VoiceTopicOf(sid)
	if !ok {
		log.Info().
			Str("module", "orch.media").
			Str("sid", string(sid)).
			Msg("OnTrack: session has no voice channel")
		return
	}
	o.Relays.StartRelay(ctx, sid, track)

	// Subscribe all existing members of the voice channel to this speaker.
	for _, snap := range o.Registry.MembersOfTopic(topic) {
		if snap.SID == sid {
			continue
		}
		mc := snap.Session.Media()
		if mc == nil {
			continue
		}
		if err := o.Relays.Subscribe(sid, snap.SID, mc, track); err != nil {
			log.Error().Err(err).Str("module", "orch.media").Msg("subscribe listener")
			continue
		}
		o.renegotiate(snap.SID, topic, mc)
	}
}

// OnMediaReady is called when MediaConnection is attached to the session (offer/answer done)
// or the session joins a voice channel. It subscribes this session to all existing relays
// of the channel.
func (o *Orchestrator) OnMediaReady(sid core.SessionID) {
	if o.Relays == nil {
		return
	}
	topic, ok := o.Registry.VoiceTopicOf(sid)
	if !ok {
		return
	}

	// If there is no media connection yet, nothing to do.
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	mc := sess.Media()
	if mc == nil {
		return
	}

	added := 0
	for _, snap := range o.Registry.MembersOfTopic(topic) {
		if snap.SID == sid {
			continue
		}
		srcTrack, ok := o.Relays.SrcTrack(snap.SID)
		if !ok {
			continue
		}
		if err := o.Relays.Subscribe(snap.SID, sid, mc, srcTrack); err != nil {
			log.Error().Err(err).Str("module", "orch.media").Msg("subscribe to speaker")
			continue
		}
		added++
	}
	if added > 0 {
		o.renegotiate(sid, topic, mc)
	}
}

func (o *Orchestrator) renegotiate(sid core.SessionID, topic domain.Topic, mc core.MediaConnection) {
	offer, err := mc.CreateAndSetOffer()
	if err != nil {
		log.Error().Err(err).Str("module", "orch.media").Str("sid", string(sid)).Msg("renegotiation offer")
		return
	}
	o.send(sid, protocol.TypeOffer, topic, "", protocol.SDPPayload{SDP: offer.SDP})
}

// ApplyAnswer completes a server-initiated renegotiation.
func (o *Orchestrator) ApplyAnswer(sid core.SessionID, sdp string) error {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrNoSession
	}
	mc := sess.Media()
	if mc == nil {
		return ErrNoMedia
	}
	return mc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (o *Orchestrator) AddCandidate(sid core.SessionID, cand webrtc.ICECandidateInit) error {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrNoSession
	}
	mc := sess.Media()
	if mc == nil {
		return ErrNoMedia
	}
	return mc.AddICECandidate(cand)
}
