// Package orch coordinates channels, sessions and media relays. Adapters call
// into it with a session id; it never owns transport resources.
package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/app"
	"github.com/dkeye/boardsync/internal/app/sfu"
	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

var (
	ErrNoSession     = errors.New("no session")
	ErrNotSubscribed = errors.New("not subscribed to topic")
	ErrNoMedia       = errors.New("no media connection")
)

type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelManager
	Policy   app.Policy
	Relays   *sfu.RelayManager
	Mirror   app.PresenceMirror
}

func (o *Orchestrator) mirror() app.PresenceMirror {
	if o.Mirror == nil {
		return app.NopMirror{}
	}
	return o.Mirror
}

// Broadcast fans an event out to every other subscriber of topic.
// voice_state events additionally gate the sender's relayed audio.
func (o *Orchestrator) Broadcast(sid core.SessionID, topic domain.Topic, event string, payload []byte) error {
	ch, err := o.subscribed(sid, topic)
	if err != nil {
		return err
	}
	if topic.Kind() == domain.KindVoice && event == protocol.EventVoiceState {
		o.enforceMute(sid, payload)
	}

	frame, err := protocol.Encode(protocol.TypeBroadcast, topic, event, "", rawPayload(payload))
	if err != nil {
		return err
	}
	o.applyPolicy(ch, ch.Broadcast(sid, frame))
	return nil
}

func (o *Orchestrator) subscribed(sid core.SessionID, topic domain.Topic) (core.ChannelService, error) {
	ch, ok := o.Channels.Get(topic)
	if !ok || !ch.IsSubscribed(sid) {
		return nil, ErrNotSubscribed
	}
	return ch, nil
}

func (o *Orchestrator) enforceMute(sid core.SessionID, payload []byte) {
	if o.Relays == nil {
		return
	}
	var st protocol.VoiceStateEvent
	if err := protocol.DecodePayload(payload, &st); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("ignoring malformed voice state")
		return
	}
	o.Relays.SetMuted(sid, st.IsMuted)
}

func (o *Orchestrator) applyPolicy(ch core.ChannelService, res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(ch, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(slow.ID())).Str("topic", string(ch.Topic())).Msg("kicking slow subscriber")
			go o.KickBySID(slow.ID())
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

// sendTo writes one frame to a single session and ignores backpressure; the
// next fan-out applies the policy.
func (o *Orchestrator) sendTo(sid core.SessionID, frame core.Frame) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	sc := sess.Signal()
	if sc == nil {
		return
	}
	if err := sc.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("direct send failed")
	}
}

func (o *Orchestrator) send(sid core.SessionID, t protocol.Type, topic domain.Topic, ref string, payload any) {
	frame, err := protocol.Encode(t, topic, "", ref, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode frame")
		return
	}
	o.sendTo(sid, frame)
}

func rawPayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return json.RawMessage(p)
}

func presenceState(entries []core.PresenceEntry) protocol.PresenceState {
	st := make(protocol.PresenceState, len(entries))
	for _, e := range entries {
		st[e.Key] = append(st[e.Key], protocol.WithRef(e.Meta, e.Ref))
	}
	return st
}

func (o *Orchestrator) publishDiff(ctx context.Context, ch core.ChannelService, diff core.PresenceDiff) {
	if diff.Empty() {
		return
	}
	o.mirror().Apply(ctx, ch.Topic(), diff)
	frame, err := protocol.Encode(protocol.TypePresenceDiff, ch.Topic(), "", "", protocol.DiffPayload{
		Joins:  presenceState(diff.Joins),
		Leaves: presenceState(diff.Leaves),
	})
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode presence diff")
		return
	}
	o.applyPolicy(ch, ch.Send(frame))
}
