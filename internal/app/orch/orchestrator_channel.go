package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

// Subscribe joins sid to topic and sends it the current presence snapshot.
// Re-subscribing an already joined topic only re-sends the snapshot.
func (o *Orchestrator) Subscribe(ctx context.Context, sid core.SessionID, topic domain.Topic, ref string) error {
	if _, _, err := domain.ParseTopic(topic); err != nil {
		return err
	}
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return ErrNoSession
	}

	ch := o.Channels.GetOrCreate(topic)
	if ch.AddSubscriber(sid, sess) {
		o.Registry.AddTopic(sid, topic)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("topic", string(topic)).Msg("subscribed")
	}

	o.send(sid, protocol.TypeSubscribed, topic, ref, nil)
	err := ch.SnapshotTo(sid, func(entries []core.PresenceEntry) (core.Frame, error) {
		return protocol.Encode(protocol.TypePresenceState, topic, "", "", presenceState(entries))
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("topic", string(topic)).Msg("presence snapshot not delivered")
	}

	if topic.Kind() == domain.KindVoice {
		o.OnMediaReady(sid)
	}
	return nil
}

func (o *Orchestrator) Unsubscribe(ctx context.Context, sid core.SessionID, topic domain.Topic) {
	ch, ok := o.Channels.Get(topic)
	if !ok {
		return
	}
	if topic.Kind() == domain.KindVoice {
		o.cleanupMedia(sid, topic)
	}
	diff := ch.RemoveSubscriber(sid)
	o.Registry.RemoveTopic(sid, topic)
	o.publishDiff(ctx, ch, diff)

	if ch.SubscriberCount() == 0 {
		o.Channels.StopChannel(topic)
		o.mirror().Clear(ctx, topic)
		log.Info().Str("module", "orch").Str("topic", string(topic)).Msg("channel stopped, no subscribers left")
	}
}

// Track sets the presence meta of sid on topic and publishes the diff to
// every subscriber, the sender included.
func (o *Orchestrator) Track(ctx context.Context, sid core.SessionID, topic domain.Topic, key string, meta json.RawMessage) error {
	ch, err := o.subscribed(sid, topic)
	if err != nil {
		return err
	}
	if topic.Kind() == domain.KindVoice {
		o.enforceMute(sid, meta)
	}
	o.publishDiff(ctx, ch, ch.Track(sid, key, meta))
	return nil
}

func (o *Orchestrator) Untrack(ctx context.Context, sid core.SessionID, topic domain.Topic) error {
	ch, err := o.subscribed(sid, topic)
	if err != nil {
		return err
	}
	o.publishDiff(ctx, ch, ch.Untrack(sid))
	return nil
}

// OnDisconnect removes sid from every channel. Safe to call more than once.
func (o *Orchestrator) OnDisconnect(ctx context.Context, sid core.SessionID) {
	for _, topic := range o.Registry.TopicsOf(sid) {
		o.Unsubscribe(ctx, sid, topic)
	}
	if sess, ok := o.Registry.GetSession(sid); ok {
		if mc := sess.Media(); mc != nil {
			mc.Close()
		}
	}
	o.Registry.Unbind(sid)
}

// KickBySID drops the connection; the adapter's read pump then runs OnDisconnect.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		return
	}
	o.Registry.Cancel(sid)
	o.OnDisconnect(context.Background(), sid)
	if sc := sess.Signal(); sc != nil {
		sc.Close()
	}
}

// EvictChannel closes topic for everybody. Connections stay up; clients see
// channel_closed and decide whether to resubscribe.
func (o *Orchestrator) EvictChannel(ctx context.Context, topic domain.Topic, reason string) bool {
	ch, ok := o.Channels.Get(topic)
	if !ok {
		return false
	}
	frame, err := protocol.Encode(protocol.TypeClosed, topic, "", "", protocol.ClosedPayload{Reason: reason})
	if err == nil {
		ch.Send(frame)
	}
	for _, sid := range ch.Subscribers() {
		if topic.Kind() == domain.KindVoice {
			o.cleanupMedia(sid, topic)
		}
		ch.RemoveSubscriber(sid)
		o.Registry.RemoveTopic(sid, topic)
	}
	o.Channels.StopChannel(topic)
	o.mirror().Clear(ctx, topic)
	log.Info().Str("module", "orch").Str("topic", string(topic)).Str("reason", reason).Msg("channel evicted")
	return true
}

// MirroredPresence reads what the presence mirror holds for topic, keyed by
// presence ref.
func (o *Orchestrator) MirroredPresence(ctx context.Context, topic domain.Topic) (map[string]json.RawMessage, error) {
	return o.mirror().Snapshot(ctx, topic)
}

// PresenceOf returns the presence state of topic for introspection endpoints.
func (o *Orchestrator) PresenceOf(topic domain.Topic) (protocol.PresenceState, bool) {
	ch, ok := o.Channels.Get(topic)
	if !ok {
		return nil, false
	}
	return presenceState(ch.PresenceState()), true
}
