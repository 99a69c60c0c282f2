package signal

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/app/orch"
	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

func reasonOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidTopic):
		return "invalid_topic"
	case errors.Is(err, orch.ErrNotSubscribed):
		return "not_subscribed"
	case errors.Is(err, orch.ErrNoSession):
		return "no_session"
	case errors.Is(err, protocol.ErrMalformed):
		return "bad_payload"
	default:
		return "internal"
	}
}

func (ctl *SignalWSController) handleSubscribe(ctx context.Context, sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("topic", string(env.Topic)).Msg("subscribe")
	if err := ctl.Orch.Subscribe(ctx, sid, env.Topic, env.Ref); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("subscribe rejected")
		ctl.sendError(conn, env, reasonOf(err))
	}
}

func (ctl *SignalWSController) handleUnsubscribe(ctx context.Context, sid core.SessionID, env protocol.Envelope) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("topic", string(env.Topic)).Msg("unsubscribe")
	ctl.Orch.Unsubscribe(ctx, sid, env.Topic)
}

func (ctl *SignalWSController) handleTrack(ctx context.Context, sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	var p protocol.TrackPayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad track payload")
		ctl.sendError(conn, env, reasonOf(err))
		return
	}
	if err := ctl.Orch.Track(ctx, sid, env.Topic, p.Key, p.Meta); err != nil {
		ctl.sendError(conn, env, reasonOf(err))
	}
}

func (ctl *SignalWSController) handleUntrack(ctx context.Context, sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	if err := ctl.Orch.Untrack(ctx, sid, env.Topic); err != nil {
		ctl.sendError(conn, env, reasonOf(err))
	}
}

func (ctl *SignalWSController) handleBroadcast(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	if env.Event == "" {
		ctl.sendError(conn, env, "bad_payload")
		return
	}
	if err := ctl.Orch.Broadcast(sid, env.Topic, env.Event, env.Payload); err != nil {
		ctl.sendError(conn, env, reasonOf(err))
	}
}
