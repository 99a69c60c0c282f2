package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		cancel()
		ctl.Orch.OnDisconnect(context.Background(), sid)
		ctl.Limiter.Forget(sid)
		c.Close()
	}()

	pongWait := ctl.opts.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, env, "bad_payload")
		return
	}
	if !ctl.Limiter.Allow(sid) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("type", string(env.Type)).Msg("rate limited")
		ctl.sendError(c, env, "rate_limited")
		return
	}

	switch env.Type {
	case protocol.TypeSubscribe:
		ctl.handleSubscribe(ctx, sid, c, env)
	case protocol.TypeUnsubscribe:
		ctl.handleUnsubscribe(ctx, sid, env)
	case protocol.TypeTrack:
		ctl.handleTrack(ctx, sid, c, env)
	case protocol.TypeUntrack:
		ctl.handleUntrack(ctx, sid, c, env)
	case protocol.TypeBroadcast:
		ctl.handleBroadcast(sid, c, env)
	case protocol.TypePing:
		ctl.handlePing(c, env)
	case protocol.TypeOffer:
		ctl.handleOffer(ctx, sid, c, env)
	case protocol.TypeAnswer:
		ctl.handleAnswer(sid, c, env)
	case protocol.TypeCandidate:
		ctl.handleCandidate(sid, env)
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.sendError(c, env, "unknown_type")
	}
}

func (ctl *SignalWSController) send(c core.SignalConnection, t protocol.Type, env protocol.Envelope, payload any) {
	frame, err := protocol.Encode(t, env.Topic, "", env.Ref, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode frame")
		return
	}
	_ = c.TrySend(frame)
}

func (ctl *SignalWSController) sendError(c core.SignalConnection, env protocol.Envelope, reason string) {
	ctl.send(c, protocol.TypeError, env, protocol.ErrorPayload{Error: reason})
}
