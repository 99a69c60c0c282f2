package signal

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/adapters/rtc"
	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

func (ctl *SignalWSController) sendCandidate(c core.SignalConnection, topic domain.Topic, ci webrtc.ICECandidateInit) {
	ctl.send(c, protocol.TypeCandidate, protocol.Envelope{Topic: topic}, protocol.CandidatePayload{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
}

func (ctl *SignalWSController) handleOffer(ctx context.Context, sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	if env.Topic.Kind() != domain.KindVoice {
		ctl.sendError(conn, env, "invalid_topic")
		return
	}
	var p protocol.SDPPayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		ctl.sendError(conn, env, "bad_payload")
		return
	}

	wc, err := rtc.NewWebRTCConnection(rtc.DefaultWebRTCConfig(ctl.opts.ICEServers), sid)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc new pc")
		return
	}

	wc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		ctl.sendCandidate(conn, env.Topic, ci)
	})

	ctl.Orch.BindMediaHandlers(wc, sid)

	if err = wc.Start(ctx); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc start")
		wc.Close()
		return
	}

	answer, err := wc.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("webrtc apply offer")
		wc.Close()
		ctl.sendError(conn, env, "bad_offer")
		return
	}

	if err := ctl.Orch.AttachMedia(sid, wc); err != nil {
		wc.Close()
		return
	}
	ctl.send(conn, protocol.TypeAnswer, env, protocol.SDPPayload{SDP: answer.SDP})
	ctl.Orch.OnMediaReady(sid)
}

func (ctl *SignalWSController) handleAnswer(sid core.SessionID, conn *WsSignalConn, env protocol.Envelope) {
	var p protocol.SDPPayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		return
	}
	if err := ctl.Orch.ApplyAnswer(sid, p.SDP); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("apply answer")
		ctl.sendError(conn, env, "bad_answer")
	}
}

func (ctl *SignalWSController) handleCandidate(sid core.SessionID, env protocol.Envelope) {
	var p protocol.CandidatePayload
	if err := protocol.DecodePayload(env.Payload, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}
	cand := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
	if err := ctl.Orch.AddCandidate(sid, cand); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("add ice candidate")
	}
}
