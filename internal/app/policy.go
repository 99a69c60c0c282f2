package app

import "github.com/dkeye/boardsync/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(ch core.ChannelService, member core.MemberSession) BackpressureAction
}

// SimplePolicy disconnects a subscriber whose send buffer is full; its client
// reconnects and resyncs from a fresh presence snapshot.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(ch core.ChannelService, member core.MemberSession) BackpressureAction {
	return KickMember
}
