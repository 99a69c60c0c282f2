package signal

import (
	"github.com/dkeye/boardsync/internal/protocol"
)

func (ctl *SignalWSController) handlePing(conn *WsSignalConn, env protocol.Envelope) {
	ctl.send(conn, protocol.TypePong, env, nil)
}
