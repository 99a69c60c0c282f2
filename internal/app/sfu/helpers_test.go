package sfu

import (
	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/core"
)

func toSID(s string) core.SessionID { return core.SessionID(s) }

func testLogger() zerolog.Logger { return zerolog.Nop() }
