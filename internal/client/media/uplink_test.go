package media

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/protocol"
)

type countingSource struct{ reads atomic.Int64 }

func (s *countingSource) ReadFrame() ([]byte, error) {
	s.reads.Add(1)
	return opusSilence, nil
}

type recordingSignaler struct {
	kinds    []protocol.Type
	payloads []any
}

func (r *recordingSignaler) Signal(t protocol.Type, payload any) error {
	r.kinds = append(r.kinds, t)
	r.payloads = append(r.payloads, payload)
	return nil
}

func dropPost(func()) bool { return true }

func TestUplinkSendsOnlyWhileTransmitting(t *testing.T) {
	src := &countingSource{}
	u, err := NewUplink(src, nil, dropPost, zerolog.Nop())
	if err != nil {
		t.Fatalf("new uplink: %v", err)
	}
	defer u.Close()

	time.Sleep(5 * FrameDuration)
	if n := src.reads.Load(); n != 0 {
		t.Fatalf("expected no frames while gated, got %d", n)
	}

	u.SetTransmit(true)
	deadline := time.Now().Add(2 * time.Second)
	for u.SentFrames() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected frames once transmitting")
		}
		time.Sleep(FrameDuration)
	}

	u.SetTransmit(false)
	time.Sleep(2 * FrameDuration)
	before := src.reads.Load()
	time.Sleep(5 * FrameDuration)
	if after := src.reads.Load(); after != before {
		t.Fatalf("expected reads to stop after gate closed, got %d -> %d", before, after)
	}
}

func TestNegotiateSendsOpusOffer(t *testing.T) {
	u, err := NewUplink(silence{}, nil, dropPost, zerolog.Nop())
	if err != nil {
		t.Fatalf("new uplink: %v", err)
	}
	defer u.Close()

	sig := &recordingSignaler{}
	if err := u.Negotiate(sig); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if len(sig.kinds) != 1 || sig.kinds[0] != protocol.TypeOffer {
		t.Fatalf("expected one offer, got %v", sig.kinds)
	}
	offer := sig.payloads[0].(protocol.SDPPayload)
	if !strings.Contains(strings.ToLower(offer.SDP), "opus") {
		t.Fatalf("expected opus in offer, got %q", offer.SDP)
	}
}

func TestNegotiateAfterClose(t *testing.T) {
	u, err := NewUplink(silence{}, nil, dropPost, zerolog.Nop())
	if err != nil {
		t.Fatalf("new uplink: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := u.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := u.Negotiate(&recordingSignaler{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if u.Transmitting() {
		t.Fatalf("expected gate closed after Close")
	}
}
