package viewport

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/domain"
	"github.com/dkeye/boardsync/internal/protocol"
)

type fakeChannel struct {
	state  domain.ConnectionState
	sent   []protocol.ViewportEvent
	tracks []domain.PeerPresence
}

func (f *fakeChannel) Broadcast(event string, payload any) error {
	if f.state != domain.Connected {
		return errors.New("not connected")
	}
	f.sent = append(f.sent, payload.(protocol.ViewportEvent))
	return nil
}

func (f *fakeChannel) Track(_ string, meta any) error {
	f.tracks = append(f.tracks, meta.(domain.PeerPresence))
	return nil
}

func (f *fakeChannel) State() domain.ConnectionState { return f.state }

// manualClock holds at most one pending timer, which is all the broadcaster uses.
type manualClock struct {
	fn       func()
	lastWait time.Duration
}

func (c *manualClock) schedule(d time.Duration, fn func()) func() {
	c.fn, c.lastWait = fn, d
	return func() { c.fn = nil }
}

func (c *manualClock) fire(t *testing.T) {
	t.Helper()
	if c.fn == nil {
		t.Fatalf("no timer armed")
	}
	fn := c.fn
	c.fn = nil
	fn()
}

var me = domain.PeerPresence{UserID: 7, Username: "Ana", OnlineAt: 100}

func setup(state domain.ConnectionState) (*Broadcaster, *fakeChannel, *manualClock) {
	ch := &fakeChannel{state: state}
	clk := &manualClock{}
	return NewBroadcaster(ch, me, 0, clk.schedule, zerolog.Nop()), ch, clk
}

func TestLeadingEdgeThenLatestWins(t *testing.T) {
	b, ch, clk := setup(domain.Connected)

	_ = b.Publish(domain.Viewport{X: 1, Y: 1, Scale: 1})
	if len(ch.sent) != 1 {
		t.Fatalf("expected leading-edge send, got %d", len(ch.sent))
	}
	if clk.lastWait != DefaultInterval {
		t.Fatalf("expected throttle %s, got %s", DefaultInterval, clk.lastWait)
	}

	_ = b.Publish(domain.Viewport{X: 2, Y: 2, Scale: 1})
	_ = b.Publish(domain.Viewport{X: 3, Y: 3, Scale: 1})
	if len(ch.sent) != 1 {
		t.Fatalf("expected coalescing inside the window, got %d sends", len(ch.sent))
	}

	clk.fire(t)
	if len(ch.sent) != 2 || *ch.sent[1].X != 3 {
		t.Fatalf("expected trailing send of latest value, got %+v", ch.sent)
	}

	clk.fire(t)
	if len(ch.tracks) != 1 {
		t.Fatalf("expected presence re-track when idle, got %d", len(ch.tracks))
	}
	if v, ok := ch.tracks[0].Viewport(); !ok || v.X != 3 {
		t.Fatalf("expected tracked meta with latest viewport, got %+v", ch.tracks[0])
	}
	if clk.fn != nil {
		t.Fatalf("expected no timer after idle")
	}
}

func TestPublishPayloadFields(t *testing.T) {
	b, ch, _ := setup(domain.Connected)
	_ = b.Publish(domain.Viewport{X: 120, Y: 45, Scale: 1.5})
	ev := ch.sent[0]
	if ev.UserID != 7 || *ev.X != 120 || *ev.Y != 45 || *ev.Scale != 1.5 {
		t.Fatalf("unexpected payload %+v", ev)
	}
}

func TestHeldWhileDisconnectedFlushedOnReconnect(t *testing.T) {
	b, ch, clk := setup(domain.Reconnecting)
	_ = b.Publish(domain.Viewport{X: 5, Y: 5, Scale: 2})
	if len(ch.sent) != 0 || clk.fn != nil {
		t.Fatalf("expected nothing sent while reconnecting")
	}

	ch.state = domain.Connected
	b.OnConnected()
	if len(ch.sent) != 1 || *ch.sent[0].X != 5 {
		t.Fatalf("expected flush on reconnect, got %+v", ch.sent)
	}
}

func TestPublishRejectsBadScale(t *testing.T) {
	b, ch, _ := setup(domain.Connected)
	if err := b.Publish(domain.Viewport{Scale: 0}); !errors.Is(err, domain.ErrInvalidPresence) {
		t.Fatalf("expected invalid viewport error, got %v", err)
	}
	if len(ch.sent) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestPublishRejectsNonFinite(t *testing.T) {
	b, ch, _ := setup(domain.Connected)
	for _, v := range []domain.Viewport{
		{X: math.NaN(), Y: 0, Scale: 1},
		{X: 0, Y: math.Inf(-1), Scale: 1},
		{X: 0, Y: 0, Scale: math.Inf(1)},
	} {
		if err := b.Publish(v); !errors.Is(err, domain.ErrInvalidPresence) {
			t.Fatalf("expected %+v rejected, got %v", v, err)
		}
	}
	if len(ch.sent) != 0 {
		t.Fatalf("expected nothing sent, got %d", len(ch.sent))
	}
}

func TestMetaCarriesViewport(t *testing.T) {
	b, _, _ := setup(domain.Connected)
	if _, ok := b.Meta().Viewport(); ok {
		t.Fatalf("expected no viewport before publish")
	}
	_ = b.Publish(domain.Viewport{X: 1, Y: 2, Scale: 3})
	if v, ok := b.Meta().Viewport(); !ok || v.Scale != 3 {
		t.Fatalf("expected meta viewport, got %+v", v)
	}
	if b.Key() != "7" {
		t.Fatalf("expected key 7, got %q", b.Key())
	}
}

type stubSource map[domain.UserID]domain.Viewport

func (s stubSource) Follow(id domain.UserID) (domain.Viewport, error) {
	v, ok := s[id]
	if !ok {
		return domain.Viewport{}, errors.New("not followable")
	}
	return v, nil
}

type recordingCamera struct{ got []domain.Viewport }

func (c *recordingCamera) SetViewport(v domain.Viewport) { c.got = append(c.got, v) }

func TestFollowerSnapsOnce(t *testing.T) {
	src := stubSource{9: {X: 1, Y: 2, Scale: 1}}
	cam := &recordingCamera{}
	f := NewFollower(src, cam)

	if _, err := f.Follow(9); err != nil {
		t.Fatalf("follow: %v", err)
	}
	src[9] = domain.Viewport{X: 50, Y: 50, Scale: 1}
	if len(cam.got) != 1 || cam.got[0].X != 1 {
		t.Fatalf("expected a single snap to the old viewport, got %+v", cam.got)
	}
	if _, err := f.Follow(10); err == nil {
		t.Fatalf("expected error for unknown peer")
	}
	if len(cam.got) != 1 {
		t.Fatalf("camera must not move on failed follow")
	}
}
