package core

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/boardsync/internal/domain"
)

type fakeSignal struct {
	frames [][]byte
	full   bool
}

func (f *fakeSignal) TrySend(fr Frame) error {
	if f.full {
		return errors.New("full")
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeSignal) Close() {}

func newMember(id SessionID) (MemberSession, *fakeSignal) {
	sig := &fakeSignal{}
	return NewMemberSession(id).UpdateSignal(sig), sig
}

func TestChannelTrackReplacesPreviousMeta(t *testing.T) {
	ch := NewChannelService(domain.BoardTopic("b1"))
	m, _ := newMember("s1")
	ch.AddSubscriber("s1", m)

	first := ch.Track("s1", "7", json.RawMessage(`{"user_id":7,"online_at":1}`))
	if len(first.Joins) != 1 || len(first.Leaves) != 0 {
		t.Fatalf("expected one join, got %+v", first)
	}

	second := ch.Track("s1", "7", json.RawMessage(`{"user_id":7,"online_at":1,"viewport_x":3}`))
	if len(second.Leaves) != 1 || second.Leaves[0].Ref != first.Joins[0].Ref {
		t.Fatalf("expected leave of previous ref, got %+v", second.Leaves)
	}
	if len(second.Joins) != 1 || second.Joins[0].Ref == first.Joins[0].Ref {
		t.Fatalf("expected join with fresh ref, got %+v", second.Joins)
	}
	if got := len(ch.PresenceState()); got != 1 {
		t.Fatalf("expected 1 presence entry, got %d", got)
	}
}

func TestChannelTrackRequiresSubscription(t *testing.T) {
	ch := NewChannelService(domain.BoardTopic("b1"))
	if d := ch.Track("ghost", "1", json.RawMessage(`{}`)); !d.Empty() {
		t.Fatalf("expected empty diff for unsubscribed session, got %+v", d)
	}
}

func TestChannelRemoveSubscriberLeavesPresence(t *testing.T) {
	ch := NewChannelService(domain.BoardTopic("b1"))
	a, _ := newMember("a")
	b, _ := newMember("b")
	ch.AddSubscriber("a", a)
	ch.AddSubscriber("b", b)
	ch.Track("a", "1", json.RawMessage(`{}`))
	ch.Track("b", "1", json.RawMessage(`{}`))

	d := ch.RemoveSubscriber("a")
	if len(d.Leaves) != 1 || d.Leaves[0].SID != "a" {
		t.Fatalf("expected leave for a, got %+v", d)
	}
	st := ch.PresenceState()
	if len(st) != 1 || st[0].SID != "b" {
		t.Fatalf("expected only b to remain, got %+v", st)
	}
	if ch.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", ch.SubscriberCount())
	}
}

func TestChannelAddSubscriberTwice(t *testing.T) {
	ch := NewChannelService(domain.VoiceTopic("b1"))
	m, _ := newMember("s")
	if !ch.AddSubscriber("s", m) {
		t.Fatalf("expected first add to succeed")
	}
	if ch.AddSubscriber("s", m) {
		t.Fatalf("expected second add to report duplicate")
	}
}

func TestChannelBroadcastExcludesSender(t *testing.T) {
	ch := NewChannelService(domain.BoardTopic("b1"))
	a, sa := newMember("a")
	b, sb := newMember("b")
	c, sc := newMember("c")
	sc.full = true
	ch.AddSubscriber("a", a)
	ch.AddSubscriber("b", b)
	ch.AddSubscriber("c", c)

	res := ch.Broadcast("a", Frame("hi"))
	if res.SendTo != 1 {
		t.Fatalf("expected 1 delivery, got %d", res.SendTo)
	}
	if len(res.Dropped) != 1 || res.Dropped[0].ID() != "c" {
		t.Fatalf("expected c dropped, got %+v", res.Dropped)
	}
	if len(sa.frames) != 0 || len(sb.frames) != 1 {
		t.Fatalf("unexpected deliveries a=%d b=%d", len(sa.frames), len(sb.frames))
	}

	res = ch.Send(Frame("all"))
	if res.SendTo != 2 || len(sa.frames) != 1 {
		t.Fatalf("expected send to include sender, got %+v", res)
	}
}

type lockedSignal struct {
	mu     sync.Mutex
	frames []Frame
}

func (l *lockedSignal) TrySend(fr Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, fr)
	return nil
}

func (l *lockedSignal) Close() {}

type refFrame struct {
	Snapshot bool     `json:"snapshot"`
	Joins    []string `json:"joins"`
	Leaves   []string `json:"leaves"`
}

func refs(entries []PresenceEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Ref)
	}
	return out
}

func TestSnapshotToRejectsUnknownSession(t *testing.T) {
	ch := NewChannelService(domain.BoardTopic("b1"))
	err := ch.SnapshotTo("ghost", func([]PresenceEntry) (Frame, error) { return Frame("x"), nil })
	if !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}
}

func TestSnapshotToDeliversCurrentState(t *testing.T) {
	ch := NewChannelService(domain.BoardTopic("b1"))
	a, sa := newMember("a")
	b, _ := newMember("b")
	ch.AddSubscriber("a", a)
	ch.AddSubscriber("b", b)
	ch.Track("b", "2", json.RawMessage(`{}`))

	err := ch.SnapshotTo("a", func(entries []PresenceEntry) (Frame, error) {
		return json.Marshal(refs(entries))
	})
	if err != nil {
		t.Fatalf("expected snapshot delivered, got %v", err)
	}
	want, _ := json.Marshal(refs(ch.PresenceState()))
	if len(sa.frames) != 1 || string(sa.frames[0]) != string(want) {
		t.Fatalf("expected %s, got %q", want, sa.frames)
	}
}

// A late subscriber that applies its snapshot and then every later diff must
// end up with the channel's state, however Track interleaves with the snapshot.
func TestSnapshotOrderedBeforeConcurrentDiffs(t *testing.T) {
	for i := 0; i < 200; i++ {
		ch := NewChannelService(domain.BoardTopic("b1"))
		b, _ := newMember("b")
		ch.AddSubscriber("b", b)
		ch.Track("b", "2", json.RawMessage(`{}`))

		sig := &lockedSignal{}
		a := NewMemberSession("a").UpdateSignal(sig)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				d := ch.Track("b", "2", json.RawMessage(`{}`))
				fr, _ := json.Marshal(refFrame{Joins: refs(d.Joins), Leaves: refs(d.Leaves)})
				ch.Send(fr)
			}
		}()

		ch.AddSubscriber("a", a)
		err := ch.SnapshotTo("a", func(entries []PresenceEntry) (Frame, error) {
			return json.Marshal(refFrame{Snapshot: true, Joins: refs(entries)})
		})
		if err != nil {
			t.Fatalf("expected snapshot delivered, got %v", err)
		}
		wg.Wait()

		seen := map[string]bool{}
		synced := false
		for _, raw := range sig.frames {
			var fr refFrame
			if err := json.Unmarshal(raw, &fr); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if fr.Snapshot {
				synced = true
				seen = map[string]bool{}
			}
			if !synced {
				continue
			}
			for _, r := range fr.Leaves {
				delete(seen, r)
			}
			for _, r := range fr.Joins {
				seen[r] = true
			}
		}
		want := refs(ch.PresenceState())
		if len(seen) != len(want) || !seen[want[0]] {
			t.Fatalf("iteration %d: expected %v, got %v", i, want, seen)
		}
	}
}
