package presence

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/domain"
)

func rec(id domain.UserID, name string, onlineAt int64) domain.PeerPresence {
	return domain.PeerPresence{UserID: id, Username: name, OnlineAt: onlineAt}
}

func newTracker(self domain.UserID) *Tracker {
	return NewTracker(self, zerolog.Nop())
}

func connections(tr *Tracker, id domain.UserID) int {
	if p, ok := tr.peers[id]; ok {
		return len(p.metas)
	}
	return 0
}

// keyedRec is deterministic per (user, online_at) so a re-join of the same
// connection carries the same record, viewport included.
func keyedRec(id domain.UserID, onlineAt int64) domain.PeerPresence {
	r := rec(id, "u", onlineAt)
	if (int64(id)+onlineAt)%2 == 0 {
		r = r.WithViewport(domain.Viewport{X: float64(id), Y: float64(onlineAt), Scale: 1})
	}
	return r
}

func TestDuplicateJoinKeepsNewest(t *testing.T) {
	tr := newTracker(1)
	if err := tr.OnJoin([]domain.PeerPresence{rec(7, "Ana", 100)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := tr.OnJoin([]domain.PeerPresence{rec(7, "Ana", 50)}); err != nil {
		t.Fatalf("join: %v", err)
	}
	online := tr.ListOnline()
	if len(online) != 1 {
		t.Fatalf("expected one visible record, got %d", len(online))
	}
	if online[0].OnlineAt != 100 {
		t.Fatalf("expected online_at 100, got %d", online[0].OnlineAt)
	}
}

func TestJoinIdempotent(t *testing.T) {
	tr := newTracker(1)
	r := rec(7, "Ana", 100)
	_ = tr.OnJoin([]domain.PeerPresence{r})
	before := tr.ListOnline()
	_ = tr.OnJoin([]domain.PeerPresence{r})
	if !reflect.DeepEqual(before, tr.ListOnline()) {
		t.Fatalf("expected join to be idempotent")
	}
	if n := connections(tr, 7); n != 1 {
		t.Fatalf("expected one connection, got %d", n)
	}
}

func TestLeaveRemovesExactMeta(t *testing.T) {
	tr := newTracker(1)
	_ = tr.OnJoin([]domain.PeerPresence{rec(7, "Ana", 50), rec(7, "Ana", 100)})

	_ = tr.OnLeave([]domain.PeerPresence{rec(7, "Ana", 100)})
	got, ok := tr.Get(7)
	if !ok || got.OnlineAt != 50 {
		t.Fatalf("expected older tab to remain visible, got %+v ok=%v", got, ok)
	}

	_ = tr.OnLeave([]domain.PeerPresence{rec(7, "Ana", 75)})
	if _, ok := tr.Get(7); !ok {
		t.Fatalf("leave of unknown online_at must not remove the user")
	}

	_ = tr.OnLeave([]domain.PeerPresence{rec(7, "Ana", 50)})
	if _, ok := tr.Get(7); ok {
		t.Fatalf("expected user gone after last leave")
	}
}

func TestMalformedEventRejectedAtomically(t *testing.T) {
	tr := newTracker(1)
	err := tr.OnJoin([]domain.PeerPresence{rec(2, "Bo", 10), rec(0, "", 0)})
	if !errors.Is(err, ErrMalformedPresence) {
		t.Fatalf("expected ErrMalformedPresence, got %v", err)
	}
	if tr.Count() != 0 {
		t.Fatalf("expected replica untouched, got %d peers", tr.Count())
	}

	_ = tr.OnJoin([]domain.PeerPresence{rec(2, "Bo", 10)})
	if err := tr.OnSync([]domain.PeerPresence{rec(3, "Cy", -1)}); !errors.Is(err, ErrMalformedPresence) {
		t.Fatalf("expected sync rejected, got %v", err)
	}
	if _, ok := tr.Get(2); !ok {
		t.Fatalf("expected replica untouched after bad sync")
	}
}

func TestViewportAndFollow(t *testing.T) {
	tr := newTracker(1)
	_ = tr.OnJoin([]domain.PeerPresence{rec(1, "Me", 5), rec(7, "Ana", 100)})

	if _, err := tr.Follow(7); !errors.Is(err, ErrNotFollowable) {
		t.Fatalf("expected not followable before any viewport, got %v", err)
	}
	if tr.Followable(7) {
		t.Fatalf("expected Followable false before viewport")
	}

	want := domain.Viewport{X: 120, Y: 45, Scale: 1.5}
	if !tr.OnRemoteViewport(7, want) {
		t.Fatalf("expected viewport applied to known peer")
	}
	got, _ := tr.Get(7)
	if v, ok := got.Viewport(); !ok || v != want {
		t.Fatalf("expected record viewport %+v, got %+v", want, got)
	}
	v, err := tr.Follow(7)
	if err != nil || v != want {
		t.Fatalf("expected follow %+v, got %+v (%v)", want, v, err)
	}

	tr.OnRemoteViewport(1, want)
	if _, err := tr.Follow(1); !errors.Is(err, ErrNotFollowable) {
		t.Fatalf("expected self not followable, got %v", err)
	}
	if _, err := tr.Follow(99); !errors.Is(err, ErrNotFollowable) {
		t.Fatalf("expected unknown peer not followable, got %v", err)
	}
}

func TestRemoteViewportIgnoresUnknownAndInvalid(t *testing.T) {
	tr := newTracker(1)
	if tr.OnRemoteViewport(42, domain.Viewport{X: 1, Y: 1, Scale: 1}) {
		t.Fatalf("expected unknown peer ignored")
	}
	if tr.Count() != 0 {
		t.Fatalf("unknown viewport must not create a peer")
	}
	_ = tr.OnJoin([]domain.PeerPresence{rec(42, "Zed", 1)})
	if tr.OnRemoteViewport(42, domain.Viewport{Scale: 0}) {
		t.Fatalf("expected zero scale rejected")
	}
}

func TestSyncCarriesKnownViewport(t *testing.T) {
	tr := newTracker(1)
	_ = tr.OnJoin([]domain.PeerPresence{rec(7, "Ana", 100), rec(8, "Ben", 100)})
	tr.OnRemoteViewport(7, domain.Viewport{X: 1, Y: 2, Scale: 3})

	snapVP := domain.Viewport{X: 9, Y: 9, Scale: 2}
	_ = tr.OnSync([]domain.PeerPresence{rec(7, "Ana", 100), rec(9, "Cy", 1).WithViewport(snapVP)})

	if _, ok := tr.Get(8); ok {
		t.Fatalf("expected sync to drop users missing from the snapshot")
	}
	if v, err := tr.Follow(7); err != nil || v.X != 1 {
		t.Fatalf("expected carried viewport for 7, got %+v (%v)", v, err)
	}
	if v, err := tr.Follow(9); err != nil || v != snapVP {
		t.Fatalf("expected snapshot viewport for 9, got %+v (%v)", v, err)
	}
}

// The diff path must end where a full sync of the final server state ends.
func TestDiffPathConvergesWithSync(t *testing.T) {
	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		server := map[[2]int64]domain.PeerPresence{}
		viaDiffs := newTracker(1)

		for step := 0; step < 60; step++ {
			if len(server) > 0 && rng.Intn(3) == 0 {
				var victim domain.PeerPresence
				n := rng.Intn(len(server))
				for _, r := range server {
					if n == 0 {
						victim = r
						break
					}
					n--
				}
				delete(server, [2]int64{int64(victim.UserID), victim.OnlineAt})
				if err := viaDiffs.OnLeave([]domain.PeerPresence{victim}); err != nil {
					t.Fatalf("seed %d: leave: %v", seed, err)
				}
				continue
			}
			r := keyedRec(domain.UserID(rng.Intn(5)+1), int64(rng.Intn(20)+1))
			server[[2]int64{int64(r.UserID), r.OnlineAt}] = r
			if err := viaDiffs.OnJoin([]domain.PeerPresence{r}); err != nil {
				t.Fatalf("seed %d: join: %v", seed, err)
			}
		}

		final := make([]domain.PeerPresence, 0, len(server))
		for _, r := range server {
			final = append(final, r)
		}
		viaSync := newTracker(1)
		if err := viaSync.OnSync(final); err != nil {
			t.Fatalf("seed %d: sync: %v", seed, err)
		}
		if !reflect.DeepEqual(viaDiffs.ListOnline(), viaSync.ListOnline()) {
			t.Fatalf("seed %d: diverged\n diffs: %+v\n sync:  %+v", seed, viaDiffs.ListOnline(), viaSync.ListOnline())
		}
	}
}

func TestNewestLeaveDropsItsViewport(t *testing.T) {
	tr := newTracker(1)
	tab := rec(7, "Ana", 100).WithViewport(domain.Viewport{X: 1, Y: 2, Scale: 1})
	older := rec(7, "Ana", 50)
	_ = tr.OnJoin([]domain.PeerPresence{tab})
	_ = tr.OnJoin([]domain.PeerPresence{older})
	_ = tr.OnLeave([]domain.PeerPresence{tab})

	if tr.Followable(7) {
		t.Fatalf("expected older tab without viewport to be not followable")
	}
	viaSync := newTracker(1)
	_ = viaSync.OnSync([]domain.PeerPresence{older})
	if !reflect.DeepEqual(tr.ListOnline(), viaSync.ListOnline()) {
		t.Fatalf("expected %+v, got %+v", viaSync.ListOnline(), tr.ListOnline())
	}
}

func TestSyncDoesNotCarryViewportAcrossConnections(t *testing.T) {
	tr := newTracker(1)
	_ = tr.OnJoin([]domain.PeerPresence{rec(7, "Ana", 100)})
	tr.OnRemoteViewport(7, domain.Viewport{X: 1, Y: 2, Scale: 3})

	_ = tr.OnSync([]domain.PeerPresence{rec(7, "Ana", 200)})
	if tr.Followable(7) {
		t.Fatalf("expected a new connection to start without a viewport")
	}
}

func TestDiffRetrackKeepsViewport(t *testing.T) {
	tr := newTracker(1)
	ana := rec(7, "Ana", 100)
	if err := tr.OnJoin([]domain.PeerPresence{ana}); err != nil {
		t.Fatalf("join: %v", err)
	}
	want := domain.Viewport{X: 4, Y: 5, Scale: 1}
	if !tr.OnRemoteViewport(7, want) {
		t.Fatalf("expected viewport recorded")
	}

	renamed := ana
	renamed.Username = "Ana B"
	if err := tr.OnDiff([]domain.PeerPresence{renamed}, []domain.PeerPresence{ana}); err != nil {
		t.Fatalf("diff: %v", err)
	}
	got, ok := tr.Get(7)
	if !ok || got.Username != "Ana B" {
		t.Fatalf("expected refreshed record, got %+v %v", got, ok)
	}
	if v, err := tr.Follow(7); err != nil || v != want {
		t.Fatalf("expected viewport kept across re-track, got %+v %v", v, err)
	}

	if err := tr.OnDiff(nil, []domain.PeerPresence{renamed}); err != nil {
		t.Fatalf("diff: %v", err)
	}
	if tr.Count() != 0 {
		t.Fatalf("expected user gone after last leave, got %d", tr.Count())
	}
}

func TestDiffRejectsBadHalfAtomically(t *testing.T) {
	tr := newTracker(1)
	ana := rec(7, "Ana", 100)
	_ = tr.OnJoin([]domain.PeerPresence{ana})

	err := tr.OnDiff([]domain.PeerPresence{rec(8, "", 5)}, []domain.PeerPresence{ana})
	if !errors.Is(err, ErrMalformedPresence) {
		t.Fatalf("expected ErrMalformedPresence, got %v", err)
	}
	if tr.Count() != 1 {
		t.Fatalf("expected replica untouched, got %d peers", tr.Count())
	}
}
