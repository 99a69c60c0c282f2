// Package presence keeps the local replica of who is on a board and where
// they are looking. A Tracker is confined to its board session's loop.
package presence

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/domain"
)

var (
	ErrMalformedPresence = errors.New("malformed presence event")
	ErrNotFollowable     = errors.New("peer not followable")
)

// peer holds every live meta of one user, one per connection, ordered by
// OnlineAt. The newest one is what the board shows. Each meta carries the
// viewport of its own connection.
type peer struct {
	metas []domain.PeerPresence
}

func (p *peer) newest() domain.PeerPresence { return p.metas[len(p.metas)-1] }

func (p *peer) upsert(rec domain.PeerPresence) {
	i := sort.Search(len(p.metas), func(i int) bool { return p.metas[i].OnlineAt >= rec.OnlineAt })
	if i < len(p.metas) && p.metas[i].OnlineAt == rec.OnlineAt {
		p.metas[i] = carryViewport(rec, p.metas[i])
		return
	}
	p.metas = append(p.metas, domain.PeerPresence{})
	copy(p.metas[i+1:], p.metas[i:])
	p.metas[i] = rec
}

func (p *peer) find(onlineAt int64) (domain.PeerPresence, bool) {
	for _, m := range p.metas {
		if m.OnlineAt == onlineAt {
			return m, true
		}
	}
	return domain.PeerPresence{}, false
}

func (p *peer) remove(onlineAt int64) (domain.PeerPresence, bool) {
	for i, m := range p.metas {
		if m.OnlineAt == onlineAt {
			p.metas = append(p.metas[:i], p.metas[i+1:]...)
			return m, true
		}
	}
	return domain.PeerPresence{}, false
}

// carryViewport gives rec the viewport of prev when rec has none. Both must
// describe the same connection.
func carryViewport(rec, prev domain.PeerPresence) domain.PeerPresence {
	if _, ok := rec.Viewport(); ok {
		return rec
	}
	if v, ok := prev.Viewport(); ok {
		return rec.WithViewport(v)
	}
	return rec
}

type connKey struct {
	user     domain.UserID
	onlineAt int64
}

type Tracker struct {
	self  domain.UserID
	peers map[domain.UserID]*peer
	log   zerolog.Logger
}

func NewTracker(self domain.UserID, logger zerolog.Logger) *Tracker {
	return &Tracker{
		self:  self,
		peers: make(map[domain.UserID]*peer),
		log:   logger.With().Str("module", "client.presence").Logger(),
	}
}

func validateAll(records []domain.PeerPresence) error {
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrMalformedPresence, i, err)
		}
	}
	return nil
}

// OnJoin merges records. Joining the same (user_id, online_at) twice is a
// no-op beyond refreshing its fields.
func (t *Tracker) OnJoin(records []domain.PeerPresence) error {
	if err := validateAll(records); err != nil {
		t.log.Warn().Err(err).Msg("join dropped")
		return err
	}
	for _, r := range records {
		t.join(r)
	}
	return nil
}

func (t *Tracker) join(r domain.PeerPresence) {
	p, ok := t.peers[r.UserID]
	if !ok {
		p = &peer{}
		t.peers[r.UserID] = p
	}
	p.upsert(r)
}

// OnLeave removes the exact (user_id, online_at) metas. A user disappears once
// the last of their connections leaves.
func (t *Tracker) OnLeave(records []domain.PeerPresence) error {
	if err := validateAll(records); err != nil {
		t.log.Warn().Err(err).Msg("leave dropped")
		return err
	}
	for _, r := range records {
		p, ok := t.peers[r.UserID]
		if !ok {
			continue
		}
		p.remove(r.OnlineAt)
		if len(p.metas) == 0 {
			delete(t.peers, r.UserID)
		}
	}
	return nil
}

// OnDiff applies one server diff: leaves first, then joins. A re-track shows
// up as a leave and a join of the same record, so a user is only dropped if
// no connection remains after both halves. A joined meta without a viewport
// keeps the one of the same connection it replaces.
func (t *Tracker) OnDiff(joins, leaves []domain.PeerPresence) error {
	if err := validateAll(leaves); err != nil {
		t.log.Warn().Err(err).Msg("diff dropped")
		return err
	}
	if err := validateAll(joins); err != nil {
		t.log.Warn().Err(err).Msg("diff dropped")
		return err
	}
	removed := make(map[connKey]domain.PeerPresence, len(leaves))
	for _, r := range leaves {
		if p, ok := t.peers[r.UserID]; ok {
			if m, ok := p.remove(r.OnlineAt); ok {
				removed[connKey{r.UserID, r.OnlineAt}] = m
			}
		}
	}
	for _, r := range joins {
		if prev, ok := removed[connKey{r.UserID, r.OnlineAt}]; ok {
			r = carryViewport(r, prev)
		}
		t.join(r)
	}
	for _, r := range leaves {
		if p, ok := t.peers[r.UserID]; ok && len(p.metas) == 0 {
			delete(t.peers, r.UserID)
		}
	}
	return nil
}

// OnSync replaces the replica with a full snapshot. A snapshot meta without a
// viewport keeps the one already known for that same connection.
func (t *Tracker) OnSync(records []domain.PeerPresence) error {
	if err := validateAll(records); err != nil {
		t.log.Warn().Err(err).Msg("sync dropped")
		return err
	}
	old := t.peers
	t.peers = make(map[domain.UserID]*peer, len(records))
	for _, r := range records {
		if p, ok := old[r.UserID]; ok {
			if prev, ok := p.find(r.OnlineAt); ok {
				r = carryViewport(r, prev)
			}
		}
		t.join(r)
	}
	t.log.Debug().Int("peers", len(t.peers)).Msg("presence synced")
	return nil
}

// OnRemoteViewport records a peer's camera on its newest connection. Unknown
// peers are ignored and reported false.
func (t *Tracker) OnRemoteViewport(id domain.UserID, v domain.Viewport) bool {
	p, ok := t.peers[id]
	if !ok {
		return false
	}
	if err := v.Validate(); err != nil {
		t.log.Warn().Err(err).Int64("user_id", int64(id)).Msg("viewport dropped")
		return false
	}
	last := len(p.metas) - 1
	p.metas[last] = p.metas[last].WithViewport(v)
	return true
}

// ListOnline returns one record per user, ordered by user id.
func (t *Tracker) ListOnline() []domain.PeerPresence {
	out := make([]domain.PeerPresence, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p.newest())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Tracker) Get(id domain.UserID) (domain.PeerPresence, bool) {
	p, ok := t.peers[id]
	if !ok {
		return domain.PeerPresence{}, false
	}
	return p.newest(), true
}

func (t *Tracker) Count() int { return len(t.peers) }

func (t *Tracker) Followable(id domain.UserID) bool {
	_, err := t.Follow(id)
	return err == nil
}

// Follow returns the last known viewport of a peer. It is a one-shot read;
// later viewport updates do not move the caller's camera.
func (t *Tracker) Follow(id domain.UserID) (domain.Viewport, error) {
	if id == t.self {
		return domain.Viewport{}, fmt.Errorf("%w: cannot follow yourself", ErrNotFollowable)
	}
	p, ok := t.peers[id]
	if !ok {
		return domain.Viewport{}, fmt.Errorf("%w: user %d is not online", ErrNotFollowable, id)
	}
	v, ok := p.newest().Viewport()
	if !ok {
		return domain.Viewport{}, fmt.Errorf("%w: user %d has no viewport yet", ErrNotFollowable, id)
	}
	return v, nil
}
