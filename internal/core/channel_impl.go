package core

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/domain"
)

var ErrNotSubscribed = errors.New("not subscribed to channel")

// channelImpl is a threadsafe in-memory channel.
// It never closes adapter-owned resources.
type channelImpl struct {
	topic domain.Topic

	mu       sync.RWMutex
	bySID    map[SessionID]MemberSession
	presence map[SessionID]PresenceEntry
}

func NewChannelService(topic domain.Topic) ChannelService {
	return &channelImpl{
		topic:    topic,
		bySID:    make(map[SessionID]MemberSession),
		presence: make(map[SessionID]PresenceEntry),
	}
}

func (c *channelImpl) Topic() domain.Topic { return c.topic }

func (c *channelImpl) SubscriberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySID)
}

func (c *channelImpl) Subscribers() []SessionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SessionID, 0, len(c.bySID))
	for sid := range c.bySID {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *channelImpl) IsSubscribed(sid SessionID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.bySID[sid]
	return ok
}

func (c *channelImpl) AddSubscriber(sid SessionID, ms MemberSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bySID[sid]; ok {
		return false
	}
	c.bySID[sid] = ms
	log.Info().Str("module", "core.channel").Str("topic", string(c.topic)).Str("sid", string(sid)).Msg("subscriber added")
	return true
}

func (c *channelImpl) RemoveSubscriber(sid SessionID) PresenceDiff {
	c.mu.Lock()
	defer c.mu.Unlock()
	diff := c.untrackLocked(sid)
	delete(c.bySID, sid)
	log.Info().Str("module", "core.channel").Str("topic", string(c.topic)).Str("sid", string(sid)).Msg("subscriber removed")
	return diff
}

func (c *channelImpl) Track(sid SessionID, key string, meta json.RawMessage) PresenceDiff {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bySID[sid]; !ok {
		return PresenceDiff{}
	}
	diff := c.untrackLocked(sid)
	e := PresenceEntry{Key: key, Ref: uuid.NewString(), SID: sid, Meta: meta}
	c.presence[sid] = e
	diff.Joins = append(diff.Joins, e)
	return diff
}

func (c *channelImpl) Untrack(sid SessionID) PresenceDiff {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.untrackLocked(sid)
}

func (c *channelImpl) untrackLocked(sid SessionID) PresenceDiff {
	old, ok := c.presence[sid]
	if !ok {
		return PresenceDiff{}
	}
	delete(c.presence, sid)
	return PresenceDiff{Leaves: []PresenceEntry{old}}
}

func (c *channelImpl) PresenceState() []PresenceEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked()
}

// SnapshotTo queues the presence state on sid while holding the channel lock,
// so a diff of any later Track reaches sid after the snapshot.
func (c *channelImpl) SnapshotTo(sid SessionID, encode func([]PresenceEntry) (Frame, error)) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.bySID[sid]
	if !ok {
		return ErrNotSubscribed
	}
	frame, err := encode(c.stateLocked())
	if err != nil {
		return err
	}
	sc := m.Signal()
	if sc == nil {
		return ErrNotSubscribed
	}
	return sc.TrySend(frame)
}

func (c *channelImpl) stateLocked() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(c.presence))
	for _, e := range c.presence {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Ref < out[j].Ref
	})
	return out
}

func (c *channelImpl) Broadcast(from SessionID, data Frame) PublishResult {
	return c.fanOut(from, data)
}

func (c *channelImpl) Send(data Frame) PublishResult {
	return c.fanOut("", data)
}

func (c *channelImpl) fanOut(from SessionID, data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for sid, m := range c.bySID {
		if from != "" && sid == from {
			continue
		}
		sc := m.Signal()
		if sc == nil {
			continue
		}
		if err := sc.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("topic", string(c.topic)).Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}
