package core

import (
	"encoding/json"

	"github.com/dkeye/boardsync/internal/domain"
)

// PresenceEntry is one tracked meta. A key (user id on boards, session id on
// voice channels) may own several entries, one per connection.
type PresenceEntry struct {
	Key  string          `json:"key"`
	Ref  string          `json:"ref"`
	SID  SessionID       `json:"-"`
	Meta json.RawMessage `json:"meta"`
}

// PresenceDiff lists entries that appeared and disappeared in one mutation.
type PresenceDiff struct {
	Joins  []PresenceEntry
	Leaves []PresenceEntry
}

func (d PresenceDiff) Empty() bool { return len(d.Joins) == 0 && len(d.Leaves) == 0 }

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// ChannelService is the core-facing API of a topic channel.
// It owns the subscriber set and presence state but never touches transport resources.
type ChannelService interface {
	Topic() domain.Topic
	SubscriberCount() int
	Subscribers() []SessionID
	IsSubscribed(sid SessionID) bool

	// AddSubscriber reports false if sid was already subscribed.
	AddSubscriber(sid SessionID, ms MemberSession) bool
	// RemoveSubscriber drops sid and returns the leave of its presence, if any.
	RemoveSubscriber(sid SessionID) PresenceDiff

	// Track replaces the presence of sid; the diff carries the old meta as a
	// leave and the new one as a join.
	Track(sid SessionID, key string, meta json.RawMessage) PresenceDiff
	Untrack(sid SessionID) PresenceDiff
	PresenceState() []PresenceEntry
	// SnapshotTo encodes the presence state and queues it on sid atomically
	// with respect to Track, Untrack and RemoveSubscriber.
	SnapshotTo(sid SessionID, encode func([]PresenceEntry) (Frame, error)) error

	Broadcast(from SessionID, data Frame) PublishResult
	// Send fans data out to every subscriber including the sender.
	Send(data Frame) PublishResult
}

type ChannelInfo struct {
	Topic       domain.Topic `json:"topic"`
	Subscribers int          `json:"subscribers"`
	Presences   int          `json:"presences"`
}

type ChannelManager interface {
	GetOrCreate(topic domain.Topic) ChannelService
	Get(topic domain.Topic) (ChannelService, bool)
	List() []ChannelInfo
	StopChannel(topic domain.Topic)
}
