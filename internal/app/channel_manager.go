package app

import (
	"sort"
	"sync"

	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/domain"
)

type ChannelManagerImpl struct {
	mu       sync.RWMutex
	channels map[domain.Topic]core.ChannelService
}

func NewChannelManager() core.ChannelManager {
	return &ChannelManagerImpl{channels: make(map[domain.Topic]core.ChannelService)}
}

func (f *ChannelManagerImpl) GetOrCreate(topic domain.Topic) core.ChannelService {
	f.mu.RLock()
	ch, ok := f.channels[topic]
	f.mu.RUnlock()
	if ok {
		return ch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok = f.channels[topic]; ok {
		return ch
	}
	ch = core.NewChannelService(topic)
	f.channels[topic] = ch
	return ch
}

func (f *ChannelManagerImpl) Get(topic domain.Topic) (core.ChannelService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ch, ok := f.channels[topic]
	return ch, ok
}

func (f *ChannelManagerImpl) List() []core.ChannelInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]core.ChannelInfo, 0, len(f.channels))
	for topic, ch := range f.channels {
		out = append(out, core.ChannelInfo{
			Topic:       topic,
			Subscribers: ch.SubscriberCount(),
			Presences:   len(ch.PresenceState()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (f *ChannelManagerImpl) StopChannel(topic domain.Topic) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, topic)
}
