package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/domain"
)

// PresenceMirror copies channel presence to an external store so other
// processes (dashboards, REST replicas) can read it. Errors are logged, never
// surfaced to clients.
type PresenceMirror interface {
	Apply(ctx context.Context, topic domain.Topic, diff core.PresenceDiff)
	Clear(ctx context.Context, topic domain.Topic)
	// Snapshot reads the mirrored metas of a topic keyed by presence ref.
	Snapshot(ctx context.Context, topic domain.Topic) (map[string]json.RawMessage, error)
}

var ErrMirrorDisabled = errors.New("presence mirror disabled")

type NopMirror struct{}

func (NopMirror) Apply(context.Context, domain.Topic, core.PresenceDiff) {}
func (NopMirror) Clear(context.Context, domain.Topic)                    {}
func (NopMirror) Snapshot(context.Context, domain.Topic) (map[string]json.RawMessage, error) {
	return nil, ErrMirrorDisabled
}

// RedisMirror stores one hash per topic: field = presence ref, value = meta.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func presenceKey(topic domain.Topic) string {
	return fmt.Sprintf("boardsync:presence:%s", topic)
}

func (m *RedisMirror) Apply(ctx context.Context, topic domain.Topic, diff core.PresenceDiff) {
	if diff.Empty() {
		return
	}
	key := presenceKey(topic)
	pipe := m.rdb.TxPipeline()
	for _, e := range diff.Leaves {
		pipe.HDel(ctx, key, e.Ref)
	}
	for _, e := range diff.Joins {
		pipe.HSet(ctx, key, e.Ref, string(e.Meta))
	}
	if m.ttl > 0 {
		pipe.Expire(ctx, key, m.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Error().Err(err).Str("module", "app.mirror").Str("topic", string(topic)).Msg("mirror presence diff")
	}
}

func (m *RedisMirror) Clear(ctx context.Context, topic domain.Topic) {
	if err := m.rdb.Del(ctx, presenceKey(topic)).Err(); err != nil {
		log.Error().Err(err).Str("module", "app.mirror").Str("topic", string(topic)).Msg("clear mirrored presence")
	}
}

func (m *RedisMirror) Snapshot(ctx context.Context, topic domain.Topic) (map[string]json.RawMessage, error) {
	fields, err := m.rdb.HGetAll(ctx, presenceKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("read mirrored presence %s: %w", topic, err)
	}
	out := make(map[string]json.RawMessage, len(fields))
	for ref, meta := range fields {
		out[ref] = json.RawMessage(meta)
	}
	return out, nil
}
