package app

import (
	"context"
	"testing"

	"github.com/dkeye/boardsync/internal/core"
	"github.com/dkeye/boardsync/internal/domain"
)

func TestRegistryTopics(t *testing.T) {
	r := NewRegistry()
	sid := core.SessionID("s1")
	if r.AddTopic(sid, domain.BoardTopic("1")) {
		t.Fatalf("expected AddTopic to fail for unbound session")
	}

	r.BindSignal(sid, core.NewMemberSession(sid), nil)
	r.AddTopic(sid, domain.VoiceTopic("1"))
	r.AddTopic(sid, domain.BoardTopic("1"))

	got := r.TopicsOf(sid)
	if len(got) != 2 || got[0] != "board:1" || got[1] != "voice:1" {
		t.Fatalf("expected sorted topics, got %v", got)
	}
	if vt, ok := r.VoiceTopicOf(sid); !ok || vt != "voice:1" {
		t.Fatalf("expected voice:1, got %q %v", vt, ok)
	}
	if m := r.MembersOfTopic("board:1"); len(m) != 1 || m[0].SID != sid {
		t.Fatalf("expected s1 in board:1, got %v", m)
	}

	r.RemoveTopic(sid, domain.VoiceTopic("1"))
	if _, ok := r.VoiceTopicOf(sid); ok {
		t.Fatalf("expected no voice topic after remove")
	}

	r.Unbind(sid)
	if r.Count() != 0 || r.TopicsOf(sid) != nil {
		t.Fatalf("expected empty registry")
	}
}

func TestRegistryCancel(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	r.BindSignal("s1", core.NewMemberSession("s1"), cancel)

	if r.Cancel("missing") {
		t.Fatalf("expected unknown sid to report false")
	}
	if !r.Cancel("s1") {
		t.Fatalf("expected cancel to report true")
	}
	if ctx.Err() == nil {
		t.Fatalf("expected session context canceled")
	}
}

func TestSimplePolicyKicks(t *testing.T) {
	if got := (SimplePolicy{}).OnBackPressure(nil, nil); got != KickMember {
		t.Fatalf("expected KickMember, got %v", got)
	}
}

func TestPresenceKey(t *testing.T) {
	if got := presenceKey(domain.BoardTopic("9")); got != "boardsync:presence:board:9" {
		t.Fatalf("expected boardsync:presence:board:9, got %s", got)
	}
}
