package domain

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestParseTopic(t *testing.T) {
	cases := []struct {
		in    Topic
		kind  TopicKind
		board BoardID
		ok    bool
	}{
		{"board:42", KindBoard, "42", true},
		{"voice:abc", KindVoice, "abc", true},
		{"voice:a:b", KindVoice, "a:b", true},
		{"board:", "", "", false},
		{"chat:1", "", "", false},
		{"board", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		kind, board, err := ParseTopic(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("%q: expected ok=%v, got %v", tc.in, tc.ok, err)
		}
		if !tc.ok {
			if !errors.Is(err, ErrInvalidTopic) {
				t.Fatalf("%q: expected ErrInvalidTopic, got %v", tc.in, err)
			}
			continue
		}
		if kind != tc.kind || board != tc.board {
			t.Fatalf("%q: expected %s/%s, got %s/%s", tc.in, tc.kind, tc.board, kind, board)
		}
	}
	if BoardTopic("7").Kind() != KindBoard || VoiceTopic("7").Kind() != KindVoice {
		t.Fatalf("expected topic constructors to round trip")
	}
}

func TestNewUser(t *testing.T) {
	if _, err := NewUser(0, "a"); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("expected ErrInvalidUserID, got %v", err)
	}
	if _, err := NewUser(1, ""); !errors.Is(err, ErrUsernameEmpty) {
		t.Fatalf("expected ErrUsernameEmpty, got %v", err)
	}
	if _, err := NewUser(1, strings.Repeat("x", MaxUsernameLen+1)); !errors.Is(err, ErrUsernameTooLong) {
		t.Fatalf("expected ErrUsernameTooLong, got %v", err)
	}
	u, err := NewUser(5, "alice")
	if err != nil || u.ID != 5 || u.Username != "alice" {
		t.Fatalf("expected alice/5, got %+v %v", u, err)
	}
}

func TestPeerPresenceValidate(t *testing.T) {
	base := PeerPresence{UserID: 1, Username: "alice", OnlineAt: 1000}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if _, ok := base.Viewport(); ok {
		t.Fatalf("expected no viewport on bare record")
	}

	withView := base.WithViewport(Viewport{X: 1, Y: 2, Scale: 0.5})
	v, ok := withView.Viewport()
	if !ok || v != (Viewport{X: 1, Y: 2, Scale: 0.5}) {
		t.Fatalf("expected viewport carried, got %+v %v", v, ok)
	}
	if base.ViewportX != nil {
		t.Fatalf("expected WithViewport to copy")
	}

	bad := []PeerPresence{
		{Username: "a", OnlineAt: 1},
		{UserID: 1, OnlineAt: 1},
		{UserID: 1, Username: "a"},
		base.WithViewport(Viewport{Scale: 0}),
		base.WithViewport(Viewport{X: math.NaN(), Scale: 1}),
		base.WithViewport(Viewport{Scale: math.Inf(1)}),
	}
	for i, p := range bad {
		if err := p.Validate(); !errors.Is(err, ErrInvalidPresence) {
			t.Fatalf("case %d: expected ErrInvalidPresence, got %v", i, err)
		}
	}
}

func TestViewportValidate(t *testing.T) {
	for _, s := range []float64{0, -1} {
		if err := (Viewport{Scale: s}).Validate(); err == nil {
			t.Fatalf("expected scale %v rejected", s)
		}
	}
	nan, inf := math.NaN(), math.Inf(1)
	for _, v := range []Viewport{
		{X: nan, Y: 0, Scale: 1},
		{X: 0, Y: -inf, Scale: 1},
		{X: inf, Y: 0, Scale: 1},
		{X: 0, Y: 0, Scale: nan},
		{X: 0, Y: 0, Scale: inf},
	} {
		if err := v.Validate(); !errors.Is(err, ErrInvalidPresence) {
			t.Fatalf("expected %+v rejected, got %v", v, err)
		}
	}
	if err := (Viewport{X: -5, Y: 3, Scale: 0.1}).Validate(); err != nil {
		t.Fatalf("expected valid viewport, got %v", err)
	}
}

func TestVoiceSettingsValidate(t *testing.T) {
	if err := DefaultVoiceSettings().Validate(); err != nil {
		t.Fatalf("expected defaults valid, got %v", err)
	}
	cases := []struct {
		name string
		mut  func(*VoiceSettings)
	}{
		{"mic over", func(s *VoiceSettings) { s.MicrophoneVolume = 1.01 }},
		{"speaker under", func(s *VoiceSettings) { s.SpeakerVolume = -1 }},
		{"ptt without key", func(s *VoiceSettings) { s.PushToTalk = true; s.PushToTalkKey = "" }},
	}
	for _, tc := range cases {
		s := DefaultVoiceSettings()
		tc.mut(&s)
		if err := s.Validate(); !errors.Is(err, ErrInvalidSettings) {
			t.Fatalf("%s: expected ErrInvalidSettings, got %v", tc.name, err)
		}
	}
}

func TestConnectionStateString(t *testing.T) {
	want := map[ConnectionState]string{
		Connecting:   "connecting",
		Connected:    "connected",
		Reconnecting: "reconnecting",
		Disconnected: "disconnected",
	}
	for s, name := range want {
		if s.String() != name {
			t.Fatalf("expected %s, got %s", name, s.String())
		}
	}
}
