package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dkeye/boardsync/internal/domain"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"), zerolog.Nop())

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != domain.DefaultVoiceSettings() {
		t.Fatalf("expected defaults, got %+v", got)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	s := NewFileStore(path, zerolog.Nop())

	want := domain.VoiceSettings{
		MicrophoneVolume: 0.25,
		SpeakerVolume:    0.5,
		PushToTalk:       true,
		PushToTalkKey:    "KeyV",
		NoiseSuppression: false,
		EchoCancellation: true,
	}
	if err := s.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(raw), Key) {
		t.Fatalf("expected %s key in file, got %s", Key, raw)
	}

	got, err := NewFileStore(path, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}

func TestSavePreservesOtherKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	if err := os.WriteFile(path, []byte("theme: dark\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := NewFileStore(path, zerolog.Nop())
	if err := s.Save(domain.DefaultVoiceSettings()); err != nil {
		t.Fatalf("save: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), "theme: dark") {
		t.Fatalf("expected theme to survive, got %s", raw)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*domain.VoiceSettings)
	}{
		{"mic volume above one", func(s *domain.VoiceSettings) { s.MicrophoneVolume = 1.5 }},
		{"negative speaker volume", func(s *domain.VoiceSettings) { s.SpeakerVolume = -0.1 }},
		{"push to talk without key", func(s *domain.VoiceSettings) { s.PushToTalk = true; s.PushToTalkKey = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.yaml")
			vs := domain.DefaultVoiceSettings()
			tc.mut(&vs)

			if err := NewFileStore(path, zerolog.Nop()).Save(vs); !errors.Is(err, domain.ErrInvalidSettings) {
				t.Fatalf("expected ErrInvalidSettings, got %v", err)
			}
			if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("expected nothing written, got %v", err)
			}
			if err := (&MemoryStore{}).Save(vs); !errors.Is(err, domain.ErrInvalidSettings) {
				t.Fatalf("expected memory store to reject too, got %v", err)
			}
		})
	}
}

func TestLoadRejectsInvalidStoredValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := "voice_settings:\n  microphone_volume: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := NewFileStore(path, zerolog.Nop()).Load()
	if !errors.Is(err, domain.ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}
	if got != domain.DefaultVoiceSettings() {
		t.Fatalf("expected defaults on invalid store, got %+v", got)
	}
}

func TestLoadPartialSectionKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	body := "voice_settings:\n  push_to_talk: true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	got, err := NewFileStore(path, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := domain.DefaultVoiceSettings()
	want.PushToTalk = true
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
}
