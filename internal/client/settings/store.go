// Package settings persists VoiceSettings in a local config file under the
// "voice_settings" key. Other keys in the file are preserved on save.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/dkeye/boardsync/internal/domain"
)

const Key = "voice_settings"

type Store interface {
	Load() (domain.VoiceSettings, error)
	Save(domain.VoiceSettings) error
}

type FileStore struct {
	path string
	mu   sync.Mutex
	log  zerolog.Logger
}

var _ Store = (*FileStore)(nil)

func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		path: path,
		log:  logger.With().Str("module", "client.settings").Str("file", path).Logger(),
	}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) viper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(s.path)
	ext := strings.TrimPrefix(filepath.Ext(s.path), ".")
	if ext == "" {
		ext = "yaml"
	}
	v.SetConfigType(ext)

	d := domain.DefaultVoiceSettings()
	v.SetDefault(Key+".microphone_volume", d.MicrophoneVolume)
	v.SetDefault(Key+".speaker_volume", d.SpeakerVolume)
	v.SetDefault(Key+".push_to_talk", d.PushToTalk)
	v.SetDefault(Key+".push_to_talk_key", d.PushToTalkKey)
	v.SetDefault(Key+".noise_suppression", d.NoiseSuppression)
	v.SetDefault(Key+".echo_cancellation", d.EchoCancellation)
	return v
}

func (s *FileStore) read(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
		return nil
	}
	return err
}

// Load returns the stored settings, or the defaults when nothing is stored.
// A stored value that fails validation yields the defaults together with
// ErrInvalidSettings.
func (s *FileStore) Load() (domain.VoiceSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.viper()
	if err := s.read(v); err != nil {
		return domain.DefaultVoiceSettings(), fmt.Errorf("read settings: %w", err)
	}
	// Unmarshal merges file values over defaults key by key; a partial
	// section keeps the defaults for the rest.
	var file struct {
		Voice domain.VoiceSettings `mapstructure:"voice_settings"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return domain.DefaultVoiceSettings(), fmt.Errorf("%w: %v", domain.ErrInvalidSettings, err)
	}
	out := file.Voice
	if err := out.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("stored settings rejected, using defaults")
		return domain.DefaultVoiceSettings(), err
	}
	return out, nil
}

func (s *FileStore) Save(vs domain.VoiceSettings) error {
	if err := vs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.viper()
	if err := s.read(v); err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	v.Set(Key, map[string]any{
		"microphone_volume": vs.MicrophoneVolume,
		"speaker_volume":    vs.SpeakerVolume,
		"push_to_talk":      vs.PushToTalk,
		"push_to_talk_key":  vs.PushToTalkKey,
		"noise_suppression": vs.NoiseSuppression,
		"echo_cancellation": vs.EchoCancellation,
	})
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	s.log.Info().Msg("settings saved")
	return nil
}

// MemoryStore keeps settings in process; used by tests and ephemeral clients.
type MemoryStore struct {
	mu sync.Mutex
	vs *domain.VoiceSettings
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Load() (domain.VoiceSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vs == nil {
		return domain.DefaultVoiceSettings(), nil
	}
	return *m.vs, nil
}

func (m *MemoryStore) Save(vs domain.VoiceSettings) error {
	if err := vs.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vs = &vs
	return nil
}
