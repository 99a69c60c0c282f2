package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Config is the realtime server configuration.
type Config struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	Secret          string        `mapstructure:"secret"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	EventsPerSecond int           `mapstructure:"events_per_second"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// ClientConfig drives the headless board client.
type ClientConfig struct {
	URL          string        `mapstructure:"url"`
	Board        string        `mapstructure:"board"`
	UserID       int64         `mapstructure:"user_id"`
	Username     string        `mapstructure:"username"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BackoffBase  time.Duration `mapstructure:"backoff_base"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	Throttle     time.Duration `mapstructure:"throttle"`
	SettingsPath string        `mapstructure:"settings_path"`
	Voice        bool          `mapstructure:"voice"`
	ICEServers   []string      `mapstructure:"ice_servers"`
}

func newViper() (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("BOARDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, fileName
}

func read(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
}

func Load() (*Config, error) {
	v, fileName := newViper()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("events_per_second", 100)
	v.SetDefault("redis.ttl", "1h")

	read(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Bool("redis", cfg.Redis.Addr != "").Msg("server config")
	return &cfg, nil
}

// NewClientViper returns a viper instance with client defaults under the
// "client" key, ready for flag binding.
func NewClientViper() (*viper.Viper, string) {
	v, fileName := newViper()
	v.SetDefault("client.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.board", "")
	v.SetDefault("client.user_id", 0)
	v.SetDefault("client.voice", false)
	v.SetDefault("client.username", "guest")
	v.SetDefault("client.max_attempts", 10)
	v.SetDefault("client.backoff_base", "500ms")
	v.SetDefault("client.backoff_max", "10s")
	v.SetDefault("client.throttle", "100ms")
	v.SetDefault("client.settings_path", "boardsync-settings.yaml")
	return v, fileName
}

func LoadClient(v *viper.Viper, fileName string) (*ClientConfig, error) {
	read(v, fileName)
	// Unmarshal resolves every leaf key, so bound flags and env vars
	// override the file.
	var file struct {
		Client ClientConfig `mapstructure:"client"`
	}
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	cfg := file.Client
	if cfg.Board == "" {
		return nil, fmt.Errorf("client.board is required")
	}
	if cfg.UserID <= 0 {
		return nil, fmt.Errorf("client.user_id must be positive")
	}
	return &cfg, nil
}
