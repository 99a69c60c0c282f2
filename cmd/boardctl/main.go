package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/boardsync/internal/client/board"
	"github.com/dkeye/boardsync/internal/client/media"
	"github.com/dkeye/boardsync/internal/client/settings"
	"github.com/dkeye/boardsync/internal/client/transport"
	"github.com/dkeye/boardsync/internal/client/voice"
	"github.com/dkeye/boardsync/internal/config"
	"github.com/dkeye/boardsync/internal/domain"
)

type logCamera struct{}

func (logCamera) SetViewport(v domain.Viewport) {
	log.Info().Str("module", "boardctl").Float64("x", v.X).Float64("y", v.Y).Float64("scale", v.Scale).Msg("camera moved")
}

func parseViewport(s string) (domain.Viewport, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return domain.Viewport{}, fmt.Errorf("viewport %q: want x,y,scale", s)
	}
	var vals [3]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return domain.Viewport{}, fmt.Errorf("viewport %q: %w", s, err)
		}
		vals[i] = f
	}
	v := domain.Viewport{X: vals[0], Y: vals[1], Scale: vals[2]}
	return v, v.Validate()
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := pflag.NewFlagSet("boardctl", pflag.ExitOnError)
	flags.String("url", "", "signal endpoint (ws://host/api/ws/signal)")
	flags.String("board", "", "board id")
	flags.Int64("user-id", 0, "local user id")
	flags.String("username", "", "local username")
	flags.Int("max-attempts", 0, "reconnect attempts before giving up (0 keeps the configured value)")
	flags.String("settings", "", "voice settings file")
	flags.Bool("voice", false, "join voice with a silent capture source")
	viewportFlag := flags.String("viewport", "", "publish a viewport once connected: x,y,scale")
	follow := flags.Int64("follow", 0, "follow this user once their viewport is known")
	mute := flags.Bool("mute", false, "start voice muted")
	debug := flags.Bool("debug", false, "debug logging")
	_ = flags.Parse(os.Args[1:])

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	v, fileName := config.NewClientViper()
	for key, flag := range map[string]string{
		"client.url":           "url",
		"client.board":         "board",
		"client.user_id":       "user-id",
		"client.username":      "username",
		"client.settings_path": "settings",
		"client.voice":         "voice",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			log.Fatal().Err(err).Str("flag", flag).Msg("bind flag")
		}
	}
	cfg, err := config.LoadClient(v, fileName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load client config")
	}
	if n, _ := flags.GetInt("max-attempts"); n > 0 {
		cfg.MaxAttempts = n
	}

	user, err := domain.NewUser(domain.UserID(cfg.UserID), cfg.Username)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid user")
	}

	var target *domain.Viewport
	if *viewportFlag != "" {
		vp, err := parseViewport(*viewportFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid viewport")
		}
		target = &vp
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connected := make(chan struct{}, 1)
	opts := board.Options{
		Board:    domain.BoardID(cfg.Board),
		User:     user,
		Throttle: cfg.Throttle,
		Transport: transport.Options{
			URL:         cfg.URL,
			BaseDelay:   cfg.BackoffBase,
			MaxDelay:    cfg.BackoffMax,
			MaxAttempts: cfg.MaxAttempts,
			Logger:      log.Logger,
		},
		Dialer:   transport.WSDialer{Dialer: websocket.DefaultDialer},
		Settings: settings.NewFileStore(cfg.SettingsPath, log.Logger),
		Camera:   logCamera{},
		Logger:   log.Logger,
		OnPresence: func(peers []domain.PeerPresence) {
			names := make([]string, 0, len(peers))
			for _, p := range peers {
				names = append(names, p.Username)
			}
			log.Info().Str("module", "boardctl").Strs("online", names).Msg("presence")
		},
		OnState: func(s domain.ConnectionState) {
			log.Info().Str("module", "boardctl").Str("state", s.String()).Msg("board channel")
			if s == domain.Connected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
		OnVoiceState: func(s voice.State) {
			log.Info().Str("module", "boardctl").Str("voice", s.String()).Msg("voice state")
		},
		OnVoiceNotice: func(n voice.Notice) {
			log.Warn().Str("module", "boardctl").Err(n.Err).Msg("voice")
		},
		OnParticipants: func(ps []domain.VoiceParticipant) {
			for _, p := range ps {
				log.Info().Str("module", "boardctl").Str("username", p.Username).Bool("muted", p.IsMuted).Bool("speaking", p.IsSpeaking).Msg("participant")
			}
		},
	}
	if cfg.Voice {
		opts.Microphone = func(post func(fn func()) bool) voice.Microphone {
			return &media.SilentMicrophone{ICEServers: cfg.ICEServers, Post: post, Logger: log.Logger}
		}
	}

	sess, err := board.Open(ctx, opts)
	if err != nil {
		log.Fatal().Err(err).Msg("open board")
	}
	defer sess.Close()
	log.Info().Str("module", "boardctl").Str("board", cfg.Board).Int64("user_id", cfg.UserID).Msg("board opened")

	if cfg.Voice {
		if *mute {
			if _, err := sess.ToggleMute(ctx); err != nil {
				log.Error().Err(err).Msg("mute")
			}
		}
		if err := sess.JoinVoice(ctx); err != nil {
			log.Error().Err(err).Msg("join voice")
		}
	}

	followTick := time.NewTicker(time.Second)
	defer followTick.Stop()
	following := *follow != 0

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "boardctl").Msg("leaving board")
			return
		case <-connected:
			if target != nil {
				if err := sess.PublishViewport(ctx, *target); err != nil {
					log.Error().Err(err).Msg("publish viewport")
				}
			}
		case <-followTick.C:
			if !following {
				continue
			}
			if _, err := sess.Follow(ctx, domain.UserID(*follow)); err == nil {
				following = false
			} else {
				log.Debug().Err(err).Int64("user_id", *follow).Msg("not followable yet")
			}
		}
	}
}
