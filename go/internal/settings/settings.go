// Package settings holds the per-peer configuration value object and the
// storage contract used to persist it.
package settings

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "TILESYNC_"

// TransportKind selects the group channel implementation.
type TransportKind string

const (
	TransportLocal     TransportKind = "local"
	TransportNATS      TransportKind = "nats"
	TransportJetStream TransportKind = "jetstream"
	TransportRelay     TransportKind = "relay"
)

// Settings configures one peer in one session.
type Settings struct {
	PeerID       string   `env:"PEER_ID"`
	SessionID    string   `env:"SESSION_ID"`
	Participants []string `env:"PARTICIPANTS" envSeparator:","`

	TurnTimeout            time.Duration `env:"TURN_TIMEOUT" envDefault:"30s"`
	GracePeriod            time.Duration `env:"GRACE_PERIOD" envDefault:"5s"`
	HeartbeatInterval      time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	HeartbeatCheckInterval time.Duration `env:"HEARTBEAT_CHECK_INTERVAL" envDefault:"10s"`
	StaleAfter             time.Duration `env:"STALE_AFTER" envDefault:"15s"`
	SendTimeout            time.Duration `env:"SEND_TIMEOUT" envDefault:"5s"`

	LogCap          int    `env:"LOG_CAP" envDefault:"1000"`
	DedupeCacheSize int    `env:"DEDUPE_CACHE_SIZE" envDefault:"4096"`
	ChatPrefix      string `env:"CHAT_PREFIX" envDefault:"[CHAT]"`
	DebugMode       bool   `env:"DEBUG_MODE"`

	Transport TransportKind `env:"TRANSPORT" envDefault:"local"`
	NATSURL   string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RelayURL  string        `env:"RELAY_URL" envDefault:"ws://localhost:8090"`
	LogLevel  string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Default returns the settings used when nothing is configured.
func Default() Settings {
	return Settings{
		TurnTimeout:            30 * time.Second,
		GracePeriod:            5 * time.Second,
		HeartbeatInterval:      5 * time.Second,
		HeartbeatCheckInterval: 10 * time.Second,
		StaleAfter:             15 * time.Second,
		SendTimeout:            5 * time.Second,
		LogCap:                 1000,
		DedupeCacheSize:        4096,
		ChatPrefix:             "[CHAT]",
		Transport:              TransportLocal,
		NATSURL:                "nats://localhost:4222",
		RelayURL:               "ws://localhost:8090",
		LogLevel:               "info",
	}
}

// FromEnv reads TILESYNC_* variables and normalizes the result.
func FromEnv() (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Prefix: EnvPrefix}); err != nil {
		return Settings{}, fmt.Errorf("parse env: %w", err)
	}
	return s.Normalized()
}

// Normalized fills zero values with defaults and validates the result. A
// missing peer id gets a short random one.
func (s Settings) Normalized() (Settings, error) {
	def := Default()

	s.PeerID = strings.TrimSpace(s.PeerID)
	if s.PeerID == "" {
		s.PeerID = "peer-" + uuid.New().String()[:8]
	}
	s.SessionID = strings.TrimSpace(s.SessionID)

	roster := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		p = strings.TrimSpace(p)
		if p != "" && !slices.Contains(roster, p) {
			roster = append(roster, p)
		}
	}
	if len(roster) == 0 {
		roster = []string{s.PeerID}
	}
	s.Participants = roster

	for _, d := range []struct {
		v   *time.Duration
		def time.Duration
	}{
		{&s.TurnTimeout, def.TurnTimeout},
		{&s.GracePeriod, def.GracePeriod},
		{&s.HeartbeatInterval, def.HeartbeatInterval},
		{&s.HeartbeatCheckInterval, def.HeartbeatCheckInterval},
		{&s.StaleAfter, def.StaleAfter},
		{&s.SendTimeout, def.SendTimeout},
	} {
		if *d.v <= 0 {
			*d.v = d.def
		}
	}
	if s.LogCap <= 0 {
		s.LogCap = def.LogCap
	}
	if s.DedupeCacheSize <= 0 {
		s.DedupeCacheSize = def.DedupeCacheSize
	}
	if s.ChatPrefix == "" {
		s.ChatPrefix = def.ChatPrefix
	}
	if s.Transport == "" {
		s.Transport = def.Transport
	}
	if s.NATSURL == "" {
		s.NATSURL = def.NATSURL
	}
	if s.RelayURL == "" {
		s.RelayURL = def.RelayURL
	}
	if s.LogLevel == "" {
		s.LogLevel = def.LogLevel
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	var errs []error
	if s.StaleAfter <= s.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("stale_after (%s) must exceed heartbeat_interval (%s)", s.StaleAfter, s.HeartbeatInterval))
	}
	switch s.Transport {
	case TransportLocal, TransportNATS, TransportJetStream, TransportRelay:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", s.Transport))
	}
	if _, err := zerolog.ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

// Level returns the parsed log level, Info when unparseable.
func (s Settings) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(s.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
