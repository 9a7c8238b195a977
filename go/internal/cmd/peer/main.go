// Command peer runs one player's turn-sync node with a console UI. With the
// local transport every participant runs in this process and the ones not
// played from the console end their turns on their own.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/settings"
	"github.com/mcdev12/tilesync/go/internal/turns/session"
	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

// peerEnv holds options that only matter to this binary.
type peerEnv struct {
	SettingsStore string        `env:"SETTINGS_STORE"`
	BotDelay      time.Duration `env:"BOT_DELAY" envDefault:"3s"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("peer failed")
	}
}

func run() error {
	cfg, err := settings.FromEnv()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.DebugMode {
		pterm.EnableDebugMessages()
	}

	var pe peerEnv
	if err := env.ParseWithOptions(&pe, env.Options{Prefix: settings.EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, storeCloser, err := openStore(ctx, pe.SettingsStore)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer storeCloser.Close()
	if store != nil {
		if cfg, err = settings.LoadOrSave(ctx, store, cfg); err != nil {
			return err
		}
	}

	reg := session.NewRegistry()
	me, closers, err := buildSessions(ctx, reg, cfg, pe.BotDelay)
	defer func() {
		if err := reg.CloseAll(); err != nil {
			log.Error().Err(err).Msg("failed to close sessions")
		}
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close channel")
			}
		}
	}()
	if err != nil {
		return err
	}

	attachDisplay(me)

	var wg sync.WaitGroup
	for _, key := range reg.Keys() {
		key := key
		sess, err := reg.Get(key)
		if err != nil {
			return err
		}
		if err := sess.Start(); err != nil {
			return fmt.Errorf("start %s: %w", key, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Run(ctx); err != nil {
				log.Error().Err(err).Str("session", key.String()).Msg("session loop failed")
			}
		}()
	}

	printBanner(me.Settings())
	console(ctx, me, os.Stdin)
	stop()
	wg.Wait()
	return nil
}

// buildSessions creates the console peer's session and, in local mode, one
// bot session per other participant on a shared in-process bus.
func buildSessions(ctx context.Context, reg *session.Registry, cfg settings.Settings, botDelay time.Duration) (*session.Session, []io.Closer, error) {
	if cfg.Transport != settings.TransportLocal {
		if cfg.SessionID == "" {
			return nil, nil, fmt.Errorf("%sSESSION_ID is required for the %s transport", settings.EnvPrefix, cfg.Transport)
		}
		ch, closer, err := openChannel(ctx, cfg, cfg.PeerID)
		if err != nil {
			return nil, nil, err
		}
		closers := []io.Closer{closer}
		me, err := reg.Create(cfg, ch, nil)
		return me, closers, err
	}

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if len(cfg.Participants) == 1 {
		cfg.Participants = append(cfg.Participants, "bot-1", "bot-2")
	}
	bus := transport.NewLocalBus(transport.BusOptions{Seed: time.Now().UnixNano()})

	var me *session.Session
	for _, p := range cfg.Participants {
		pc := cfg
		pc.PeerID = p
		sess, err := reg.Create(pc, bus.Endpoint(p), nil)
		if err != nil {
			return nil, nil, err
		}
		if p == cfg.PeerID {
			me = sess
			continue
		}
		attachBot(sess, botDelay)
	}
	if me == nil {
		return nil, nil, fmt.Errorf("peer %s is not a participant", cfg.PeerID)
	}
	return me, nil, nil
}
