// Command relay serves the WebSocket group channel used by the relay transport.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/relay"
)

type relayEnv struct {
	Port            string        `env:"RELAY_PORT" envDefault:"8090"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	MaxMessageSize  int64         `env:"RELAY_MAX_MESSAGE_SIZE" envDefault:"65536"`
	ShutdownTimeout time.Duration `env:"RELAY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var cfg relayEnv
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TILESYNC_"}); err != nil {
		log.Fatal().Err(err).Msg("failed to parse env")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("bad log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubCfg := relay.DefaultHubConfig()
	hubCfg.MaxMessageSize = cfg.MaxMessageSize
	hub := relay.NewHub(hubCfg)
	go hub.Start(ctx)

	server := relay.NewServer(":"+cfg.Port, hub)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	log.Info().Msg("relay stopped")
}
