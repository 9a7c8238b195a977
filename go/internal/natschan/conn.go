// Package natschan provides group channels over NATS: best-effort core
// pub/sub, and a JetStream stream that replays history to rejoining peers.
package natschan

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SenderHeader carries the publishing peer id on every message.
const SenderHeader = "Sender-Id"

// Config holds the NATS connection and subject settings.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig reconnects forever against a local server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "tilesync.session",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = def.SubjectPrefix
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = def.MaxReconnects
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = def.ReconnectWait
	}
	return c
}

// Subject maps a channel id to its NATS subject. Characters NATS treats as
// separators or wildcards are replaced so one channel is always one token.
func (c Config) Subject(channelID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, channelID)
	return c.SubjectPrefix + "." + token
}

func connect(cfg Config, peerID string, extra ...nats.Option) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("tilesync-" + peerID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Str("peer_id", peerID).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Str("peer_id", peerID).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Str("peer_id", peerID).Msg("NATS error")
		}),
	}
	nc, err := nats.Connect(cfg.URL, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

func newMsg(subject, peerID string, data []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(SenderHeader, peerID)
	msg.Data = data
	return msg
}
