package natschan

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

// Channel is a best-effort group channel over NATS core subjects. Messages
// published while a peer is offline are lost to it.
type Channel struct {
	nc     *nats.Conn
	cfg    Config
	peerID string
	owned  bool
	logger zerolog.Logger
}

var _ transport.Channel = (*Channel)(nil)

// Dial connects to NATS for peerID. The server does not echo the peer's own
// publishes back to it.
func Dial(cfg Config, peerID string) (*Channel, error) {
	cfg = cfg.withDefaults()
	nc, err := connect(cfg, peerID, nats.NoEcho())
	if err != nil {
		return nil, err
	}
	c := NewChannel(nc, cfg, peerID)
	c.owned = true
	return c, nil
}

// NewChannel uses an existing connection, which the caller keeps owning.
func NewChannel(nc *nats.Conn, cfg Config, peerID string) *Channel {
	return &Channel{
		nc:     nc,
		cfg:    cfg.withDefaults(),
		peerID: peerID,
		logger: log.With().Str("component", "natschan").Str("peer_id", peerID).Logger(),
	}
}

func (c *Channel) Publish(ctx context.Context, channelID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.nc.PublishMsg(newMsg(c.cfg.Subject(channelID), c.peerID, data)); err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}
	return nil
}

func (c *Channel) Subscribe(channelID string, fn transport.MessageFunc) (transport.Subscription, error) {
	subject := c.cfg.Subject(channelID)
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) {
		sender := m.Header.Get(SenderHeader)
		if sender == c.peerID {
			return
		}
		fn(m.Data, sender)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	c.logger.Info().Str("subject", subject).Msg("subscribed to NATS subject")
	return sub, nil
}

// Close drains the connection when Dial created it.
func (c *Channel) Close() error {
	if !c.owned {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
