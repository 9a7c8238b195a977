package natschan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

// StreamConfig configures the JetStream stream that stores every session
// channel.
type StreamConfig struct {
	Config
	StreamName      string
	MaxAge          time.Duration // How long to keep messages
	MaxMsgs         int64         // Max number of messages to keep
	Replicas        int
	DuplicateWindow time.Duration
	Storage         jetstream.StorageType
	// SetupTimeout bounds stream and consumer creation.
	SetupTimeout time.Duration
}

// DefaultStreamConfig keeps a day of history in file storage.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Config:          DefaultConfig(),
		StreamName:      "TILESYNC_SESSIONS",
		MaxAge:          24 * time.Hour,
		MaxMsgs:         -1, // No limit
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
		Storage:         jetstream.FileStorage,
		SetupTimeout:    10 * time.Second,
	}
}

func (c StreamConfig) withDefaults() StreamConfig {
	def := DefaultStreamConfig()
	c.Config = c.Config.withDefaults()
	if c.StreamName == "" {
		c.StreamName = def.StreamName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = def.MaxAge
	}
	if c.MaxMsgs == 0 {
		c.MaxMsgs = def.MaxMsgs
	}
	if c.Replicas <= 0 {
		c.Replicas = def.Replicas
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = def.DuplicateWindow
	}
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = def.SetupTimeout
	}
	return c
}

// StreamChannel is a group channel backed by a JetStream stream. Every
// subscription starts from the first stored message of the channel, so a
// peer that rejoins replays the session history through its transport's
// dedupe path. The peer's own messages are delivered too.
type StreamChannel struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    StreamConfig
	peerID string
	logger zerolog.Logger
}

var _ transport.ReplayChannel = (*StreamChannel)(nil)

// DialStream connects, then creates or updates the stream.
func DialStream(ctx context.Context, cfg StreamConfig, peerID string) (*StreamChannel, error) {
	cfg = cfg.withDefaults()
	nc, err := connect(cfg.Config, peerID)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	c := &StreamChannel{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		peerID: peerID,
		logger: log.With().Str("component", "natschan").Str("peer_id", peerID).Logger(),
	}
	if err := c.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return c, nil
}

func (c *StreamChannel) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        c.cfg.StreamName,
		Description: "Turn-sync session channels",
		Subjects:    []string{c.cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      c.cfg.MaxAge,
		MaxMsgs:     c.cfg.MaxMsgs,
		Storage:     c.cfg.Storage,
		Replicas:    c.cfg.Replicas,
		Duplicates:  c.cfg.DuplicateWindow,
	}
}

func (c *StreamChannel) ensureStream(ctx context.Context) error {
	sc := c.streamConfig()
	stream, err := c.js.Stream(ctx, sc.Name)
	if err != nil {
		if _, err = c.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
		c.logger.Info().Str("stream", sc.Name).Msg("created JetStream stream")
		return nil
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("get stream info: %w", err)
	}
	if !streamConfigEqual(info.Config, sc) {
		if _, err = c.js.UpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
		c.logger.Info().Str("stream", sc.Name).Msg("updated JetStream stream")
	}
	return nil
}

func streamConfigEqual(a, b jetstream.StreamConfig) bool {
	return a.Name == b.Name &&
		a.MaxAge == b.MaxAge &&
		a.MaxMsgs == b.MaxMsgs &&
		a.Replicas == b.Replicas &&
		a.Duplicates == b.Duplicates
}

// MsgID returns the JetStream deduplication id for an action record, or ""
// for chat and heartbeat frames. Action records carry their origin's clock,
// so identical bytes from one peer are the same action.
func MsgID(peerID string, data []byte) string {
	if len(data) == 0 || data[0] != '{' {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(peerID))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *StreamChannel) Publish(ctx context.Context, channelID string, data []byte) error {
	subject := c.cfg.Subject(channelID)
	opts := []jetstream.PublishOpt{jetstream.WithExpectStream(c.cfg.StreamName)}
	if id := MsgID(c.peerID, data); id != "" {
		opts = append(opts, jetstream.WithMsgID(id))
	}
	ack, err := c.js.PublishMsg(ctx, newMsg(subject, c.peerID, data), opts...)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}
	c.logger.Debug().
		Str("subject", subject).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("published to JetStream")
	return nil
}

func (c *StreamChannel) Subscribe(channelID string, fn transport.MessageFunc) (transport.Subscription, error) {
	return c.SubscribeHistory(channelID, func(data []byte, sender string, _ bool) {
		fn(data, sender)
	})
}

// SubscribeHistory replays the channel from its first stored message. A
// message already in the stream when the subscription was made is marked
// replayed.
func (c *StreamChannel) SubscribeHistory(channelID string, fn transport.HistoryFunc) (transport.Subscription, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SetupTimeout)
	defer cancel()

	stream, err := c.js.Stream(ctx, c.cfg.StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", c.cfg.StreamName, err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("get stream info: %w", err)
	}
	cutoff := info.State.LastSeq

	subject := c.cfg.Subject(channelID)
	cons, err := c.js.OrderedConsumer(ctx, c.cfg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer for %s: %w", subject, err)
	}
	cc, err := cons.Consume(func(m jetstream.Msg) {
		fn(m.Data(), m.Headers().Get(SenderHeader), c.replayed(m, cutoff))
	})
	if err != nil {
		return nil, fmt.Errorf("start consumer for %s: %w", subject, err)
	}
	c.logger.Info().
		Str("subject", subject).
		Str("stream", c.cfg.StreamName).
		Uint64("history_until", cutoff).
		Msg("replaying JetStream channel")

	return transport.SubscriptionFunc(func() error {
		cc.Stop()
		return nil
	}), nil
}

func (c *StreamChannel) replayed(m jetstream.Msg, cutoff uint64) bool {
	meta, err := m.Metadata()
	if err != nil {
		c.logger.Debug().Err(err).Msg("message without metadata, treating as live")
		return false
	}
	return IsHistory(meta.Sequence.Stream, cutoff)
}

// IsHistory reports whether a stream sequence was stored at or before the
// cutoff taken when the subscription started.
func IsHistory(seq, cutoff uint64) bool {
	return seq <= cutoff
}

// Close drains the connection.
func (c *StreamChannel) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
