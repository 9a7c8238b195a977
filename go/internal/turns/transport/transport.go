// Package transport turns the unreliable group channel into a deduplicated,
// causally ordered stream of game actions, and stamps outgoing actions with the
// local causal clock.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/turns/clock"
	"github.com/mcdev12/tilesync/go/internal/turns/events"
)

// ErrClosed is returned by sends after Close.
var ErrClosed = errors.New("transport closed")

// DefaultDedupeCacheSize is the number of action identities remembered.
const DefaultDedupeCacheSize = 4096

// Config holds the per-session transport settings.
type Config struct {
	PeerID          string
	ChannelID       string
	LogCap          int
	DedupeCacheSize int
	ChatPrefix      string
	// Debug mirrors every protocol frame to chat handlers.
	Debug bool
}

func (c Config) normalized() (Config, error) {
	if c.PeerID == "" {
		return c, errors.New("transport: peer id is required")
	}
	if c.ChannelID == "" {
		return c, errors.New("transport: channel id is required")
	}
	if c.LogCap <= 0 {
		c.LogCap = DefaultLogCap
	}
	if c.DedupeCacheSize <= 0 {
		c.DedupeCacheSize = DefaultDedupeCacheSize
	}
	if c.ChatPrefix == "" {
		c.ChatPrefix = events.DefaultChatPrefix
	}
	return c, nil
}

// ChatMessage is a human-readable frame, or a protocol frame that failed to
// parse. Debug marks protocol mirrors.
type ChatMessage struct {
	Sender string
	Text   string
	At     time.Time
	Debug  bool
}

// Stats counts what the transport has seen.
type Stats struct {
	Sent          int
	Accepted      int
	Duplicates    int
	Malformed     int
	Chats         int
	Heartbeats    int
	UnknownPeers  int
	PublishErrors int
	Replayed      int
}

type (
	ActionHandler    func(events.Action)
	ChatHandler      func(ChatMessage)
	HeartbeatHandler func(peerID string, sentAt time.Time)
)

// Transport is owned by one session and must only be used from that session's
// loop goroutine.
type Transport struct {
	cfg    Config
	ch     Channel
	clock  clockwork.Clock
	logger zerolog.Logger

	vc   *clock.Clock
	log  *Log
	seen *lru.Cache[events.Dot, struct{}]

	actionHandlers    handlerSet[ActionHandler]
	kindHandlers      map[events.Kind]*handlerSet[ActionHandler]
	chatHandlers      handlerSet[ChatHandler]
	heartbeatHandlers handlerSet[HeartbeatHandler]

	sub    Subscription
	stats  Stats
	closed bool
}

// New creates a transport for one channel. It does not subscribe until Attach.
func New(cfg Config, ch Channel, clk clockwork.Clock) (*Transport, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, errors.New("transport: channel is required")
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	seen, err := lru.New[events.Dot, struct{}](cfg.DedupeCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}

	return &Transport{
		cfg:   cfg,
		ch:    ch,
		clock: clk,
		logger: log.With().
			Str("component", "transport").
			Str("peer_id", cfg.PeerID).
			Str("channel_id", cfg.ChannelID).
			Logger(),
		vc:           clock.New(cfg.PeerID),
		log:          NewLog(cfg.LogCap),
		seen:         seen,
		kindHandlers: make(map[events.Kind]*handlerSet[ActionHandler]),
	}, nil
}

// Attach subscribes to the channel. Each delivery is handed to post so it runs
// on the session loop; a nil post handles deliveries on the channel goroutine.
// A ReplayChannel is subscribed through SubscribeHistory so replayed history
// is marked on the actions it yields.
func (t *Transport) Attach(post func(func()) error) error {
	handle := func(data []byte, sender string, replayed bool) {
		if post == nil {
			t.receive(data, sender, replayed)
			return
		}
		buf := bytes.Clone(data)
		if err := post(func() { t.receive(buf, sender, replayed) }); err != nil {
			t.logger.Debug().Err(err).Str("sender", sender).Msg("dropping delivery")
		}
	}

	var (
		sub Subscription
		err error
	)
	if rc, ok := t.ch.(ReplayChannel); ok {
		sub, err = rc.SubscribeHistory(t.cfg.ChannelID, handle)
	} else {
		sub, err = t.ch.Subscribe(t.cfg.ChannelID, func(data []byte, sender string) {
			handle(data, sender, false)
		})
	}
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", t.cfg.ChannelID, err)
	}
	t.sub = sub
	t.logger.Info().Msg("attached to channel")
	return nil
}

// AddPeer registers a roster member in the local clock.
func (t *Transport) AddPeer(peerID string) { t.vc.AddPeer(peerID) }

// RemovePeer drops a roster member from the local clock.
func (t *Transport) RemovePeer(peerID string) {
	if peerID == t.cfg.PeerID {
		return
	}
	t.vc.RemovePeer(peerID)
}

// Send stamps the payload with the next local clock value, publishes it,
// appends it to the log and notifies local handlers without waiting for any
// acknowledgment. A publish failure is returned after the action has been
// applied locally.
func (t *Transport) Send(ctx context.Context, p events.Payload) (events.Action, error) {
	if t.closed {
		return events.Action{}, ErrClosed
	}
	probe := events.Action{Origin: t.cfg.PeerID, Clock: t.vc, Payload: p}
	if err := probe.Validate(); err != nil {
		return events.Action{}, err
	}

	t.vc.Increment(t.cfg.PeerID)
	a := events.Action{
		Origin:  t.cfg.PeerID,
		SentAt:  time.UnixMilli(t.clock.Now().UnixMilli()),
		Clock:   t.vc.Clone(),
		Payload: p,
	}
	data, err := events.Encode(a)
	if err != nil {
		return events.Action{}, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}

	pubErr := t.ch.Publish(ctx, t.cfg.ChannelID, data)
	if pubErr != nil {
		t.stats.PublishErrors++
		pubErr = fmt.Errorf("publish %s: %w", a.Kind(), pubErr)
	}

	t.seen.Add(a.Dot(), struct{}{})
	t.log.Append(a)
	t.stats.Sent++
	t.logger.Debug().
		Str("kind", string(a.Kind())).
		Stringer("clock", a.Clock).
		Msg("sent action")
	t.mirror("sent", a)
	t.dispatch(a)
	return a, pubErr
}

// SendChat publishes a chat frame and shows it locally right away.
func (t *Transport) SendChat(ctx context.Context, text string) error {
	if t.closed {
		return ErrClosed
	}
	t.notifyChat(ChatMessage{Sender: t.cfg.PeerID, Text: text, At: t.clock.Now()})
	if err := t.ch.Publish(ctx, t.cfg.ChannelID, events.EncodeChat(t.cfg.ChatPrefix, text)); err != nil {
		t.stats.PublishErrors++
		return fmt.Errorf("publish chat: %w", err)
	}
	return nil
}

// SendHeartbeat publishes this peer's liveness frame.
func (t *Transport) SendHeartbeat(ctx context.Context) error {
	if t.closed {
		return ErrClosed
	}
	if err := t.ch.Publish(ctx, t.cfg.ChannelID, events.EncodeHeartbeat(t.clock.Now())); err != nil {
		t.stats.PublishErrors++
		return fmt.Errorf("publish heartbeat: %w", err)
	}
	return nil
}

// OnReceive handles one live delivery from the channel.
func (t *Transport) OnReceive(data []byte, sender string) {
	t.receive(data, sender, false)
}

// OnReplay handles one delivery of stored history. Accepted actions are
// marked Replayed and heartbeats are dropped.
func (t *Transport) OnReplay(data []byte, sender string) {
	t.receive(data, sender, true)
}

func (t *Transport) receive(data []byte, sender string, replayed bool) {
	if t.closed {
		return
	}
	if replayed {
		t.stats.Replayed++
	}

	frame, body := events.Classify(data, t.cfg.ChatPrefix)
	switch frame {
	case events.FrameChat:
		if sender == t.cfg.PeerID {
			return
		}
		t.stats.Chats++
		t.notifyChat(ChatMessage{Sender: sender, Text: string(body), At: t.clock.Now()})
		return
	case events.FrameHeartbeat:
		if sender == "" || sender == t.cfg.PeerID || replayed {
			return
		}
		sentAt, err := events.DecodeHeartbeat(body)
		if err != nil {
			t.logger.Debug().Err(err).Str("sender", sender).Msg("ignoring bad heartbeat")
			return
		}
		t.stats.Heartbeats++
		for _, h := range t.heartbeatHandlers.snapshot() {
			h(sender, sentAt)
		}
		return
	}

	a, err := events.Decode(body)
	if err != nil {
		t.stats.Malformed++
		t.logger.Debug().Err(err).Str("sender", sender).Msg("routing unparseable frame to chat")
		t.notifyChat(ChatMessage{Sender: sender, Text: string(data), At: t.clock.Now()})
		return
	}
	if sender != "" && sender != a.Origin {
		t.logger.Debug().
			Str("sender", sender).
			Str("origin", a.Origin).
			Msg("action relayed by another peer")
	}

	if !t.vc.Has(a.Origin) {
		t.vc.AddPeer(a.Origin)
		t.stats.UnknownPeers++
		t.logger.Info().Str("origin", a.Origin).Msg("registered unknown peer")
	}

	dot := a.Dot()
	if t.seen.Contains(dot) {
		t.duplicate(a, "already accepted")
		return
	}
	if t.vc.Compare(a.Clock) == clock.After {
		t.duplicate(a, "causally subsumed")
		return
	}

	a.Replayed = replayed
	t.vc.Merge(a.Clock)
	t.seen.Add(dot, struct{}{})
	pos := t.log.Insert(a)
	t.stats.Accepted++
	t.logger.Debug().
		Str("kind", string(a.Kind())).
		Str("origin", a.Origin).
		Int("log_pos", pos).
		Bool("replayed", replayed).
		Stringer("clock", t.vc).
		Msg("accepted action")
	t.mirror("received", a)
	t.dispatch(a)
}

func (t *Transport) duplicate(a events.Action, why string) {
	t.stats.Duplicates++
	t.logger.Debug().
		Str("kind", string(a.Kind())).
		Stringer("dot", a.Dot()).
		Str("why", why).
		Msg("dropping duplicate action")
}

func (t *Transport) dispatch(a events.Action) {
	for _, h := range t.actionHandlers.snapshot() {
		h(a)
	}
	if set, ok := t.kindHandlers[a.Kind()]; ok {
		for _, h := range set.snapshot() {
			h(a)
		}
	}
}

func (t *Transport) notifyChat(msg ChatMessage) {
	for _, h := range t.chatHandlers.snapshot() {
		h(msg)
	}
}

func (t *Transport) mirror(direction string, a events.Action) {
	if !t.cfg.Debug || t.chatHandlers.len() == 0 {
		return
	}
	data, err := events.Encode(a)
	if err != nil {
		return
	}
	t.notifyChat(ChatMessage{
		Sender: a.Origin,
		Text:   direction + " " + string(data),
		At:     t.clock.Now(),
		Debug:  true,
	})
}

// OnAction registers a handler for every accepted or sent action. The returned
// func unregisters it.
func (t *Transport) OnAction(h ActionHandler) func() {
	return t.actionHandlers.add(h)
}

// OnKind registers a handler for one action kind.
func (t *Transport) OnKind(kind events.Kind, h ActionHandler) func() {
	set, ok := t.kindHandlers[kind]
	if !ok {
		set = &handlerSet[ActionHandler]{}
		t.kindHandlers[kind] = set
	}
	return set.add(h)
}

// OnChat registers a handler for chat frames and unparseable frames.
func (t *Transport) OnChat(h ChatHandler) func() {
	return t.chatHandlers.add(h)
}

// OnHeartbeat registers a handler for remote heartbeats.
func (t *Transport) OnHeartbeat(h HeartbeatHandler) func() {
	return t.heartbeatHandlers.add(h)
}

// Log returns a copy of the action log, oldest first.
func (t *Transport) Log() []events.Action { return t.log.Entries() }

// Recent returns a copy of the newest n actions.
func (t *Transport) Recent(n int) []events.Action { return t.log.Tail(n) }

// Clock returns a copy of the local causal clock.
func (t *Transport) Clock() *clock.Clock { return t.vc.Clone() }

// Stats returns the counters.
func (t *Transport) Stats() Stats { return t.stats }

// PeerID returns the local peer id.
func (t *Transport) PeerID() string { return t.cfg.PeerID }

// ChannelID returns the group channel id.
func (t *Transport) ChannelID() string { return t.cfg.ChannelID }

// Close unsubscribes from the channel and drops every handler.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.actionHandlers = handlerSet[ActionHandler]{}
	t.kindHandlers = make(map[events.Kind]*handlerSet[ActionHandler])
	t.chatHandlers = handlerSet[ChatHandler]{}
	t.heartbeatHandlers = handlerSet[HeartbeatHandler]{}
	if t.sub != nil {
		if err := t.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("unsubscribe from %s: %w", t.cfg.ChannelID, err)
		}
	}
	t.logger.Info().Msg("transport closed")
	return nil
}
