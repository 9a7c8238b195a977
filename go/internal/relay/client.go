package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

var errClientClosed = errors.New("relay client closed")

// ClientConfig configures a relay Client.
type ClientConfig struct {
	// BaseURL is the relay root, e.g. ws://localhost:8090.
	BaseURL       string
	PeerID        string
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	ReconnectWait time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// Client is a transport.Channel over the relay. It keeps one WebSocket per
// channel id, dialled on first use and redialled after a drop while a
// subscription is active.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex
	links  map[string]*link
	closed bool
}

var _ transport.Channel = (*Client)(nil)

type link struct {
	channelID string
	wmu       sync.Mutex
	ws        *websocket.Conn
	handlers  []transport.MessageFunc
	done      chan struct{}
}

// NewClient validates cfg and returns a Client for peer cfg.PeerID. It does
// not dial until the first Publish or Subscribe.
func NewClient(cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.PeerID == "" {
		return nil, errors.New("relay client: peer id is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("relay url scheme %q is not ws or wss", u.Scheme)
	}
	cfg.BaseURL = strings.TrimRight(u.String(), "/")

	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: log.With().Str("component", "relay_client").Str("peer_id", cfg.PeerID).Logger(),
		links:  make(map[string]*link),
	}, nil
}

func (c *Client) endpoint(channelID string) string {
	return c.cfg.BaseURL + "/ws/" + url.PathEscape(channelID) + "?peer=" + url.QueryEscape(c.cfg.PeerID)
}

func (c *Client) dial(ctx context.Context, channelID string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ws, _, err := c.dialer.DialContext(ctx, c.endpoint(channelID), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	return ws, nil
}

// linkFor returns the live link for channelID, dialling when needed.
func (c *Client) linkFor(ctx context.Context, channelID string) (*link, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClientClosed
	}
	if l, ok := c.links[channelID]; ok {
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	ws, err := c.dial(ctx, channelID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ws.Close()
		return nil, errClientClosed
	}
	if l, ok := c.links[channelID]; ok {
		ws.Close()
		return l, nil
	}
	l := &link{channelID: channelID, ws: ws, done: make(chan struct{})}
	c.links[channelID] = l
	go c.readLoop(l)
	c.logger.Info().Str("channel_id", channelID).Msg("connected to relay")
	return l, nil
}

func (c *Client) Publish(ctx context.Context, channelID string, data []byte) error {
	l, err := c.linkFor(ctx, channelID)
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.ws == nil {
		return errors.New("relay connection is down")
	}
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.ws.SetWriteDeadline(deadline)
	if err := l.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to relay: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(channelID string, fn transport.MessageFunc) (transport.Subscription, error) {
	l, err := c.linkFor(context.Background(), channelID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	l.handlers = append(l.handlers, fn)
	idx := len(l.handlers) - 1
	c.mu.Unlock()

	return transport.SubscriptionFunc(func() error {
		c.mu.Lock()
		if idx < len(l.handlers) {
			l.handlers[idx] = nil
		}
		active := 0
		for _, h := range l.handlers {
			if h != nil {
				active++
			}
		}
		c.mu.Unlock()
		if active == 0 {
			return c.drop(l)
		}
		return nil
	}), nil
}

func (c *Client) handlersOf(l *link) []transport.MessageFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.MessageFunc, 0, len(l.handlers))
	for _, h := range l.handlers {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

func (c *Client) readLoop(l *link) {
	for {
		l.wmu.Lock()
		ws := l.ws
		l.wmu.Unlock()

		if ws != nil {
			for {
				_, msg, err := ws.ReadMessage()
				if err != nil {
					c.logger.Debug().Err(err).Str("channel_id", l.channelID).Msg("relay read ended")
					break
				}
				var f Frame
				if err := json.Unmarshal(msg, &f); err != nil {
					c.logger.Warn().Err(err).Msg("bad relay frame")
					continue
				}
				for _, h := range c.handlersOf(l) {
					h([]byte(f.Data), f.Sender)
				}
			}
			ws.Close()
			l.wmu.Lock()
			l.ws = nil
			l.wmu.Unlock()
		}

		select {
		case <-l.done:
			return
		case <-time.After(c.cfg.ReconnectWait):
		}
		ws, err := c.dial(context.Background(), l.channelID)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel_id", l.channelID).Msg("relay reconnect failed")
			continue
		}
		l.wmu.Lock()
		select {
		case <-l.done:
			l.wmu.Unlock()
			ws.Close()
			return
		default:
		}
		l.ws = ws
		l.wmu.Unlock()
		c.logger.Info().Str("channel_id", l.channelID).Msg("reconnected to relay")
	}
}

func (c *Client) drop(l *link) error {
	c.mu.Lock()
	if c.links[l.channelID] == l {
		delete(c.links, l.channelID)
	}
	c.mu.Unlock()
	return l.close()
}

func (l *link) close() error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	select {
	case <-l.done:
		return nil
	default:
		close(l.done)
	}
	if l.ws == nil {
		return nil
	}
	l.ws.SetWriteDeadline(time.Now().Add(time.Second))
	l.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return l.ws.Close()
}

// Close tears down every link.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	links := c.links
	c.links = make(map[string]*link)
	c.mu.Unlock()

	var errs []error
	for _, l := range links {
		if err := l.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
