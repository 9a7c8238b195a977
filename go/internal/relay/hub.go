// Package relay is a WebSocket fan-out server that acts as a group channel,
// plus the client Channel that talks to it.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Frame is what the relay sends to subscribers: the publishing peer and the
// raw channel payload.
type Frame struct {
	Sender string `json:"sender"`
	Data   string `json:"data"`
}

// HubConfig holds configuration for WebSocket connections
type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	BroadcastBuffer int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultHubConfig returns the settings used by the relay binary.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		SendBuffer:      256,
		BroadcastBuffer: 1000,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

type broadcast struct {
	channelID string
	from      *conn
	data      []byte
}

// Hub owns every connection, grouped by channel id. Relaying is best effort:
// a full broadcast queue drops the message and a subscriber whose send buffer
// is full is disconnected.
type Hub struct {
	cfg      HubConfig
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	channels map[string]map[*conn]bool

	broadcastCh chan broadcast

	relayed atomic.Int64
	dropped atomic.Int64
}

type conn struct {
	id          string
	peerID      string
	channelID   string
	ws          *websocket.Conn
	send        chan []byte
	hub         *Hub
	connectedAt time.Time
}

// NewHub creates a hub. Call Start before upgrading connections.
func NewHub(cfg HubConfig) *Hub {
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		channels:    make(map[string]map[*conn]bool),
		broadcastCh: make(chan broadcast, cfg.BroadcastBuffer),
	}
}

// Start processes broadcasts until ctx is done.
func (h *Hub) Start(ctx context.Context) {
	log.Info().Msg("relay hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			log.Info().Msg("relay hub shutting down")
			return
		case b := <-h.broadcastCh:
			h.fanOut(b)
		}
	}
}

// Upgrade turns the request into a subscriber of channelID.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, channelID, peerID string) error {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}
	c := &conn{
		id:          uuid.NewString(),
		peerID:      peerID,
		channelID:   channelID,
		ws:          ws,
		send:        make(chan []byte, h.cfg.SendBuffer),
		hub:         h,
		connectedAt: time.Now(),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.id).
		Str("peer_id", peerID).
		Str("channel_id", channelID).
		Msg("relay connection established")
	return nil
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[c.channelID] == nil {
		h.channels[c.channelID] = make(map[*conn]bool)
	}
	h.channels[c.channelID][c] = true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.channels[c.channelID]
	if !ok || !conns[c] {
		return
	}
	delete(conns, c)
	close(c.send)
	if len(conns) == 0 {
		delete(h.channels, c.channelID)
	}
	log.Info().
		Str("connection_id", c.id).
		Str("peer_id", c.peerID).
		Str("channel_id", c.channelID).
		Dur("connected_for", time.Since(c.connectedAt)).
		Msg("relay connection closed")
}

func (h *Hub) enqueue(b broadcast) {
	select {
	case h.broadcastCh <- b:
	default:
		h.dropped.Add(1)
		log.Warn().Str("channel_id", b.channelID).Msg("broadcast queue full, dropping message")
	}
}

func (h *Hub) fanOut(b broadcast) {
	frame, err := json.Marshal(Frame{Sender: b.from.peerID, Data: string(b.data)})
	if err != nil {
		log.Error().Err(err).Msg("failed to encode relay frame")
		return
	}

	// Sends happen under the read lock so unregister cannot close a send
	// channel mid-broadcast.
	var slow []*conn
	h.mu.RLock()
	for c := range h.channels[b.channelID] {
		if c == b.from {
			continue
		}
		select {
		case c.send <- frame:
			h.relayed.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn().
			Str("connection_id", c.id).
			Str("peer_id", c.peerID).
			Msg("connection send buffer full, closing connection")
		h.unregister(c)
		c.ws.Close()
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	var all []*conn
	for _, conns := range h.channels {
		for c := range conns {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range all {
		h.unregister(c)
	}
}

// Stats summarizes the hub.
type Stats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveChannels   int            `json:"active_channels"`
	Channels         map[string]int `json:"channels"`
	Relayed          int64          `json:"relayed"`
	Dropped          int64          `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := Stats{
		ActiveChannels: len(h.channels),
		Channels:       make(map[string]int, len(h.channels)),
		Relayed:        h.relayed.Load(),
		Dropped:        h.dropped.Load(),
	}
	for id, conns := range h.channels {
		s.Channels[id] = len(conns)
		s.TotalConnections += len(conns)
	}
	return s
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to write relay frame")
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("connection_id", c.id).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("unexpected WebSocket close error")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.ReadTimeout))
		c.hub.enqueue(broadcast{channelID: c.channelID, from: c, data: msg})
	}
}
