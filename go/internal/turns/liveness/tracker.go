// Package liveness decides per peer whether it counts as connected for turn
// assignment, from periodic heartbeats rather than channel connection events.
package liveness

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/turns/scheduler"
)

// Status is a peer's liveness as seen locally.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Defaults for Config.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultCheckInterval     = 10 * time.Second
	DefaultStaleAfter        = 15 * time.Second
)

// Config holds the heartbeat cadence.
type Config struct {
	LocalPeerID       string
	HeartbeatInterval time.Duration
	CheckInterval     time.Duration
	StaleAfter        time.Duration
}

func (c Config) normalized() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	return c
}

// PeerRecord is the bookkeeping for one peer.
type PeerRecord struct {
	PeerID          string
	Status          Status
	LastHeartbeatAt time.Time
}

// StatusHandler is told about every status flip.
type StatusHandler func(peerID string, status Status)

// Tracker keeps PeerRecords and reports flips. It is driven by the session
// scheduler and must only be used from that loop.
type Tracker struct {
	cfg    Config
	sched  *scheduler.Scheduler
	logger zerolog.Logger

	peers    map[string]*PeerRecord
	handlers []handlerEntry
	nextID   uint64

	beat       func()
	beatTimer  *scheduler.Timer
	checkTimer *scheduler.Timer
}

type handlerEntry struct {
	id uint64
	fn StatusHandler
}

// New creates a tracker. The local peer is registered as connected.
func New(cfg Config, sched *scheduler.Scheduler) *Tracker {
	cfg = cfg.normalized()
	t := &Tracker{
		cfg:   cfg,
		sched: sched,
		logger: log.With().
			Str("component", "liveness").
			Str("peer_id", cfg.LocalPeerID).
			Logger(),
		peers: make(map[string]*PeerRecord),
	}
	if cfg.LocalPeerID != "" {
		t.AddPeer(cfg.LocalPeerID)
	}
	return t
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

// AddPeer registers a peer as connected with a fresh heartbeat. Known peers
// are left alone.
func (t *Tracker) AddPeer(peerID string) {
	if _, ok := t.peers[peerID]; ok {
		return
	}
	t.peers[peerID] = &PeerRecord{
		PeerID:          peerID,
		Status:          StatusConnected,
		LastHeartbeatAt: t.sched.Now(),
	}
	t.logger.Debug().Str("peer", peerID).Msg("peer added")
}

// RemovePeer forgets a peer without firing callbacks.
func (t *Tracker) RemovePeer(peerID string) {
	delete(t.peers, peerID)
}

// RecordHeartbeat notes that the peer was alive at the given time. A
// disconnected peer flips back to connected and handlers are told. Unknown
// peers are registered silently.
func (t *Tracker) RecordHeartbeat(peerID string, at time.Time) {
	rec, ok := t.peers[peerID]
	if !ok {
		t.peers[peerID] = &PeerRecord{PeerID: peerID, Status: StatusConnected, LastHeartbeatAt: at}
		t.logger.Info().Str("peer", peerID).Msg("registered unknown peer from heartbeat")
		return
	}
	if at.After(rec.LastHeartbeatAt) {
		rec.LastHeartbeatAt = at
	}
	if rec.Status == StatusDisconnected {
		rec.Status = StatusConnected
		t.logger.Info().Str("peer", peerID).Msg("peer reconnected")
		t.notify(peerID, StatusConnected)
	}
}

// Touch records a heartbeat at the current time.
func (t *Tracker) Touch(peerID string) {
	t.RecordHeartbeat(peerID, t.sched.Now())
}

// Check flips every connected peer whose last heartbeat is older than
// StaleAfter to disconnected. Peers are visited in id order.
func (t *Tracker) Check() {
	now := t.sched.Now()
	for _, id := range t.sortedIDs() {
		rec, ok := t.peers[id]
		if !ok || rec.Status != StatusConnected {
			continue
		}
		if now.Sub(rec.LastHeartbeatAt) > t.cfg.StaleAfter {
			rec.Status = StatusDisconnected
			t.logger.Info().
				Str("peer", id).
				Dur("silent_for", now.Sub(rec.LastHeartbeatAt)).
				Msg("peer disconnected")
			t.notify(id, StatusDisconnected)
		}
	}
}

// Start self-reports the local heartbeat now and every HeartbeatInterval,
// calling beat to publish it, and runs Check every CheckInterval.
func (t *Tracker) Start(beat func()) {
	t.Stop()
	t.beat = beat
	t.selfBeat()
	t.beatTimer = t.sched.Every(t.cfg.HeartbeatInterval, t.selfBeat)
	t.checkTimer = t.sched.Every(t.cfg.CheckInterval, t.Check)
	t.logger.Debug().
		Dur("heartbeat_interval", t.cfg.HeartbeatInterval).
		Dur("check_interval", t.cfg.CheckInterval).
		Dur("stale_after", t.cfg.StaleAfter).
		Msg("liveness started")
}

func (t *Tracker) selfBeat() {
	if t.cfg.LocalPeerID != "" {
		t.Touch(t.cfg.LocalPeerID)
	}
	if t.beat != nil {
		t.beat()
	}
}

// Stop cancels the heartbeat and check timers.
func (t *Tracker) Stop() {
	t.beatTimer.Stop()
	t.checkTimer.Stop()
	t.beatTimer, t.checkTimer = nil, nil
}

// Close stops the timers and drops all handlers.
func (t *Tracker) Close() {
	t.Stop()
	t.handlers = nil
}

// Status returns the peer's status.
func (t *Tracker) Status(peerID string) (Status, bool) {
	rec, ok := t.peers[peerID]
	if !ok {
		return "", false
	}
	return rec.Status, true
}

// IsConnected reports whether the peer is known and connected.
func (t *Tracker) IsConnected(peerID string) bool {
	s, ok := t.Status(peerID)
	return ok && s == StatusConnected
}

// Peers returns copies of all records in id order.
func (t *Tracker) Peers() []PeerRecord {
	out := make([]PeerRecord, 0, len(t.peers))
	for _, id := range t.sortedIDs() {
		out = append(out, *t.peers[id])
	}
	return out
}

// OnStatusChange registers a handler and returns its removal func.
func (t *Tracker) OnStatusChange(h StatusHandler) func() {
	t.nextID++
	id := t.nextID
	t.handlers = append(t.handlers, handlerEntry{id: id, fn: h})
	return func() {
		for i, e := range t.handlers {
			if e.id == id {
				t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
				return
			}
		}
	}
}

func (t *Tracker) notify(peerID string, status Status) {
	handlers := append([]handlerEntry(nil), t.handlers...)
	for _, h := range handlers {
		h.fn(peerID, status)
	}
}

func (t *Tracker) sortedIDs() []string {
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
