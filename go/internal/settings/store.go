package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by Store.Load when nothing is saved for the peer.
var ErrNotFound = errors.New("settings not found")

// Store persists settings per peer.
type Store interface {
	Load(ctx context.Context, peerID string) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// Document is the storage form of Settings. Durations are strings such as
// "30s" so stored files stay readable.
type Document struct {
	PeerID       string   `json:"peer_id" yaml:"peer_id"`
	SessionID    string   `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	Participants []string `json:"participants,omitempty" yaml:"participants,omitempty"`

	TurnTimeout            string `json:"turn_timeout,omitempty" yaml:"turn_timeout,omitempty"`
	GracePeriod            string `json:"grace_period,omitempty" yaml:"grace_period,omitempty"`
	HeartbeatInterval      string `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
	HeartbeatCheckInterval string `json:"heartbeat_check_interval,omitempty" yaml:"heartbeat_check_interval,omitempty"`
	StaleAfter             string `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
	SendTimeout            string `json:"send_timeout,omitempty" yaml:"send_timeout,omitempty"`

	LogCap          int    `json:"log_cap,omitempty" yaml:"log_cap,omitempty"`
	DedupeCacheSize int    `json:"dedupe_cache_size,omitempty" yaml:"dedupe_cache_size,omitempty"`
	ChatPrefix      string `json:"chat_prefix,omitempty" yaml:"chat_prefix,omitempty"`
	DebugMode       bool   `json:"debug_mode,omitempty" yaml:"debug_mode,omitempty"`

	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
	NATSURL   string `json:"nats_url,omitempty" yaml:"nats_url,omitempty"`
	RelayURL  string `json:"relay_url,omitempty" yaml:"relay_url,omitempty"`
	LogLevel  string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

func formatDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}

// Document converts the settings to their storage form.
func (s Settings) Document() Document {
	return Document{
		PeerID:                 s.PeerID,
		SessionID:              s.SessionID,
		Participants:           s.Participants,
		TurnTimeout:            formatDuration(s.TurnTimeout),
		GracePeriod:            formatDuration(s.GracePeriod),
		HeartbeatInterval:      formatDuration(s.HeartbeatInterval),
		HeartbeatCheckInterval: formatDuration(s.HeartbeatCheckInterval),
		StaleAfter:             formatDuration(s.StaleAfter),
		SendTimeout:            formatDuration(s.SendTimeout),
		LogCap:                 s.LogCap,
		DedupeCacheSize:        s.DedupeCacheSize,
		ChatPrefix:             s.ChatPrefix,
		DebugMode:              s.DebugMode,
		Transport:              string(s.Transport),
		NATSURL:                s.NATSURL,
		RelayURL:               s.RelayURL,
		LogLevel:               s.LogLevel,
	}
}

// Settings parses the document and normalizes the result.
func (d Document) Settings() (Settings, error) {
	s := Settings{
		PeerID:          d.PeerID,
		SessionID:       d.SessionID,
		Participants:    d.Participants,
		LogCap:          d.LogCap,
		DedupeCacheSize: d.DedupeCacheSize,
		ChatPrefix:      d.ChatPrefix,
		DebugMode:       d.DebugMode,
		Transport:       TransportKind(d.Transport),
		NATSURL:         d.NATSURL,
		RelayURL:        d.RelayURL,
		LogLevel:        d.LogLevel,
	}
	for _, f := range []struct {
		name string
		raw  string
		into *time.Duration
	}{
		{"turn_timeout", d.TurnTimeout, &s.TurnTimeout},
		{"grace_period", d.GracePeriod, &s.GracePeriod},
		{"heartbeat_interval", d.HeartbeatInterval, &s.HeartbeatInterval},
		{"heartbeat_check_interval", d.HeartbeatCheckInterval, &s.HeartbeatCheckInterval},
		{"stale_after", d.StaleAfter, &s.StaleAfter},
		{"send_timeout", d.SendTimeout, &s.SendTimeout},
	} {
		if f.raw == "" {
			continue
		}
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return Settings{}, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.into = v
	}
	return s.Normalized()
}

// LoadOrSave returns the stored settings for s.PeerID, or saves s when none
// exist yet.
func LoadOrSave(ctx context.Context, store Store, s Settings) (Settings, error) {
	stored, err := store.Load(ctx, s.PeerID)
	switch {
	case err == nil:
		return stored, nil
	case errors.Is(err, ErrNotFound):
		if err := store.Save(ctx, s); err != nil {
			return Settings{}, fmt.Errorf("save settings for %s: %w", s.PeerID, err)
		}
		return s, nil
	default:
		return Settings{}, fmt.Errorf("load settings for %s: %w", s.PeerID, err)
	}
}

// MemoryStore keeps settings in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document)}
}

func (m *MemoryStore) Load(_ context.Context, peerID string) (Settings, error) {
	m.mu.Lock()
	doc, ok := m.docs[peerID]
	m.mu.Unlock()
	if !ok {
		return Settings{}, ErrNotFound
	}
	return doc.Settings()
}

func (m *MemoryStore) Save(_ context.Context, s Settings) error {
	if s.PeerID == "" {
		return errors.New("settings without a peer id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[s.PeerID] = s.Document()
	return nil
}
