package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/tilesync/go/internal/settings"
	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Key addresses one peer's view of one session.
type Key struct {
	SessionID string
	PeerID    string
}

func (k Key) String() string { return k.SessionID + "/" + k.PeerID }

// Registry is the arena of live sessions. Collaborators hold Keys rather than
// session pointers.
type Registry struct {
	mu       sync.Mutex
	sessions map[Key]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[Key]*Session)}
}

// Create builds and registers a session. An empty SessionID gets a new uuid.
func (r *Registry) Create(cfg settings.Settings, ch transport.Channel, clk clockwork.Clock) (*Session, error) {
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	s, err := New(cfg, ch, clk)
	if err != nil {
		return nil, err
	}
	key := Key{SessionID: s.ID(), PeerID: s.PeerID()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, key)
	}
	r.sessions[key] = s
	return s, nil
}

// Get returns the session registered under key.
func (r *Registry) Get(key Key) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return s, nil
}

// Remove unregisters and closes the session.
func (r *Registry) Remove(key Key) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, key)
	}
	return s.Close()
}

// Keys lists registered sessions in order.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SessionID != keys[j].SessionID {
			return keys[i].SessionID < keys[j].SessionID
		}
		return keys[i].PeerID < keys[j].PeerID
	})
	return keys
}

// CloseAll closes and forgets every session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[Key]*Session)
	r.mu.Unlock()

	var errs []error
	for k, s := range all {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}
