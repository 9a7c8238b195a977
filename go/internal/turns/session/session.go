// Package session assembles one transport, liveness tracker and turn authority
// around a single scheduler loop for one peer in one game.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/settings"
	"github.com/mcdev12/tilesync/go/internal/turns/authority"
	"github.com/mcdev12/tilesync/go/internal/turns/events"
	"github.com/mcdev12/tilesync/go/internal/turns/liveness"
	"github.com/mcdev12/tilesync/go/internal/turns/scheduler"
	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

const closeTimeout = 5 * time.Second

// ErrNotParticipant is returned when removing a peer that holds no seat.
var ErrNotParticipant = errors.New("not a participant")

// Session owns the per-game components of one peer. Methods other than Run,
// Do, Close and the immutable accessors must run on the session loop: call
// them through Do once Run has started.
type Session struct {
	cfg    settings.Settings
	logger zerolog.Logger

	sched     *scheduler.Scheduler
	transport *transport.Transport
	tracker   *liveness.Tracker
	authority *authority.Authority

	running   atomic.Bool
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// New wires a session for cfg.PeerID on the channel named by cfg.SessionID.
func New(cfg settings.Settings, ch transport.Channel, clk clockwork.Clock) (*Session, error) {
	cfg, err := cfg.Normalized()
	if err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	sched := scheduler.New(clk)
	tr, err := transport.New(transport.Config{
		PeerID:          cfg.PeerID,
		ChannelID:       cfg.SessionID,
		LogCap:          cfg.LogCap,
		DedupeCacheSize: cfg.DedupeCacheSize,
		ChatPrefix:      cfg.ChatPrefix,
		Debug:           cfg.DebugMode,
	}, ch, clk)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	tracker := liveness.New(liveness.Config{
		LocalPeerID:       cfg.PeerID,
		HeartbeatInterval: cfg.HeartbeatInterval,
		CheckInterval:     cfg.HeartbeatCheckInterval,
		StaleAfter:        cfg.StaleAfter,
	}, sched)
	auth := authority.New(authority.Config{
		TurnTimeout: cfg.TurnTimeout,
		GracePeriod: cfg.GracePeriod,
		SendTimeout: cfg.SendTimeout,
	}, sched, tr, tracker, cfg.Participants)

	s := &Session{
		cfg: cfg,
		logger: log.With().
			Str("component", "session").
			Str("peer_id", cfg.PeerID).
			Str("session_id", cfg.SessionID).
			Logger(),
		sched:     sched,
		transport: tr,
		tracker:   tracker,
		authority: auth,
	}

	for _, p := range cfg.Participants {
		tr.AddPeer(p)
		tracker.AddPeer(p)
	}

	tr.OnAction(s.onAction)
	tr.OnHeartbeat(s.onHeartbeat)
	tracker.OnStatusChange(auth.HandlePeerStatus)
	return s, nil
}

// onAction counts any live action as a sign of life from its origin. Actions
// replayed from stored history say nothing about who is here now.
func (s *Session) onAction(a events.Action) {
	if a.Origin != s.cfg.PeerID && !a.Replayed {
		s.tracker.Touch(a.Origin)
	}
	s.authority.HandleAction(a)
}

// onHeartbeat records the delivery at local time. The sender's own timestamp
// is only logged; peers' wall clocks are not comparable.
func (s *Session) onHeartbeat(peerID string, sentAt time.Time) {
	s.logger.Debug().Str("peer", peerID).Time("sent_at", sentAt).Msg("heartbeat")
	s.tracker.Touch(peerID)
}

// Start subscribes to the channel and begins heartbeating. Call it once,
// before Run or through Do.
func (s *Session) Start() error {
	if s.started {
		return nil
	}
	if err := s.transport.Attach(s.sched.Post); err != nil {
		return err
	}
	s.tracker.Start(s.beat)
	s.started = true
	s.logger.Info().
		Strs("participants", s.cfg.Participants).
		Str("transport", string(s.cfg.Transport)).
		Msg("session started")
	return nil
}

func (s *Session) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
	defer cancel()
	if err := s.transport.SendHeartbeat(ctx); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.logger.Warn().Err(err).Msg("heartbeat publish failed")
	}
}

// StartGame hands the first turn to participants[index].
func (s *Session) StartGame(index int) error {
	return s.authority.StartTurn(index)
}

// Run drives the session loop until ctx is done or the session is closed.
func (s *Session) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)
	return s.sched.Run(ctx)
}

// Do runs fn on the session loop and waits for it.
func (s *Session) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.sched.Post(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Chat sends a human-readable message to the group.
func (s *Session) Chat(ctx context.Context, text string) error {
	return s.transport.SendChat(ctx, text)
}

// Act broadcasts a rules-engine action.
func (s *Session) Act(ctx context.Context, name events.Kind, body any) (events.Action, error) {
	g, err := events.NewGameplay(name, body)
	if err != nil {
		return events.Action{}, err
	}
	return s.transport.Send(ctx, g)
}

// EndTurn passes the turn on when this peer holds it.
func (s *Session) EndTurn() bool {
	if !s.authority.IsTurn(s.cfg.PeerID) {
		return false
	}
	s.authority.AdvanceTurn()
	return true
}

// AddParticipant seats a new player at the end of the order. The peer joins
// the local clock and counts as connected from now, so it is eligible for the
// next turn before its first heartbeat arrives.
func (s *Session) AddParticipant(peerID string) error {
	if peerID == "" {
		return errors.New("participant id is required")
	}
	s.transport.AddPeer(peerID)
	s.tracker.AddPeer(peerID)
	s.tracker.Touch(peerID)
	s.authority.AddParticipant(peerID)
	s.logger.Info().Str("player", peerID).Msg("participant joined")
	return nil
}

// RemoveParticipant takes a player out of the seating order and forgets its
// liveness record and clock entry. The local peer keeps its own clock and
// liveness record when it gives up its seat.
func (s *Session) RemoveParticipant(peerID string) error {
	if peerID == "" {
		return errors.New("participant id is required")
	}
	if !slices.Contains(s.authority.Participants(), peerID) {
		return fmt.Errorf("%s is not seated: %w", peerID, ErrNotParticipant)
	}
	s.authority.RemoveParticipant(peerID)
	if peerID != s.cfg.PeerID {
		s.tracker.RemovePeer(peerID)
		s.transport.RemovePeer(peerID)
	}
	s.logger.Info().Str("player", peerID).Msg("participant left")
	return nil
}

// Status is a point-in-time view of the session for display.
type Status struct {
	SessionID     string
	PeerID        string
	Phase         authority.Phase
	CurrentPlayer string
	MyTurn        bool
	TurnRemaining time.Duration
	InGrace       bool
	Participants  []string
	Peers         []liveness.PeerRecord
	Clock         string
	LogLen        int
	Stats         transport.Stats
}

// Status snapshots the session state.
func (s *Session) Status() Status {
	current, _ := s.authority.CurrentPlayer()
	return Status{
		SessionID:     s.cfg.SessionID,
		PeerID:        s.cfg.PeerID,
		Phase:         s.authority.Phase(),
		CurrentPlayer: current,
		MyTurn:        s.authority.IsTurn(s.cfg.PeerID),
		TurnRemaining: s.authority.TurnRemaining(),
		InGrace:       s.authority.InGrace(),
		Participants:  s.authority.Participants(),
		Peers:         s.tracker.Peers(),
		Clock:         s.transport.Clock().String(),
		LogLen:        len(s.transport.Log()),
		Stats:         s.transport.Stats(),
	}
}

// ID returns the session id, which is also the channel id.
func (s *Session) ID() string { return s.cfg.SessionID }

// PeerID returns the local peer id.
func (s *Session) PeerID() string { return s.cfg.PeerID }

// Settings returns the configuration the session was built with. Roster
// changes after New are visible through Authority().Participants().
func (s *Session) Settings() settings.Settings { return s.cfg }

// Scheduler returns the session loop.
func (s *Session) Scheduler() *scheduler.Scheduler { return s.sched }

// Transport returns the action transport.
func (s *Session) Transport() *transport.Transport { return s.transport }

// Tracker returns the liveness tracker.
func (s *Session) Tracker() *liveness.Tracker { return s.tracker }

// Authority returns the turn authority.
func (s *Session) Authority() *authority.Authority { return s.authority }

// Close cancels every timer, unsubscribes and stops the loop. It is safe to
// call from any goroutine, but not from the loop itself while Run is active.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.running.Load() {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := s.Do(ctx, func() { s.closeErr = s.teardown() }); err != nil {
				s.closeErr = fmt.Errorf("close session %s: %w", s.cfg.SessionID, err)
			}
		} else {
			s.closeErr = s.teardown()
		}
		s.sched.Stop()
		s.logger.Info().Msg("session closed")
	})
	return s.closeErr
}

func (s *Session) teardown() error {
	s.tracker.Close()
	s.authority.Close()
	return s.transport.Close()
}
