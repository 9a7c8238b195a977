// Package authority implements the replicated turn state machine. Every peer
// runs one Authority per session; they converge because each applies the same
// deduplicated action stream.
package authority

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/turns/events"
	"github.com/mcdev12/tilesync/go/internal/turns/liveness"
	"github.com/mcdev12/tilesync/go/internal/turns/scheduler"
)

var (
	ErrInvalidIndex   = errors.New("participant index out of range")
	ErrNoParticipants = errors.New("no participants")
)

// Phase is the coarse state of the turn machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseActive    Phase = "active"
	PhaseSuspended Phase = "suspended"
)

// Defaults for Config.
const (
	DefaultTurnTimeout = 30 * time.Second
	DefaultGracePeriod = 5 * time.Second
	DefaultSendTimeout = 5 * time.Second
)

// Config holds the turn timers.
type Config struct {
	TurnTimeout time.Duration
	GracePeriod time.Duration
	// SendTimeout bounds each broadcast made from a timer callback.
	SendTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Broadcaster is what the authority needs from the action transport.
type Broadcaster interface {
	Send(ctx context.Context, p events.Payload) (events.Action, error)
	PeerID() string
}

// Liveness is what the authority needs from the liveness tracker.
type Liveness interface {
	IsConnected(peerID string) bool
}

type (
	// TurnChangeHandler is told the id of the player whose turn just began.
	TurnChangeHandler func(peerID string)
	// PhaseChangeHandler is told about every phase transition.
	PhaseChangeHandler func(phase Phase, reason events.Reason)
)

// Authority owns the TurnState of one session. Every method must be called
// from the session's scheduler goroutine.
type Authority struct {
	cfg    Config
	sched  *scheduler.Scheduler
	out    Broadcaster
	live   Liveness
	logger zerolog.Logger

	participants []string
	current      int
	phase        Phase

	turnTimer *scheduler.Timer
	turnGen   uint64

	graceTimer     *scheduler.Timer
	graceGen       uint64
	graceFor       string
	graceRemaining time.Duration

	turnHandlers  []TurnChangeHandler
	phaseHandlers []PhaseChangeHandler
	closed        bool
}

// New creates an idle authority over the given seating order.
func New(cfg Config, sched *scheduler.Scheduler, out Broadcaster, live Liveness, participants []string) *Authority {
	roster := make([]string, 0, len(participants))
	for _, p := range participants {
		if p != "" && !slices.Contains(roster, p) {
			roster = append(roster, p)
		}
	}
	return &Authority{
		cfg:   cfg.normalized(),
		sched: sched,
		out:   out,
		live:  live,
		logger: log.With().
			Str("component", "authority").
			Str("peer_id", out.PeerID()).
			Logger(),
		participants: roster,
		phase:        PhaseIdle,
	}
}

// StartTurn makes participants[index] current, broadcasts turn_start and arms
// the turn timer.
func (a *Authority) StartTurn(index int) error {
	if len(a.participants) == 0 {
		return ErrNoParticipants
	}
	if index < 0 || index >= len(a.participants) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidIndex, index, len(a.participants))
	}
	a.startTurn(index, true)
	return nil
}

// AdvanceTurn passes the turn to the next connected participant. The rules
// engine calls it when a turn ends normally.
func (a *Authority) AdvanceTurn() {
	if a.phase != PhaseActive {
		a.logger.Debug().Str("phase", string(a.phase)).Msg("ignoring advance outside an active game")
		return
	}
	a.advance(true)
}

func (a *Authority) startTurn(index int, broadcast bool) {
	a.cancelGrace()
	a.stopTurnTimer()

	prevPlayer, prevPhase := a.currentPlayer(), a.phase
	a.current = index
	player := a.participants[index]
	a.setPhase(PhaseActive, "")

	if broadcast {
		a.send(events.TurnStart{CurrentPlayer: player})
	}
	a.armTurnTimer(a.cfg.TurnTimeout)

	a.logger.Info().
		Str("player", player).
		Int("index", index).
		Bool("local", broadcast).
		Msg("turn started")
	if broadcast || player != prevPlayer || prevPhase != PhaseActive {
		a.notifyTurn(player)
	}
}

// advance scans n candidates starting after the current player; the current
// player is the last candidate.
func (a *Authority) advance(broadcast bool) {
	next := a.nextConnected(a.current)
	if next < 0 {
		a.suspend(events.ReasonAllDisconnected, broadcast)
		return
	}
	a.startTurn(next, broadcast)
}

func (a *Authority) nextConnected(from int) int {
	n := len(a.participants)
	for i := 1; i <= n; i++ {
		idx := (from + i) % n
		if a.live.IsConnected(a.participants[idx]) {
			return idx
		}
	}
	return -1
}

func (a *Authority) armTurnTimer(d time.Duration) {
	a.stopTurnTimer()
	a.turnGen++
	gen, player := a.turnGen, a.currentPlayer()
	a.turnTimer = a.sched.AfterFunc(d, func() { a.onTurnTimeout(gen, player) })
}

func (a *Authority) stopTurnTimer() {
	a.turnTimer.Stop()
	a.turnTimer = nil
}

func (a *Authority) onTurnTimeout(gen uint64, player string) {
	if gen != a.turnGen || a.phase != PhaseActive || a.currentPlayer() != player {
		a.logger.Debug().Str("player", player).Msg("ignoring stale turn timer")
		return
	}
	a.turnTimer = nil
	a.logger.Info().Str("player", player).Msg("turn timed out")
	a.send(events.AutoPass{PassedPlayer: player, Reason: events.ReasonTimeout})
	a.advance(true)
}

// HandlePeerStatus reacts to liveness flips.
func (a *Authority) HandlePeerStatus(peerID string, status liveness.Status) {
	if a.closed || a.phase != PhaseActive {
		return
	}
	switch status {
	case liveness.StatusDisconnected:
		if a.allDisconnected() {
			a.suspend(events.ReasonAllDisconnected, true)
			return
		}
		if peerID != a.currentPlayer() || a.graceTimer != nil {
			return
		}
		a.graceRemaining = a.turnTimer.Remaining()
		a.stopTurnTimer()
		a.graceGen++
		gen := a.graceGen
		a.graceFor = peerID
		a.graceTimer = a.sched.AfterFunc(a.cfg.GracePeriod, func() { a.onGraceExpired(gen, peerID) })
		a.logger.Info().
			Str("player", peerID).
			Dur("grace", a.cfg.GracePeriod).
			Dur("turn_left", a.graceRemaining).
			Msg("current player disconnected, grace period started")

	case liveness.StatusConnected:
		if a.graceTimer == nil || peerID != a.graceFor {
			return
		}
		left := a.graceRemaining
		a.cancelGrace()
		if left <= 0 {
			left = a.cfg.TurnTimeout
		}
		a.armTurnTimer(left)
		a.logger.Info().
			Str("player", peerID).
			Dur("turn_left", left).
			Msg("current player reconnected within grace")
	}
}

func (a *Authority) cancelGrace() {
	a.graceTimer.Stop()
	a.graceTimer = nil
	a.graceFor = ""
	a.graceRemaining = 0
}

func (a *Authority) onGraceExpired(gen uint64, player string) {
	if gen != a.graceGen || a.graceTimer == nil || a.phase != PhaseActive || a.currentPlayer() != player {
		a.logger.Debug().Str("player", player).Msg("ignoring stale grace timer")
		return
	}
	a.graceTimer = nil
	a.graceFor = ""

	if a.live.IsConnected(player) {
		a.armTurnTimer(a.cfg.TurnTimeout)
		return
	}
	next := a.nextConnected(a.current)
	if next < 0 {
		a.suspend(events.ReasonAllDisconnected, true)
		return
	}
	a.logger.Info().
		Str("from", player).
		Str("next", a.participants[next]).
		Msg("grace expired, handing off turn")
	a.send(events.EmergencyHandoff{
		FromPlayer: player,
		Reason:     events.ReasonDisconnection,
		NextPlayer: a.participants[next],
	})
	a.startTurn(next, true)
}

func (a *Authority) allDisconnected() bool {
	for _, p := range a.participants {
		if a.live.IsConnected(p) {
			return false
		}
	}
	return true
}

// Suspend stops turn progression on an explicit request and broadcasts
// game_suspended once.
func (a *Authority) Suspend(reason events.Reason) {
	if reason == "" {
		reason = events.ReasonAdminRequest
	}
	a.suspend(reason, true)
}

func (a *Authority) suspend(reason events.Reason, broadcast bool) {
	if a.phase == PhaseSuspended {
		return
	}
	a.cancelGrace()
	a.stopTurnTimer()
	a.setPhase(PhaseSuspended, reason)
	a.logger.Warn().Str("reason", string(reason)).Bool("local", broadcast).Msg("game suspended")
	if broadcast {
		a.send(events.GameSuspended{Reason: reason})
	}
}

// Resume broadcasts game_resumed and restarts the current turn. It is the
// external trigger that ends a suspension.
func (a *Authority) Resume() error {
	if a.phase != PhaseSuspended {
		return nil
	}
	if len(a.participants) == 0 {
		return ErrNoParticipants
	}
	a.send(events.GameResumed{})
	a.resume(true)
	return nil
}

func (a *Authority) resume(local bool) {
	if a.phase != PhaseSuspended || len(a.participants) == 0 {
		return
	}
	if a.current >= len(a.participants) {
		a.current = 0
	}
	a.logger.Info().Bool("local", local).Msg("game resumed")
	a.startTurn(a.current, local)
}

// HandleAction applies an action from the transport. Actions this peer
// authored were applied when they were sent, except game_resumed which an
// outside collaborator may send directly.
func (a *Authority) HandleAction(act events.Action) {
	if a.closed {
		return
	}
	local := act.Origin == a.out.PeerID()
	if local && act.Kind() != events.KindGameResumed {
		return
	}

	switch p := act.Payload.(type) {
	case events.TurnStart:
		idx := a.indexOf(p.CurrentPlayer)
		if idx < 0 {
			a.logger.Warn().Str("player", p.CurrentPlayer).Str("origin", act.Origin).Msg("turn_start for unknown participant")
			return
		}
		a.startTurn(idx, false)

	case events.AutoPass:
		if !a.isCurrent(p.PassedPlayer) {
			a.logger.Debug().Str("player", p.PassedPlayer).Msg("ignoring stale auto_pass")
			return
		}
		a.advance(false)

	case events.EmergencyHandoff:
		if !a.isCurrent(p.FromPlayer) {
			a.logger.Debug().Str("player", p.FromPlayer).Msg("ignoring stale emergency_handoff")
			return
		}
		if idx := a.indexOf(p.NextPlayer); idx >= 0 {
			a.startTurn(idx, false)
			return
		}
		a.advance(false)

	case events.GameSuspended:
		a.suspend(p.Reason, false)

	case events.GameResumed:
		a.resume(local)

	case events.Gameplay:
		// Rules-engine actions do not move turns by themselves.

	default:
		a.logger.Warn().Str("kind", string(act.Kind())).Msg("unhandled action payload")
	}
}

func (a *Authority) isCurrent(player string) bool {
	return a.phase == PhaseActive && a.currentPlayer() == player
}

// AddParticipant appends a player to the seating order.
func (a *Authority) AddParticipant(peerID string) {
	if peerID == "" || a.indexOf(peerID) >= 0 {
		return
	}
	a.participants = append(a.participants, peerID)
	a.logger.Info().Str("player", peerID).Int("seats", len(a.participants)).Msg("participant added")
}

// RemoveParticipant drops a player. Removing the current player advances
// immediately; removing an earlier seat keeps the current player in place.
func (a *Authority) RemoveParticipant(peerID string) {
	idx := a.indexOf(peerID)
	if idx < 0 {
		return
	}
	wasCurrent := idx == a.current
	a.participants = slices.Delete(a.participants, idx, idx+1)
	a.logger.Info().Str("player", peerID).Int("seats", len(a.participants)).Msg("participant removed")

	if len(a.participants) == 0 {
		a.cancelGrace()
		a.stopTurnTimer()
		a.current = 0
		a.setPhase(PhaseIdle, "")
		return
	}

	switch {
	case wasCurrent && a.phase == PhaseActive:
		// advance scans from the seat after current, which is the seat that
		// moved into idx.
		a.current = (idx - 1 + len(a.participants)) % len(a.participants)
		a.advance(true)
	case wasCurrent:
		// Not running: the seat that moved into idx holds the turn when play
		// starts again.
		a.current = idx % len(a.participants)
	case idx < a.current:
		a.current--
	}
}

// SetTurnTimeout changes the timeout used from the next armed turn timer.
func (a *Authority) SetTurnTimeout(d time.Duration) {
	if d > 0 {
		a.cfg.TurnTimeout = d
	}
}

// IsTurn reports whether peerID holds the turn in an active game.
func (a *Authority) IsTurn(peerID string) bool {
	return a.isCurrent(peerID)
}

// CurrentPlayer returns the player at the current index.
func (a *Authority) CurrentPlayer() (string, bool) {
	p := a.currentPlayer()
	return p, p != ""
}

func (a *Authority) currentPlayer() string {
	if a.current < 0 || a.current >= len(a.participants) {
		return ""
	}
	return a.participants[a.current]
}

// CurrentIndex returns the current seat index.
func (a *Authority) CurrentIndex() int { return a.current }

// Participants returns a copy of the seating order.
func (a *Authority) Participants() []string { return slices.Clone(a.participants) }

// Phase returns the machine phase.
func (a *Authority) Phase() Phase { return a.phase }

// TurnRemaining returns the time left on the turn timer.
func (a *Authority) TurnRemaining() time.Duration { return a.turnTimer.Remaining() }

// InGrace reports whether a grace timer is running for the current player.
func (a *Authority) InGrace() bool { return a.graceTimer != nil }

// OnTurnChange registers a handler called whenever a new turn begins.
func (a *Authority) OnTurnChange(h TurnChangeHandler) {
	a.turnHandlers = append(a.turnHandlers, h)
}

// OnPhaseChange registers a handler called on every phase transition.
func (a *Authority) OnPhaseChange(h PhaseChangeHandler) {
	a.phaseHandlers = append(a.phaseHandlers, h)
}

// Close cancels every timer and drops handlers.
func (a *Authority) Close() {
	a.cancelGrace()
	a.stopTurnTimer()
	a.turnHandlers = nil
	a.phaseHandlers = nil
	a.closed = true
}

func (a *Authority) setPhase(p Phase, reason events.Reason) {
	if a.phase == p {
		return
	}
	a.phase = p
	for _, h := range slices.Clone(a.phaseHandlers) {
		h(p, reason)
	}
}

func (a *Authority) notifyTurn(player string) {
	for _, h := range slices.Clone(a.turnHandlers) {
		h(player)
	}
}

func (a *Authority) indexOf(peerID string) int {
	return slices.Index(a.participants, peerID)
}

func (a *Authority) send(p events.Payload) {
	if a.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	defer cancel()
	if _, err := a.out.Send(ctx, p); err != nil {
		a.logger.Error().Err(err).Str("kind", string(p.Kind())).Msg("broadcast failed")
	}
}
