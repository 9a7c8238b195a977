package events

import (
	"encoding/json"
	"fmt"
)

// Kind is the wire discriminator of an action.
type Kind string

const (
	KindTurnStart        Kind = "turn_start"
	KindAutoPass         Kind = "auto_pass"
	KindEmergencyHandoff Kind = "emergency_handoff"
	KindGameSuspended    Kind = "game_suspended"
	KindGameResumed      Kind = "game_resumed"
)

// IsCore reports whether k is one of the turn-coordination kinds.
func (k Kind) IsCore() bool {
	switch k {
	case KindTurnStart, KindAutoPass, KindEmergencyHandoff, KindGameSuspended, KindGameResumed:
		return true
	}
	return false
}

// Reason explains why a turn moved or the game stopped.
type Reason string

const (
	ReasonTimeout         Reason = "timeout"
	ReasonDisconnection   Reason = "disconnection"
	ReasonAllDisconnected Reason = "all_disconnected"
	ReasonAdminRequest    Reason = "admin_request"
)

// Payload is the closed set of action bodies. Implementations live in this
// package only.
type Payload interface {
	Kind() Kind
	validate() error
}

// TurnStart is the payload for a turn_start action
type TurnStart struct {
	CurrentPlayer string `json:"currentPlayer"`
}

// AutoPass is the payload for an auto_pass action
type AutoPass struct {
	PassedPlayer string `json:"passedPlayer"`
	Reason       Reason `json:"reason"`
}

// EmergencyHandoff is the payload for an emergency_handoff action
type EmergencyHandoff struct {
	FromPlayer string `json:"fromPlayer"`
	Reason     Reason `json:"reason"`
	NextPlayer string `json:"nextPlayer"`
}

// GameSuspended is the payload for a game_suspended action
type GameSuspended struct {
	Reason Reason `json:"reason"`
}

// GameResumed is the payload for a game_resumed action
type GameResumed struct{}

// Gameplay carries an action owned by the rules engine. Fields holds the
// kind-specific JSON fields untouched.
type Gameplay struct {
	Name   Kind
	Fields map[string]json.RawMessage
}

func (TurnStart) Kind() Kind        { return KindTurnStart }
func (AutoPass) Kind() Kind         { return KindAutoPass }
func (EmergencyHandoff) Kind() Kind { return KindEmergencyHandoff }
func (GameSuspended) Kind() Kind    { return KindGameSuspended }
func (GameResumed) Kind() Kind      { return KindGameResumed }
func (g Gameplay) Kind() Kind       { return g.Name }

func (p TurnStart) validate() error {
	if p.CurrentPlayer == "" {
		return fmt.Errorf("turn_start: missing currentPlayer")
	}
	return nil
}

func (p AutoPass) validate() error {
	if p.PassedPlayer == "" {
		return fmt.Errorf("auto_pass: missing passedPlayer")
	}
	if p.Reason != ReasonTimeout && p.Reason != ReasonDisconnection {
		return fmt.Errorf("auto_pass: invalid reason %q", p.Reason)
	}
	return nil
}

func (p EmergencyHandoff) validate() error {
	if p.FromPlayer == "" || p.NextPlayer == "" {
		return fmt.Errorf("emergency_handoff: missing fromPlayer or nextPlayer")
	}
	if p.Reason != ReasonDisconnection && p.Reason != ReasonTimeout {
		return fmt.Errorf("emergency_handoff: invalid reason %q", p.Reason)
	}
	return nil
}

func (p GameSuspended) validate() error {
	if p.Reason != ReasonAllDisconnected && p.Reason != ReasonAdminRequest {
		return fmt.Errorf("game_suspended: invalid reason %q", p.Reason)
	}
	return nil
}

func (GameResumed) validate() error { return nil }

func (g Gameplay) validate() error {
	if g.Name == "" {
		return fmt.Errorf("gameplay action without a name")
	}
	if g.Name.IsCore() {
		return fmt.Errorf("gameplay action cannot use reserved kind %q", g.Name)
	}
	for k := range g.Fields {
		if isEnvelopeField(k) {
			return fmt.Errorf("gameplay field %q collides with the envelope", k)
		}
	}
	return nil
}
