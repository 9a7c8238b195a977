// Package events defines the game actions exchanged between peers and their
// wire encoding.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/tilesync/go/internal/turns/clock"
)

// ErrMalformedAction is wrapped by every Decode failure.
var ErrMalformedAction = errors.New("malformed action")

const (
	fieldAction      = "action"
	fieldPlayer      = "player"
	fieldTimestamp   = "timestamp"
	fieldVectorClock = "vectorClock"
)

func isEnvelopeField(name string) bool {
	switch name {
	case fieldAction, fieldPlayer, fieldTimestamp, fieldVectorClock:
		return true
	}
	return false
}

// Action is an immutable, clock-stamped game event.
type Action struct {
	Origin  string
	SentAt  time.Time
	Clock   *clock.Clock
	Payload Payload
	// Replayed is set by the receiving transport for actions that came from
	// stored history. It is never encoded.
	Replayed bool
}

// Kind returns the payload discriminator.
func (a Action) Kind() Kind {
	if a.Payload == nil {
		return ""
	}
	return a.Payload.Kind()
}

// Dot identifies an action by its origin and the origin's own counter at send
// time. Two deliveries with the same dot are the same action.
type Dot struct {
	Peer    string
	Counter uint64
}

func (d Dot) String() string {
	return fmt.Sprintf("%s#%d", d.Peer, d.Counter)
}

// Dot returns the identity of the action.
func (a Action) Dot() Dot {
	return Dot{Peer: a.Origin, Counter: a.Clock.Get(a.Origin)}
}

// Validate checks the envelope and the payload.
func (a Action) Validate() error {
	if a.Origin == "" {
		return fmt.Errorf("%w: missing player", ErrMalformedAction)
	}
	if a.Clock == nil {
		return fmt.Errorf("%w: missing vectorClock", ErrMalformedAction)
	}
	if a.Payload == nil {
		return fmt.Errorf("%w: missing payload", ErrMalformedAction)
	}
	if err := a.Payload.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}
	return nil
}

// Encode renders the action as a flat JSON record: payload fields sit next to
// action, player, timestamp and vectorClock.
func Encode(a Action) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	record := make(map[string]json.RawMessage)
	switch p := a.Payload.(type) {
	case Gameplay:
		for k, v := range p.Fields {
			record[k] = v
		}
	case TurnStart, AutoPass, EmergencyHandoff, GameSuspended, GameResumed:
		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
		}
		if err := json.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("flatten %s payload: %w", p.Kind(), err)
		}
	default:
		return nil, fmt.Errorf("unsupported payload type %T", p)
	}

	envelope := map[string]any{
		fieldAction:      a.Kind(),
		fieldPlayer:      a.Origin,
		fieldTimestamp:   a.SentAt.UnixMilli(),
		fieldVectorClock: a.Clock,
	}
	for k, v := range envelope {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", k, err)
		}
		record[k] = raw
	}
	return json.Marshal(record)
}

// Decode parses a wire record. Unknown discriminators become Gameplay actions.
func Decode(data []byte) (Action, error) {
	var record map[string]json.RawMessage
	if err := json.Unmarshal(data, &record); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrMalformedAction, err)
	}

	var (
		kind   Kind
		origin string
		millis int64
		vc     clock.Clock
	)
	if err := decodeField(record, fieldAction, &kind); err != nil {
		return Action{}, err
	}
	if err := decodeField(record, fieldPlayer, &origin); err != nil {
		return Action{}, err
	}
	if err := decodeField(record, fieldTimestamp, &millis); err != nil {
		return Action{}, err
	}
	if err := decodeField(record, fieldVectorClock, &vc); err != nil {
		return Action{}, err
	}
	if kind == "" {
		return Action{}, fmt.Errorf("%w: empty action", ErrMalformedAction)
	}

	payload, err := decodePayload(kind, origin, record, data)
	if err != nil {
		return Action{}, err
	}

	a := Action{
		Origin:  origin,
		SentAt:  time.UnixMilli(millis),
		Clock:   &vc,
		Payload: payload,
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

func decodeField(record map[string]json.RawMessage, name string, into any) error {
	raw, ok := record[name]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrMalformedAction, name)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedAction, name, err)
	}
	return nil
}

// decodePayload matches every core kind explicitly. A turn payload that omits
// its player field falls back to the origin, which is how older peers wrote it.
func decodePayload(kind Kind, origin string, record map[string]json.RawMessage, data []byte) (Payload, error) {
	unmarshal := func(into any) error {
		if err := json.Unmarshal(data, into); err != nil {
			return fmt.Errorf("%w: %s payload: %v", ErrMalformedAction, kind, err)
		}
		return nil
	}

	switch kind {
	case KindTurnStart:
		var p TurnStart
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.CurrentPlayer == "" {
			p.CurrentPlayer = origin
		}
		return p, nil
	case KindAutoPass:
		var p AutoPass
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.PassedPlayer == "" {
			p.PassedPlayer = origin
		}
		return p, nil
	case KindEmergencyHandoff:
		var p EmergencyHandoff
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.FromPlayer == "" {
			p.FromPlayer = origin
		}
		return p, nil
	case KindGameSuspended:
		var p GameSuspended
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case KindGameResumed:
		return GameResumed{}, nil
	default:
		fields := make(map[string]json.RawMessage, len(record))
		for k, v := range record {
			if !isEnvelopeField(k) {
				fields[k] = v
			}
		}
		return Gameplay{Name: kind, Fields: fields}, nil
	}
}

// NewGameplay builds a rules-engine payload from any JSON object value.
func NewGameplay(name Kind, body any) (Gameplay, error) {
	g := Gameplay{Name: name, Fields: map[string]json.RawMessage{}}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Gameplay{}, fmt.Errorf("marshal %s body: %w", name, err)
		}
		if err := json.Unmarshal(raw, &g.Fields); err != nil {
			return Gameplay{}, fmt.Errorf("%s body must be a JSON object: %w", name, err)
		}
	}
	if err := g.validate(); err != nil {
		return Gameplay{}, err
	}
	return g, nil
}

// Unmarshal decodes the gameplay fields into v.
func (g Gameplay) Unmarshal(v any) error {
	raw, err := json.Marshal(g.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
