package transport

import (
	"github.com/mcdev12/tilesync/go/internal/turns/clock"
	"github.com/mcdev12/tilesync/go/internal/turns/events"
)

// DefaultLogCap bounds the action log.
const DefaultLogCap = 1000

// Log is the bounded, causally ordered record of accepted actions. Order is
// decided once at insertion; later merges never reorder existing entries.
type Log struct {
	cap     int
	entries []events.Action
}

// NewLog returns an empty log holding at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultLogCap
	}
	return &Log{cap: capacity}
}

// Append adds a locally produced action at the end.
func (l *Log) Append(a events.Action) {
	l.entries = append(l.entries, a)
	l.evict()
}

// Insert places a received action immediately before the first entry it
// causally precedes, or at the end. It returns the final index, or -1 when the
// action landed in the oldest slot of a full log and was evicted at once.
func (l *Log) Insert(a events.Action) int {
	pos := len(l.entries)
	for i, e := range l.entries {
		if a.Clock.Compare(e.Clock) == clock.Before {
			pos = i
			break
		}
	}
	l.entries = append(l.entries, events.Action{})
	copy(l.entries[pos+1:], l.entries[pos:])
	l.entries[pos] = a

	if evicted := l.evict(); evicted > 0 {
		if pos < evicted {
			return -1
		}
		return pos - evicted
	}
	return pos
}

func (l *Log) evict() int {
	over := len(l.entries) - l.cap
	if over <= 0 {
		return 0
	}
	clear(l.entries[:over])
	l.entries = l.entries[over:]
	return over
}

// Len returns the number of retained actions.
func (l *Log) Len() int { return len(l.entries) }

// Entries returns a copy of the log, oldest first.
func (l *Log) Entries() []events.Action {
	out := make([]events.Action, len(l.entries))
	copy(out, l.entries)
	return out
}

// Tail returns a copy of the newest n actions.
func (l *Log) Tail(n int) []events.Action {
	if n > len(l.entries) {
		n = len(l.entries)
	}
	if n <= 0 {
		return nil
	}
	out := make([]events.Action, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}
