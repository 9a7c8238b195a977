// Package clock implements the per-peer causal (vector) clock used to order
// game actions without a coordinator.
package clock

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Before means the receiver is causally dominated by the other clock.
	Before Ordering = iota + 1
	// After means the receiver causally dominates the other clock.
	After
	// Concurrent means neither clock dominates. Equal clocks are Concurrent.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("ordering(%d)", int(o))
	}
}

// Clock maps peer ids to monotonically increasing counters. The zero value is
// an empty clock ready to use. A Clock is not safe for concurrent use.
type Clock struct {
	counters map[string]uint64
}

// New returns a clock with the given peers registered at zero.
func New(peers ...string) *Clock {
	c := &Clock{counters: make(map[string]uint64, len(peers))}
	for _, p := range peers {
		c.counters[p] = 0
	}
	return c
}

func (c *Clock) init() {
	if c.counters == nil {
		c.counters = make(map[string]uint64)
	}
}

// AddPeer registers a peer at zero. Known peers keep their counter.
func (c *Clock) AddPeer(id string) {
	c.init()
	if _, ok := c.counters[id]; !ok {
		c.counters[id] = 0
	}
}

// RemovePeer forgets a peer. Comparisons treat a missing peer as zero, so
// removal never changes the relation between the remaining components.
func (c *Clock) RemovePeer(id string) {
	delete(c.counters, id)
}

// Has reports whether the peer is known to this clock.
func (c *Clock) Has(id string) bool {
	_, ok := c.counters[id]
	return ok
}

// Increment bumps the counter of id by one and returns the new value. Only the
// owning peer increments its own entry.
func (c *Clock) Increment(id string) uint64 {
	c.init()
	c.counters[id]++
	return c.counters[id]
}

// Get returns the counter for id, zero when unknown.
func (c *Clock) Get(id string) uint64 {
	if c == nil {
		return 0
	}
	return c.counters[id]
}

// Len returns the number of known peers.
func (c *Clock) Len() int {
	return len(c.counters)
}

// Peers returns the known peer ids in sorted order.
func (c *Clock) Peers() []string {
	peers := make([]string, 0, len(c.counters))
	for p := range c.counters {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// Merge sets every component of c to the maximum of c and other over the
// union of their peers.
func (c *Clock) Merge(other *Clock) {
	if other == nil {
		return
	}
	c.init()
	for p, n := range other.counters {
		if cur, ok := c.counters[p]; !ok || n > cur {
			c.counters[p] = n
		}
	}
}

// Compare reports how c relates to other. Missing components count as zero.
func (c *Clock) Compare(other *Clock) Ordering {
	var less, greater bool
	for p, n := range c.counters {
		m := other.Get(p)
		switch {
		case n < m:
			less = true
		case n > m:
			greater = true
		}
	}
	if other != nil {
		for p, m := range other.counters {
			if _, ok := c.counters[p]; !ok && m > 0 {
				less = true
			}
		}
	}

	switch {
	case less && !greater:
		return Before
	case greater && !less:
		return After
	default:
		return Concurrent
	}
}

// Equal reports whether both clocks hold the same counters, treating missing
// components as zero.
func (c *Clock) Equal(other *Clock) bool {
	for p, n := range c.counters {
		if other.Get(p) != n {
			return false
		}
	}
	if other != nil {
		for p, m := range other.counters {
			if c.Get(p) != m {
				return false
			}
		}
	}
	return true
}

// Clone returns an independent copy.
func (c *Clock) Clone() *Clock {
	cp := &Clock{counters: make(map[string]uint64, len(c.counters))}
	for p, n := range c.counters {
		cp.counters[p] = n
	}
	return cp
}

// Entries returns the clock as (peer, count) pairs sorted by peer id.
func (c *Clock) Entries() Entries {
	entries := make(Entries, 0, len(c.counters))
	for _, p := range c.Peers() {
		entries = append(entries, Entry{Peer: p, Count: c.counters[p]})
	}
	return entries
}

// FromEntries builds a clock from wire entries. A peer listed twice keeps its
// highest count.
func FromEntries(entries Entries) *Clock {
	c := New()
	for _, e := range entries {
		if cur, ok := c.counters[e.Peer]; !ok || e.Count > cur {
			c.counters[e.Peer] = e.Count
		}
	}
	return c
}

func (c *Clock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range c.Entries() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:%d", e.Peer, e.Count)
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON encodes the clock as an ordered list of [peerId, count] pairs.
func (c *Clock) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Entries())
}

// UnmarshalJSON decodes the pair-list form produced by MarshalJSON.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var entries Entries
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	*c = *FromEntries(entries)
	return nil
}

// Entry is one component of a serialized clock.
type Entry struct {
	Peer  string
	Count uint64
}

// Entries is the wire form of a clock.
type Entries []Entry

var errBadEntry = errors.New("clock entry must be a [peerId, count] pair")

// MarshalJSON encodes the entry as a two-element array.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Peer, e.Count})
}

// UnmarshalJSON decodes a [peerId, count] pair.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode clock entry: %w", err)
	}
	if len(pair) != 2 {
		return errBadEntry
	}
	if err := json.Unmarshal(pair[0], &e.Peer); err != nil {
		return fmt.Errorf("decode clock peer: %w", err)
	}
	if e.Peer == "" {
		return errBadEntry
	}
	if err := json.Unmarshal(pair[1], &e.Count); err != nil {
		return fmt.Errorf("decode clock count for %q: %w", e.Peer, err)
	}
	return nil
}
