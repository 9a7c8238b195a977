package transport

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
)

// BusOptions injects channel faults for tests and local play.
type BusOptions struct {
	// DropRate and DuplicateRate are probabilities in [0,1].
	DropRate      float64
	DuplicateRate float64
	// Hold queues deliveries until Flush, which is how reordering is simulated.
	Hold bool
	Seed int64
}

type busMessage struct {
	channelID string
	sender    string
	data      []byte
}

type busSub struct {
	id   uint64
	peer string
	fn   HistoryFunc
}

// LocalBus is an in-process group channel. Every peer gets its own Endpoint;
// a publish reaches every other endpoint subscribed to the same channel id.
type LocalBus struct {
	opts BusOptions

	mu      sync.Mutex
	rng     *rand.Rand
	subs    map[string][]busSub
	nextID  uint64
	held    []busMessage
	history []busMessage
}

// NewLocalBus creates a bus with the given fault options.
func NewLocalBus(opts BusOptions) *LocalBus {
	return &LocalBus{
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
		subs: make(map[string][]busSub),
	}
}

// Endpoint returns the Channel view of the bus for one peer.
func (b *LocalBus) Endpoint(peerID string) Channel {
	return &busEndpoint{bus: b, peer: peerID}
}

// Published returns every message published so far, in publish order.
func (b *LocalBus) Published() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.history))
	for i, m := range b.history {
		out[i] = bytes.Clone(m.data)
	}
	return out
}

// Held returns the number of deliveries waiting for Flush.
func (b *LocalBus) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}

// Flush delivers held messages, newest first when reverse is set.
func (b *LocalBus) Flush(reverse bool) {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.mu.Unlock()

	if reverse {
		for i, j := 0, len(held)-1; i < j; i, j = i+1, j-1 {
			held[i], held[j] = held[j], held[i]
		}
	}
	for _, m := range held {
		b.deliver(m)
	}
}

func (b *LocalBus) publish(m busMessage) {
	b.mu.Lock()
	b.history = append(b.history, m)
	if b.opts.DropRate > 0 && b.rng.Float64() < b.opts.DropRate {
		b.mu.Unlock()
		return
	}
	copies := 1
	if b.opts.DuplicateRate > 0 && b.rng.Float64() < b.opts.DuplicateRate {
		copies = 2
	}
	if b.opts.Hold {
		for i := 0; i < copies; i++ {
			b.held = append(b.held, m)
		}
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	for i := 0; i < copies; i++ {
		b.deliver(m)
	}
}

func (b *LocalBus) deliver(m busMessage) {
	b.mu.Lock()
	subs := append([]busSub(nil), b.subs[m.channelID]...)
	b.mu.Unlock()

	for _, s := range subs {
		if s.peer == m.sender {
			continue
		}
		s.fn(bytes.Clone(m.data), m.sender, false)
	}
}

// Replay delivers every message published so far on channelID to peerID's
// subscriptions, marked as history. The peer's own messages are included,
// the way a stream-backed channel replays them to a rejoining peer.
func (b *LocalBus) Replay(channelID, peerID string) {
	b.mu.Lock()
	var msgs []busMessage
	for _, m := range b.history {
		if m.channelID == channelID {
			msgs = append(msgs, m)
		}
	}
	var subs []busSub
	for _, s := range b.subs[channelID] {
		if s.peer == peerID {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, m := range msgs {
		for _, s := range subs {
			s.fn(bytes.Clone(m.data), m.sender, true)
		}
	}
}

func (b *LocalBus) subscribe(channelID, peer string, fn HistoryFunc) Subscription {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[channelID] = append(b.subs[channelID], busSub{id: id, peer: peer, fn: fn})
	b.mu.Unlock()

	return SubscriptionFunc(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channelID]
		for i, s := range subs {
			if s.id == id {
				b.subs[channelID] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		return nil
	})
}

var _ ReplayChannel = (*busEndpoint)(nil)

type busEndpoint struct {
	bus  *LocalBus
	peer string
}

func (e *busEndpoint) Publish(ctx context.Context, channelID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.bus.publish(busMessage{channelID: channelID, sender: e.peer, data: bytes.Clone(data)})
	return nil
}

func (e *busEndpoint) Subscribe(channelID string, fn MessageFunc) (Subscription, error) {
	return e.bus.subscribe(channelID, e.peer, func(data []byte, sender string, _ bool) {
		fn(data, sender)
	}), nil
}

func (e *busEndpoint) SubscribeHistory(channelID string, fn HistoryFunc) (Subscription, error) {
	return e.bus.subscribe(channelID, e.peer, fn), nil
}
