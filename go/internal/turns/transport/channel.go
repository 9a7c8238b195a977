package transport

import "context"

// MessageFunc receives one raw message and the peer id the channel attributes
// it to. The sender may be empty when the channel cannot tell.
type MessageFunc func(data []byte, sender string)

// Subscription is an active channel subscription.
type Subscription interface {
	Unsubscribe() error
}

// Channel is the opaque group-messaging collaborator. It may drop, duplicate
// or reorder messages; callers assume none of ordering, delivery or
// deduplication.
type Channel interface {
	Publish(ctx context.Context, channelID string, data []byte) error
	Subscribe(channelID string, fn MessageFunc) (Subscription, error)
}

// HistoryFunc is a MessageFunc that is also told whether the delivery comes
// from stored history rather than live traffic.
type HistoryFunc func(data []byte, sender string, replayed bool)

// ReplayChannel is implemented by channels that replay stored history to new
// subscribers and can mark those deliveries.
type ReplayChannel interface {
	Channel
	SubscribeHistory(channelID string, fn HistoryFunc) (Subscription, error)
}

// SubscriptionFunc adapts a plain func to Subscription.
type SubscriptionFunc func() error

// Unsubscribe calls f.
func (f SubscriptionFunc) Unsubscribe() error { return f() }
