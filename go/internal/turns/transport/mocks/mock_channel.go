package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

// MockChannel is a mock implementation of transport.Channel
type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) Publish(ctx context.Context, channelID string, data []byte) error {
	args := m.Called(ctx, channelID, data)
	return args.Error(0)
}

func (m *MockChannel) Subscribe(channelID string, fn transport.MessageFunc) (transport.Subscription, error) {
	args := m.Called(channelID, fn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(transport.Subscription), args.Error(1)
}

// MockSubscription is a mock implementation of transport.Subscription
type MockSubscription struct {
	mock.Mock
}

func (m *MockSubscription) Unsubscribe() error {
	args := m.Called()
	return args.Error(0)
}
