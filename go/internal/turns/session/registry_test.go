package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tilesync/go/internal/settings"
	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

func TestRegistryLifecycle(t *testing.T) {
	reg := NewRegistry()
	bus := transport.NewLocalBus(transport.BusOptions{})
	clk := clockwork.NewFakeClock()

	a, err := reg.Create(settings.Settings{PeerID: "a"}, bus.Endpoint("a"), clk)
	require.NoError(t, err)
	_, err = uuid.Parse(a.ID())
	assert.NoError(t, err, "empty session ids are generated")

	b, err := reg.Create(settings.Settings{PeerID: "b", SessionID: a.ID()}, bus.Endpoint("b"), clk)
	require.NoError(t, err)

	_, err = reg.Create(settings.Settings{PeerID: "b", SessionID: a.ID()}, bus.Endpoint("b"), clk)
	assert.ErrorIs(t, err, ErrSessionExists)

	got, err := reg.Get(Key{SessionID: a.ID(), PeerID: "b"})
	require.NoError(t, err)
	assert.Same(t, b, got)

	assert.Equal(t, []Key{{a.ID(), "a"}, {a.ID(), "b"}}, reg.Keys())

	require.NoError(t, reg.Remove(Key{SessionID: a.ID(), PeerID: "a"}))
	_, err = reg.Get(Key{SessionID: a.ID(), PeerID: "a"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, reg.Remove(Key{SessionID: a.ID(), PeerID: "a"}), ErrSessionNotFound)

	require.NoError(t, reg.CloseAll())
	assert.Empty(t, reg.Keys())
}
