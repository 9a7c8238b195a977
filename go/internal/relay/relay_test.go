package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(DefaultHubConfig())
	go hub.Start(ctx)
	srv := httptest.NewServer(Handler(hub))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

type received struct {
	mu     sync.Mutex
	data   []string
	sender []string
}

func (r *received) add(data []byte, sender string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, string(data))
	r.sender = append(r.sender, sender)
}

func (r *received) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func newClient(t *testing.T, srv *httptest.Server, peer string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{BaseURL: srv.URL, PeerID: peer})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRelayFansOutWithoutEcho(t *testing.T) {
	hub, srv := startRelay(t)
	a := newClient(t, srv, "a")
	b := newClient(t, srv, "b")
	c := newClient(t, srv, "c")

	var atA, atB, atC received
	_, err := a.Subscribe("game", atA.add)
	require.NoError(t, err)
	_, err = b.Subscribe("game", atB.add)
	require.NoError(t, err)
	_, err = c.Subscribe("other", atC.add)
	require.NoError(t, err)

	require.NoError(t, a.Publish(context.Background(), "game", []byte("[CHAT] hello")))

	require.Eventually(t, func() bool { return atB.len() == 1 }, 5*time.Second, 10*time.Millisecond)
	atB.mu.Lock()
	assert.Equal(t, []string{"[CHAT] hello"}, atB.data)
	assert.Equal(t, []string{"a"}, atB.sender)
	atB.mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, atA.len(), "sender does not get its own message")
	assert.Equal(t, 0, atC.len(), "other channels are isolated")

	stats := hub.Stats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.Channels["game"])
	assert.Equal(t, int64(1), stats.Relayed)
}

func TestUnsubscribeClosesLink(t *testing.T) {
	hub, srv := startRelay(t)
	a := newClient(t, srv, "a")

	sub, err := a.Subscribe("game", func([]byte, string) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Stats().TotalConnections == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	require.Eventually(t, func() bool { return hub.Stats().TotalConnections == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestHTTPEndpoints(t *testing.T) {
	_, srv := startRelay(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var stats Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 0, stats.TotalConnections)

	resp, err = http.Get(srv.URL + "/ws/game")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(ClientConfig{BaseURL: "ws://x"})
	assert.Error(t, err)
	_, err = NewClient(ClientConfig{BaseURL: "ftp://x", PeerID: "a"})
	assert.ErrorContains(t, err, "scheme")

	c, err := NewClient(ClientConfig{BaseURL: "https://relay.example/", PeerID: "a b"})
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/ws/g%201?peer=a+b", c.endpoint("g 1"))
}
