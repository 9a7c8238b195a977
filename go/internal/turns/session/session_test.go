package session

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tilesync/go/internal/settings"
	"github.com/mcdev12/tilesync/go/internal/turns/authority"
	"github.com/mcdev12/tilesync/go/internal/turns/clock"
	"github.com/mcdev12/tilesync/go/internal/turns/events"
	"github.com/mcdev12/tilesync/go/internal/turns/transport"
)

type table struct {
	t        *testing.T
	clock    *clockwork.FakeClock
	bus      *transport.LocalBus
	sessions map[string]*Session
	order    []string
	silent   map[string]bool
}

func newTable(t *testing.T, peers ...string) *table {
	t.Helper()
	tb := &table{
		t:        t,
		clock:    clockwork.NewFakeClock(),
		bus:      transport.NewLocalBus(transport.BusOptions{}),
		sessions: make(map[string]*Session),
		order:    peers,
		silent:   make(map[string]bool),
	}
	for _, p := range peers {
		s, err := New(settings.Settings{
			PeerID:       p,
			SessionID:    "game-1",
			Participants: peers,
		}, tb.bus.Endpoint(p), tb.clock)
		require.NoError(t, err)
		tb.sessions[p] = s
		t.Cleanup(func() { s.Close() })
	}
	for _, p := range peers {
		require.NoError(t, tb.sessions[p].Start())
	}
	tb.settle()
	return tb
}

func (tb *table) settle() {
	for {
		ran := 0
		for _, p := range tb.order {
			if !tb.silent[p] {
				ran += tb.sessions[p].Scheduler().RunPending()
			}
		}
		if ran == 0 {
			return
		}
	}
}

// advance moves time one second at a time so every peer's timers interleave.
func (tb *table) advance(d time.Duration) {
	for step := time.Duration(0); step < d; step += time.Second {
		tb.clock.Advance(time.Second)
		for _, p := range tb.order {
			if !tb.silent[p] {
				tb.sessions[p].Scheduler().RunDue()
			}
		}
		tb.settle()
	}
}

func (tb *table) current(peer string) string {
	p, _ := tb.sessions[peer].Authority().CurrentPlayer()
	return p
}

func (tb *table) published(kind events.Kind) int {
	n := 0
	for _, data := range tb.bus.Published() {
		frame, body := events.Classify(data, events.DefaultChatPrefix)
		if frame != events.FrameAction {
			continue
		}
		a, err := events.Decode(body)
		require.NoError(tb.t, err)
		if a.Kind() == kind {
			n++
		}
	}
	return n
}

func TestNewValidates(t *testing.T) {
	bus := transport.NewLocalBus(transport.BusOptions{})
	_, err := New(settings.Settings{PeerID: "a"}, bus.Endpoint("a"), nil)
	assert.ErrorContains(t, err, "session id")

	_, err = New(settings.Settings{PeerID: "a", SessionID: "s", Transport: "smoke"}, bus.Endpoint("a"), nil)
	assert.ErrorContains(t, err, "unknown transport")
}

func TestStartGameReplicates(t *testing.T) {
	tb := newTable(t, "A", "B", "C")

	require.NoError(t, tb.sessions["A"].StartGame(1))
	tb.settle()

	for _, p := range tb.order {
		assert.Equal(t, "B", tb.current(p), p)
		assert.Equal(t, authority.PhaseActive, tb.sessions[p].Authority().Phase(), p)
	}
	assert.True(t, tb.sessions["B"].Status().MyTurn)
	assert.False(t, tb.sessions["A"].Status().MyTurn)
}

func TestTimeoutAutoPassesOnce(t *testing.T) {
	tb := newTable(t, "A", "B", "C")
	require.NoError(t, tb.sessions["A"].StartGame(0))
	tb.settle()

	tb.advance(30 * time.Second)

	for _, p := range tb.order {
		assert.Equal(t, "B", tb.current(p), p)
	}
	assert.Equal(t, 1, tb.published(events.KindAutoPass), "concurrent timeouts collapse into one pass")
}

func TestEndTurnOnlyForCurrentPlayer(t *testing.T) {
	tb := newTable(t, "A", "B")
	require.NoError(t, tb.sessions["A"].StartGame(0))
	tb.settle()

	assert.False(t, tb.sessions["B"].EndTurn())
	assert.True(t, tb.sessions["A"].EndTurn())
	tb.settle()

	assert.Equal(t, "B", tb.current("A"))
	assert.Equal(t, "B", tb.current("B"))
	assert.Equal(t, 0, tb.published(events.KindAutoPass))
}

func TestSilentCurrentPlayerIsHandedOff(t *testing.T) {
	tb := newTable(t, "A", "B", "C")
	require.NoError(t, tb.sessions["A"].StartGame(2))
	tb.settle()
	tb.silent["C"] = true

	tb.advance(20 * time.Second)
	assert.True(t, tb.sessions["A"].Authority().InGrace())
	assert.False(t, tb.sessions["A"].Tracker().IsConnected("C"))

	tb.advance(5 * time.Second)
	assert.Equal(t, "A", tb.current("A"))
	assert.Equal(t, "A", tb.current("B"))
	assert.Equal(t, 1, tb.published(events.KindEmergencyHandoff))
	assert.Equal(t, 0, tb.published(events.KindAutoPass))
}

func TestSuspendAndResumeReplicate(t *testing.T) {
	tb := newTable(t, "A", "B")
	require.NoError(t, tb.sessions["A"].StartGame(1))
	tb.settle()

	tb.sessions["A"].Authority().Suspend("")
	tb.settle()
	assert.Equal(t, authority.PhaseSuspended, tb.sessions["B"].Authority().Phase())

	require.NoError(t, tb.sessions["A"].Authority().Resume())
	tb.settle()
	for _, p := range tb.order {
		assert.Equal(t, authority.PhaseActive, tb.sessions[p].Authority().Phase(), p)
		assert.Equal(t, "B", tb.current(p), p)
	}
	assert.Equal(t, 1, tb.published(events.KindGameSuspended))
	assert.Equal(t, 1, tb.published(events.KindGameResumed))
}

func TestGameplayAndChatReachPeers(t *testing.T) {
	tb := newTable(t, "A", "B")

	type placed struct {
		Tile string `json:"tile"`
	}
	var got []placed
	tb.sessions["B"].Transport().OnKind("place_tile", func(a events.Action) {
		var p placed
		require.NoError(t, a.Payload.(events.Gameplay).Unmarshal(&p))
		got = append(got, p)
	})
	var chats []string
	tb.sessions["B"].Transport().OnChat(func(m transport.ChatMessage) { chats = append(chats, m.Text) })

	_, err := tb.sessions["A"].Act(context.Background(), "place_tile", map[string]string{"tile": "5m"})
	require.NoError(t, err)
	require.NoError(t, tb.sessions["A"].Chat(context.Background(), "nice"))
	tb.settle()

	assert.Equal(t, []placed{{Tile: "5m"}}, got)
	assert.Equal(t, []string{"nice"}, chats)
	assert.Equal(t, 1, tb.sessions["B"].Status().LogLen)
}

func TestReplayedHistoryDoesNotRefreshLiveness(t *testing.T) {
	tb := newTable(t, "A")
	s := tb.sessions["A"]

	vc := clock.New("ghost")
	vc.Increment("ghost")
	g, err := events.NewGameplay("place_tile", map[string]string{"tile": "9p"})
	require.NoError(t, err)
	data, err := events.Encode(events.Action{Origin: "ghost", SentAt: tb.clock.Now(), Clock: vc, Payload: g})
	require.NoError(t, err)

	s.Transport().OnReplay(events.EncodeHeartbeat(tb.clock.Now()), "ghost")
	s.Transport().OnReplay(data, "ghost")
	_, ok := s.Tracker().Status("ghost")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Status().LogLen, "replayed actions still rebuild the log")

	// Live traffic counts whatever the sender's wall clock says.
	s.Transport().OnReceive(events.EncodeHeartbeat(tb.clock.Now().Add(-time.Hour)), "ghost")
	assert.True(t, s.Tracker().IsConnected("ghost"))
}

func TestSkewedWallClocksStayConnected(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clocks := map[string]*clockwork.FakeClock{
		"A": clockwork.NewFakeClockAt(base.Add(20 * time.Second)),
		"B": clockwork.NewFakeClockAt(base),
	}
	bus := transport.NewLocalBus(transport.BusOptions{})
	peers := []string{"A", "B"}
	sessions := make(map[string]*Session)
	for _, p := range peers {
		s, err := New(settings.Settings{
			PeerID:       p,
			SessionID:    "game-1",
			Participants: peers,
		}, bus.Endpoint(p), clocks[p])
		require.NoError(t, err)
		sessions[p] = s
		t.Cleanup(func() { s.Close() })
		require.NoError(t, s.Start())
	}
	settle := func() {
		for ran := 1; ran > 0; {
			ran = 0
			for _, p := range peers {
				ran += sessions[p].Scheduler().RunPending()
			}
		}
	}
	settle()
	require.NoError(t, sessions["A"].StartGame(1))
	settle()

	for i := 0; i < 40; i++ {
		for _, p := range peers {
			clocks[p].Advance(time.Second)
			sessions[p].Scheduler().RunDue()
		}
		settle()
	}

	assert.True(t, sessions["A"].Tracker().IsConnected("B"))
	assert.True(t, sessions["B"].Tracker().IsConnected("A"))
	assert.False(t, sessions["A"].Authority().InGrace())
	for _, raw := range bus.Published() {
		a, err := events.Decode(raw)
		if err == nil {
			assert.NotEqual(t, events.KindEmergencyHandoff, a.Kind())
		}
	}
	curA, _ := sessions["A"].Authority().CurrentPlayer()
	curB, _ := sessions["B"].Authority().CurrentPlayer()
	assert.Equal(t, curA, curB)
}

func TestRosterChangesReachEveryComponent(t *testing.T) {
	tb := newTable(t, "A", "B", "C")
	for _, p := range tb.order {
		require.NoError(t, tb.sessions[p].AddParticipant("D"))
	}
	a := tb.sessions["A"]
	assert.Equal(t, []string{"A", "B", "C", "D"}, a.Authority().Participants())
	assert.True(t, a.Tracker().IsConnected("D"), "new seats count as connected before their first heartbeat")
	assert.True(t, a.Transport().Clock().Has("D"))

	require.NoError(t, tb.sessions["A"].StartGame(2))
	tb.settle()
	require.True(t, tb.sessions["C"].EndTurn())
	tb.settle()
	for _, p := range tb.order {
		assert.Equal(t, "D", tb.current(p), p)
	}

	for _, p := range tb.order {
		require.NoError(t, tb.sessions[p].RemoveParticipant("B"))
	}
	assert.Equal(t, []string{"A", "C", "D"}, a.Authority().Participants())
	_, known := a.Tracker().Status("B")
	assert.False(t, known)
	assert.False(t, a.Transport().Clock().Has("B"))
	assert.Equal(t, "D", tb.current("A"))

	assert.ErrorIs(t, a.RemoveParticipant("B"), ErrNotParticipant)
	assert.Error(t, a.AddParticipant(""))
}

func TestRemovingSelfKeepsLocalRecords(t *testing.T) {
	tb := newTable(t, "A", "B")
	a := tb.sessions["A"]

	require.NoError(t, a.RemoveParticipant("A"))
	assert.Equal(t, []string{"B"}, a.Authority().Participants())
	_, known := a.Tracker().Status("A")
	assert.True(t, known)
	assert.True(t, a.Transport().Clock().Has("A"))
}

func TestRunDoClose(t *testing.T) {
	bus := transport.NewLocalBus(transport.BusOptions{})
	s, err := New(settings.Settings{PeerID: "a", SessionID: "s"}, bus.Endpoint("a"), clockwork.NewFakeClock())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	var startErr error
	require.NoError(t, s.Do(ctx, func() { startErr = s.Start() }))
	require.NoError(t, startErr)

	var st Status
	require.NoError(t, s.Do(ctx, func() { st = s.Status() }))
	assert.Equal(t, "a", st.PeerID)
	assert.Equal(t, authority.PhaseIdle, st.Phase)

	require.NoError(t, s.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after close")
	}
	assert.Error(t, s.Do(ctx, func() {}), "posting after close fails")
}
