package natschan

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "tilesync.session.game-1", cfg.Subject("game-1"))
	assert.Equal(t, "tilesync.session.a_b_c_d", cfg.Subject("a.b*c>d"))
	assert.Equal(t, "tilesync.session.two_words", cfg.Subject("two words"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := StreamConfig{StreamName: "X"}.withDefaults()
	assert.Equal(t, "X", cfg.StreamName)
	assert.Equal(t, "tilesync.session", cfg.SubjectPrefix)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, int64(-1), cfg.MaxMsgs)
	assert.Equal(t, 2*time.Minute, cfg.DuplicateWindow)
}

func TestMsgID(t *testing.T) {
	action := []byte(`{"action":"turn_start","player":"a"}`)

	id := MsgID("a", action)
	assert.Len(t, id, 64)
	assert.Equal(t, id, MsgID("a", action))
	assert.NotEqual(t, id, MsgID("b", action))
	assert.Empty(t, MsgID("a", []byte("[CHAT] hi")))
	assert.Empty(t, MsgID("a", []byte("[HEARTBEAT] 1700000000000")))
	assert.Empty(t, MsgID("a", nil))
}

func TestIsHistory(t *testing.T) {
	assert.True(t, IsHistory(3, 5))
	assert.True(t, IsHistory(5, 5))
	assert.False(t, IsHistory(6, 5))
	assert.False(t, IsHistory(1, 0), "an empty stream has no history")
}

// The tests below need a running server: TILESYNC_TEST_NATS_URL=nats://localhost:4222
// (JetStream enabled for the stream test).
func natsURL(t *testing.T) string {
	t.Helper()
	url := os.Getenv("TILESYNC_TEST_NATS_URL")
	if url == "" {
		t.Skip("TILESYNC_TEST_NATS_URL not set")
	}
	return url
}

type inbox struct {
	mu       sync.Mutex
	msgs     []string
	from     []string
	replayed []bool
}

func (in *inbox) addHistory(data []byte, sender string, replayed bool) {
	in.add(data, sender)
	in.mu.Lock()
	defer in.mu.Unlock()
	in.replayed = append(in.replayed, replayed)
}

func (in *inbox) add(data []byte, sender string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs = append(in.msgs, string(data))
	in.from = append(in.from, sender)
}

func (in *inbox) snapshot() ([]string, []string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.msgs...), append([]string(nil), in.from...)
}

func TestChannelFanOut(t *testing.T) {
	cfg := Config{URL: natsURL(t), SubjectPrefix: "tilesync.test." + time.Now().Format("150405")}
	a, err := Dial(cfg, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(cfg, "b")
	require.NoError(t, err)
	defer b.Close()

	var atA, atB inbox
	_, err = a.Subscribe("g", atA.add)
	require.NoError(t, err)
	_, err = b.Subscribe("g", atB.add)
	require.NoError(t, err)
	require.NoError(t, a.nc.Flush())
	require.NoError(t, b.nc.Flush())

	require.NoError(t, a.Publish(context.Background(), "g", []byte("[CHAT] hi")))

	require.Eventually(t, func() bool {
		msgs, _ := atB.snapshot()
		return len(msgs) == 1
	}, 5*time.Second, 20*time.Millisecond)
	_, from := atB.snapshot()
	assert.Equal(t, []string{"a"}, from)
	msgs, _ := atA.snapshot()
	assert.Empty(t, msgs, "no echo to the sender")
}

func TestStreamReplaysHistory(t *testing.T) {
	ctx := context.Background()
	suffix := time.Now().Format("150405")
	cfg := StreamConfig{
		Config:     Config{URL: natsURL(t), SubjectPrefix: "tilesync.replay." + suffix},
		StreamName: "TILESYNC_TEST_" + suffix,
		MaxAge:     time.Minute,
	}

	a, err := DialStream(ctx, cfg, "a")
	require.NoError(t, err)
	defer a.Close()
	defer a.js.DeleteStream(ctx, cfg.StreamName)

	rec := []byte(`{"action":"turn_start","player":"a","currentPlayer":"a"}`)
	require.NoError(t, a.Publish(ctx, "g", rec))
	require.NoError(t, a.Publish(ctx, "g", rec), "duplicate ids are absorbed by the stream")

	late, err := DialStream(ctx, cfg, "late")
	require.NoError(t, err)
	defer late.Close()

	var got inbox
	sub, err := late.SubscribeHistory("g", got.addHistory)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.Eventually(t, func() bool {
		msgs, _ := got.snapshot()
		return len(msgs) == 1
	}, 5*time.Second, 20*time.Millisecond)
	msgs, from := got.snapshot()
	assert.Equal(t, []string{string(rec)}, msgs)
	assert.Equal(t, []string{"a"}, from)

	live := []byte(`{"action":"game_resumed","player":"a"}`)
	require.NoError(t, a.Publish(ctx, "g", live))
	require.Eventually(t, func() bool {
		msgs, _ := got.snapshot()
		return len(msgs) == 2
	}, 5*time.Second, 20*time.Millisecond)
	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, []bool{true, false}, got.replayed)
}
