package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tilesync/go/internal/settings"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSettings(t *testing.T, in settings.Settings) settings.Settings {
	t.Helper()
	s, err := in.Normalized()
	require.NoError(t, err)
	return s
}

func TestSaveLoadUpsert(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	first := mustSettings(t, settings.Settings{PeerID: "alice", Participants: []string{"alice", "bob"}})
	require.NoError(t, store.Save(ctx, first))

	got, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	second := mustSettings(t, settings.Settings{PeerID: "alice", TurnTimeout: time.Minute})
	require.NoError(t, store.Save(ctx, second))

	got, err = store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, got.TurnTimeout)
}

func TestLoadMissing(t *testing.T) {
	_, err := openTestStore(t).Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, settings.ErrNotFound)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store.now = func() time.Time { return base }

	require.NoError(t, store.Save(ctx, mustSettings(t, settings.Settings{PeerID: "a", LogLevel: "debug"})))
	store.now = func() time.Time { return base.Add(time.Hour) }
	require.NoError(t, store.Save(ctx, mustSettings(t, settings.Settings{PeerID: "a", LogLevel: "warn"})))
	require.NoError(t, store.Save(ctx, mustSettings(t, settings.Settings{PeerID: "b"})))

	revs, err := store.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, revs, 2)
	assert.Equal(t, "debug", revs[0].Settings.LogLevel)
	assert.Equal(t, "warn", revs[1].Settings.LogLevel)
	assert.True(t, revs[1].SavedAt.Equal(base.Add(time.Hour)))
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.Migrate(context.Background()))
}

func TestLoadOrSaveAgainstSQLite(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	s := mustSettings(t, settings.Settings{PeerID: "carol"})
	got, err := settings.LoadOrSave(ctx, store, s)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = store.Load(ctx, "carol")
	assert.NoError(t, err)
}
