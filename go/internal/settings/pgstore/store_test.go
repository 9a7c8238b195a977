package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/tilesync/go/internal/dbconfig"
	"github.com/mcdev12/tilesync/go/internal/settings"
)

// Runs only against a live database: set TILESYNC_TEST_PG=1 plus the usual
// TILESYNC_DB_* variables.
func connectTestStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("TILESYNC_TEST_PG") == "" {
		t.Skip("TILESYNC_TEST_PG not set")
	}
	cfg, err := dbconfig.NewConfigFromEnv()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := connectTestStore(t)
	peer := "pgstore-test-" + time.Now().Format("150405.000000")

	in, err := settings.Settings{PeerID: peer, Participants: []string{peer, "other"}}.Normalized()
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, in))

	out, err := store.Load(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	in.TurnTimeout = time.Minute
	require.NoError(t, store.Save(ctx, in))
	out, err = store.Load(ctx, peer)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, out.TurnTimeout)

	require.NoError(t, store.Delete(ctx, peer))
	_, err = store.Load(ctx, peer)
	assert.ErrorIs(t, err, settings.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, peer), settings.ErrNotFound)
}
