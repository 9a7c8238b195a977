// Package pgstore persists peer settings in Postgres through a pgx pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tilesync/go/internal/dbconfig"
	"github.com/mcdev12/tilesync/go/internal/settings"
)

const schema = `
CREATE TABLE IF NOT EXISTS peer_settings (
	peer_id    TEXT PRIMARY KEY,
	document   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store reads and writes the peer_settings table.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool from cfg, checks it and applies the schema.
func Connect(ctx context.Context, cfg dbconfig.Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info().Str("host", cfg.Host).Str("database", cfg.Database).Msg("connected to settings database")

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate settings schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, peerID string) (settings.Settings, error) {
	var doc settings.Document
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM peer_settings WHERE peer_id = $1`, peerID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return settings.Settings{}, settings.ErrNotFound
	}
	if err != nil {
		return settings.Settings{}, fmt.Errorf("query settings: %w", err)
	}
	return doc.Settings()
}

func (s *Store) Save(ctx context.Context, st settings.Settings) error {
	if st.PeerID == "" {
		return errors.New("settings without a peer id")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO peer_settings (peer_id, document, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (peer_id) DO UPDATE SET
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`,
		st.PeerID, st.Document(),
	)
	if err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return nil
}

// Delete removes the peer's settings.
func (s *Store) Delete(ctx context.Context, peerID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM peer_settings WHERE peer_id = $1`, peerID)
	if err != nil {
		return fmt.Errorf("delete settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return settings.ErrNotFound
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }
