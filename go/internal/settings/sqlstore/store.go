// Package sqlstore persists peer settings in an embedded SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcdev12/tilesync/go/internal/settings"
	"github.com/mcdev12/tilesync/go/internal/sqlutil"
)

const driverName = "sqlite"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS peer_settings (
		peer_id    TEXT PRIMARY KEY,
		document   TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS peer_settings_history (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_id    TEXT NOT NULL,
		document   TEXT NOT NULL,
		saved_at   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS peer_settings_history_peer ON peer_settings_history (peer_id, id)`,
}

// Store keeps the current settings document per peer and every saved revision.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at dsn, for example "file:tilesync.db"
// or ":memory:", and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection also keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open database. Call Migrate before use.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the tables if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if err := sqlutil.ExecAll(ctx, s.db, schema...); err != nil {
		return fmt.Errorf("migrate settings schema: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, peerID string) (settings.Settings, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM peer_settings WHERE peer_id = ?`, peerID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Settings{}, settings.ErrNotFound
	}
	if err != nil {
		return settings.Settings{}, fmt.Errorf("query settings: %w", err)
	}
	return decode(raw)
}

func (s *Store) Save(ctx context.Context, st settings.Settings) error {
	if st.PeerID == "" {
		return errors.New("settings without a peer id")
	}
	raw, err := json.Marshal(st.Document())
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	at := s.now().UnixMilli()

	return sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO peer_settings (peer_id, document, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT (peer_id) DO UPDATE SET
				document = excluded.document,
				updated_at = excluded.updated_at`,
			st.PeerID, string(raw), at,
		); err != nil {
			return fmt.Errorf("upsert settings: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO peer_settings_history (peer_id, document, saved_at) VALUES (?, ?, ?)`,
			st.PeerID, string(raw), at,
		); err != nil {
			return fmt.Errorf("record settings history: %w", err)
		}
		return nil
	})
}

// Revision is one saved version of a peer's settings.
type Revision struct {
	Settings settings.Settings
	SavedAt  time.Time
}

// History returns every saved revision for peerID, oldest first.
func (s *Store) History(ctx context.Context, peerID string) ([]Revision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document, saved_at FROM peer_settings_history WHERE peer_id = ? ORDER BY id`, peerID)
	if err != nil {
		return nil, fmt.Errorf("query settings history: %w", err)
	}
	defer rows.Close()

	var out []Revision
	for rows.Next() {
		var (
			raw string
			at  int64
		)
		if err := rows.Scan(&raw, &at); err != nil {
			return nil, fmt.Errorf("scan settings history: %w", err)
		}
		st, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, Revision{Settings: st, SavedAt: time.UnixMilli(at)})
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func decode(raw string) (settings.Settings, error) {
	var doc settings.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return settings.Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return doc.Settings()
}
