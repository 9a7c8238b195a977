// Package yamlstore keeps one YAML settings file per peer in a directory.
package yamlstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/tilesync/go/internal/settings"
)

// Store reads and writes <dir>/<peer>.yaml.
type Store struct {
	dir string
}

// New creates the directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create settings dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Path returns the file used for peerID.
func (s *Store) Path(peerID string) string {
	return filepath.Join(s.dir, url.PathEscape(peerID)+".yaml")
}

func (s *Store) Load(ctx context.Context, peerID string) (settings.Settings, error) {
	if err := ctx.Err(); err != nil {
		return settings.Settings{}, err
	}
	data, err := os.ReadFile(s.Path(peerID))
	if errors.Is(err, fs.ErrNotExist) {
		return settings.Settings{}, settings.ErrNotFound
	}
	if err != nil {
		return settings.Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	var doc settings.Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return settings.Settings{}, fmt.Errorf("failed to parse settings: %w", err)
	}
	if doc.PeerID == "" {
		doc.PeerID = peerID
	}
	return doc.Settings()
}

// Save writes the file through a temp file and rename so readers never see a
// partial document.
func (s *Store) Save(ctx context.Context, st settings.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.PeerID == "" {
		return errors.New("settings without a peer id")
	}
	data, err := yaml.Marshal(st.Document())
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(st.PeerID)); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}
