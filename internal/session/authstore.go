package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// AuthStore owns the on-disk authentication material of each session.
// The contents are opaque to the orchestrator.
type AuthStore interface {
	// Prepare ensures the session's directory exists and returns its path.
	Prepare(id string) (string, error)

	// Remove deletes everything stored for the session.
	Remove(id string) error
}

// DirStore keeps one directory per session under a root directory.
type DirStore struct {
	root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Path returns the directory of a session. Callers must pass validated ids.
func (d *DirStore) Path(id string) string {
	return filepath.Join(d.root, id)
}

// Prepare ensures the session's directory exists and returns its path.
func (d *DirStore) Prepare(id string) (string, error) {
	dir := d.Path(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create auth directory for %s: %w", id, err)
	}
	return dir, nil
}

// Remove deletes the session directory. Missing directories are fine.
func (d *DirStore) Remove(id string) error {
	if err := os.RemoveAll(d.Path(id)); err != nil {
		return fmt.Errorf("remove auth directory for %s: %w", id, err)
	}
	return nil
}
