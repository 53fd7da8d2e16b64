// Package artifact persists the one artifact each phase hands to the next.
// Artifacts are the only state that crosses a phase boundary, so any phase
// can in principle be restarted from the last persisted file.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/buildgrid/internal/ctxlog"
)

// Store writes phase artifacts into a session directory with the same
// write-to-temp-then-rename discipline as completion markers: a reader never
// observes a half-written artifact.
type Store struct {
	dir string
}

// NewStore creates the artifact directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the artifact directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the absolute path an artifact name resolves to. Phase workers
// receive this path and write the artifact themselves.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Write persists an artifact atomically and returns its path.
func (s *Store) Write(ctx context.Context, name string, data []byte) (string, error) {
	path := s.Path(name)

	tmp, err := os.CreateTemp(s.dir, "."+name+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp artifact file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close artifact %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to publish artifact %s: %w", name, err)
	}

	ctxlog.FromContext(ctx).Debug("Artifact persisted.", "name", name, "bytes", len(data))
	return path, nil
}

// Read loads an artifact by name.
func (s *Store) Read(name string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return data, nil
}

// Exists reports whether the artifact has been persisted.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}
