package marker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vk/buildgrid/internal/ctxlog"
)

// FileStore keeps markers as JSON files in a namespace directory. A marker is
// made visible with a write-to-temp-then-rename, so a reader either sees the
// complete file or no file at all. External worker processes honor the same
// contract by renaming their marker into place as the last thing they do.
//
// Because markers are plain files, a crash mid-level is recoverable: a
// resumed executor re-reads the directory and finds every marker that was
// created before the crash.
type FileStore struct {
	dir string
}

// NewFileStore creates (if needed) the namespace directory and returns a
// store over it. Namespaces are typically "iter-N" under the session's marker
// root.
func NewFileStore(root, namespace string) (*FileStore, error) {
	dir := filepath.Join(root, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create marker directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the namespace directory.
func (s *FileStore) Dir() string { return s.dir }

// PathFor returns the marker file path for a task id. This path is handed to
// worker processes so they can create their own markers.
func (s *FileStore) PathFor(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Create writes the marker atomically. An existing marker is left untouched.
func (s *FileStore) Create(ctx context.Context, m Marker) error {
	path := s.PathFor(m.TaskID)
	if _, err := os.Stat(path); err == nil {
		ctxlog.FromContext(ctx).Debug("Marker already exists; create is a no-op.", "task", m.TaskID)
		return nil
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode marker for %s: %w", m.TaskID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+m.TaskID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp marker file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write marker for %s: %w", m.TaskID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close marker for %s: %w", m.TaskID, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish marker for %s: %w", m.TaskID, err)
	}
	return nil
}

// Exists reports whether the marker file is present.
func (s *FileStore) Exists(ctx context.Context, taskID string) (bool, error) {
	_, err := os.Stat(s.PathFor(taskID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat marker for %s: %w", taskID, err)
}

// Read decodes the marker file for a task.
func (s *FileStore) Read(ctx context.Context, taskID string) (*Marker, error) {
	data, err := os.ReadFile(s.PathFor(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to read marker for %s: %w", taskID, err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode marker for %s: %w", taskID, err)
	}
	return &m, nil
}

// WaitAll watches the namespace directory until every marker exists. The
// watcher is registered before the initial scan so a marker renamed into
// place between the two is never missed.
func (s *FileStore) WaitAll(ctx context.Context, taskIDs []string, timeout time.Duration) error {
	logger := ctxlog.FromContext(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create marker watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("failed to watch marker directory: %w", err)
	}

	missing := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		missing[id] = true
	}
	if err := s.prune(ctx, missing); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(missing) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return &TimeoutError{Missing: keys(missing)}
		case event := <-watcher.Events:
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.prune(ctx, missing); err != nil {
				return err
			}
		case werr := <-watcher.Errors:
			logger.Warn("Marker watcher error; falling back to re-scan.", "error", werr)
			if err := s.prune(ctx, missing); err != nil {
				return err
			}
		}
	}
	return nil
}

// prune removes every id whose marker now exists from the missing set.
func (s *FileStore) prune(ctx context.Context, missing map[string]bool) error {
	for id := range missing {
		ok, err := s.Exists(ctx, id)
		if err != nil {
			return err
		}
		if ok {
			delete(missing, id)
		}
	}
	return nil
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
