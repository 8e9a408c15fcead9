package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/issueflow/issueflow/pkg/models"
)

// defaultScope groups sessions whose repository is unknown.
const defaultScope = "default"

// Storage persists session snapshots. Implementations must tolerate
// concurrent calls for distinct sessions; the Flusher serializes calls per
// session.
type Storage interface {
	// Persist writes a snapshot, replacing any previous one.
	Persist(ctx context.Context, sess models.Session) error

	// Load returns the stored session, or nil when none exists.
	Load(ctx context.Context, sessionID string) (*models.Session, error)

	// List returns the IDs of all stored sessions.
	List(ctx context.Context) ([]string, error)

	// Remove deletes the stored session. Unknown IDs are a no-op.
	Remove(ctx context.Context, sessionID string) error
}

// FileStorage stores one JSON file per session under
// <root>/sessions/<scope>/<sessionID>.json, where scope is the session's
// repository ID. Writes are atomic (temp file + rename). Unknown JSON
// fields survive a load/persist cycle via the Session codec.
type FileStorage struct {
	root string
}

var _ Storage = (*FileStorage)(nil)

// NewFileStorage creates a FileStorage rooted at homeDir.
func NewFileStorage(homeDir string) *FileStorage {
	return &FileStorage{root: homeDir}
}

func (f *FileStorage) scopeOf(sess models.Session) string {
	if sess.RepositoryID != "" {
		return sess.RepositoryID
	}
	return defaultScope
}

func (f *FileStorage) sessionsDir() string {
	return filepath.Join(f.root, "sessions")
}

// Persist writes the snapshot atomically. The temp file lives in the target
// directory so the rename never crosses filesystems.
func (f *FileStorage) Persist(ctx context.Context, sess models.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(f.sessionsDir(), f.scopeOf(sess))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}

	tmp, err := os.CreateTemp(dir, "."+sess.ID+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	final := filepath.Join(dir, sess.ID+".json")
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit session %s: %w", sess.ID, err)
	}
	return nil
}

// Load finds the session in any scope. Returns nil when not stored.
func (f *FileStorage) Load(ctx context.Context, sessionID string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := f.find(sessionID)
	if err != nil || path == "" {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}

	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// List walks every scope directory.
func (f *FileStorage) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(f.sessionsDir(), "*", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	return ids, nil
}

// Remove deletes the stored session wherever it lives.
func (f *FileStorage) Remove(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := f.find(sessionID)
	if err != nil || path == "" {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	return nil
}

func (f *FileStorage) find(sessionID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(f.sessionsDir(), "*", sessionID+".json"))
	if err != nil {
		return "", fmt.Errorf("locate session %s: %w", sessionID, err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	return matches[0], nil
}
