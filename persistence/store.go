// Package persistence saves session snapshots as JSON files under the data
// directory.
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/martinemde/magnet/agentloop"
	"github.com/martinemde/magnet/logger"
)

// ErrNotFound is returned when no snapshot exists for a session id.
var ErrNotFound = errors.New("session not found")

const (
	dirMode  = 0o700
	fileMode = 0o600

	checkpointTimeFormat = "20060102T150405.000000000"
)

// SessionInfo describes a saved session without its messages.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	TurnCount    int       `json:"turn_count"`
	MessageCount int       `json:"message_count"`
}

// FileStore keeps snapshots in <dir>/sessions/<id>.json and checkpoints in
// <dir>/checkpoints/<id>_<timestamp>.json.
type FileStore struct {
	sessionsDir    string
	checkpointsDir string
}

// NewFileStore creates the store directories under dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	s := &FileStore{
		sessionsDir:    filepath.Join(dataDir, "sessions"),
		checkpointsDir: filepath.Join(dataDir, "checkpoints"),
	}
	for _, dir := range []string{s.sessionsDir, s.checkpointsDir} {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("persistence: create %s: %w", dir, err)
		}
		// MkdirAll does not change the mode of an existing directory.
		if err := os.Chmod(dir, dirMode); err != nil {
			return nil, fmt.Errorf("persistence: chmod %s: %w", dir, err)
		}
	}
	return s, nil
}

// SessionsDir returns the directory holding session snapshots.
func (s *FileStore) SessionsDir() string { return s.sessionsDir }

// validID rejects ids that could escape the store directory.
func validID(id string) error {
	if id == "" || id == "." || !filepath.IsLocal(id) || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("persistence: invalid session id %q", id)
	}
	return nil
}

func (s *FileStore) sessionPath(id string) string {
	return filepath.Join(s.sessionsDir, id+".json")
}

// Save writes snap, replacing any previous snapshot of the same session.
func (s *FileStore) Save(snap agentloop.Snapshot) error {
	if err := validID(snap.SessionID); err != nil {
		return err
	}
	if err := writeJSON(s.sessionsDir, s.sessionPath(snap.SessionID), snap); err != nil {
		logger.ErrorCF("persistence", "Failed to save session", map[string]any{
			"session_id": snap.SessionID,
			"error":      err.Error(),
		})
		return err
	}
	logger.DebugCF("persistence", "Saved session", map[string]any{
		"session_id": snap.SessionID,
		"messages":   len(snap.Messages),
	})
	return nil
}

// Load reads the snapshot of id. It returns ErrNotFound when none exists.
func (s *FileStore) Load(id string) (agentloop.Snapshot, error) {
	if err := validID(id); err != nil {
		return agentloop.Snapshot{}, err
	}
	return readSnapshot(s.sessionPath(id))
}

// List returns the saved sessions, most recently updated first. Unreadable
// files are skipped.
func (s *FileStore) List() ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("persistence: list: %w", err)
	}

	var infos []SessionInfo
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		snap, err := readSnapshot(filepath.Join(s.sessionsDir, e.Name()))
		if err != nil {
			logger.WarnCF("persistence", "Skipping unreadable session file", map[string]any{
				"file":  e.Name(),
				"error": err.Error(),
			})
			continue
		}
		infos = append(infos, SessionInfo{
			SessionID:    snap.SessionID,
			CreatedAt:    snap.CreatedAt,
			UpdatedAt:    snap.UpdatedAt,
			TurnCount:    snap.TurnCount,
			MessageCount: len(snap.Messages),
		})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Delete removes the snapshot of id. It returns ErrNotFound when none
// exists.
func (s *FileStore) Delete(id string) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := os.Remove(s.sessionPath(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("persistence: delete %s: %w", id, err)
	}
	logger.InfoCF("persistence", "Deleted session", map[string]any{"session_id": id})
	return nil
}

// SaveCheckpoint writes snap as a new checkpoint and returns its id.
func (s *FileStore) SaveCheckpoint(snap agentloop.Snapshot) (string, error) {
	if err := validID(snap.SessionID); err != nil {
		return "", err
	}
	id := snap.SessionID + "_" + time.Now().UTC().Format(checkpointTimeFormat)
	path := filepath.Join(s.checkpointsDir, id+".json")
	if err := writeJSON(s.checkpointsDir, path, snap); err != nil {
		return "", err
	}
	logger.InfoCF("persistence", "Saved checkpoint", map[string]any{"checkpoint_id": id})
	return id, nil
}

// LoadCheckpoint reads a checkpoint by the id SaveCheckpoint returned.
func (s *FileStore) LoadCheckpoint(id string) (agentloop.Snapshot, error) {
	if err := validID(id); err != nil {
		return agentloop.Snapshot{}, err
	}
	return readSnapshot(filepath.Join(s.checkpointsDir, id+".json"))
}

// Checkpoints returns the checkpoint ids of sessionID, oldest first.
func (s *FileStore) Checkpoints(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(s.checkpointsDir)
	if err != nil {
		return nil, fmt.Errorf("persistence: list checkpoints: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".json")
		if !e.IsDir() && name != e.Name() && strings.HasPrefix(name, sessionID+"_") {
			ids = append(ids, name)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func readSnapshot(path string) (agentloop.Snapshot, error) {
	var snap agentloop.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, ErrNotFound
		}
		return snap, fmt.Errorf("persistence: read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("persistence: decode %s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// writeJSON writes v to path through a temp file in dir and a rename.
func writeJSON(dir, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("persistence: encode: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persistence: write: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persistence: chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("persistence: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("persistence: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("persistence: rename: %w", err)
	}
	cleanup = false
	return nil
}
