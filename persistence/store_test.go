package persistence

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/magnet/agentloop"
	"github.com/martinemde/magnet/unifiedllm"
)

func snapshot(id string, updated time.Time) agentloop.Snapshot {
	return agentloop.Snapshot{
		SessionID: id,
		CreatedAt: updated.Add(-time.Hour),
		UpdatedAt: updated,
		TurnCount: 2,
		Messages: []agentloop.MessageItem{
			{Role: unifiedllm.RoleUser, Content: "hello", TokenCount: 2},
			{Role: unifiedllm.RoleAssistant, Content: "hi", TokenCount: 1, ToolCalls: []unifiedllm.ToolCall{
				{ID: "c1", Name: "list_dir", Arguments: map[string]any{"path": "."}},
			}},
			{Role: unifiedllm.RoleTool, Content: "a.go", ToolCallID: "c1"},
		},
		Usage: unifiedllm.Usage{InputTokens: 10, OutputTokens: 3, TotalTokens: 13},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	want := snapshot("abc", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, s.Save(want))

	got, err := s.Load("abc")
	require.NoError(t, err)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	assert.Equal(t, want.TurnCount, got.TurnCount)
	assert.Equal(t, want.Usage, got.Usage)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "list_dir", got.Messages[1].ToolCalls[0].Name)
	assert.Equal(t, "c1", got.Messages[2].ToolCallID)
}

func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(snapshot("perm", time.Now())))

	info, err := os.Stat(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dir, "sessions", "perm.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestListSortedByUpdatedAt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(snapshot("old", base)))
	require.NoError(t, s.Save(snapshot("new", base.Add(2*time.Hour))))
	require.NoError(t, s.Save(snapshot("mid", base.Add(time.Hour))))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sessions", "broken.json"), []byte("{"), 0o600))

	infos, err := s.List()
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "new", infos[0].SessionID)
	assert.Equal(t, "mid", infos[1].SessionID)
	assert.Equal(t, "old", infos[2].SessionID)
	assert.Equal(t, 3, infos[0].MessageCount)
}

func TestLoadAndDeleteMissing(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Load("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete("missing"), ErrNotFound)

	require.NoError(t, s.Save(snapshot("gone", time.Now())))
	require.NoError(t, s.Delete("gone"))
	_, err = s.Load("gone")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectsPathTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../escape", "a/b", "."} {
		assert.Error(t, s.Save(snapshot(id, time.Now())), "id %q", id)
		_, err := s.Load(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestCheckpoints(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	snap := snapshot("sess", time.Now())
	first, err := s.SaveCheckpoint(snap)
	require.NoError(t, err)
	snap.TurnCount = 5
	second, err := s.SaveCheckpoint(snap)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	ids, err := s.Checkpoints("sess")
	require.NoError(t, err)
	assert.Equal(t, []string{first, second}, ids)

	got, err := s.LoadCheckpoint(second)
	require.NoError(t, err)
	assert.Equal(t, 5, got.TurnCount)

	// Checkpoints are not sessions.
	infos, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}
