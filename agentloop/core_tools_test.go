package agentloop

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapMemoryStore is an in-memory MemoryStore.
type mapMemoryStore struct {
	mu      sync.Mutex
	entries map[string]string
}

func newMapMemoryStore() *mapMemoryStore {
	return &mapMemoryStore{entries: map[string]string{}}
}

func (s *mapMemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	return nil
}

func (s *mapMemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

func (s *mapMemoryStore) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *mapMemoryStore) List(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *mapMemoryStore) Clear(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = map[string]string{}
	return n, nil
}

type toolHarness struct {
	dir      string
	pipeline *Pipeline
}

func newToolHarness(t *testing.T, opts CoreToolOptions) *toolHarness {
	t.Helper()
	dir := t.TempDir()
	if opts.Env == nil {
		opts.Env = NewLocalExecutionEnvironment(dir, DefaultEnvPolicy())
	}
	reg := NewToolRegistry()
	RegisterCoreTools(reg, opts)
	return &toolHarness{dir: dir, pipeline: NewPipeline(reg)}
}

func (h *toolHarness) call(name string, params map[string]any) *ToolResult {
	return h.pipeline.Invoke(context.Background(), name, params, h.dir)
}

func (h *toolHarness) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *toolHarness) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, name))
	require.NoError(t, err)
	return string(data)
}

func TestRegisterCoreTools(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})
	assert.Equal(t, []string{"edit", "glob", "grep", "list_dir", "read_file", "shell", "web_fetch", "write_file"},
		h.pipeline.Registry().Names())

	h = newToolHarness(t, CoreToolOptions{Memory: newMapMemoryStore()})
	assert.NotNil(t, h.pipeline.Registry().Get("memory"))
}

func TestListDir(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})

	result := h.call("list_dir", nil)
	assert.True(t, result.Success)
	assert.Equal(t, "Directory is empty.", result.Output)

	h.write(t, "main.go", "package main\n")
	h.write(t, "pkg/util.go", "package pkg\n")
	h.write(t, ".hidden", "x")

	result = h.call("list_dir", map[string]any{})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "main.go (13 bytes)")
	assert.Contains(t, result.Output, "pkg/")
	assert.NotContains(t, result.Output, ".hidden")

	result = h.call("list_dir", map[string]any{"include_hidden": true})
	assert.Contains(t, result.Output, ".hidden")

	result = h.call("list_dir", map[string]any{"path": "missing"})
	assert.False(t, result.Success)
	assert.True(t, strings.HasPrefix(result.Error, "Directory not found: "))
}

func TestReadFile(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})
	h.write(t, "a.txt", "one\ntwo\nthree\nfour\n")
	h.write(t, "empty.txt", "")

	result := h.call("read_file", map[string]any{"path": "a.txt"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "     1|one\n     2|two\n     3|three\n     4|four", result.Output)

	result = h.call("read_file", map[string]any{"path": "a.txt", "offset": 2, "limit": 2})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "Showing lines 2-3 of 4 total lines.\n\n     2|two\n     3|three", result.Output)

	result = h.call("read_file", map[string]any{"path": "empty.txt"})
	assert.Equal(t, "File is empty.", result.Output)

	result = h.call("read_file", map[string]any{"path": "nope.txt"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "File not found")

	h.write(t, "blob.bin", "\x00\x01\x02\x03PK\x03\x04binary\x00\x00")
	result = h.call("read_file", map[string]any{"path": "blob.bin"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Cannot read binary file: blob.bin")
}

func TestWriteFile(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})

	result := h.call("write_file", map[string]any{"path": "dir/new.txt", "content": "a\nb\n"})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "Created ")
	assert.Contains(t, result.Output, "(2 lines)")
	assert.Contains(t, result.Diff, "+a")
	assert.Equal(t, "a\nb\n", h.read(t, "dir/new.txt"))

	result = h.call("write_file", map[string]any{"path": "dir/new.txt", "content": "a\nc\n"})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "Updated ")
	assert.Contains(t, result.Diff, "-b")
	assert.Contains(t, result.Diff, "+c")

	result = h.call("write_file", map[string]any{"path": "other/x.txt", "content": "x", "create_directories": false})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Parent directory does not exist")
}

func TestEdit(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})
	h.write(t, "f.go", "alpha\nbeta\nalpha\n")

	tests := []struct {
		name    string
		params  map[string]any
		success bool
		message string
	}{
		{"ambiguous", map[string]any{"path": "f.go", "old_string": "alpha", "new_string": "gamma"}, false, "old_string found 2 times"},
		{"no change", map[string]any{"path": "f.go", "old_string": "beta", "new_string": "beta"}, false, "No change made"},
		{"empty old on existing", map[string]any{"path": "f.go", "old_string": "", "new_string": "x"}, false, "old_string is empty but the file exists"},
		{"missing file", map[string]any{"path": "none.go", "old_string": "x", "new_string": "y"}, false, "File does not exist"},
		{"not found", map[string]any{"path": "f.go", "old_string": "delta", "new_string": "y"}, false, "old_string not found in"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.call("edit", tt.params)
			assert.Equal(t, tt.success, result.Success)
			assert.Contains(t, result.Error, tt.message)
		})
	}
	assert.Equal(t, "alpha\nbeta\nalpha\n", h.read(t, "f.go"))

	result := h.call("edit", map[string]any{"path": "f.go", "old_string": "alpha", "new_string": "gamma\ndelta", "replace_all": true})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "replaced 2 occurrence(s) (+2 lines)")
	assert.Contains(t, result.Diff, "+delta")
	assert.Equal(t, "gamma\ndelta\nbeta\ngamma\ndelta\n", h.read(t, "f.go"))

	result = h.call("edit", map[string]any{"path": "brand/new.go", "old_string": "", "new_string": "package brand\n"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "package brand\n", h.read(t, "brand/new.go"))
}

func TestEditSimilarLines(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})
	long := "func " + strings.Repeat("x", 120)
	h.write(t, "s.go", "func a() {}\nvar x\nfunc b() {}\nfunc c() {}\nfunc d() {}\n"+long+"\n")

	result := h.call("edit", map[string]any{"path": "s.go", "old_string": "func z() {}", "new_string": ""})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Possible similar lines:\n  Line 1: func a() {}\n  Line 3: func b() {}\n  Line 4: func c() {}")
	assert.NotContains(t, result.Error, "Line 5")
}

func TestShell(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})

	result := h.call("shell", map[string]any{"command": "echo hello"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "hello", result.Output)
	require.NotNil(t, result.ExitCode)
	assert.Equal(t, 0, *result.ExitCode)

	result = h.call("shell", map[string]any{"command": "echo out; echo err >&2; exit 3"})
	assert.False(t, result.Success)
	assert.Equal(t, "Command exited with code 3", result.Error)
	assert.Equal(t, "out\n--- stderr ---\nerr\nExit code: 3", result.Output)
	assert.Equal(t, 3, *result.ExitCode)

	result = h.call("shell", map[string]any{"command": "pwd", "cwd": "missing"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Working directory doesn't exist")
}

func TestShellBlockedCommands(t *testing.T) {
	tests := []struct {
		command string
		blocked bool
	}{
		{"rm -rf /", true},
		{"sudo rm  -rf /", true},
		{"rm -rf /*", true},
		{"rm -rf /tmp/build", false},
		{"mkfs.ext4 /dev/sda1", true},
		{"ls -la", false},
		{"shutdown -h now", true},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			_, blocked := blockedCommand(tt.command)
			assert.Equal(t, tt.blocked, blocked)
		})
	}

	h := newToolHarness(t, CoreToolOptions{})
	result := h.call("shell", map[string]any{"command": "rm -rf /"})
	assert.False(t, result.Success)
	assert.Equal(t, true, result.Metadata["blocked"])
}

func TestShellTimeout(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})

	result := h.call("shell", map[string]any{"command": "sleep 10", "timeout": 1})

	assert.False(t, result.Success)
	assert.Equal(t, "Command timed out after 1 seconds", result.Error)
	assert.Equal(t, true, result.Metadata["timed_out"])
}

func TestGrepAndGlob(t *testing.T) {
	h := newToolHarness(t, CoreToolOptions{})
	h.write(t, "a.go", "package a\nfunc Hello() {}\n")
	h.write(t, "sub/b.go", "package sub\n")
	h.write(t, "notes.md", "hello world\n")

	result := h.call("grep", map[string]any{"pattern": "Hello"})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "a.go")
	assert.NotContains(t, result.Output, "notes.md")

	result = h.call("grep", map[string]any{"pattern": "hello", "case_insensitive": true, "glob_filter": "*.md"})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "notes.md")

	result = h.call("grep", map[string]any{"pattern": "nothing-matches-this"})
	assert.Equal(t, "No matches found.", result.Output)

	result = h.call("glob", map[string]any{"pattern": "**/*.go"})
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Output, "a.go")
	assert.Contains(t, result.Output, "b.go")

	result = h.call("glob", map[string]any{"pattern": "*.rs"})
	assert.Equal(t, "No files matched the pattern.", result.Output)
}

func TestMemoryTool(t *testing.T) {
	store := newMapMemoryStore()
	h := newToolHarness(t, CoreToolOptions{Memory: store})

	steps := []struct {
		params map[string]any
		want   string
	}{
		{map[string]any{"action": "list"}, "No memories stored"},
		{map[string]any{"action": "set", "key": "editor", "value": "vim"}, "Set memory: editor"},
		{map[string]any{"action": "set", "key": "lang", "value": "go"}, "Set memory: lang"},
		{map[string]any{"action": "get", "key": "editor"}, "Memory found: editor: vim"},
		{map[string]any{"action": "list"}, "Stored memories:\n  editor: vim\n  lang: go"},
		{map[string]any{"action": "delete", "key": "editor"}, "Memory deleted: editor"},
		{map[string]any{"action": "get", "key": "editor"}, "Memory not found: editor"},
		{map[string]any{"action": "clear"}, "Cleared 1 memory entries"},
	}
	for i, step := range steps {
		result := h.call("memory", step.params)
		require.True(t, result.Success, "step %d: %s", i, result.Error)
		assert.Equal(t, step.want, result.Output, "step %d", i)
	}

	result := h.call("memory", map[string]any{"action": "explode"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "Invalid parameters")

	tool := h.pipeline.Registry().Get("memory")
	assert.True(t, tool.IsMutating(map[string]any{"action": "set"}))
	assert.False(t, tool.IsMutating(map[string]any{"action": "get"}))
}

func TestWebFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "hello from server")
		case "/big":
			fmt.Fprint(w, strings.Repeat("z", maxFetchBytes+10))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h := newToolHarness(t, CoreToolOptions{HTTPClient: srv.Client()})

	result := h.call("web_fetch", map[string]any{"url": srv.URL + "/ok"})
	require.True(t, result.Success, result.Error)
	assert.Equal(t, "hello from server", result.Output)
	assert.Equal(t, http.StatusOK, result.Metadata["status_code"])
	assert.Equal(t, "text/plain", result.Metadata["content_type"])

	result = h.call("web_fetch", map[string]any{"url": srv.URL + "/big"})
	require.True(t, result.Success, result.Error)
	assert.True(t, result.Truncated)
	assert.True(t, strings.HasSuffix(result.Output, "\n... [content truncated]"))

	result = h.call("web_fetch", map[string]any{"url": srv.URL + "/missing"})
	assert.False(t, result.Success)
	assert.Equal(t, "HTTP 404: Not Found", result.Error)

	result = h.call("web_fetch", map[string]any{"url": "ftp://example.com/file"})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "only http and https URLs are supported")

	result = h.call("web_fetch", map[string]any{"url": srv.URL, "timeout": 500})
	assert.Contains(t, result.Error, "Parameter 'timeout'")
}
