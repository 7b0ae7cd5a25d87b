package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/magnet/agentloop"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("hooks use a POSIX shell")
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestSystemRunsHooksForTheirTrigger(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	s := NewSystem([]Hook{
		{Name: "agent", Trigger: BeforeAgent, Command: `echo "$MAGNET_TRIGGER:$MAGNET_USER_MESSAGE" >> ` + out, Enabled: true},
		{Name: "tool", Trigger: BeforeTool, Command: `echo "$MAGNET_TRIGGER:$MAGNET_TOOL_NAME:$MAGNET_TOOL_PARAMS" >> ` + out, Enabled: true},
		{Name: "result", Trigger: AfterTool, Command: `echo "$MAGNET_TOOL_RESULT" >> ` + out, Enabled: true},
		{Name: "done", Trigger: AfterAgent, Command: `echo "$MAGNET_RESPONSE" >> ` + out, Enabled: true},
		{Name: "err", Trigger: OnError, Command: `echo "$MAGNET_ERROR" >> ` + out, Enabled: true},
		{Name: "off", Trigger: BeforeAgent, Command: `echo disabled >> ` + out, Enabled: false},
	}, true, dir)
	ctx := context.Background()

	s.BeforeAgent(ctx, "hello")
	s.BeforeTool(ctx, "read_file", map[string]any{"path": "a.go"})
	s.AfterTool(ctx, "read_file", nil, agentloop.SuccessResult("contents", nil))
	s.AfterAgent(ctx, "hello", "bye")
	s.OnError(ctx, errors.New("boom"))

	assert.Equal(t, []string{
		"before_agent:hello",
		`before_tool:read_file:{"path":"a.go"}`,
		"contents",
		"bye",
		"boom",
	}, readLines(t, out))
	assert.Len(t, s.Hooks(), 5)
}

func TestSystemDisabled(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	s := NewSystem([]Hook{
		{Name: "agent", Trigger: BeforeAgent, Command: "echo ran >> " + out, Enabled: true},
	}, false, dir)
	s.BeforeAgent(context.Background(), "hi")

	assert.Nil(t, readLines(t, out))
	assert.Empty(t, s.Hooks())
}

func TestSystemRunsScripts(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	s := NewSystem([]Hook{{
		Name:    "script",
		Trigger: BeforeAgent,
		Script:  "cd \"$MAGNET_CWD\"\necho \"from script\" > out.txt",
		Enabled: true,
	}}, true, dir)
	s.BeforeAgent(context.Background(), "hi")

	assert.Equal(t, []string{"from script"}, readLines(t, out))
}

func TestSystemFailuresAreSwallowed(t *testing.T) {
	skipOnWindows(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")

	s := NewSystem([]Hook{
		{Name: "fails", Trigger: BeforeAgent, Command: "exit 7", Enabled: true},
		{Name: "slow", Trigger: BeforeAgent, Command: "sleep 10", TimeoutSec: 0.5, Enabled: true},
		{Name: "after", Trigger: BeforeAgent, Command: "echo still ran >> " + out, Enabled: true},
	}, true, dir)

	start := time.Now()
	s.BeforeAgent(context.Background(), "hi")

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, []string{"still ran"}, readLines(t, out))
}

func TestHookTimeoutDefault(t *testing.T) {
	assert.Equal(t, DefaultTimeout, Hook{}.timeout())
	assert.Equal(t, 1500*time.Millisecond, Hook{TimeoutSec: 1.5}.timeout())
}
