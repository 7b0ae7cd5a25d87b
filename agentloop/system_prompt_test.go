package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirsBetween(t *testing.T) {
	root := filepath.Join("/", "repo")
	assert.Equal(t, []string{root}, dirsBetween(root, root))
	assert.Equal(t,
		[]string{root, filepath.Join(root, "a"), filepath.Join(root, "a", "b")},
		dirsBetween(root, filepath.Join(root, "a", "b")))
	assert.Equal(t, []string{root}, dirsBetween(root, filepath.Join("/", "elsewhere")))
}

func TestDiscoverProjectDocs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Run make test."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("Prefer small diffs."), 0o644))

	docs := DiscoverProjectDocs(dir, nil)
	assert.Contains(t, docs, "# AGENTS.md (from "+dir+")\n\nRun make test.")
	assert.NotContains(t, docs, "Prefer small diffs.")

	docs = DiscoverProjectDocs(dir, []string{"CLAUDE.md"})
	assert.Contains(t, docs, "Prefer small diffs.")
	assert.Equal(t, 1, strings.Count(docs, "\n\n---\n\n"))
}

func TestDiscoverProjectDocsTruncates(t *testing.T) {
	dir := t.TempDir()
	big := strings.Repeat("x", maxProjectDocBytes+100)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte(big), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "MAGNET.md"), []byte("later"), 0o644))

	docs := DiscoverProjectDocs(dir, nil)
	assert.Contains(t, docs, docsTruncatedNote)
	assert.NotContains(t, docs, "later")
}

func TestDiscoverProjectDocsEmpty(t *testing.T) {
	assert.Empty(t, DiscoverProjectDocs(t.TempDir(), nil))
}

func TestBuildSystemPromptSections(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("Use tabs."), 0o644))
	reg := NewToolRegistry()
	RegisterCoreTools(reg, CoreToolOptions{Env: NewLocalExecutionEnvironment(dir, DefaultEnvPolicy())})

	prompt := BuildSystemPrompt(PromptOptions{
		Provider:              "anthropic",
		Model:                 "claude-sonnet-4-5",
		Env:                   NewLocalExecutionEnvironment(dir, DefaultEnvPolicy()),
		Tools:                 reg.Tools(),
		DeveloperInstructions: "Be brief.",
		UserInstructions:      "Answer in English.",
		Memory:                map[string]string{"editor": "vim"},
	})

	order := []string{
		"<environment>",
		"Working directory: " + dir,
		"Model: claude-sonnet-4-5",
		"# Available Tools",
		"## read_file",
		"# Project Instructions",
		"Use tabs.",
		"# Developer Instructions",
		"# Memory",
		"- editor: vim",
		"# User Instructions",
	}
	last := -1
	for _, want := range order {
		i := strings.Index(prompt, want)
		require.GreaterOrEqual(t, i, 0, "missing %q", want)
		assert.Greater(t, i, last, "%q out of order", want)
		last = i
	}
	assert.True(t, strings.HasSuffix(prompt, "Answer in English."))
}
