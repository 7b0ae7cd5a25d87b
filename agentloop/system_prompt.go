package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxProjectDocBytes = 32 * 1024
	docsTruncatedNote  = "[Project instructions truncated at 32KB]"
	recentCommits      = 10
)

// gitState is what the prompt reports about the repository around the
// working directory. Root is empty outside a repository.
type gitState struct {
	Root    string
	Branch  string
	Changed int
	Log     string
}

func readGitState(dir string) gitState {
	root := git(dir, "rev-parse", "--show-toplevel")
	if root == "" {
		return gitState{}
	}
	st := gitState{
		Root:   root,
		Branch: git(root, "rev-parse", "--abbrev-ref", "HEAD"),
		Log:    git(root, "log", "--oneline", fmt.Sprintf("-%d", recentCommits)),
	}
	if status := git(root, "status", "--short"); status != "" {
		st.Changed = len(strings.Split(status, "\n"))
	}
	return st
}

// git runs a git subcommand in dir and returns its trimmed output, or ""
// when git fails.
func git(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// environmentBlock describes where the agent runs.
func environmentBlock(env ExecutionEnvironment, model string, st gitState) string {
	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", env.WorkingDirectory())
	fmt.Fprintf(&sb, "Is git repository: %t\n", st.Root != "")
	if st.Branch != "" {
		fmt.Fprintf(&sb, "Git branch: %s\n", st.Branch)
	}
	fmt.Fprintf(&sb, "Platform: %s\n", env.Platform())
	fmt.Fprintf(&sb, "OS version: %s\n", env.OSVersion())
	fmt.Fprintf(&sb, "Today's date: %s\n", time.Now().Format(time.DateOnly))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// gitBlock summarizes the repository, or returns "" outside one.
func gitBlock(st gitState) string {
	if st.Root == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if st.Branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", st.Branch)
	}
	if st.Changed > 0 {
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", st.Changed)
	}
	if st.Log != "" {
		fmt.Fprintf(&sb, "Recent commits:\n%s\n", st.Log)
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// DiscoverProjectDocs loads project instruction files. AGENTS.md and
// MAGNET.md are always recognized, extra names the provider specific ones.
// Directories are walked from the git root (or workingDir) down to
// workingDir, and the combined text is capped at 32KB.
func DiscoverProjectDocs(workingDir string, extra []string) string {
	root := git(workingDir, "rev-parse", "--show-toplevel")
	if root == "" {
		root = workingDir
	}
	names := append([]string{"AGENTS.md", "MAGNET.md"}, extra...)

	var docs []string
	budget := maxProjectDocBytes
	for _, dir := range dirsBetween(root, workingDir) {
		for _, name := range names {
			content, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				continue
			}
			if budget <= 0 {
				return strings.Join(append(docs, docsTruncatedNote), "\n\n---\n\n")
			}
			text := string(content)
			if len(text) > budget {
				text = text[:budget] + "\n" + docsTruncatedNote
			}
			budget -= len(text)
			docs = append(docs, fmt.Sprintf("# %s (from %s)\n\n%s", name, dir, text))
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// dirsBetween lists root, then each directory below it down to target.
// A target outside root yields just root.
func dirsBetween(root, target string) []string {
	root, target = filepath.Clean(root), filepath.Clean(target)
	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return dirs
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		dirs = append(dirs, cur)
	}
	return dirs
}
