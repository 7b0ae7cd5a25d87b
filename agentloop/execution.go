package agentloop

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
)

// ExecResult holds the result of a command execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	DurationMs int64  `json:"duration_ms"`
}

// DirEntry represents a filesystem directory entry.
type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size,omitempty"`
}

// GrepOptions configures grep behavior.
type GrepOptions struct {
	GlobFilter      string `json:"glob_filter,omitempty"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	MaxResults      int    `json:"max_results,omitempty"`
}

// ExecutionEnvironment abstracts where tool operations run.
type ExecutionEnvironment interface {
	ExecCommand(ctx context.Context, command string, timeout time.Duration, workingDir string, envVars map[string]string) (*ExecResult, error)
	ListDirectory(path string, includeHidden bool) ([]DirEntry, error)
	Grep(ctx context.Context, pattern string, path string, options GrepOptions) (string, error)
	Glob(pattern string, path string) ([]string, error)

	WorkingDirectory() string
	Platform() string
	OSVersion() string
}

// DefaultEnvExcludes are the variable name patterns withheld from commands
// unless the policy opts out.
var DefaultEnvExcludes = []string{"*KEY*", "*TOKEN", "*SECRET*", "*SECURITY*"}

// EnvPolicy decides which environment variables commands see.
type EnvPolicy struct {
	IgnoreDefaultExcludes bool              `json:"ignore_default_excludes" mapstructure:"ignore_default_excludes" yaml:"ignore_default_excludes"`
	ExcludePatterns       []string          `json:"exclude_patterns" mapstructure:"exclude_patterns" yaml:"exclude_patterns"`
	SetVars               map[string]string `json:"set_vars" mapstructure:"set_vars" yaml:"set_vars"`
}

// DefaultEnvPolicy excludes DefaultEnvExcludes.
func DefaultEnvPolicy() EnvPolicy {
	return EnvPolicy{ExcludePatterns: append([]string(nil), DefaultEnvExcludes...)}
}

func (p EnvPolicy) excluded(name string) bool {
	if p.IgnoreDefaultExcludes {
		return false
	}
	upper := strings.ToUpper(name)
	for _, pattern := range p.ExcludePatterns {
		if ok, _ := path.Match(strings.ToUpper(pattern), upper); ok {
			return true
		}
	}
	return false
}

// Build filters environ (KEY=VALUE entries) and applies SetVars.
func (p EnvPolicy) Build(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, ok := strings.Cut(kv, "=")
		if !ok || p.excluded(name) {
			continue
		}
		if _, overridden := p.SetVars[name]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(p.SetVars))
	for k := range p.SetVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+p.SetVars[k])
	}
	return out
}

// LocalExecutionEnvironment runs tools on the local machine.
type LocalExecutionEnvironment struct {
	workingDir string
	platform   string
	osVersion  string
	envPolicy  EnvPolicy
}

// NewLocalExecutionEnvironment creates a local execution environment.
func NewLocalExecutionEnvironment(workingDir string, policy EnvPolicy) *LocalExecutionEnvironment {
	if workingDir == "" {
		workingDir, _ = os.Getwd()
	}
	return &LocalExecutionEnvironment{
		workingDir: workingDir,
		platform:   runtime.GOOS,
		osVersion:  runtime.GOOS + "/" + runtime.GOARCH,
		envPolicy:  policy,
	}
}

func (e *LocalExecutionEnvironment) WorkingDirectory() string {
	return e.workingDir
}

func (e *LocalExecutionEnvironment) Platform() string {
	return e.platform
}

func (e *LocalExecutionEnvironment) OSVersion() string {
	return e.osVersion
}

// ResolvePath joins a relative path onto base.
func ResolvePath(base, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func (e *LocalExecutionEnvironment) resolvePath(p string) string {
	if p == "" {
		return e.workingDir
	}
	return ResolvePath(e.workingDir, p)
}

func (e *LocalExecutionEnvironment) ListDirectory(p string, includeHidden bool) ([]DirEntry, error) {
	entries, err := os.ReadDir(e.resolvePath(p))
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}

	var result []DirEntry
	for _, entry := range entries {
		if !includeHidden && strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		de := DirEntry{
			Name:  entry.Name(),
			IsDir: entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil && !entry.IsDir() {
			de.Size = info.Size()
		}
		result = append(result, de)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].IsDir != result[j].IsDir {
			return result[i].IsDir
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

// ExecCommand runs command through the platform shell in its own process
// group. When timeout expires the whole group is killed.
func (e *LocalExecutionEnvironment) ExecCommand(ctx context.Context, command string, timeout time.Duration, workingDir string, envVars map[string]string) (*ExecResult, error) {
	workingDir = e.resolvePath(workingDir)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	shell := "/bin/bash"
	shellArg := "-c"
	if runtime.GOOS == "windows" {
		shell = "cmd.exe"
		shellArg = "/c"
	} else if _, err := os.Stat(shell); err != nil {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, shellArg, command)
	cmd.Dir = workingDir
	setProcessGroup(cmd)
	cmd.WaitDelay = 2 * time.Second

	env := e.envPolicy.Build(os.Environ())
	for k, v := range envVars {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := &ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: duration.Milliseconds(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			result.TimedOut = true
			result.ExitCode = -1
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("exec command: %w", err)
		}
	}

	return result, nil
}

func (e *LocalExecutionEnvironment) Grep(ctx context.Context, pattern string, p string, options GrepOptions) (string, error) {
	p = e.resolvePath(p)

	// Prefer ripgrep, fall back to grep.
	rgPath, err := exec.LookPath("rg")
	if err != nil {
		return e.grepFallback(ctx, pattern, p, options)
	}

	args := []string{"--line-number", "--no-heading", "--color", "never"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--glob", options.GlobFilter)
	}
	args = append(args, "--", pattern, p)

	cmd := exec.CommandContext(ctx, rgPath, args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run() // rg returns exit 1 for no matches, which is fine.
	return limitLines(stdout.String(), options.MaxResults), nil
}

func (e *LocalExecutionEnvironment) grepFallback(ctx context.Context, pattern string, p string, options GrepOptions) (string, error) {
	args := []string{"-rnE"}
	if options.CaseInsensitive {
		args = append(args, "-i")
	}
	if options.GlobFilter != "" {
		args = append(args, "--include="+options.GlobFilter)
	}
	args = append(args, "--exclude-dir=.git", "--", pattern, p)

	cmd := exec.CommandContext(ctx, "grep", args...)
	cmd.Dir = e.workingDir
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	_ = cmd.Run()
	return limitLines(stdout.String(), options.MaxResults), nil
}

func limitLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.SplitAfter(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "") + "... [" + strconv.Itoa(len(lines)-n) + " more matches]\n"
}

// Glob returns files under root whose slash-separated relative path matches
// pattern. "**" matches any number of directories. Entries ignored by the
// root .gitignore and the .git directory are skipped.
func (e *LocalExecutionEnvironment) Glob(pattern string, p string) ([]string, error) {
	root := e.resolvePath(p)
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	gi, _ := ignore.CompileIgnoreFile(filepath.Join(root, ".gitignore"))

	type match struct {
		path string
		mod  time.Time
	}
	var matches []match
	err := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(root, full)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if d.Name() == ".git" || (gi != nil && gi.MatchesPath(rel+"/")) {
				return filepath.SkipDir
			}
			return nil
		}
		if gi != nil && gi.MatchesPath(rel) {
			return nil
		}
		if matchGlob(pattern, rel) {
			var mod time.Time
			if info, err := d.Info(); err == nil {
				mod = info.ModTime()
			}
			matches = append(matches, match{path: rel, mod: mod})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("glob: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].mod.After(matches[j].mod)
	})
	result := make([]string, len(matches))
	for i, m := range matches {
		result[i] = m.path
	}
	return result, nil
}

// matchGlob matches a slash-separated path against a pattern where "**"
// spans zero or more path segments.
func matchGlob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat[1:], segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], segs[0]); !ok {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}
