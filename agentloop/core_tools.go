package agentloop

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/gabriel-vasile/mimetype"
)

// CoreToolOptions supplies the collaborators of the builtin tools.
type CoreToolOptions struct {
	Env        ExecutionEnvironment
	Memory     MemoryStore
	HTTPClient *http.Client
}

// RegisterCoreTools registers the builtin tools on reg. The memory tool is
// only registered when a store is supplied.
func RegisterCoreTools(reg *ToolRegistry, opts CoreToolOptions) {
	reg.Register(newListDirTool(opts.Env))
	reg.Register(newReadFileTool())
	reg.Register(newWriteFileTool())
	reg.Register(newEditTool())
	reg.Register(newShellTool(opts.Env))
	reg.Register(newGrepTool(opts.Env))
	reg.Register(newGlobTool(opts.Env))
	reg.Register(newWebFetchTool(opts.HTTPClient))
	if opts.Memory != nil {
		reg.Register(newMemoryTool(opts.Memory))
	}
}

func unifiedDiff(path, oldContent, newContent string) string {
	return udiff.Unified("a/"+filepath.ToSlash(path), "b/"+filepath.ToSlash(path), oldContent, newContent)
}

func lineCount(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(s, "\n"), "\n") + 1
}

// list_dir

type listDirParams struct {
	Path          string `json:"path,omitempty" jsonschema:"description=Directory to list relative to the working directory. Defaults to the working directory."`
	IncludeHidden bool   `json:"include_hidden,omitempty" jsonschema:"description=Include entries whose name starts with a dot."`
}

type listDirTool struct {
	paramTool[listDirParams]
	env ExecutionEnvironment
}

func newListDirTool(env ExecutionEnvironment) *listDirTool {
	return &listDirTool{
		paramTool: newParamTool[listDirParams]("list_dir",
			"List the entries of a directory. Directories are shown with a trailing slash.", KindRead),
		env: env,
	}
}

func (t *listDirTool) Execute(_ context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)
	dir := ResolvePath(inv.WorkDir, p.Path)

	info, err := os.Stat(dir)
	if err != nil {
		return ErrorResult("Directory not found: "+dir, nil)
	}
	if !info.IsDir() {
		return ErrorResult("Path is not a directory: "+dir, nil)
	}

	entries, err := t.env.ListDirectory(dir, p.IncludeHidden)
	if err != nil {
		return ErrorResult(err.Error(), nil)
	}
	if len(entries) == 0 {
		return SuccessResult("Directory is empty.", map[string]any{"path": dir, "entries": 0})
	}

	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir {
			fmt.Fprintf(&sb, "%s/\n", e.Name)
		} else {
			fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
		}
	}
	return SuccessResult(strings.TrimSuffix(sb.String(), "\n"), map[string]any{
		"path":    dir,
		"entries": len(entries),
	})
}

// read_file

const maxReadFileSize = 10 * 1024 * 1024

type readFileParams struct {
	Path   string `json:"path" jsonschema:"description=Path to the file to read (relative to the working directory or absolute)."`
	Offset int    `json:"offset,omitempty" validate:"omitempty,min=1" jsonschema:"description=1-based line number to start reading from.,minimum=1"`
	Limit  int    `json:"limit,omitempty" validate:"omitempty,min=1" jsonschema:"description=Maximum number of lines to read. Reads to the end of the file when omitted.,minimum=1"`
}

type readFileTool struct {
	paramTool[readFileParams]
}

func newReadFileTool() *readFileTool {
	return &readFileTool{
		paramTool: newParamTool[readFileParams]("read_file",
			"Read a text file and return its content with line numbers. "+
				"Use offset and limit to read part of a large file. Binary files cannot be read.", KindRead),
	}
}

func isBinaryFile(path string) bool {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return false
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return false
		}
	}
	return true
}

func (t *readFileTool) Execute(_ context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)
	path := ResolvePath(inv.WorkDir, p.Path)

	info, err := os.Stat(path)
	if err != nil {
		return ErrorResult("File not found: "+path, nil)
	}
	if info.IsDir() {
		return ErrorResult("Path is not a file: "+path, nil)
	}
	if info.Size() > maxReadFileSize {
		return ErrorResult(fmt.Sprintf("File too large (%.1f MB). Maximum is %d MB.",
			float64(info.Size())/(1024*1024), maxReadFileSize/(1024*1024)), nil)
	}
	if info.Size() == 0 {
		return SuccessResult("File is empty.", map[string]any{"path": path, "total_lines": 0})
	}
	if isBinaryFile(path) {
		return ErrorResult(fmt.Sprintf("Cannot read binary file: %s. This tool only reads text files.", filepath.Base(path)), nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult("Failed to read file: "+err.Error(), nil)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	total := len(lines)

	start := 0
	if p.Offset > 0 {
		start = p.Offset - 1
	}
	if start >= total {
		return ErrorResult(fmt.Sprintf("Offset %d is past the end of the file (%d lines).", p.Offset, total), nil)
	}
	end := total
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}

	var sb strings.Builder
	if start > 0 || end < total {
		fmt.Fprintf(&sb, "Showing lines %d-%d of %d total lines.\n\n", start+1, end, total)
	}
	for i := start; i < end; i++ {
		fmt.Fprintf(&sb, "%6d|%s\n", i+1, lines[i])
	}
	return SuccessResult(strings.TrimSuffix(sb.String(), "\n"), map[string]any{
		"path":        path,
		"total_lines": total,
		"shown_start": start + 1,
		"shown_end":   end,
	})
}

// write_file

type writeFileParams struct {
	Path              string `json:"path" jsonschema:"description=Path to the file to write (relative to the working directory or absolute)."`
	Content           string `json:"content" jsonschema:"description=Full content to write to the file."`
	CreateDirectories *bool  `json:"create_directories,omitempty" jsonschema:"description=Create missing parent directories. Defaults to true."`
}

type writeFileTool struct {
	paramTool[writeFileParams]
}

func newWriteFileTool() *writeFileTool {
	return &writeFileTool{
		paramTool: newParamTool[writeFileParams]("write_file",
			"Write content to a file, creating it or replacing its content. "+
				"For partial modifications use the edit tool instead.", KindWrite),
	}
}

func readExisting(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}

func (t *writeFileTool) GetConfirmation(_ context.Context, inv ToolInvocation) *ToolConfirmation {
	p := t.decode(inv.Params)
	path := ResolvePath(inv.WorkDir, p.Path)
	old, exists := readExisting(path)
	action := "Overwrite"
	if !exists {
		action = "Create"
	}
	return &ToolConfirmation{
		ToolName:      t.Name(),
		Params:        inv.Params,
		Description:   fmt.Sprintf("%s file: %s", action, path),
		AffectedPaths: []string{path},
		Diff:          unifiedDiff(p.Path, old, p.Content),
	}
}

func (t *writeFileTool) Execute(_ context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)
	path := ResolvePath(inv.WorkDir, p.Path)
	old, exists := readExisting(path)

	parent := filepath.Dir(path)
	if p.CreateDirectories == nil || *p.CreateDirectories {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return ErrorResult("Failed to create directory: "+err.Error(), nil)
		}
	} else if _, err := os.Stat(parent); err != nil {
		return ErrorResult("Parent directory does not exist: "+parent, nil)
	}

	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return ErrorResult("Failed to write file: "+err.Error(), nil)
	}

	action := "Updated"
	if !exists {
		action = "Created"
	}
	lines := lineCount(p.Content)
	result := SuccessResult(fmt.Sprintf("%s %s (%d lines)", action, path, lines), map[string]any{
		"path":        path,
		"is_new_file": !exists,
		"lines":       lines,
	})
	result.Diff = unifiedDiff(p.Path, old, p.Content)
	return result
}

// edit

type editParams struct {
	Path       string `json:"path" jsonschema:"description=Path to the file to edit (relative to the working directory or absolute)."`
	OldString  string `json:"old_string,omitempty" jsonschema:"description=Exact text to replace including whitespace and indentation. Leave empty to create a new file."`
	NewString  string `json:"new_string" jsonschema:"description=Replacement text. May be empty to delete old_string."`
	ReplaceAll bool   `json:"replace_all,omitempty" jsonschema:"description=Replace every occurrence of old_string."`
}

type editTool struct {
	paramTool[editParams]
}

func newEditTool() *editTool {
	return &editTool{
		paramTool: newParamTool[editParams]("edit",
			"Edit a file by replacing text. old_string must match exactly and be unique in the file "+
				"unless replace_all is true. For new files or complete rewrites use write_file.", KindWrite),
	}
}

func (t *editTool) GetConfirmation(_ context.Context, inv ToolInvocation) *ToolConfirmation {
	p := t.decode(inv.Params)
	path := ResolvePath(inv.WorkDir, p.Path)
	old, exists := readExisting(path)

	c := &ToolConfirmation{
		ToolName:      t.Name(),
		Params:        inv.Params,
		AffectedPaths: []string{path},
	}
	if !exists {
		c.Description = "Create file: " + path
		c.Diff = unifiedDiff(p.Path, "", p.NewString)
		return c
	}
	c.Description = "Edit file: " + path
	if p.OldString != "" {
		n := 1
		if p.ReplaceAll {
			n = -1
		}
		c.Diff = unifiedDiff(p.Path, old, strings.Replace(old, p.OldString, p.NewString, n))
	}
	return c
}

func (t *editTool) Execute(_ context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)
	path := ResolvePath(inv.WorkDir, p.Path)

	old, exists := readExisting(path)
	if !exists {
		if p.OldString != "" {
			return ErrorResult(fmt.Sprintf("File does not exist: %s. To create a new file, use an empty old_string.", path), nil)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return ErrorResult("Failed to create directory: "+err.Error(), nil)
		}
		if err := os.WriteFile(path, []byte(p.NewString), 0o644); err != nil {
			return ErrorResult("Failed to write file: "+err.Error(), nil)
		}
		lines := lineCount(p.NewString)
		result := SuccessResult(fmt.Sprintf("Created %s (%d lines)", path, lines), map[string]any{
			"path":        path,
			"is_new_file": true,
			"lines":       lines,
		})
		result.Diff = unifiedDiff(p.Path, "", p.NewString)
		return result
	}

	if p.OldString == "" {
		return ErrorResult("old_string is empty but the file exists. Provide old_string to edit, or use write_file instead.", nil)
	}

	count := strings.Count(old, p.OldString)
	if count == 0 {
		return noMatchResult(p.OldString, old, path)
	}
	if count > 1 && !p.ReplaceAll {
		return ErrorResult(fmt.Sprintf("old_string found %d times in %s. Either:\n"+
			"1. Provide more context to make the match unique, or\n"+
			"2. Set replace_all=true to replace all occurrences", count, path),
			map[string]any{"occurrence_count": count})
	}

	replaced := 1
	updated := strings.Replace(old, p.OldString, p.NewString, 1)
	if p.ReplaceAll {
		replaced = count
		updated = strings.ReplaceAll(old, p.OldString, p.NewString)
	}
	if updated == old {
		return ErrorResult("No change made: old_string equals new_string", nil)
	}

	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return ErrorResult("Failed to write file: "+err.Error(), nil)
	}

	lineDiff := lineCount(updated) - lineCount(old)
	summary := fmt.Sprintf("Edited %s: replaced %d occurrence(s)", path, replaced)
	if lineDiff > 0 {
		summary += fmt.Sprintf(" (+%d lines)", lineDiff)
	} else if lineDiff < 0 {
		summary += fmt.Sprintf(" (%d lines)", lineDiff)
	}
	result := SuccessResult(summary, map[string]any{
		"path":           path,
		"replaced_count": replaced,
		"line_diff":      lineDiff,
	})
	result.Diff = unifiedDiff(p.Path, old, updated)
	return result
}

// noMatchResult reports a missing old_string together with up to three
// lines that contain its first word.
func noMatchResult(oldString, content, path string) *ToolResult {
	type candidate struct {
		line int
		text string
	}
	var similar []candidate
	if terms := strings.Fields(oldString); len(terms) > 0 {
		for i, line := range strings.Split(content, "\n") {
			if !strings.Contains(line, terms[0]) {
				continue
			}
			text := strings.TrimSpace(line)
			if len(text) > 80 {
				text = text[:80]
			}
			similar = append(similar, candidate{line: i + 1, text: text})
			if len(similar) == 3 {
				break
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "old_string not found in %s.", path)
	if len(similar) > 0 {
		sb.WriteString("\n\nPossible similar lines:")
		for _, c := range similar {
			fmt.Fprintf(&sb, "\n  Line %d: %s", c.line, c.text)
		}
		sb.WriteString("\n\nMake sure old_string matches exactly, including whitespace and indentation.")
	} else {
		sb.WriteString(" Make sure the text matches exactly, including whitespace, indentation and line breaks. " +
			"Re-read the file with read_file before editing.")
	}
	return ErrorResult(sb.String(), map[string]any{"path": path})
}

// grep

type grepParams struct {
	Pattern         string `json:"pattern" jsonschema:"description=Regular expression to search for."`
	Path            string `json:"path,omitempty" jsonschema:"description=File or directory to search. Defaults to the working directory."`
	GlobFilter      string `json:"glob_filter,omitempty" jsonschema:"description=Only search files matching this glob such as *.go."`
	CaseInsensitive bool   `json:"case_insensitive,omitempty" jsonschema:"description=Match case-insensitively."`
	MaxResults      int    `json:"max_results,omitempty" validate:"omitempty,min=1,max=1000" jsonschema:"description=Maximum number of matching lines. Defaults to 100.,minimum=1,maximum=1000"`
}

type grepTool struct {
	paramTool[grepParams]
	env ExecutionEnvironment
}

func newGrepTool(env ExecutionEnvironment) *grepTool {
	return &grepTool{
		paramTool: newParamTool[grepParams]("grep",
			"Search file contents with a regular expression. Returns matching lines with file paths and line numbers.", KindRead),
		env: env,
	}
}

func (t *grepTool) Execute(ctx context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)
	if p.MaxResults == 0 {
		p.MaxResults = 100
	}
	out, err := t.env.Grep(ctx, p.Pattern, ResolvePath(inv.WorkDir, p.Path), GrepOptions{
		GlobFilter:      p.GlobFilter,
		CaseInsensitive: p.CaseInsensitive,
		MaxResults:      p.MaxResults,
	})
	if err != nil {
		return ErrorResult("Search failed: "+err.Error(), nil)
	}
	out = strings.TrimSuffix(out, "\n")
	if out == "" {
		return SuccessResult("No matches found.", map[string]any{"matches": 0})
	}
	return SuccessResult(out, map[string]any{"matches": strings.Count(out, "\n") + 1})
}

// glob

const maxGlobResults = 500

type globParams struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern such as **/*.go. ** matches any number of directories."`
	Path    string `json:"path,omitempty" jsonschema:"description=Base directory. Defaults to the working directory."`
}

type globTool struct {
	paramTool[globParams]
	env ExecutionEnvironment
}

func newGlobTool(env ExecutionEnvironment) *globTool {
	return &globTool{
		paramTool: newParamTool[globParams]("glob",
			"Find files matching a glob pattern. Returns paths sorted by modification time, newest first.", KindRead),
		env: env,
	}
}

func (t *globTool) Execute(_ context.Context, inv ToolInvocation) *ToolResult {
	p := t.decode(inv.Params)
	matches, err := t.env.Glob(p.Pattern, ResolvePath(inv.WorkDir, p.Path))
	if err != nil {
		return ErrorResult(err.Error(), nil)
	}
	if len(matches) == 0 {
		return SuccessResult("No files matched the pattern.", map[string]any{"matches": 0})
	}
	out := strings.Join(matches, "\n")
	if len(matches) > maxGlobResults {
		out = TruncateLines(out, maxGlobResults)
	}
	return SuccessResult(out, map[string]any{"matches": len(matches)})
}
