package agentloop

import (
	"fmt"
	"strings"
)

// PromptProfile holds the provider-aligned parts of the system prompt.
type PromptProfile struct {
	Provider   string
	BasePrompt string
	// DocFiles are instruction files loaded from the project in addition
	// to AGENTS.md and MAGNET.md.
	DocFiles []string
}

// ProfileFor returns the prompt profile of provider. Providers without a
// dedicated profile use the OpenAI-compatible one.
func ProfileFor(provider string) PromptProfile {
	switch provider {
	case "anthropic":
		return anthropicProfile
	default:
		p := openaiProfile
		if provider != "" {
			p.Provider = provider
		}
		return p
	}
}

// PromptOptions are the inputs of BuildSystemPrompt.
type PromptOptions struct {
	Provider              string
	Model                 string
	Env                   ExecutionEnvironment
	Tools                 []Tool
	DeveloperInstructions string
	UserInstructions      string
	// Memory holds the stored user notes.
	Memory map[string]string
}

// BuildSystemPrompt assembles the system prompt: base instructions,
// environment and git context, tools, project docs, developer
// instructions, user memory and finally user instructions.
func BuildSystemPrompt(opts PromptOptions) string {
	profile := ProfileFor(opts.Provider)

	var sb strings.Builder
	sb.WriteString(profile.BasePrompt)
	sb.WriteString("\n\n")

	if opts.Env != nil {
		st := readGitState(opts.Env.WorkingDirectory())
		sb.WriteString(environmentBlock(opts.Env, opts.Model, st))
		sb.WriteString("\n\n")

		if gitCtx := gitBlock(st); gitCtx != "" {
			sb.WriteString(gitCtx)
			sb.WriteString("\n\n")
		}
	}

	if len(opts.Tools) > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, t := range opts.Tools {
			fmt.Fprintf(&sb, "## %s\n%s\n\n", t.Name(), t.Description())
		}
	}

	if opts.Env != nil {
		if docs := DiscoverProjectDocs(opts.Env.WorkingDirectory(), profile.DocFiles); docs != "" {
			sb.WriteString("# Project Instructions\n\n")
			sb.WriteString(docs)
			sb.WriteString("\n\n")
		}
	}

	if opts.DeveloperInstructions != "" {
		sb.WriteString("# Developer Instructions\n\n")
		sb.WriteString(opts.DeveloperInstructions)
		sb.WriteString("\n\n")
	}

	if len(opts.Memory) > 0 {
		sb.WriteString("# Memory\n\nUser preferences and notes:\n")
		sb.WriteString(FormatMemories(opts.Memory, "- "))
		sb.WriteString("\n\n")
	}

	if opts.UserInstructions != "" {
		sb.WriteString("# User Instructions\n\n")
		sb.WriteString(opts.UserInstructions)
		sb.WriteString("\n\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

const sharedGuidelines = `# Tool Usage Guidelines

- Use read_file to examine file contents before editing.
- Use list_dir and glob to find files, grep to search their contents.
- Use shell for running commands, tests and builds. Prefer short-running commands and set a timeout for slow ones.
- Use web_fetch to read documentation from a URL.
- Use memory to remember user preferences that should survive the session.
- Use a subagent_ tool to delegate a self-contained investigation.

# Error Handling

- If a tool call fails, read the error and try a different approach. Do not repeat the same failing call.
- If a command fails, inspect its output and fix the cause.

# Best Practices

- Write clean, idiomatic code that follows the project's existing style.
- Do not introduce security vulnerabilities.
- Do not add unnecessary dependencies.
- Test changes when possible.`
