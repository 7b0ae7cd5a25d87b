package agentloop

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateHead     TruncationMode = "head"
)

// TruncateOutput applies character-based truncation to output.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	if maxChars <= 0 || len(output) <= maxChars {
		return output
	}

	removed := len(output) - maxChars
	switch mode {
	case TruncateHead:
		return output[:maxChars] + "\n... [output truncated]"
	default:
		half := maxChars / 2
		return output[:half] +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
				"If you need to see specific parts, re-run the tool with more targeted parameters.]\n\n",
				removed) +
			output[len(output)-half:]
	}
}

// TruncateLines applies line-based truncation using head/tail split.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

// TruncateToTokens keeps the head and tail of output so that it fits in
// maxTokens, and reports whether anything was removed.
func TruncateToTokens(output string, maxTokens int, count TokenCounter) (string, bool) {
	if maxTokens <= 0 {
		return output, false
	}
	tokens := count(output)
	if tokens <= maxTokens {
		return output, false
	}
	maxChars := int(int64(len(output)) * int64(maxTokens) / int64(tokens))
	return TruncateOutput(output, maxChars, TruncateHeadTail), true
}
