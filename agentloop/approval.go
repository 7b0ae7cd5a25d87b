package agentloop

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// ApprovalPolicy selects how mutating tool calls are gated.
type ApprovalPolicy string

const (
	PolicyOnRequest ApprovalPolicy = "on-request"
	PolicyOnFailure ApprovalPolicy = "on-failure"
	PolicyAuto      ApprovalPolicy = "auto"
	PolicyAutoEdit  ApprovalPolicy = "auto-edit"
	PolicyNever     ApprovalPolicy = "never"
	PolicyYolo      ApprovalPolicy = "yolo"
)

// ApprovalPolicies lists every valid policy.
var ApprovalPolicies = []ApprovalPolicy{
	PolicyOnRequest, PolicyOnFailure, PolicyAuto, PolicyAutoEdit, PolicyNever, PolicyYolo,
}

// ParseApprovalPolicy validates a policy name.
func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	for _, p := range ApprovalPolicies {
		if string(p) == strings.ToLower(strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown approval policy %q", s)
}

// ApprovalDecision is the outcome of an approval check.
type ApprovalDecision string

const (
	ApprovalApproved          ApprovalDecision = "approved"
	ApprovalRejected          ApprovalDecision = "rejected"
	ApprovalNeedsConfirmation ApprovalDecision = "needs_confirmation"
)

// ApprovalContext is what an Approver decides on.
type ApprovalContext struct {
	ToolName      string
	Kind          ToolKind
	Params        map[string]any
	IsMutating    bool
	AffectedPaths []string
	Command       string
	IsDangerous   bool
}

// Approver decides whether a mutating tool call may run.
type Approver interface {
	CheckApproval(ac ApprovalContext) ApprovalDecision
}

// Confirmer asks the user to confirm an operation.
type Confirmer interface {
	RequestConfirmation(ctx context.Context, c ToolConfirmation) bool
}

// ConfirmerFunc adapts a function to the Confirmer interface.
type ConfirmerFunc func(ctx context.Context, c ToolConfirmation) bool

func (f ConfirmerFunc) RequestConfirmation(ctx context.Context, c ToolConfirmation) bool {
	return f(ctx, c)
}

var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|~|\*|\$HOME)`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`\b(fdisk|parted)\b`),
	regexp.MustCompile(`\bchmod\s+(-R\s+)?777\b`),
	regexp.MustCompile(`\bchown\s+-R\b`),
	regexp.MustCompile(`(curl|wget)\b[^|]*\|\s*(ba|z)?sh\b`),
	regexp.MustCompile(`\bgit\s+push\b.*(--force|-f)\b`),
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`\binit\s+[06]\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

// safeCommandPatterns match whole pipeline segments. Forms that take
// arbitrary arguments are limited to read-only commands; git branch, git
// remote and go env only match their listing forms.
var safeCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(ls|pwd|cat|head|tail|wc|echo|which|whoami|file|stat|du|df)\b`),
	regexp.MustCompile(`^(grep|rg|ag|find)\b`),
	regexp.MustCompile(`^git\s+(status|diff|log|show|blame)\b`),
	regexp.MustCompile(`^git\s+branch(\s+(-a|-r|-v|-vv|--all|--list|--remotes|--show-current|--verbose))*$`),
	regexp.MustCompile(`^git\s+remote(\s+(-v|--verbose))?$`),
	regexp.MustCompile(`^go\s+(version|list|doc|vet)\b`),
	regexp.MustCompile(`^go\s+env(\s+[A-Z][A-Z0-9_]*)*$`),
	regexp.MustCompile(`^(python3?|node|ruby|go|cargo|npm)\s+(--version|-V|version)$`),
}

// unsafeArgPrefixes turn an otherwise read-only command into one that
// writes files or runs other programs.
var unsafeArgPrefixes = []string{
	"-delete", "-exec", "-ok", "-fprint", "-fls", "--pre", "--output",
}

var commandSeparators = regexp.MustCompile(`\|\||&&|;|\||&|\n`)

// IsDangerousCommand reports whether command matches a known destructive
// pattern.
func IsDangerousCommand(command string) bool {
	for _, re := range dangerousCommandPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}

// IsSafeCommand reports whether every segment of a command pipeline is a
// known read-only command.
func IsSafeCommand(command string) bool {
	command = strings.TrimSpace(command)
	if command == "" || strings.ContainsAny(command, ">`") || strings.Contains(command, "$(") || strings.Contains(command, "<(") {
		return false
	}
	for _, field := range strings.Fields(command) {
		for _, prefix := range unsafeArgPrefixes {
			if strings.HasPrefix(field, prefix) {
				return false
			}
		}
	}
	for _, segment := range commandSeparators.Split(command, -1) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		matched := false
		for _, re := range safeCommandPatterns {
			if re.MatchString(segment) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// ApprovalManager implements Approver for an ApprovalPolicy rooted at a
// working directory.
type ApprovalManager struct {
	mu     sync.RWMutex
	policy ApprovalPolicy
	cwd    string
}

// NewApprovalManager creates an ApprovalManager.
func NewApprovalManager(policy ApprovalPolicy, cwd string) *ApprovalManager {
	return &ApprovalManager{policy: policy, cwd: cwd}
}

// Policy returns the active policy.
func (m *ApprovalManager) Policy() ApprovalPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// SetPolicy changes the active policy.
func (m *ApprovalManager) SetPolicy(p ApprovalPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

func (m *ApprovalManager) outsideWorkDir(paths []string) bool {
	if m.cwd == "" {
		return false
	}
	for _, p := range paths {
		rel, err := filepath.Rel(m.cwd, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// CheckApproval applies the policy to ac.
func (m *ApprovalManager) CheckApproval(ac ApprovalContext) ApprovalDecision {
	policy := m.Policy()
	if policy == PolicyYolo {
		return ApprovalApproved
	}
	if !ac.IsMutating {
		return ApprovalApproved
	}

	dangerous := ac.IsDangerous || IsDangerousCommand(ac.Command) || m.outsideWorkDir(ac.AffectedPaths)
	if policy == PolicyNever {
		return ApprovalRejected
	}
	if dangerous {
		return ApprovalNeedsConfirmation
	}

	switch policy {
	case PolicyAuto, PolicyOnFailure:
		return ApprovalApproved
	case PolicyAutoEdit:
		if ac.Kind == KindWrite || ac.Kind == KindMemory {
			return ApprovalApproved
		}
		if ac.Kind == KindShell && IsSafeCommand(ac.Command) {
			return ApprovalApproved
		}
		return ApprovalNeedsConfirmation
	default:
		if ac.Kind == KindShell && IsSafeCommand(ac.Command) {
			return ApprovalApproved
		}
		return ApprovalNeedsConfirmation
	}
}
