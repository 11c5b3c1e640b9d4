// Package guardrails enforces the safety boundaries an autonomous coding
// agent must never cross: protected branches, blocked paths, workspace
// scope, diff size, wall-clock timeout, and destructive shell commands
// glimpsed in its own output. Ported from
// original_source/conductor/guardrails.py.
package guardrails

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/conductorhq/conductord/internal/config"
	"github.com/conductorhq/conductord/internal/model"
)

// Guardrails evaluates one task's guardrail config against the agent
// driving it.
type Guardrails struct {
	cfg config.GuardrailsConfig
}

// New builds a Guardrails checker over cfg.
func New(cfg config.GuardrailsConfig) *Guardrails {
	return &Guardrails{cfg: cfg}
}

// CheckBranchAllowed reports whether branch may be checked out and
// committed to. A protected-branch entry ending in "/*" (e.g.
// "release/*") rejects every branch starting with the text before the
// "*"; any other entry rejects only an exact match.
func (g *Guardrails) CheckBranchAllowed(branch string) (bool, string) {
	for _, pattern := range g.cfg.ProtectedBranches {
		matched := branch == pattern
		if strings.HasSuffix(pattern, "/*") {
			matched = strings.HasPrefix(branch, strings.TrimSuffix(pattern, "*"))
		}
		if matched {
			return false, "branch " + branch + " is protected by pattern " + pattern
		}
	}
	return true, ""
}

// CheckPathAllowed reports whether path may be touched by the agent,
// rejecting anything under a blocked path (after ~ expansion against
// home).
func (g *Guardrails) CheckPathAllowed(path, home string) (bool, string) {
	for _, blocked := range g.cfg.BlockedPaths {
		expanded := blocked
		if strings.HasPrefix(blocked, "~") {
			expanded = home + strings.TrimPrefix(blocked, "~")
		}
		abs, err1 := filepath.Abs(path)
		blockedAbs, err2 := filepath.Abs(expanded)
		if err1 != nil || err2 != nil {
			continue
		}
		if abs == blockedAbs || strings.HasPrefix(abs, blockedAbs+string(filepath.Separator)) {
			return false, "path " + path + " is under blocked path " + blocked
		}
	}
	return true, ""
}

// CheckWorkspaceScope reports whether path falls within workspaceRoot,
// preventing an agent from editing files outside its assigned tree.
func (g *Guardrails) CheckWorkspaceScope(path, workspaceRoot string) (bool, string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, "could not resolve path " + path
	}
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return false, "could not resolve workspace root"
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return false, "path " + path + " is outside workspace " + workspaceRoot
	}
	return true, ""
}

// shellToolPattern matches tool-invocation names capable of running
// arbitrary shell commands, the same family original_source's
// check_agent_output dispatches on.
var shellToolPattern = regexp.MustCompile(`(?i)^(shell|terminal|exec|command|bash|run_command)$`)

// promptSigilPattern catches a raw shell-invocation line the agent
// printed outside of a structured tool call, e.g. a line starting with
// "$" or ">".
var promptSigilPattern = regexp.MustCompile(`^\s*[$>]\s*(.+)$`)

// destructivePattern flags the command substrings original_source's
// guardrails.py's dangerous_patterns and force_push_patterns treat as
// unconditionally dangerous, ported verbatim.
var destructivePattern = regexp.MustCompile(`(?i)git\s+push\s+.*--force|git\s+push\s+-f\b|git\s+push\s+.*--force-with-lease|rm\s+-rf\s+/|rm\s+-rf\s+~/|chmod\s+-R\s+777|curl\s+.*\|\s*sh|wget\s+.*\|\s*sh`)

// CheckAgentOutput scans one line of raw agent output for a destructive
// shell invocation, either inside a JSON tool-call payload whose tool
// name matches the shell family, or as a bare "$ ..."/"> ..." line.
// Returns false with a reason if the line should kill the agent.
func (g *Guardrails) CheckAgentOutput(line string) (bool, string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return true, ""
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
		toolName, _ := parsed["tool"].(string)
		if toolName == "" {
			toolName, _ = parsed["name"].(string)
		}
		if shellToolPattern.MatchString(toolName) {
			var cmd string
			if args, ok := parsed["input"].(map[string]any); ok {
				if c, ok := args["command"].(string); ok {
					cmd = c
				}
			}
			if cmd == "" {
				if c, ok := parsed["command"].(string); ok {
					cmd = c
				}
			}
			if destructivePattern.MatchString(cmd) {
				return false, "destructive shell command detected: " + cmd
			}
		}
		return true, ""
	}

	if m := promptSigilPattern.FindStringSubmatch(trimmed); m != nil {
		if destructivePattern.MatchString(m[1]) {
			return false, "destructive shell command detected: " + m[1]
		}
	}
	return true, ""
}

// CheckDiffSize reports whether stats stay within the configured file
// and line change caps.
func (g *Guardrails) CheckDiffSize(stats model.DiffStats) (bool, string) {
	if stats.TotalFiles > g.cfg.MaxFilesChanged {
		return false, "too many files changed"
	}
	if stats.TotalAdded+stats.TotalRemoved > g.cfg.MaxLinesChanged {
		return false, "too many lines changed"
	}
	return true, ""
}

// CheckTimeout reports whether startedAt has exceeded the configured
// per-task wall-clock budget.
func (g *Guardrails) CheckTimeout(startedAt time.Time, now time.Time) (bool, string) {
	limit := time.Duration(g.cfg.TaskTimeoutMinutes) * time.Minute
	if now.Sub(startedAt) > limit {
		return false, "task exceeded timeout"
	}
	return true, ""
}

// GeneratePreamble builds the instructional header prepended to every
// task prompt, including the commit-tag convention the PR lifecycle and
// CI-fix task creation rely on to attribute commits back to a task id.
func (g *Guardrails) GeneratePreamble(taskID int64) string {
	var b strings.Builder
	b.WriteString("You are an autonomous coding agent operating under guardrails.\n")
	b.WriteString("Stay strictly within your assigned workspace directory.\n")
	for _, branch := range g.cfg.ProtectedBranches {
		b.WriteString("Never commit directly to protected branch pattern: " + branch + "\n")
	}
	if g.cfg.BlockForcePush {
		b.WriteString("Never force-push.\n")
	}
	b.WriteString("Tag every commit message with [conductor:task-")
	b.WriteString(strconv.FormatInt(taskID, 10))
	b.WriteString("] so it can be traced back to this task.\n")
	return b.String()
}
