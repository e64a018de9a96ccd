package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecTool executes shell commands. It is always tier 2: execution is
// gated by tool identity through the approval policy, not by inspecting
// the command string.
type ExecTool struct {
	Timeout             time.Duration
	RestrictToWorkspace bool
	WorkDir             string
	workspaceGetter     func() string
}

// NewExecTool creates a new ExecTool.
func NewExecTool(timeout time.Duration, restrictToWorkspace bool, workDir string, workspaceGetter func() string) *ExecTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if workspaceGetter == nil {
		workspaceGetter = func() string { return "" }
	}
	return &ExecTool{
		Timeout:             timeout,
		RestrictToWorkspace: restrictToWorkspace,
		WorkDir:             workDir,
		workspaceGetter:     workspaceGetter,
	}
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Tier() int    { return TierHighRisk }

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := GetString(params, "command", "")
	if command == "" {
		return "Error: command is required", nil
	}

	workDir := GetString(params, "working_dir", t.WorkDir)
	if workDir != "" {
		workDir = expandPath(workDir)
	}
	if t.RestrictToWorkspace {
		root := normalizeRoot(t.workspaceGetter())
		if root != "" {
			if workDir == "" {
				workDir = root
			} else if !isWithin(root, workDir) {
				return "Error: working directory outside workspace.", nil
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if workDir != "" {
		cmd.Dir = workDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("Error: command timed out after %s", t.Timeout), nil
	}

	var result strings.Builder
	if stdout.Len() > 0 {
		result.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("stderr: ")
		result.WriteString(stderr.String())
	}
	if err != nil {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString(fmt.Sprintf("Error: %v", err))
	}
	if result.Len() == 0 {
		return "(no output)", nil
	}
	return result.String(), nil
}
