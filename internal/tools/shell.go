package tools

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool/utils"

	"github.com/ushercli/usher/internal/policy"
)

// shellResourceKey serializes every exec call: concurrent shell commands
// in one batch would otherwise race on the working tree.
const shellResourceKey = "shell"

// ExecInput parameters for exec tool
type ExecInput struct {
	Command    string `json:"command" jsonschema:"required,description=Shell command to execute"`
	WorkingDir string `json:"working_dir" jsonschema:"description=Working directory for the command"`
}

// ExecOutput result of exec tool
type ExecOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// dangerousPatterns match commands that are refused outright, before any
// policy consult. Compiled once at init time.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*\s+-[a-z]*f[a-z]*|-[a-z]*f[a-z]*\s+-[a-z]*r[a-z]*|-[a-z]*rf[a-z]*|-[a-z]*fr[a-z]*)\s+/\s*$`),
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*\s+-[a-z]*f[a-z]*|-[a-z]*f[a-z]*\s+-[a-z]*r[a-z]*|-[a-z]*rf[a-z]*|-[a-z]*fr[a-z]*)\s+~`),
	regexp.MustCompile(`(?i)--no-preserve-root`),
	regexp.MustCompile(`(?i)\bmkfs\b`),
	regexp.MustCompile(`(?i)\bdd\s+if=`),
	regexp.MustCompile(`:\(\)\s*\{.*\|.*&\s*\}\s*;`),
	regexp.MustCompile(`(?i)\bformat\s+[a-z]:`),
}

func isDangerous(cmd string) (bool, string) {
	for _, pat := range dangerousPatterns {
		if pat.MatchString(cmd) {
			return true, pat.String()
		}
	}
	return false, ""
}

type sinkWriter struct {
	sink OutputSink
}

func (w sinkWriter) Write(p []byte) (int, error) {
	w.sink(string(p))
	return len(p), nil
}

type execToolImpl struct {
	timeout             time.Duration
	restrictToWorkspace bool
	workspaceDir        string
}

func (e *execToolImpl) execute(ctx context.Context, input *ExecInput) (*ExecOutput, error) {
	if dangerous, pattern := isDangerous(input.Command); dangerous {
		return &ExecOutput{
			Stderr:   fmt.Sprintf("Blocked dangerous command matching pattern: %s", pattern),
			ExitCode: 1,
		}, nil
	}

	workDir := input.WorkingDir
	if e.restrictToWorkspace && e.workspaceDir != "" {
		if workDir != "" {
			if err := validatePath(workDir, e.workspaceDir); err != nil {
				return &ExecOutput{
					Stderr:   fmt.Sprintf("Working directory rejected: %s", err.Error()),
					ExitCode: 1,
				}, nil
			}
		} else {
			workDir = e.workspaceDir
		}
	} else if workDir == "" && e.workspaceDir != "" {
		workDir = e.workspaceDir
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(timeoutCtx, "cmd", "/C", input.Command)
	} else {
		cmd = exec.CommandContext(timeoutCtx, "sh", "-c", input.Command)
	}
	if workDir != "" {
		cmd.Dir = workDir
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if sink := OutputSinkFromContext(ctx); sink != nil {
		cmd.Stdout = io.MultiWriter(&stdout, sinkWriter{sink: sink})
	}

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return &ExecOutput{
				Stderr:   err.Error(),
				ExitCode: 1,
			}, nil
		}
	}

	return &ExecOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// NewExecTool creates the exec tool definition.
func NewExecTool(timeoutSec int, restrictToWorkspace bool, workspaceDir string) (Definition, error) {
	impl := &execToolImpl{
		timeout:             time.Duration(timeoutSec) * time.Second,
		restrictToWorkspace: restrictToWorkspace,
		workspaceDir:        workspaceDir,
	}
	t, err := utils.InferTool("exec", "Execute a shell command", impl.execute)
	if err != nil {
		return Definition{}, err
	}
	return Definition{
		Tool:     t,
		Category: policy.CategoryShell,
		Params: map[string]Param{
			"command":     {Type: "string", Required: true},
			"working_dir": {Type: "string"},
		},
		ResourceKey: func(map[string]any) string { return shellResourceKey },
	}, nil
}
