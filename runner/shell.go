package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Environment variables exposing the output and env handoff files to the
// step's process. A step writes "name=value" lines to these files; the
// runner parses them back into the Result.
const (
	OutputFileEnv = "CONVEYOR_OUTPUT"
	EnvFileEnv    = "CONVEYOR_ENV"
)

// ShellRunner executes shell step invocations with os/exec.
type ShellRunner struct {
	// Shell is the interpreter used to run commands. Defaults to "sh".
	Shell string
}

func NewShellRunner() *ShellRunner {
	return &ShellRunner{Shell: "sh"}
}

func (r *ShellRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.Command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}

	if inv.Timeout > 0 {
		timeoutCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
		ctx = timeoutCtx
	}

	// Handoff files for declared outputs and exported env
	tmpDir, err := os.MkdirTemp("", "conveyor-step-")
	if err != nil {
		return nil, fmt.Errorf("failed to create step temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	outputFile := filepath.Join(tmpDir, "output")
	envFile := filepath.Join(tmpDir, "env")

	cmd := exec.CommandContext(ctx, r.shell(), "-c", inv.Command)
	if inv.WorkingDir != "" {
		cmd.Dir = inv.WorkingDir
	}
	cmd.Env = os.Environ()
	for key, value := range inv.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%s", OutputFileEnv, outputFile),
		fmt.Sprintf("%s=%s", EnvFileEnv, envFile))

	combined, runErr := cmd.CombinedOutput()

	result := &Result{
		Outputs: parseKeyValueFile(outputFile),
		Env:     parseKeyValueFile(envFile),
		Log:     string(combined),
	}
	if runErr != nil {
		if exitError, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitError.ExitCode()
			return result, fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, fmt.Errorf("failed to execute command: %w", runErr)
	}
	return result, nil
}

func (r *ShellRunner) shell() string {
	if r.Shell != "" {
		return r.Shell
	}
	return "sh"
}

// parseKeyValueFile reads "name=value" lines from a handoff file. A missing
// file simply means the step declared nothing.
func parseKeyValueFile(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	values := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(name)] = value
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

var _ Runner = (*ShellRunner)(nil)
