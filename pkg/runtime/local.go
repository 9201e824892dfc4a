package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// LocalRunner executes command lines against the local shell.
type LocalRunner struct{}

func (LocalRunner) Host() string { return "local" }

// Run executes the command line under `sh -c`. A nonzero exit status is
// reported through the Result, not the error.
func (LocalRunner) Run(ctx context.Context, command string) (Result, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to execute local command: %w", err)
	}
	return result, nil
}
