package scripts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/convoyctl/convoy/pkg/config"
	"github.com/convoyctl/convoy/pkg/retry"
	"github.com/convoyctl/convoy/pkg/runtime"
	"github.com/convoyctl/convoy/pkg/state"
)

// RunResult is the outcome of one (script, target) execution or skip.
type RunResult struct {
	Script  string
	Server  string
	Skipped bool
	Reason  string
	Stdout  string
	Stderr  string
}

// Executor runs scripts on targets and records run state for idempotency.
// Script paths are resolved relative to the configuration file's directory.
type Executor struct {
	baseDir string
}

// NewExecutor creates an executor rooted at the config file's directory.
func NewExecutor(baseDir string) *Executor {
	return &Executor{baseDir: baseDir}
}

// ReadContent loads and hashes a script's content.
func (e *Executor) ReadContent(script config.Script) ([]byte, string, error) {
	path := script.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(e.baseDir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read script file %s: %w", path, err)
	}
	return content, HashContent(content), nil
}

// Execute runs one script on one target, honoring its idempotency policy and
// retry declaration. On success the run state (hash + timestamp) is recorded
// on st under the (script, server) key.
func (e *Executor) Execute(ctx context.Context, name string, script config.Script, runner runtime.Runner, st *state.LocalState) (*RunResult, error) {
	content, hash, err := e.ReadContent(script)
	if err != nil {
		return nil, err
	}

	key := state.ScriptRunKey(name, runner.Host())
	plan := PlannedAction(script.Idempotency, hash, st.ScriptRuns[key])
	if plan.Action == ActionSkip {
		log.Info().Str("script", name).Str("server", runner.Host()).Str("reason", plan.Reason).Msg("skipping script")
		return &RunResult{Script: name, Server: runner.Host(), Skipped: true, Reason: plan.Reason}, nil
	}

	attempts := 1
	transientOnly := false
	if script.Retry != nil {
		if script.Retry.MaxAttempts > 0 {
			attempts = script.Retry.MaxAttempts
		}
		transientOnly = script.Retry.TransientOnly
	}

	operation := fmt.Sprintf("script %s on %s", name, runner.Host())
	result, err := retry.DoClassified(ctx, attempts, time.Second, operation, Classifier(transientOnly),
		func(ctx context.Context, _ int) (*RunResult, error) {
			return e.runOnce(ctx, name, script, string(content), runner)
		})
	if err != nil {
		return nil, err
	}

	st.ScriptRuns[key] = state.ScriptRunState{LastHash: hash, LastRunUnix: time.Now().Unix()}
	result.Reason = plan.Reason
	return result, nil
}

// uploader is satisfied by transports that can write files directly (the
// SSH client over sftp). Runners without it get the heredoc fallback.
type uploader interface {
	Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error
}

// runOnce transfers the script to the target and executes it under the
// declared shell with sorted environment injection.
func (e *Executor) runOnce(ctx context.Context, name string, script config.Script, content string, runner runtime.Runner) (*RunResult, error) {
	remotePath := fmt.Sprintf("/tmp/convoy-script-%s.sh", uuid.NewString())

	if err := e.transfer(ctx, name, content, remotePath, runner); err != nil {
		return nil, err
	}

	defer func() {
		if _, err := runner.Run(ctx, "rm -f "+remotePath); err != nil {
			log.Warn().Str("script", name).Str("path", remotePath).Err(err).Msg("failed to clean up script file")
		}
	}()

	result, err := runner.Run(ctx, e.execCommand(script, remotePath))
	if err != nil {
		return nil, fmt.Errorf("failed to execute script %s: %w", name, err)
	}
	if result.ExitCode == 124 && script.TimeoutSecs > 0 {
		return nil, fmt.Errorf("script %s timed out after %ds", name, script.TimeoutSecs)
	}
	if !result.Success() {
		return nil, fmt.Errorf("script %s exited %d: %s", name, result.ExitCode, firstLine(result.Stderr))
	}

	return &RunResult{
		Script: name,
		Server: runner.Host(),
		Stdout: result.Stdout,
		Stderr: result.Stderr,
	}, nil
}

// transfer writes the script to remotePath. Transports that expose direct
// file upload take that path; anything else gets a quoted heredoc.
func (e *Executor) transfer(ctx context.Context, name, content, remotePath string, runner runtime.Runner) error {
	if u, ok := runner.(uploader); ok {
		if err := u.Upload(ctx, []byte(content), remotePath, 0o700); err != nil {
			return fmt.Errorf("failed to transfer script %s: %w", name, err)
		}
		return nil
	}

	// The heredoc marker carries a random suffix so script content can never
	// terminate the document early.
	marker := "CONVOY_EOF_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	write := fmt.Sprintf("cat > %s << '%s'\n%s\n%s", remotePath, marker, content, marker)
	if result, err := runner.Run(ctx, write); err != nil {
		return fmt.Errorf("failed to transfer script %s: %w", name, err)
	} else if !result.Success() {
		return fmt.Errorf("failed to transfer script %s: %s", name, firstLine(result.Stderr))
	}
	return nil
}

// execCommand composes the invocation: sorted env assignments, optional
// timeout bound, declared shell, script path, declared args.
func (e *Executor) execCommand(script config.Script, remotePath string) string {
	var parts []string

	keys := make([]string, 0, len(script.Env))
	for key := range script.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts = append(parts, key+"="+runtime.Quote(script.Env[key]))
	}

	if script.TimeoutSecs > 0 {
		parts = append(parts, "timeout", strconv.Itoa(script.TimeoutSecs))
	}

	shell := script.Shell
	if shell == "" {
		shell = "bash"
	}
	parts = append(parts, shell, remotePath)

	for _, arg := range script.Args {
		parts = append(parts, runtime.Quote(arg))
	}

	return strings.Join(parts, " ")
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "no error output"
}
