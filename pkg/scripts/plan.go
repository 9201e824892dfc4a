// Package scripts decides whether declared scripts must run, based on
// idempotency policy and content hashing, and executes them on their targets
// with optional timeout and transient-failure retry.
package scripts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/convoyctl/convoy/pkg/config"
	"github.com/convoyctl/convoy/pkg/state"
)

// Action is the planning verdict for one (script, target) pair.
type Action int

const (
	ActionRun Action = iota
	ActionSkip
)

func (a Action) String() string {
	if a == ActionSkip {
		return "skip"
	}
	return "run"
}

// Plan is the verdict plus a human-readable reason shown by plan output.
type Plan struct {
	Action Action
	Reason string
}

// HashContent returns the hex sha256 of script content. The hash is the
// content-addressed skip key for on-change idempotency.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// PlannedAction decides run-or-skip for one target. `once` skips on any
// prior run timestamp regardless of content; `on-change` skips only when the
// current hash matches the recorded one; `always` (the default) always runs.
func PlannedAction(mode, contentHash string, prior state.ScriptRunState) Plan {
	switch mode {
	case config.IdempotencyOnce:
		if prior.LastRunUnix > 0 {
			return Plan{Action: ActionSkip, Reason: "already ran once"}
		}
		return Plan{Action: ActionRun, Reason: "never ran on this target"}

	case config.IdempotencyOnChange:
		if prior.LastHash == "" {
			return Plan{Action: ActionRun, Reason: "never ran on this target"}
		}
		if prior.LastHash == contentHash {
			return Plan{Action: ActionSkip, Reason: "script content unchanged"}
		}
		return Plan{Action: ActionRun, Reason: "script content changed"}

	default:
		return Plan{Action: ActionRun, Reason: "idempotency=always"}
	}
}

// ResolveTargets expands a script's declared target to server names. "all"
// covers every declared server; "server:<name>" pins one.
func ResolveTargets(cfg *config.Config, scriptName string, script config.Script) ([]string, error) {
	if script.Target == config.TargetAll {
		names := cfg.ServerNames()
		if len(names) == 0 {
			return nil, fmt.Errorf("script %q targets all servers but none are declared", scriptName)
		}
		return names, nil
	}

	const prefix = "server:"
	name := strings.TrimPrefix(script.Target, prefix)
	if name == script.Target || name == "" {
		return nil, fmt.Errorf("script %q has unsupported target %q", scriptName, script.Target)
	}
	if _, ok := cfg.FindServer(name); !ok {
		return nil, fmt.Errorf("script %q targets undeclared server %q", scriptName, name)
	}
	return []string{name}, nil
}
