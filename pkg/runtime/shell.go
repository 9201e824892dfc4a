// Package runtime deploys container workloads through a uniform shell-command
// abstraction. The same composed invocations run against the local container
// runtime and remote hosts reached through a shell channel, so one deploy
// implementation covers every backend that can execute a command line.
package runtime

import (
	"context"
	"strings"
)

// Result is the outcome of one executed command line.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports whether the command exited zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner executes shell command lines on one target host. Implementations
// return an error only for channel failures; a nonzero exit status is a
// normal Result, not an error.
type Runner interface {
	// Run executes the command line and waits for completion.
	Run(ctx context.Context, command string) (Result, error)

	// Host is the target label used in logs and state, e.g. "local" or a
	// declared server name.
	Host() string
}

// Command is a typed argument-vector builder. Tokens are collected unescaped
// and quoted exactly once, when the vector is rendered to a command line.
type Command struct {
	argv []string
}

// NewCommand starts a command vector with the program name.
func NewCommand(program string, args ...string) *Command {
	return &Command{argv: append([]string{program}, args...)}
}

// Arg appends tokens to the vector.
func (c *Command) Arg(args ...string) *Command {
	c.argv = append(c.argv, args...)
	return c
}

// Flag appends a flag token followed by its value token.
func (c *Command) Flag(flag, value string) *Command {
	c.argv = append(c.argv, flag, value)
	return c
}

// Argv returns a copy of the raw, unquoted token vector.
func (c *Command) Argv() []string {
	return append([]string(nil), c.argv...)
}

// String renders the vector to a single command line with every token passed
// through Quote. This is the only place tokens are escaped.
func (c *Command) String() string {
	quoted := make([]string, len(c.argv))
	for i, token := range c.argv {
		quoted[i] = Quote(token)
	}
	return strings.Join(quoted, " ")
}

// Quote single-quotes a token for POSIX shells. Tokens made only of safe
// characters pass through untouched; embedded single quotes use the
// '"'"' splice.
func Quote(token string) string {
	if token == "" {
		return "''"
	}
	if isShellSafe(token) {
		return token
	}
	return "'" + strings.ReplaceAll(token, "'", `'"'"'`) + "'"
}

func isShellSafe(token string) bool {
	for _, r := range token {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '/' || r == ':' || r == '=' || r == ',' || r == '@' || r == '%' || r == '+':
		default:
			return false
		}
	}
	return true
}
