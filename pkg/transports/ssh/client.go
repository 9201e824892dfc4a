package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/convoyctl/convoy/pkg/runtime"
)

// TransportError wraps a channel failure with the operation that hit it.
// Temporary errors (dial failures, dropped sessions) are retryable; auth and
// key-material errors are not.
type TransportError struct {
	Op        string
	Err       error
	Temporary bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a retryable transport failure.
func IsTemporary(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Temporary
}

// Client executes commands on one remote host. It implements runtime.Runner
// so the deploy protocol is identical for local and remote targets.
type Client struct {
	name   string
	config *Config

	mu     sync.Mutex
	client *ssh.Client
}

// NewClient creates a client for a named host. name is the declared server
// name used in logs and state; it need not match the network address.
func NewClient(name string, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "configure", Err: err}
	}
	return &Client{name: name, config: config}, nil
}

// Host returns the declared server name.
func (c *Client) Host() string { return c.name }

// Connect establishes the SSH connection. An already-live connection is
// verified and reused.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if c.probeLocked() == nil {
			return nil
		}
		log.Warn().Str("server", c.name).Msg("ssh connection is dead, reconnecting")
		_ = c.client.Close()
		c.client = nil
	}

	clientConfig, err := c.config.clientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	address := c.config.Address()
	log.Debug().Str("server", c.name).Str("address", address).Msg("establishing ssh connection")

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	dialCh := make(chan dialResult, 1)
	go func() {
		client, dialErr := ssh.Dial("tcp", address, clientConfig)
		dialCh <- dialResult{client: client, err: dialErr}
	}()

	select {
	case <-ctx.Done():
		return &TransportError{Op: "connect", Err: ctx.Err(), Temporary: true}
	case result := <-dialCh:
		if result.err != nil {
			return &TransportError{Op: "connect", Err: result.err, Temporary: true}
		}
		c.client = result.client
	}

	log.Debug().Str("server", c.name).Str("address", address).Msg("ssh connection established")
	return nil
}

// WaitReady polls the connection until the host accepts sessions or the
// deadline passes. Freshly provisioned servers need time before sshd answers.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := c.Connect(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			return &TransportError{Op: "wait-ready", Err: ctx.Err(), Temporary: true}
		case <-time.After(3 * time.Second):
		}
	}
	return &TransportError{Op: "wait-ready", Err: fmt.Errorf("host not reachable within %s: %w", timeout, lastErr), Temporary: true}
}

// Run executes one command line in a fresh session. A nonzero exit status is
// reported through the Result; only channel failures are errors.
func (c *Client) Run(ctx context.Context, command string) (runtime.Result, error) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return runtime.Result{}, &TransportError{Op: "execute", Err: errors.New("not connected")}
	}

	session, err := client.NewSession()
	if err != nil {
		return runtime.Result{}, &TransportError{Op: "execute", Err: fmt.Errorf("failed to create session: %w", err), Temporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		runErr = ctx.Err()
	case runErr = <-done:
	}

	result := runtime.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, &TransportError{Op: "execute", Err: runErr, Temporary: true}
	}
	return result, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil && !strings.Contains(err.Error(), "use of closed") {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// probeLocked verifies liveness with a throwaway session. Callers hold mu.
func (c *Client) probeLocked() error {
	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run("true")
}
