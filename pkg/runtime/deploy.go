package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convoyctl/convoy/pkg/config"
)

// ErrDeployVerificationFailed reports a container that the create call
// accepted but the immediate post-create inspect could not find.
var ErrDeployVerificationFailed = errors.New("deploy verification failed: container not found after create")

// inspectFormat produces one pipe-delimited line: id|image|status.
const inspectFormat = "{{.Id}}|{{.Config.Image}}|{{.State.Status}}"

// DeployResult is the observed state of a freshly created container.
type DeployResult struct {
	ContainerID string
	Image       string
	Status      string
	Ports       []string
}

// Deployer drives the container runtime on one target through its Runner.
type Deployer struct {
	runner Runner

	// sleep is replaced in tests to skip health probe intervals.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDeployer creates a deployer bound to one target host.
func NewDeployer(runner Runner) *Deployer {
	return &Deployer{
		runner: runner,
		sleep:  sleepContext,
	}
}

// ExistingServiceImage returns the image of the currently running container
// with the given name, if one exists. Used to capture a rollback point
// before redeploying.
func (d *Deployer) ExistingServiceImage(ctx context.Context, name string) (string, bool) {
	cmd := NewCommand("docker", "inspect", "--format", "{{.Config.Image}}", name)
	result, err := d.runner.Run(ctx, cmd.String())
	if err != nil || !result.Success() {
		return "", false
	}
	image := strings.TrimSpace(result.Stdout)
	if image == "" {
		return "", false
	}
	return image, true
}

// Deploy converges the named container to the declared service. Any existing
// container with the same name is forcibly removed first, so repeated deploys
// converge rather than error. The just-created container is inspected before
// returning; an empty inspect is ErrDeployVerificationFailed even though the
// create itself succeeded.
func (d *Deployer) Deploy(ctx context.Context, name string, svc config.Service) (*DeployResult, error) {
	log.Debug().Str("service", name).Str("image", svc.Image).Str("host", d.runner.Host()).Msg("deploying service")

	pull := NewCommand("docker", "pull", svc.Image)
	result, err := d.runner.Run(ctx, pull.String())
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s for service %s: %w", svc.Image, name, err)
	}
	if !result.Success() {
		return nil, fmt.Errorf("failed to pull image %s for service %s: %s", svc.Image, name, firstLine(result.Stderr))
	}

	// Pre-removal absorbs a previous deploy of the same name; "no such
	// container" is the expected case and is ignored.
	remove := NewCommand("docker", "rm", "-f", name)
	if _, err := d.runner.Run(ctx, remove.String()); err != nil {
		return nil, fmt.Errorf("failed to remove previous container %s: %w", name, err)
	}

	run := d.runCommand(name, svc)
	result, err = d.runner.Run(ctx, run.String())
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	if !result.Success() {
		return nil, fmt.Errorf("failed to create container %s: %s", name, firstLine(result.Stderr))
	}

	return d.verify(ctx, name)
}

// Rollback redeploys the same name with the previous image substituted. It is
// best effort at the operation level: callers holding a worse error keep
// theirs, but the rollback outcome still surfaces here for logging.
func (d *Deployer) Rollback(ctx context.Context, name, previousImage string, svc config.Service) error {
	log.Warn().Str("service", name).Str("image", previousImage).Msg("rolling back service to previous image")
	rollbackSvc := svc
	rollbackSvc.Image = previousImage
	if _, err := d.Deploy(ctx, name, rollbackSvc); err != nil {
		return fmt.Errorf("rollback of service %s to image %s failed: %w", name, previousImage, err)
	}
	return nil
}

// Inspect returns the observed state of the named container. Absence is
// reported as ErrDeployVerificationFailed, same as a post-create miss.
func (d *Deployer) Inspect(ctx context.Context, name string) (*DeployResult, error) {
	return d.verify(ctx, name)
}

// Remove force-removes the named container, tolerating absence.
func (d *Deployer) Remove(ctx context.Context, name string) error {
	cmd := NewCommand("docker", "rm", "-f", name)
	if _, err := d.runner.Run(ctx, cmd.String()); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// runCommand composes the docker run invocation for a service. Environment
// keys are injected in sorted order so the command line is reproducible.
func (d *Deployer) runCommand(name string, svc config.Service) *Command {
	cmd := NewCommand("docker", "run", "-d").
		Flag("--name", name).
		Flag("--restart", "unless-stopped")

	for _, port := range svc.Ports {
		p := strconv.Itoa(port)
		cmd.Flag("-p", p+":"+p)
	}

	keys := make([]string, 0, len(svc.Env))
	for key := range svc.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cmd.Flag("-e", key+"="+svc.Env[key])
	}

	for _, volume := range svc.Volumes {
		cmd.Flag("-v", volume)
	}

	return cmd.Arg(svc.Image)
}

// verify inspects the just-created container and parses the delimited output.
func (d *Deployer) verify(ctx context.Context, name string) (*DeployResult, error) {
	inspect := NewCommand("docker", "inspect", "--format", inspectFormat, name)
	result, err := d.runner.Run(ctx, inspect.String())
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if !result.Success() || strings.TrimSpace(result.Stdout) == "" {
		return nil, fmt.Errorf("%w: %s", ErrDeployVerificationFailed, name)
	}

	parts := strings.SplitN(strings.TrimSpace(result.Stdout), "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: unparseable inspect output for %s: %q", ErrDeployVerificationFailed, name, result.Stdout)
	}
	deployResult := &DeployResult{
		ContainerID: parts[0],
		Image:       parts[1],
		Status:      parts[2],
	}

	ports := NewCommand("docker", "port", name)
	if portResult, err := d.runner.Run(ctx, ports.String()); err == nil && portResult.Success() {
		for _, line := range strings.Split(strings.TrimSpace(portResult.Stdout), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				deployResult.Ports = append(deployResult.Ports, line)
			}
		}
	}

	return deployResult, nil
}

// firstLine trims a stderr blob to its first non-empty line for error text.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return "no error output"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
