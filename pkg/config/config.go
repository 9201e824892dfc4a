// Package config defines the desired-state configuration model: the
// declarative description of servers to provision, services to run, scripts
// to execute, and the hooks gating each phase. The configuration is read-only
// input to the engine; observed reality lives in pkg/state.
package config

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

// DeployMode selects the execution surface for service deploys.
const (
	DeployModeLocal  = "local"
	DeployModeRemote = "remote"
)

// Script target selectors: TargetAll or "server:<name>".
const TargetAll = "all"

// Idempotency modes for scripts.
const (
	IdempotencyAlways   = "always"
	IdempotencyOnce     = "once"
	IdempotencyOnChange = "on-change"
)

// Hook phases.
const (
	HookPreProvision  = "pre_provision"
	HookPostProvision = "post_provision"
	HookPostDeploy    = "post_deploy"
)

// Config is the root desired-state document.
type Config struct {
	Project  Project           `yaml:"project" validate:"required"`
	Infra    *Infra            `yaml:"infra,omitempty"`
	Services map[string]Service `yaml:"services,omitempty"`
	Scripts  map[string]Script  `yaml:"scripts,omitempty"`
	Hooks    *Hooks            `yaml:"hooks,omitempty"`
}

// Project identifies the project and its default deploy mode.
type Project struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description,omitempty"`
	DeployMode  string `yaml:"deploy_mode,omitempty" validate:"omitempty,oneof=local remote"`
}

// Infra declares the servers to provision.
type Infra struct {
	Servers []Server `yaml:"servers" validate:"dive"`
}

// Server declares one server to provision through a compute provider.
type Server struct {
	Name       string `yaml:"name" validate:"required"`
	Provider   string `yaml:"provider" validate:"required"`
	Region     string `yaml:"region,omitempty"`
	ServerType string `yaml:"server_type" validate:"required"`
	SSHKey     string `yaml:"ssh_key" validate:"required"`
	FloatingIP bool   `yaml:"floating_ip,omitempty"`
}

// Service declares one container workload.
type Service struct {
	Image        string            `yaml:"image" validate:"required"`
	Ports        []int             `yaml:"ports,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Volumes      []string          `yaml:"volumes,omitempty"`
	DependsOn    []string          `yaml:"depends_on,omitempty"`
	TargetServer string            `yaml:"target_server,omitempty"`
	Healthcheck  *Healthcheck      `yaml:"healthcheck,omitempty"`
	DeployMode   string            `yaml:"deploy_mode,omitempty" validate:"omitempty,oneof=local remote"`
}

// Healthcheck declares the post-deploy health gate for a service: either a
// single probe (exactly one of command, http, tcp) or a composed profile of
// probes under Checks, combined per Mode. Retries and interval always come
// from the top level.
type Healthcheck struct {
	Command      []string         `yaml:"command,omitempty"`
	IntervalSecs int              `yaml:"interval_secs,omitempty"`
	Retries      int              `yaml:"retries,omitempty"`
	TimeoutSecs  int              `yaml:"timeout_secs,omitempty"`
	HTTP         *HTTPHealthcheck `yaml:"http,omitempty"`
	TCP          *TCPHealthcheck  `yaml:"tcp,omitempty"`

	// Mode combines Checks: "all" (the default) requires every probe to
	// pass in the same attempt, "any" requires one.
	Mode   string        `yaml:"mode,omitempty" validate:"omitempty,oneof=any all"`
	Checks []Healthcheck `yaml:"checks,omitempty"`
}

// HTTPHealthcheck probes an HTTP endpoint from the target host.
type HTTPHealthcheck struct {
	URL            string `yaml:"url,omitempty"`
	Path           string `yaml:"path,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	ExpectedStatus int    `yaml:"expected_status,omitempty"`
	TimeoutSecs    int    `yaml:"timeout_secs,omitempty"`
}

// TCPHealthcheck probes a TCP port from the target host.
type TCPHealthcheck struct {
	Host        string `yaml:"host,omitempty"`
	Port        int    `yaml:"port" validate:"required"`
	TimeoutSecs int    `yaml:"timeout_secs,omitempty"`
}

// Script declares a remote script with its idempotency policy.
type Script struct {
	Target      string            `yaml:"target" validate:"required"`
	File        string            `yaml:"file" validate:"required"`
	Shell       string            `yaml:"shell,omitempty"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Idempotency string            `yaml:"idempotency,omitempty" validate:"omitempty,oneof=always once on-change"`
	TimeoutSecs int               `yaml:"timeout_secs,omitempty"`
	Retry       *ScriptRetry      `yaml:"retry,omitempty"`
}

// ScriptRetry is the per-script retry policy.
type ScriptRetry struct {
	MaxAttempts   int  `yaml:"max_attempts,omitempty"`
	TransientOnly bool `yaml:"transient_only,omitempty"`
}

// Hooks lists script names to run at each provisioning phase.
type Hooks struct {
	PreProvision  []string `yaml:"pre_provision,omitempty"`
	PostProvision []string `yaml:"post_provision,omitempty"`
	PostDeploy    []string `yaml:"post_deploy,omitempty"`
}

// HasServers reports whether any infra server is declared.
func (c *Config) HasServers() bool {
	return c.Infra != nil && len(c.Infra.Servers) > 0
}

// FindServer returns the declared server with the given name.
func (c *Config) FindServer(name string) (Server, bool) {
	if c.Infra == nil {
		return Server{}, false
	}
	for _, s := range c.Infra.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

// ServiceNames returns the declared service names in lexicographic order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerNames returns the declared server names in declaration order.
func (c *Config) ServerNames() []string {
	if c.Infra == nil {
		return nil
	}
	names := make([]string, 0, len(c.Infra.Servers))
	for _, s := range c.Infra.Servers {
		names = append(names, s.Name)
	}
	return names
}

// Validate checks structural constraints via validator tags plus the
// semantic cross-references the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	for name, svc := range c.Services {
		if name == "" {
			return fmt.Errorf("service name cannot be empty")
		}
		if svc.Healthcheck != nil {
			if err := validateHealthcheck(name, svc.Healthcheck); err != nil {
				return err
			}
		}
		for _, dep := range svc.DependsOn {
			if dep == name {
				return fmt.Errorf("service %q cannot depend on itself", name)
			}
		}
	}

	for name, script := range c.Scripts {
		if name == "" {
			return fmt.Errorf("script name cannot be empty")
		}
		if script.Target != TargetAll && !isServerTarget(script.Target) {
			return fmt.Errorf("script %q has unsupported target %q: use \"all\" or \"server:<name>\"", name, script.Target)
		}
	}

	if c.Hooks != nil {
		if len(c.Scripts) == 0 {
			if len(c.Hooks.PreProvision)+len(c.Hooks.PostProvision)+len(c.Hooks.PostDeploy) > 0 {
				return fmt.Errorf("hooks configured but no scripts defined")
			}
		}
		for _, phase := range []struct {
			name  string
			names []string
		}{
			{HookPreProvision, c.Hooks.PreProvision},
			{HookPostProvision, c.Hooks.PostProvision},
			{HookPostDeploy, c.Hooks.PostDeploy},
		} {
			for _, script := range phase.names {
				if _, ok := c.Scripts[script]; !ok {
					return fmt.Errorf("hook %q references unknown script %q", phase.name, script)
				}
			}
		}
	}

	return nil
}

// validateHealthcheck enforces the probe shape: a single probe declares
// exactly one of command/http/tcp, a composed profile declares only Checks,
// one level deep, each child being a single probe.
func validateHealthcheck(service string, hc *Healthcheck) error {
	hasProbe := len(hc.Command) > 0 || hc.HTTP != nil || hc.TCP != nil

	if len(hc.Checks) == 0 {
		if hc.Mode != "" {
			return fmt.Errorf("healthcheck for service %q sets mode %q without checks", service, hc.Mode)
		}
		if !hasProbe {
			return fmt.Errorf("healthcheck for service %q must declare one of: command, http, tcp", service)
		}
		return nil
	}

	if hasProbe {
		return fmt.Errorf("healthcheck for service %q cannot combine checks with a direct probe", service)
	}
	for i := range hc.Checks {
		child := &hc.Checks[i]
		if len(child.Checks) > 0 {
			return fmt.Errorf("healthcheck for service %q cannot nest checks", service)
		}
		if len(child.Command) == 0 && child.HTTP == nil && child.TCP == nil {
			return fmt.Errorf("healthcheck for service %q check %d must declare one of: command, http, tcp", service, i+1)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func isServerTarget(target string) bool {
	const prefix = "server:"
	return len(target) > len(prefix) && target[:len(prefix)] == prefix
}
