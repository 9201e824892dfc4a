package runtime

import (
	"errors"
	"fmt"

	"github.com/convoyctl/convoy/pkg/config"
)

var (
	// ErrUnsafeLocalDeploy guards against deploying to the operator's own
	// machine while real infrastructure is declared.
	ErrUnsafeLocalDeploy = errors.New("local deploy refused while servers are declared; pass the local override to force it")

	// ErrTargetServerNotFound reports a service pinned to an undeclared server.
	ErrTargetServerNotFound = errors.New("target server not declared in configuration")

	// ErrNoServersDeclared reports a remote deploy with no infra servers.
	ErrNoServersDeclared = errors.New("remote deploy requires at least one declared server")

	// ErrUnsupportedProvider reports a target server whose provider cannot be
	// reached for shell-based container operations. Such workloads deploy
	// through the provider's native path instead.
	ErrUnsupportedProvider = errors.New("provider does not support direct shell deploy")
)

// Target is the execution surface chosen for one service deploy: the local
// runtime or a named remote host. It is resolved once per service per
// operation and never cached, because target identity can change between
// releases.
type Target struct {
	Mode   string
	Server config.Server
}

// IsLocal reports whether the target is the orchestrator's own host.
func (t Target) IsLocal() bool {
	return t.Mode == config.DeployModeLocal
}

// ResolveTarget picks the execution surface for a service. The mode is the
// service's explicit deploy_mode, else the project default, else inferred:
// remote when any server is declared, local otherwise. shellDeployCapable
// reports whether a provider's servers accept shell-based container
// operations; nil treats every provider as capable.
func ResolveTarget(cfg *config.Config, svc config.Service, allowLocal bool, shellDeployCapable func(provider string) bool) (Target, error) {
	mode := svc.DeployMode
	if mode == "" {
		mode = cfg.Project.DeployMode
	}
	if mode == "" {
		if cfg.HasServers() {
			mode = config.DeployModeRemote
		} else {
			mode = config.DeployModeLocal
		}
	}

	if mode == config.DeployModeLocal {
		if cfg.HasServers() && !allowLocal {
			return Target{}, ErrUnsafeLocalDeploy
		}
		return Target{Mode: config.DeployModeLocal}, nil
	}

	if !cfg.HasServers() {
		return Target{}, ErrNoServersDeclared
	}

	server := cfg.Infra.Servers[0]
	if svc.TargetServer != "" {
		found, ok := cfg.FindServer(svc.TargetServer)
		if !ok {
			return Target{}, fmt.Errorf("%w: %q", ErrTargetServerNotFound, svc.TargetServer)
		}
		server = found
	}

	if shellDeployCapable != nil && !shellDeployCapable(server.Provider) {
		return Target{}, fmt.Errorf("%w: server %q uses provider %q", ErrUnsupportedProvider, server.Name, server.Provider)
	}

	return Target{Mode: config.DeployModeRemote, Server: server}, nil
}
