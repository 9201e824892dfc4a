package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/convoyctl/convoy/pkg/auth"
	"github.com/convoyctl/convoy/pkg/config"
	"github.com/convoyctl/convoy/pkg/providers"
	"github.com/convoyctl/convoy/pkg/retry"
	"github.com/convoyctl/convoy/pkg/runtime"
	"github.com/convoyctl/convoy/pkg/scripts"
	"github.com/convoyctl/convoy/pkg/state"
	"github.com/convoyctl/convoy/pkg/telemetry"
	"github.com/convoyctl/convoy/pkg/transports/ssh"
)

// Options tune one reconcile run.
type Options struct {
	// DryRun resolves, preflights, and plans but performs no mutating action
	// and never saves state.
	DryRun bool

	// AllowLocal permits local deploys while infra servers are declared.
	AllowLocal bool

	// ProvisionAttempts bounds create retries per server. Zero means 3.
	ProvisionAttempts int

	// SSHReadyTimeout bounds the wait for a freshly provisioned host to
	// accept sessions. Zero means 2 minutes.
	SSHReadyTimeout time.Duration
}

func (o Options) provisionAttempts() int {
	if o.ProvisionAttempts > 0 {
		return o.ProvisionAttempts
	}
	return 3
}

func (o Options) sshReadyTimeout() time.Duration {
	if o.SSHReadyTimeout > 0 {
		return o.SSHReadyTimeout
	}
	return 2 * time.Minute
}

// PlanStep is one line of a dry-run plan.
type PlanStep struct {
	Kind     string
	Resource string
	Detail   string
}

// Reconciler converges declared configuration to observed reality: provision
// servers, run hooks, deploy services in dependency order, gate on health,
// and persist observed state.
type Reconciler struct {
	cfg      *config.Config
	store    *state.Store
	executor *scripts.Executor
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	opts     Options

	// Seams for tests. Defaults dial real providers and SSH.
	providerFor func(name string) (providers.Provider, error)
	runnerFor   func(ctx context.Context, srv config.Server, st *state.LocalState) (runtime.Runner, func(), error)
	localRunner runtime.Runner
}

// NewReconciler wires a reconciler against the real provider registry and
// SSH transport.
func NewReconciler(cfg *config.Config, store *state.Store, executor *scripts.Executor, metrics *telemetry.Metrics, tracer *telemetry.Tracer, opts Options) *Reconciler {
	r := &Reconciler{
		cfg:         cfg,
		store:       store,
		executor:    executor,
		metrics:     metrics,
		tracer:      tracer,
		opts:        opts,
		localRunner: runtime.LocalRunner{},
	}
	r.providerFor = func(name string) (providers.Provider, error) {
		return providers.Get(name, auth.DefaultStore())
	}
	r.runnerFor = r.dialSSH
	return r
}

// dialSSH connects to a declared server at its last-observed public IP.
func (r *Reconciler) dialSSH(ctx context.Context, srv config.Server, st *state.LocalState) (runtime.Runner, func(), error) {
	observed, ok := st.Servers[srv.Name]
	if !ok || observed.PublicIP == "" {
		return nil, nil, NewPermanentError(ErrCodeState,
			fmt.Sprintf("no known public IP for server %s; provision it first", srv.Name), nil).
			WithResource(srv.Name)
	}

	sshConfig := ssh.DefaultConfig(observed.PublicIP)
	if home, err := os.UserHomeDir(); err == nil && srv.SSHKey != "" {
		keyPath := filepath.Join(home, ".ssh", srv.SSHKey)
		if _, statErr := os.Stat(keyPath); statErr == nil {
			sshConfig.PrivateKeyPath = keyPath
		}
	}

	client, err := ssh.NewClient(srv.Name, sshConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := client.WaitReady(ctx, r.opts.sshReadyTimeout()); err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

// shellDeployCapable reports whether a provider's servers accept shell-based
// container operations. Unknown providers are reported incapable so target
// resolution fails closed.
func (r *Reconciler) shellDeployCapable(provider string) bool {
	p, err := r.providerFor(provider)
	if err != nil {
		return false
	}
	return p.Capabilities().DirectShellDeploy
}

// Up converges the full declared configuration: hooks, servers, services.
func (r *Reconciler) Up(ctx context.Context) error {
	started := time.Now()
	project := r.cfg.Project.Name

	ctx, span := r.tracer.StartReconcileSpan(ctx, project, "up")
	defer span.End()
	r.metrics.RecordReconcileStarted(project)

	err := r.up(ctx)

	status := "success"
	if err != nil {
		status = "failure"
		telemetry.RecordError(span, err)
	}
	r.metrics.RecordReconcileCompleted(project, status, time.Since(started))
	return err
}

func (r *Reconciler) up(ctx context.Context) error {
	st, err := r.store.Load(r.cfg.Project.Name)
	if err != nil {
		return NewPermanentError(ErrCodeState, "failed to load local state", err)
	}

	if r.opts.DryRun {
		steps, err := r.Plan(ctx)
		if err != nil {
			return err
		}
		for _, step := range steps {
			log.Info().Str("kind", step.Kind).Str("resource", step.Resource).Str("detail", step.Detail).Msg("planned")
		}
		log.Info().Int("steps", len(steps)).Msg("dry run complete, no changes made")
		return nil
	}

	if err := r.runHooks(ctx, config.HookPreProvision, st); err != nil {
		return err
	}

	if err := r.provisionServers(ctx, st); err != nil {
		// Observed server state is still worth keeping on failure.
		r.saveState(st)
		return err
	}

	if err := r.runHooks(ctx, config.HookPostProvision, st); err != nil {
		r.saveState(st)
		return err
	}

	if err := r.deployServices(ctx, st, nil); err != nil {
		r.saveState(st)
		return err
	}

	if err := r.runHooks(ctx, config.HookPostDeploy, st); err != nil {
		r.saveState(st)
		return err
	}

	if err := r.store.Save(st); err != nil {
		return NewPermanentError(ErrCodeState, "failed to save local state", err)
	}
	return nil
}

func (r *Reconciler) saveState(st *state.LocalState) {
	if err := r.store.Save(st); err != nil {
		log.Error().Err(err).Msg("failed to save local state")
	}
}

// provisionServers creates every declared server that does not already exist
// at its provider, records observed state, and waits for SSH readiness.
func (r *Reconciler) provisionServers(ctx context.Context, st *state.LocalState) error {
	if r.cfg.Infra == nil {
		return nil
	}

	for _, srv := range r.cfg.Infra.Servers {
		if err := r.provisionServer(ctx, srv, st); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) provisionServer(ctx context.Context, srv config.Server, st *state.LocalState) error {
	ctx, span := r.tracer.StartProvisionSpan(ctx, srv.Name, srv.Provider)
	defer span.End()

	provider, err := r.providerFor(srv.Provider)
	if err != nil {
		err = NewPermanentError(ErrCodeProvider, fmt.Sprintf("provider for server %s unavailable", srv.Name), err).
			WithResource(srv.Name).WithPhase("provision")
		telemetry.RecordError(span, err)
		return err
	}

	req, err := PreflightServer(ctx, provider, srv)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if existing, getErr := provider.Get(ctx, srv.Name); getErr == nil && existing != nil {
		log.Info().Str("server", srv.Name).Str("provider", srv.Provider).Str("id", existing.ID).Msg("server already exists, skipping create")
		recordServerState(st, srv, existing, "")
		return nil
	}

	if provider.Capabilities().SSHKeyUpload {
		material, keyErr := ReadPublicKey(srv.SSHKey)
		if keyErr != nil {
			telemetry.RecordError(span, keyErr)
			return keyErr
		}
		if _, keyErr := provider.UploadSSHKey(ctx, srv.SSHKey, material); keyErr != nil {
			err = NewPermanentError(ErrCodeProvider, fmt.Sprintf("failed to upload SSH key %s", srv.SSHKey), keyErr).
				WithResource(srv.Name).WithPhase("provision")
			telemetry.RecordError(span, err)
			return err
		}
	}

	operation := fmt.Sprintf("provision server %s", srv.Name)
	created, err := retry.DoClassified(ctx, r.opts.provisionAttempts(), time.Second, operation, ProvisionClassifier(),
		func(ctx context.Context, attempt int) (*providers.Server, error) {
			if attempt > 1 {
				r.metrics.RecordRetry("provision")
			}
			server, createErr := provider.Create(ctx, req)
			if createErr != nil {
				r.metrics.RecordProvisionAttempt(srv.Provider, "failure")
				return nil, createErr
			}
			r.metrics.RecordProvisionAttempt(srv.Provider, "success")
			return server, nil
		})
	if err != nil {
		err = NewPermanentError(ErrCodeProvider, fmt.Sprintf("failed to provision server %s", srv.Name), err).
			WithResource(srv.Name).WithPhase("provision")
		telemetry.RecordError(span, err)
		return err
	}

	floatingIP := ""
	if srv.FloatingIP {
		ip, ipErr := provider.AttachFloatingIP(ctx, created.ID)
		if ipErr != nil {
			err = NewPermanentError(ErrCodeProvider, fmt.Sprintf("failed to attach floating IP to server %s", srv.Name), ipErr).
				WithResource(srv.Name).WithPhase("provision")
			telemetry.RecordError(span, err)
			return err
		}
		floatingIP = ip
	}

	recordServerState(st, srv, created, floatingIP)
	log.Info().Str("server", srv.Name).Str("id", created.ID).Str("ip", st.Servers[srv.Name].PublicIP).Msg("server provisioned")

	// Block until the host accepts sessions so hooks and deploys that follow
	// don't race sshd.
	_, cleanup, err := r.runnerFor(ctx, srv, st)
	if err != nil {
		telemetry.RecordError(span, err)
		return NewTransientError(ErrCodeProvider, fmt.Sprintf("server %s created but not reachable over SSH", srv.Name), err).
			WithResource(srv.Name).WithPhase("provision")
	}
	cleanup()
	return nil
}

func recordServerState(st *state.LocalState, srv config.Server, observed *providers.Server, floatingIP string) {
	// A server recorded with a floating IP keeps it across re-observations.
	if floatingIP == "" {
		floatingIP = st.Servers[srv.Name].FloatingIP
	}
	publicIP := observed.PublicIP
	if floatingIP != "" {
		publicIP = floatingIP
	}
	st.Servers[srv.Name] = state.ServerState{
		Provider:        srv.Provider,
		ID:              observed.ID,
		PublicIP:        publicIP,
		FloatingIP:      floatingIP,
		Health:          state.ClassifyHealth(observed.Status),
		LastStatus:      observed.Status,
		LastCheckedUnix: time.Now().Unix(),
	}
}

// deployServices deploys services in dependency order. only restricts the
// set; nil deploys everything. The first failure aborts the remaining chain,
// since dependents cannot assume their dependencies are healthy.
func (r *Reconciler) deployServices(ctx context.Context, st *state.LocalState, only map[string]bool) error {
	order, err := Order(r.cfg.Services, "")
	if err != nil {
		return NewPermanentError(ErrCodeResolution, "failed to order services", err)
	}

	for _, name := range order {
		if only != nil && !only[name] {
			continue
		}
		if err := r.deployService(ctx, name, r.cfg.Services[name], st); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) deployService(ctx context.Context, name string, svc config.Service, st *state.LocalState) error {
	started := time.Now()

	target, err := runtime.ResolveTarget(r.cfg, svc, r.opts.AllowLocal, r.shellDeployCapable)
	if err != nil {
		return NewPermanentError(ErrCodeResolution, fmt.Sprintf("failed to resolve target for service %s", name), err).
			WithResource(name).WithPhase("deploy")
	}

	runner, cleanup, err := r.runnerForTarget(ctx, target, st)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, span := r.tracer.StartDeploySpan(ctx, name, runner.Host())
	defer span.End()

	deployer := runtime.NewDeployer(runner)
	previousImage, hadPrevious := deployer.ExistingServiceImage(ctx, name)

	result, err := deployer.Deploy(ctx, name, svc)
	if err != nil {
		err = NewTransientError(ErrCodeDeploy, fmt.Sprintf("failed to deploy service %s", name), err).
			WithResource(name).WithPhase("deploy")
		telemetry.RecordError(span, err)
		r.metrics.RecordDeploy(runner.Host(), "failure", time.Since(started))
		return err
	}

	if healthErr := deployer.RunHealthcheck(ctx, name, svc.Healthcheck); healthErr != nil {
		err = r.handleHealthGateFailure(ctx, deployer, name, previousImage, hadPrevious, svc, healthErr)
		telemetry.RecordError(span, err)
		r.metrics.RecordDeploy(runner.Host(), "failure", time.Since(started))
		return err
	}

	now := time.Now().Unix()
	st.Services[name] = state.ServiceState{
		Image:           result.Image,
		Replicas:        1,
		Containers:      []string{result.ContainerID},
		Health:          state.ClassifyHealth(result.Status),
		LastStatus:      result.Status,
		LastCheckedUnix: now,
		LastDeployUnix:  now,
	}

	r.metrics.RecordDeploy(runner.Host(), "success", time.Since(started))
	log.Info().Str("service", name).Str("image", result.Image).Str("target", runner.Host()).Msg("service deployed")
	return nil
}

// handleHealthGateFailure rolls the service back and returns the ORIGINAL
// health error annotated with the rollback outcome. The rollback result never
// replaces the health failure: the health failure is what the operator must
// diagnose.
func (r *Reconciler) handleHealthGateFailure(ctx context.Context, deployer *runtime.Deployer, name, previousImage string, hadPrevious bool, svc config.Service, healthErr error) error {
	if !hadPrevious {
		if removeErr := deployer.Remove(ctx, name); removeErr != nil {
			r.metrics.RecordRollback("failure")
			return NewPermanentError(ErrCodeHealthGate,
				fmt.Sprintf("service %s failed its health gate; no previous image to roll back to and removal also failed: %v", name, removeErr), healthErr).
				WithResource(name).WithPhase("health-gate")
		}
		r.metrics.RecordRollback("success")
		return NewPermanentError(ErrCodeHealthGate,
			fmt.Sprintf("service %s failed its health gate; no previous image to roll back to, container removed", name), healthErr).
			WithResource(name).WithPhase("health-gate")
	}

	if rbErr := deployer.Rollback(ctx, name, previousImage, svc); rbErr != nil {
		r.metrics.RecordRollback("failure")
		return NewPermanentError(ErrCodeHealthGate,
			fmt.Sprintf("service %s failed its health gate; rollback to image %s also failed: %v", name, previousImage, rbErr), healthErr).
			WithResource(name).WithPhase("health-gate")
	}

	r.metrics.RecordRollback("success")
	return NewPermanentError(ErrCodeHealthGate,
		fmt.Sprintf("service %s failed its health gate; rolled back to image %s", name, previousImage), healthErr).
		WithResource(name).WithPhase("health-gate")
}

func (r *Reconciler) runnerForTarget(ctx context.Context, target runtime.Target, st *state.LocalState) (runtime.Runner, func(), error) {
	if target.IsLocal() {
		return r.localRunner, func() {}, nil
	}
	return r.runnerFor(ctx, target.Server, st)
}

// runHooks executes every script bound to a phase. Pre-provision hooks run
// locally because their targets don't exist yet; later phases run on the
// script's declared targets.
func (r *Reconciler) runHooks(ctx context.Context, phase string, st *state.LocalState) error {
	if r.cfg.Hooks == nil {
		return nil
	}

	var names []string
	switch phase {
	case config.HookPreProvision:
		names = r.cfg.Hooks.PreProvision
	case config.HookPostProvision:
		names = r.cfg.Hooks.PostProvision
	case config.HookPostDeploy:
		names = r.cfg.Hooks.PostDeploy
	}

	for _, name := range names {
		script := r.cfg.Scripts[name]

		if phase == config.HookPreProvision {
			if err := r.runScriptOn(ctx, name, script, r.localRunner, st); err != nil {
				return err
			}
			continue
		}

		targets, err := scripts.ResolveTargets(r.cfg, name, script)
		if err != nil {
			return NewPermanentError(ErrCodeScript, fmt.Sprintf("failed to resolve targets for hook %s", name), err).
				WithResource(name).WithPhase(phase)
		}
		for _, targetName := range targets {
			srv, _ := r.cfg.FindServer(targetName)
			runner, cleanup, err := r.runnerFor(ctx, srv, st)
			if err != nil {
				return err
			}
			err = r.runScriptOn(ctx, name, script, runner, st)
			cleanup()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Reconciler) runScriptOn(ctx context.Context, name string, script config.Script, runner runtime.Runner, st *state.LocalState) error {
	result, err := r.executor.Execute(ctx, name, script, runner, st)
	if err != nil {
		r.metrics.RecordScriptRun(name, "failure")
		return NewPermanentError(ErrCodeScript, fmt.Sprintf("script %s failed on %s", name, runner.Host()), err).
			WithResource(name).WithPhase("script")
	}
	if result.Skipped {
		r.metrics.RecordScriptRun(name, "skipped")
	} else {
		r.metrics.RecordScriptRun(name, "success")
	}
	return nil
}

// RunScript executes one declared script on its targets immediately, outside
// any reconcile flow. A non-empty servers list restricts the run to those
// targets; each must be in the script's resolved target set. State is loaded
// and saved around the run so idempotency records persist.
func (r *Reconciler) RunScript(ctx context.Context, name string, servers []string) ([]scripts.RunResult, error) {
	script, ok := r.cfg.Scripts[name]
	if !ok {
		return nil, NewPermanentError(ErrCodeConfig, fmt.Sprintf("script %s not declared", name), nil).WithResource(name)
	}

	st, err := r.store.Load(r.cfg.Project.Name)
	if err != nil {
		return nil, NewPermanentError(ErrCodeState, "failed to load local state", err)
	}

	targets, err := scripts.ResolveTargets(r.cfg, name, script)
	if err != nil {
		return nil, NewPermanentError(ErrCodeScript, fmt.Sprintf("failed to resolve targets for script %s", name), err).WithResource(name)
	}
	if len(servers) > 0 {
		resolved := make(map[string]bool, len(targets))
		for _, target := range targets {
			resolved[target] = true
		}
		for _, server := range servers {
			if !resolved[server] {
				return nil, NewPermanentError(ErrCodeScript,
					fmt.Sprintf("script %s does not target server %s", name, server), nil).WithResource(name)
			}
		}
		targets = servers
	}

	var results []scripts.RunResult
	for _, targetName := range targets {
		srv, _ := r.cfg.FindServer(targetName)
		runner, cleanup, err := r.runnerFor(ctx, srv, st)
		if err != nil {
			return results, err
		}
		result, err := r.executor.Execute(ctx, name, script, runner, st)
		cleanup()
		if err != nil {
			r.metrics.RecordScriptRun(name, "failure")
			r.saveState(st)
			return results, err
		}
		if result.Skipped {
			r.metrics.RecordScriptRun(name, "skipped")
		} else {
			r.metrics.RecordScriptRun(name, "success")
		}
		results = append(results, *result)
	}

	if !r.opts.DryRun {
		if err := r.store.Save(st); err != nil {
			return results, NewPermanentError(ErrCodeState, "failed to save local state", err)
		}
	}
	return results, nil
}

// Deploy converges only the named services (plus nothing else: dependencies
// are assumed already running). An empty list deploys all services.
func (r *Reconciler) Deploy(ctx context.Context, services []string) error {
	started := time.Now()
	project := r.cfg.Project.Name

	ctx, span := r.tracer.StartReconcileSpan(ctx, project, "deploy")
	defer span.End()
	r.metrics.RecordReconcileStarted(project)

	err := r.deployOnly(ctx, services)

	status := "success"
	if err != nil {
		status = "failure"
		telemetry.RecordError(span, err)
	}
	r.metrics.RecordReconcileCompleted(project, status, time.Since(started))
	return err
}

func (r *Reconciler) deployOnly(ctx context.Context, services []string) error {
	st, err := r.store.Load(r.cfg.Project.Name)
	if err != nil {
		return NewPermanentError(ErrCodeState, "failed to load local state", err)
	}

	var only map[string]bool
	if len(services) > 0 {
		only = make(map[string]bool, len(services))
		for _, name := range services {
			if _, ok := r.cfg.Services[name]; !ok {
				return NewPermanentError(ErrCodeConfig, fmt.Sprintf("service %s not declared", name), nil).WithResource(name)
			}
			only[name] = true
		}
	}

	if r.opts.DryRun {
		order, err := Order(r.cfg.Services, "")
		if err != nil {
			return NewPermanentError(ErrCodeResolution, "failed to order services", err)
		}
		for _, name := range order {
			if only != nil && !only[name] {
				continue
			}
			log.Info().Str("service", name).Msg("would deploy")
		}
		return nil
	}

	if err := r.deployServices(ctx, st, only); err != nil {
		r.saveState(st)
		return err
	}

	if err := r.store.Save(st); err != nil {
		return NewPermanentError(ErrCodeState, "failed to save local state", err)
	}
	return nil
}

// Destroy removes deployed services, destroys provisioned servers, and
// clears the project state.
func (r *Reconciler) Destroy(ctx context.Context) error {
	st, err := r.store.Load(r.cfg.Project.Name)
	if err != nil {
		return NewPermanentError(ErrCodeState, "failed to load local state", err)
	}

	order, err := Order(r.cfg.Services, "")
	if err != nil {
		return NewPermanentError(ErrCodeResolution, "failed to order services", err)
	}

	// Services come down dependents-first, the reverse of rollout order.
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		svc := r.cfg.Services[name]

		target, err := runtime.ResolveTarget(r.cfg, svc, r.opts.AllowLocal, r.shellDeployCapable)
		if err != nil {
			log.Warn().Str("service", name).Err(err).Msg("cannot resolve target during destroy, skipping container removal")
			delete(st.Services, name)
			continue
		}
		runner, cleanup, err := r.runnerForTarget(ctx, target, st)
		if err != nil {
			log.Warn().Str("service", name).Err(err).Msg("target unreachable during destroy, skipping container removal")
			delete(st.Services, name)
			continue
		}
		if err := runtime.NewDeployer(runner).Remove(ctx, name); err != nil {
			log.Warn().Str("service", name).Err(err).Msg("failed to remove container during destroy")
		}
		cleanup()
		delete(st.Services, name)
	}

	if r.cfg.Infra != nil {
		for _, srv := range r.cfg.Infra.Servers {
			observed, ok := st.Servers[srv.Name]
			if !ok || observed.ID == "" {
				delete(st.Servers, srv.Name)
				continue
			}
			provider, err := r.providerFor(srv.Provider)
			if err != nil {
				return NewPermanentError(ErrCodeProvider, fmt.Sprintf("provider for server %s unavailable", srv.Name), err).
					WithResource(srv.Name).WithPhase("destroy")
			}
			// Provider-allocated floating IPs bill independently of the
			// server, so they come down first.
			if observed.FloatingIP != "" {
				if err := provider.ReleaseFloatingIP(ctx, observed.ID); err != nil {
					return NewPermanentError(ErrCodeProvider, fmt.Sprintf("failed to release floating IP for server %s", srv.Name), err).
						WithResource(srv.Name).WithPhase("destroy")
				}
				log.Info().Str("server", srv.Name).Str("ip", observed.FloatingIP).Msg("floating IP released")
			}
			if err := provider.Destroy(ctx, observed.ID); err != nil {
				return NewPermanentError(ErrCodeProvider, fmt.Sprintf("failed to destroy server %s", srv.Name), err).
					WithResource(srv.Name).WithPhase("destroy")
			}
			log.Info().Str("server", srv.Name).Str("id", observed.ID).Msg("server destroyed")
			delete(st.Servers, srv.Name)
		}
	}

	if err := r.store.Save(st); err != nil {
		return NewPermanentError(ErrCodeState, "failed to save local state", err)
	}
	return nil
}

// Refresh re-observes servers and services, rewrites the state cache, and
// reports drift against the declared configuration.
func (r *Reconciler) Refresh(ctx context.Context) (*state.LocalState, state.DriftReport, error) {
	st, err := r.store.Load(r.cfg.Project.Name)
	if err != nil {
		return nil, state.DriftReport{}, NewPermanentError(ErrCodeState, "failed to load local state", err)
	}

	now := time.Now().Unix()
	if r.cfg.Infra != nil {
		for _, srv := range r.cfg.Infra.Servers {
			observed := st.Servers[srv.Name]
			observed.Provider = srv.Provider
			observed.LastCheckedUnix = now

			provider, err := r.providerFor(srv.Provider)
			if err != nil {
				observed.Health = state.HealthUnknown
				observed.LastError = err.Error()
				st.Servers[srv.Name] = observed
				continue
			}
			remote, err := provider.Get(ctx, srv.Name)
			if err != nil {
				observed.Health = state.HealthUnknown
				observed.LastError = err.Error()
				st.Servers[srv.Name] = observed
				continue
			}
			observed.ID = remote.ID
			if remote.PublicIP != "" {
				observed.PublicIP = remote.PublicIP
			}
			observed.LastStatus = remote.Status
			observed.Health = state.ClassifyHealth(remote.Status)
			observed.LastError = ""
			st.Servers[srv.Name] = observed
		}
	}

	for name, svc := range r.cfg.Services {
		observed := st.Services[name]
		observed.LastCheckedUnix = now

		target, err := runtime.ResolveTarget(r.cfg, svc, r.opts.AllowLocal, r.shellDeployCapable)
		if err != nil {
			observed.Health = state.HealthUnknown
			observed.LastError = err.Error()
			st.Services[name] = observed
			continue
		}
		runner, cleanup, err := r.runnerForTarget(ctx, target, st)
		if err != nil {
			observed.Health = state.HealthUnknown
			observed.LastError = err.Error()
			st.Services[name] = observed
			continue
		}
		inspected, err := runtime.NewDeployer(runner).Inspect(ctx, name)
		cleanup()
		if err != nil {
			observed.Health = state.HealthUnhealthy
			observed.LastError = err.Error()
			st.Services[name] = observed
			continue
		}
		observed.Image = inspected.Image
		observed.Replicas = 1
		observed.Containers = []string{inspected.ContainerID}
		observed.LastStatus = inspected.Status
		observed.Health = state.ClassifyHealth(inspected.Status)
		observed.LastError = ""
		st.Services[name] = observed
	}

	drift := st.DetectDrift(r.cfg)
	if drift.Empty() {
		r.metrics.RecordDriftDetection("clean")
	} else {
		r.metrics.RecordDriftDetection("drift")
	}

	if !r.opts.DryRun {
		if err := r.store.Save(st); err != nil {
			return st, drift, NewPermanentError(ErrCodeState, "failed to save local state", err)
		}
	}
	return st, drift, nil
}

// Plan computes what Up would do without doing any of it: server creates,
// service deploys in order, and script run/skip verdicts.
func (r *Reconciler) Plan(ctx context.Context) ([]PlanStep, error) {
	st, err := r.store.Load(r.cfg.Project.Name)
	if err != nil {
		return nil, NewPermanentError(ErrCodeState, "failed to load local state", err)
	}

	var steps []PlanStep

	if r.cfg.Infra != nil {
		for _, srv := range r.cfg.Infra.Servers {
			provider, err := r.providerFor(srv.Provider)
			if err != nil {
				return nil, NewPermanentError(ErrCodeProvider, fmt.Sprintf("provider for server %s unavailable", srv.Name), err).
					WithResource(srv.Name).WithPhase("preflight")
			}
			req, err := PreflightServer(ctx, provider, srv)
			if err != nil {
				return nil, err
			}
			if existing, getErr := provider.Get(ctx, srv.Name); getErr == nil && existing != nil {
				steps = append(steps, PlanStep{Kind: "server", Resource: srv.Name, Detail: "exists, no action"})
			} else {
				steps = append(steps, PlanStep{Kind: "server", Resource: srv.Name,
					Detail: fmt.Sprintf("create %s/%s in %s", srv.Provider, req.ServerType, req.Region)})
			}
		}
	}

	order, err := Order(r.cfg.Services, "")
	if err != nil {
		return nil, NewPermanentError(ErrCodeResolution, "failed to order services", err)
	}
	for _, name := range order {
		svc := r.cfg.Services[name]
		target, err := runtime.ResolveTarget(r.cfg, svc, r.opts.AllowLocal, r.shellDeployCapable)
		if err != nil {
			return nil, NewPermanentError(ErrCodeResolution, fmt.Sprintf("failed to resolve target for service %s", name), err).
				WithResource(name)
		}
		host := "local"
		if !target.IsLocal() {
			host = target.Server.Name
		}
		steps = append(steps, PlanStep{Kind: "service", Resource: name,
			Detail: fmt.Sprintf("deploy %s to %s", svc.Image, host)})
	}

	for _, name := range sortedScriptNames(r.cfg) {
		script := r.cfg.Scripts[name]
		_, hash, err := r.executor.ReadContent(script)
		if err != nil {
			return nil, NewPermanentError(ErrCodeScript, fmt.Sprintf("failed to read script %s", name), err).WithResource(name)
		}
		targets, err := scripts.ResolveTargets(r.cfg, name, script)
		if err != nil {
			return nil, NewPermanentError(ErrCodeScript, fmt.Sprintf("failed to resolve targets for script %s", name), err).WithResource(name)
		}
		for _, targetName := range targets {
			plan := scripts.PlannedAction(script.Idempotency, hash, st.ScriptRuns[state.ScriptRunKey(name, targetName)])
			steps = append(steps, PlanStep{Kind: "script", Resource: state.ScriptRunKey(name, targetName),
				Detail: fmt.Sprintf("%s (%s)", plan.Action, plan.Reason)})
		}
	}

	return steps, nil
}

func sortedScriptNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Scripts))
	for name := range cfg.Scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
