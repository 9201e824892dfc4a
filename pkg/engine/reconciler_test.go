package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/convoyctl/convoy/pkg/config"
	"github.com/convoyctl/convoy/pkg/providers"
	"github.com/convoyctl/convoy/pkg/runtime"
	"github.com/convoyctl/convoy/pkg/scripts"
	"github.com/convoyctl/convoy/pkg/state"
	"github.com/convoyctl/convoy/pkg/telemetry"
)

type fakeRunner struct {
	host     string
	commands []string
	respond  func(cmd string) (runtime.Result, error)
}

func (f *fakeRunner) Host() string { return f.host }

func (f *fakeRunner) Run(_ context.Context, cmd string) (runtime.Result, error) {
	f.commands = append(f.commands, cmd)
	if f.respond != nil {
		return f.respond(cmd)
	}
	return runtime.Result{}, nil
}

// dockerHappy answers the full deploy protocol with a healthy container.
func dockerHappy(cmd string) (runtime.Result, error) {
	switch {
	case strings.Contains(cmd, "docker inspect") && strings.Contains(cmd, "{{.Id}}"):
		return runtime.Result{Stdout: "cid-123|nginx:1|running"}, nil
	case strings.Contains(cmd, "docker inspect"):
		// No pre-existing container.
		return runtime.Result{ExitCode: 1, Stderr: "Error: No such object"}, nil
	default:
		return runtime.Result{}, nil
	}
}

func testTracer(t *testing.T) *telemetry.Tracer {
	t.Helper()
	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{}, "convoy-test", "0.0.0")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	return tracer
}

func newTestReconciler(t *testing.T, cfg *config.Config, fp *fakeProvider, runner *fakeRunner, opts Options) (*Reconciler, *state.Store) {
	t.Helper()
	store := state.NewStore(t.TempDir())
	r := NewReconciler(cfg, store, scripts.NewExecutor(t.TempDir()), telemetry.NewMetrics(telemetry.MetricsConfig{}), testTracer(t), opts)
	r.providerFor = func(string) (providers.Provider, error) { return fp, nil }
	r.runnerFor = func(context.Context, config.Server, *state.LocalState) (runtime.Runner, func(), error) {
		return runner, func() {}, nil
	}
	r.localRunner = runner
	return r, store
}

func twoServiceConfig() *config.Config {
	return &config.Config{
		Project: config.Project{Name: "shop"},
		Infra: &config.Infra{Servers: []config.Server{
			{Name: "web-1", Provider: "hetzner", ServerType: "cx22", SSHKey: "deploy"},
		}},
		Services: map[string]config.Service{
			"db":  {Image: "nginx:1"},
			"api": {Image: "nginx:1", DependsOn: []string{"db"}},
		},
	}
}

func TestUpProvisionsAndDeploysInOrder(t *testing.T) {
	cfg := twoServiceConfig()
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
		createFn: func(req providers.CreateRequest) (*providers.Server, error) {
			return &providers.Server{ID: "42", Name: req.Name, Status: "running", PublicIP: "203.0.113.9"}, nil
		},
	}
	runner := &fakeRunner{host: "web-1", respond: dockerHappy}
	r, store := newTestReconciler(t, cfg, fp, runner, Options{})

	if err := r.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}

	st, err := store.Load("shop")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	server, ok := st.Servers["web-1"]
	if !ok {
		t.Fatal("server state not recorded")
	}
	if server.ID != "42" || server.PublicIP != "203.0.113.9" {
		t.Fatalf("server state = %+v", server)
	}
	if server.Health != state.HealthHealthy {
		t.Fatalf("server health = %s", server.Health)
	}
	for _, name := range []string{"db", "api"} {
		svc, ok := st.Services[name]
		if !ok {
			t.Fatalf("service %s state not recorded", name)
		}
		if svc.Health != state.HealthHealthy || len(svc.Containers) != 1 {
			t.Fatalf("service %s state = %+v", name, svc)
		}
	}

	// db must be fully deployed before api's docker run happens.
	dbRun, apiRun := -1, -1
	for i, cmd := range runner.commands {
		if strings.Contains(cmd, "docker run") && strings.Contains(cmd, "--name db") {
			dbRun = i
		}
		if strings.Contains(cmd, "docker run") && strings.Contains(cmd, "--name api") {
			apiRun = i
		}
	}
	if dbRun == -1 || apiRun == -1 || dbRun > apiRun {
		t.Fatalf("dependency order violated: db at %d, api at %d", dbRun, apiRun)
	}
}

func TestUpSkipsExistingServer(t *testing.T) {
	cfg := twoServiceConfig()
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
		getFn: func(name string) (*providers.Server, error) {
			return &providers.Server{ID: "7", Name: name, Status: "running", PublicIP: "203.0.113.7"}, nil
		},
		createFn: func(providers.CreateRequest) (*providers.Server, error) {
			return nil, errors.New("create must not be called for an existing server")
		},
	}
	runner := &fakeRunner{host: "web-1", respond: dockerHappy}
	r, store := newTestReconciler(t, cfg, fp, runner, Options{})

	if err := r.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}

	st, _ := store.Load("shop")
	if st.Servers["web-1"].ID != "7" {
		t.Fatalf("existing server not recorded: %+v", st.Servers["web-1"])
	}
}

func TestProvisionRetriesTransientFailure(t *testing.T) {
	cfg := twoServiceConfig()
	calls := 0
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
		createFn: func(req providers.CreateRequest) (*providers.Server, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection timed out")
			}
			return &providers.Server{ID: "42", Name: req.Name, Status: "running", PublicIP: "203.0.113.9"}, nil
		},
	}
	runner := &fakeRunner{host: "web-1", respond: dockerHappy}
	r, _ := newTestReconciler(t, cfg, fp, runner, Options{ProvisionAttempts: 3})

	if err := r.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if calls != 2 {
		t.Fatalf("create called %d times, want 2", calls)
	}
}

func TestProvisionStopsOnPermanentProviderError(t *testing.T) {
	cfg := twoServiceConfig()
	calls := 0
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
		createFn: func(providers.CreateRequest) (*providers.Server, error) {
			calls++
			return nil, errors.New("invalid_input: server name too long")
		},
	}
	runner := &fakeRunner{host: "web-1", respond: dockerHappy}
	r, _ := newTestReconciler(t, cfg, fp, runner, Options{ProvisionAttempts: 5})

	err := r.Up(context.Background())
	if err == nil {
		t.Fatal("expected provisioning error")
	}
	if calls != 1 {
		t.Fatalf("create called %d times, want 1 (no retry on permanent error)", calls)
	}
	if !strings.Contains(err.Error(), "invalid_input") {
		t.Fatalf("error lost the provider message: %v", err)
	}
}

func TestProvisionUploadsSSHKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sshDir, "deploy.pub"), []byte("ssh-ed25519 AAAA\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := twoServiceConfig()
	cfg.Services = nil
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true, SSHKeyUpload: true},
		createFn: func(req providers.CreateRequest) (*providers.Server, error) {
			return &providers.Server{ID: "42", Name: req.Name, Status: "running", PublicIP: "203.0.113.9"}, nil
		},
	}
	runner := &fakeRunner{host: "web-1"}
	r, _ := newTestReconciler(t, cfg, fp, runner, Options{})

	if err := r.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if fp.uploaded["deploy"] != "ssh-ed25519 AAAA" {
		t.Fatalf("uploaded keys = %v", fp.uploaded)
	}
}

func TestHealthGateFailureRollsBackAndKeepsOriginalError(t *testing.T) {
	cfg := &config.Config{
		Project: config.Project{Name: "shop"},
		Infra: &config.Infra{Servers: []config.Server{
			{Name: "web-1", Provider: "hetzner", ServerType: "cx22", SSHKey: "deploy"},
		}},
		Services: map[string]config.Service{
			"api": {
				Image: "nginx:2",
				Healthcheck: &config.Healthcheck{
					Command: []string{"curl", "-f", "http://localhost/health"},
					Retries: 1,
				},
			},
		},
	}

	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
		getFn: func(name string) (*providers.Server, error) {
			return &providers.Server{ID: "7", Name: name, Status: "running", PublicIP: "203.0.113.7"}, nil
		},
	}

	var rolledBackTo string
	runner := &fakeRunner{host: "web-1"}
	runner.respond = func(cmd string) (runtime.Result, error) {
		switch {
		case strings.Contains(cmd, "docker inspect") && strings.Contains(cmd, "{{.Id}}"):
			return runtime.Result{Stdout: "cid-123|nginx:2|running"}, nil
		case strings.Contains(cmd, "docker inspect"):
			return runtime.Result{Stdout: "nginx:1\n"}, nil
		case strings.Contains(cmd, "docker exec api"):
			return runtime.Result{ExitCode: 1, Stderr: "connection refused"}, nil
		case strings.Contains(cmd, "docker pull"):
			if strings.Contains(cmd, "nginx:1") {
				rolledBackTo = "nginx:1"
			}
			return runtime.Result{}, nil
		default:
			return runtime.Result{}, nil
		}
	}

	r, store := newTestReconciler(t, cfg, fp, runner, Options{})

	err := r.Up(context.Background())
	if err == nil {
		t.Fatal("expected health-gate failure")
	}
	if rolledBackTo != "nginx:1" {
		t.Fatal("rollback never pulled the previous image")
	}
	if !strings.Contains(err.Error(), "failed its health gate") {
		t.Fatalf("error missing health-gate context: %v", err)
	}
	if !strings.Contains(err.Error(), "rolled back to image nginx:1") {
		t.Fatalf("error missing rollback annotation: %v", err)
	}
	// The original health failure stays the cause.
	if !strings.Contains(err.Error(), "healthcheck for service api failed after 1 attempts") {
		t.Fatalf("original health error lost: %v", err)
	}

	// The failed service must not be recorded as deployed.
	st, _ := store.Load("shop")
	if _, ok := st.Services["api"]; ok {
		t.Fatal("failed service recorded in state")
	}
}

func TestDeployOnlyNamedService(t *testing.T) {
	cfg := twoServiceConfig()
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
	}
	runner := &fakeRunner{host: "web-1", respond: dockerHappy}
	r, _ := newTestReconciler(t, cfg, fp, runner, Options{})

	if err := r.Deploy(context.Background(), []string{"db"}); err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	for _, cmd := range runner.commands {
		if strings.Contains(cmd, "--name api") {
			t.Fatalf("api deployed despite selection: %s", cmd)
		}
	}
}

func TestDeployUnknownServiceRejected(t *testing.T) {
	cfg := twoServiceConfig()
	fp := &fakeProvider{name: "hetzner", caps: providers.Capabilities{DirectShellDeploy: true}}
	runner := &fakeRunner{host: "web-1", respond: dockerHappy}
	r, _ := newTestReconciler(t, cfg, fp, runner, Options{})

	if err := r.Deploy(context.Background(), []string{"ghost"}); err == nil {
		t.Fatal("expected error for undeclared service")
	}
}

func TestDestroyRemovesServicesAndServers(t *testing.T) {
	cfg := twoServiceConfig()
	fp := &fakeProvider{name: "hetzner", caps: providers.Capabilities{DirectShellDeploy: true}}
	runner := &fakeRunner{host: "web-1", respond: dockerHappy}
	r, store := newTestReconciler(t, cfg, fp, runner, Options{})

	seed, _ := store.Load("shop")
	seed.Servers["web-1"] = state.ServerState{Provider: "hetzner", ID: "42", PublicIP: "203.0.113.9"}
	seed.Services["db"] = state.ServiceState{Image: "nginx:1"}
	seed.Services["api"] = state.ServiceState{Image: "nginx:1"}
	if err := store.Save(seed); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := r.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if len(fp.destroyed) != 1 || fp.destroyed[0] != "42" {
		t.Fatalf("destroyed = %v, want [42]", fp.destroyed)
	}

	removals := 0
	for _, cmd := range runner.commands {
		if strings.Contains(cmd, "docker rm -f") {
			removals++
		}
	}
	if removals != 2 {
		t.Fatalf("got %d container removals, want 2", removals)
	}

	st, _ := store.Load("shop")
	if len(st.Servers) != 0 || len(st.Services) != 0 {
		t.Fatalf("state not cleared: %+v", st)
	}
}

func TestProvisionRecordsFloatingIP(t *testing.T) {
	cfg := twoServiceConfig()
	cfg.Services = nil
	cfg.Infra.Servers[0].FloatingIP = true
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true, FloatingIPs: true},
		createFn: func(req providers.CreateRequest) (*providers.Server, error) {
			return &providers.Server{ID: "42", Name: req.Name, Status: "running", PublicIP: "203.0.113.9"}, nil
		},
	}
	runner := &fakeRunner{host: "web-1"}
	r, store := newTestReconciler(t, cfg, fp, runner, Options{})

	if err := r.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}

	st, _ := store.Load("shop")
	server := st.Servers["web-1"]
	if server.FloatingIP != "198.51.100.10" {
		t.Fatalf("floating IP not recorded: %+v", server)
	}
	// The floating IP becomes the dial address.
	if server.PublicIP != "198.51.100.10" {
		t.Fatalf("public IP = %q, want the floating IP", server.PublicIP)
	}
}

func TestDestroyReleasesFloatingIP(t *testing.T) {
	cfg := twoServiceConfig()
	cfg.Services = nil
	fp := &fakeProvider{name: "hetzner", caps: providers.Capabilities{DirectShellDeploy: true, FloatingIPs: true}}
	runner := &fakeRunner{host: "web-1"}
	r, store := newTestReconciler(t, cfg, fp, runner, Options{})

	seed, _ := store.Load("shop")
	seed.Servers["web-1"] = state.ServerState{
		Provider:   "hetzner",
		ID:         "42",
		PublicIP:   "198.51.100.10",
		FloatingIP: "198.51.100.10",
	}
	if err := store.Save(seed); err != nil {
		t.Fatalf("Save: %v", err)
	}

	if err := r.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if len(fp.released) != 1 || fp.released[0] != "42" {
		t.Fatalf("released = %v, want [42]", fp.released)
	}
	if len(fp.destroyed) != 1 || fp.destroyed[0] != "42" {
		t.Fatalf("destroyed = %v, want [42]", fp.destroyed)
	}
}

func TestRefreshReportsDrift(t *testing.T) {
	cfg := twoServiceConfig()
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
		getFn: func(name string) (*providers.Server, error) {
			return &providers.Server{ID: "42", Name: name, Status: "running", PublicIP: "203.0.113.9"}, nil
		},
	}
	runner := &fakeRunner{host: "web-1", respond: dockerHappy}
	r, store := newTestReconciler(t, cfg, fp, runner, Options{})

	seed, _ := store.Load("shop")
	seed.Services["ghost"] = state.ServiceState{Image: "ghost:1"}
	if err := store.Save(seed); err != nil {
		t.Fatalf("Save: %v", err)
	}

	st, drift, err := r.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if st.Servers["web-1"].Health != state.HealthHealthy {
		t.Fatalf("server health = %s", st.Servers["web-1"].Health)
	}
	if st.Services["db"].Health != state.HealthHealthy {
		t.Fatalf("db health = %s", st.Services["db"].Health)
	}
	if len(drift.ExtraServicesInCache) != 1 || drift.ExtraServicesInCache[0] != "ghost" {
		t.Fatalf("drift = %+v", drift)
	}
}

func TestPlanMakesNoChanges(t *testing.T) {
	cfg := twoServiceConfig()
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
		createFn: func(providers.CreateRequest) (*providers.Server, error) {
			return nil, errors.New("plan must not create servers")
		},
	}
	runner := &fakeRunner{host: "web-1"}
	r, _ := newTestReconciler(t, cfg, fp, runner, Options{DryRun: true})

	steps, err := r.Plan(context.Background())
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(runner.commands) != 0 {
		t.Fatalf("plan executed commands: %v", runner.commands)
	}

	kinds := map[string]int{}
	for _, step := range steps {
		kinds[step.Kind]++
	}
	if kinds["server"] != 1 {
		t.Fatalf("got %d server steps, want 1: %+v", kinds["server"], steps)
	}
	if kinds["service"] != 2 {
		t.Fatalf("got %d service steps, want 2: %+v", kinds["service"], steps)
	}

	var db, api int
	for i, step := range steps {
		if step.Kind == "service" && step.Resource == "db" {
			db = i
		}
		if step.Kind == "service" && step.Resource == "api" {
			api = i
		}
	}
	if db > api {
		t.Fatalf("plan order violates dependencies: %+v", steps)
	}
}

func TestRunScriptHonorsIdempotency(t *testing.T) {
	scriptDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(scriptDir, "setup.sh"), []byte("echo hi\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Project: config.Project{Name: "shop"},
		Infra: &config.Infra{Servers: []config.Server{
			{Name: "web-1", Provider: "hetzner", ServerType: "cx22", SSHKey: "deploy"},
		}},
		Scripts: map[string]config.Script{
			"setup": {Target: "server:web-1", File: "setup.sh", Idempotency: config.IdempotencyOnce},
		},
	}

	fp := &fakeProvider{name: "hetzner", caps: providers.Capabilities{DirectShellDeploy: true}}
	runner := &fakeRunner{host: "web-1"}
	store := state.NewStore(t.TempDir())
	r := NewReconciler(cfg, store, scripts.NewExecutor(scriptDir), telemetry.NewMetrics(telemetry.MetricsConfig{}), testTracer(t), Options{})
	r.providerFor = func(string) (providers.Provider, error) { return fp, nil }
	r.runnerFor = func(context.Context, config.Server, *state.LocalState) (runtime.Runner, func(), error) {
		return runner, func() {}, nil
	}

	first, err := r.RunScript(context.Background(), "setup", nil)
	if err != nil {
		t.Fatalf("first RunScript: %v", err)
	}
	if len(first) != 1 || first[0].Skipped {
		t.Fatalf("first run = %+v", first)
	}

	second, err := r.RunScript(context.Background(), "setup", nil)
	if err != nil {
		t.Fatalf("second RunScript: %v", err)
	}
	if len(second) != 1 || !second[0].Skipped {
		t.Fatalf("second run should skip: %+v", second)
	}
	if second[0].Reason != "already ran once" {
		t.Fatalf("skip reason = %q", second[0].Reason)
	}
}

func TestUpAbortsDependentsAfterFailure(t *testing.T) {
	cfg := &config.Config{
		Project: config.Project{Name: "shop"},
		Infra: &config.Infra{Servers: []config.Server{
			{Name: "web-1", Provider: "hetzner", ServerType: "cx22", SSHKey: "deploy"},
		}},
		Services: map[string]config.Service{
			"db":  {Image: "nginx:1"},
			"api": {Image: "nginx:1", DependsOn: []string{"db"}},
		},
	}
	fp := &fakeProvider{
		name: "hetzner",
		caps: providers.Capabilities{DirectShellDeploy: true},
		getFn: func(name string) (*providers.Server, error) {
			return &providers.Server{ID: "7", Name: name, Status: "running", PublicIP: "203.0.113.7"}, nil
		},
	}
	runner := &fakeRunner{host: "web-1"}
	runner.respond = func(cmd string) (runtime.Result, error) {
		if strings.Contains(cmd, "docker pull") {
			return runtime.Result{ExitCode: 1, Stderr: "manifest unknown"}, nil
		}
		return dockerHappy(cmd)
	}
	r, _ := newTestReconciler(t, cfg, fp, runner, Options{})

	err := r.Up(context.Background())
	if err == nil {
		t.Fatal("expected deploy failure")
	}
	for _, cmd := range runner.commands {
		if strings.Contains(cmd, "--name api") {
			t.Fatalf("dependent deployed after dependency failed: %s", cmd)
		}
	}
}

func TestOptionsDefaults(t *testing.T) {
	var opts Options
	if opts.provisionAttempts() != 3 {
		t.Fatalf("default attempts = %d", opts.provisionAttempts())
	}
	if opts.sshReadyTimeout() != 2*time.Minute {
		t.Fatalf("default ssh timeout = %s", opts.sshReadyTimeout())
	}
	opts = Options{ProvisionAttempts: 7, SSHReadyTimeout: time.Second}
	if opts.provisionAttempts() != 7 || opts.sshReadyTimeout() != time.Second {
		t.Fatalf("explicit options not honored: %+v", opts)
	}
}
