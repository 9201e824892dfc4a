package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/convoyctl/convoy/pkg/config"
	"github.com/convoyctl/convoy/pkg/engine"
	"github.com/convoyctl/convoy/pkg/scripts"
	"github.com/convoyctl/convoy/pkg/state"
	"github.com/convoyctl/convoy/pkg/stores"
	"github.com/convoyctl/convoy/pkg/telemetry"
)

// loadConfig resolves and loads the configuration, returning the config and
// the directory script paths are relative to.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		discovered, err := config.DiscoverPath()
		if err != nil {
			return nil, "", err
		}
		path = discovered
	}
	env := envName
	if env == "" {
		env = os.Getenv("CONVOY_ENV")
	}
	cfg, err := config.Load(path, env)
	if err != nil {
		return nil, "", err
	}
	return cfg, filepath.Dir(path), nil
}

// buildReconciler assembles the engine against the default state store and
// the telemetry built by the root command, so metric increments land on the
// served registry and spans reach the configured exporter.
func buildReconciler(cfg *config.Config, baseDir string, opts engine.Options) (*engine.Reconciler, error) {
	store, err := state.DefaultStore()
	if err != nil {
		return nil, err
	}
	return engine.NewReconciler(cfg, store, scripts.NewExecutor(baseDir), activeMetrics, activeTracer, opts), nil
}

// withAuditRun records the operation in the audit log around fn. Audit
// failures are logged, never fatal: an unavailable audit database must not
// block a deploy.
func withAuditRun(ctx context.Context, project, operation string, fn func(context.Context) error) error {
	logger := telemetry.ComponentLogger("audit")

	audit, auditErr := stores.DefaultAuditStore()
	if auditErr == nil {
		auditErr = audit.Init(ctx)
	}
	if auditErr != nil {
		logger.Warn().Err(auditErr).Msg("audit log unavailable, continuing without it")
		return fn(ctx)
	}
	defer audit.Close()

	run, auditErr := audit.StartRun(ctx, project, operation)
	if auditErr != nil {
		logger.Warn().Err(auditErr).Msg("failed to record run start")
		return fn(ctx)
	}

	err := fn(ctx)

	status := stores.RunStatusSucceeded
	errText := ""
	if err != nil {
		status = stores.RunStatusFailed
		errText = err.Error()
	}
	if finishErr := audit.FinishRun(ctx, run.ID, status, errText); finishErr != nil {
		logger.Warn().Err(finishErr).Msg("failed to record run finish")
	}
	return err
}
