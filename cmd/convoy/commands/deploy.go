package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var (
		dryRun     bool
		allowLocal bool
	)

	cmd := &cobra.Command{
		Use:   "deploy [service...]",
		Short: "Deploy services without provisioning",
		Long: `Deploy the named services (or all services when none are named) in
dependency order, without touching infrastructure. Servers must already
exist; use 'convoy up' for the full flow.`,
		Example: `  # Redeploy everything
  convoy deploy

  # Redeploy one service
  convoy deploy api`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, baseDir, err := loadConfig()
			if err != nil {
				return err
			}

			r, err := buildReconciler(cfg, baseDir, engine.Options{DryRun: dryRun, AllowLocal: allowLocal})
			if err != nil {
				return err
			}

			return withAuditRun(cmd.Context(), cfg.Project.Name, "deploy", func(ctx context.Context) error {
				return r.Deploy(ctx, args)
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show the deploy order, make no changes")
	cmd.Flags().BoolVar(&allowLocal, "allow-local", false, "permit local deploys while servers are declared")
	return cmd
}
