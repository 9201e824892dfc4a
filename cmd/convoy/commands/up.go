package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/engine"
)

func newUpCommand() *cobra.Command {
	var (
		dryRun     bool
		allowLocal bool
	)

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision servers and deploy all services",
		Long: `Converge the full configuration: run pre-provision hooks, create missing
servers, run post-provision hooks, deploy services in dependency order
behind their health gates, run post-deploy hooks, and record observed state.

Servers that already exist at their provider are left untouched. A failed
health gate rolls the service back to its previous image and aborts the
remaining dependency chain.`,
		Example: `  # Converge everything
  convoy up

  # See what would happen first
  convoy up --dry-run

  # Deploy locally despite declared servers
  convoy up --allow-local`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, baseDir, err := loadConfig()
			if err != nil {
				return err
			}

			r, err := buildReconciler(cfg, baseDir, engine.Options{DryRun: dryRun, AllowLocal: allowLocal})
			if err != nil {
				return err
			}

			return withAuditRun(cmd.Context(), cfg.Project.Name, "up", func(ctx context.Context) error {
				if err := r.Up(ctx); err != nil {
					return err
				}
				if !dryRun {
					log.Info().Str("project", cfg.Project.Name).Msg("converged")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan only, make no changes")
	cmd.Flags().BoolVar(&allowLocal, "allow-local", false, "permit local deploys while servers are declared")
	return cmd
}
