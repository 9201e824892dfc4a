package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		yes        bool
		allowLocal bool
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Remove all services and destroy provisioned servers",
		Long: `Tear the project down: remove every deployed container (dependents
first), destroy every provisioned server at its provider, and clear the
project's state cache. Requires --yes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("destroy is irreversible, re-run with --yes to confirm")
			}

			cfg, baseDir, err := loadConfig()
			if err != nil {
				return err
			}

			r, err := buildReconciler(cfg, baseDir, engine.Options{AllowLocal: allowLocal})
			if err != nil {
				return err
			}

			return withAuditRun(cmd.Context(), cfg.Project.Name, "destroy", func(ctx context.Context) error {
				return r.Destroy(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm destruction")
	cmd.Flags().BoolVar(&allowLocal, "allow-local", false, "permit local targets while servers are declared")
	return cmd
}
