package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var allowLocal bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what 'up' would do",
		Long: `Resolve targets, preflight servers, order services, and compute script
run/skip verdicts without performing any mutating action.`,
		Example: `  # Plan against the default config
  convoy plan

  # Plan the production overlay
  convoy plan --env production`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, baseDir, err := loadConfig()
			if err != nil {
				return err
			}

			r, err := buildReconciler(cfg, baseDir, engine.Options{DryRun: true, AllowLocal: allowLocal})
			if err != nil {
				return err
			}

			steps, err := r.Plan(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(steps, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(steps) == 0 {
				fmt.Println("nothing to do")
				return nil
			}
			for _, step := range steps {
				fmt.Printf("%-8s %-24s %s\n", step.Kind, step.Resource, step.Detail)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowLocal, "allow-local", false, "permit local deploys while servers are declared")
	return cmd
}
