package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Parse and validate the configuration, including the environment overlay
when --env is set. Checks structural constraints, dependency references,
hook references, and healthcheck shapes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}

			servers := 0
			if cfg.Infra != nil {
				servers = len(cfg.Infra.Servers)
			}
			fmt.Printf("configuration valid: project %q, %d server(s), %d service(s), %d script(s)\n",
				cfg.Project.Name, servers, len(cfg.Services), len(cfg.Scripts))
			return nil
		},
	}
}
