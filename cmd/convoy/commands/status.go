package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/engine"
	"github.com/convoyctl/convoy/pkg/state"
)

func newStatusCommand() *cobra.Command {
	var allowLocal bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show observed server and service state",
		Long: `Re-observe every declared server at its provider and every declared
service at its runtime, rewrite the state cache, and print the result.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, baseDir, err := loadConfig()
			if err != nil {
				return err
			}

			r, err := buildReconciler(cfg, baseDir, engine.Options{AllowLocal: allowLocal})
			if err != nil {
				return err
			}

			st, drift, err := r.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(struct {
					State *state.LocalState  `json:"state"`
					Drift state.DriftReport  `json:"drift"`
				}{st, drift}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			printState(st, drift)
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowLocal, "allow-local", false, "permit local targets while servers are declared")
	return cmd
}

func printState(st *state.LocalState, drift state.DriftReport) {
	fmt.Printf("project: %s\n", st.Project)

	if len(st.Servers) > 0 {
		fmt.Println("\nservers:")
		for name, server := range st.Servers {
			fmt.Printf("  %-20s %-10s %-16s %s\n", name, server.Health, server.PublicIP, server.LastStatus)
		}
	}

	if len(st.Services) > 0 {
		fmt.Println("\nservices:")
		for name, svc := range st.Services {
			fmt.Printf("  %-20s %-10s %-32s %s\n", name, svc.Health, svc.Image, svc.LastStatus)
		}
	}

	if !drift.Empty() {
		fmt.Println("\ndrift detected:")
		printDrift(drift)
	}
}

func printDrift(drift state.DriftReport) {
	for _, name := range drift.MissingServersInCache {
		fmt.Printf("  server %s declared but never provisioned\n", name)
	}
	for _, name := range drift.ExtraServersInCache {
		fmt.Printf("  server %s cached but no longer declared\n", name)
	}
	for _, name := range drift.MissingServicesInCache {
		fmt.Printf("  service %s declared but never deployed\n", name)
	}
	for _, name := range drift.ExtraServicesInCache {
		fmt.Printf("  service %s cached but no longer declared\n", name)
	}
}
