package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/engine"
	"github.com/convoyctl/convoy/pkg/state"
)

func newDriftCommand() *cobra.Command {
	var (
		allowLocal  bool
		failOnDrift bool
	)

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare declared configuration against cached state",
		Long: `Re-observe reality and report the set-difference between what the
configuration declares and what the state cache holds. Read-only: the
state cache is not rewritten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, baseDir, err := loadConfig()
			if err != nil {
				return err
			}

			// DryRun keeps the refresh from rewriting the cache.
			r, err := buildReconciler(cfg, baseDir, engine.Options{DryRun: true, AllowLocal: allowLocal})
			if err != nil {
				return err
			}

			st, drift, err := r.Refresh(cmd.Context())
			if err != nil {
				return err
			}

			imageDrift := map[string][2]string{}
			for name, svc := range cfg.Services {
				observed, ok := st.Services[name]
				if ok && observed.Image != "" && observed.Image != svc.Image {
					imageDrift[name] = [2]string{svc.Image, observed.Image}
				}
			}
			clean := drift.Empty() && len(imageDrift) == 0

			if jsonOutput {
				out, err := json.MarshalIndent(struct {
					Drift      state.DriftReport    `json:"drift"`
					ImageDrift map[string][2]string `json:"image_drift,omitempty"`
				}{drift, imageDrift}, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			} else if clean {
				fmt.Println("no drift")
			} else {
				printDrift(drift)
				for name, images := range imageDrift {
					fmt.Printf("  service %s image drift: want %s, have %s\n", name, images[0], images[1])
				}
			}

			if failOnDrift && !clean {
				return fmt.Errorf("drift detected")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowLocal, "allow-local", false, "permit local targets while servers are declared")
	cmd.Flags().BoolVar(&failOnDrift, "fail-on-drift", false, "exit nonzero when drift is found")
	return cmd
}
