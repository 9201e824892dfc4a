package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var (
		limit int
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent operations from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			project := ""
			if !all {
				cfg, _, err := loadConfig()
				if err != nil {
					return err
				}
				project = cfg.Project.Name
			}

			audit, err := stores.DefaultAuditStore()
			if err != nil {
				return err
			}
			if err := audit.Init(cmd.Context()); err != nil {
				return err
			}
			defer audit.Close()

			runs, err := audit.ListRuns(cmd.Context(), project, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				out, err := json.MarshalIndent(runs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}

			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, run := range runs {
				duration := "-"
				if run.FinishedAt != nil {
					duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
				}
				line := fmt.Sprintf("%s  %-10s %-10s %-9s %8s  %s",
					run.StartedAt.Local().Format("2006-01-02 15:04:05"),
					run.Project, run.Operation, run.Status, duration, run.ID)
				if run.Error != "" {
					line += "  " + run.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	cmd.Flags().BoolVar(&all, "all", false, "list runs across all projects")
	return cmd
}
