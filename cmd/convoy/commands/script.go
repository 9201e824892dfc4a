package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/config"
	"github.com/convoyctl/convoy/pkg/engine"
	"github.com/convoyctl/convoy/pkg/scripts"
	"github.com/convoyctl/convoy/pkg/state"
)

func newScriptCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Inspect and run declared scripts",
	}

	cmd.AddCommand(newScriptListCommand())
	cmd.AddCommand(newScriptPlanCommand())
	cmd.AddCommand(newScriptRunCommand())
	return cmd
}

func newScriptListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List declared scripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Scripts) == 0 {
				fmt.Println("no scripts declared")
				return nil
			}

			names := make([]string, 0, len(cfg.Scripts))
			for name := range cfg.Scripts {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				script := cfg.Scripts[name]
				mode := script.Idempotency
				if mode == "" {
					mode = config.IdempotencyAlways
				}
				fmt.Printf("%-24s %-16s %-12s %s\n", name, script.Target, mode, script.File)
			}
			return nil
		},
	}
}

func newScriptPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <script>",
		Short: "Show run/skip verdicts per target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScriptPlan(args[0])
		},
	}
}

func runScriptPlan(name string) error {
	cfg, baseDir, err := loadConfig()
	if err != nil {
		return err
	}
	script, ok := cfg.Scripts[name]
	if !ok {
		return fmt.Errorf("script %q not declared", name)
	}

	executor := scripts.NewExecutor(baseDir)
	_, hash, err := executor.ReadContent(script)
	if err != nil {
		return err
	}

	store, err := state.DefaultStore()
	if err != nil {
		return err
	}
	st, err := store.Load(cfg.Project.Name)
	if err != nil {
		return err
	}

	targets, err := scripts.ResolveTargets(cfg, name, script)
	if err != nil {
		return err
	}
	for _, target := range targets {
		plan := scripts.PlannedAction(script.Idempotency, hash, st.ScriptRuns[state.ScriptRunKey(name, target)])
		fmt.Printf("%-24s %-6s %s\n", target, plan.Action, plan.Reason)
	}
	return nil
}

func newScriptRunCommand() *cobra.Command {
	var (
		servers    []string
		allServers bool
		dryRun     bool
		explain    bool
	)

	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a script on its targets now",
		Long: `Execute one declared script on every target it resolves to, honoring
its idempotency policy and retry declaration. Run records persist, so a
script with idempotency 'once' stays run. --server restricts the run to
named targets, --all-servers widens a server-targeted script to every
declared server, and --dry-run prints the verdicts instead of executing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dryRun {
				return runScriptPlan(args[0])
			}

			cfg, baseDir, err := loadConfig()
			if err != nil {
				return err
			}
			if allServers {
				script, ok := cfg.Scripts[args[0]]
				if !ok {
					return fmt.Errorf("script %q not declared", args[0])
				}
				script.Target = config.TargetAll
				cfg.Scripts[args[0]] = script
			}

			r, err := buildReconciler(cfg, baseDir, engine.Options{})
			if err != nil {
				return err
			}

			results, err := r.RunScript(cmd.Context(), args[0], servers)
			for _, result := range results {
				switch {
				case result.Skipped:
					fmt.Printf("%s on %s: skipped (%s)\n", result.Script, result.Server, result.Reason)
				case explain && result.Reason != "":
					fmt.Printf("%s on %s: ok (%s)\n", result.Script, result.Server, result.Reason)
				default:
					fmt.Printf("%s on %s: ok\n", result.Script, result.Server)
				}
			}
			return err
		},
	}

	cmd.Flags().StringSliceVar(&servers, "server", nil, "restrict the run to named servers")
	cmd.Flags().BoolVar(&allServers, "all-servers", false, "run on every declared server, ignoring the script's target")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show run/skip verdicts, execute nothing")
	cmd.Flags().BoolVar(&explain, "explain", false, "print the run/skip reason alongside each result")
	return cmd
}
