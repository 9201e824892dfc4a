// Package commands wires the convoy CLI: declarative provisioning and
// deployment driven by a convoy.yaml in the working directory.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/providers/fly"
	"github.com/convoyctl/convoy/pkg/providers/hetzner"
	"github.com/convoyctl/convoy/pkg/telemetry"
)

var (
	// Global flags
	configPath    string
	envName       string
	verbose       bool
	jsonOutput    bool
	logFormat     string
	metricsListen string
	traceExporter string
	traceEndpoint string
	traceInsecure bool

	// Telemetry built once in the root PersistentPreRunE and shared by every
	// command in the invocation.
	activeMetrics *telemetry.Metrics
	activeTracer  *telemetry.Tracer
)

func init() {
	hetzner.Register()
	fly.Register()
}

// Execute runs the root command and flushes pending spans afterwards, so
// traces of failed runs still reach the exporter.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	err := rootCmd.ExecuteContext(ctx)

	if activeTracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if flushErr := activeTracer.Shutdown(shutdownCtx); flushErr != nil {
			log.Warn().Err(flushErr).Msg("failed to flush trace spans")
		}
		cancel()
	}
	return err
}

// telemetryConfig derives the telemetry setup from the global flags. Metrics
// and tracing stay off unless their activation flag is set.
func telemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = metricsListen
	}
	if traceExporter != "" && traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = traceExporter
		cfg.Tracing.Endpoint = traceEndpoint
		cfg.Tracing.Insecure = traceInsecure
	}
	return cfg
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "convoy",
		Short: "Convoy - declarative server provisioning and container deployment",
		Long: `Convoy provisions cloud servers and deploys container services from a
single declarative configuration file.

One convoy.yaml describes servers, services with dependencies and health
gates, and idempotent setup scripts. 'convoy up' converges reality to it:
servers that exist are left alone, services deploy in dependency order,
failed health gates roll back to the previous image.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			telemetryCfg := telemetryConfig()
			if _, err := telemetry.SetupLogging(telemetryCfg.Logging); err != nil {
				return err
			}

			activeMetrics = telemetry.NewMetrics(telemetryCfg.Metrics)
			tracer, err := telemetry.NewTracer(telemetryCfg.Tracing, "convoy", version)
			if err != nil {
				return err
			}
			activeTracer = tracer

			if telemetryCfg.Metrics.Enabled {
				go func() {
					if err := activeMetrics.Serve(); err != nil {
						log.Error().Err(err).Str("listen", telemetryCfg.Metrics.Listen).Msg("metrics listener failed")
					}
				}()
				log.Info().Str("listen", telemetryCfg.Metrics.Listen).Msg("serving Prometheus metrics")
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./convoy.yaml)")
	rootCmd.PersistentFlags().StringVarP(&envName, "env", "e", "", "environment overlay, merges convoy.<env>.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: console or json")
	rootCmd.PersistentFlags().StringVar(&metricsListen, "metrics-listen", os.Getenv("CONVOY_METRICS_LISTEN"), "serve Prometheus metrics on this address, e.g. :9464")
	rootCmd.PersistentFlags().StringVar(&traceExporter, "trace-exporter", os.Getenv("CONVOY_TRACE_EXPORTER"), "trace exporter: otlp, stdout, or none")
	rootCmd.PersistentFlags().StringVar(&traceEndpoint, "trace-endpoint", os.Getenv("CONVOY_TRACE_ENDPOINT"), "OTLP gRPC collector address")
	rootCmd.PersistentFlags().BoolVar(&traceInsecure, "trace-insecure", false, "disable TLS toward the trace collector")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newScriptCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newAuthCommand())

	return rootCmd
}
