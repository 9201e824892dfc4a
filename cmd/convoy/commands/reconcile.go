package commands

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/convoyctl/convoy/pkg/config"
	"github.com/convoyctl/convoy/pkg/engine"
)

func newReconcileCommand() *cobra.Command {
	var (
		watch      bool
		allowLocal bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Refresh observed state and converge",
		Long: `Run one status refresh followed by a full convergence. With --watch, the
configuration file is watched and convergence re-runs on every change,
debounced so editor save bursts trigger once.`,
		Example: `  # One reconcile pass
  convoy reconcile

  # Keep converging on config changes
  convoy reconcile --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := reconcileOnce(cmd.Context(), allowLocal); err != nil {
				if !watch {
					return err
				}
				log.Error().Err(err).Msg("reconcile failed, watching for changes")
			}
			if !watch {
				return nil
			}
			return watchAndReconcile(cmd.Context(), allowLocal)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "re-run on config file changes")
	cmd.Flags().BoolVar(&allowLocal, "allow-local", false, "permit local deploys while servers are declared")
	return cmd
}

func reconcileOnce(ctx context.Context, allowLocal bool) error {
	cfg, baseDir, err := loadConfig()
	if err != nil {
		return err
	}

	r, err := buildReconciler(cfg, baseDir, engine.Options{AllowLocal: allowLocal})
	if err != nil {
		return err
	}

	return withAuditRun(ctx, cfg.Project.Name, "reconcile", func(ctx context.Context) error {
		if _, _, err := r.Refresh(ctx); err != nil {
			return err
		}
		return r.Up(ctx)
	})
}

func watchAndReconcile(ctx context.Context, allowLocal bool) error {
	path := configPath
	if path == "" {
		discovered, err := config.DiscoverPath()
		if err != nil {
			return err
		}
		path = discovered
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would go stale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Base(path)
	log.Info().Str("path", path).Msg("watching for configuration changes")

	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	pending := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watch error")

		case <-pending:
			log.Info().Msg("configuration changed, reconciling")
			if err := reconcileOnce(ctx, allowLocal); err != nil {
				log.Error().Err(err).Msg("reconcile failed, watching for changes")
			}
		}
	}
}
