package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/cinderhost/pkg/config"
)

func newConvergeCommand() *cobra.Command {
	var (
		opts     passOptions
		dryRun   bool
		watch    bool
		debounce time.Duration
	)

	cmd := &cobra.Command{
		Use:   "converge",
		Short: "Converge the host to the attributes",
		Long: `Converge loads the attributes, builds the resource list for the selected
storage backend, checks it against the policies and applies it in order.

A failing resource stops the pass; nothing already applied is rolled
back and queued delayed restarts do not run.

With --watch the command stays running and converges again whenever an
attribute file or the override script changes.`,
		Example: `  # Converge the local host
  cinderhost converge -a /etc/cinderhost/attributes.cue

  # Report what would change without touching anything
  cinderhost converge -a site.yaml --dry-run

  # Converge a remote host and keep it converged
  cinderhost converge -a site.cue --ssh-host storage01 --ssh-key ~/.ssh/id_ed25519 --watch`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			tgt, err := openTarget(ctx, log.Logger)
			if err != nil {
				return err
			}
			sess, err := newSession(ctx, tgt)
			if err != nil {
				_ = tgt.close()
				return err
			}
			defer sess.close(context.WithoutCancel(ctx))

			rt, err := newRuntime(ctx, sess, opts)
			if err != nil {
				return err
			}
			defer rt.close(context.WithoutCancel(ctx))

			sess.logger.Info().
				Strs("attributes", attributeFiles).
				Bool("dry_run", dryRun).
				Bool("watch", watch).
				Msg("Converging")

			if !watch {
				_, err := rt.pass(ctx, dryRun)
				return err
			}
			return watchLoop(ctx, rt, dryRun, debounce)
		},
	}

	opts.register(cmd.Flags())
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without changing anything")
	cmd.Flags().BoolVar(&watch, "watch", false, "converge again when attribute files change")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "quiet period before a change triggers a pass")
	cmd.Flags().StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address in watch mode")

	return cmd
}

// watchLoop runs one pass and then one more per settled attribute change.
// Failed passes are logged; the loop ends when ctx is cancelled.
func watchLoop(ctx context.Context, rt *runtime, noop bool, debounce time.Duration) error {
	logger := rt.sess.logger

	watcher, err := config.NewWatcher(sources().Paths(), debounce, logger)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- rt.tel.Metrics.Serve(ctx, logger)
	}()

	onChange := func(ctx context.Context) {
		if _, err := rt.pass(ctx, noop); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Converge pass failed")
		}
	}

	onChange(ctx)
	if err := watcher.Run(ctx, onChange); err != nil {
		return err
	}

	select {
	case err := <-serveErr:
		return err
	case <-time.After(5 * time.Second):
		return nil
	}
}
