package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var opts passOptions

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a converge would change",
		Long: `Plan runs a converge pass in no-op mode. Every resource is checked and
reported as unchanged or would_change; no package, service or file is
touched and no notification fires.

The rbd backend only reads the Ceph key in this mode; it never creates
the client.`,
		Example: `  # Show pending changes on the local host
  cinderhost plan -a /etc/cinderhost/attributes.cue

  # Machine readable output
  cinderhost plan -a site.yaml --json`,
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

			_, err = rt.pass(ctx, true)
			return err
		},
	}

	opts.register(cmd.Flags())

	return cmd
}
