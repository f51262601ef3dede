package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/L11R/gopiad/renewal"
	"github.com/L11R/gopiad/wgconf"
)

// stdoutSink prints the tunnel config instead of writing files.
type stdoutSink struct {
	w io.Writer
}

func (s stdoutSink) Write(slot int, c *wgconf.Connection) error {
	if err := c.Validate(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(s.w, "# slot %d\n%s\n", slot, wgconf.RenderTunnel(c))
	return err
}

func newRenewCommand(a *app) *cobra.Command {
	var (
		slot     int
		all      bool
		toStdout bool
	)

	cmd := &cobra.Command{
		Use:   "renew",
		Short: "Renew one slot, or all of them, right now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var sink renewal.Sink = wgconf.FileSink{Dir: a.cfg.OutputDir}
			if toStdout {
				sink = stdoutSink{w: cmd.OutOrStdout()}
			}
			sched, closeFn, err := a.newScheduler(ctx, sink)
			if err != nil {
				return err
			}
			defer closeFn()

			if !all {
				return sched.RenewNow(ctx, slot)
			}

			pass, _ := sched.Tick(ctx)
			if err := ctx.Err(); err != nil {
				return err
			}
			if n := pass.Failed(); n > 0 {
				return fmt.Errorf("%d of %d slots failed", n, len(pass.Attempts))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&slot, "slot", 0, "Slot index to renew")
	cmd.Flags().BoolVar(&all, "all", false, "Renew every slot")
	cmd.Flags().BoolVar(&toStdout, "print", false, "Print the WireGuard config instead of writing files")
	cmd.MarkFlagsMutuallyExclusive("slot", "all")
	return cmd
}
