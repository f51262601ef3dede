package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/L11R/gopiad/config"
	"github.com/L11R/gopiad/history"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent renewal attempts from the state database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if a.cfg.StateDB == "" {
				return errors.New(config.KeyStateDB + " is not set")
			}

			store, err := history.Open(ctx, a.cfg.StateDB)
			if err != nil {
				return err
			}
			defer store.Close()

			attempts, err := store.Recent(ctx, limit)
			if err != nil {
				return err
			}

			out := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(out, "TIME\tPASS\tSLOT\tREGION\tRESULT\tERROR")
			for _, at := range attempts {
				fmt.Fprintf(out, "%s\t%s\t%d\t%s\t%s\t%s\n",
					at.Time.Local().Format(time.RFC3339), at.PassID, at.Slot, at.Region, at.Result, at.Error)
			}
			fmt.Fprintln(out)

			fmt.Fprintln(out, "SLOT\tLAST SUCCESS")
			for i := range a.cfg.SlotRegions() {
				last, ok, err := store.LastSuccess(ctx, i)
				if err != nil {
					return err
				}
				when := "never"
				if ok {
					when = last.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(out, "%d\t%s\n", i, when)
			}
			return out.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of attempts to show")
	return cmd
}
