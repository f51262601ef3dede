package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/L11R/gopiad/config"
	"github.com/L11R/gopiad/history"
	"github.com/L11R/gopiad/keygen"
	"github.com/L11R/gopiad/metrics"
	"github.com/L11R/gopiad/pia"
	"github.com/L11R/gopiad/renewal"
	"github.com/L11R/gopiad/wgconf"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Renew every slot on its interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			sched, closeFn, err := a.newScheduler(ctx, wgconf.FileSink{Dir: a.cfg.OutputDir})
			if err != nil {
				return err
			}
			defer closeFn()

			a.logger.Info("wireguard config updater started",
				"slots", len(sched.Slots()), "output_dir", a.cfg.OutputDir)

			g, gctx := errgroup.WithContext(ctx)
			if a.cfg.MetricsAddr != "" {
				g.Go(func() error {
					a.logger.Info("serving metrics", "addr", a.cfg.MetricsAddr)
					if err := metrics.Serve(gctx, a.cfg.MetricsAddr); err != nil {
						return fmt.Errorf("metrics server: %w", err)
					}
					return nil
				})
			}
			g.Go(func() error {
				return sched.Run(gctx)
			})
			return g.Wait()
		},
	}
}

const caSource = "https://github.com/pia-foss/manual-connections"

func (a *app) newClient() (*pia.Client, error) {
	roots, err := pia.LoadCAFile(a.cfg.CAPath())
	if err != nil {
		return nil, fmt.Errorf("%s: %w; point it at PIA's ca.rsa.4096.crt from %s",
			config.KeyCACert, err, caSource)
	}
	return pia.NewClient(
		pia.WithRootCAs(roots),
		pia.WithTimeout(a.cfg.HTTPTimeout),
		pia.WithSignatureCheck(a.cfg.VerifyServerList),
	)
}

// newScheduler validates the configuration, fetches the server list and
// checks every slot's region against it. Any failure here is fatal.
func (a *app) newScheduler(ctx context.Context, sink renewal.Sink) (*renewal.Scheduler, func(), error) {
	if err := a.cfg.Validate(); err != nil {
		return nil, nil, err
	}

	client, err := a.newClient()
	if err != nil {
		return nil, nil, fmt.Errorf("init pia client: %w", err)
	}

	catalog, err := client.Refresh(ctx)
	if err != nil {
		return nil, nil, err
	}
	regions := a.cfg.SlotRegions()
	for i, id := range regions {
		if _, err := catalog.Resolve(id); err != nil {
			return nil, nil, fmt.Errorf("slot %d: %w", i, err)
		}
	}

	gen, err := keygen.New(a.cfg.Keygen)
	if err != nil {
		return nil, nil, err
	}

	sched := renewal.NewScheduler(regions, catalog)
	sched.Directory = client
	sched.Renewer = &renewal.Renewer{
		API:      client,
		Keys:     gen,
		Username: a.cfg.Username,
		Password: a.cfg.Password,
		Logger:   a.logger.With("component", "renewer"),
	}
	sched.Sink = sink
	sched.Logger = a.logger
	sched.Interval = a.cfg.UpdateInterval
	sched.LoopDelay = a.cfg.LoopDelay

	closeFn := func() {}
	if a.cfg.StateDB != "" {
		store, err := history.Open(ctx, a.cfg.StateDB)
		if err != nil {
			return nil, nil, err
		}
		sched.Ledger = store
		closeFn = func() {
			if err := store.Close(); err != nil {
				a.logger.Warn("closing state db failed", "error", err)
			}
		}
	}
	return sched, closeFn, nil
}
