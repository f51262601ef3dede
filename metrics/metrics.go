package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Passes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gopiad_passes_total",
			Help: "Total number of scheduler passes that renewed at least one slot.",
		},
	)
	Renewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopiad_renewals_total",
			Help: "Total number of slot renewal attempts.",
		},
		[]string{"slot", "result"},
	)
	// RenewalFailures is labelled by reason: directory, region, keygen,
	// auth, addkey, write.
	RenewalFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gopiad_renewal_failures_total",
			Help: "Total number of failed slot renewals by reason.",
		},
		[]string{"reason"},
	)
	LastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gopiad_last_success_timestamp_seconds",
			Help: "Unix time of the last successful renewal per slot.",
		},
		[]string{"slot"},
	)
	DirectoryRefreshFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gopiad_directory_refresh_failures_total",
			Help: "Total number of failed server list refreshes.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		Passes,
		Renewals,
		RenewalFailures,
		LastSuccess,
		DirectoryRefreshFailures,
	)
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
