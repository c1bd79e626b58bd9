package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/sushantsondhi/broker-raft/metrics"
	"github.com/sushantsondhi/broker-raft/tracing"
	"go.uber.org/multierr"
)

const shutdownTimeout = 10 * time.Second

// NewServerCmd returns the "server" command running one node of a cluster
// file until it is interrupted.
func NewServerCmd() *cobra.Command {
	var (
		configFile, metricsAddr string
		index                   int
		join, leave             bool
	)
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run one raft node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadClusterFile(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics") {
				cfg.MetricsAddress = metricsAddr
			}
			ctx, cancel := signalContext()
			defer cancel()

			shutdownTracing, err := tracing.Setup(cfg.Tracing)
			if err != nil {
				log.Printf("tracing setup error: %v", err)
			} else {
				defer func() { _ = shutdownTracing(context.Background()) }()
			}
			if cfg.MetricsAddress != "" {
				stopMetrics := serveMetrics(cfg.MetricsAddress)
				defer stopMetrics()
			}

			n, err := openNode(cfg, index, join)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "node %v running. Press Ctrl+C to exit.\n", n.me)
			startErr := n.start(ctx)
			running := startErr == nil
			if running {
				<-ctx.Done()
			} else if errors.Is(startErr, context.Canceled) {
				startErr = nil
			} else {
				log.Printf("%v: failed to start: %+v\n", n.me, startErr)
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Stopping server ...")
			stopCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			return multierr.Append(startErr, n.close(stopCtx, leave && running))
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "config.yaml", "YAML file containing cluster & configuration details")
	cmd.Flags().IntVar(&index, "me", -1, "Index of this node in the config file")
	cmd.Flags().BoolVar(&join, "join", false, "join the other nodes of the config file instead of starting with all of them as members")
	cmd.Flags().BoolVar(&leave, "leave", false, "leave the cluster before shutting down")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "address of the /metrics endpoint, overrides the config file")
	return cmd
}

// serveMetrics exposes the default prometheus registry on addr/metrics.
func serveMetrics(addr string) func() {
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
