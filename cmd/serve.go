// cmd/serve.go
package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/api"
	"github.com/xkilldash9x/marketwatch/internal/observability"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the listing API over HTTP",
		Long: `Starts the HTTP API. GET /api/items?item_name=<name> collects every
listing page for the item and returns them merged in page order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	serveCmd.Flags().String("addr", ":8000", "address the HTTP server listens on")
	annotateViperKey(serveCmd.Flags(), "addr", "server.addr")

	return serveCmd
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()
	cfg := opts.cfg

	var (
		registry *prometheus.Registry
		gatherer prometheus.Gatherer
		reg      prometheus.Registerer
	)
	if cfg.Metrics().Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		gatherer, reg = registry, registry
	}

	collector, err := opts.newCollector(cfg, logger, reg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg, collector, gatherer, logger)
	logger.Info("Starting marketwatch API",
		zap.String("version", Version),
		zap.String("addr", cfg.Server().Addr),
		zap.String("listing_url", cfg.Target().ListingURL),
	)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("Server stopped.")
	return nil
}
