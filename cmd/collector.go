// cmd/collector.go
package cmd

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marketwatch/internal/api"
	"github.com/xkilldash9x/marketwatch/internal/browser"
	"github.com/xkilldash9x/marketwatch/internal/config"
	"github.com/xkilldash9x/marketwatch/internal/market"
	"github.com/xkilldash9x/marketwatch/internal/metrics"
)

// collectorFactory builds the collection pipeline for one command run.
// reg may be nil, in which case nothing is instrumented.
type collectorFactory func(cfg config.Interface, logger *zap.Logger, reg prometheus.Registerer) (api.Collector, error)

// newMarketCollector wires a Chromium launcher into a market orchestrator.
func newMarketCollector(cfg config.Interface, logger *zap.Logger, reg prometheus.Registerer) (api.Collector, error) {
	var m *metrics.Collector
	if reg != nil {
		m = metrics.NewCollector(reg)
	}

	launcher := browser.NewChromeLauncher(cfg.Browser(), logger, m)
	orchestrator, err := market.NewOrchestrator(launcher, cfg, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return orchestrator, nil
}
