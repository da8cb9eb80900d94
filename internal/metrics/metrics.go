package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector groups the scraper's instruments. A nil *Collector is valid and
// records nothing, so components can be built without metrics in tests.
type Collector struct {
	// PagesFetched counts finished page tasks by outcome
	// ("completed", "timeout", "navigation_failed", "canceled", "failed").
	PagesFetched *prometheus.CounterVec

	// RecordsCollected counts listing records returned to callers.
	RecordsCollected prometheus.Counter

	// ActiveSessions is the number of browser sessions currently open.
	ActiveSessions prometheus.Gauge

	// DiscoveredPages records the effective page count of each discovery.
	DiscoveredPages prometheus.Histogram

	// CollectDuration tracks end-to-end collection latency by result
	// ("ok", "unavailable", "error").
	CollectDuration *prometheus.HistogramVec
}

// NewCollector registers the scraper's instruments on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		PagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketwatch_pages_fetched_total",
				Help: "Total number of listing pages fetched, by outcome",
			},
			[]string{"outcome"},
		),
		RecordsCollected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "marketwatch_records_collected_total",
				Help: "Total number of listing records collected",
			},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketwatch_active_sessions",
				Help: "Number of browser sessions currently open",
			},
		),
		DiscoveredPages: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "marketwatch_discovered_pages",
				Help:    "Effective page count chosen by discovery",
				Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
			},
		),
		CollectDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketwatch_collect_duration_seconds",
				Help:    "Duration of a full collection request",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"result"},
		),
	}
}

func (c *Collector) PageFinished(outcome string) {
	if c == nil {
		return
	}
	c.PagesFetched.WithLabelValues(outcome).Inc()
}

func (c *Collector) AddRecords(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.RecordsCollected.Add(float64(n))
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.ActiveSessions.Inc()
}

func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.ActiveSessions.Dec()
}

func (c *Collector) ObserveDiscovery(pages int) {
	if c == nil {
		return
	}
	c.DiscoveredPages.Observe(float64(pages))
}

func (c *Collector) ObserveCollect(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.CollectDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}
