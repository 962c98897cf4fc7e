// Package metrics exports Prometheus metrics for chunk fetches, cache
// occupancy, the dirty set, and lease activity.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether and where metrics are served.
type Config struct {
	Enabled   bool
	Port      int
	Path      string
	Namespace string
}

// Collector owns the Prometheus registry and the gauges/counters/
// histograms named in SPEC_FULL.md §4.11.
type Collector struct {
	config   Config
	registry *prometheus.Registry
	server   *http.Server

	chunkFetches   *prometheus.CounterVec // result=hit|miss|error
	fetchLatency   prometheus.Histogram
	cacheOccupancy *prometheus.GaugeVec // tier=ram|disk
	dirtySetSize   prometheus.Gauge
	leaseOutcomes  *prometheus.CounterVec // outcome=granted|denied
}

// NewCollector builds a Collector. A disabled config returns a
// Collector whose Record* methods are safe no-ops, so callers never
// need to nil-check it.
func NewCollector(config Config) (*Collector, error) {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if config.Namespace == "" {
		config.Namespace = "wormhole"
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	registry := prometheus.NewRegistry()
	c := &Collector{config: config, registry: registry}

	c.chunkFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: "fetcher",
		Name:      "chunk_fetch_total",
		Help:      "Chunk fetch attempts by result.",
	}, []string{"result"})

	c.fetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Subsystem: "fetcher",
		Name:      "chunk_fetch_latency_seconds",
		Help:      "Chunk fetch round-trip latency.",
		Buckets:   prometheus.DefBuckets,
	})

	c.cacheOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: "cache",
		Name:      "occupancy_bytes",
		Help:      "Bytes occupied in each cache tier.",
	}, []string{"tier"})

	c.dirtySetSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Subsystem: "sync",
		Name:      "dirty_chunks",
		Help:      "Number of chunks currently pending upload.",
	})

	c.leaseOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Subsystem: "lock",
		Name:      "lease_outcome_total",
		Help:      "Lease acquisition outcomes.",
	}, []string{"outcome"})

	for _, collector := range []prometheus.Collector{
		c.chunkFetches, c.fetchLatency, c.cacheOccupancy, c.dirtySetSize, c.leaseOutcomes,
	} {
		if err := registry.Register(collector); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return c, nil
}

// Start serves /metrics until ctx is canceled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// RecordFetch records a chunk fetch outcome and its latency.
func (c *Collector) RecordFetch(result string, latency time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.chunkFetches.WithLabelValues(result).Inc()
	c.fetchLatency.Observe(latency.Seconds())
}

// SetCacheOccupancy reports the current byte occupancy of a tier
// ("ram" or "disk").
func (c *Collector) SetCacheOccupancy(tier string, bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheOccupancy.WithLabelValues(tier).Set(float64(bytes))
}

// SetDirtySetSize reports the current size of the sync engine's dirty set.
func (c *Collector) SetDirtySetSize(n int) {
	if !c.config.Enabled {
		return
	}
	c.dirtySetSize.Set(float64(n))
}

// RecordLeaseOutcome records a lease grant or denial ("granted" or "denied").
func (c *Collector) RecordLeaseOutcome(outcome string) {
	if !c.config.Enabled {
		return
	}
	c.leaseOutcomes.WithLabelValues(outcome).Inc()
}
