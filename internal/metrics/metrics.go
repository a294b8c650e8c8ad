// Package metrics exposes the agent's Prometheus instrumentation: the
// counters, gauges, and histograms described in the ambient stack's
// metrics section, served over HTTP for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the agent publishes, registered against
// its own Prometheus registry so tests can run in parallel without
// colliding on the default global registry.
type Collector struct {
	registry *prometheus.Registry

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter

	ReaddirLatency *prometheus.HistogramVec

	ReplicationQueueDepth prometheus.Gauge
	UploadSuccess         *prometheus.CounterVec
	UploadFailure         *prometheus.CounterVec

	TierResolutions *prometheus.CounterVec

	WatcherStorms prometheus.Counter
}

// NewCollector builds a Collector with all metrics registered under
// the "mosaicfs" namespace.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mosaicfs",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Block cache lookups that found a usable entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mosaicfs",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Block cache lookups that found no usable entry.",
		}),
		ReaddirLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mosaicfs",
			Subsystem: "readdir",
			Name:      "latency_seconds",
			Help:      "Latency of directory evaluation, per virtual directory.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"directory_id"}),
		ReplicationQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mosaicfs",
			Subsystem: "replication",
			Name:      "queue_depth",
			Help:      "Number of files pending upload in the replication engine.",
		}),
		UploadSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mosaicfs",
			Subsystem: "replication",
			Name:      "upload_success_total",
			Help:      "Successful replication uploads, per target.",
		}, []string{"target"}),
		UploadFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mosaicfs",
			Subsystem: "replication",
			Name:      "upload_failure_total",
			Help:      "Failed replication uploads, per target.",
		}, []string{"target"}),
		TierResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mosaicfs",
			Subsystem: "tiered",
			Name:      "resolutions_total",
			Help:      "Tiered resolver outcomes, per tier.",
		}, []string{"tier"}),
		WatcherStorms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mosaicfs",
			Subsystem: "watcher",
			Name:      "storms_total",
			Help:      "Times the watcher detected an event storm and fell back to a crawl.",
		}),
	}

	registry.MustRegister(
		c.CacheHits, c.CacheMisses, c.ReaddirLatency,
		c.ReplicationQueueDepth, c.UploadSuccess, c.UploadFailure,
		c.TierResolutions, c.WatcherStorms,
	)
	return c
}

// Handler returns the HTTP handler that serves this collector's
// registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// TierName values match the tiered resolver's ResultKind plus the
// specific tier that served (or failed to serve) a request.
const (
	TierLocal         = "local"
	TierCache         = "cache"
	TierNetworkMount  = "network_mount"
	TierCloudSync     = "cloud_sync"
	TierRemoteFetch   = "remote_fetch"
	TierReplicaFailover = "replica_failover"
	TierNotAccessible = "not_accessible"
)
