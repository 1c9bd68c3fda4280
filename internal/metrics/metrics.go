package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MemoryCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapcore_memory_cache_hits_total",
		Help: "Total number of memory cache hits",
	})

	MemoryCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapcore_memory_cache_misses_total",
		Help: "Total number of memory cache misses",
	})

	MemoryCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mapcore_memory_cache_bytes",
		Help: "Cost of decoded tiles held in memory",
	})

	DiskCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapcore_disk_cache_hits_total",
		Help: "Total number of disk cache hits",
	})

	DiskCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapcore_disk_cache_misses_total",
		Help: "Total number of disk cache misses",
	})

	DiskCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapcore_disk_cache_evictions_total",
		Help: "Total number of tiles evicted from the disk cache to stay within capacity",
	})

	DiskCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mapcore_disk_cache_bytes",
		Help: "Total size of tile files held by the disk cache",
	})

	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapcore_provider_requests_total",
		Help: "Custom tile provider lookups by result",
	}, []string{"result"})

	DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapcore_downloads_started_total",
		Help: "Total number of tile downloads issued, retries included",
	})

	DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapcore_downloads_failed_total",
		Help: "Total number of permanently failed tile downloads",
	})

	DownloadsRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapcore_downloads_retried_total",
		Help: "Total number of downloads re-issued after a timeout or transient error",
	})

	DownloadsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mapcore_downloads_inflight",
		Help: "Number of tile downloads currently in flight",
	})

	DownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mapcore_download_duration_seconds",
		Help:    "Duration of tile downloads in seconds",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"outcome"})

	SeededTiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapcore_seeded_tiles_total",
		Help: "Tiles processed by the region seeder by result",
	}, []string{"result"})
)
