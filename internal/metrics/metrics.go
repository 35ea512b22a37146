package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    DownloadEvents = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "modeld",
            Name:      "download_events_total",
            Help:      "Count of download events processed by the reconciler.",
        },
        []string{"type"},
    )

    DownloadBytes = prometheus.NewCounter(
        prometheus.CounterOpts{
            Namespace: "modeld",
            Name:      "download_bytes_total",
            Help:      "Artifact bytes received from the remote endpoint.",
        },
    )

    ActiveDownloads = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "modeld",
            Name:      "active_downloads",
            Help:      "Number of downloads holding an admission slot.",
        },
    )

    QueuedDownloads = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "modeld",
            Name:      "queued_downloads",
            Help:      "Number of downloads waiting for an admission slot.",
        },
    )

    RemoteErrors = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "modeld",
            Name:      "remote_errors_total",
            Help:      "Errors from the remote model endpoint.",
        },
        []string{"endpoint"},
    )

    RemoteLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "modeld",
            Name:      "remote_latency_seconds",
            Help:      "Time to first byte of remote model endpoint calls.",
        },
        []string{"endpoint"},
    )

    CacheBytes = prometheus.NewGauge(
        prometheus.GaugeOpts{
            Namespace: "modeld",
            Name:      "cache_bytes",
            Help:      "Bytes used under the cache root at the last measurement.",
        },
    )

    ResourceLoads = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "modeld",
            Name:      "resource_loads_total",
            Help:      "Inference resource constructions per feature module.",
        },
        []string{"module", "result"},
    )

    ResourceEvictions = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "modeld",
            Name:      "resource_evictions_total",
            Help:      "Inference resource releases per feature module and reason.",
        },
        []string{"module", "reason"},
    )

    ResourceLoadLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "modeld",
            Name:      "resource_load_seconds",
            Help:      "Time spent constructing inference resources.",
        },
        []string{"module"},
    )
)

var registerOnce sync.Once

// Register registers the modeld metrics into the default registry. Repeated
// calls are no-ops.
func Register() {
    registerOnce.Do(func() {
        prometheus.MustRegister(
            DownloadEvents, DownloadBytes, ActiveDownloads, QueuedDownloads,
            RemoteErrors, RemoteLatency, CacheBytes,
            ResourceLoads, ResourceEvictions, ResourceLoadLatency,
        )
    })
}
