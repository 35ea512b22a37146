package metrics

import (
    "strings"
    "testing"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersAndGauges(t *testing.T) {
    reg := prometheus.NewRegistry()
    reg.MustRegister(DownloadEvents, RemoteErrors, ActiveDownloads, ResourceEvictions)

    DownloadEvents.WithLabelValues("ready").Inc()
    RemoteErrors.WithLabelValues("artifact").Add(2)
    ActiveDownloads.Set(3)
    ResourceEvictions.WithLabelValues("ner", "critical").Inc()

    expectedEvents := `# HELP modeld_download_events_total Count of download events processed by the reconciler.
# TYPE modeld_download_events_total counter
modeld_download_events_total{type="ready"} 1
`
    if err := testutil.CollectAndCompare(DownloadEvents, strings.NewReader(expectedEvents)); err != nil {
        t.Fatalf("unexpected events metric: %v", err)
    }

    expectedErrors := `# HELP modeld_remote_errors_total Errors from the remote model endpoint.
# TYPE modeld_remote_errors_total counter
modeld_remote_errors_total{endpoint="artifact"} 2
`
    if err := testutil.CollectAndCompare(RemoteErrors, strings.NewReader(expectedErrors)); err != nil {
        t.Fatalf("unexpected remote errors metric: %v", err)
    }

    expectedGauge := `# HELP modeld_active_downloads Number of downloads holding an admission slot.
# TYPE modeld_active_downloads gauge
modeld_active_downloads 3
`
    if err := testutil.CollectAndCompare(ActiveDownloads, strings.NewReader(expectedGauge)); err != nil {
        t.Fatalf("unexpected active downloads gauge: %v", err)
    }

    if got := testutil.ToFloat64(ResourceEvictions.WithLabelValues("ner", "critical")); got != 1 {
        t.Fatalf("evictions = %v, want 1", got)
    }
}

func TestRemoteLatencyHistogram(t *testing.T) {
    RemoteLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "modeld",
            Name:      "remote_latency_seconds",
            Help:      "Time to first byte of remote model endpoint calls.",
        },
        []string{"endpoint"},
    )

    RemoteLatency.WithLabelValues("metadata").Observe(0.03)
    RemoteLatency.WithLabelValues("metadata").Observe(0.6)

    expected := `# HELP modeld_remote_latency_seconds Time to first byte of remote model endpoint calls.
# TYPE modeld_remote_latency_seconds histogram
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="0.005"} 0
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="0.01"} 0
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="0.025"} 0
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="0.05"} 1
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="0.1"} 1
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="0.25"} 1
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="0.5"} 1
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="1"} 2
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="2.5"} 2
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="5"} 2
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="10"} 2
modeld_remote_latency_seconds_bucket{endpoint="metadata",le="+Inf"} 2
modeld_remote_latency_seconds_sum{endpoint="metadata"} 0.63
modeld_remote_latency_seconds_count{endpoint="metadata"} 2
`
    if err := testutil.CollectAndCompare(RemoteLatency, strings.NewReader(expected)); err != nil {
        t.Fatalf("unexpected histogram: %v", err)
    }
}
