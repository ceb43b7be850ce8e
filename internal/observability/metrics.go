package observability

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beamctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total status server HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beamctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Status server HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beamctl",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Requests made to fleet collaborators.",
		},
		[]string{"service", "method", "endpoint", "status", "success"},
	)
	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beamctl",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Fleet collaborator request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "endpoint", "status", "success"},
	)
	remoteCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beamctl",
			Subsystem: "remote",
			Name:      "device_commands_total",
			Help:      "Per-device results of batch remote commands.",
		},
		[]string{"command", "result"},
	)
	remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beamctl",
			Subsystem: "remote",
			Name:      "batch_duration_seconds",
			Help:      "Batch remote command duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"command"},
	)
	stepDuration = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "beamctl",
			Subsystem: "drift",
			Name:      "step_duration_seconds",
			Help:      "Duration of the last run of each remediation step.",
		},
		[]string{"step", "title"},
	)
	bucketDevices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "beamctl",
			Subsystem: "drift",
			Name:      "bucket_devices",
			Help:      "Devices in each outcome bucket for the current run.",
		},
		[]string{"bucket"},
	)
	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beamctl",
			Subsystem: "drift",
			Name:      "runs_total",
			Help:      "Completed remediation runs.",
		},
		[]string{"mode", "result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequests, httpDuration,
		upstreamRequests, upstreamDuration,
		remoteCommands, remoteDuration,
		stepDuration, bucketDevices, runs,
	}
}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(collectors()...)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordUpstream records one request to a fleet collaborator. A status of 0
// means the request never got a response.
func RecordUpstream(service, method, endpoint string, status int, duration time.Duration, success bool) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	successLabel := strconv.FormatBool(success)
	upstreamRequests.WithLabelValues(service, method, endpoint, statusLabel, successLabel).Inc()
	upstreamDuration.WithLabelValues(service, method, endpoint, statusLabel, successLabel).
		Observe(duration.Seconds())
}

// RecordRemoteCommand records one batch run of command.
func RecordRemoteCommand(command string, succeeded, failed int, duration time.Duration) {
	RegisterMetrics()
	remoteCommands.WithLabelValues(command, "ok").Add(float64(succeeded))
	remoteCommands.WithLabelValues(command, "failed").Add(float64(failed))
	remoteDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordStep(step int, title string, duration time.Duration) {
	RegisterMetrics()
	stepDuration.WithLabelValues(strconv.Itoa(step), title).Set(duration.Seconds())
}

// SetBucketCounts replaces the bucket gauges with counts.
func SetBucketCounts(counts map[string]int) {
	RegisterMetrics()
	bucketDevices.Reset()
	for bucket, n := range counts {
		bucketDevices.WithLabelValues(bucket).Set(float64(n))
	}
}

func RecordRun(mode, result string) {
	RegisterMetrics()
	runs.WithLabelValues(mode, result).Inc()
}

// PushMetrics sends every beamctl collector to a Prometheus Pushgateway.
// Scheduled jobs exit before a scrape would reach them.
func PushMetrics(ctx context.Context, url, job string, grouping map[string]string) error {
	RegisterMetrics()
	pusher := push.New(url, job)
	for _, c := range collectors() {
		pusher = pusher.Collector(c)
	}
	for k, v := range grouping {
		pusher = pusher.Grouping(k, v)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("observability: push metrics to %s: %w", url, err)
	}
	return nil
}
