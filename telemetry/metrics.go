// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	WebhookEvents        prometheus.Counter
	TranscriptLines      prometheus.Counter
	BroadcastsForwarded  prometheus.Counter
	BroadcastsFailed     prometheus.Counter
	ResolutionsStarted   prometheus.Counter
	ResolutionsSucceeded prometheus.Counter
	ResolutionsFailed    prometheus.Counter
	ResolutionsNotReady  prometheus.Counter
	SweepCycles          prometheus.Counter
	RelayBroadcasts      prometheus.Counter
	RelayDeliveries      prometheus.Counter

	// Histograms (seconds)
	ResolutionDuration prometheus.Observer

	// Gauges
	PendingArtifactsGauge prometheus.Gauge
	ViewersGauge          prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhookEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_webhook_events_total", Help: "Number of inbound webhook events accepted"})
		TranscriptLines = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_transcript_lines_total", Help: "Number of transcript lines persisted"})
		BroadcastsForwarded = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_broadcasts_forwarded_total", Help: "Number of payloads forwarded to the broadcast relay"})
		BroadcastsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_broadcasts_failed_total", Help: "Number of relay forwards that failed"})
		ResolutionsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_resolutions_started_total", Help: "Number of artifact resolutions started"})
		ResolutionsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_resolutions_succeeded_total", Help: "Number of artifact resolutions that persisted URLs"})
		ResolutionsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_resolutions_failed_total", Help: "Number of artifact resolutions that failed"})
		ResolutionsNotReady = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_resolutions_not_ready_total", Help: "Number of resolutions that timed out waiting for a recording id"})
		SweepCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_sweep_cycles_total", Help: "Number of artifact sweep cycles"})
		RelayBroadcasts = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_relay_broadcasts_total", Help: "Payloads accepted by the relay for fan-out"})
		RelayDeliveries = promauto.NewCounter(prometheus.CounterOpts{Name: "calldeck_relay_deliveries_total", Help: "Per-viewer payload deliveries"})
		ResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "calldeck_resolution_duration_seconds", Help: "Artifact resolution duration seconds", Buckets: prometheus.DefBuckets})
		PendingArtifactsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "calldeck_pending_artifacts", Help: "Sessions that finished but still lack artifact URLs"})
		ViewersGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "calldeck_relay_viewers", Help: "Currently connected live viewers"})
	})
}

// SetPendingArtifacts records how many finished sessions still lack URLs.
func SetPendingArtifacts(n int) {
	if PendingArtifactsGauge != nil {
		PendingArtifactsGauge.Set(float64(n))
	}
}

// SetViewers records the current relay subscriber count.
func SetViewers(n int) {
	if ViewersGauge != nil {
		ViewersGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
