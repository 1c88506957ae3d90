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
	MessagesIngested prometheus.Counter
	BatchesFlushed   prometheus.Counter
	BufferEvictions  prometheus.Counter
	EventsInvalid    prometheus.Counter
	ModerationEvents *prometheus.CounterVec
	SendsSucceeded   prometheus.Counter
	SendsFailed      prometheus.Counter
	SendsRateLimited prometheus.Counter

	// Histograms
	BatchSize    prometheus.Observer
	SendDuration prometheus.Observer

	// Gauges
	ConnectedChannelsGauge prometheus.Gauge
	RealtimeUpGauge        prometheus.Gauge // 1=connected,0=down
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_ingested_total", Help: "Chat messages ingested into channel buffers"})
		BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_batches_flushed_total", Help: "Message batches flushed to the session store"})
		BufferEvictions = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_buffer_evictions_total", Help: "Messages evicted from channel buffers (FIFO trim)"})
		EventsInvalid = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_invalid_total", Help: "Broker events dropped or degraded due to malformed payloads"})
		ModerationEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_moderation_events_total", Help: "Moderation events applied"}, []string{"kind"})
		SendsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sends_succeeded_total", Help: "Outbound chat messages sent"})
		SendsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sends_failed_total", Help: "Outbound chat messages failed"})
		SendsRateLimited = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sends_rate_limited_total", Help: "Outbound sends deferred by server rate limiting"})
		BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_batch_size", Help: "Messages per ingested batch", Buckets: []float64{1, 2, 5, 10, 20, 50}})
		SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_send_duration_seconds", Help: "Outbound send duration seconds", Buckets: prometheus.DefBuckets})
		ConnectedChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_connected_channels", Help: "Currently connected chat channels"})
		RealtimeUpGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_realtime_up", Help: "Realtime broker connection up=1 down=0"})
	})
}

// AddMessagesIngested records n ingested messages.
func AddMessagesIngested(n int) {
	if MessagesIngested != nil {
		MessagesIngested.Add(float64(n))
	}
}

// IncBatchesFlushed records one flushed batch.
func IncBatchesFlushed() {
	if BatchesFlushed != nil {
		BatchesFlushed.Inc()
	}
}

// AddBufferEvictions records n evicted messages.
func AddBufferEvictions(n int) {
	if BufferEvictions != nil {
		BufferEvictions.Add(float64(n))
	}
}

// IncEventsInvalid records a malformed broker event.
func IncEventsInvalid() {
	if EventsInvalid != nil {
		EventsInvalid.Inc()
	}
}

// IncModerationEvents records one moderation event by kind (ban/unban/delete).
func IncModerationEvents(kind string) {
	if ModerationEvents != nil {
		ModerationEvents.WithLabelValues(kind).Inc()
	}
}

// ObserveBatchSize records the size of an ingested batch.
func ObserveBatchSize(n int) {
	if BatchSize != nil {
		BatchSize.Observe(float64(n))
	}
}

// SetConnectedChannels records the current session count.
func SetConnectedChannels(n int) {
	if ConnectedChannelsGauge != nil {
		ConnectedChannelsGauge.Set(float64(n))
	}
}

// SetRealtimeUp sets the connection gauge to 1 if up else 0.
func SetRealtimeUp(up bool) {
	if RealtimeUpGauge != nil {
		if up {
			RealtimeUpGauge.Set(1)
		} else {
			RealtimeUpGauge.Set(0)
		}
	}
}

// IncSendsSucceeded records one successful outbound send.
func IncSendsSucceeded() {
	if SendsSucceeded != nil {
		SendsSucceeded.Inc()
	}
}

// IncSendsFailed records one failed outbound send.
func IncSendsFailed() {
	if SendsFailed != nil {
		SendsFailed.Inc()
	}
}

// IncSendsRateLimited records one rate-limit deferral of an outbound send.
func IncSendsRateLimited() {
	if SendsRateLimited != nil {
		SendsRateLimited.Inc()
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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
