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

	// Chat ingestion
	ChatEvents     *prometheus.CounterVec // outcome=delivered|duplicate|dropped
	ChatReconnects prometheus.Counter
	ChatConnected  prometheus.Gauge
	Engagement     *prometheus.CounterVec // kind=gift|subscription|raid|follow|like|share|join

	// Parser / queue
	CommandsParsed   *prometheus.CounterVec // result=accepted|<reject reason>
	EnqueueRejected  *prometheus.CounterVec // reason=rate_limited|queue_full
	QueueTransitions *prometheus.CounterVec // status
	QueueDepthGauge  prometheus.Gauge

	// Playback + credentials
	PlaybackAttempts *prometheus.CounterVec // result=ok|auth|not_found|transient
	PlaybackDuration prometheus.Observer
	TokenRefreshes   *prometheus.CounterVec // result=success|failure

	// Persistence + dashboard
	HistoryDropped   prometheus.Counter
	DashboardClients prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ChatEvents = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tender_chat_events_total", Help: "Chat events seen by the ingestion client by outcome"}, []string{"outcome"})
		ChatReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "tender_chat_reconnects_total", Help: "Chat reconnect attempts after an unexpected disconnect"})
		ChatConnected = promauto.NewGauge(prometheus.GaugeOpts{Name: "tender_chat_connected", Help: "Chat connection up=1 down=0"})
		Engagement = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tender_engagement_events_total", Help: "Non-command chat events by kind"}, []string{"kind"})
		CommandsParsed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tender_commands_parsed_total", Help: "Chat lines parsed by result"}, []string{"result"})
		EnqueueRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tender_enqueue_rejected_total", Help: "Requests refused by the queue"}, []string{"reason"})
		QueueTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tender_queue_transitions_total", Help: "Queue transitions by target status"}, []string{"status"})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "tender_queue_depth", Help: "Current number of pending requests"})
		PlaybackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tender_playback_attempts_total", Help: "Music service calls by result"}, []string{"result"})
		PlaybackDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tender_playback_call_duration_seconds", Help: "Resolve+play duration seconds", Buckets: prometheus.DefBuckets})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tender_token_refreshes_total", Help: "Credential refresh exchanges by result"}, []string{"result"})
		HistoryDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "tender_history_dropped_total", Help: "History rows dropped because the writer buffer was full"})
		DashboardClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "tender_dashboard_clients", Help: "Connected dashboard websocket clients"})
	})
}

// Inc increments the labeled counter if metrics are initialized.
func Inc(vec *prometheus.CounterVec, label string) {
	if vec != nil {
		vec.WithLabelValues(label).Inc()
	}
}

// IncCounter increments c if metrics are initialized.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetGauge sets g if metrics are initialized.
func SetGauge(g prometheus.Gauge, v float64) {
	if g != nil {
		g.Set(v)
	}
}

// AddGauge adds delta to g if metrics are initialized.
func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

// SetQueueDepth records current pending request count.
func SetQueueDepth(n int) { SetGauge(QueueDepthGauge, float64(n)) }

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
