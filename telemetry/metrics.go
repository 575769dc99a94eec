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
	SessionsOpened      prometheus.Counter
	SessionTerminations *prometheus.CounterVec // reason=closed|terminated|rejected
	FramesReceived      *prometheus.CounterVec // kind=ping|chat|connect_ack|unrecognized
	KeepAliveAcks       prometheus.Counter
	MessagesDispatched  prometheus.Counter
	MessagesSuppressed  prometheus.Counter
	ResolveFailures     *prometheus.CounterVec // step=live_status|access_token
	NotLivePolls        prometheus.Counter
	RepliesSent         prometheus.Counter
	RepliesFailed       prometheus.Counter
	OperationalPauses   prometheus.Counter
	CacheErrors         *prometheus.CounterVec // cmd=<redis command>
	CacheLookups        *prometheus.CounterVec // result=hit|miss

	// Histograms (seconds)
	ResolveDuration prometheus.Observer
	SessionLifetime prometheus.Observer
	LookupDuration  prometheus.Observer

	// Gauges
	LoopStateGauge *prometheus.GaugeVec // state=<name>, 1 for the current state
	PausedGauge    prometheus.Gauge     // 1=paused,0=running
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_sessions_opened_total", Help: "Number of stream sessions whose socket opened"})
		SessionTerminations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_session_terminations_total", Help: "Stream session terminations by reason"}, []string{"reason"})
		FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_frames_received_total", Help: "Inbound frames by decoded kind"}, []string{"kind"})
		KeepAliveAcks = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_keepalive_acks_total", Help: "Keep-alive acks sent"})
		MessagesDispatched = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_dispatched_total", Help: "Chat messages handed to the dispatcher"})
		MessagesSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_suppressed_total", Help: "Chat messages dropped while paused"})
		ResolveFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_resolve_failures_total", Help: "Session resolution failures by step"}, []string{"step"})
		NotLivePolls = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_not_live_polls_total", Help: "Live-status polls that reported the channel offline"})
		RepliesSent = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_replies_sent_total", Help: "Replies posted to chat"})
		RepliesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_replies_failed_total", Help: "Replies that could not be posted"})
		OperationalPauses = promauto.NewCounter(prometheus.CounterOpts{Name: "bot_operational_pauses_total", Help: "Number of operational pauses"})
		CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_cache_errors_total", Help: "Redis command errors by command"}, []string{"cmd"})
		CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bot_cache_lookups_total", Help: "Lookup cache results"}, []string{"result"})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_resolve_duration_seconds", Help: "Live-status + token resolution duration seconds", Buckets: prometheus.DefBuckets})
		SessionLifetime = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_session_lifetime_seconds", Help: "Stream session lifetime seconds", Buckets: []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600, 12 * 3600}})
		LookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bot_lookup_duration_seconds", Help: "Word lookup duration seconds", Buckets: prometheus.DefBuckets})
		LoopStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_loop_state", Help: "Ingestion loop state (1 for the active state)"}, []string{"state"})
		PausedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "bot_paused", Help: "Operational pause paused=1 running=0"})
	})
}

// IncCounter increments c if metrics are initialized.
func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// AddCounter adds n to c if metrics are initialized.
func AddCounter(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// IncLabel increments the labelled child of vec if metrics are initialized.
func IncLabel(vec *prometheus.CounterVec, label string) {
	if vec != nil {
		vec.WithLabelValues(label).Inc()
	}
}

// SetLoopState marks state as the only active loop state.
func SetLoopState(state string, all []string) {
	if LoopStateGauge == nil {
		return
	}
	for _, s := range all {
		if s == state {
			LoopStateGauge.WithLabelValues(s).Set(1)
		} else {
			LoopStateGauge.WithLabelValues(s).Set(0)
		}
	}
}

// UpdatePausedGauge sets gauge to 1 if paused else 0.
func UpdatePausedGauge(paused bool) {
	if PausedGauge != nil {
		if paused {
			PausedGauge.Set(1)
		} else {
			PausedGauge.Set(0)
		}
	}
}

// Observe records d in obs if non-nil.
func Observe(obs prometheus.Observer, d time.Duration) {
	if obs != nil {
		obs.Observe(d.Seconds())
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	Observe(obs, d)
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
