package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OnlineSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aae_chat_online_sessions",
		Help: "Users with a live websocket session on this instance.",
	})

	DeliveryOK = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aae_chat_delivery_ok_total",
		Help: "Envelopes queued to an online recipient.",
	})
	DeliveryDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aae_chat_delivery_dropped_total",
		Help: "Envelopes dropped for a recipient, by reason (full, closed, offline).",
	}, []string{"reason"})

	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "aae_chat_send_latency_seconds",
		Help:    "Time from send entry to end of fan-out.",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	LatencyTargetMissed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aae_chat_latency_target_missed_total",
		Help: "Sends whose fan-out exceeded the latency target.",
	})

	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aae_chat_send_failures_total",
		Help: "Failed sends, by error code.",
	}, []string{"code"})

	ProtocolErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aae_chat_protocol_errors_total",
		Help: "Inbound frames ignored, by reason (malformed, unknown_kind).",
	}, []string{"reason"})

	RelayDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aae_chat_relay_dropped_total",
		Help: "Typing/read receipt relays dropped because all relay slots were busy.",
	})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aae_chat_events_published_total",
		Help: "Message events handed to the event bus, by result.",
	}, []string{"result"})

	HistoryCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aae_chat_history_cache_total",
		Help: "History page cache lookups, by result (hit, miss, error).",
	}, []string{"result"})
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			OnlineSessions,
			DeliveryOK, DeliveryDropped,
			SendLatency, LatencyTargetMissed,
			SendFailures, ProtocolErrors, RelayDropped,
			EventsPublished, HistoryCache,
		)
	})
}

// ObserveSend records one fan-out duration.
func ObserveSend(elapsed time.Duration, targetMet bool) {
	SendLatency.Observe(elapsed.Seconds())
	if !targetMet {
		LatencyTargetMissed.Inc()
	}
}

// SessionObserver tracks OnlineSessions from registry transitions.
type SessionObserver struct{}

func (SessionObserver) UserOnline(string, string) { OnlineSessions.Inc() }

func (SessionObserver) UserOffline(string) { OnlineSessions.Dec() }
