package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the game counters. A nil *Metrics records nothing.
type Metrics struct {
	taps             *prometheus.CounterVec
	purchases        *prometheus.CounterVec
	saves            *prometheus.CounterVec
	saveDuration     prometheus.Histogram
	transfers        *prometheus.CounterVec
	partialTransfers prometheus.Counter
	repairs          *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	requestCount     *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		taps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ggpay_taps_total",
			Help: "Taps by outcome.",
		}, []string{"outcome"}),
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ggpay_boost_purchases_total",
			Help: "Boost purchase attempts by boost and result.",
		}, []string{"boost", "result"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ggpay_saves_total",
			Help: "Session saves by trigger and result.",
		}, []string{"trigger", "result"}),
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ggpay_save_duration_seconds",
			Help:    "Duration of session saves.",
			Buckets: prometheus.DefBuckets,
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ggpay_transfers_total",
			Help: "Transfers by outcome.",
		}, []string{"outcome"}),
		partialTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ggpay_transfer_partial_failures_total",
			Help: "Transfers whose credit failed after the debit committed.",
		}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ggpay_reconciler_actions_total",
			Help: "Outbox intents resolved by the reconciler.",
		}, []string{"action"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ggpay_active_sessions",
			Help: "Live player sessions.",
		}),
		requestCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	if registry != nil {
		registry.MustRegister(
			m.taps, m.purchases, m.saves, m.saveDuration, m.transfers,
			m.partialTransfers, m.repairs, m.activeSessions,
			m.requestCount, m.requestDuration,
		)
	}
	return m
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Tap(outcome string) {
	if m == nil {
		return
	}
	m.taps.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Purchase(boost, result string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(boost, result).Inc()
}

func (m *Metrics) Save(trigger string, err error, took time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.saves.WithLabelValues(trigger, result).Inc()
	m.saveDuration.Observe(took.Seconds())
}

func (m *Metrics) Transfer(outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PartialTransfer() {
	if m == nil {
		return
	}
	m.partialTransfers.Inc()
}

func (m *Metrics) Reconciled(action string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(action).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) Request(method, path string, status int, took time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.requestCount.WithLabelValues(method, path, code).Inc()
	m.requestDuration.WithLabelValues(method, path, code).Observe(took.Seconds())
}
