package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process registry and every labeled counter the gateway
// increments directly. Gauges derived from component snapshots are gathered
// at scrape time by Collector.
type Metrics struct {
	registry *prometheus.Registry

	CallsRejected           *prometheus.CounterVec
	Turns                   *prometheus.CounterVec
	Interruptions           prometheus.Counter
	AudioLowConfidence      prometheus.Counter
	TrunkReconnectAttempts  *prometheus.CounterVec
	WebhookEvents           *prometheus.CounterVec
	WebhookUnknownEvents    prometheus.Counter
	WebhookAuthFailures     prometheus.Counter
	Errors                  *prometheus.CounterVec
}

// New creates the gateway metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CallsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_rejected_total",
			Help: "Calls rejected before activation, by reason",
		}, []string{"reason"}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conversation_turns_total",
			Help: "Conversation turns processed, by result",
		}, []string{"result"}),
		Interruptions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conversation_interruptions_total",
			Help: "Caller barge-ins detected while the agent was responding",
		}),
		AudioLowConfidence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audio_low_confidence_total",
			Help: "Turns dropped because STT confidence was below threshold",
		}),
		TrunkReconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sip_trunk_reconnection_attempts",
			Help: "Reconnection attempts per trunk",
		}, []string{"trunk"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Webhook events accepted, by event type",
		}, []string{"event"}),
		WebhookUnknownEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_events_unknown_total",
			Help: "Webhook events with an unrecognized type",
		}),
		WebhookAuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_auth_failures_total",
			Help: "Webhook requests rejected for bad or stale signatures",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Errors observed, by kind and component",
		}, []string{"kind", "component"}),
	}

	reg.MustRegister(
		m.CallsRejected,
		m.Turns,
		m.Interruptions,
		m.AudioLowConfidence,
		m.TrunkReconnectAttempts,
		m.WebhookEvents,
		m.WebhookUnknownEvents,
		m.WebhookAuthFailures,
		m.Errors,
	)
	return m
}

// Register adds a collector (e.g. Collector) to the process registry.
func (m *Metrics) Register(c prometheus.Collector) {
	m.registry.MustRegister(c)
}

// Handler returns the scrape endpoint handler for the process registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ActiveCallsProvider exposes the number of active calls.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// TrunkHealthEntry is one trunk's health snapshot for metrics.
type TrunkHealthEntry struct {
	Name           string
	Connected      bool
	ResponseTimeMS float64
}

// TrunkHealthProvider exposes trunk reachability snapshots.
type TrunkHealthProvider interface {
	TrunkHealthSnapshot() []TrunkHealthEntry
}

// Collector is a prometheus.Collector that gathers gateway gauges at scrape
// time. Any provider may be nil if unavailable.
type Collector struct {
	activeCalls ActiveCallsProvider
	trunks      TrunkHealthProvider
	startTime   time.Time

	activeCallsDesc       *prometheus.Desc
	trunkStatusDesc       *prometheus.Desc
	trunkResponseTimeDesc *prometheus.Desc
	uptimeDesc            *prometheus.Desc
}

// NewCollector creates a snapshot collector over the given providers.
func NewCollector(activeCalls ActiveCallsProvider, trunks TrunkHealthProvider, startTime time.Time) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		trunks:      trunks,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voicegw_active_calls",
			"Number of calls currently admitted (active or processing)",
			nil, nil,
		),
		trunkStatusDesc: prometheus.NewDesc(
			"sip_trunk_status",
			"Trunk reachability (1=connected, 0=other)",
			[]string{"trunk"}, nil,
		),
		trunkResponseTimeDesc: prometheus.NewDesc(
			"sip_trunk_response_time",
			"Last trunk probe response time in milliseconds",
			[]string{"trunk"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voicegw_uptime_seconds",
			"Seconds since the voicegw process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.trunkStatusDesc
	ch <- c.trunkResponseTimeDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.trunks != nil {
		for _, t := range c.trunks.TrunkHealthSnapshot() {
			val := 0.0
			if t.Connected {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.trunkStatusDesc, prometheus.GaugeValue, val, t.Name,
			)
			ch <- prometheus.MustNewConstMetric(
				c.trunkResponseTimeDesc, prometheus.GaugeValue, t.ResponseTimeMS, t.Name,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
