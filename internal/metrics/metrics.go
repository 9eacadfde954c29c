// Package metrics exposes sitewatch activity as Prometheus collectors.
//
// Counters are fed from the event bus; the monitored-URL and recipient gauges
// read the live stores at scrape time.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sitewatch/internal/eventbus"
	"sitewatch/internal/watch"
)

const namespace = "sitewatch"

type Metrics struct {
	reg *prometheus.Registry

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	fetchFailures prometheus.Counter
	changes       prometheus.Counter
	monitorOps    *prometheus.CounterVec
	recipientsNew prometheus.Counter
	notifications *prometheus.CounterVec
	commands      *prometheus.CounterVec
}

// New registers all collectors on a private registry. Either store may be nil.
func New(monitors *watch.Monitors, registry *watch.Registry) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "cycles_total",
			Help: "Completed poll cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "poller", Name: "cycle_duration_seconds",
			Help:    "Wall time of a poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		fetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "fetch_failures_total",
			Help: "Failed page fetches.",
		}),
		changes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "poller", Name: "changes_total",
			Help: "Content changes detected.",
		}),
		monitorOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_ops_total",
			Help: "Monitored URLs added or removed.",
		}, []string{"op"}),
		recipientsNew: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "recipients_registered_total",
			Help: "Conversation endpoints registered.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "deliveries_total",
			Help: "Notification deliveries by result.",
		}, []string{"result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "commands_total",
			Help: "Chat commands handled.",
		}, []string{"command", "ok"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.fetchFailures, m.changes,
		m.monitorOps, m.recipientsNew, m.notifications, m.commands,
	)
	if monitors != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "monitored_urls",
			Help: "URLs currently monitored.",
		}, func() float64 { return float64(monitors.Len()) }))
	}
	if registry != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recipients",
			Help: "Known conversation endpoints.",
		}, func() float64 { return float64(registry.Len()) }))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Observe updates counters from one bus event. Unknown types are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.TypePollCycle:
		m.cycles.Inc()
		if c, ok := e.Data.(eventbus.CycleEvent); ok {
			m.cycleDuration.Observe(c.Duration.Seconds())
		}
	case eventbus.TypeFetchFailed:
		m.fetchFailures.Inc()
	case eventbus.TypeMonitorChanged:
		m.changes.Inc()
	case eventbus.TypeMonitorAdded:
		m.monitorOps.WithLabelValues("add").Inc()
	case eventbus.TypeMonitorRemoved:
		m.monitorOps.WithLabelValues("remove").Inc()
	case eventbus.TypeRecipientAdded:
		m.recipientsNew.Inc()
	case eventbus.TypeNotifySent:
		m.notifications.WithLabelValues("sent").Inc()
	case eventbus.TypeNotifyFailed:
		m.notifications.WithLabelValues("failed").Inc()
	case eventbus.TypeCommand:
		if c, ok := e.Data.(eventbus.CommandEvent); ok {
			m.commands.WithLabelValues(c.Command, strconv.FormatBool(c.OK)).Inc()
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
