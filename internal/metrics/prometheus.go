package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gwlink"

// Exporter adapts a Collector to the prometheus.Collector interface.
// Values are read at scrape time, so the hot path stays on atomics.
type Exporter struct {
	c *Collector

	attempts        *prometheus.Desc
	established     *prometheus.Desc
	sessionsLost    *prometheus.Desc
	retries         *prometheus.Desc
	staleEvents     *prometheus.Desc
	forcedTeardowns *prometheus.Desc
	transitions     *prometheus.Desc
	publications    *prometheus.Desc
	published       *prometheus.Desc
	errors          *prometheus.Desc
	state           *prometheus.Desc
}

// NewExporter returns an Exporter for c.  constLabels are attached to
// every series (typically the connection id and gateway).
func NewExporter(c *Collector, constLabels prometheus.Labels) *Exporter {
	desc := func(name, help string, vars ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "connection", name), help, vars, constLabels)
	}
	return &Exporter{
		c:               c,
		attempts:        desc("attempts_total", "Negotiation attempts started."),
		established:     desc("established_total", "Negotiations that reached Connected."),
		sessionsLost:    desc("sessions_lost_total", "Sessions lost without a local request."),
		retries:         desc("retries_total", "Entries into the retry wait."),
		staleEvents:     desc("stale_events_total", "Events dropped for carrying a superseded token."),
		forcedTeardowns: desc("forced_teardowns_total", "Closes escalated to a forced close."),
		transitions:     desc("transitions_total", "State transitions."),
		publications:    desc("publications_total", "Virtual networks published."),
		published:       desc("published", "1 while a virtual network is published."),
		errors:          desc("errors_total", "Errors recorded."),
		state:           desc("state", "Current state of the connection.", "state"),
	}
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		e.attempts, e.established, e.sessionsLost, e.retries, e.staleEvents,
		e.forcedTeardowns, e.transitions, e.publications, e.published, e.errors, e.state,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := e.c.Snapshot()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(e.attempts, s.Attempts)
	counter(e.established, s.Established)
	counter(e.sessionsLost, s.SessionsLost)
	counter(e.retries, s.Retries)
	counter(e.staleEvents, s.StaleEvents)
	counter(e.forcedTeardowns, s.ForcedTeardowns)
	counter(e.transitions, s.Transitions)
	counter(e.publications, s.Publications)
	counter(e.errors, s.ErrorsTotal)

	pub := 0.0
	if s.Published {
		pub = 1
	}
	ch <- prometheus.MustNewConstMetric(e.published, prometheus.GaugeValue, pub)
	if s.State != "" {
		ch <- prometheus.MustNewConstMetric(e.state, prometheus.GaugeValue, 1, s.State)
	}
}

// NewRegistry returns a fresh registry holding the Go runtime and
// process collectors plus an Exporter for c.
func NewRegistry(c *Collector, constLabels prometheus.Labels) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if err := reg.Register(NewExporter(c, constLabels)); err != nil {
		return nil, err
	}
	return reg, nil
}

// Handler serves reg in the Prometheus text exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
