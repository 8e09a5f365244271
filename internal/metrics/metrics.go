// Package metrics exposes delivery counters through Prometheus.
//
// A nil *Metrics is a valid no-op receiver so the engine and its tests never
// have to care whether metrics are wired.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	sent       prometheus.Counter
	failed     prometheus.Counter
	skipped    prometheus.Counter
	floodWaits prometheus.Counter
	finished   *prometheus.CounterVec
	inFlight   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tgblast", Name: "messages_sent_total",
			Help: "Messages delivered successfully.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tgblast", Name: "messages_failed_total",
			Help: "Transient per-recipient send failures.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tgblast", Name: "messages_skipped_total",
			Help: "Recipients skipped on permanent errors.",
		}),
		floodWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tgblast", Name: "flood_waits_total",
			Help: "Flood-wait throttle signals observed.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tgblast", Name: "campaigns_finished_total",
			Help: "Delivery attempts reaching a terminal state.",
		}, []string{"status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tgblast", Name: "deliveries_in_flight",
			Help: "Delivery attempts currently running.",
		}),
	}
	reg.MustRegister(m.sent, m.failed, m.skipped, m.floodWaits, m.finished, m.inFlight)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.sent.Inc()
	}
}

func (m *Metrics) MessageFailed() {
	if m != nil {
		m.failed.Inc()
	}
}

func (m *Metrics) MessageSkipped() {
	if m != nil {
		m.skipped.Inc()
	}
}

func (m *Metrics) FloodWait() {
	if m != nil {
		m.floodWaits.Inc()
	}
}

func (m *Metrics) CampaignFinished(status string) {
	if m != nil {
		m.finished.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) DeliveryStarted() {
	if m != nil {
		m.inFlight.Inc()
	}
}

func (m *Metrics) DeliveryDone() {
	if m != nil {
		m.inFlight.Dec()
	}
}
