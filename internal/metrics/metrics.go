// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway collectors. Created by the orchestrator and
// registered on a private registry served by the admin endpoint.
type Metrics struct {
	Registry *prometheus.Registry

	NotesQueued   prometheus.Counter
	NotesSent     prometheus.Counter
	NotesRejected *prometheus.CounterVec
	DMsSent       prometheus.Counter
	QueuePending  prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		NotesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_notes_queued_total",
			Help: "Notes admitted into the submission queue.",
		}),
		NotesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_notes_sent_total",
			Help: "Notes successfully submitted to the remote Notes API.",
		}),
		NotesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_notes_rejected_total",
			Help: "Ingress rejections by reason.",
		}, []string{"reason"}),
		DMsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dms_sent_total",
			Help: "Direct messages delivered over the mesh.",
		}),
		QueuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_queue_pending",
			Help: "Current number of pending notes.",
		}),
	}

	m.Registry.MustRegister(
		m.NotesQueued,
		m.NotesSent,
		m.NotesRejected,
		m.DMsSent,
		m.QueuePending,
	)
	return m
}
