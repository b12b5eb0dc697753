// Package metrics exposes the gateway's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnvelopesTotal counts ingress outcomes: accepted, denied, invalid.
	EnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mew_envelopes_total",
		Help: "Envelopes received by the gateway, by ingress result.",
	}, []string{"result"})

	// DeliveriesTotal counts envelope copies written to participant sinks.
	DeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mew_deliveries_total",
		Help: "Envelope copies delivered to participant sinks.",
	})

	// CapabilityDenials counts capability_violation drops by attempted kind.
	CapabilityDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mew_capability_denials_total",
		Help: "Envelopes dropped by the capability matcher, by kind.",
	}, []string{"kind"})

	// Participants tracks connected participants across all spaces.
	Participants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mew_participants",
		Help: "Currently connected participants.",
	})

	// ActiveStreams tracks open streams across all spaces.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mew_active_streams",
		Help: "Currently active streams.",
	})

	// Spaces tracks live spaces.
	Spaces = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mew_spaces",
		Help: "Spaces with at least one participant.",
	})
)
