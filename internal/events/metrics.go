// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package events

import "github.com/prometheus/client_golang/prometheus"

var (
	// DeliveryFailures counts subscriber deliveries that panicked or whose
	// payload could not be decoded.
	DeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pennant_event_delivery_failures_total",
			Help: "Event deliveries that failed, by event type.",
		},
		[]string{"type"},
	)

	// PublishedEvents counts successful channel publishes.
	PublishedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pennant_events_published_total",
			Help: "Events handed to a publish channel, by event type.",
		},
		[]string{"type"},
	)

	// UnroutablePublishes counts publishes with no registered destination.
	UnroutablePublishes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pennant_events_unroutable_total",
			Help: "Publishes rejected because no channel or local listener existed.",
		},
	)

	// IgnoredEvents counts received events with no listener for their
	// (type, subject) pair.
	IgnoredEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pennant_events_ignored_total",
			Help: "Received events dropped because nothing listens for them.",
		},
	)
)

// RegisterMetrics registers the event registry collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		DeliveryFailures,
		PublishedEvents,
		UnroutablePublishes,
		IgnoredEvents,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
