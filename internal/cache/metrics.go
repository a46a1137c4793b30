// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Result constants for lookup metrics.
const (
	ResultHit    = "hit"
	ResultMiss   = "miss"
	ResultDenied = "denied"
)

// Lookups counts hot-path lookups by result.
// Use RegisterMetrics to register this with a Prometheus registry.
var Lookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pennant_cache_lookups_total",
		Help: "Total number of cache lookups by result",
	},
	[]string{"result"},
)

// FetchThroughs counts synchronous calls to the registry service on cache
// miss, by entity kind and outcome.
var FetchThroughs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pennant_cache_fetch_throughs_total",
		Help: "Total number of fetch-through calls to the registry service",
	},
	[]string{"kind", "outcome"},
)

// StaleDiscards counts incoming events discarded because their version was
// not newer than the cached state.
var StaleDiscards = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pennant_cache_stale_discards_total",
		Help: "Total number of change events discarded as stale",
	},
	[]string{"kind"},
)

// ModeSwitches counts orchestrator transitions by target mode.
var ModeSwitches = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pennant_cache_mode_switches_total",
		Help: "Total number of orchestrator mode switches",
	},
	[]string{"mode"},
)

// RegisterMetrics registers cache package metrics with the given Prometheus
// registry. Call once at startup.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Lookups)
	reg.MustRegister(FetchThroughs)
	reg.MustRegister(StaleDiscards)
	reg.MustRegister(ModeSwitches)
}
