// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/pennanthq/pennant/internal/features"
)

// Mode identifies which strategy the orchestrator is serving from.
type Mode string

const (
	// ModePassthrough fetches fresh from the registry service on every
	// lookup.
	ModePassthrough Mode = "passthrough"
	// ModeCached serves from the event-stream-maintained cache store.
	ModeCached Mode = "cached"
)

// Variant selects the reconnection policy.
type Variant string

const (
	// VariantWipeOnDisconnect (the default) switches to passthrough the
	// moment connectivity is lost; a later reconnect starts with a cold
	// cache. Nothing stale is ever served, at the cost of a thundering
	// herd of passthrough calls during the outage.
	VariantWipeOnDisconnect Variant = "wipe_on_disconnect"
	// VariantWipeOnReconnect keeps serving the existing, possibly stale
	// cache while disconnected and wipes it the moment connectivity
	// returns. Availability through the outage, at the cost of a bounded
	// staleness window.
	VariantWipeOnReconnect Variant = "wipe_on_reconnect"
)

// strategy pairs a mode tag with its implementation so a single atomic load
// observes both together, never a torn mix.
type strategy struct {
	mode Mode
	impl Cache
}

// OrchestratorOption configures an Orchestrator during construction.
type OrchestratorOption func(*Orchestrator)

// WithVariant selects the reconnection policy.
func WithVariant(v Variant) OrchestratorOption {
	return func(o *Orchestrator) {
		o.variant = v
	}
}

// WithStoreOptions forwards options to every cache store the orchestrator
// creates on (re)connect.
func WithStoreOptions(opts ...StoreOption) OrchestratorOption {
	return func(o *Orchestrator) {
		o.storeOpts = opts
	}
}

// Orchestrator fronts the two strategies behind the shared Cache contract
// and swaps between them on event-stream connectivity signals. It starts in
// passthrough: an empty cache must not serve until the event stream has
// proven it can keep it fresh.
type Orchestrator struct {
	fetcher   Fetcher
	storeOpts []StoreOption
	variant   Variant

	passthrough *Passthrough
	active      atomic.Pointer[strategy]

	// mu serializes transitions; delegation reads active without it.
	mu        sync.Mutex
	connected bool
}

var _ Cache = (*Orchestrator)(nil)

// NewOrchestrator creates an orchestrator in passthrough mode.
func NewOrchestrator(fetcher Fetcher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		fetcher:     fetcher,
		variant:     VariantWipeOnDisconnect,
		passthrough: NewPassthrough(fetcher),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.active.Store(&strategy{mode: ModePassthrough, impl: o.passthrough})
	return o
}

// SetConnected feeds the connectivity signal from the event-stream
// transport. Duplicate signals are ignored.
func (o *Orchestrator) SetConnected(connected bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if connected == o.connected {
		return
	}
	o.connected = connected

	if connected {
		// A fresh store populates lazily through fetch-through on the
		// next lookups; no bulk reload. Under wipe-on-reconnect this is
		// also where the stale contents from the outage are dropped.
		o.swap(&strategy{mode: ModeCached, impl: NewStore(o.fetcher, o.storeOpts...)})
		return
	}

	if o.variant == VariantWipeOnReconnect {
		slog.Warn("event stream disconnected; continuing to serve possibly stale cache")
		return
	}
	o.swap(&strategy{mode: ModePassthrough, impl: o.passthrough})
}

func (o *Orchestrator) swap(next *strategy) {
	prev := o.active.Swap(next)
	ModeSwitches.WithLabelValues(string(next.mode)).Inc()
	slog.Info("cache mode switched", "from", string(prev.mode), "to", string(next.mode))
}

// Mode returns the currently active mode.
func (o *Orchestrator) Mode() Mode {
	return o.active.Load().mode
}

// EnvironmentCount returns the number of cached environments, zero in
// passthrough mode.
func (o *Orchestrator) EnvironmentCount() int {
	if store, ok := o.active.Load().impl.(*Store); ok {
		return store.EnvironmentCount()
	}
	return 0
}

// Lookup delegates to the active strategy.
func (o *Orchestrator) Lookup(ctx context.Context, envID uuid.UUID, credential string) (*FeatureCollection, bool) {
	return o.active.Load().impl.Lookup(ctx, envID, credential)
}

// UpdateEnvironment delegates to the active strategy.
func (o *Orchestrator) UpdateEnvironment(ev features.PublishEnvironment) {
	o.active.Load().impl.UpdateEnvironment(ev)
}

// UpdateServiceAccount delegates to the active strategy.
func (o *Orchestrator) UpdateServiceAccount(ev features.PublishServiceAccount) {
	o.active.Load().impl.UpdateServiceAccount(ev)
}

// UpdateFeature delegates to the active strategy.
func (o *Orchestrator) UpdateFeature(ev features.PublishFeatureValue) {
	o.active.Load().impl.UpdateFeature(ev)
}
