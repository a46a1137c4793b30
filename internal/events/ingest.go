// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pennanthq/pennant/internal/cache"
	"github.com/pennanthq/pennant/internal/features"
)

// Ingest subscribes to the three change-event pairs and fans each message out
// to every attached cache listener. Handlers run synchronously per message on
// a pool worker, so updates inside a feature-value batch reach each listener
// in the batch's order.
type Ingest struct {
	mu        sync.RWMutex
	listeners []cache.Listener
}

// NewIngest registers the ingestion handlers with r.
func NewIngest(r *ReceiverRegistry) *Ingest {
	in := &Ingest{}

	Listen(r, TypeEnvironment, SubjectEnvironment,
		func(ctx context.Context, msg features.PublishEnvironment, env Envelope) {
			slog.Debug("ingesting environment event",
				"action", msg.Action, "environment_id", msg.Environment.ID, "event_id", env.ID)
			for _, l := range in.snapshot() {
				l.UpdateEnvironment(msg)
			}
		})

	Listen(r, TypeServiceAccount, SubjectServiceAccount,
		func(ctx context.Context, msg features.PublishServiceAccount, env Envelope) {
			slog.Debug("ingesting service account event", "action", msg.Action, "event_id", env.ID)
			for _, l := range in.snapshot() {
				l.UpdateServiceAccount(msg)
			}
		})

	Listen(r, TypeFeatureValues, SubjectFeature,
		func(ctx context.Context, msg features.PublishFeatureValues, env Envelope) {
			slog.Debug("ingesting feature value batch",
				"count", len(msg.Features), "event_id", env.ID)
			listeners := in.snapshot()
			for _, fv := range msg.Features {
				for _, l := range listeners {
					l.UpdateFeature(fv)
				}
			}
		})

	return in
}

// AddListener attaches l to the fan-out.
func (in *Ingest) AddListener(l cache.Listener) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.listeners = append(in.listeners, l)
}

// RemoveListener detaches l, matching by identity.
func (in *Ingest) RemoveListener(l cache.Listener) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i, existing := range in.listeners {
		if existing == l {
			in.listeners = append(in.listeners[:i], in.listeners[i+1:]...)
			return
		}
	}
}

func (in *Ingest) snapshot() []cache.Listener {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]cache.Listener, len(in.listeners))
	copy(out, in.listeners)
	return out
}
