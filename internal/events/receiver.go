// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pennant/events")

// ignoredSetSize bounds the warn-once set for unhandled (type, subject)
// pairs so a hostile or misconfigured peer cannot grow it without limit.
const ignoredSetSize = 1000

type receiverEntry struct {
	decode func([]byte) (any, error)
	invoke func(ctx context.Context, msg any, env Envelope)
}

// ReceiverRegistry routes received envelopes to typed handlers keyed by the
// (event type, subject) pair. Deliveries run on the shared worker pool; a
// single decode is shared by every handler for a pair.
type ReceiverRegistry struct {
	mu       sync.RWMutex
	handlers map[string]map[string][]receiverEntry
	ignored  *ttlcache.Cache[string, struct{}]
	pool     *Pool
}

// NewReceiverRegistry builds a registry delivering on pool.
func NewReceiverRegistry(pool *Pool) *ReceiverRegistry {
	return &ReceiverRegistry{
		handlers: make(map[string]map[string][]receiverEntry),
		ignored:  ttlcache.New(ttlcache.WithCapacity[string, struct{}](ignoredSetSize)),
		pool:     pool,
	}
}

// Listen registers handler for envelopes matching eventType and subject,
// decoding payloads into T. Registration order is preserved.
func Listen[T any](r *ReceiverRegistry, eventType, subject string, handler func(ctx context.Context, msg T, env Envelope)) {
	entry := receiverEntry{
		decode: func(data []byte) (any, error) {
			var msg T
			if err := json.Unmarshal(data, &msg); err != nil {
				return nil, err
			}
			return msg, nil
		},
		invoke: func(ctx context.Context, msg any, env Envelope) {
			handler(ctx, msg.(T), env)
		},
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	subjects := r.handlers[eventType]
	if subjects == nil {
		subjects = make(map[string][]receiverEntry)
		r.handlers[eventType] = subjects
	}
	subjects[subject] = append(subjects[subject], entry)
	slog.Debug("registered event listener", "event_type", eventType, "subject", subject)
}

// HasListeners reports whether any handler is registered for eventType.
func (r *ReceiverRegistry) HasListeners(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entries := range r.handlers[eventType] {
		if len(entries) > 0 {
			return true
		}
	}
	return false
}

// Process dispatches env to every handler registered for its (type, subject)
// pair. Unroutable envelopes are dropped, warning once per pair.
func (r *ReceiverRegistry) Process(ctx context.Context, env Envelope) {
	if env.Type == "" || env.Subject == "" {
		slog.Error("discarding event without type or subject", "event_id", env.ID)
		return
	}
	r.mu.RLock()
	entries := r.handlers[env.Type][env.Subject]
	r.mu.RUnlock()
	if len(entries) == 0 {
		r.warnOnce(env)
		return
	}

	data, err := env.Payload()
	if err != nil {
		DeliveryFailures.WithLabelValues(env.Type).Inc()
		slog.Error("failed to decompress event payload",
			"event_type", env.Type, "subject", env.Subject, "event_id", env.ID, "error", err)
		return
	}
	msg, err := entries[0].decode(data)
	if err != nil {
		DeliveryFailures.WithLabelValues(env.Type).Inc()
		slog.Error("failed to decode event payload",
			"event_type", env.Type, "subject", env.Subject, "event_id", env.ID, "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, entry := range entries {
		r.pool.Submit(func() {
			r.deliver(ctx, entry, msg, env)
		})
	}
}

func (r *ReceiverRegistry) deliver(ctx context.Context, entry receiverEntry, msg any, env Envelope) {
	ctx, span := tracer.Start(ctx, "events.deliver",
		trace.WithAttributes(
			attribute.String("event.type", env.Type),
			attribute.String("event.subject", env.Subject),
			attribute.String("event.id", env.ID),
		))
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			DeliveryFailures.WithLabelValues(env.Type).Inc()
			span.SetStatus(codes.Error, "handler panicked")
			slog.Error("event handler panicked",
				"event_type", env.Type, "subject", env.Subject, "event_id", env.ID, "panic", rec)
		}
	}()
	entry.invoke(ctx, msg, env)
}

func (r *ReceiverRegistry) warnOnce(env Envelope) {
	IgnoredEvents.Inc()
	key := env.Type + "/" + env.Subject
	if r.ignored.Has(key) {
		return
	}
	r.ignored.Set(key, struct{}{}, ttlcache.NoTTL)
	slog.Warn("no listener for event, ignoring this pair from now on",
		"event_type", env.Type, "subject", env.Subject)
}
