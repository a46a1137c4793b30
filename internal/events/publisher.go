// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeliveryFunc hands a serialized envelope to a transport channel.
type DeliveryFunc func(env Envelope) error

type publisherChannel struct {
	compress bool
	deliver  DeliveryFunc
}

// PublisherRegistry fans published payloads out to registered transport
// channels. The payload is serialized once, and compressed at most once no
// matter how many compressing channels are registered.
type PublisherRegistry struct {
	mu       sync.RWMutex
	channels map[string][]publisherChannel
	pool     *Pool
	local    *ReceiverRegistry
}

// PublisherOption configures a PublisherRegistry.
type PublisherOption func(*PublisherRegistry)

// WithLocalReceiver loops publishes with no transport channel back through
// the given receiver registry when it has listeners for the event type.
func WithLocalReceiver(r *ReceiverRegistry) PublisherOption {
	return func(p *PublisherRegistry) { p.local = r }
}

// NewPublisherRegistry builds a registry delivering on pool.
func NewPublisherRegistry(pool *Pool, opts ...PublisherOption) *PublisherRegistry {
	p := &PublisherRegistry{
		channels: make(map[string][]publisherChannel),
		pool:     pool,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterChannel adds a transport channel for eventType. Channels with
// compress set receive gzip-encoded envelopes.
func (p *PublisherRegistry) RegisterChannel(eventType string, compressed bool, deliver DeliveryFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels[eventType] = append(p.channels[eventType], publisherChannel{
		compress: compressed,
		deliver:  deliver,
	})
	slog.Debug("registered publish channel", "event_type", eventType, "compressed", compressed)
}

// Publish serializes payload and hands it to every channel registered for
// eventType. With no channel it falls back to the local receiver when one is
// configured and listening; otherwise the publish is an error, since a
// silently dropped change event means a permanently stale edge.
func (p *PublisherRegistry) Publish(ctx context.Context, eventType, subject string, payload any) error {
	p.mu.RLock()
	channels := p.channels[eventType]
	p.mu.RUnlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return oops.With("event_type", eventType).Wrapf(err, "serialize event payload")
	}

	if len(channels) == 0 {
		if p.local != nil && p.local.HasListeners(eventType) {
			p.local.Process(ctx, NewEnvelope(eventType, subject, data, ""))
			PublishedEvents.WithLabelValues(eventType).Inc()
			return nil
		}
		UnroutablePublishes.Inc()
		slog.Error("publishing event with no destination", "event_type", eventType, "subject", subject)
		return oops.With("event_type", eventType, "subject", subject).
			Errorf("no channel registered for event type %q", eventType)
	}

	var plain, gzipped *Envelope
	for _, ch := range channels {
		var env Envelope
		if ch.compress {
			if gzipped == nil {
				packed, err := compress(data)
				if err != nil {
					return oops.With("event_type", eventType).Wrapf(err, "compress event payload")
				}
				e := NewEnvelope(eventType, subject, packed, EncodingGzip)
				gzipped = &e
			}
			env = *gzipped
		} else {
			if plain == nil {
				e := NewEnvelope(eventType, subject, data, "")
				plain = &e
			}
			env = *plain
		}
		p.pool.Submit(func() {
			p.send(ctx, ch, env)
		})
	}
	PublishedEvents.WithLabelValues(eventType).Inc()
	return nil
}

func (p *PublisherRegistry) send(ctx context.Context, ch publisherChannel, env Envelope) {
	_, span := tracer.Start(context.WithoutCancel(ctx), "events.publish",
		trace.WithAttributes(
			attribute.String("event.type", env.Type),
			attribute.String("event.subject", env.Subject),
			attribute.String("event.id", env.ID),
		))
	defer span.End()
	if err := ch.deliver(env); err != nil {
		DeliveryFailures.WithLabelValues(env.Type).Inc()
		span.SetStatus(codes.Error, "delivery failed")
		slog.Error("failed to deliver event to channel",
			"event_type", env.Type, "subject", env.Subject, "event_id", env.ID, "error", err)
	}
}
