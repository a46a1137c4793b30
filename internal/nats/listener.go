// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

// Package nats binds the event registries to a NATS fabric: inbound messages
// become envelopes for the receiver registry, and the client's connection
// state drives the cache orchestrator's mode.
package nats

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/samber/oops"

	"github.com/pennanthq/pennant/internal/events"
)

// Envelope metadata travels in message headers, binary-mode style, so the
// payload stays opaque bytes.
const (
	headerID       = "ce-id"
	headerType     = "ce-type"
	headerSubject  = "ce-subject"
	headerTime     = "ce-time"
	headerEncoding = "ce-contentencoding"
)

// Subjects are the NATS subjects carrying the three change-event streams.
type Subjects struct {
	Environment    string
	ServiceAccount string
	Feature        string
}

// DefaultSubjects returns the standard subject names.
func DefaultSubjects() Subjects {
	return Subjects{
		Environment:    "pennant.environment",
		ServiceAccount: "pennant.service-account",
		Feature:        "pennant.feature",
	}
}

// Listener consumes change events from NATS and reports connectivity.
type Listener struct {
	conn     *nats.Conn
	subs     []*nats.Subscription
	receiver *events.ReceiverRegistry
}

// Option configures a Listener.
type Option func(*config)

type config struct {
	subjects     Subjects
	name         string
	connectivity func(connected bool)
}

// WithSubjects overrides the subscribed subject names.
func WithSubjects(s Subjects) Option {
	return func(c *config) { c.subjects = s }
}

// WithName sets the NATS client name.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithConnectivity registers a callback invoked with the connection state:
// once after the initial connect, then on every disconnect and reconnect.
func WithConnectivity(fn func(connected bool)) Option {
	return func(c *config) { c.connectivity = fn }
}

// Connect dials url, subscribes the change-event subjects, and routes each
// message through receiver.
func Connect(url string, receiver *events.ReceiverRegistry, opts ...Option) (*Listener, error) {
	cfg := &config{subjects: DefaultSubjects(), name: "pennant-edge"}
	for _, opt := range opts {
		opt(cfg)
	}

	natsOpts := []nats.Option{
		nats.Name(cfg.name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.connectivity != nil {
		natsOpts = append(natsOpts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("lost connection to event fabric", "error", err)
				cfg.connectivity(false)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("reconnected to event fabric", "url", nc.ConnectedUrl())
				cfg.connectivity(true)
			}),
		)
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, oops.With("url", url).Wrapf(err, "connect to event fabric")
	}

	l := &Listener{conn: conn, receiver: receiver}
	for _, pair := range []struct {
		natsSubject string
		eventType   string
		subject     string
	}{
		{cfg.subjects.Environment, events.TypeEnvironment, events.SubjectEnvironment},
		{cfg.subjects.ServiceAccount, events.TypeServiceAccount, events.SubjectServiceAccount},
		{cfg.subjects.Feature, events.TypeFeatureValues, events.SubjectFeature},
	} {
		sub, err := conn.Subscribe(pair.natsSubject, l.handler(pair.eventType, pair.subject))
		if err != nil {
			conn.Close()
			return nil, oops.With("subject", pair.natsSubject).Wrapf(err, "subscribe")
		}
		l.subs = append(l.subs, sub)
		slog.Debug("subscribed to event subject", "subject", pair.natsSubject)
	}

	if conn.IsConnected() {
		slog.Info("connected to event fabric", "url", conn.ConnectedUrl())
		if cfg.connectivity != nil {
			cfg.connectivity(true)
		}
	} else {
		slog.Warn("event fabric unreachable, retrying in background", "url", url)
	}
	return l, nil
}

// handler converts a NATS message into an envelope. Headers override the
// defaults inferred from the NATS subject, so one subject can carry multiple
// event types.
func (l *Listener) handler(defaultType, defaultSubject string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		env := events.Envelope{
			ID:              msg.Header.Get(headerID),
			Type:            msg.Header.Get(headerType),
			Subject:         msg.Header.Get(headerSubject),
			ContentEncoding: msg.Header.Get(headerEncoding),
			Data:            msg.Data,
		}
		if env.Type == "" {
			env.Type = defaultType
		}
		if env.Subject == "" {
			env.Subject = defaultSubject
		}
		if ts := msg.Header.Get(headerTime); ts != "" {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				env.Time = t
			}
		}
		l.receiver.Process(context.Background(), env)
	}
}

// BindPublisher registers a NATS delivery channel on p for each change-event
// type, so local publishes travel the fabric.
func (l *Listener) BindPublisher(p *events.PublisherRegistry, subjects Subjects, compressed bool) {
	for _, pair := range []struct {
		eventType   string
		natsSubject string
	}{
		{events.TypeEnvironment, subjects.Environment},
		{events.TypeServiceAccount, subjects.ServiceAccount},
		{events.TypeFeatureValues, subjects.Feature},
	} {
		natsSubject := pair.natsSubject
		p.RegisterChannel(pair.eventType, compressed, func(env events.Envelope) error {
			msg := nats.NewMsg(natsSubject)
			msg.Header.Set(headerID, env.ID)
			msg.Header.Set(headerType, env.Type)
			msg.Header.Set(headerSubject, env.Subject)
			msg.Header.Set(headerTime, env.Time.Format(time.RFC3339Nano))
			if env.ContentEncoding != "" {
				msg.Header.Set(headerEncoding, env.ContentEncoding)
			}
			msg.Data = env.Data
			if err := l.conn.PublishMsg(msg); err != nil {
				return oops.With("subject", natsSubject).Wrapf(err, "publish to event fabric")
			}
			return nil
		})
	}
}

// Close drains the subscriptions and closes the connection.
func (l *Listener) Close() {
	for _, sub := range l.subs {
		if err := sub.Drain(); err != nil {
			slog.Warn("failed to drain subscription", "subject", sub.Subject, "error", err)
		}
	}
	l.conn.Close()
	slog.Info("disconnected from event fabric")
}
