// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

// Package cdn invalidates CDN-cached feature state when it changes. The
// purger rides the same listener fan-out as the edge cache, so anything the
// cache sees, the CDN forgets.
package cdn

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pennanthq/pennant/internal/features"
)

// Purges counts CDN purge attempts by outcome.
var Purges = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pennant_cdn_purges_total",
		Help: "CDN surrogate-key purges by outcome.",
	},
	[]string{"outcome"},
)

// RegisterMetrics registers the CDN collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(Purges)
}

const purgeTimeout = 5 * time.Second

// FastlyPurger purges the per-environment surrogate key on Fastly whenever
// feature state changes. Purge failures are logged and counted, never
// propagated: the CDN serves stale briefly, the edge stays correct.
type FastlyPurger struct {
	serviceID string
	apiKey    string
	baseURL   string
	httpc     *http.Client
}

// NewFastlyPurger builds a purger for the given Fastly service.
func NewFastlyPurger(serviceID, apiKey string) *FastlyPurger {
	return &FastlyPurger{
		serviceID: serviceID,
		apiKey:    apiKey,
		baseURL:   "https://api.fastly.com",
		httpc:     &http.Client{Timeout: purgeTimeout},
	}
}

// UpdateEnvironment purges on environment deletion; creates and updates are
// covered by the feature-value events that follow them.
func (f *FastlyPurger) UpdateEnvironment(env features.PublishEnvironment) {
	if env.Action == features.ActionDelete {
		f.purge(env.Environment.ID)
	}
}

// UpdateServiceAccount is a no-op: account changes alter permissions, not the
// cached feature bodies.
func (f *FastlyPurger) UpdateServiceAccount(features.PublishServiceAccount) {}

// UpdateFeature purges the changed feature's environment.
func (f *FastlyPurger) UpdateFeature(fv features.PublishFeatureValue) {
	f.purge(fv.EnvironmentID)
}

func (f *FastlyPurger) purge(envID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
	defer cancel()

	target := fmt.Sprintf("%s/service/%s/purge/%s", f.baseURL, f.serviceID, envID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		Purges.WithLabelValues("error").Inc()
		slog.Error("failed to build cdn purge request", "environment_id", envID, "error", err)
		return
	}
	req.Header.Set("Fastly-Key", f.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		Purges.WithLabelValues("error").Inc()
		slog.Warn("cdn purge failed", "environment_id", envID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		Purges.WithLabelValues("rejected").Inc()
		slog.Warn("cdn purge rejected", "environment_id", envID, "status", resp.StatusCode)
		return
	}
	Purges.WithLabelValues("ok").Inc()
	slog.Debug("purged cdn surrogate key", "environment_id", envID)
}
