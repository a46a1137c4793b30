// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package cache

import (
	"context"

	"github.com/google/uuid"

	"github.com/pennanthq/pennant/internal/features"
)

// Passthrough serves every lookup straight from the registry service: two
// synchronous fetches per call, no caching, no negative caching. It is the
// orchestrator's strategy whenever the event stream cannot guarantee
// freshness, so there is nothing to keep fresh and the update methods are
// no-ops.
type Passthrough struct {
	fetcher Fetcher
}

var _ Cache = (*Passthrough)(nil)

// NewPassthrough creates a passthrough strategy over the given fetcher.
func NewPassthrough(fetcher Fetcher) *Passthrough {
	return &Passthrough{fetcher: fetcher}
}

// Lookup fetches the service account and environment fresh on every call.
func (p *Passthrough) Lookup(ctx context.Context, envID uuid.UUID, credential string) (*FeatureCollection, bool) {
	account, err := p.fetcher.FetchServiceAccount(ctx, credential)
	if err != nil {
		Lookups.WithLabelValues(ResultMiss).Inc()
		return nil, false
	}

	perm, ok := account.PermissionFor(envID)
	if !ok || len(perm.Roles) == 0 {
		Lookups.WithLabelValues(ResultDenied).Inc()
		return nil, false
	}

	env, err := p.fetcher.FetchEnvironment(ctx, envID)
	if err != nil {
		Lookups.WithLabelValues(ResultMiss).Inc()
		return nil, false
	}

	Lookups.WithLabelValues(ResultHit).Inc()
	return &FeatureCollection{
		Snapshot:         features.NewSnapshot(*env),
		Permission:       perm,
		ServiceAccountID: account.ID,
	}, true
}

// UpdateEnvironment is a no-op in passthrough mode.
func (p *Passthrough) UpdateEnvironment(features.PublishEnvironment) {}

// UpdateServiceAccount is a no-op in passthrough mode.
func (p *Passthrough) UpdateServiceAccount(features.PublishServiceAccount) {}

// UpdateFeature is a no-op in passthrough mode.
func (p *Passthrough) UpdateFeature(features.PublishFeatureValue) {}
