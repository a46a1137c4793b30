// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

// Package cache implements the edge node's feature cache: a versioned,
// per-environment store with negative caching and cascading invalidation,
// plus the orchestrator that swaps between cached and passthrough modes
// depending on event-stream connectivity.
package cache

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/pennanthq/pennant/internal/features"
)

// ErrNotFound is returned by fetchers when the registry service does not know
// the requested entity. The store collapses every other fetch failure into
// the same outcome; callers of Lookup only ever observe absence.
var ErrNotFound = errors.New("not found")

// FeatureCollection is the result of a successful lookup: the environment's
// snapshot, the grant the credential holds for it, and the owning service
// account.
type FeatureCollection struct {
	Snapshot         *features.Snapshot
	Permission       features.Permission
	ServiceAccountID uuid.UUID
}

// Reader is the hot-path read contract used by every client evaluation
// request. Absence is the success-path signal for "no access or no such
// environment"; Lookup never returns an error.
type Reader interface {
	Lookup(ctx context.Context, envID uuid.UUID, credential string) (*FeatureCollection, bool)
}

// Listener receives decoded change events from the ingestion layer.
type Listener interface {
	UpdateEnvironment(env features.PublishEnvironment)
	UpdateServiceAccount(sa features.PublishServiceAccount)
	UpdateFeature(fv features.PublishFeatureValue)
}

// Cache is the full read/write contract shared by the store, the passthrough
// strategy, and the orchestrator that fronts them.
type Cache interface {
	Reader
	Listener
}

// Fetcher is the boundary to the system of record. Implementations return
// ErrNotFound for unknown entities; any other error is treated identically
// by the store (negative-cache and absent result).
type Fetcher interface {
	FetchEnvironment(ctx context.Context, envID uuid.UUID) (*features.Environment, error)
	FetchServiceAccount(ctx context.Context, credential string) (*features.ServiceAccount, error)
}
