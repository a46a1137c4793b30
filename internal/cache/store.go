// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package cache

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/pennanthq/pennant/internal/features"
)

// Default capacities for the store's bounded caches.
const (
	DefaultEnvironmentSize     = 10000
	DefaultEnvironmentMissSize = 10000
	DefaultAccountSize         = 10000
	DefaultAccountMissSize     = 10000
	DefaultPermissionSize      = 10000
)

// StoreOption configures a Store during construction.
type StoreOption func(*storeConfig)

type storeConfig struct {
	envSize         uint64
	envMissSize     uint64
	accountSize     uint64
	accountMissSize uint64
	permSize        uint64
	streamUpdates   bool
}

// WithEnvironmentCapacity bounds the environment cache and its miss cache.
func WithEnvironmentCapacity(size, missSize uint64) StoreOption {
	return func(c *storeConfig) {
		c.envSize = size
		c.envMissSize = missSize
	}
}

// WithAccountCapacity bounds the service-account caches, the credential miss
// cache, and the resolved permission-pair cache.
func WithAccountCapacity(size, missSize, permSize uint64) StoreOption {
	return func(c *storeConfig) {
		c.accountSize = size
		c.accountMissSize = missSize
		c.permSize = permSize
	}
}

// WithStreamUpdates controls whether CREATE/UPDATE events for entities the
// cache has never fetched populate the cache. On by default; turning it off
// makes the cache strictly demand-filled.
func WithStreamUpdates(enabled bool) StoreOption {
	return func(c *storeConfig) {
		c.streamUpdates = enabled
	}
}

// permEntry is a resolved (environment, credential) pair. Caching the owning
// account id alongside the grant keeps the hot path to a single map read.
type permEntry struct {
	perm      features.Permission
	accountID uuid.UUID
}

// Store owns the edge node's primary caches: environment snapshots keyed by
// environment id, service accounts dual-keyed by both evaluation credentials,
// resolved permission pairs, and bounded negative caches for misses.
//
// All maps support concurrent readers and concurrent single-key writes; no
// cross-key transactions are needed. A concurrent delete interleaving with a
// fetch-through is a benign race: the next lookup self-corrects.
type Store struct {
	fetcher Fetcher
	cfg     storeConfig

	environments  *ttlcache.Cache[uuid.UUID, *features.Snapshot]
	accountsByID  *ttlcache.Cache[uuid.UUID, *features.ServiceAccount]
	accountsByKey *ttlcache.Cache[string, *features.ServiceAccount]
	perms         *ttlcache.Cache[string, permEntry]
	envMiss       *ttlcache.Cache[uuid.UUID, struct{}]
	keyMiss       *ttlcache.Cache[string, struct{}]
}

var _ Cache = (*Store)(nil)

// NewStore creates a cache store backed by the given fetcher.
func NewStore(fetcher Fetcher, opts ...StoreOption) *Store {
	cfg := storeConfig{
		envSize:         DefaultEnvironmentSize,
		envMissSize:     DefaultEnvironmentMissSize,
		accountSize:     DefaultAccountSize,
		accountMissSize: DefaultAccountMissSize,
		permSize:        DefaultPermissionSize,
		streamUpdates:   true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Store{
		fetcher: fetcher,
		cfg:     cfg,
		environments: ttlcache.New(
			ttlcache.WithCapacity[uuid.UUID, *features.Snapshot](cfg.envSize),
		),
		// the by-id cache holds each account once while the by-key cache
		// holds it under both credentials
		accountsByID: ttlcache.New(
			ttlcache.WithCapacity[uuid.UUID, *features.ServiceAccount](cfg.accountSize / 2),
		),
		accountsByKey: ttlcache.New(
			ttlcache.WithCapacity[string, *features.ServiceAccount](cfg.accountSize),
		),
		perms: ttlcache.New(
			ttlcache.WithCapacity[string, permEntry](cfg.permSize),
		),
		envMiss: ttlcache.New(
			ttlcache.WithCapacity[uuid.UUID, struct{}](cfg.envMissSize),
		),
		keyMiss: ttlcache.New(
			ttlcache.WithCapacity[string, struct{}](cfg.accountMissSize),
		),
	}

	// When capacity pressure evicts a credential entry, drop the derived
	// state with it so a later lookup re-resolves from scratch.
	s.accountsByKey.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *features.ServiceAccount]) {
		if reason != ttlcache.EvictionReasonCapacityReached {
			return
		}
		sa := item.Value()
		s.accountsByID.Delete(sa.ID)
		for _, p := range sa.Permissions {
			s.perms.Delete(permKey(p.EnvironmentID, item.Key()))
		}
	})

	return s
}

func permKey(envID uuid.UUID, credential string) string {
	return envID.String() + "/" + credential
}

// Lookup resolves the feature collection for one (environment, credential)
// pair. Absence covers every failure: unknown environment, unknown
// credential, no grant, empty grant, or an unreachable registry service.
func (s *Store) Lookup(ctx context.Context, envID uuid.UUID, credential string) (*FeatureCollection, bool) {
	if s.envMiss.Has(envID) {
		Lookups.WithLabelValues(ResultMiss).Inc()
		return nil, false
	}
	if s.keyMiss.Has(credential) {
		Lookups.WithLabelValues(ResultMiss).Inc()
		return nil, false
	}

	pk := permKey(envID, credential)
	var entry permEntry
	if item := s.perms.Get(pk); item != nil {
		entry = item.Value()
	} else {
		account, ok := s.resolveAccount(ctx, credential)
		if !ok {
			Lookups.WithLabelValues(ResultMiss).Inc()
			return nil, false
		}
		perm, ok := account.PermissionFor(envID)
		if !ok {
			// no grant means no access; not negative-cached, since the
			// account itself resolved
			Lookups.WithLabelValues(ResultDenied).Inc()
			return nil, false
		}
		entry = permEntry{perm: perm, accountID: account.ID}
		s.perms.Set(pk, entry, ttlcache.NoTTL)
	}

	if len(entry.perm.Roles) == 0 {
		Lookups.WithLabelValues(ResultDenied).Inc()
		return nil, false
	}

	snap, ok := s.resolveEnvironment(ctx, envID)
	if !ok {
		Lookups.WithLabelValues(ResultMiss).Inc()
		return nil, false
	}

	Lookups.WithLabelValues(ResultHit).Inc()
	return &FeatureCollection{
		Snapshot:         snap,
		Permission:       entry.perm,
		ServiceAccountID: entry.accountID,
	}, true
}

// FindEnvironment resolves a snapshot without a credential check. Used by
// the enrichment-facing surface; SDK traffic goes through Lookup.
func (s *Store) FindEnvironment(ctx context.Context, envID uuid.UUID) (*features.Snapshot, error) {
	if s.envMiss.Has(envID) {
		return nil, ErrNotFound
	}
	snap, ok := s.resolveEnvironment(ctx, envID)
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

// HasEnvironment reports whether the environment is currently cached,
// without triggering a fetch-through.
func (s *Store) HasEnvironment(envID uuid.UUID) bool {
	if s.envMiss.Has(envID) {
		return false
	}
	return s.environments.Has(envID)
}

// EnvironmentCount returns the number of cached environment snapshots.
func (s *Store) EnvironmentCount() int {
	return s.environments.Len()
}

func (s *Store) resolveAccount(ctx context.Context, credential string) (*features.ServiceAccount, bool) {
	if item := s.accountsByKey.Get(credential); item != nil {
		return item.Value(), true
	}

	account, err := s.fetcher.FetchServiceAccount(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Debug("service account does not exist", "credential_prefix", credentialPrefix(credential))
			FetchThroughs.WithLabelValues("service_account", "not_found").Inc()
		} else {
			slog.Warn("service account fetch-through failed", "error", err)
			FetchThroughs.WithLabelValues("service_account", "error").Inc()
		}
		s.keyMiss.Set(credential, struct{}{}, ttlcache.NoTTL)
		return nil, false
	}

	FetchThroughs.WithLabelValues("service_account", "ok").Inc()
	s.stashAccount(account)
	return account, true
}

func (s *Store) resolveEnvironment(ctx context.Context, envID uuid.UUID) (*features.Snapshot, bool) {
	if item := s.environments.Get(envID); item != nil {
		return item.Value(), true
	}

	env, err := s.fetcher.FetchEnvironment(ctx, envID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Debug("environment does not exist", "environment_id", envID)
			FetchThroughs.WithLabelValues("environment", "not_found").Inc()
		} else {
			slog.Warn("environment fetch-through failed", "environment_id", envID, "error", err)
			FetchThroughs.WithLabelValues("environment", "error").Inc()
		}
		s.envMiss.Set(envID, struct{}{}, ttlcache.NoTTL)
		return nil, false
	}

	FetchThroughs.WithLabelValues("environment", "ok").Inc()
	snap := features.NewSnapshot(*env)
	s.environments.Set(envID, snap, ttlcache.NoTTL)
	return snap, true
}

// stashAccount double-keys the account so either evaluation credential
// resolves it.
func (s *Store) stashAccount(account *features.ServiceAccount) {
	s.accountsByKey.Set(account.ClientEvalKey, account, ttlcache.NoTTL)
	s.accountsByKey.Set(account.ServerEvalKey, account, ttlcache.NoTTL)
	s.accountsByID.Set(account.ID, account, ttlcache.NoTTL)
}

// UpdateEnvironment applies an environment-change event. Updates are
// last-writer-wins by environment version; equal versions are re-applied to
// absorb at-least-once delivery.
func (s *Store) UpdateEnvironment(ev features.PublishEnvironment) {
	envID := ev.Environment.ID

	switch ev.Action {
	case features.ActionEmpty:
		return

	case features.ActionDelete:
		s.environments.Delete(envID)
		s.invalidatePermsForEnvironment(envID)
		s.envMiss.Set(envID, struct{}{}, ttlcache.NoTTL)
		slog.Debug("environment deleted from cache", "environment_id", envID)

	case features.ActionCreate, features.ActionUpdate:
		item := s.environments.Get(envID)
		if item == nil {
			// it exists now, so a stale miss marker must not outlive it
			s.envMiss.Delete(envID)
			if s.cfg.streamUpdates {
				s.environments.Set(envID, features.NewSnapshot(ev.Environment), ttlcache.NoTTL)
			}
			return
		}
		if ev.Environment.Version >= item.Value().Version() {
			s.envMiss.Delete(envID)
			s.environments.Set(envID, features.NewSnapshot(ev.Environment), ttlcache.NoTTL)
		} else {
			StaleDiscards.WithLabelValues("environment").Inc()
			slog.Debug("discarding stale environment update",
				"environment_id", envID,
				"incoming_version", ev.Environment.Version,
				"cached_version", item.Value().Version(),
			)
		}
	}
}

// UpdateServiceAccount applies a service-account-change event, including
// immediate credential-rotation and permission-revocation invalidation.
func (s *Store) UpdateServiceAccount(ev features.PublishServiceAccount) {
	if ev.Action == features.ActionEmpty || ev.ServiceAccount == nil {
		return
	}
	account := ev.ServiceAccount

	switch ev.Action {
	case features.ActionDelete:
		item := s.accountsByID.Get(account.ID)
		if item == nil {
			return
		}
		old := item.Value()
		s.retireCredential(old, old.ClientEvalKey)
		s.retireCredential(old, old.ServerEvalKey)
		s.accountsByID.Delete(old.ID)
		slog.Debug("service account deleted from cache", "service_account_id", old.ID)

	case features.ActionCreate, features.ActionUpdate:
		item := s.accountsByID.Get(account.ID)
		if item == nil {
			s.keyMiss.Delete(account.ClientEvalKey)
			s.keyMiss.Delete(account.ServerEvalKey)
			if s.cfg.streamUpdates {
				s.stashAccount(account)
			}
			return
		}

		old := item.Value()
		if account.Version < old.Version {
			StaleDiscards.WithLabelValues("service_account").Inc()
			slog.Debug("discarding stale service account update",
				"service_account_id", account.ID,
				"incoming_version", account.Version,
				"cached_version", old.Version,
			)
			return
		}

		s.keyMiss.Delete(account.ClientEvalKey)
		s.keyMiss.Delete(account.ServerEvalKey)

		// rotated credentials must stop resolving immediately
		if old.ClientEvalKey != account.ClientEvalKey {
			s.retireCredential(old, old.ClientEvalKey)
		}
		if old.ServerEvalKey != account.ServerEvalKey {
			s.retireCredential(old, old.ServerEvalKey)
		}

		s.stashAccount(account)
		s.invalidateChangedGrants(old, account)
	}
}

// retireCredential miss-marks a credential, removes it from the primary
// store, and drops every resolved pair derived from it.
func (s *Store) retireCredential(old *features.ServiceAccount, credential string) {
	s.keyMiss.Set(credential, struct{}{}, ttlcache.NoTTL)
	s.accountsByKey.Delete(credential)
	for _, p := range old.Permissions {
		s.perms.Delete(permKey(p.EnvironmentID, credential))
	}
}

// invalidateChangedGrants drops resolved pairs for every environment the old
// record granted where the new record revoked or altered the grant.
// Revocation must take effect on the very next lookup, not on the next full
// resolution.
func (s *Store) invalidateChangedGrants(old, updated *features.ServiceAccount) {
	for _, oldPerm := range old.Permissions {
		newPerm, ok := updated.PermissionFor(oldPerm.EnvironmentID)
		if ok && roleSetsEqual(oldPerm.Roles, newPerm.Roles) {
			continue
		}
		s.perms.Delete(permKey(oldPerm.EnvironmentID, updated.ClientEvalKey))
		s.perms.Delete(permKey(oldPerm.EnvironmentID, updated.ServerEvalKey))
	}
}

func roleSetsEqual(a, b []features.RoleType) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[features.RoleType]struct{}, len(a))
	for _, r := range a {
		set[r] = struct{}{}
	}
	for _, r := range b {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

func (s *Store) invalidatePermsForEnvironment(envID uuid.UUID) {
	prefix := envID.String() + "/"
	var stale []string
	s.perms.Range(func(item *ttlcache.Item[string, permEntry]) bool {
		if len(item.Key()) > len(prefix) && item.Key()[:len(prefix)] == prefix {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, key := range stale {
		s.perms.Delete(key)
	}
}

// UpdateFeature applies one feature-value change. Events for environments
// the cache has never been asked about are dropped without a fetch-through;
// a cold cache can therefore miss a burst of updates until an unrelated
// lookup repopulates the environment.
//
// Definition and value versions are compared independently: a definition
// bump never replaces a value, and a value bump never replaces a
// definition.
func (s *Store) UpdateFeature(ev features.PublishFeatureValue) {
	if ev.Action == features.ActionEmpty {
		return
	}

	item := s.environments.Get(ev.EnvironmentID)
	if item == nil {
		slog.Debug("dropping feature update for uncached environment",
			"environment_id", ev.EnvironmentID,
			"feature_key", ev.Feature.Feature.Key,
		)
		return
	}
	snap := item.Value()
	incoming := ev.Feature

	if ev.Action == features.ActionDelete {
		snap.Remove(incoming.Feature.ID)
		slog.Debug("removed feature from snapshot",
			"environment_id", ev.EnvironmentID,
			"feature_id", incoming.Feature.ID,
		)
		return
	}

	existing, ok := snap.Get(incoming.Feature.ID)
	if !ok {
		// a brand-new feature is never a merge conflict
		snap.Set(incoming)
		return
	}

	if incoming.Feature.Version > existing.Feature.Version {
		snap.SetFeature(incoming)
	}

	if incoming.Value == nil {
		return
	}
	switch {
	case existing.Value == nil || existing.Value.Version < incoming.Value.Version:
		snap.SetFeatureValue(incoming)
	case existing.Value.Version == incoming.Value.Version:
		// idempotent redelivery
	default:
		StaleDiscards.WithLabelValues("feature_value").Inc()
		slog.Debug("discarding stale feature value",
			"environment_id", ev.EnvironmentID,
			"feature_id", incoming.Feature.ID,
			"incoming_version", incoming.Value.Version,
			"cached_version", existing.Value.Version,
		)
	}
}

// credentialPrefix truncates a credential for logging. Full keys never go to
// logs.
func credentialPrefix(credential string) string {
	if len(credential) <= 8 {
		return credential
	}
	return credential[:8]
}
