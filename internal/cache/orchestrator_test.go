// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennanthq/pennant/internal/features"
)

func TestOrchestrator_StartsInPassthrough(t *testing.T) {
	orch := NewOrchestrator(newFakeFetcher())
	assert.Equal(t, ModePassthrough, orch.Mode())
	assert.Equal(t, 0, orch.EnvironmentCount())
}

func TestOrchestrator_PassthroughFetchesEveryLookup(t *testing.T) {
	fetcher := newFakeFetcher()
	envID := uuid.New()
	fetcher.envs[envID] = features.Environment{ID: envID, Version: 1}
	fetcher.addAccount(features.ServiceAccount{
		ID: uuid.New(), Version: 1,
		ClientEvalKey: "ck", ServerEvalKey: "sk",
		Permissions: []features.Permission{
			{EnvironmentID: envID, Roles: []features.RoleType{features.RoleRead}},
		},
	})
	orch := NewOrchestrator(fetcher)
	ctx := context.Background()

	for range 3 {
		_, ok := orch.Lookup(ctx, envID, "sk")
		require.True(t, ok)
	}

	envCalls, accountCalls := fetcher.calls()
	assert.Equal(t, 3, envCalls)
	assert.Equal(t, 3, accountCalls)
}

func TestOrchestrator_ConnectSwitchesToCached(t *testing.T) {
	fetcher := newFakeFetcher()
	envID := uuid.New()
	fetcher.envs[envID] = features.Environment{ID: envID, Version: 1}
	fetcher.addAccount(features.ServiceAccount{
		ID: uuid.New(), Version: 1,
		ClientEvalKey: "ck", ServerEvalKey: "sk",
		Permissions: []features.Permission{
			{EnvironmentID: envID, Roles: []features.RoleType{features.RoleRead}},
		},
	})
	orch := NewOrchestrator(fetcher)
	ctx := context.Background()

	orch.SetConnected(true)
	require.Equal(t, ModeCached, orch.Mode())

	for range 3 {
		_, ok := orch.Lookup(ctx, envID, "sk")
		require.True(t, ok)
	}

	envCalls, accountCalls := fetcher.calls()
	assert.Equal(t, 1, envCalls, "cached mode fetches through once")
	assert.Equal(t, 1, accountCalls)
	assert.Equal(t, 1, orch.EnvironmentCount())
}

func TestOrchestrator_DuplicateSignalsIgnored(t *testing.T) {
	fetcher := newFakeFetcher()
	envID := uuid.New()
	fetcher.envs[envID] = features.Environment{ID: envID, Version: 1}
	fetcher.addAccount(features.ServiceAccount{
		ID: uuid.New(), Version: 1,
		ClientEvalKey: "ck", ServerEvalKey: "sk",
		Permissions: []features.Permission{
			{EnvironmentID: envID, Roles: []features.RoleType{features.RoleRead}},
		},
	})
	orch := NewOrchestrator(fetcher)
	ctx := context.Background()

	orch.SetConnected(true)
	_, ok := orch.Lookup(ctx, envID, "sk")
	require.True(t, ok)
	require.Equal(t, 1, orch.EnvironmentCount())

	// A redundant connected signal must not wipe the store.
	orch.SetConnected(true)
	assert.Equal(t, 1, orch.EnvironmentCount())
}

func TestOrchestrator_WipeOnDisconnect(t *testing.T) {
	fetcher := newFakeFetcher()
	envID := uuid.New()
	fetcher.envs[envID] = features.Environment{ID: envID, Version: 1}
	fetcher.addAccount(features.ServiceAccount{
		ID: uuid.New(), Version: 1,
		ClientEvalKey: "ck", ServerEvalKey: "sk",
		Permissions: []features.Permission{
			{EnvironmentID: envID, Roles: []features.RoleType{features.RoleRead}},
		},
	})
	orch := NewOrchestrator(fetcher)
	ctx := context.Background()

	orch.SetConnected(true)
	_, ok := orch.Lookup(ctx, envID, "sk")
	require.True(t, ok)

	orch.SetConnected(false)
	assert.Equal(t, ModePassthrough, orch.Mode())
	assert.Equal(t, 0, orch.EnvironmentCount())

	// Reconnect starts cold: the next lookup fetches through again.
	orch.SetConnected(true)
	require.Equal(t, ModeCached, orch.Mode())
	envCallsBefore, _ := fetcher.calls()
	_, ok = orch.Lookup(ctx, envID, "sk")
	require.True(t, ok)
	envCallsAfter, _ := fetcher.calls()
	assert.Equal(t, envCallsBefore+1, envCallsAfter)
}

func TestOrchestrator_WipeOnReconnectServesStale(t *testing.T) {
	fetcher := newFakeFetcher()
	envID := uuid.New()
	fetcher.envs[envID] = features.Environment{ID: envID, Version: 1}
	fetcher.addAccount(features.ServiceAccount{
		ID: uuid.New(), Version: 1,
		ClientEvalKey: "ck", ServerEvalKey: "sk",
		Permissions: []features.Permission{
			{EnvironmentID: envID, Roles: []features.RoleType{features.RoleRead}},
		},
	})
	orch := NewOrchestrator(fetcher, WithVariant(VariantWipeOnReconnect))
	ctx := context.Background()

	orch.SetConnected(true)
	_, ok := orch.Lookup(ctx, envID, "sk")
	require.True(t, ok)

	// Disconnect keeps the cache in service.
	orch.SetConnected(false)
	assert.Equal(t, ModeCached, orch.Mode())

	envCallsBefore, accountCallsBefore := fetcher.calls()
	_, ok = orch.Lookup(ctx, envID, "sk")
	require.True(t, ok, "possibly stale cache keeps serving through the outage")
	envCallsAfter, accountCallsAfter := fetcher.calls()
	assert.Equal(t, envCallsBefore, envCallsAfter)
	assert.Equal(t, accountCallsBefore, accountCallsAfter)

	// Reconnect wipes: a fresh store replaces the stale one.
	orch.SetConnected(true)
	assert.Equal(t, ModeCached, orch.Mode())
	assert.Equal(t, 0, orch.EnvironmentCount())
}

func TestOrchestrator_ConcurrentLookupsDuringSwap(t *testing.T) {
	fetcher := newFakeFetcher()
	envID := uuid.New()
	fetcher.envs[envID] = features.Environment{ID: envID, Version: 1}
	fetcher.addAccount(features.ServiceAccount{
		ID: uuid.New(), Version: 1,
		ClientEvalKey: "ck", ServerEvalKey: "sk",
		Permissions: []features.Permission{
			{EnvironmentID: envID, Roles: []features.RoleType{features.RoleRead}},
		},
	})
	orch := NewOrchestrator(fetcher)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Every lookup must resolve through a coherent strategy,
				// whichever side of a swap it lands on.
				_, ok := orch.Lookup(ctx, envID, "sk")
				assert.True(t, ok)
			}
		}()
	}

	for range 20 {
		orch.SetConnected(true)
		orch.SetConnected(false)
	}
	close(stop)
	wg.Wait()
}

func TestOrchestrator_UpdatesDelegateToActiveStrategy(t *testing.T) {
	fetcher := newFakeFetcher()
	envID := uuid.New()
	orch := NewOrchestrator(fetcher)

	// Passthrough swallows updates.
	orch.UpdateEnvironment(features.PublishEnvironment{
		Action:      features.ActionCreate,
		Environment: features.Environment{ID: envID, Version: 1},
	})
	assert.Equal(t, 0, orch.EnvironmentCount())

	// Cached mode applies them.
	orch.SetConnected(true)
	orch.UpdateEnvironment(features.PublishEnvironment{
		Action:      features.ActionCreate,
		Environment: features.Environment{ID: envID, Version: 1},
	})
	assert.Equal(t, 1, orch.EnvironmentCount())
}
