// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package events

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennanthq/pennant/internal/cache"
	"github.com/pennanthq/pennant/internal/features"
)

// recordingListener captures every update it receives, in arrival order.
type recordingListener struct {
	mu           sync.Mutex
	environments []features.PublishEnvironment
	accounts     []features.PublishServiceAccount
	featureIDs   []uuid.UUID
}

var _ cache.Listener = (*recordingListener)(nil)

func (l *recordingListener) UpdateEnvironment(ev features.PublishEnvironment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.environments = append(l.environments, ev)
}

func (l *recordingListener) UpdateServiceAccount(ev features.PublishServiceAccount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = append(l.accounts, ev)
}

func (l *recordingListener) UpdateFeature(ev features.PublishFeatureValue) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.featureIDs = append(l.featureIDs, ev.Feature.Feature.ID)
}

func TestIngest_EnvironmentEventFansOut(t *testing.T) {
	pool := NewPool(1)
	r := NewReceiverRegistry(pool)
	in := NewIngest(r)

	var first, second recordingListener
	in.AddListener(&first)
	in.AddListener(&second)

	envID := uuid.New()
	r.Process(context.Background(), envelopeFor(t, TypeEnvironment, SubjectEnvironment,
		features.PublishEnvironment{
			Action:      features.ActionUpdate,
			Environment: features.Environment{ID: envID, Version: 7},
		}))
	pool.Close()

	require.Len(t, first.environments, 1)
	require.Len(t, second.environments, 1)
	assert.Equal(t, envID, first.environments[0].Environment.ID)
	assert.Equal(t, int64(7), first.environments[0].Environment.Version)
}

func TestIngest_ServiceAccountEvent(t *testing.T) {
	pool := NewPool(1)
	r := NewReceiverRegistry(pool)
	in := NewIngest(r)

	var l recordingListener
	in.AddListener(&l)

	id := uuid.New()
	r.Process(context.Background(), envelopeFor(t, TypeServiceAccount, SubjectServiceAccount,
		features.PublishServiceAccount{
			Action:         features.ActionDelete,
			ServiceAccount: &features.ServiceAccount{ID: id},
		}))
	pool.Close()

	require.Len(t, l.accounts, 1)
	assert.Equal(t, features.ActionDelete, l.accounts[0].Action)
	assert.Equal(t, id, l.accounts[0].ServiceAccount.ID)
}

func TestIngest_FeatureBatchPreservesOrder(t *testing.T) {
	pool := NewPool(1)
	r := NewReceiverRegistry(pool)
	in := NewIngest(r)

	var first, second recordingListener
	in.AddListener(&first)
	in.AddListener(&second)

	envID := uuid.New()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	batch := features.PublishFeatureValues{}
	for _, id := range ids {
		batch.Features = append(batch.Features, features.PublishFeatureValue{
			Action:        features.ActionUpdate,
			EnvironmentID: envID,
			Feature: features.EnvironmentFeature{
				Feature: features.FeatureDefinition{ID: id, Version: 1},
			},
		})
	}

	r.Process(context.Background(), envelopeFor(t, TypeFeatureValues, SubjectFeature, batch))
	pool.Close()

	assert.Equal(t, ids, first.featureIDs, "batch order must survive fan-out")
	assert.Equal(t, ids, second.featureIDs)
}

func TestIngest_RemoveListener(t *testing.T) {
	pool := NewPool(1)
	r := NewReceiverRegistry(pool)
	in := NewIngest(r)

	var kept, removed recordingListener
	in.AddListener(&kept)
	in.AddListener(&removed)
	in.RemoveListener(&removed)

	r.Process(context.Background(), envelopeFor(t, TypeEnvironment, SubjectEnvironment,
		features.PublishEnvironment{
			Action:      features.ActionCreate,
			Environment: features.Environment{ID: uuid.New(), Version: 1},
		}))
	pool.Close()

	assert.Len(t, kept.environments, 1)
	assert.Empty(t, removed.environments)
}

func TestIngest_RemoveUnknownListenerIsNoop(t *testing.T) {
	pool := NewPool(1)
	defer pool.Close()
	r := NewReceiverRegistry(pool)
	in := NewIngest(r)

	var stranger recordingListener
	in.RemoveListener(&stranger)
}
