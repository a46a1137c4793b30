// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennanthq/pennant/internal/cache"
	"github.com/pennanthq/pennant/internal/features"
	"github.com/pennanthq/pennant/pkg/errutil"
)

func TestFetchEnvironment(t *testing.T) {
	envID := uuid.New()
	var gotPath, gotKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get(APIKeyHeader)
		_ = json.NewEncoder(w).Encode(features.Environment{ID: envID, Version: 3})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "edge-token")
	require.NoError(t, err)

	env, err := client.FetchEnvironment(context.Background(), envID)
	require.NoError(t, err)
	assert.Equal(t, envID, env.ID)
	assert.Equal(t, int64(3), env.Version)
	assert.Equal(t, "/api/v2/environments/"+envID.String(), gotPath)
	assert.Equal(t, "edge-token", gotKey)
}

func TestFetchServiceAccount_EscapesCredential(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_ = json.NewEncoder(w).Encode(features.ServiceAccount{ID: uuid.New(), Version: 1})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "edge-token")
	require.NoError(t, err)

	_, err = client.FetchServiceAccount(context.Background(), "key/with?chars")
	require.NoError(t, err)
	assert.Equal(t, "/api/v2/service-accounts/key/key%2Fwith%3Fchars", gotPath)
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "edge-token", WithRetries(5))
	require.NoError(t, err)

	_, err = client.FetchEnvironment(context.Background(), uuid.New())
	assert.ErrorIs(t, err, cache.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_ServerErrorRetriedUpToBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "edge-token", WithRetries(2))
	require.NoError(t, err)

	_, err = client.FetchEnvironment(context.Background(), uuid.New())
	require.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrNotFound)
	errutil.AssertErrorCode(t, err, "REGISTRY_UNAVAILABLE")
	errutil.AssertErrorContext(t, err, "status", http.StatusInternalServerError)
	assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
}

func TestFetch_RecoversAfterTransientError(t *testing.T) {
	envID := uuid.New()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(features.Environment{ID: envID, Version: 1})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "edge-token", WithRetries(3))
	require.NoError(t, err)

	env, err := client.FetchEnvironment(context.Background(), envID)
	require.NoError(t, err)
	assert.Equal(t, envID, env.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, "bad-token", WithRetries(5))
	require.NoError(t, err)

	_, err = client.FetchEnvironment(context.Background(), uuid.New())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "REGISTRY_REJECTED")
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_ConnectionErrorRetried(t *testing.T) {
	// A server that is already closed refuses every connection.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	client, err := NewClient(srv.URL, "edge-token", WithRetries(1))
	require.NoError(t, err)

	_, err = client.FetchEnvironment(context.Background(), uuid.New())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, cache.ErrNotFound)
}

func TestClient_String(t *testing.T) {
	client, err := NewClient("http://registry.internal:8085", "k")
	require.NoError(t, err)
	assert.Equal(t, "registry[registry.internal:8085]", client.String())
}
