// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/pennanthq/pennant/internal/api"
	"github.com/pennanthq/pennant/internal/cache"
	"github.com/pennanthq/pennant/internal/events"
	"github.com/pennanthq/pennant/internal/features"
	"github.com/pennanthq/pennant/internal/registry"
)

// fakeRegistry is an in-memory stand-in for the registry service.
type fakeRegistry struct {
	mu       sync.Mutex
	envs     map[uuid.UUID]features.Environment
	accounts map[string]features.ServiceAccount
	fetches  atomic.Int64
	server   *httptest.Server
}

func newFakeRegistry() *fakeRegistry {
	f := &fakeRegistry{
		envs:     make(map[uuid.UUID]features.Environment),
		accounts: make(map[string]features.ServiceAccount),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/environments/{envID}", func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		id, err := uuid.Parse(r.PathValue("envID"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.mu.Lock()
		env, ok := f.envs[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(env)
	})
	mux.HandleFunc("GET /api/v2/service-accounts/key/{credential}", func(w http.ResponseWriter, r *http.Request) {
		f.fetches.Add(1)
		f.mu.Lock()
		account, ok := f.accounts[r.PathValue("credential")]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(account)
	})
	f.server = httptest.NewServer(mux)
	return f
}

var _ = Describe("Edge node pipeline", func() {
	var (
		reg      *fakeRegistry
		orch     *cache.Orchestrator
		pool     *events.Pool
		receiver *events.ReceiverRegistry
		sdk      *api.Server
		sdkBase  string

		envID     uuid.UUID
		featureID uuid.UUID
		valueID   uuid.UUID
	)

	const credential = "server-eval-key"

	featuresURL := func() string {
		return fmt.Sprintf("%s/api/v2/environments/%s/features?apiKey=%s", sdkBase, envID, credential)
	}

	getFeatures := func() (*http.Response, api.KeyDetails) {
		resp, err := http.Get(featuresURL())
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		var details api.KeyDetails
		if resp.StatusCode == http.StatusOK {
			Expect(json.NewDecoder(resp.Body).Decode(&details)).To(Succeed())
		}
		return resp, details
	}

	BeforeEach(func() {
		reg = newFakeRegistry()

		envID = uuid.New()
		featureID = uuid.New()
		valueID = uuid.New()
		reg.envs[envID] = features.Environment{
			ID:      envID,
			Version: 1,
			Features: []features.EnvironmentFeature{{
				Feature: features.FeatureDefinition{ID: featureID, Key: "new-checkout", ValueType: features.ValueTypeBoolean, Version: 1},
				Value:   &features.FeatureValue{ID: valueID, Version: 1, Value: false},
			}},
		}
		reg.accounts[credential] = features.ServiceAccount{
			ID: uuid.New(), Version: 1,
			ClientEvalKey: "client-eval-key", ServerEvalKey: credential,
			Permissions: []features.Permission{
				{EnvironmentID: envID, Roles: []features.RoleType{features.RoleRead}},
			},
		}

		client, err := registry.NewClient(reg.server.URL, "edge-token", registry.WithRetries(0))
		Expect(err).NotTo(HaveOccurred())

		orch = cache.NewOrchestrator(client)
		pool = events.NewPool(4)
		receiver = events.NewReceiverRegistry(pool)
		ingest := events.NewIngest(receiver)
		ingest.AddListener(orch)

		sdk = api.NewServer("127.0.0.1:0", orch)
		_, err = sdk.Start()
		Expect(err).NotTo(HaveOccurred())
		sdkBase = "http://" + sdk.Addr()
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(sdk.Stop(ctx)).To(Succeed())
		pool.Close()
		reg.server.Close()
	})

	publish := func(eventType, subject string, payload any) {
		data, err := json.Marshal(payload)
		Expect(err).NotTo(HaveOccurred())
		receiver.Process(context.Background(), events.NewEnvelope(eventType, subject, data, ""))
	}

	It("serves SDK requests through the registry while disconnected", func() {
		Expect(orch.Mode()).To(Equal(cache.ModePassthrough))

		for range 2 {
			resp, details := getFeatures()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(details.EnvironmentID).To(Equal(envID))
			Expect(details.Features).To(HaveLen(1))
		}

		// Passthrough fetches account and environment on every request.
		Expect(reg.fetches.Load()).To(BeEquivalentTo(4))
	})

	It("serves from memory once the event stream connects", func() {
		orch.SetConnected(true)
		Expect(orch.Mode()).To(Equal(cache.ModeCached))

		for range 3 {
			resp, _ := getFeatures()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		}

		Expect(reg.fetches.Load()).To(BeEquivalentTo(2), "one fetch-through per entity")
		Expect(orch.EnvironmentCount()).To(Equal(1))
	})

	It("applies feature value events to the cached snapshot", func() {
		orch.SetConnected(true)
		resp, before := getFeatures()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(before.Features[0].Value.Value).To(Equal(false))

		publish(events.TypeFeatureValues, events.SubjectFeature, features.PublishFeatureValues{
			Features: []features.PublishFeatureValue{{
				Action:        features.ActionUpdate,
				EnvironmentID: envID,
				Feature: features.EnvironmentFeature{
					Feature: features.FeatureDefinition{ID: featureID, Key: "new-checkout", ValueType: features.ValueTypeBoolean, Version: 1},
					Value:   &features.FeatureValue{ID: valueID, Version: 2, Value: true},
				},
			}},
		})

		Eventually(func() any {
			_, details := getFeatures()
			return details.Features[0].Value.Value
		}).Should(Equal(true))

		_, after := getFeatures()
		Expect(after.Etag).NotTo(Equal(before.Etag))
	})

	It("redelivered events leave the snapshot unchanged", func() {
		orch.SetConnected(true)
		_, before := getFeatures()

		publish(events.TypeFeatureValues, events.SubjectFeature, features.PublishFeatureValues{
			Features: []features.PublishFeatureValue{{
				Action:        features.ActionUpdate,
				EnvironmentID: envID,
				Feature: features.EnvironmentFeature{
					Feature: features.FeatureDefinition{ID: featureID, Version: 1},
					Value:   &features.FeatureValue{ID: valueID, Version: 1, Value: true},
				},
			}},
		})

		Consistently(func() string {
			_, details := getFeatures()
			return details.Etag
		}).Should(Equal(before.Etag))
	})

	It("drops the environment on a delete event", func() {
		orch.SetConnected(true)
		resp, _ := getFeatures()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		publish(events.TypeEnvironment, events.SubjectEnvironment, features.PublishEnvironment{
			Action:      features.ActionDelete,
			Environment: features.Environment{ID: envID},
		})

		Eventually(func() int {
			resp, _ := getFeatures()
			return resp.StatusCode
		}).Should(Equal(http.StatusNotFound))
	})

	It("revokes access when a service account loses its grant", func() {
		orch.SetConnected(true)
		resp, _ := getFeatures()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		account := reg.accounts[credential]
		account.Version = 2
		account.Permissions = nil
		publish(events.TypeServiceAccount, events.SubjectServiceAccount, features.PublishServiceAccount{
			Action:         features.ActionUpdate,
			ServiceAccount: &account,
		})

		Eventually(func() int {
			resp, _ := getFeatures()
			return resp.StatusCode
		}).Should(Equal(http.StatusNotFound))
	})

	It("answers an etag match with 304", func() {
		orch.SetConnected(true)
		first, _ := getFeatures()
		etag := first.Header.Get("Etag")
		Expect(etag).NotTo(BeEmpty())

		req, err := http.NewRequest(http.MethodGet, featuresURL(), nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("If-None-Match", etag)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = resp.Body.Close() }()
		Expect(resp.StatusCode).To(Equal(http.StatusNotModified))
	})

	It("falls back to passthrough when the event stream drops", func() {
		orch.SetConnected(true)
		resp, _ := getFeatures()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		orch.SetConnected(false)
		Expect(orch.Mode()).To(Equal(cache.ModePassthrough))
		Expect(orch.EnvironmentCount()).To(BeZero())

		// Still serving, now straight from the registry.
		fetchesBefore := reg.fetches.Load()
		resp, _ = getFeatures()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(reg.fetches.Load()).To(BeNumerically(">", fetchesBefore))
	})
})
