// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

// Package api serves the SDK-facing read surface: clients present an
// evaluation credential and receive the feature state for an environment.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/pennanthq/pennant/internal/cache"
	"github.com/pennanthq/pennant/internal/features"
)

// Requests counts SDK feature requests by status.
var Requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pennant_sdk_requests_total",
		Help: "SDK feature requests by HTTP status.",
	},
	[]string{"status"},
)

// RegisterMetrics registers the SDK server collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	return reg.Register(Requests)
}

// KeyDetails is the response body for a feature request.
type KeyDetails struct {
	EnvironmentID    uuid.UUID                     `json:"environmentId"`
	ServiceAccountID uuid.UUID                     `json:"serviceAccountId"`
	Etag             string                        `json:"etag"`
	Features         []features.EnvironmentFeature `json:"features"`
}

// Server answers SDK feature requests from a cache reader.
type Server struct {
	addr       string
	reader     cache.Reader
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates an SDK server reading from reader.
func NewServer(addr string, reader cache.Reader) *Server {
	return &Server{addr: addr, reader: reader}
}

// Start begins serving. The returned channel reports serve errors and is
// closed on graceful shutdown.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("sdk server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v2/environments/{envID}/features", s.handleFeatures)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("sdk server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("sdk server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_sdk_server").Wrap(err)
		}
	}
	slog.Info("sdk server stopped")
	return nil
}

// Addr returns the listen address, or empty if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	envID, err := uuid.Parse(r.PathValue("envID"))
	if err != nil {
		s.reply(w, http.StatusNotFound)
		return
	}
	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		s.reply(w, http.StatusNotFound)
		return
	}

	collection, ok := s.reader.Lookup(r.Context(), envID, apiKey)
	if !ok {
		s.reply(w, http.StatusNotFound)
		return
	}

	etag := collection.Snapshot.Etag()
	w.Header().Set("Etag", `"`+etag+`"`)
	w.Header().Set("Cache-Control", "no-cache")
	if match := r.Header.Get("If-None-Match"); match != "" && match == `"`+etag+`"` {
		s.reply(w, http.StatusNotModified)
		return
	}

	excludeRetired := r.URL.Query().Get("excludeRetired") == "true"
	extended := collection.Permission.HasRole(features.RoleExtendedData)

	all := collection.Snapshot.Features()
	out := make([]features.EnvironmentFeature, 0, len(all))
	for _, ef := range all {
		if excludeRetired && ef.Value != nil && ef.Value.Retired {
			continue
		}
		if !extended {
			ef.Properties = nil
		}
		out = append(out, ef)
	}

	w.Header().Set("Content-Type", "application/json")
	Requests.WithLabelValues("200").Inc()
	if err := json.NewEncoder(w).Encode(KeyDetails{
		EnvironmentID:    envID,
		ServiceAccountID: collection.ServiceAccountID,
		Etag:             etag,
		Features:         out,
	}); err != nil {
		slog.Error("failed to write feature response", "environment_id", envID, "error", err)
	}
}

func (s *Server) reply(w http.ResponseWriter, status int) {
	Requests.WithLabelValues(strconv.Itoa(status)).Inc()
	w.WriteHeader(status)
}
