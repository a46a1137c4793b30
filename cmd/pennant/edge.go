// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pennanthq/pennant/internal/api"
	"github.com/pennanthq/pennant/internal/cache"
	"github.com/pennanthq/pennant/internal/cdn"
	"github.com/pennanthq/pennant/internal/config"
	"github.com/pennanthq/pennant/internal/control"
	"github.com/pennanthq/pennant/internal/events"
	"github.com/pennanthq/pennant/internal/logging"
	pennats "github.com/pennanthq/pennant/internal/nats"
	"github.com/pennanthq/pennant/internal/observability"
	"github.com/pennanthq/pennant/internal/registry"
	"github.com/pennanthq/pennant/pkg/errutil"
)

const shutdownTimeout = 10 * time.Second

// NewEdgeCmd creates the edge subcommand.
func NewEdgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edge",
		Short: "Start the edge cache node",
		Long: `Start the edge node: an in-memory feature cache fed by change events,
an SDK read endpoint, and an observability surface. Without a live
event stream the node serves by reading through to the registry.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runEdge(cmd.Context(), cfg)
		},
	}

	// Flag names mirror config keys so they overlay the file cleanly.
	cmd.Flags().String("edge.api.addr", ":8553", "SDK listen address")
	cmd.Flags().String("edge.observability.addr", ":9100", "metrics/health HTTP address")
	cmd.Flags().String("registry.url", "", "registry service URL")
	cmd.Flags().String("registry.api_key", "", "registry service API key")
	cmd.Flags().String("nats.url", "nats://127.0.0.1:4222", "event fabric URL")
	cmd.Flags().String("cache.variant", "wipe_on_disconnect", "disconnect handling (wipe_on_disconnect or wipe_on_reconnect)")
	cmd.Flags().String("log.format", "json", "log format (json or text)")
	cmd.Flags().String("log.level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func runEdge(ctx context.Context, cfg *config.Config) error {
	logging.SetDefault("edge", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))

	if cfg.Registry.URL == "" {
		return fmt.Errorf("registry.url is required")
	}

	slog.Info("starting edge node",
		"api_addr", cfg.Edge.API.Addr,
		"nats_url", cfg.NATS.URL,
		"variant", cfg.Cache.Variant,
	)

	fetcher, err := registry.NewClient(cfg.Registry.URL, cfg.Registry.APIKey,
		registry.WithRetries(cfg.Registry.Retries),
		registry.WithTimeout(cfg.Registry.Timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create registry client: %w", err)
	}

	orch := cache.NewOrchestrator(fetcher,
		cache.WithVariant(cache.Variant(cfg.Cache.Variant)),
		cache.WithStoreOptions(
			cache.WithEnvironmentCapacity(
				uint64(cfg.Cache.Environment.Size), uint64(cfg.Cache.Environment.MissSize)),
			cache.WithAccountCapacity(
				uint64(cfg.Cache.ServiceAccount.Size),
				uint64(cfg.Cache.ServiceAccount.MissSize),
				uint64(cfg.Cache.ServiceAccount.PermsSize)),
			cache.WithStreamUpdates(cfg.Cache.StreamUpdates),
		),
	)

	pool := events.NewPool(cfg.Events.ReceiverPool)
	defer pool.Close()

	receiver := events.NewReceiverRegistry(pool)
	ingest := events.NewIngest(receiver)
	ingest.AddListener(orch)

	if cfg.CDN.PurgeEnabled() {
		ingest.AddListener(cdn.NewFastlyPurger(cfg.CDN.FastlyServiceID, cfg.CDN.FastlyKey))
		slog.Info("cdn purge listener enabled", "service_id", cfg.CDN.FastlyServiceID)
	}

	obs := observability.NewServer(cfg.Edge.Observability.Addr, func() bool {
		return orch.Mode() == cache.ModeCached
	})
	for _, register := range []func(prometheus.Registerer) error{
		func(reg prometheus.Registerer) error {
			cache.RegisterMetrics(reg)
			return nil
		},
		events.RegisterMetrics,
		api.RegisterMetrics,
		cdn.RegisterMetrics,
	} {
		if err := register(obs.Registry()); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	obsErrCh, err := obs.Start()
	if err != nil {
		return fmt.Errorf("failed to start observability server: %w", err)
	}

	sdk := api.NewServer(cfg.Edge.API.Addr, orch)
	sdkErrCh, err := sdk.Start()
	if err != nil {
		return fmt.Errorf("failed to start sdk server: %w", err)
	}

	fabric, err := pennats.Connect(cfg.NATS.URL, receiver,
		pennats.WithSubjects(pennats.Subjects{
			Environment:    cfg.NATS.Subjects.Environment,
			ServiceAccount: cfg.NATS.Subjects.ServiceAccount,
			Feature:        cfg.NATS.Subjects.Feature,
		}),
		pennats.WithConnectivity(orch.SetConnected),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to event fabric: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctl := control.NewServer("edge", control.ShutdownFunc(stop), func() (string, int) {
		return string(orch.Mode()), orch.EnvironmentCount()
	})
	if err := ctl.Start(); err != nil {
		slog.Warn("control socket unavailable", "error", err)
		ctl = nil
	}

	slog.Info("edge node ready", "mode", orch.Mode())

	select {
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-obsErrCh:
		if err != nil {
			slog.Error("observability server failed", "error", err)
		}
	case err := <-sdkErrCh:
		if err != nil {
			slog.Error("sdk server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	fabric.Close()
	if err := sdk.Stop(shutdownCtx); err != nil {
		errutil.LogError(slog.Default(), "failed to stop sdk server", err)
	}
	if err := obs.Stop(shutdownCtx); err != nil {
		errutil.LogError(slog.Default(), "failed to stop observability server", err)
	}
	if ctl != nil {
		if err := ctl.Stop(shutdownCtx); err != nil {
			errutil.LogError(slog.Default(), "failed to stop control socket", err)
		}
	}

	slog.Info("edge node stopped")
	return nil
}
