// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Pennant Contributors

// Package config loads the edge node configuration: defaults, then a YAML
// file, then command-line flags, each layer overriding the last.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the full edge node configuration tree.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Edge     EdgeConfig     `koanf:"edge"`
	Cache    CacheConfig    `koanf:"cache"`
	Registry RegistryConfig `koanf:"registry"`
	NATS     NATSConfig     `koanf:"nats"`
	Events   EventsConfig   `koanf:"events"`
	CDN      CDNConfig      `koanf:"cdn"`
}

// LogConfig controls log output.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// EdgeConfig holds the listen addresses.
type EdgeConfig struct {
	API           AddrConfig `koanf:"api"`
	Observability AddrConfig `koanf:"observability"`
}

// AddrConfig is a single listen address.
type AddrConfig struct {
	Addr string `koanf:"addr"`
}

// CacheConfig sizes the edge cache and selects the orchestrator variant.
type CacheConfig struct {
	Environment    CacheSizeConfig   `koanf:"environment"`
	ServiceAccount AccountSizeConfig `koanf:"service_account"`
	StreamUpdates  bool              `koanf:"stream_updates"`
	Variant        string            `koanf:"variant"`
}

// CacheSizeConfig bounds the environment caches.
type CacheSizeConfig struct {
	Size     int `koanf:"size"`
	MissSize int `koanf:"miss_size"`
}

// AccountSizeConfig bounds the service-account caches.
type AccountSizeConfig struct {
	Size      int `koanf:"size"`
	MissSize  int `koanf:"miss_size"`
	PermsSize int `koanf:"perms_size"`
}

// RegistryConfig points at the system of record.
type RegistryConfig struct {
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
	Retries uint64        `koanf:"retries"`
}

// NATSConfig points at the event fabric.
type NATSConfig struct {
	URL      string         `koanf:"url"`
	Subjects SubjectsConfig `koanf:"subjects"`
}

// SubjectsConfig names the change-event subjects.
type SubjectsConfig struct {
	Environment    string `koanf:"environment"`
	ServiceAccount string `koanf:"service_account"`
	Feature        string `koanf:"feature"`
}

// EventsConfig sizes the delivery worker pools.
type EventsConfig struct {
	ReceiverPool  int `koanf:"receiver_pool"`
	PublisherPool int `koanf:"publisher_pool"`
}

// CDNConfig enables the Fastly purge listener when both values are set.
type CDNConfig struct {
	FastlyKey       string `koanf:"fastly_key"`
	FastlyServiceID string `koanf:"fastly_service_id"`
}

// PurgeEnabled reports whether the CDN purge listener should run.
func (c CDNConfig) PurgeEnabled() bool {
	return c.FastlyKey != "" && c.FastlyServiceID != ""
}

func defaults() *Config {
	return &Config{
		Log: LogConfig{Format: "json", Level: "info"},
		Edge: EdgeConfig{
			API:           AddrConfig{Addr: ":8553"},
			Observability: AddrConfig{Addr: ":9100"},
		},
		Cache: CacheConfig{
			Environment:    CacheSizeConfig{Size: 10000, MissSize: 10000},
			ServiceAccount: AccountSizeConfig{Size: 10000, MissSize: 10000, PermsSize: 10000},
			StreamUpdates:  true,
			Variant:        "wipe_on_disconnect",
		},
		Registry: RegistryConfig{Timeout: 10 * time.Second, Retries: 3},
		NATS: NATSConfig{
			URL: "nats://127.0.0.1:4222",
			Subjects: SubjectsConfig{
				Environment:    "pennant.environment",
				ServiceAccount: "pennant.service-account",
				Feature:        "pennant.feature",
			},
		},
		Events: EventsConfig{ReceiverPool: 20, PublisherPool: 10},
	}
}

// Load reads configuration from path (skipped when the file does not exist)
// and overlays flags. A nil flag set loads defaults and file only.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, oops.Wrapf(err, "load default config")
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, oops.With("path", path).Wrapf(err, "load config file")
			}
		} else if !os.IsNotExist(err) {
			return nil, oops.With("path", path).Wrapf(err, "stat config file")
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Wrapf(err, "load config flags")
		}
	}

	out := &Config{}
	if err := k.UnmarshalWithConf("", out, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Wrapf(err, "unmarshal config")
	}
	return out, nil
}
