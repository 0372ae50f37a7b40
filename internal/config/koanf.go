// ListenWriter - Durable Listen Ingestion Pipeline
// Copyright 2026 Audiolith
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/audiolith/listenwriter

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order.
var DefaultConfigPaths = []string{
	"listenwriter.yaml",
	"listenwriter.yml",
	"/etc/listenwriter/config.yaml",
	"/etc/listenwriter/config.yml",
}

// ConfigPathEnvVar overrides the config file path when set.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. built-in defaults
//  2. optional YAML config file
//  3. environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps environment variable names to config paths. Unmapped
// variables are skipped so unrelated environment noise cannot leak into the
// configuration.
func envTransform(key string) string {
	mappings := map[string]string{
		"nats_url":              "broker.url",
		"nats_user":             "broker.user",
		"nats_password":         "broker.password",
		"incoming_stream":       "broker.incoming_stream",
		"incoming_subject":      "broker.incoming_subject",
		"incoming_durable":      "broker.durable",
		"unique_stream":         "broker.unique_stream",
		"unique_subject":        "broker.unique_subject",
		"broker_ack_wait":       "broker.ack_wait",
		"broker_fetch_timeout":  "broker.fetch_timeout",
		"broker_stream_max_age": "broker.stream_max_age",

		"enrichment_url":        "enrichment.url",
		"enrichment_batch_size": "enrichment.max_batch_size",
		"enrichment_timeout":    "enrichment.timeout",

		"timescale_uri": "timescale.uri",

		"redis_addr":         "redis.addr",
		"redis_password":     "redis.password",
		"redis_db":           "redis.db",
		"recent_listens_max": "redis.recent_listens_max",

		"error_retry_delay": "pipeline.error_retry_delay",

		"metric_flush_interval": "metrics.flush_interval",
		"metrics_listen_addr":   "metrics.listen_addr",

		"log_level":  "logging.level",
		"log_format": "logging.format",
	}

	if mapped, ok := mappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
