// Receiptflow - POS Receipt Stream Ingestion and Reconciliation
// Copyright 2026 SmartAHC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/smartahc/receiptflow

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

// DefaultConfigPaths lists the config file locations searched in
// order; the first one found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/receiptflow/config.yaml",
	"/etc/receiptflow/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// envPrefix namespaces receiptflow environment variables.
const envPrefix = "RECEIPTFLOW_"

// Load builds the configuration from layered sources:
//
//  1. Built-in defaults (defaultConfig)
//  2. Optional YAML config file
//  3. Environment variables (highest priority):
//     RECEIPTFLOW_STREAM_URL -> stream.url
//     RECEIPTFLOW_STORE_SERVICE_KEY -> store.service_key
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
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

// envTransform maps RECEIPTFLOW_SECTION_SOME_KEY to section.some_key.
// The first underscore separates the section; the rest of the name
// keeps its underscores, matching the koanf struct tags.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	key = strings.ToLower(key)

	section, rest, found := strings.Cut(key, "_")
	if !found {
		return section
	}
	return section + "." + rest
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		return ""
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
