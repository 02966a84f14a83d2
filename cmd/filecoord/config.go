// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/filecoord/services/filecoord"
	"github.com/AleutianAI/filecoord/services/filecoord/pathval"
	"github.com/AleutianAI/filecoord/services/filecoord/scan"
)

// fileConfig is the YAML layout of the config file. Durations are
// human-readable strings ("30s", "100ms"); they are parsed here so the
// core consumes a fully validated filecoord.Config.
type fileConfig struct {
	Listen string `yaml:"listen"`
	Debug  bool   `yaml:"debug"`

	LogLevel string `yaml:"log_level"`
	LogDir   string `yaml:"log_dir"`

	BaseDirectories []string `yaml:"base_directories"`

	DefaultTimeout   string `yaml:"default_timeout"`
	MaxTimeout       string `yaml:"max_timeout"`
	DefaultEncoding  string `yaml:"default_encoding"`
	DiffContextLines int    `yaml:"diff_context_lines"`
	MaxFileSizeBytes int64  `yaml:"max_file_size_bytes"`
	SyscallPoolSize  int    `yaml:"syscall_pool_size"`

	Persistence struct {
		Enabled       bool   `yaml:"enabled"`
		StateFile     string `yaml:"state_file"`
		WriteDebounce string `yaml:"write_debounce"`
		TTLMultiplier float64 `yaml:"ttl_multiplier"`
	} `yaml:"persistence"`

	Watcher struct {
		Enabled      bool   `yaml:"enabled"`
		Debounce     string `yaml:"debounce"`
		ForcePolling bool   `yaml:"force_polling"`
	} `yaml:"watcher"`

	Audit struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"audit"`

	ContentScan struct {
		Enabled bool        `yaml:"enabled"`
		Rules   []scan.Rule `yaml:"rules"`
	} `yaml:"content_scan"`

	AccessRules              []pathval.Rule `yaml:"access_rules"`
	DefaultDestructivePolicy string         `yaml:"default_destructive_policy"`
}

// loadConfig reads and converts the YAML config file.
func loadConfig(path string) (filecoord.Config, *fileConfig, error) {
	cfg := filecoord.DefaultConfig()

	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.BaseDirectories = fc.BaseDirectories
	if fc.DefaultEncoding != "" {
		cfg.DefaultEncoding = fc.DefaultEncoding
	}
	if fc.DiffContextLines > 0 {
		cfg.DiffContextLines = fc.DiffContextLines
	}
	if fc.MaxFileSizeBytes > 0 {
		cfg.MaxFileSizeBytes = fc.MaxFileSizeBytes
	}
	cfg.SyscallPoolSize = fc.SyscallPoolSize

	if err := setDuration(&cfg.DefaultTimeout, fc.DefaultTimeout, "default_timeout"); err != nil {
		return cfg, nil, err
	}
	if err := setDuration(&cfg.MaxTimeout, fc.MaxTimeout, "max_timeout"); err != nil {
		return cfg, nil, err
	}

	cfg.Persistence.Enabled = fc.Persistence.Enabled
	cfg.Persistence.StateFile = fc.Persistence.StateFile
	if fc.Persistence.TTLMultiplier > 0 {
		cfg.Persistence.TTLMultiplier = fc.Persistence.TTLMultiplier
	}
	if err := setDuration(&cfg.Persistence.WriteDebounce, fc.Persistence.WriteDebounce, "persistence.write_debounce"); err != nil {
		return cfg, nil, err
	}

	cfg.Watcher.Enabled = fc.Watcher.Enabled
	cfg.Watcher.ForcePolling = fc.Watcher.ForcePolling
	if err := setDuration(&cfg.Watcher.Debounce, fc.Watcher.Debounce, "watcher.debounce"); err != nil {
		return cfg, nil, err
	}

	cfg.Audit.Enabled = fc.Audit.Enabled
	cfg.Audit.Path = fc.Audit.Path
	cfg.ContentScan.Enabled = fc.ContentScan.Enabled
	cfg.ContentScan.Rules = fc.ContentScan.Rules
	cfg.AccessRules = fc.AccessRules
	if fc.DefaultDestructivePolicy != "" {
		cfg.DefaultDestructivePolicy = pathval.Action(fc.DefaultDestructivePolicy)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, nil, err
	}
	return cfg, &fc, nil
}

func setDuration(dst *time.Duration, raw, key string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	*dst = d
	return nil
}
