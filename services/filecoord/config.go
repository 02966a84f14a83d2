// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package filecoord

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/filecoord/services/filecoord/pathval"
	"github.com/AleutianAI/filecoord/services/filecoord/scan"
)

// PersistenceConfig controls the optional state snapshot.
type PersistenceConfig struct {
	Enabled       bool          `yaml:"enabled"`
	StateFile     string        `yaml:"state_file"`
	WriteDebounce time.Duration `yaml:"write_debounce"`
	TTLMultiplier float64       `yaml:"ttl_multiplier" validate:"gte=0"`
}

// WatcherConfig controls the filesystem watcher.
type WatcherConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Debounce     time.Duration `yaml:"debounce"`
	ForcePolling bool          `yaml:"force_polling"`
}

// AuditConfig controls the JSONL audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ContentScanConfig controls the read-side content filter.
type ContentScanConfig struct {
	Enabled bool        `yaml:"enabled"`
	Rules   []scan.Rule `yaml:"rules" validate:"dive"`
}

// Config is the validated settings value the engine consumes at boot.
// Parsing and hot-reload live in the cmd layer; the core treats this as
// read-only.
type Config struct {
	// BaseDirectories bound every canonical path. At least one required.
	BaseDirectories []string `yaml:"base_directories" validate:"required,min=1,dive,required"`

	// DefaultTimeout applies when a request omits its timeout;
	// MaxTimeout is the ceiling any request can ask for.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`

	// DefaultEncoding is used when a request does not override. Only
	// UTF-8 is supported.
	DefaultEncoding string `yaml:"default_encoding"`

	// DiffContextLines is the context width in structured and unified
	// diffs.
	DiffContextLines int `yaml:"diff_context_lines" validate:"gte=0,lte=100"`

	// MaxFileSizeBytes bounds any file read or written.
	MaxFileSizeBytes int64 `yaml:"max_file_size_bytes" validate:"gt=0"`

	// SyscallPoolSize bounds concurrent blocking filesystem calls.
	// Zero uses a CPU-derived default.
	SyscallPoolSize int `yaml:"syscall_pool_size" validate:"gte=0"`

	// VersionCacheBytes bounds the in-memory recent-version cache that
	// powers exact contention diffs.
	VersionCacheBytes int64 `yaml:"version_cache_bytes" validate:"gte=0"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Watcher     WatcherConfig     `yaml:"watcher"`
	Audit       AuditConfig       `yaml:"audit"`
	ContentScan ContentScanConfig `yaml:"content_scan"`

	// AccessRules and DefaultDestructivePolicy gate destructive
	// operations per path prefix. Read-family operations bypass them.
	AccessRules              []pathval.Rule `yaml:"access_rules" validate:"dive"`
	DefaultDestructivePolicy pathval.Action `yaml:"default_destructive_policy" validate:"omitempty,oneof=allow deny"`
}

// DefaultConfig returns the engine defaults; BaseDirectories must still
// be filled in by the caller.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:   30 * time.Second,
		MaxTimeout:       5 * time.Minute,
		DefaultEncoding:  "utf-8",
		DiffContextLines: 3,
		MaxFileSizeBytes: 10 << 20,
		Persistence: PersistenceConfig{
			WriteDebounce: time.Second,
			TTLMultiplier: 2.0,
		},
		Watcher: WatcherConfig{
			Enabled:  true,
			Debounce: 100 * time.Millisecond,
		},
		DefaultDestructivePolicy: pathval.ActionAllow,
	}
}

// Validate checks structural constraints and fills derived defaults.
func (c *Config) Validate() error {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 5 * time.Minute
	}
	if c.MaxTimeout < c.DefaultTimeout {
		return fmt.Errorf("max_timeout %s is below default_timeout %s", c.MaxTimeout, c.DefaultTimeout)
	}
	if c.DefaultEncoding == "" {
		c.DefaultEncoding = "utf-8"
	}
	if c.DiffContextLines == 0 {
		c.DiffContextLines = 3
	}
	if c.MaxFileSizeBytes == 0 {
		c.MaxFileSizeBytes = 10 << 20
	}
	if c.DefaultDestructivePolicy == "" {
		c.DefaultDestructivePolicy = pathval.ActionAllow
	}
	if c.Persistence.Enabled && c.Persistence.StateFile == "" {
		return fmt.Errorf("persistence.state_file is required when persistence is enabled")
	}

	return validator.New().Struct(c)
}
