// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package filecoord implements the coordination engine that lets multiple
// concurrent AI agents perform CRUD operations on a shared set of files
// without losing each other's work.
//
// Every mutating operation follows the same shape:
//
//	validate -> lock -> recompute current fingerprint from disk ->
//	compare -> act -> hash -> release -> respond
//
// When an update's expected_hash no longer matches, the engine answers
// with a structured diff of exactly what changed (diff-based optimistic
// contention resolution) instead of an error, so the agent can re-craft
// its edit without re-reading the file.
package filecoord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/filecoord/services/filecoord/audit"
	"github.com/AleutianAI/filecoord/services/filecoord/diffengine"
	"github.com/AleutianAI/filecoord/services/filecoord/fileio"
	"github.com/AleutianAI/filecoord/services/filecoord/lockmgr"
	"github.com/AleutianAI/filecoord/services/filecoord/pathval"
	"github.com/AleutianAI/filecoord/services/filecoord/persist"
	"github.com/AleutianAI/filecoord/services/filecoord/registry"
	"github.com/AleutianAI/filecoord/services/filecoord/scan"
	"github.com/AleutianAI/filecoord/services/filecoord/watcher"
)

// Version identifies this build on the status and health surfaces.
const Version = "1.4.2"

// Transport is reported in global status. The engine itself is
// transport-agnostic; the HTTP handlers in this package are the only
// surface shipped in-tree.
const Transport = "http"

// Service is the coordination engine.
//
// # Thread Safety
//
// All operation methods are safe for concurrent use; that is the point
// of the service.
type Service struct {
	config    Config
	validator *pathval.Validator
	locks     *lockmgr.Manager
	io        *fileio.IO
	reg       *registry.Registry
	versions  *registry.VersionCache
	differ    *diffengine.Engine
	scanner   *scan.Scanner
	auditor   *audit.Logger
	watch     *watcher.Watcher
	store     *persist.Store
	metrics   *Metrics
	logger    *slog.Logger

	startedAt time.Time
	ready     atomic.Bool
	stopping  atomic.Bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	inflight   *inflightRegistry
}

// NewService wires the engine from a validated config.
//
// # Description
//
// Constructs every component but starts no background work; call Start
// before serving requests and Shutdown before process exit.
func NewService(config Config, logger *slog.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	validator, err := pathval.NewValidator(config.BaseDirectories, config.AccessRules, config.DefaultDestructivePolicy)
	if err != nil {
		return nil, fmt.Errorf("building path validator: %w", err)
	}

	scanner, err := scan.NewScanner(config.ContentScan.Rules, config.ContentScan.Enabled)
	if err != nil {
		return nil, fmt.Errorf("building content scanner: %w", err)
	}

	auditor, err := audit.New(config.Audit.Path, config.Audit.Enabled)
	if err != nil {
		return nil, fmt.Errorf("opening audit trail: %w", err)
	}

	fio := fileio.New(config.SyscallPoolSize, logger)
	reg := registry.New()
	locks := lockmgr.NewManager(logger)
	metrics := NewMetrics(locks, reg)
	locks.WaitObserver = metrics.ObserveLockWait

	s := &Service{
		config:    config,
		validator: validator,
		locks:     locks,
		io:        fio,
		reg:       reg,
		versions:  registry.NewVersionCache(config.VersionCacheBytes),
		differ:    diffengine.NewEngine(config.DiffContextLines),
		scanner:   scanner,
		auditor:   auditor,
		metrics:   metrics,
		logger:    logger.With(slog.String("subsystem", "filecoord")),
		startedAt: time.Now(),
		inflight:  newInflightRegistry(),
	}

	if config.Persistence.Enabled {
		s.store = persist.New(config.Persistence.StateFile, reg, locks, fio,
			config.Persistence.WriteDebounce, logger)
	}

	if config.Watcher.Enabled {
		s.watch = watcher.New(validator.Bases(), reg, watcher.Options{
			Debounce:         config.Watcher.Debounce,
			MaxFileSizeBytes: config.MaxFileSizeBytes,
			ForcePolling:     config.Watcher.ForcePolling,
			OnChange:         func(string) { s.markDirty() },
		}, logger)
	}

	return s, nil
}

// Start loads persisted state, reconciles it, and launches background
// workers. The service reports ready only after this returns.
func (s *Service) Start(ctx context.Context) error {
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if s.store != nil {
		if err := s.store.Load(ctx); err != nil {
			return fmt.Errorf("loading persisted state: %w", err)
		}
		s.store.Start(s.baseCtx)
	}

	if s.watch != nil {
		if err := s.watch.Start(s.baseCtx); err != nil {
			return fmt.Errorf("starting watcher: %w", err)
		}
	}

	s.ready.Store(true)
	s.logger.Info("coordination engine started",
		slog.String("version", Version),
		slog.Int("base_directories", len(s.config.BaseDirectories)),
		slog.Bool("persistence", s.config.Persistence.Enabled),
		slog.Bool("watcher", s.config.Watcher.Enabled))
	return nil
}

// Shutdown drains the engine gracefully.
//
// # Description
//
// Order matters and is a contract: refuse new waiters, let current
// holders finish, flush the persistence buffer, stop the watcher. The
// context bounds how long to wait for holders; on expiry remaining work
// is abandoned (file state stays consistent thanks to atomic writes).
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.stopping.CompareAndSwap(false, true) {
		return nil
	}
	s.ready.Store(false)
	s.logger.Info("shutdown: refusing new waiters")
	s.locks.RefuseNew()

	if err := s.locks.WaitIdle(ctx); err != nil {
		s.logger.Warn("shutdown: holders still active at deadline",
			slog.String("error", err.Error()))
	}

	if s.store != nil {
		s.logger.Info("shutdown: flushing persistence")
		s.store.Stop()
	}

	if s.watch != nil {
		s.logger.Info("shutdown: stopping watcher")
		s.watch.Stop()
	}

	if s.cancelBase != nil {
		s.cancelBase()
	}

	if err := s.auditor.Close(); err != nil {
		s.logger.Warn("shutdown: closing audit trail", slog.String("error", err.Error()))
	}

	s.logger.Info("shutdown complete")
	return nil
}

// Health implements the health() collaborator contract.
func (s *Service) Health() HealthResponse {
	status := "ok"
	if !s.ready.Load() {
		status = "starting"
		if s.stopping.Load() {
			status = "stopping"
		}
	}
	return HealthResponse{
		Status:        status,
		Version:       Version,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
}

// Ready reports whether startup reconciliation has completed.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// =============================================================================
// Shared operation helpers
// =============================================================================

// validate maps path validator failures onto stable error kinds.
func (s *Service) validate(path string, op pathval.Op) (string, *OpError) {
	canonical, err := s.validator.Validate(path, op)
	if err != nil {
		switch {
		case errors.Is(err, pathval.ErrOutsideBase):
			return "", opErr(KindPathOutsideBase, path, err.Error(), nil)
		case errors.Is(err, pathval.ErrAccessDenied):
			return "", opErr(KindAccessDenied, path, err.Error(), nil)
		default:
			return "", opErr(KindInvalidPath, path, err.Error(), nil)
		}
	}
	return canonical, nil
}

// deadline computes the lock deadline from a request timeout in seconds,
// clamped to the configured ceiling.
func (s *Service) deadline(timeoutSeconds float64) time.Time {
	timeout := s.config.DefaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds * float64(time.Second))
	}
	if timeout > s.config.MaxTimeout {
		timeout = s.config.MaxTimeout
	}
	return time.Now().Add(timeout)
}

// checkEncoding validates the requested text encoding. The engine stores
// and serves raw bytes; only UTF-8 text semantics are supported.
func (s *Service) checkEncoding(encoding, path string) *OpError {
	if encoding == "" {
		encoding = s.config.DefaultEncoding
	}
	switch strings.ToLower(encoding) {
	case "utf-8", "utf8", "ascii":
		return nil
	}
	return opErrf(KindEncodingError, path, "unsupported encoding %q (only UTF-8 is supported)", encoding)
}

// decodeText validates that raw bytes are valid UTF-8 text.
func decodeText(data []byte, path string) (string, *OpError) {
	if !utf8.Valid(data) {
		return "", opErrf(KindEncodingError, path, "file is not valid UTF-8 text")
	}
	return string(data), nil
}

// acquireErr maps lock manager failures onto stable error kinds.
func acquireErr(err error, path string, timeoutSeconds float64) *OpError {
	switch {
	case errors.Is(err, lockmgr.ErrTimeout):
		return opErrf(KindLockTimeout, path, "failed to acquire lock within %.1fs", timeoutSeconds)
	case errors.Is(err, lockmgr.ErrShuttingDown):
		return opErr(KindServerError, path, "server is shutting down", err)
	case errors.Is(err, lockmgr.ErrSamePath):
		return opErr(KindInvalidPath, path, "source and destination resolve to the same path", err)
	default:
		return opErr(KindServerError, path, "lock acquisition failed", err)
	}
}

// readCurrent reads a file's bytes and fingerprint under an already-held
// lock, classifying failures.
func (s *Service) readCurrent(ctx context.Context, canonical string) ([]byte, string, *OpError) {
	data, err := s.io.ReadFile(ctx, canonical, s.config.MaxFileSizeBytes)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist):
			return nil, "", opErrf(KindFileNotFound, canonical, "file does not exist")
		case errors.Is(err, fileio.ErrFileTooLarge):
			return nil, "", opErr(KindFileTooLarge, canonical, err.Error(), nil)
		default:
			return nil, "", opErr(KindServerError, canonical, "failed to read file", err)
		}
	}
	return data, fileio.ComputeHash(data), nil
}

// publish records a successful mutation: registry, version cache, and
// persistence dirty mark. Invariant: the new fingerprint reaches the
// registry before the operation's response is emitted.
func (s *Service) publish(canonical, hash string, content []byte) {
	s.reg.Update(canonical, hash, registry.SourceInternalWrite)
	s.versions.Put(hash, content)
	s.markDirty()
}

func (s *Service) markDirty() {
	if s.store != nil {
		s.store.MarkDirty()
	}
}

// contention builds the contention envelope for update/delete/rename.
//
// The diff describes expectedContent -> currentContent. When the agent's
// expected version is still in the version cache (keyed by its hash),
// the diff is exact. Otherwise fallbackExpected -- the content the agent
// submitted, or empty -- is the best available approximation.
func (s *Service) contention(canonical, expectedHash, currentHash string, currentContent string, fallbackExpected string, format diffengine.Format, patches []diffengine.Patch) *ContentionResponse {
	expectedContent := fallbackExpected
	exact := false
	if cached, ok := s.versions.Get(expectedHash); ok {
		expectedContent = string(cached)
		exact = true
	}

	if format != diffengine.FormatUnified {
		format = diffengine.FormatJSON
	}
	d := s.differ.Compute(expectedContent, currentContent, format)

	resp := &ContentionResponse{
		Status:       StatusContention,
		Path:         canonical,
		ExpectedHash: expectedHash,
		CurrentHash:  currentHash,
		Message:      fmt.Sprintf("file has been modified since hash %s", truncateHash(expectedHash)),
		Diff:         d,
		Timestamp:    nowISO(),
	}

	if patches != nil {
		expectedForPatches := ""
		if exact {
			expectedForPatches = expectedContent
		}
		app := diffengine.CheckApplicability(expectedForPatches, currentContent, patches)
		resp.PatchesApplicable = &app.Applicable
		resp.Conflicts = app.Conflicts
		resp.NonConflictingPatches = app.NonConflicting
	}

	s.metrics.ObserveContention()
	return resp
}

// truncateHash shortens a fingerprint for log and message use.
func truncateHash(hash string) string {
	if len(hash) > 23 {
		return hash[:23] + "..."
	}
	return hash
}

// recordAudit appends one audit entry for a completed tool call.
func (s *Service) recordAudit(requestID, tool, path, status string, errCode Kind, prevHash, newHash string, started time.Time) {
	entry := audit.Entry{
		RequestID:    requestID,
		Tool:         tool,
		Path:         path,
		ResultStatus: status,
		PreviousHash: prevHash,
		NewHash:      newHash,
		DurationMS:   time.Since(started).Milliseconds(),
	}
	if errCode != "" {
		entry.ErrorCode = string(errCode)
	}
	s.auditor.Record(entry)
}
