// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command filecoord starts the file coordination service for concurrent
// AI agents.
//
// Usage:
//
//	filecoord serve --config filecoord.yaml
//	filecoord serve --base-dir /srv/workspace --listen :8732
//	filecoord validate-config --config filecoord.yaml
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8732/v1/filecoord/health
//
//	# Read a file
//	curl -X POST http://localhost:8732/v1/filecoord/read \
//	  -H "Content-Type: application/json" \
//	  -d '{"path": "/srv/workspace/notes.md"}'
//
//	# Update with contention detection
//	curl -X POST http://localhost:8732/v1/filecoord/update \
//	  -H "Content-Type: application/json" \
//	  -d '{"path": "/srv/workspace/notes.md", "expected_hash": "sha256:...", "content": "new"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/filecoord/pkg/logging"
	"github.com/AleutianAI/filecoord/services/filecoord"
)

// shutdownGrace bounds how long serve waits for holders to finish.
const shutdownGrace = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:           "filecoord",
		Short:         "File coordination service for concurrent AI agents",
		Version:       filecoord.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd(), newValidateConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		baseDirs   []string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := filecoord.DefaultConfig()
			logLevel := logging.LevelInfo
			logDir := ""

			if configPath != "" {
				loaded, fc, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
				if fc.Listen != "" && listen == "" {
					listen = fc.Listen
				}
				if fc.Debug {
					debug = true
				}
				if fc.LogLevel != "" {
					logLevel = logging.Level(fc.LogLevel)
				}
				logDir = fc.LogDir
			}
			if len(baseDirs) > 0 {
				cfg.BaseDirectories = baseDirs
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if listen == "" {
				listen = "127.0.0.1:8732"
			}
			if debug {
				logLevel = logging.LevelDebug
			}

			logger := logging.New(logging.Config{
				Level:   logLevel,
				LogDir:  logDir,
				Service: "filecoord",
			})
			defer logger.Close()

			return serve(cmd.Context(), cfg, listen, debug, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (default 127.0.0.1:8732)")
	cmd.Flags().StringSliceVar(&baseDirs, "base-dir", nil, "Base directory bounding all paths (repeatable)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging and gin debug mode")
	return cmd
}

func serve(ctx context.Context, cfg filecoord.Config, listen string, debug bool, logger *logging.Logger) error {
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	svc, err := filecoord.NewService(cfg, logger.Slog())
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}
	v1 := router.Group("/v1")
	filecoord.RegisterRoutes(v1, filecoord.NewHandlers(svc))

	server := &http.Server{Addr: listen, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Slog().Info("listening", "addr", listen, "version", filecoord.Version)
		errCh <- server.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-quit:
		logger.Slog().Info("signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Slog().Warn("http server shutdown", "error", err.Error())
	}
	return svc.Shutdown(shutdownCtx)
}

func newValidateConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Parse and validate a config file without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("OK: %d base directories, persistence=%v, watcher=%v\n",
				len(cfg.BaseDirectories), cfg.Persistence.Enabled, cfg.Watcher.Enabled)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "filecoord.yaml", "Path to YAML config file")
	return cmd
}
