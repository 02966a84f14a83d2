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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all filecoord routes with the router.
//
// Description:
//
//	Registers all /v1/filecoord/* endpoints with the given Gin router
//	group. The router group should already have any required middleware
//	applied.
//
// Endpoints:
//
//	POST /v1/filecoord/read - Read a line window under a shared lock
//	POST /v1/filecoord/write - Create a new file (create-only)
//	POST /v1/filecoord/update - Replace/patch under an expected hash
//	POST /v1/filecoord/delete - Delete, optionally hash-guarded
//	POST /v1/filecoord/rename - Rename with sorted two-lock acquisition
//	POST /v1/filecoord/append - Append without a contention check
//	POST /v1/filecoord/list - Enumerate a directory
//	POST /v1/filecoord/status - Global or per-path status
//	POST /v1/filecoord/batch/read - Sequential multi-read
//	POST /v1/filecoord/batch/write - Sequential multi-write
//	POST /v1/filecoord/batch/update - Sequential multi-update
//	POST /v1/filecoord/cancel - Cancel an in-flight request
//	GET  /v1/filecoord/health - Liveness
//	GET  /v1/filecoord/ready - Readiness
//	GET  /v1/filecoord/metrics - Prometheus metrics
//
// Example:
//
//	svc, _ := filecoord.NewService(cfg, logger)
//	handlers := filecoord.NewHandlers(svc)
//
//	v1 := router.Group("/v1")
//	filecoord.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	fc := rg.Group("/filecoord")
	{
		// Tool surface
		fc.POST("/read", handlers.handleTool(ToolRead))
		fc.POST("/write", handlers.handleTool(ToolWrite))
		fc.POST("/update", handlers.handleTool(ToolUpdate))
		fc.POST("/delete", handlers.handleTool(ToolDelete))
		fc.POST("/rename", handlers.handleTool(ToolRename))
		fc.POST("/append", handlers.handleTool(ToolAppend))
		fc.POST("/list", handlers.handleTool(ToolList))
		fc.POST("/status", handlers.handleTool(ToolStatus))

		// Batch variants
		fc.POST("/batch/read", handlers.handleTool(ToolBatchRead))
		fc.POST("/batch/write", handlers.handleTool(ToolBatchWrite))
		fc.POST("/batch/update", handlers.handleTool(ToolBatchUpdate))

		// Transport hooks
		fc.POST("/cancel", handlers.HandleCancel)

		// Health checks
		fc.GET("/health", handlers.HandleHealth)
		fc.GET("/ready", handlers.HandleReady)

		// Metrics
		fc.GET("/metrics", gin.WrapH(handlers.service.metrics.Handler()))
	}
}
