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
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Tool names exposed on the request surface.
const (
	ToolRead        = "read"
	ToolWrite       = "write"
	ToolUpdate      = "update"
	ToolDelete      = "delete"
	ToolRename      = "rename"
	ToolAppend      = "append"
	ToolList        = "list"
	ToolStatus      = "status"
	ToolBatchRead   = "batch_read"
	ToolBatchWrite  = "batch_write"
	ToolBatchUpdate = "batch_update"
)

// inflightRegistry tracks cancel functions for in-flight requests so the
// transport's cancel(request_id) hook can abort a queued waiter.
type inflightRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{cancels: make(map[string]context.CancelFunc)}
}

func (r *inflightRegistry) add(id string, cancel context.CancelFunc) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

func (r *inflightRegistry) remove(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

func (r *inflightRegistry) cancel(id string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[id]
	delete(r.cancels, id)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Cancel aborts the named in-flight request. A queued waiter removes
// itself from its lock queue immediately; an operation already holding
// its lock runs to release so file state is never left partial.
func (s *Service) Cancel(requestID string) bool {
	return s.inflight.cancel(requestID)
}

// Invoke is the async request handler the transport layer drives:
// invoke(tool, params) -> response.
//
// # Description
//
// Dispatches to the named operation and always returns a response value
// carrying the envelope's status discriminator (ok, contention, or
// error) and an ISO-8601 timestamp. Failures never surface as Go errors
// to the transport; they are encoded in the envelope.
func (s *Service) Invoke(ctx context.Context, requestID, tool string, params json.RawMessage) any {
	started := time.Now()

	ctx, cancel := context.WithCancel(ctx)
	s.inflight.add(requestID, cancel)
	defer func() {
		s.inflight.remove(requestID)
		cancel()
	}()

	resp := s.dispatch(ctx, tool, params)

	status, errCode, path, prevHash, newHash := envelopeFacts(resp)
	s.metrics.ObserveOp(tool, status)
	s.recordAudit(requestID, tool, path, status, errCode, prevHash, newHash, started)

	if status == StatusError {
		s.logger.Warn("operation failed",
			slog.String("tool", tool),
			slog.String("request_id", requestID),
			slog.String("error_code", string(errCode)),
			slog.String("path", path))
	} else {
		s.logger.Debug("operation complete",
			slog.String("tool", tool),
			slog.String("request_id", requestID),
			slog.String("status", status),
			slog.Duration("duration", time.Since(started)))
	}
	return resp
}

func (s *Service) dispatch(ctx context.Context, tool string, params json.RawMessage) any {
	switch tool {
	case ToolRead:
		var req ReadRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		resp, oe := s.Read(ctx, req)
		if oe != nil {
			return newErrorResponse(oe)
		}
		return resp

	case ToolWrite:
		var req WriteRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		resp, oe := s.Write(ctx, req)
		if oe != nil {
			return newErrorResponse(oe)
		}
		return resp

	case ToolUpdate:
		var req UpdateRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		resp, contention, oe := s.Update(ctx, req)
		switch {
		case oe != nil:
			return newErrorResponse(oe)
		case contention != nil:
			return contention
		default:
			return resp
		}

	case ToolDelete:
		var req DeleteRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		resp, contention, oe := s.Delete(ctx, req)
		switch {
		case oe != nil:
			return newErrorResponse(oe)
		case contention != nil:
			return contention
		default:
			return resp
		}

	case ToolRename:
		var req RenameRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		resp, contention, oe := s.Rename(ctx, req)
		switch {
		case oe != nil:
			return newErrorResponse(oe)
		case contention != nil:
			return contention
		default:
			return resp
		}

	case ToolAppend:
		var req AppendRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		resp, oe := s.Append(ctx, req)
		if oe != nil {
			return newErrorResponse(oe)
		}
		return resp

	case ToolList:
		var req ListRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		resp, oe := s.List(ctx, req)
		if oe != nil {
			return newErrorResponse(oe)
		}
		return resp

	case ToolStatus:
		var req StatusRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		resp, oe := s.Status(ctx, req)
		if oe != nil {
			return newErrorResponse(oe)
		}
		return resp

	case ToolBatchRead:
		var req BatchReadRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		return s.BatchRead(ctx, req)

	case ToolBatchWrite:
		var req BatchWriteRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		return s.BatchWrite(ctx, req)

	case ToolBatchUpdate:
		var req BatchUpdateRequest
		if oe := decodeParams(params, &req); oe != nil {
			return newErrorResponse(oe)
		}
		return s.BatchUpdate(ctx, req)

	default:
		return newErrorResponse(opErrf(KindServerError, "", "unknown tool %q", tool))
	}
}

// decodeParams unmarshals tool parameters.
func decodeParams(params json.RawMessage, into any) *OpError {
	if len(params) == 0 {
		return opErrf(KindServerError, "", "missing parameters")
	}
	if err := json.Unmarshal(params, into); err != nil {
		return opErr(KindServerError, "", "malformed parameters", err)
	}
	return nil
}

// envelopeFacts extracts audit-relevant fields from a response value.
func envelopeFacts(resp any) (status string, errCode Kind, path, prevHash, newHash string) {
	switch r := resp.(type) {
	case *ReadResponse:
		return StatusOK, "", r.Path, "", r.Hash
	case *WriteResponse:
		return StatusOK, "", r.Path, "", r.Hash
	case *UpdateResponse:
		return StatusOK, "", r.Path, r.PreviousHash, r.Hash
	case *DeleteResponse:
		return StatusOK, "", r.Path, r.DeletedHash, ""
	case *RenameResponse:
		return StatusOK, "", r.NewPath, "", r.Hash
	case *AppendResponse:
		return StatusOK, "", r.Path, "", r.Hash
	case *ListResponse:
		return StatusOK, "", r.Path, "", ""
	case *GlobalStatusResponse:
		return StatusOK, "", "", "", ""
	case *FileStatusResponse:
		return StatusOK, "", r.Path, "", ""
	case *BatchResponse:
		return StatusOK, "", "", "", ""
	case *ContentionResponse:
		return StatusContention, "", r.Path, r.ExpectedHash, r.CurrentHash
	case *ErrorResponse:
		return StatusError, r.ErrorCode, r.Path, "", ""
	default:
		return StatusOK, "", "", "", ""
	}
}
