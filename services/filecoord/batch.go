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
)

// Batch operations iterate their items sequentially, acquiring each
// file's lock independently. They are NOT transactional: earlier
// successes are never rolled back by later failures, and no snapshot
// semantics hold across items. Every item produces a sub-result; batches
// never short-circuit.

// BatchRead reads every submitted file.
func (s *Service) BatchRead(ctx context.Context, req BatchReadRequest) *BatchResponse {
	resp := newBatchResponse(len(req.Files))
	for _, item := range req.Files {
		r, oe := s.Read(ctx, item)
		if oe != nil {
			resp.addError(oe)
			continue
		}
		resp.addOK(r)
	}
	return resp.finish()
}

// BatchWrite creates every submitted file.
func (s *Service) BatchWrite(ctx context.Context, req BatchWriteRequest) *BatchResponse {
	resp := newBatchResponse(len(req.Files))
	for _, item := range req.Files {
		if item.TimeoutSeconds == 0 {
			item.TimeoutSeconds = req.TimeoutSeconds
		}
		r, oe := s.Write(ctx, item)
		if oe != nil {
			resp.addError(oe)
			continue
		}
		resp.addOK(r)
	}
	return resp.finish()
}

// BatchUpdate updates every submitted file. Items hitting contention
// report it in their slot; the rest proceed.
func (s *Service) BatchUpdate(ctx context.Context, req BatchUpdateRequest) *BatchResponse {
	resp := newBatchResponse(len(req.Files))
	for _, item := range req.Files {
		if item.TimeoutSeconds == 0 {
			item.TimeoutSeconds = req.TimeoutSeconds
		}
		if item.DiffFormat == "" {
			item.DiffFormat = req.DiffFormat
		}
		r, contention, oe := s.Update(ctx, item)
		switch {
		case oe != nil:
			resp.addError(oe)
		case contention != nil:
			resp.addContention(contention)
		default:
			resp.addOK(r)
		}
	}
	return resp.finish()
}

// batchBuilder accumulates per-item envelopes and the summary.
type batchBuilder struct {
	resp *BatchResponse
}

func newBatchResponse(total int) *batchBuilder {
	return &batchBuilder{resp: &BatchResponse{
		Status:  StatusOK,
		Results: make([]any, 0, total),
		Summary: BatchSummary{Total: total},
	}}
}

func (b *batchBuilder) addOK(result any) {
	b.resp.Results = append(b.resp.Results, result)
	b.resp.Summary.Succeeded++
}

func (b *batchBuilder) addContention(c *ContentionResponse) {
	b.resp.Results = append(b.resp.Results, c)
	b.resp.Summary.Contention++
}

func (b *batchBuilder) addError(oe *OpError) {
	b.resp.Results = append(b.resp.Results, newErrorResponse(oe))
	b.resp.Summary.Failed++
}

func (b *batchBuilder) finish() *BatchResponse {
	b.resp.Timestamp = nowISO()
	return b.resp
}
