// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"container/list"
	"sync"
)

// DefaultVersionCacheBytes bounds the version cache at 32 MiB.
const DefaultVersionCacheBytes = 32 << 20

// VersionCache remembers recently observed file contents keyed by their
// fingerprint.
//
// # Description
//
// When an update arrives with a stale expected_hash, the contention
// response should describe exactly what changed since the agent's read.
// The agent only sends the hash, not the content, so the engine keeps the
// content of recently served versions in a bounded LRU keyed by hash.
// A cache hit yields an exact expected-vs-current diff; a miss degrades
// to diffing the agent's submitted content against the current bytes.
//
// Contents live only in memory and are never persisted.
//
// # Thread Safety
//
// Safe for concurrent use.
type VersionCache struct {
	mu       sync.Mutex
	maxBytes int64
	curBytes int64
	order    *list.List               // front = most recent; values are hashes
	byHash   map[string]*list.Element // hash -> order element
	contents map[string][]byte
}

// NewVersionCache creates a cache bounded to maxBytes of content.
func NewVersionCache(maxBytes int64) *VersionCache {
	if maxBytes <= 0 {
		maxBytes = DefaultVersionCacheBytes
	}
	return &VersionCache{
		maxBytes: maxBytes,
		order:    list.New(),
		byHash:   make(map[string]*list.Element),
		contents: make(map[string][]byte),
	}
}

// Put records content under its fingerprint. Entries larger than the
// cache bound are ignored.
func (c *VersionCache) Put(hash string, content []byte) {
	if int64(len(content)) > c.maxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byHash[hash]; ok {
		c.order.MoveToFront(el)
		return
	}

	c.byHash[hash] = c.order.PushFront(hash)
	stored := make([]byte, len(content))
	copy(stored, content)
	c.contents[hash] = stored
	c.curBytes += int64(len(stored))

	for c.curBytes > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			break
		}
		evicted := back.Value.(string)
		c.order.Remove(back)
		c.curBytes -= int64(len(c.contents[evicted]))
		delete(c.contents, evicted)
		delete(c.byHash, evicted)
	}
}

// Get returns the content for a fingerprint, if still cached.
func (c *VersionCache) Get(hash string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byHash[hash]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	content := c.contents[hash]
	out := make([]byte, len(content))
	copy(out, content)
	return out, true
}

// Len returns the number of cached versions.
func (c *VersionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.contents)
}
