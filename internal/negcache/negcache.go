// Copyright 2026 The mitmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package negcache implements a small TTL-bounded negative-result cache,
// shared by the certificate mint path and the upstream dialer so that a
// single pathological host cannot stampede either one (design note: error
// caching / per-error retry suppression).
package negcache

import (
	"sync"
	"time"
)

// Cache remembers that an operation keyed by (subject, kind) recently
// failed, for a bounded TTL.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// New builds a negative cache with the given TTL (e.g. 30s for mint
// failures per the default negativeTTL).
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]time.Time), now: time.Now}
}

func key(subject, kind string) string { return kind + "\x00" + subject }

// Mark records that subject/kind just failed.
func (c *Cache) Mark(subject, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key(subject, kind)] = c.now()
}

// Recent reports whether subject/kind failed within the last TTL.
func (c *Cache) Recent(subject, kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[key(subject, kind)]
	if !ok {
		return false
	}
	if c.now().Sub(t) > c.ttl {
		delete(c.entries, key(subject, kind))
		return false
	}
	return true
}

// Clear removes all entries, used on config reload.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
}
