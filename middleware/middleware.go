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

// Package middleware implements the always-run, ordered hook chain
// described by the middleware chain component. Registration is
// copy-on-write: mutations build a new sorted slice and atomically
// publish it, so readers iterating a phase never block a writer and
// never observe a half-updated chain.
package middleware

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Phase is one of the named points in the request lifecycle a
// middleware can hook.
type Phase string

const (
	BeforeRequest  Phase = "beforeRequest"
	AfterRequest   Phase = "afterRequest"
	BeforeResponse Phase = "beforeResponse"
	AfterResponse  Phase = "afterResponse"
	BeforeConnect  Phase = "beforeConnect"
	AfterConnect   Phase = "afterConnect"
	BeforeUpgrade  Phase = "beforeUpgrade"
	AfterUpgrade   Phase = "afterUpgrade"
	OnError        Phase = "onError"
)

// Handler is a middleware's effectful function over ctx. Returning a
// non-nil error fails the request unless the middleware itself chooses
// to recover internally; setting stop via the returned bool skips the
// remaining middleware in this phase only.
type Handler func(ctx context.Context, rc any) (stop bool, err error)

// Entry is one registry entry: a name unique within the registry, a
// priority, an optional phase filter, and the handler to run.
type Entry struct {
	Name     string
	Priority int
	Phases   map[Phase]bool // nil/empty means "all phases"
	Handler  Handler
}

func (e Entry) appliesTo(p Phase) bool {
	if len(e.Phases) == 0 {
		return true
	}
	return e.Phases[p]
}

// Registry holds the process-wide, priority-ordered middleware list.
// Ascending priority then lexicographic name, per the ordering rule.
type Registry struct {
	entries atomic.Pointer[[]Entry]
	mu      sync.Mutex // serializes writers only; readers never take it

	Timeout        time.Duration // per-middleware timeout, default 10s
	MaxConcurrent  int           // backpressure bound, default 100
	inFlight       atomic.Int64
}

// NewRegistry builds an empty registry with the documented defaults.
func NewRegistry() *Registry {
	r := &Registry{Timeout: 10 * time.Second, MaxConcurrent: 100}
	empty := []Entry{}
	r.entries.Store(&empty)
	return r
}

// Register adds or replaces (by name) an entry, then republishes a
// freshly sorted slice. Registration is safe under concurrent request
// traffic since readers always see either the old or the new slice,
// never a partially built one.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.entries.Load()
	next := make([]Entry, 0, len(old)+1)
	for _, existing := range old {
		if existing.Name != e.Name {
			next = append(next, existing)
		}
	}
	next = append(next, e)
	sort.SliceStable(next, func(i, j int) bool {
		if next[i].Priority != next[j].Priority {
			return next[i].Priority < next[j].Priority
		}
		return next[i].Name < next[j].Name
	})
	r.entries.Store(&next)
}

// Remove deletes the named entry, if present.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.entries.Load()
	next := make([]Entry, 0, len(old))
	for _, existing := range old {
		if existing.Name != name {
			next = append(next, existing)
		}
	}
	r.entries.Store(&next)
}

// Snapshot returns the currently published, sorted entry slice. It is
// immutable; callers must not mutate it.
func (r *Registry) Snapshot() []Entry {
	return *r.entries.Load()
}

// TimeoutError is raised when a middleware handler exceeds the
// registry's per-middleware timeout.
type TimeoutError struct {
	Offender string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("MIDDLEWARE_TIMEOUT: %s exceeded its handler timeout", e.Offender)
}

// OverloadError is raised when MaxConcurrent in-flight middleware
// invocations are already running across all phases.
type OverloadError struct{}

func (e *OverloadError) Error() string { return "OVERLOAD: too many concurrent middleware handlers" }

// Run executes every entry applicable to phase, in registry order,
// stopping early if a handler signals stop. A panic inside a handler is
// recovered and turned into an error so it cannot tear down the caller's
// goroutine.
func (r *Registry) Run(ctx context.Context, phase Phase, rc any) (stopped bool, err error) {
	for _, e := range r.Snapshot() {
		if !e.appliesTo(phase) {
			continue
		}
		if r.inFlight.Load() >= int64(r.MaxConcurrent) {
			return false, &OverloadError{}
		}
		r.inFlight.Add(1)
		stop, herr := r.runOne(ctx, e, rc)
		r.inFlight.Add(-1)
		if herr != nil {
			return false, herr
		}
		if stop {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) runOne(ctx context.Context, e Entry, rc any) (stop bool, err error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	done := make(chan struct{})
	var panicVal any

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				panicVal = p
			}
			close(done)
		}()
		// rc is owned by the calling request goroutine; this worker
		// goroutine is the sole concurrent accessor until done closes,
		// and the caller blocks on done/runCtx below before touching
		// rc again.
		stop, err = e.Handler(runCtx, rc)
	}()

	select {
	case <-done:
		if panicVal != nil {
			return false, fmt.Errorf("middleware %q panicked: %v", e.Name, panicVal)
		}
		return stop, err
	case <-runCtx.Done():
		<-done // wait for the goroutine to actually finish to avoid leaking it
		return false, &TimeoutError{Offender: e.Name}
	}
}
