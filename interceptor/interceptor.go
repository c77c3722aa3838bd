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

// Package interceptor implements the conditional hook chain that may
// short-circuit a response or rewrite a request/response, per the
// interceptor chain component.
package interceptor

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Phase mirrors middleware.Phase for the subset of phases interceptors
// run in: request (after beforeRequest middleware), response (after the
// upstream returns), and upgrade.
type Phase string

const (
	RequestPhase  Phase = "request"
	ResponsePhase Phase = "response"
	UpgradePhase  Phase = "upgrade"
)

// Tag identifies which variant an InterceptorResult holds.
type Tag int

const (
	Continue Tag = iota
	ShortCircuit
	ModifyAndForward
	Stop
)

// Overrides carries the MODIFY_AND_FORWARD replacement fields. A nil
// field means "leave as-is"; Headers entries whose value is the literal
// string "\x00null" are deleted on merge (see headerDeleteSentinel).
type Overrides struct {
	Method   *string
	URL      *string
	Headers  http.Header
	Body     []byte
	HasBody  bool
	Protocol *string
}

// headerDeleteSentinel is the value that marks a header for deletion
// when merging Overrides.Headers, per "a header with value `null` is
// deleted".
const headerDeleteSentinel = "\x00null"

// ShortCircuitBody synthesizes a response per the SHORT_CIRCUIT/STOP
// variants.
type ShortCircuitBody struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Result is the tagged variant returned by a handler.
type Result struct {
	Tag          Tag
	ShortCircuit ShortCircuitBody
	Overrides    Overrides
}

// ContinueResult is the zero-value CONTINUE result.
func ContinueResult() Result { return Result{Tag: Continue} }

// ShouldIntercept gates whether Handler runs at all for a given context.
type ShouldIntercept func(ctx context.Context, rc any) bool

// Handler runs when ShouldIntercept returns true and produces a Result.
type Handler func(ctx context.Context, rc any) (Result, error)

// Entry is one registry entry.
type Entry struct {
	Name            string
	Priority        int
	Phases          map[Phase]bool // nil/empty means "all phases"
	Exclusive       bool           // MODIFY_AND_FORWARD stops the chain instead of continuing
	Critical        bool           // failure propagates instead of being logged and skipped
	ShouldIntercept ShouldIntercept
	Handler         Handler
}

func (e Entry) appliesTo(p Phase) bool {
	if len(e.Phases) == 0 {
		return true
	}
	return e.Phases[p]
}

// Registry holds the process-wide, priority-ordered interceptor list.
// Descending priority then lexicographic name, per the ordering rule --
// the opposite priority direction from middleware.Registry's ascending
// order, by design; both break priority ties by ascending name.
type Registry struct {
	entries atomic.Pointer[[]Entry]
	mu      sync.Mutex

	Timeout time.Duration // per-interceptor handler timeout, default 10s
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	r := &Registry{Timeout: 10 * time.Second}
	empty := []Entry{}
	r.entries.Store(&empty)
	return r
}

// Register adds or replaces (by name) an entry and republishes a freshly
// sorted slice.
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
			return next[i].Priority > next[j].Priority
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

// Snapshot returns the currently published, sorted entry slice.
func (r *Registry) Snapshot() []Entry { return *r.entries.Load() }

// TimeoutError mirrors middleware.TimeoutError for INTERCEPTOR_TIMEOUT.
type TimeoutError struct{ Offender string }

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("INTERCEPTOR_TIMEOUT: %s exceeded its handler timeout", e.Offender)
}

// Outcome is the final, merged result of running a phase's chain.
type Outcome struct {
	Result    Result   // the terminal SHORT_CIRCUIT/STOP/exclusive MODIFY_AND_FORWARD result, else CONTINUE
	Merged    Overrides // cumulative MODIFY_AND_FORWARD overrides, last-writer-wins
	Abandoned bool      // true for STOP
}

// Run iterates phase's applicable entries in registry order. Each
// entry's ShouldIntercept gate runs first (ungated entries always run).
// CONTINUE keeps iterating; MODIFY_AND_FORWARD merges into the running
// Overrides and keeps iterating unless Exclusive; SHORT_CIRCUIT/STOP end
// the chain immediately. A handler timeout (*TimeoutError) and a
// critical handler's error propagate and abort iteration; any other
// error from a non-critical handler is dropped, without being logged,
// and the chain proceeds as CONTINUE.
func (r *Registry) Run(ctx context.Context, phase Phase, rc any) (Outcome, error) {
	var out Outcome
	out.Merged.Headers = make(http.Header)

	for _, e := range r.Snapshot() {
		if !e.appliesTo(phase) {
			continue
		}
		if e.ShouldIntercept != nil && !e.ShouldIntercept(ctx, rc) {
			continue
		}

		res, err := r.runOne(ctx, e, rc)
		if err != nil {
			if _, timedOut := err.(*TimeoutError); timedOut || e.Critical {
				return out, err
			}
			continue // dropped; treated as CONTINUE
		}

		switch res.Tag {
		case Continue:
			continue
		case ModifyAndForward:
			mergeOverrides(&out.Merged, res.Overrides)
			if e.Exclusive {
				out.Result = res
				return out, nil
			}
		case ShortCircuit:
			out.Result = res
			return out, nil
		case Stop:
			if res.ShortCircuit.Status == 0 {
				res.ShortCircuit.Status = http.StatusNoContent
			}
			out.Result = res
			out.Abandoned = true
			return out, nil
		}
	}
	out.Result = Result{Tag: Continue}
	return out, nil
}

func mergeOverrides(dst *Overrides, src Overrides) {
	if src.Method != nil {
		dst.Method = src.Method
	}
	if src.URL != nil {
		dst.URL = src.URL
	}
	if src.Protocol != nil {
		dst.Protocol = src.Protocol
	}
	if src.HasBody {
		dst.Body = src.Body
		dst.HasBody = true
	}
	for k, vv := range src.Headers {
		if len(vv) == 1 && vv[0] == headerDeleteSentinel {
			dst.Headers.Del(k)
			continue
		}
		dst.Headers.Del(k)
		for _, v := range vv {
			dst.Headers.Add(k, v)
		}
	}
}

func (r *Registry) runOne(ctx context.Context, e Entry, rc any) (Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	var res Result
	var err error
	var panicVal any

	go func() {
		defer func() {
			if p := recover(); p != nil {
				panicVal = p
			}
			close(done)
		}()
		res, err = e.Handler(runCtx, rc)
	}()

	select {
	case <-done:
		if panicVal != nil {
			return Result{}, fmt.Errorf("interceptor %q panicked: %v", e.Name, panicVal)
		}
		return res, err
	case <-runCtx.Done():
		<-done
		return Result{}, &TimeoutError{Offender: e.Name}
	}
}
