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

package mitmcore

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Header is a case-insensitive multi-map that preserves the order of the
// last write for a given key, as required by the data model.
type Header = http.Header

// ForwardPlan is the mutable, effective request an interceptor or
// middleware may rewrite before it is dispatched upstream.
type ForwardPlan struct {
	Method   string
	URL      *url.URL
	Headers  Header
	Body     io.ReadCloser
	Protocol string // non-empty only for upgrade requests

	// ContentLength mirrors http.Request.ContentLength's framing
	// semantics: -1 means unknown length (forward chunked), 0 means no
	// body, >0 is the exact byte count to forward length-prefixed.
	ContentLength int64
}

// ShortCircuitResponse is a synthesized response that ends the pipeline
// without dispatching to an upstream.
type ShortCircuitResponse struct {
	Status  int
	Headers Header
	Body    []byte
}

// RequestContext is exclusively owned by one request goroutine for the
// duration of a single request/response cycle. Interceptors and
// middleware receive it by reference and must not retain it past return;
// it is destroyed on response completion.
type RequestContext struct {
	// client-observed request line, fixed at creation
	Method       string
	RawTarget    string
	ProtoMajor   int
	ProtoMinor   int
	Headers      Header
	Body         io.ReadCloser
	Scheme       string // "http" or "https" (https only after CONNECT+MITM)
	RemoteAddr   string
	CorrelationID string
	Start        time.Time

	// mutable forward plan, built from the request line above and then
	// rewritten in place by MODIFY_AND_FORWARD results
	Forward ForwardPlan

	// set when an interceptor or middleware short-circuits the pipeline
	ShortCircuit *ShortCircuitResponse

	Stopped     bool
	Intercepted bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRequestContext builds a RequestContext from an inbound *http.Request,
// stripping nothing yet -- header normalization happens in the pipeline.
func NewRequestContext(parent context.Context, r *http.Request, scheme string) *RequestContext {
	ctx, cancel := context.WithCancel(parent)
	rc := &RequestContext{
		Method:        r.Method,
		RawTarget:     r.RequestURI,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		Headers:       r.Header.Clone(),
		Body:          r.Body,
		Scheme:        scheme,
		RemoteAddr:    r.RemoteAddr,
		CorrelationID: uuid.NewString(),
		Start:         time.Now(),
		ctx:           ctx,
		cancel:        cancel,
	}
	contentLength := r.ContentLength
	if len(r.TransferEncoding) > 0 {
		contentLength = -1 // chunked inbound request: forward chunked too
	}

	u := new(url.URL)
	*u = *r.URL
	rc.Forward = ForwardPlan{
		Method:        r.Method,
		URL:           u,
		Headers:       r.Header.Clone(),
		Body:          r.Body,
		ContentLength: contentLength,
	}
	return rc
}

// Context returns the per-request cancellation token. Every suspending
// primitive in the pipeline, dialer, and pool must honour it.
func (rc *RequestContext) Context() context.Context { return rc.ctx }

// Cancel aborts the request's cancellation token; a client close or
// server shutdown calls this to unwind any suspended upstream I/O.
func (rc *RequestContext) Cancel() { rc.cancel() }

// Elapsed is the monotonic duration since the request began.
func (rc *RequestContext) Elapsed() time.Duration { return time.Since(rc.Start) }

// ConnectDecision is the CONNECT state machine's classification.
type ConnectDecision int

const (
	Undecided ConnectDecision = iota
	Tunnel
	MITM
	Closed
)

func (d ConnectDecision) String() string {
	switch d {
	case Tunnel:
		return "TUNNEL"
	case MITM:
		return "MITM"
	case Closed:
		return "CLOSED"
	default:
		return "UNDECIDED"
	}
}

// ConnectContext tracks one client CONNECT tunnel/MITM session. It is
// destroyed when either side of the tunnel closes.
type ConnectContext struct {
	Host   string
	Port   string
	Client net.Conn // ownership transferred from the accept loop
	Peeked []byte   // copy of the bytes read from Client to classify the stream
	State  ConnectDecision

	StartedAt time.Time
	DecidedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnectContext takes ownership of client for the lifetime of the
// tunnel/MITM session.
func NewConnectContext(parent context.Context, host, port string, client net.Conn) *ConnectContext {
	ctx, cancel := context.WithCancel(parent)
	return &ConnectContext{
		Host:      host,
		Port:      port,
		Client:    client,
		State:     Undecided,
		StartedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (cc *ConnectContext) Context() context.Context { return cc.ctx }
func (cc *ConnectContext) Cancel()                  { cc.cancel() }

// Decide transitions the state machine exactly once; subsequent calls
// are no-ops, since UNDECIDED -> {TUNNEL, MITM} is a one-way transition.
func (cc *ConnectContext) Decide(d ConnectDecision) {
	if cc.State != Undecided {
		return
	}
	cc.State = d
	cc.DecidedAt = time.Now()
}

// UpgradeContext is the post-handshake request context plus both sockets
// once the upstream side has connected.
type UpgradeContext struct {
	Request  *RequestContext
	Client   net.Conn // hijacked from the accept loop
	Upstream net.Conn // nil until dialed
}
