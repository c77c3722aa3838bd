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

// Package pipeline implements the HTTP request pipeline: it runs
// middleware and interceptors around a single request/response cycle,
// dispatches to an upstream through the connection pool, and streams the
// response back, per the HTTP request pipeline component.
package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	core "github.com/mitmcore/proxy"
	"github.com/mitmcore/proxy/interceptor"
	"github.com/mitmcore/proxy/internal/dialer"
	"github.com/mitmcore/proxy/internal/pool"
	"github.com/mitmcore/proxy/middleware"
)

// hopByHopHeaders are stripped before forwarding. Upgrade is among them
// because Handle never completes an upgrade: the listener routes
// upgrade requests to wsupgrade, which does not use this list.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// PolicyResolver decides the upstream dial policy for a request: either
// a static policy, or a per-request function of the forward plan.
type PolicyResolver func(rc *core.RequestContext) (dialer.Policy, error)

// Pipeline wires together the middleware chain, interceptor chain,
// connection pool, and dialer that make up one HTTP request's
// lifecycle.
type Pipeline struct {
	Middleware    *middleware.Registry
	Interceptors  *interceptor.Registry
	Pool          *pool.Pool
	Dial          *dialer.Dialer
	ResolvePolicy PolicyResolver
	MaxBodyBuffer int64 // default 10 MiB; stored, but not checked by Handle or dispatch

	log *zap.Logger
}

// New builds a Pipeline. If maxBodyBuffer is 0, a 10 MiB default applies.
func New(mw *middleware.Registry, ic *interceptor.Registry, p *pool.Pool, d *dialer.Dialer, resolve PolicyResolver, maxBodyBuffer int64) *Pipeline {
	if maxBodyBuffer <= 0 {
		maxBodyBuffer = 10 << 20
	}
	return &Pipeline{
		Middleware:    mw,
		Interceptors:  ic,
		Pool:          p,
		Dial:          d,
		ResolvePolicy: resolve,
		MaxBodyBuffer: maxBodyBuffer,
		log:           zap.NewNop(),
	}
}

// SetLogger installs the pipeline's logger.
func (p *Pipeline) SetLogger(l *zap.Logger) { p.log = l }

// Handle runs the full pipeline for rc and writes the final response (or
// the short-circuited one) to w. It never panics the caller's goroutine;
// errors are mapped to core.CoreError and written as a client response
// where the kind has a status code.
func (p *Pipeline) Handle(ctx context.Context, rc *core.RequestContext, w http.ResponseWriter) error {
	stripHopByHop(rc.Forward.Headers)

	// A beforeRequest stop only skips the remaining beforeRequest
	// middleware (see middleware.Handler's doc comment) -- it must not be
	// confused with rc.Stopped, which abandons the whole pipeline and is
	// only ever set by an interceptor's STOP result below.
	if _, err := p.Middleware.Run(ctx, middleware.BeforeRequest, rc); err != nil {
		return p.fail(w, core.MiddlewareTimeout, err)
	}

	if !rc.Stopped {
		outcome, err := p.Interceptors.Run(ctx, interceptor.RequestPhase, rc)
		if err != nil {
			return p.fail(w, core.InterceptorTimeout, err)
		}
		applyOutcome(rc, outcome)
	}

	if rc.ShortCircuit != nil {
		rc.Intercepted = true
		writeShortCircuit(w, rc.ShortCircuit)
	} else if !rc.Stopped {
		if err := p.dispatch(ctx, rc, w); err != nil {
			return err
		}
	}

	if _, err := p.Middleware.Run(ctx, middleware.AfterRequest, rc); err != nil {
		p.log.Warn("afterRequest middleware failed", zap.Error(err))
	}
	if _, err := p.Middleware.Run(ctx, middleware.AfterResponse, rc); err != nil {
		p.log.Warn("afterResponse middleware failed", zap.Error(err))
	}
	return nil
}

func applyOutcome(rc *core.RequestContext, o interceptor.Outcome) {
	mergeForward(&rc.Forward, o.Merged)
	switch o.Result.Tag {
	case interceptor.ShortCircuit, interceptor.Stop:
		rc.ShortCircuit = &core.ShortCircuitResponse{
			Status:  o.Result.ShortCircuit.Status,
			Headers: o.Result.ShortCircuit.Headers,
			Body:    o.Result.ShortCircuit.Body,
		}
		if o.Abandoned {
			rc.Stopped = true
		}
	}
}

func mergeForward(fp *core.ForwardPlan, o interceptor.Overrides) {
	if o.Method != nil {
		fp.Method = *o.Method
	}
	if o.URL != nil {
		if u, err := url.Parse(*o.URL); err == nil {
			fp.URL = u
		}
	}
	if o.Protocol != nil {
		fp.Protocol = *o.Protocol
	}
	if o.HasBody {
		fp.Body = io.NopCloser(strings.NewReader(string(o.Body)))
		fp.ContentLength = int64(len(o.Body))
	}
	for k, vv := range o.Headers {
		fp.Headers.Del(k)
		for _, v := range vv {
			fp.Headers.Add(k, v)
		}
	}
}

func writeShortCircuit(w http.ResponseWriter, sc *core.ShortCircuitResponse) {
	for k, vv := range sc.Headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	status := sc.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(sc.Body) > 0 {
		w.Write(sc.Body)
	}
}

// dispatch resolves the dial policy, acquires a pooled connection,
// writes the request, reads the response, runs the response phases, and
// streams the body back.
func (p *Pipeline) dispatch(ctx context.Context, rc *core.RequestContext, w http.ResponseWriter) error {
	host, port := hostPort(rc.Forward.URL, rc.Scheme)

	policy := dialer.Policy{Kind: dialer.Direct}
	if p.ResolvePolicy != nil {
		resolved, err := p.ResolvePolicy(rc)
		if err != nil {
			return p.fail(w, core.ConfigInvalid, err)
		}
		policy = resolved
	}

	key := pool.Key{Scheme: rc.Scheme, Host: host, Port: port, PolicyFP: policy.Fingerprint(), StickyID: stickyIDFromContext(ctx)}

	conn, err := p.Pool.Acquire(ctx, key)
	if err != nil {
		return p.fail(w, core.PoolExhausted, err)
	}
	healthy := true
	defer func() {
		if pc, ok := conn.(interface{ MarkUnhealthy() }); ok && !healthy {
			pc.MarkUnhealthy()
		}
		conn.Close()
	}()

	outreq, err := p.buildOutboundRequest(rc, policy)
	if err != nil {
		healthy = false
		return p.fail(w, core.ProtocolViolation, err)
	}

	if err := writeRequest(conn, outreq); err != nil {
		healthy = false
		return p.fail(w, core.UpstreamAborted, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, outreq)
	if err != nil {
		healthy = false
		return p.fail(w, core.UpstreamAborted, err)
	}
	defer resp.Body.Close()

	normalizeWWWAuthenticate(resp.Header, true)

	sc := &core.ShortCircuitResponse{Status: resp.StatusCode, Headers: resp.Header.Clone()}
	rc.ShortCircuit = nil // response phases operate on a transient view, not rc.ShortCircuit, until they decide to override

	outcome, err := p.Interceptors.Run(ctx, interceptor.ResponsePhase, rc)
	if err != nil {
		healthy = false
		return p.fail(w, core.InterceptorTimeout, err)
	}
	if outcome.Result.Tag == interceptor.ShortCircuit || outcome.Result.Tag == interceptor.Stop {
		sc = &core.ShortCircuitResponse{
			Status:  outcome.Result.ShortCircuit.Status,
			Headers: outcome.Result.ShortCircuit.Headers,
			Body:    outcome.Result.ShortCircuit.Body,
		}
	}

	if _, err := p.Middleware.Run(ctx, middleware.BeforeResponse, rc); err != nil {
		healthy = false
		return p.fail(w, core.MiddlewareTimeout, err)
	}

	normalizeWWWAuthenticate(sc.Headers, false)
	stripHopByHop(sc.Headers)
	sc.Headers.Set("Connection", "keep-alive")

	for k, vv := range sc.Headers {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(sc.Status)

	if sc.Body != nil {
		w.Write(sc.Body)
	} else {
		// streamed straight through without buffering. A body an
		// interceptor supplies (above) arrives already in memory and
		// is written as is; no size limit, MaxBodyBuffer included,
		// is applied to it here.
		if _, err := io.Copy(w, resp.Body); err != nil {
			healthy = false
		}
	}

	if resp.Close || outreq.Close {
		healthy = false
	}
	return nil
}

func (p *Pipeline) buildOutboundRequest(rc *core.RequestContext, policy dialer.Policy) (*http.Request, error) {
	u := rc.Forward.URL
	method := rc.Forward.Method

	var requestURI string
	if policy.Kind == dialer.HTTPProxy && rc.Scheme == "http" {
		requestURI = u.String() // absolute-form for plain HTTP via HTTP_PROXY
	} else {
		ru := *u
		ru.Scheme = ""
		ru.Host = ""
		requestURI = ru.RequestURI() // origin-form otherwise
	}

	req, err := http.NewRequest(method, requestURI, rc.Forward.Body)
	if err != nil {
		return nil, err
	}
	req.Header = rc.Forward.Headers.Clone()
	req.Host = u.Host
	req.URL = u
	req.RequestURI = ""
	// http.NewRequest only infers ContentLength for a handful of concrete
	// body types (*bytes.Reader and friends); rc.Forward.Body is a plain
	// io.ReadCloser, so the inbound request's actual framing (set in
	// NewRequestContext, or by a MODIFY_AND_FORWARD override) has to be
	// threaded through explicitly or every forwarded body goes out chunked.
	req.ContentLength = rc.Forward.ContentLength
	return req, nil
}

func writeRequest(conn net.Conn, req *http.Request) error {
	return req.Write(conn)
}

func hostPort(u *url.URL, scheme string) (string, string) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port
}

func stripHopByHop(h http.Header) {
	if c := h.Get("Connection"); c != "" {
		for _, f := range strings.Split(c, ",") {
			h.Del(strings.TrimSpace(f))
		}
	}
	for _, hh := range hopByHopHeaders {
		h.Del(hh)
	}
}

// normalizeWWWAuthenticate implements the always-on header transform:
// on reception, multiple WWW-Authenticate challenges are joined with a
// comma into a single value; on emission, that value is split back out
// into separate header lines (some HTTP/1.1 clients mishandle a single
// folded Connection/challenge header on this particular field).
func normalizeWWWAuthenticate(h http.Header, receiving bool) {
	const key = "Www-Authenticate"
	vv := h.Values(key)
	if len(vv) == 0 {
		return
	}
	if receiving {
		h.Set(key, strings.Join(vv, ", "))
		return
	}
	joined := h.Get(key)
	if !strings.Contains(joined, ", ") {
		return
	}
	h.Del(key)
	for _, part := range strings.Split(joined, ", ") {
		h.Add(key, part)
	}
}

type stickyIDKey struct{}

// WithStickyID attaches the NTLM-style connection-affinity tag to ctx,
// threaded through to the pool key so the whole authentication dance
// lands on the same upstream socket.
func WithStickyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stickyIDKey{}, id)
}

func stickyIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(stickyIDKey{}).(string)
	return id
}

func (p *Pipeline) fail(w http.ResponseWriter, kind core.ErrorKind, err error) error {
	ce := core.NewError(kind, err)
	p.log.Warn("pipeline error", zap.String("kind", kind.String()), zap.Error(err))
	ce.WriteClientResponse(w)
	return fmt.Errorf("%w", ce)
}
