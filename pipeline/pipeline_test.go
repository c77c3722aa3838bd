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

package pipeline

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/mitmcore/proxy"
	"github.com/mitmcore/proxy/interceptor"
	"github.com/mitmcore/proxy/internal/dialer"
	"github.com/mitmcore/proxy/internal/pool"
	"github.com/mitmcore/proxy/middleware"
)

func newTestPipeline(t *testing.T, origin *httptest.Server) *Pipeline {
	t.Helper()
	mw := middleware.NewRegistry()
	ic := interceptor.NewRegistry()

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	p := pool.New(pool.Options{}, func(ctx context.Context, key pool.Key) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", originURL.Host)
	})

	resolve := func(rc *core.RequestContext) (dialer.Policy, error) {
		return dialer.Policy{Kind: dialer.Direct}, nil
	}

	return New(mw, ic, p, dialer.New(0), resolve, 0)
}

func newRequestContext(t *testing.T, origin *httptest.Server, method, path string) *core.RequestContext {
	t.Helper()
	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, nil)
	req.URL.Scheme = "http"
	req.URL.Host = originURL.Host
	req.Host = originURL.Host
	req.RequestURI = ""
	return core.NewRequestContext(context.Background(), req, "http")
}

func TestHandleRoundTripsToOrigin(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("hello"))
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin)
	rc := newRequestContext(t, origin, http.MethodGet, "/hello")

	rec := httptest.NewRecorder()
	err := p.Handle(context.Background(), rc, rec)
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "yes", rec.Header().Get("X-Origin"))
	assert.Equal(t, "hello", rec.Body.String())
}

func TestHandleShortCircuitsFromInterceptor(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should not be reached when an interceptor short-circuits")
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin)
	p.Interceptors.Register(interceptor.Entry{
		Name: "blocker",
		Handler: func(ctx context.Context, rc any) (interceptor.Result, error) {
			return interceptor.Result{
				Tag:          interceptor.ShortCircuit,
				ShortCircuit: interceptor.ShortCircuitBody{Status: http.StatusForbidden, Body: []byte("blocked")},
			}, nil
		},
	})

	rc := newRequestContext(t, origin, http.MethodGet, "/blocked")
	rec := httptest.NewRecorder()
	err := p.Handle(context.Background(), rc, rec)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "blocked", rec.Body.String())
}

func TestHandleBeforeRequestStopOnlySkipsRestOfThatPhase(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("from origin"))
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin)
	laterRan := false
	p.Middleware.Register(middleware.Entry{
		Name:     "gate",
		Priority: 1,
		Phases:   map[middleware.Phase]bool{middleware.BeforeRequest: true},
		Handler: func(ctx context.Context, rc any) (bool, error) {
			return true, nil
		},
	})
	p.Middleware.Register(middleware.Entry{
		Name:     "later",
		Priority: 2,
		Phases:   map[middleware.Phase]bool{middleware.BeforeRequest: true},
		Handler: func(ctx context.Context, rc any) (bool, error) {
			laterRan = true
			return false, nil
		},
	})

	rc := newRequestContext(t, origin, http.MethodGet, "/gated")
	rec := httptest.NewRecorder()
	err := p.Handle(context.Background(), rc, rec)
	require.NoError(t, err)

	// a beforeRequest stop only skips the rest of the beforeRequest phase;
	// it must not abandon the pipeline or suppress dispatch to the origin.
	assert.False(t, laterRan)
	assert.False(t, rc.Stopped)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "from origin", rec.Body.String())
}

func TestHandleAbandonsPipelineOnInterceptorStop(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin should not be reached when an interceptor issues STOP")
	}))
	defer origin.Close()

	p := newTestPipeline(t, origin)
	p.Interceptors.Register(interceptor.Entry{
		Name: "abandon",
		Handler: func(ctx context.Context, rc any) (interceptor.Result, error) {
			return interceptor.Result{Tag: interceptor.Stop}, nil
		},
	})

	rc := newRequestContext(t, origin, http.MethodGet, "/abandoned")
	rec := httptest.NewRecorder()
	err := p.Handle(context.Background(), rc, rec)
	require.NoError(t, err)
	assert.True(t, rc.Stopped)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestNormalizeWWWAuthenticateJoinsThenSplits(t *testing.T) {
	h := http.Header{}
	h.Add("Www-Authenticate", `Basic realm="a"`)
	h.Add("Www-Authenticate", `Digest realm="b"`)

	normalizeWWWAuthenticate(h, true)
	assert.Len(t, h.Values("Www-Authenticate"), 1)

	normalizeWWWAuthenticate(h, false)
	assert.Len(t, h.Values("Www-Authenticate"), 2)
}

func TestBuildOutboundRequestSetsContentLengthFromInboundHeader(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	p := newTestPipeline(t, origin)

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://"+originURL.Host+"/echo", strings.NewReader("hello body"))
	require.NoError(t, err)
	rc := core.NewRequestContext(context.Background(), req, "http")

	outreq, err := p.buildOutboundRequest(rc, dialer.Policy{Kind: dialer.Direct})
	require.NoError(t, err)
	assert.EqualValues(t, len("hello body"), outreq.ContentLength)
}

func TestBuildOutboundRequestForwardsChunkedAsUnknownLength(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer origin.Close()
	p := newTestPipeline(t, origin)

	originURL, err := url.Parse(origin.URL)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "http://"+originURL.Host+"/echo", strings.NewReader("chunked body"))
	require.NoError(t, err)
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	rc := core.NewRequestContext(context.Background(), req, "http")

	outreq, err := p.buildOutboundRequest(rc, dialer.Policy{Kind: dialer.Direct})
	require.NoError(t, err)
	assert.EqualValues(t, -1, outreq.ContentLength)
}

func TestStripHopByHopRemovesTransferEncoding(t *testing.T) {
	h := http.Header{}
	h.Set("Transfer-Encoding", "chunked")
	h.Set("X-Keep", "stays")

	stripHopByHop(h)
	assert.Empty(t, h.Get("Transfer-Encoding"))
	assert.Equal(t, "stays", h.Get("X-Keep"))
}

func TestStripHopByHopRemovesConnectionListedHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "X-Custom")
	h.Set("X-Custom", "drop-me")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("X-Keep", "stays")

	stripHopByHop(h)
	assert.Empty(t, h.Get("X-Custom"))
	assert.Empty(t, h.Get("Keep-Alive"))
	assert.Equal(t, "stays", h.Get("X-Keep"))
}
