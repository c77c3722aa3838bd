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

// Package connectsm implements the CONNECT state machine: it classifies
// a CONNECT target as either a raw tunnel or a target for TLS
// termination (MITM), per the CONNECT state machine component.
package connectsm

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	core "github.com/mitmcore/proxy"
	"github.com/mitmcore/proxy/internal/certcache"
	"github.com/mitmcore/proxy/internal/dialer"
)

// peekBytes is the number of bytes peeked (without consuming) to decide
// tunnel vs MITM; a leading 0x16 (TLS handshake) routes to MITM.
const peekBytes = 3

const tlsHandshakeByte = 0x16

// HostMatcher decides whether a host should be MITM'd at all, per
// mitm.include/mitm.exclude. The zero value (nil) MITMs every host, per
// the default-MITM-scope design note.
type HostMatcher func(host string) bool

// RequestHandler is invoked once per decrypted HTTP/1.x request on an
// established MITM stream; it is the HTTP request pipeline (component
// G) wired in with scheme="https".
type RequestHandler func(ctx context.Context, r *http.Request, w http.ResponseWriter)

// StateMachine runs the CONNECT classification and either tunnel or MITM
// path for one client connection.
type StateMachine struct {
	Certs       *certcache.Cache
	Dial        *dialer.Dialer
	DialPolicy  dialer.Policy
	ShouldMITM  HostMatcher
	HandleHTTPS RequestHandler

	log *zap.Logger
}

// New builds a StateMachine.
func New(certs *certcache.Cache, d *dialer.Dialer, policy dialer.Policy, shouldMITM HostMatcher, handle RequestHandler) *StateMachine {
	return &StateMachine{Certs: certs, Dial: d, DialPolicy: policy, ShouldMITM: shouldMITM, HandleHTTPS: handle, log: zap.NewNop()}
}

// SetLogger installs the state machine's logger.
func (sm *StateMachine) SetLogger(l *zap.Logger) { sm.log = l }

// Handle moves cc from UNDECIDED to TUNNEL or MITM, runs that path until
// it ends, and then closes cc.Client; it owns cc.Client for the
// remainder of this call. cc.State keeps the TUNNEL/MITM decision after
// Handle returns: the deferred Decide(core.Closed) has no effect because
// Decide only moves a context out of UNDECIDED.
func (sm *StateMachine) Handle(cc *core.ConnectContext) {
	defer func() {
		cc.Decide(core.Closed)
		cc.Client.Close()
	}()

	if _, err := io.WriteString(cc.Client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		sm.log.Debug("writing 200 Connection Established failed", zap.Error(err))
		return
	}

	br := bufio.NewReaderSize(cc.Client, peekBytes)
	peeked, err := br.Peek(peekBytes)
	if err != nil && err != io.EOF {
		sm.log.Debug("peeking CONNECT stream failed", zap.Error(err))
		return
	}
	cc.Peeked = append([]byte(nil), peeked...)

	wantsMITM := len(peeked) > 0 && peeked[0] == tlsHandshakeByte && sm.hostAllowsMITM(cc.Host)

	client := &bufferedConn{Conn: cc.Client, r: br}

	if !wantsMITM {
		cc.Decide(core.Tunnel)
		sm.tunnel(cc, client)
		return
	}

	leaf, err := sm.Certs.LeafFor(cc.Host)
	if err != nil {
		// "Failure to obtain a leaf for MITM degrades to TUNNEL after
		// logging," per the CONNECT component's failure handling.
		sm.log.Warn("cert mint failed, degrading to tunnel", zap.String("host", cc.Host), zap.Error(err))
		cc.Decide(core.Tunnel)
		sm.tunnel(cc, client)
		return
	}

	cc.Decide(core.MITM)
	sm.mitm(cc, client, leaf)
}

func (sm *StateMachine) hostAllowsMITM(host string) bool {
	if sm.ShouldMITM == nil {
		return true // default: MITM all hosts, per the open question's chosen default
	}
	return sm.ShouldMITM(host)
}

// tunnel splices client <-> upstream byte-for-byte until either closes,
// using the original host:port and the configured dial policy.
func (sm *StateMachine) tunnel(cc *core.ConnectContext, client net.Conn) {
	upstream, err := sm.Dial.Dial(cc.Context(), "tcp", cc.Host, cc.Port, sm.DialPolicy)
	if err != nil {
		sm.log.Warn("tunnel dial failed", zap.String("host", cc.Host), zap.Error(err))
		return
	}
	defer upstream.Close()
	splice(cc.Context(), client, upstream)
}

// mitm wraps client in a TLS server using leaf for SNI, then treats the
// decrypted stream as a new HTTP/1.x request stream, feeding each
// request into HandleHTTPS with scheme=https.
func (sm *StateMachine) mitm(cc *core.ConnectContext, client net.Conn, leaf certcache.Record) {
	tlsConn := tls.Server(client, &tls.Config{
		Certificates: []tls.Certificate{leaf.Leaf},
		MinVersion:   tls.VersionTLS12,
	})
	tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := tlsConn.HandshakeContext(cc.Context()); err != nil {
		sm.log.Warn("client TLS handshake failed", zap.String("host", cc.Host), zap.Error(err))
		return
	}
	tlsConn.SetDeadline(time.Time{})
	defer tlsConn.Close()

	br := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return // client closed, or the stream ended; nothing more to do
		}
		req = req.WithContext(cc.Context())
		req.RemoteAddr = cc.Client.RemoteAddr().String()
		if req.URL.Scheme == "" {
			req.URL.Scheme = "https"
		}
		if req.URL.Host == "" {
			req.URL.Host = req.Host
		}

		rw := &bufferedResponseWriter{w: bufio.NewWriter(tlsConn), header: make(http.Header)}
		sm.HandleHTTPS(cc.Context(), req, rw)
		if err := rw.finish(); err != nil {
			return
		}
		if rw.closeConn {
			return
		}
	}
}

// bufferedConn replays any bytes the peek buffered, then reads straight
// from the underlying conn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func splice(ctx context.Context, a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go cp(a, b)
	go cp(b, a)

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// bufferedResponseWriter adapts http.ResponseWriter onto a raw buffered
// writer for the per-request MITM'd HTTP/1.x stream.
type bufferedResponseWriter struct {
	w           *bufio.Writer
	header      http.Header
	wroteHeader bool
	status      int
	closeConn   bool
}

func (w *bufferedResponseWriter) Header() http.Header { return w.header }

func (w *bufferedResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	if w.header.Get("Connection") == "close" {
		w.closeConn = true
	}
	fmtStatusLine(w.w, status)
	w.header.Write(w.w)
	io.WriteString(w.w, "\r\n")
}

func (w *bufferedResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.w.Write(p)
}

func (w *bufferedResponseWriter) finish() error {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.w.Flush()
}

func fmtStatusLine(w io.Writer, status int) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
}
