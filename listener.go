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
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConnectHandler handles one classified CONNECT tunnel/MITM session.
type ConnectHandler func(cc *ConnectContext)

// UpgradeHandler handles one HTTP Upgrade handshake on a hijacked
// connection.
type UpgradeHandler func(ctx context.Context, rc *RequestContext, client net.Conn)

// PipelineHandler runs the plain HTTP request pipeline for one request.
type PipelineHandler func(ctx context.Context, rc *RequestContext, w http.ResponseWriter) error

// StickyIDSetter threads an NTLM-style connection affinity tag onto ctx
// for every request on one physical connection.
type StickyIDSetter func(ctx context.Context, id string) context.Context

// Listener runs the accept loop: one goroutine per accepted connection,
// routing each connection's first request line to the CONNECT, upgrade,
// or plain HTTP path.
type Listener struct {
	Addr string

	HandleConnect  ConnectHandler
	HandleUpgrade  UpgradeHandler
	HandlePipeline PipelineHandler
	WithStickyID   StickyIDSetter

	DrainTimeout time.Duration // default 30s

	ln      net.Listener
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	log     *zap.Logger
}

// NewListener builds a Listener. Call Serve to start accepting.
func NewListener(addr string) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{Addr: addr, DrainTimeout: 30 * time.Second, ctx: ctx, cancel: cancel, log: Log("listener")}
}

// Serve binds Addr and runs the accept loop until Shutdown is called or
// a fatal accept error occurs.
func (l *Listener) Serve() error {
	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return NewError(ListenerFailed, err)
	}
	l.ln = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return nil
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return NewError(ListenerFailed, err)
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			// a panic while serving one connection ends that connection
			// only; it does not take down the accept loop.
			defer func() {
				if p := recover(); p != nil {
					l.log.Error("connection handler panicked", zap.Any("panic", p))
				}
			}()
			l.handleConn(conn)
		}()
	}
}

// Shutdown broadcasts cancellation, closes the listener, and waits up
// to DrainTimeout for in-flight connections to finish before returning.
func (l *Listener) Shutdown() {
	l.cancel()
	if l.ln != nil {
		l.ln.Close()
	}
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	timeout := l.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		l.log.Warn("drain timeout exceeded, returning without waiting for remaining connections")
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)

	var stickyID string
	haveSticky := false

	// the first request gets the default 30s idle timeout; after that,
	// serveOne and the sticky extension below set the deadline for the
	// next request.
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		if req.Header.Get("Authorization") != "" && !haveSticky {
			stickyID = uuid.NewString()
			haveSticky = true
		}

		ctx := l.ctx
		if haveSticky && l.WithStickyID != nil {
			ctx = l.WithStickyID(ctx, stickyID)
		}

		if req.Method == http.MethodConnect {
			conn.SetReadDeadline(time.Time{}) // the tunnel/MITM session has no request idle timeout
			l.dispatchConnect(ctx, conn, req)
			return // CONNECT owns the connection for the rest of its life
		}

		if isUpgrade(req) {
			conn.SetReadDeadline(time.Time{})
			rc := NewRequestContext(ctx, req, "http")
			l.HandleUpgrade(ctx, rc, &peekedConn{Conn: conn, r: br})
			return // the upgrade path owns the connection from here on
		}

		keepAlive := l.serveOne(ctx, conn, req)
		if !keepAlive {
			return
		}
		if haveSticky {
			conn.SetReadDeadline(time.Now().Add(time.Hour))
		}
	}
}

func (l *Listener) dispatchConnect(ctx context.Context, conn net.Conn, req *http.Request) {
	host, port, err := net.SplitHostPort(req.Host)
	if err != nil {
		host, port = req.Host, "443"
	}
	cc := NewConnectContext(ctx, host, port, conn)
	l.HandleConnect(cc)
}

// serveOne runs the pipeline for one request and reports whether the
// connection should stay open for another keep-alive request. Idle
// timeout is 30s by default, disabled (connection closes) if the client
// asked for "close", and extended to 1h once the connection has been
// tagged with NTLM-style sticky affinity.
func (l *Listener) serveOne(ctx context.Context, conn net.Conn, req *http.Request) bool {
	rc := NewRequestContext(ctx, req, "http")
	w := &rawResponseWriter{w: bufio.NewWriter(conn), header: make(http.Header)}

	if err := l.HandlePipeline(ctx, rc, w); err != nil {
		l.log.Debug("pipeline returned error", zap.Error(err))
	}
	w.flush()

	if strings.EqualFold(req.Header.Get("Connection"), "close") {
		return false
	}
	idle := 30 * time.Second
	if req.Header.Get("Authorization") != "" {
		idle = time.Hour
	}
	conn.SetReadDeadline(time.Now().Add(idle))
	return !w.closeConn
}

func isUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") ||
		(req.Header.Get("Upgrade") != "" && strings.Contains(strings.ToLower(req.Header.Get("Connection")), "upgrade"))
}

// peekedConn lets the upgrade path keep reading through the same
// buffered reader the listener used for the request line, so no bytes
// already buffered by http.ReadRequest are lost.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// rawResponseWriter adapts http.ResponseWriter onto a buffered writer
// over the raw client socket, for the plain (non-MITM, non-upgrade)
// HTTP/1.1 path.
type rawResponseWriter struct {
	w           *bufio.Writer
	header      http.Header
	wroteHeader bool
	status      int
	closeConn   bool
}

func (w *rawResponseWriter) Header() http.Header { return w.header }

func (w *rawResponseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status
	if strings.EqualFold(w.header.Get("Connection"), "close") {
		w.closeConn = true
	}
	io.WriteString(w.w, "HTTP/1.1 "+statusLine(status)+"\r\n")
	w.header.Write(w.w)
	io.WriteString(w.w, "\r\n")
}

func (w *rawResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.w.Write(p)
}

func (w *rawResponseWriter) flush() { w.w.Flush() }

func statusLine(status int) string {
	return strconv.Itoa(status) + " " + http.StatusText(status)
}
