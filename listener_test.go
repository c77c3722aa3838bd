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
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestServeRoutesPlainRequestThroughPipeline(t *testing.T) {
	addr := freeAddr(t)
	l := NewListener(addr)

	var gotMethod, gotPath string
	l.HandlePipeline = func(ctx context.Context, rc *RequestContext, w http.ResponseWriter) error {
		gotMethod = rc.Method
		gotPath = rc.RawTarget
		w.Header().Set("X-Handled", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
		return nil
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve() }()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET /hello HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Handled"))
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/hello", gotPath)

	l.Shutdown()
}

func TestServeRoutesConnectToHandleConnect(t *testing.T) {
	addr := freeAddr(t)
	l := NewListener(addr)

	var gotHost, gotPort string
	connectSeen := make(chan struct{})
	l.HandleConnect = func(cc *ConnectContext) {
		gotHost, gotPort = cc.Host, cc.Port
		cc.Client.Close()
		close(connectSeen)
	}

	go l.Serve()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	require.NoError(t, err)

	select {
	case <-connectSeen:
	case <-time.After(time.Second):
		t.Fatal("HandleConnect was never invoked")
	}
	assert.Equal(t, "example.com", gotHost)
	assert.Equal(t, "443", gotPort)

	l.Shutdown()
}

func TestServeRoutesUpgradeToHandleUpgrade(t *testing.T) {
	addr := freeAddr(t)
	l := NewListener(addr)

	upgradeSeen := make(chan struct{})
	l.HandleUpgrade = func(ctx context.Context, rc *RequestContext, client net.Conn) {
		defer client.Close()
		client.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"))
		close(upgradeSeen)
	}

	go l.Serve()
	time.Sleep(20 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	req := "GET /ws HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	_, err = conn.Write([]byte(req))
	require.NoError(t, err)

	select {
	case <-upgradeSeen:
	case <-time.After(time.Second):
		t.Fatal("HandleUpgrade was never invoked")
	}

	l.Shutdown()
}

func TestIsUpgradeDetectsWebSocketHeader(t *testing.T) {
	req := &http.Request{Header: http.Header{}}
	req.Header.Set("Upgrade", "websocket")
	assert.True(t, isUpgrade(req))

	req2 := &http.Request{Header: http.Header{}}
	req2.Header.Set("Upgrade", "h2c")
	req2.Header.Set("Connection", "Upgrade")
	assert.True(t, isUpgrade(req2))

	plain := &http.Request{Header: http.Header{}}
	assert.False(t, isUpgrade(plain))
}

func TestStatusLineFormatsCodeAndText(t *testing.T) {
	assert.Equal(t, "200 OK", statusLine(http.StatusOK))
	assert.Equal(t, "404 Not Found", statusLine(http.StatusNotFound))
}

func TestShutdownStopsAcceptingNewConnections(t *testing.T) {
	addr := freeAddr(t)
	l := NewListener(addr)
	l.HandlePipeline = func(ctx context.Context, rc *RequestContext, w http.ResponseWriter) error {
		w.WriteHeader(http.StatusOK)
		return nil
	}

	go l.Serve()
	time.Sleep(20 * time.Millisecond)
	l.Shutdown()

	_, err := net.Dial("tcp", addr)
	assert.Error(t, err)
}
