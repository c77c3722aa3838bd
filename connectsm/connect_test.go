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

package connectsm

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	core "github.com/mitmcore/proxy"
	"github.com/mitmcore/proxy/internal/certcache"
	"github.com/mitmcore/proxy/internal/dialer"
	"github.com/mitmcore/proxy/internal/mitmca"
)

const connectedLine = "HTTP/1.1 200 Connection Established\r\n\r\n"

func startEchoListener(t *testing.T) (host, port string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()
	h, p, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return h, p
}

func TestHandleTunnelsNonTLSTraffic(t *testing.T) {
	host, port := startEchoListener(t)

	sm := New(nil, dialer.New(time.Second), dialer.Policy{Kind: dialer.Direct}, nil, nil)

	clientConn, serverConn := net.Pipe()
	cc := core.NewConnectContext(context.Background(), host, port, serverConn)

	done := make(chan struct{})
	go func() { sm.Handle(cc); close(done) }()

	buf := make([]byte, len(connectedLine))
	_, err := io.ReadFull(clientConn, buf)
	require.NoError(t, err)
	assert.Equal(t, connectedLine, string(buf))

	_, err = clientConn.Write([]byte("ping"))
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = io.ReadFull(clientConn, echo)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(echo))

	clientConn.Close()
	<-done
	assert.Equal(t, core.Tunnel, cc.State)
}

func TestHandleDegradesToTunnelWhenCertMintFails(t *testing.T) {
	host, port := startEchoListener(t)

	certs, err := certcache.New(nil, certcache.Options{})
	require.NoError(t, err)

	sm := New(certs, dialer.New(time.Second), dialer.Policy{Kind: dialer.Direct}, nil, nil)

	clientConn, serverConn := net.Pipe()
	cc := core.NewConnectContext(context.Background(), host, port, serverConn)

	done := make(chan struct{})
	go func() { sm.Handle(cc); close(done) }()

	buf := make([]byte, len(connectedLine))
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)

	// a leading TLS handshake byte would normally route to MITM, but the
	// cert cache has no CA loaded so it must degrade to TUNNEL.
	_, err = clientConn.Write([]byte{0x16, 0x03, 0x01, 0x00})
	require.NoError(t, err)
	echo := make([]byte, 4)
	_, err = io.ReadFull(clientConn, echo)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x16, 0x03, 0x01, 0x00}, echo)

	clientConn.Close()
	<-done
	assert.Equal(t, core.Tunnel, cc.State)
}

func TestHandleMITMDecryptsAndInvokesHandler(t *testing.T) {
	ca, err := mitmca.Generate("mitmcore test", 24*time.Hour)
	require.NoError(t, err)
	certs, err := certcache.New(ca, certcache.Options{})
	require.NoError(t, err)

	const host = "mitm.example.com"
	var gotMethod, gotPath string
	handle := func(ctx context.Context, r *http.Request, w http.ResponseWriter) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.Header().Set("X-From-Handler", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}

	sm := New(certs, dialer.New(time.Second), dialer.Policy{Kind: dialer.Direct}, nil, handle)

	clientConn, serverConn := net.Pipe()
	cc := core.NewConnectContext(context.Background(), host, "443", serverConn)

	done := make(chan struct{})
	go func() { sm.Handle(cc); close(done) }()

	buf := make([]byte, len(connectedLine))
	_, err = io.ReadFull(clientConn, buf)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(ca.PublicPEM)
	tlsConn := tls.Client(clientConn, &tls.Config{ServerName: host, RootCAs: pool})
	require.NoError(t, tlsConn.Handshake())

	req, err := http.NewRequest(http.MethodGet, "https://"+host+"/widgets", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(tlsConn))

	resp, err := http.ReadResponse(bufio.NewReader(tlsConn), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-From-Handler"))

	tlsConn.Close()
	<-done

	assert.Equal(t, core.MITM, cc.State)
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "/widgets", gotPath)
}
