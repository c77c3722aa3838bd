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

// Package dialer implements the upstream dialer: dialing a destination
// directly, through an upstream HTTP CONNECT proxy, or through a SOCKS5
// proxy, per the upstream dialer component.
package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/mitmcore/proxy/internal/negcache"
)

// PolicyKind selects the dial strategy.
type PolicyKind int

const (
	Direct PolicyKind = iota
	HTTPProxy
	SOCKS5
)

// Policy is a resolved dial policy for one destination.
type Policy struct {
	Kind PolicyKind
	// ProxyURL is the upstream proxy URL for HTTPProxy/SOCKS5; unused
	// for Direct.
	ProxyURL *url.URL
}

// ParsePolicy parses an upstream policy URL: http(s):// for an upstream
// HTTP CONNECT proxy, socks5:// for a SOCKS5 proxy. An empty string
// yields the Direct policy.
func ParsePolicy(raw string) (Policy, error) {
	if raw == "" {
		return Policy{Kind: Direct}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Policy{}, fmt.Errorf("parsing upstream policy %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https":
		return Policy{Kind: HTTPProxy, ProxyURL: u}, nil
	case "socks5":
		return Policy{Kind: SOCKS5, ProxyURL: u}, nil
	default:
		return Policy{}, fmt.Errorf("unsupported upstream policy scheme %q", u.Scheme)
	}
}

// Fingerprint identifies this policy for connection-pool keying, so
// direct and proxied pools never mix per the connection pool's key.
func (p Policy) Fingerprint() string {
	if p.Kind == Direct || p.ProxyURL == nil {
		return "direct"
	}
	return fmt.Sprintf("%s://%s", p.ProxyURL.Scheme, p.ProxyURL.Host)
}

// Dialer dials destinations per policy, with a shared dial timeout and a
// negative cache so a single dead host cannot stampede retries.
type Dialer struct {
	Timeout time.Duration // default 10s
	neg     *negcache.Cache
}

// New builds a Dialer with the given dial timeout (0 uses the 10s
// default).
func New(timeout time.Duration) *Dialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dialer{Timeout: timeout, neg: negcache.New(30 * time.Second)}
}

// Dial connects to host:port under scheme, using policy. On a recent
// failure for this exact (scheme, host, port, policy) it fails fast without
// re-dialing.
func (d *Dialer) Dial(ctx context.Context, scheme, host, port string, policy Policy) (net.Conn, error) {
	negKey := scheme + "|" + host + ":" + port + "|" + policy.Fingerprint()
	if d.neg.Recent(negKey, "dial") {
		return nil, fmt.Errorf("DIAL_REFUSED: %s recently failed, suppressing retry", negKey)
	}

	conn, err := d.dial(ctx, scheme, host, port, policy)
	if err != nil {
		d.neg.Mark(negKey, "dial")
		return nil, err
	}
	return conn, nil
}

func (d *Dialer) dial(ctx context.Context, scheme, host, port string, policy Policy) (net.Conn, error) {
	switch policy.Kind {
	case Direct:
		return d.dialDirect(ctx, scheme, host, port)
	case HTTPProxy:
		return d.dialViaHTTPProxy(ctx, scheme, host, port, policy.ProxyURL)
	case SOCKS5:
		return d.dialViaSOCKS5(ctx, scheme, host, port, policy.ProxyURL)
	default:
		return nil, fmt.Errorf("unknown dial policy kind %d", policy.Kind)
	}
}

func (d *Dialer) dialDirect(ctx context.Context, scheme, host, port string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	addr := net.JoinHostPort(host, port)
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("DIAL_TIMEOUT: dialing %s: %w", addr, err)
		}
		return nil, fmt.Errorf("DIAL_REFUSED: dialing %s: %w", addr, err)
	}
	if scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		tlsConn.SetDeadline(time.Now().Add(d.Timeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS_HANDSHAKE_FAILED: %s: %w", addr, err)
		}
		tlsConn.SetDeadline(time.Time{})
		return tlsConn, nil
	}
	return conn, nil
}

// dialViaHTTPProxy opens a TCP connection to the proxy and, since the
// caller always wants an end-to-end tunnel to host:port (whether the
// inner traffic is plain HTTP or HTTPS-over-CONNECT), issues a CONNECT.
func (d *Dialer) dialViaHTTPProxy(ctx context.Context, scheme, host, port string, proxyURL *url.URL) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	conn, err := nd.DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("DIAL_TIMEOUT: dialing upstream proxy %s: %w", proxyURL.Host, err)
	}

	target := net.JoinHostPort(host, port)
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if user := proxyURL.User; user != nil {
		password, _ := user.Password()
		req.SetBasicAuth(user.Username(), password)
		req.Header.Set("Proxy-Authorization", req.Header.Get("Authorization"))
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing CONNECT to upstream proxy: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reading CONNECT response from upstream proxy: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		conn.Close()
		return nil, fmt.Errorf("UPSTREAM_PROXY_REJECTED: status %d", resp.StatusCode)
	}

	if scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		tlsConn.SetDeadline(time.Now().Add(d.Timeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS_HANDSHAKE_FAILED: %s via upstream proxy: %w", target, err)
		}
		tlsConn.SetDeadline(time.Time{})
		return tlsConn, nil
	}
	return conn, nil
}

// dialViaSOCKS5 uses golang.org/x/net/proxy rather than hand-rolling the
// SOCKS5 greeting/CONNECT wire protocol; auth method 0x02 is selected
// automatically by the library when proxyURL carries credentials.
func (d *Dialer) dialViaSOCKS5(ctx context.Context, scheme, host, port string, proxyURL *url.URL) (net.Conn, error) {
	var auth *proxy.Auth
	if u := proxyURL.User; u != nil {
		password, _ := u.Password()
		auth = &proxy.Auth{User: u.Username(), Password: password}
	}
	forward := &net.Dialer{Timeout: d.Timeout}
	sd, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, forward)
	if err != nil {
		return nil, fmt.Errorf("building SOCKS5 dialer: %w", err)
	}

	target := net.JoinHostPort(host, port)
	var conn net.Conn
	if ctxDialer, ok := sd.(proxy.ContextDialer); ok {
		conn, err = ctxDialer.DialContext(ctx, "tcp", target)
	} else {
		conn, err = sd.Dial("tcp", target)
	}
	if err != nil {
		if strings.Contains(err.Error(), "timeout") {
			return nil, fmt.Errorf("DIAL_TIMEOUT: SOCKS5 connect to %s via %s: %w", target, proxyURL.Host, err)
		}
		return nil, fmt.Errorf("UPSTREAM_PROXY_REJECTED: SOCKS5 connect to %s via %s: %w", target, proxyURL.Host, err)
	}

	if scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: host})
		tlsConn.SetDeadline(time.Now().Add(d.Timeout))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS_HANDSHAKE_FAILED: %s via SOCKS5: %w", target, err)
		}
		tlsConn.SetDeadline(time.Time{})
		return tlsConn, nil
	}
	return conn, nil
}
