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

// Package pool implements the per-origin keep-alive connection pool,
// keyed by (scheme, host, port, upstream-policy-fingerprint, sticky id)
// so that direct and proxied traffic for the same host never share a
// socket.
package pool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Key identifies one origin pool.
type Key struct {
	Scheme      string
	Host        string
	Port        string
	PolicyFP    string
	StickyID    string // NTLM-style connection affinity tag; "" for normal pooling
}

func (k Key) String() string {
	return fmt.Sprintf("%s://%s:%s#%s@%s", k.Scheme, k.Host, k.Port, k.PolicyFP, k.StickyID)
}

// DialFunc dials a fresh connection for key. Supplied by the caller so
// the pool stays decoupled from the dialer's policy resolution.
type DialFunc func(ctx context.Context, key Key) (net.Conn, error)

// Options configures pool bounds and timing.
type Options struct {
	MaxSockets     int           // default 64
	MaxFreeSockets int           // default 16
	IdleTimeout    time.Duration // default 90s
	WaitTimeout    time.Duration // default 5s
}

func (o Options) withDefaults() Options {
	if o.MaxSockets <= 0 {
		o.MaxSockets = 64
	}
	if o.MaxFreeSockets <= 0 {
		o.MaxFreeSockets = 16
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 90 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	return o
}

type idleConn struct {
	conn     net.Conn
	lastUse  time.Time
}

type origin struct {
	mu       sync.Mutex
	idle     []idleConn // FIFO order of insertion; acquire prefers the tail (MRU)
	inFlight int
	waiters  chan struct{} // buffered semaphore of size MaxSockets
}

// Pool is a keyed set of per-origin idle-connection pools.
type Pool struct {
	opts Options
	dial DialFunc

	mu      sync.RWMutex
	origins map[string]*origin

	acquired *prometheus.CounterVec
	reused   *prometheus.CounterVec
	created  *prometheus.CounterVec
	closed   *prometheus.CounterVec
}

// New builds a Pool that dials fresh connections with dial.
func New(opts Options, dial DialFunc) *Pool {
	opts = opts.withDefaults()
	labels := []string{"origin"}
	return &Pool{
		opts:    opts,
		dial:    dial,
		origins: make(map[string]*origin),
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitmcore_pool_acquired_total", Help: "connections acquired from the pool",
		}, labels),
		reused: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitmcore_pool_reused_total", Help: "idle connections reused",
		}, labels),
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitmcore_pool_created_total", Help: "new connections dialed",
		}, labels),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mitmcore_pool_closed_total", Help: "connections closed rather than pooled",
		}, labels),
	}
}

// Collectors returns the pool's prometheus collectors for registration
// by the embedder; the pool itself never stands up an HTTP exporter.
func (p *Pool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.acquired, p.reused, p.created, p.closed}
}

func (p *Pool) originFor(key Key) *origin {
	k := key.String()
	p.mu.RLock()
	o, ok := p.origins[k]
	p.mu.RUnlock()
	if ok {
		return o
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok = p.origins[k]; ok {
		return o
	}
	o = &origin{waiters: make(chan struct{}, p.opts.MaxSockets)}
	p.origins[k] = o
	return o
}

// Acquire pops the most-recently-used healthy idle entry for key, or
// dials a fresh one if none is available, subject to MaxSockets/WaitTimeout.
func (p *Pool) Acquire(ctx context.Context, key Key) (net.Conn, error) {
	o := p.originFor(key)
	label := prometheus.Labels{"origin": key.String()}
	p.acquired.With(label).Inc()

	now := time.Now()
	o.mu.Lock()
	for len(o.idle) > 0 {
		// acquire prefers the MRU entry (tail); drop and close any
		// older entries whose lastUse exceeds idleTimeout as we pass
		// them so a caller never receives a stale socket.
		last := o.idle[len(o.idle)-1]
		o.idle = o.idle[:len(o.idle)-1]
		if now.Sub(last.lastUse) < p.opts.IdleTimeout && isHealthy(last.conn) {
			o.mu.Unlock()
			// a reused socket holds a MaxSockets slot and goes back to
			// the pool on Close, the same as a freshly dialed one.
			select {
			case o.waiters <- struct{}{}:
			case <-ctx.Done():
				last.conn.Close()
				p.closed.With(label).Inc()
				return nil, ctx.Err()
			}
			p.reused.With(label).Inc()
			return &pooledConn{Conn: last.conn, pool: p, key: key, releaseSlot: o.waiters}, nil
		}
		last.conn.Close()
		p.closed.With(label).Inc()
	}
	o.mu.Unlock()

	select {
	case o.waiters <- struct{}{}:
	default:
		// at MaxSockets; wait up to WaitTimeout for room.
		t := time.NewTimer(p.opts.WaitTimeout)
		defer t.Stop()
		select {
		case o.waiters <- struct{}{}:
		case <-t.C:
			return nil, fmt.Errorf("POOL_EXHAUSTED: %s at capacity (%d)", key, p.opts.MaxSockets)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	conn, err := p.dial(ctx, key)
	if err != nil {
		<-o.waiters
		return nil, err
	}
	p.created.With(label).Inc()
	return &pooledConn{Conn: conn, pool: p, key: key, releaseSlot: o.waiters}, nil
}

// release pushes conn back onto its origin's idle list iff it is
// healthy, the free-list is below MaxFreeSockets, and there was no
// in-flight error; otherwise it is closed.
func (p *Pool) release(key Key, conn net.Conn, healthy bool, slot <-chan struct{}) {
	o := p.originFor(key)
	label := prometheus.Labels{"origin": key.String()}

	<-slot // release the MaxSockets semaphore slot regardless of outcome

	o.mu.Lock()
	defer o.mu.Unlock()
	if !healthy || len(o.idle) >= p.opts.MaxFreeSockets {
		conn.Close()
		p.closed.With(label).Inc()
		return
	}
	o.idle = append(o.idle, idleConn{conn: conn, lastUse: time.Now()})
}

// Destroy closes every idle connection for key and removes the origin,
// used on config reload. Passing the zero Key destroys every origin.
func (p *Pool) Destroy(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if key == (Key{}) {
		for k, o := range p.origins {
			o.closeAllLocked()
			delete(p.origins, k)
		}
		return
	}
	if o, ok := p.origins[key.String()]; ok {
		o.closeAllLocked()
		delete(p.origins, key.String())
	}
}

func (o *origin) closeAllLocked() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ic := range o.idle {
		ic.conn.Close()
	}
	o.idle = nil
}

// isHealthy reports whether conn still accepts a write deadline (which
// fails once the socket has been closed locally) and, for TLS
// connections, whether the handshake completed. It does not detect a
// peer that has closed its side, and it does not check TLS session
// expiry.
func isHealthy(conn net.Conn) bool {
	if tc, ok := conn.(*tls.Conn); ok {
		state := tc.ConnectionState()
		if !state.HandshakeComplete {
			return false
		}
	}
	if err := conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
		return false
	}
	conn.SetWriteDeadline(time.Time{})
	return true
}

// pooledConn wraps a net.Conn handed out by Acquire so that Close()
// releases it back to the pool instead of actually closing the socket,
// unless MarkUnhealthy was called first.
type pooledConn struct {
	net.Conn
	pool        *Pool
	key         Key
	releaseSlot <-chan struct{}
	unhealthy   bool
	released    bool
	mu          sync.Mutex
}

// MarkUnhealthy flags the connection so that the next Close() discards
// it rather than returning it to the idle list -- used when the upstream
// round trip failed or the client aborted mid-body.
func (c *pooledConn) MarkUnhealthy() {
	c.mu.Lock()
	c.unhealthy = true
	c.mu.Unlock()
}

func (c *pooledConn) Close() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	unhealthy := c.unhealthy
	c.mu.Unlock()
	c.pool.release(c.key, c.Conn, !unhealthy, c.releaseSlot)
	return nil
}
