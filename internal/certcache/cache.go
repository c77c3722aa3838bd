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

// Package certcache mints per-host leaf certificates signed by the root
// CA and caches them behind a bounded LRU with a single-flight gate, per
// the certificate mint & cache component.
package certcache

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mitmcore/proxy/internal/mitmca"
	"github.com/mitmcore/proxy/internal/negcache"
)

// Record is a minted leaf: its certificate+key and the metadata needed
// to decide whether it needs renewal.
type Record struct {
	Leaf     tls.Certificate
	NotAfter time.Time
	SANs     []string
}

// Options configures the cache's eviction, validity window, and negative
// caching behavior. Zero values fall back to the documented defaults.
type Options struct {
	MaxSize    int           // default 1024
	LeafTTL    time.Duration // default 365 days
	Skew       time.Duration // default 5 minutes
	NegativeTTL time.Duration // default 30 seconds
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = 1024
	}
	if o.LeafTTL <= 0 {
		o.LeafTTL = 365 * 24 * time.Hour
	}
	if o.Skew <= 0 {
		o.Skew = 5 * time.Minute
	}
	if o.NegativeTTL <= 0 {
		o.NegativeTTL = 30 * time.Second
	}
	return o
}

// Cache mints and caches leaf certificates for a root CA.
type Cache struct {
	ca   *mitmca.CA
	opts Options

	// sized far larger than opts.MaxSize so the library never evicts on
	// its own; evictIfNeeded implements our batch policy on top of its
	// LRU ordering instead of the library's single-entry eviction.
	lru *lru.Cache[string, Record]

	mu     sync.Mutex // guards the batch-eviction check against lru
	group  singleflight.Group
	neg    *negcache.Cache
	serial uint64 // monotonic leaf serial counter, never reused across mints

	log *zap.Logger
}

// New builds a certificate cache for ca.
func New(ca *mitmca.CA, opts Options) (*Cache, error) {
	opts = opts.withDefaults()
	// capacity sized generously above MaxSize; see evictIfNeeded.
	l, err := lru.New[string, Record](opts.MaxSize * 4)
	if err != nil {
		return nil, fmt.Errorf("building leaf LRU: %w", err)
	}
	return &Cache{
		ca:   ca,
		opts: opts,
		lru:  l,
		neg:  negcache.New(opts.NegativeTTL),
		log:  zap.NewNop(),
	}, nil
}

// SetLogger installs a logger for cache diagnostics.
func (c *Cache) SetLogger(l *zap.Logger) { c.log = l }

// LeafFor returns the cached leaf for sni, minting and caching one on
// miss. A per-key single-flight gate guarantees at-most-one mint per key
// even under a stampede of concurrent requests for the same host.
func (c *Cache) LeafFor(sni string) (Record, error) {
	if c.ca == nil {
		return Record{}, fmt.Errorf("CA_NOT_LOADED")
	}
	key := cacheKeyFor(sni)

	if rec, ok := c.lru.Get(key); ok {
		return rec, nil
	}

	if c.neg.Recent(key, "mint") {
		return Record{}, fmt.Errorf("CERT_MINT_FAILED: %s recently failed to mint, suppressing", key)
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// re-check under the gate: another goroutine may have minted
		// while we were waiting for the singleflight slot.
		if rec, ok := c.lru.Get(key); ok {
			return rec, nil
		}
		rec, err := c.mint(key)
		if err != nil {
			c.neg.Mark(key, "mint")
			return Record{}, err
		}
		c.lru.Add(key, rec)
		c.evictIfNeeded()
		return rec, nil
	})
	if err != nil {
		return Record{}, err
	}
	return v.(Record), nil
}

// evictIfNeeded implements the batch-eviction policy: when the cache
// exceeds MaxSize, evict the oldest half in one pass rather than
// thrashing at a single-entry threshold.
func (c *Cache) evictIfNeeded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lru.Len() <= c.opts.MaxSize {
		return
	}
	toEvict := c.lru.Len() / 2
	for i := 0; i < toEvict; i++ {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	c.log.Debug("batch-evicted leaf cache entries", zap.Int("evicted", toEvict))
}

// mint produces a new leaf certificate for host, signed by the CA.
func (c *Cache) mint(host string) (Record, error) {
	bare, isWildcard := bareForm(host)
	sans := []string{host}
	if isWildcard {
		sans = append(sans, bare)
	}

	leafKey, err := c.newLeafKey()
	if err != nil {
		return Record{}, fmt.Errorf("CERT_MINT_FAILED: generating leaf key: %w", err)
	}

	serial := new(big.Int).SetUint64(atomic.AddUint64(&c.serial, 1))
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host, Organization: []string{"mitmcore leaf"}},
		NotBefore:    now.Add(-c.opts.Skew),
		NotAfter:     now.Add(c.opts.LeafTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, san := range sans {
		if ip := net.ParseIP(san); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, strings.ToLower(san))
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, c.ca.Certificate(), publicKey(leafKey), c.ca.Signer())
	if err != nil {
		return Record{}, fmt.Errorf("CERT_MINT_FAILED: signing leaf: %w", err)
	}

	leaf := tls.Certificate{
		Certificate: [][]byte{der, c.ca.Certificate().Raw},
		PrivateKey:  leafKey,
	}
	return Record{Leaf: leaf, NotAfter: tmpl.NotAfter, SANs: sans}, nil
}

// newLeafKey generates a leaf key of the same algorithm family as the CA
// key.
func (c *Cache) newLeafKey() (interface{}, error) {
	switch c.ca.KeyAlgorithm() {
	case x509.RSA:
		return rsa.GenerateKey(rand.Reader, 2048)
	default:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
}

func publicKey(key interface{}) interface{} {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey
	case *ecdsa.PrivateKey:
		return &k.PublicKey
	default:
		return nil
	}
}

// Len reports the number of leaves currently cached.
func (c *Cache) Len() int { return c.lru.Len() }
