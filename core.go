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
	"fmt"
	"time"
)

// Config is the enumerated core configuration surface. It is the JSON
// shape an embedder loads from disk or a management API; ReloadFrom
// validates a new value, hands it to the given components, and then
// replaces the running one with it.
type Config struct {
	Listen struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	} `json:"listen"`

	CA struct {
		CertPath string `json:"certPath"`
		KeyPath  string `json:"keyPath"`
	} `json:"ca"`

	Cert struct {
		CacheSize int           `json:"cacheSize"`
		LeafTTL   time.Duration `json:"leafTTL"`
	} `json:"cert"`

	Pool struct {
		MaxSockets     int           `json:"maxSockets"`
		MaxFreeSockets int           `json:"maxFreeSockets"`
		IdleTimeout    time.Duration `json:"idleTimeout"`
		WaitTimeout    time.Duration `json:"waitTimeout"`
	} `json:"pool"`

	Dial struct {
		Timeout time.Duration `json:"timeout"`
	} `json:"dial"`

	Upstream string `json:"upstream"` // static policy URL; "" means DIRECT

	Middleware struct {
		Timeout       time.Duration `json:"timeout"`
		MaxConcurrent int           `json:"maxConcurrent"`
	} `json:"middleware"`

	Interceptor struct {
		Timeout time.Duration `json:"timeout"`
	} `json:"interceptor"`

	MITM struct {
		Include []string `json:"include"`
		Exclude []string `json:"exclude"`
	} `json:"mitm"`

	WS struct {
		CloseTimeout   time.Duration `json:"closeTimeout"`
		MaxMessageSize int64         `json:"maxMessageSize"`
	} `json:"ws"`

	DrainTimeout time.Duration `json:"drainTimeout"`
}

// Validate checks the subset of fields that must be sane before the
// proxy starts; it does not touch the filesystem (CA loading in mitmca
// reports its own errors).
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return NewError(ConfigInvalid, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.CA.CertPath == "" || c.CA.KeyPath == "" {
		return NewError(ConfigInvalid, fmt.Errorf("ca.certPath and ca.keyPath are required"))
	}
	return nil
}

// withDefaults fills in every zero-valued tunable with its documented
// default, leaving explicit operator choices untouched.
func (c Config) withDefaults() Config {
	if c.Cert.CacheSize <= 0 {
		c.Cert.CacheSize = 1024
	}
	if c.Cert.LeafTTL <= 0 {
		c.Cert.LeafTTL = 365 * 24 * time.Hour
	}
	if c.Pool.MaxSockets <= 0 {
		c.Pool.MaxSockets = 64
	}
	if c.Pool.MaxFreeSockets <= 0 {
		c.Pool.MaxFreeSockets = 16
	}
	if c.Pool.IdleTimeout <= 0 {
		c.Pool.IdleTimeout = 90 * time.Second
	}
	if c.Pool.WaitTimeout <= 0 {
		c.Pool.WaitTimeout = 5 * time.Second
	}
	if c.Dial.Timeout <= 0 {
		c.Dial.Timeout = 10 * time.Second
	}
	if c.Middleware.Timeout <= 0 {
		c.Middleware.Timeout = 10 * time.Second
	}
	if c.Middleware.MaxConcurrent <= 0 {
		c.Middleware.MaxConcurrent = 100
	}
	if c.Interceptor.Timeout <= 0 {
		c.Interceptor.Timeout = 10 * time.Second
	}
	if c.WS.CloseTimeout <= 0 {
		c.WS.CloseTimeout = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Reloadable is the hook ReloadFrom calls on a component whose state
// depends on Config. No type in this module implements it, so a reload
// through ReloadFrom does not by itself destroy pools, rebuild registry
// bounds, or resize the cert cache; it lives here so the interface has
// one home independent of any single component package.
type Reloadable interface {
	ReloadConfig(next Config) error
}

// ReloadFrom validates next, fills in its defaults, and asks every
// Reloadable in components to apply the result in turn, stopping at the
// first error. Only when all of them succeed is *current replaced with
// the resolved config. It does not rebuild chains or touch pools itself.
func ReloadFrom(current *Config, next *Config, components ...Reloadable) error {
	if err := next.Validate(); err != nil {
		return err
	}
	resolved := next.withDefaults()
	for _, c := range components {
		if err := c.ReloadConfig(resolved); err != nil {
			return err
		}
	}
	*current = resolved
	return nil
}
