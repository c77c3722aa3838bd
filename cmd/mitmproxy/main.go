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

// Command mitmproxy wires the core library's components into a running
// forward proxy: load config and CA material, build the registries,
// pool, dialer, and cache, then serve until a shutdown signal arrives.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"

	core "github.com/mitmcore/proxy"
	"github.com/mitmcore/proxy/connectsm"
	"github.com/mitmcore/proxy/interceptor"
	"github.com/mitmcore/proxy/internal/certcache"
	"github.com/mitmcore/proxy/internal/dialer"
	"github.com/mitmcore/proxy/internal/mitmca"
	"github.com/mitmcore/proxy/internal/pool"
	"github.com/mitmcore/proxy/middleware"
	"github.com/mitmcore/proxy/pipeline"
	"github.com/mitmcore/proxy/wsupgrade"
)

func main() {
	configPath := flag.String("config", "mitmproxy.json", "path to the JSON config file")
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on, empty disables it")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	core.SetLogger(logger)

	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof))
	defer undo()
	if err != nil {
		logger.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}

	// match the container's memory quota (or system memory) the same way
	// GOMAXPROCS is matched to its CPU quota above.
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(logger.Core()))),
		memlimit.WithProvider(
			memlimit.ApplyFallback(
				memlimit.FromCgroup,
				memlimit.FromSystem,
			),
		),
	)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}
	// with no components to reload, ReloadFrom only validates cfg and
	// fills in its defaults in place.
	if err := core.ReloadFrom(cfg, cfg); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(1)
	}

	ca, err := mitmca.Load(cfg.CA.CertPath, cfg.CA.KeyPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading CA:", err)
		os.Exit(1)
	}

	certs, err := certcache.New(ca, certcache.Options{MaxSize: cfg.Cert.CacheSize, LeafTTL: cfg.Cert.LeafTTL})
	if err != nil {
		fmt.Fprintln(os.Stderr, "building cert cache:", err)
		os.Exit(1)
	}
	certs.SetLogger(core.Log("certcache"))

	d := dialer.New(cfg.Dial.Timeout)

	mw := middleware.NewRegistry()
	mw.Timeout = cfg.Middleware.Timeout
	mw.MaxConcurrent = cfg.Middleware.MaxConcurrent

	ic := interceptor.NewRegistry()
	ic.Timeout = cfg.Interceptor.Timeout

	policy, err := resolveStaticPolicy(cfg.Upstream)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid upstream policy:", err)
		os.Exit(1)
	}
	resolvePolicy := func(rc *core.RequestContext) (dialer.Policy, error) { return policy, nil }

	pl := buildPipeline(mw, ic, cfg, d, resolvePolicy)

	upgrader := wsupgrade.New(mw, ic, d, resolvePolicy)
	upgrader.CloseTimeout = cfg.WS.CloseTimeout
	upgrader.SetLogger(core.Log("wsupgrade"))

	sm := connectsm.New(certs, d, policy, mitmScope(cfg.MITM.Include, cfg.MITM.Exclude), func(ctx context.Context, r *http.Request, w http.ResponseWriter) {
		rc := core.NewRequestContext(ctx, r, "https")
		if err := pl.Handle(ctx, rc, w); err != nil {
			core.Log("connectsm").Debug("https pipeline error", zap.Error(err))
		}
	})
	sm.SetLogger(core.Log("connectsm"))

	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		for _, c := range pl.Pool.Collectors() {
			reg.MustRegister(c)
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server exited", zap.Error(err))
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port)
	l := core.NewListener(addr)
	l.DrainTimeout = cfg.DrainTimeout
	l.HandleConnect = sm.Handle
	l.HandleUpgrade = upgrader.Handle
	l.HandlePipeline = pl.Handle
	l.WithStickyID = pipeline.WithStickyID

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received, draining")
		l.Shutdown()
	}()

	logger.Info("serving", zap.String("addr", addr))
	if err := l.Serve(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func buildPipeline(mw *middleware.Registry, ic *interceptor.Registry, cfg *core.Config, d *dialer.Dialer, resolve pipeline.PolicyResolver) *pipeline.Pipeline {
	connPool := pool.New(pool.Options{
		MaxSockets:     cfg.Pool.MaxSockets,
		MaxFreeSockets: cfg.Pool.MaxFreeSockets,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		WaitTimeout:    cfg.Pool.WaitTimeout,
	}, dialFuncFor(d, resolve))
	pl := pipeline.New(mw, ic, connPool, d, resolve, 10<<20)
	pl.SetLogger(core.Log("pipeline"))
	return pl
}

// dialFuncFor adapts the dialer into a pool.DialFunc. resolve is the
// same policy function the pipeline used to build the pool key's
// fingerprint, so the connection it dials here always matches.
func dialFuncFor(d *dialer.Dialer, resolve pipeline.PolicyResolver) pool.DialFunc {
	return func(ctx context.Context, key pool.Key) (net.Conn, error) {
		policy, err := resolve(nil)
		if err != nil {
			return nil, err
		}
		return d.Dial(ctx, key.Scheme, key.Host, key.Port, policy)
	}
}

func resolveStaticPolicy(upstream string) (dialer.Policy, error) {
	if upstream == "" {
		return dialer.Policy{Kind: dialer.Direct}, nil
	}
	return dialer.ParsePolicy(upstream)
}

func mitmScope(include, exclude []string) connectsm.HostMatcher {
	if len(include) == 0 && len(exclude) == 0 {
		return nil
	}
	return func(host string) bool {
		for _, pat := range exclude {
			if matchHostPattern(pat, host) {
				return false
			}
		}
		if len(include) == 0 {
			return true
		}
		for _, pat := range include {
			if matchHostPattern(pat, host) {
				return true
			}
		}
		return false
	}
}

func matchHostPattern(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == host {
		return true
	}
	if len(pattern) > 2 && pattern[:2] == "*." {
		suffix := pattern[1:] // ".x.com"
		return len(host) > len(suffix) && host[len(host)-len(suffix):] == suffix
	}
	return false
}

func loadConfig(path string) (*core.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var cfg core.Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
