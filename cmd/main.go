// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	proxykit "github.com/bhameyie/ProxyKit"
	"github.com/bhameyie/ProxyKit/examples/simple"
	"github.com/bhameyie/ProxyKit/pkg/breaker"
	"github.com/bhameyie/ProxyKit/pkg/forward"
	"github.com/bhameyie/ProxyKit/pkg/health"
	"github.com/bhameyie/ProxyKit/pkg/metrics"
	"github.com/bhameyie/ProxyKit/pkg/proxy"
	"github.com/bhameyie/ProxyKit/pkg/ratelimit"
)

const envPrefix = "PROXYKIT_"

// opsConfig holds configuration for the operational surface: logging,
// metrics, health and the resilience knobs around the upstream dial.
type opsConfig struct {
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	OpsPort   int    `env:"OPS_PORT"   envDefault:"9090"`

	// HTTPFallbackURL, when set, reverse-proxies non-upgrade traffic
	// to this target instead of returning 404.
	HTTPFallbackURL string `env:"HTTP_FALLBACK_URL"`

	// Rate limiting of upgrade attempts per client host. Zero capacity
	// disables the limiter.
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"10"`

	// Circuit breaker around the upstream dial.
	BreakerEnabled      bool          `env:"BREAKER_ENABLED"       envDefault:"true"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"60s"`
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	// Load .env file
	dotenvErr := godotenv.Load()

	ops := opsConfig{}
	if err := env.ParseWithOptions(&ops, env.Options{Prefix: envPrefix}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(ops.LogLevel, ops.LogFormat)
	slog.SetDefault(logger)

	if dotenvErr != nil {
		logger.Warn("no .env file found, using environment variables")
	}

	cfg, err := proxykit.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if cfg.Port == "" {
		logger.Error("PORT not configured")
		os.Exit(1)
	}

	fwd, checker, err := buildForwarder(cfg, ops, logger)
	if err != nil {
		logger.Error("failed to build forwarder", slog.String("error", err.Error()))
		os.Exit(1)
	}

	wsProxy, err := proxy.NewWebSocket(proxy.WebSocketConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		TLSConfig:       cfg.TLSConfig,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, fwd)
	if err != nil {
		logger.Error("failed to create proxy", slog.String("error", err.Error()))
		os.Exit(1)
	}

	g.Go(func() error {
		return wsProxy.Listen(ctx)
	})

	g.Go(func() error {
		return serveOps(ctx, ops.OpsPort, checker, logger)
	})

	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("ProxyKit service terminated with error: %s", err))
	} else {
		logger.Info("ProxyKit service stopped")
	}
}

func buildForwarder(cfg proxykit.Config, ops opsConfig, logger *slog.Logger) (*forward.Forwarder, *health.Checker, error) {
	var binding forward.Binding
	var err error
	if cfg.PathPrefix != "" {
		binding, err = forward.PathBinding(cfg.PathPrefix, func(r *http.Request) (string, error) {
			return cfg.TargetURL, nil
		})
	} else {
		binding, err = forward.StaticBinding(cfg.TargetURL)
	}
	if err != nil {
		return nil, nil, err
	}

	var limiter *ratelimit.Limiter
	if ops.RateLimitCapacity > 0 {
		limiter = ratelimit.NewLimiter(ops.RateLimitCapacity, ops.RateLimitRefill, 0)
	}

	var cb *breaker.CircuitBreaker
	if ops.BreakerEnabled {
		cb = breaker.New(breaker.Config{
			MaxFailures:  ops.BreakerMaxFailures,
			ResetTimeout: ops.BreakerResetTimeout,
		})
	}

	var next http.Handler
	if ops.HTTPFallbackURL != "" {
		fallback, err := proxy.NewHTTPFallback(ops.HTTPFallbackURL, nil, logger)
		if err != nil {
			return nil, nil, err
		}
		next = fallback
	}

	fwd, err := forward.New(forward.Config{
		Binding:    binding,
		BufferSize: cfg.BufferSize,
		KeepAlive:  cfg.KeepAlive,
		Next:       next,
		Handler:    simple.New(logger),
		Limiter:    limiter,
		Breaker:    cb,
		Metrics:    metrics.New("proxykit"),
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}

	checker := health.NewChecker(0)
	if check := upstreamCheck(cfg.TargetURL); check != nil {
		checker.Register("upstream", check)
	}

	return fwd, checker, nil
}

// upstreamCheck probes TCP reachability of the configured target.
func upstreamCheck(targetURL string) health.CheckFunc {
	u, err := url.Parse(targetURL)
	if err != nil || u.Host == "" {
		return nil
	}

	addr := u.Host
	if !strings.Contains(addr, ":") {
		port := "80"
		if u.Scheme == "wss" || u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(addr, port)
	}

	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// serveOps exposes Prometheus metrics and health probes.
func serveOps(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", health.LivenessHandler())
	router.HandleFunc("/readyz", checker.ReadinessHandler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("ops server started", slog.String("address", server.Addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var h slog.Handler
	if strings.ToLower(format) == "text" {
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-c:
		logger.Info("received shutdown signal")
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
