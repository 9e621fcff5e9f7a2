// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/bhameyie/ProxyKit/pkg/breaker"
	proxyerr "github.com/bhameyie/ProxyKit/pkg/errors"
	"github.com/bhameyie/ProxyKit/pkg/handler"
	"github.com/bhameyie/ProxyKit/pkg/metrics"
	"github.com/bhameyie/ProxyKit/pkg/ratelimit"
)

// DefaultBufferSize is the per-direction relay buffer used when none is
// configured.
const DefaultBufferSize = 4096

// Config holds configuration for a WebSocket forwarder.
type Config struct {
	// Binding selects the destination: static target or path-based.
	Binding Binding

	// BufferSize is the per-direction relay buffer in bytes.
	// Zero selects DefaultBufferSize; negative values are rejected.
	BufferSize int

	// KeepAlive, when positive, pings the upstream connection at this
	// interval.
	KeepAlive time.Duration

	// Next receives requests that are not WebSocket upgrades or do not
	// match the configured path prefix. Defaults to http.NotFoundHandler.
	Next http.Handler

	// Handler receives lifecycle callbacks. Defaults to a NoopHandler.
	Handler handler.Handler

	// Limiter, when set, rate limits upgrade attempts per client host.
	Limiter *ratelimit.Limiter

	// Breaker, when set, guards the upstream dial.
	Breaker *breaker.CircuitBreaker

	// Metrics, when set, records connection and relay metrics.
	Metrics *metrics.Metrics

	// Logger for forwarder events.
	Logger *slog.Logger
}

// Forwarder proxies WebSocket connections to an upstream destination.
// Non-upgrade requests pass through to the next handler untouched.
type Forwarder struct {
	binding    Binding
	bufferSize int
	keepAlive  time.Duration
	next       http.Handler
	handler    handler.Handler
	limiter    *ratelimit.Limiter
	breaker    *breaker.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

var _ http.Handler = (*Forwarder)(nil)

// New creates a new WebSocket forwarder. It fails fast on an invalid
// binding or a negative buffer size, before any connection is attempted.
func New(cfg Config) (*Forwarder, error) {
	if !cfg.Binding.valid() {
		return nil, proxyerr.ErrInvalidTarget
	}
	if cfg.BufferSize < 0 {
		return nil, proxyerr.ErrInvalidBufferSize
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Next == nil {
		cfg.Next = http.NotFoundHandler()
	}
	if cfg.Handler == nil {
		cfg.Handler = &handler.NoopHandler{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Forwarder{
		binding:    cfg.Binding,
		bufferSize: cfg.BufferSize,
		keepAlive:  cfg.KeepAlive,
		next:       cfg.Next,
		handler:    cfg.Handler,
		limiter:    cfg.Limiter,
		breaker:    cfg.Breaker,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.BufferSize,
			WriteBufferSize: cfg.BufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy belongs to the hosting layer.
				return true
			},
		},
	}, nil
}

// ServeHTTP implements http.Handler. WebSocket upgrade requests for a
// matching destination are proxied; everything else is delegated to the
// next handler.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		f.next.ServeHTTP(w, r)
		return
	}

	dest, ok, err := f.binding.Resolve(r)
	if !ok {
		f.next.ServeHTTP(w, r)
		return
	}
	if err != nil {
		f.logger.Error("failed to resolve destination",
			slog.String("remote", r.RemoteAddr),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	if f.limiter != nil && !f.limiter.Allow(clientHost(r.RemoteAddr)) {
		if f.metrics != nil {
			f.metrics.RateLimitedUpgrades.Inc()
		}
		f.logger.Warn("upgrade rate limit exceeded",
			slog.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	hctx := &handler.Context{
		SessionID:    uuid.New().String(),
		RemoteAddr:   r.RemoteAddr,
		Path:         r.URL.Path,
		Subprotocols: websocket.Subprotocols(r),
	}
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		hctx.Cert = r.TLS.PeerCertificates[0]
	}

	if err := f.handler.AuthConnect(r.Context(), hctx); err != nil {
		f.logger.Debug("connection authorization failed",
			slog.String("session", hctx.SessionID),
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	// The upstream leg is established first so that the inbound upgrade
	// is never accepted when the destination is unreachable.
	upstream, resp, err := f.dial(r, dest)
	if err != nil {
		reason := "handshake"
		if errors.Is(err, breaker.ErrCircuitOpen) {
			reason = "circuit_open"
		}
		if f.metrics != nil {
			f.metrics.ConnectErrors.WithLabelValues(reason).Inc()
		}
		f.logger.Error("failed to dial upstream",
			slog.String("session", hctx.SessionID),
			slog.String("target", dest),
			slog.String("error", err.Error()))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	// Pin the subprotocol the upstream actually negotiated so both legs
	// agree. It is not necessarily the client's first preference.
	var respHeader http.Header
	if proto := resp.Header.Get("Sec-Websocket-Protocol"); proto != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}

	client, err := f.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		f.logger.Error("failed to upgrade client connection",
			slog.String("session", hctx.SessionID),
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}
	defer client.Close()

	f.logger.Debug("websocket bridge established",
		slog.String("session", hctx.SessionID),
		slog.String("remote", r.RemoteAddr),
		slog.String("target", dest))

	if err := f.handler.OnConnect(r.Context(), hctx); err != nil {
		f.logger.Error("connect notification error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	run := func() error {
		return f.pump(r.Context(), hctx.SessionID, client, upstream)
	}
	if f.metrics != nil {
		err = f.metrics.ObserveConnection(run)
	} else {
		err = run()
	}
	if err != nil {
		f.logger.Debug("relay terminated with error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	// The request context may already be done; notify with a fresh one.
	if err := f.handler.OnDisconnect(context.Background(), hctx); err != nil {
		f.logger.Error("disconnect notification error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	f.logger.Debug("websocket bridge closed",
		slog.String("session", hctx.SessionID))
}

// dial opens the upstream leg, carrying the client's subprotocol
// preferences in order and every header the handshake does not own.
// The dial is bounded by the inbound request's cancellation signal.
func (f *Forwarder) dial(r *http.Request, dest string) (*websocket.Conn, *http.Response, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 45 * time.Second,
		ReadBufferSize:   f.bufferSize,
		WriteBufferSize:  f.bufferSize,
		Subprotocols:     websocket.Subprotocols(r),
	}
	header := forwardHeaders(r.Header)

	var conn *websocket.Conn
	var resp *http.Response
	dialFn := func() error {
		var err error
		conn, resp, err = dialer.DialContext(r.Context(), dest, header)
		return err
	}

	var err error
	if f.breaker != nil {
		err = f.breaker.Call(dialFn)
	} else {
		err = dialFn()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", proxyerr.ErrUpstreamUnreachable, err)
	}
	return conn, resp, nil
}

func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
