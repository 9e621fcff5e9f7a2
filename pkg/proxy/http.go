// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/bhameyie/ProxyKit/pkg/handler"
)

// HTTPFallback is a plain HTTP reverse proxy used as the next stage for
// requests the WebSocket forwarder does not handle.
type HTTPFallback struct {
	target  *httputil.ReverseProxy
	handler handler.Handler
	logger  *slog.Logger
}

var _ http.Handler = (*HTTPFallback)(nil)

// NewHTTPFallback creates a reverse proxy to the given target URL.
func NewHTTPFallback(targetURL string, h handler.Handler, logger *slog.Logger) (*HTTPFallback, error) {
	target, err := url.Parse(targetURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target URL: %w", err)
	}

	if h == nil {
		h = &handler.NoopHandler{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	proxy := httputil.NewSingleHostReverseProxy(target)

	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = target.Host
	}

	return &HTTPFallback{
		target:  proxy,
		handler: h,
		logger:  logger,
	}, nil
}

// ServeHTTP implements http.Handler. The request is authorized through
// the handler and then reverse-proxied to the target.
func (p *HTTPFallback) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hctx := &handler.Context{
		SessionID:  r.Header.Get("X-Request-ID"),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	}

	if err := p.handler.AuthConnect(r.Context(), hctx); err != nil {
		p.logger.Debug("request authorization failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	p.target.ServeHTTP(w, r)
}
