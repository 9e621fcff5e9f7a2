// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bhameyie/ProxyKit/pkg/forward"
)

// WebSocketConfig holds configuration for the WebSocket proxy listener.
type WebSocketConfig struct {
	Host            string
	Port            string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// WebSocketProxy serves a forwarder over HTTP(S) with graceful shutdown.
type WebSocketProxy struct {
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// NewWebSocket creates a new WebSocket proxy listener around the given
// forwarder.
func NewWebSocket(cfg WebSocketConfig, fwd *forward.Forwarder) (*WebSocketProxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	address := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:      address,
		Handler:   fwd,
		TLSConfig: cfg.TLSConfig,
	}

	return &WebSocketProxy{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
	}, nil
}

// Listen starts the proxy listener and blocks until the context is
// cancelled or the server fails.
func (p *WebSocketProxy) Listen(ctx context.Context) error {
	p.logger.Info("WebSocket proxy started", slog.String("address", p.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if p.server.TLSConfig != nil {
			// WSS
			errCh <- p.server.ListenAndServeTLS("", "")
		} else {
			// WS
			errCh <- p.server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		p.logger.Info("shutdown signal received, closing WebSocket proxy")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
		defer cancel()

		if err := p.server.Shutdown(shutdownCtx); err != nil {
			p.logger.Error("error during shutdown", slog.String("error", err.Error()))
			return err
		}

		p.logger.Info("WebSocket proxy shutdown complete")
		return nil

	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
