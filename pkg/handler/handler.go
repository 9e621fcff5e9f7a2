// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
)

// Context contains connection metadata for a proxied WebSocket session.
// It is passed to Handler methods to provide auth context.
type Context struct {
	// SessionID is a unique identifier for this proxied connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Path is the request path of the inbound upgrade request
	Path string

	// Subprotocols are the subprotocols requested by the client,
	// in preference order
	Subprotocols []string

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate
}

// Handler defines authorization and notification callbacks for proxied
// connections. The forwarder calls these at fixed points in the
// connection lifecycle.
//
// AuthConnect is called BEFORE the upstream dial; returning an error
// rejects the upgrade without contacting the upstream. Notification
// methods (OnConnect, OnDisconnect) are called after the fact; errors
// from them are logged but do not affect the connection.
type Handler interface {
	// AuthConnect authorizes an inbound upgrade request.
	// Return an error to reject the connection.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called once both legs of the proxied connection
	// are established.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called when the proxied connection ends
	// (gracefully or due to error).
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all connections.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
