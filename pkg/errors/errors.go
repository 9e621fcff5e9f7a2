// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for ProxyKit.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrUnauthorized indicates the connection was rejected by a handler.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUpstreamUnreachable indicates the upstream WebSocket handshake failed.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrInvalidBufferSize indicates a non-positive relay buffer size.
	ErrInvalidBufferSize = errors.New("buffer size must be positive")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidTarget indicates the destination URI could not be resolved.
	ErrInvalidTarget = errors.New("invalid target URI")
)

// ProxyError wraps an error with additional context.
type ProxyError struct {
	Op         string // Operation that failed (dial, upgrade, relay)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// New creates a new ProxyError.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
