// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

// Package handler defines authorization and notification hooks for
// proxied WebSocket connections.
//
// The forwarder is transparent: it never inspects relayed payloads, so
// the hook surface is limited to the connection lifecycle. AuthConnect
// runs before any upstream traffic and can reject the upgrade;
// OnConnect and OnDisconnect are notifications for audit logging or
// metrics.
package handler
