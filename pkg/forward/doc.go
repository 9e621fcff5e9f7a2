// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

// Package forward implements the WebSocket forwarding core of ProxyKit.
//
// # Overview
//
// The forwarder sits in an HTTP handler chain. It classifies each
// inbound request: non-upgrade requests (and, in path-based mode,
// requests outside the configured prefix) pass through untouched to the
// next handler. Upgrade requests are bridged: the forwarder dials the
// resolved upstream destination first, accepts the inbound upgrade only
// once the upstream leg exists, and then relays frames in both
// directions until either side closes.
//
// # Connection Flow
//
//	1. Client sends HTTP upgrade request
//	2. Binding resolves the upstream destination (static or path-based)
//	3. Forwarder dials upstream, carrying subprotocols and safe headers
//	4. On dial failure: 502, inbound upgrade never accepted
//	5. On success: inbound upgrade accepted with the negotiated subprotocol
//	6. Two relay loops pump frames until closure, error or cancellation
//
// # Header Policy
//
// Handshake-management headers (Connection, Host, Upgrade and the
// Sec-WebSocket-* family) are never copied onto the outbound connect
// request; gorilla/websocket generates its own. Every other inbound
// header is forwarded verbatim.
//
// # Relay Semantics
//
// Each direction owns a dedicated buffer and terminates independently:
// a Close frame propagates with its exact status code and reason;
// cancellation of the shared context sends a going-away close; any
// other transport failure closes best-effort and surfaces as an error.
// The proxied connection is finished only when both directions have
// terminated.
package forward
