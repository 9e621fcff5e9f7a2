// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the listener coordinators that serve the
// forwarding core over HTTP(S).
//
// # Architecture
//
//	Application
//	     ↓
//	┌───────────────┐
//	│ WebSocketProxy │  (listener, TLS, graceful shutdown)
//	└───────────────┘
//	     ↓
//	┌───────────────┐
//	│   Forwarder    │  (upgrade detection, dial, frame relay)
//	└───────────────┘
//	     ↓ non-upgrade
//	┌───────────────┐
//	│  HTTPFallback  │  (plain reverse proxy, optional)
//	└───────────────┘
//
// # Graceful Shutdown
//
// Listen blocks until its context is cancelled and then drains the
// server within the configured shutdown timeout:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	go func() { <-sigterm; cancel() }()
//	if err := wsProxy.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package proxy
