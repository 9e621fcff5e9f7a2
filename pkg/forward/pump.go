// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	proxyerr "github.com/bhameyie/ProxyKit/pkg/errors"
)

const (
	// writeWait bounds control-frame writes so a stuck peer cannot
	// block closure.
	writeWait = 10 * time.Second

	// goingAwayReason is sent with the Close frame when the shared
	// cancellation signal interrupts a relay direction.
	goingAwayReason = "endpoint unavailable"
)

const (
	directionUpstream   = "upstream"   // client -> upstream
	directionDownstream = "downstream" // upstream -> client
)

// pump relays frames between the two endpoints until both directions
// terminate. Each direction runs independently with its own buffer; the
// shared context cancels both. The first fatal relay error, if any, is
// returned after both loops have finished.
func (f *Forwarder) pump(ctx context.Context, sessionID string, client, upstream *websocket.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Ping and pong control frames pass through to the opposite peer.
	client.SetPingHandler(forwardControl(websocket.PingMessage, upstream))
	upstream.SetPingHandler(forwardControl(websocket.PingMessage, client))
	client.SetPongHandler(forwardControl(websocket.PongMessage, upstream))
	upstream.SetPongHandler(forwardControl(websocket.PongMessage, client))

	// Unblock pending reads promptly once the shared signal fires.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			now := time.Now()
			_ = client.SetReadDeadline(now)
			_ = upstream.SetReadDeadline(now)
		case <-finished:
		}
	}()

	if f.keepAlive > 0 {
		go pingLoop(ctx, upstream, f.keepAlive)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	run := func(src, dst *websocket.Conn, direction string) {
		defer wg.Done()
		buf := make([]byte, f.bufferSize)
		if err := f.relay(ctx, src, dst, direction, sessionID, buf); err != nil {
			// Fatal transport failure: release the opposite loop too.
			cancel()
			errs <- err
		}
	}

	wg.Add(2)
	go run(client, upstream, directionUpstream)
	go run(upstream, client, directionDownstream)
	wg.Wait()
	close(errs)

	return <-errs
}

// relay forwards messages from src to dst until src closes, the context
// is cancelled, or a transport failure occurs. Message type and
// boundaries are preserved; payloads are copied through buf without
// inspection.
func (f *Forwarder) relay(ctx context.Context, src, dst *websocket.Conn, direction, sessionID string, buf []byte) error {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			return f.closeOut(ctx, dst, direction, sessionID, err)
		}

		w, err := dst.NextWriter(mt)
		if err != nil {
			sendClose(dst, websocket.CloseGoingAway, goingAwayReason)
			return proxyerr.New("relay "+direction, sessionID, src.RemoteAddr().String(), err)
		}

		n, err := io.CopyBuffer(w, r, buf)
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			sendClose(dst, websocket.CloseGoingAway, goingAwayReason)
			return proxyerr.New("relay "+direction, sessionID, src.RemoteAddr().String(), err)
		}

		if f.metrics != nil {
			f.metrics.RelayedMessages.WithLabelValues(direction, messageTypeName(mt)).Inc()
			f.metrics.RelayedBytes.WithLabelValues(direction).Add(float64(n))
		}
	}
}

// closeOut terminates one relay direction after a read error. A Close
// frame from the source propagates with its exact code and reason;
// cancellation sends a going-away close. Anything else is a transport
// failure: close best-effort and surface the error.
func (f *Forwarder) closeOut(ctx context.Context, dst *websocket.Conn, direction, sessionID string, err error) error {
	if ctx.Err() != nil {
		sendClose(dst, websocket.CloseGoingAway, goingAwayReason)
		return nil
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		deadline := time.Now().Add(writeWait)
		_ = dst.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(ce.Code, ce.Text), deadline)
		return nil
	}

	sendClose(dst, websocket.CloseGoingAway, goingAwayReason)
	return proxyerr.New("relay "+direction, sessionID, dst.RemoteAddr().String(), err)
}

func sendClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// forwardControl relays a ping or pong control frame to the opposite peer.
func forwardControl(messageType int, dst *websocket.Conn) func(string) error {
	return func(appData string) error {
		return dst.WriteControl(messageType, []byte(appData), time.Now().Add(writeWait))
	}
}

// pingLoop keeps the upstream connection alive with periodic pings.
func pingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func messageTypeName(mt int) string {
	switch mt {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	default:
		return "other"
	}
}
