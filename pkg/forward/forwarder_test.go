// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package forward

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bhameyie/ProxyKit/pkg/breaker"
	proxyerr "github.com/bhameyie/ProxyKit/pkg/errors"
	"github.com/bhameyie/ProxyKit/pkg/handler"
	"github.com/bhameyie/ProxyKit/pkg/ratelimit"
)

type mockHandler struct {
	mu             sync.Mutex
	connectErr     error
	authCalled     bool
	connectCalled  bool
	lastHctx       *handler.Context
	disconnected   chan struct{}
	disconnectOnce sync.Once
}

func newMockHandler() *mockHandler {
	return &mockHandler{disconnected: make(chan struct{})}
}

func (m *mockHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCalled = true
	m.lastHctx = hctx
	return m.connectErr
}

func (m *mockHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalled = true
	return nil
}

func (m *mockHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	m.disconnectOnce.Do(func() { close(m.disconnected) })
	return nil
}

// echoUpstream is a WebSocket echo server that records handshake
// requests.
type echoUpstream struct {
	*httptest.Server
	mu      sync.Mutex
	dials   int
	headers http.Header
}

func newEchoUpstream(t *testing.T, subprotocols ...string) *echoUpstream {
	t.Helper()

	u := &echoUpstream{}
	upgrader := websocket.Upgrader{
		Subprotocols: subprotocols,
		CheckOrigin:  func(r *http.Request) bool { return true },
	}

	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.dials++
		u.headers = r.Header.Clone()
		u.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(u.Server.Close)
	return u
}

func (u *echoUpstream) wsURL() string {
	return "ws" + strings.TrimPrefix(u.URL, "http")
}

func (u *echoUpstream) dialCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.dials
}

func (u *echoUpstream) header(name string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.headers == nil {
		return ""
	}
	return u.headers.Get(name)
}

func newProxyServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	f, err := New(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return srv
}

func staticConfig(t *testing.T, target string) Config {
	t.Helper()
	binding, err := StaticBinding(target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return Config{Binding: binding}
}

func proxyWsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestNew_Validation(t *testing.T) {
	binding, err := StaticBinding("ws://upstream:80")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{
			name:    "zero binding",
			cfg:     Config{},
			wantErr: proxyerr.ErrInvalidTarget,
		},
		{
			name:    "negative buffer size",
			cfg:     Config{Binding: binding, BufferSize: -1},
			wantErr: proxyerr.ErrInvalidBufferSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNew_DefaultBufferSize(t *testing.T) {
	binding, err := StaticBinding("ws://upstream:80")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := New(Config{Binding: binding})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.bufferSize != DefaultBufferSize {
		t.Errorf("expected default buffer size %d, got %d", DefaultBufferSize, f.bufferSize)
	}
}

func TestForwarder_NonUpgradeDelegated(t *testing.T) {
	upstream := newEchoUpstream(t)

	cfg := staticConfig(t, upstream.wsURL())
	cfg.Next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := newProxyServer(t, cfg)

	resp, err := http.Get(srv.URL + "/anything")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected delegation to next handler, got status %d", resp.StatusCode)
	}
	if upstream.dialCount() != 0 {
		t.Errorf("expected no upstream dial, got %d", upstream.dialCount())
	}
}

func TestForwarder_PrefixMismatchDelegated(t *testing.T) {
	upstream := newEchoUpstream(t)

	binding, err := PathBinding("/app", func(r *http.Request) (string, error) {
		return upstream.wsURL(), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv := newProxyServer(t, Config{
		Binding: binding,
		Next: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	})

	// An upgrade request outside the prefix is delegated, not proxied.
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/other", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected delegation to next handler, got status %d", resp.StatusCode)
	}
	if upstream.dialCount() != 0 {
		t.Errorf("expected no upstream dial, got %d", upstream.dialCount())
	}
}

func TestForwarder_PathRewriteProxied(t *testing.T) {
	var gotPath string
	var mu sync.Mutex
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(upstream.Close)

	binding, err := PathBinding("/app", func(r *http.Request) (string, error) {
		return "ws" + strings.TrimPrefix(upstream.URL, "http"), nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	srv := newProxyServer(t, Config{Binding: binding})

	conn, _, err := websocket.DefaultDialer.Dial(proxyWsURL(srv)+"/app/socket", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/socket" {
		t.Errorf("expected upstream path /socket, got %s", gotPath)
	}
}

func TestForwarder_EchoRelay(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newProxyServer(t, staticConfig(t, upstream.wsURL()))

	conn, _, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	tests := []struct {
		mtype   int
		payload []byte
	}{
		{websocket.TextMessage, []byte("hello")},
		{websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}},
	}

	for _, tt := range tests {
		if err := conn.WriteMessage(tt.mtype, tt.payload); err != nil {
			t.Fatalf("write failed: %v", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, got, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if mt != tt.mtype {
			t.Errorf("expected message type %d, got %d", tt.mtype, mt)
		}
		if !bytes.Equal(got, tt.payload) {
			t.Errorf("expected %q, got %q", tt.payload, got)
		}
	}
}

func TestForwarder_SubprotocolNegotiation(t *testing.T) {
	// The upstream only speaks p2; the client prefers p1. Both legs
	// must agree on p2.
	upstream := newEchoUpstream(t, "p2")
	srv := newProxyServer(t, staticConfig(t, upstream.wsURL()))

	dialer := websocket.Dialer{Subprotocols: []string{"p1", "p2"}}
	conn, _, err := dialer.Dial(proxyWsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if got := conn.Subprotocol(); got != "p2" {
		t.Errorf("expected negotiated subprotocol p2, got %q", got)
	}
}

func TestForwarder_HeadersForwarded(t *testing.T) {
	upstream := newEchoUpstream(t)
	srv := newProxyServer(t, staticConfig(t, upstream.wsURL()))

	header := http.Header{}
	header.Set("Authorization", "Bearer token123")
	header.Set("X-Trace-Id", "abc-123")

	conn, _, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	conn.Close()

	if got := upstream.header("Authorization"); got != "Bearer token123" {
		t.Errorf("Authorization: expected Bearer token123, got %q", got)
	}
	if got := upstream.header("X-Trace-Id"); got != "abc-123" {
		t.Errorf("X-Trace-Id: expected abc-123, got %q", got)
	}
}

func TestForwarder_ConnectFailure_BadGateway(t *testing.T) {
	// Point the proxy at a dead upstream.
	dead := httptest.NewServer(http.NotFoundHandler())
	target := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	srv := newProxyServer(t, staticConfig(t, target))

	_, resp, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil {
		t.Fatal("expected an HTTP response, got none")
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", resp.StatusCode)
	}
}

func TestForwarder_AuthRejected(t *testing.T) {
	upstream := newEchoUpstream(t)

	h := newMockHandler()
	h.connectErr = proxyerr.ErrUnauthorized

	cfg := staticConfig(t, upstream.wsURL())
	cfg.Handler = h
	srv := newProxyServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %v", resp)
	}
	if upstream.dialCount() != 0 {
		t.Errorf("rejected connection must not dial upstream, got %d dials", upstream.dialCount())
	}
}

func TestForwarder_LifecycleNotifications(t *testing.T) {
	upstream := newEchoUpstream(t)

	h := newMockHandler()
	cfg := staticConfig(t, upstream.wsURL())
	cfg.Handler = h
	srv := newProxyServer(t, cfg)

	conn, _, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
	conn.Close()

	select {
	case <-h.disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("OnDisconnect was not called")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.authCalled {
		t.Error("AuthConnect was not called")
	}
	if !h.connectCalled {
		t.Error("OnConnect was not called")
	}
	if h.lastHctx == nil || h.lastHctx.SessionID == "" {
		t.Error("handler context missing session ID")
	}
}

func TestForwarder_RateLimited(t *testing.T) {
	upstream := newEchoUpstream(t)

	cfg := staticConfig(t, upstream.wsURL())
	cfg.Limiter = ratelimit.NewLimiter(1, 1, 0)
	srv := newProxyServer(t, cfg)

	first, _, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err != nil {
		t.Fatalf("first dial should pass: %v", err)
	}
	defer first.Close()

	_, resp, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err == nil {
		t.Fatal("expected second dial to be rate limited")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %v", resp)
	}
}

func TestForwarder_BreakerOpensAfterFailures(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	target := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	cb := breaker.New(breaker.Config{MaxFailures: 1})
	cfg := staticConfig(t, target)
	cfg.Breaker = cb
	srv := newProxyServer(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %v", resp)
	}

	if cb.State() != breaker.StateOpen {
		t.Errorf("expected breaker open after failure, got %s", cb.State())
	}

	// Short-circuited dials still present as bad gateway.
	_, resp, err = websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %v", resp)
	}
}

func TestForwarder_ClosePropagation_FromUpstream(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(4000, "done")
		_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		// Wait for the close response before tearing down.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(upstream.Close)

	srv := newProxyServer(t, staticConfig(t, "ws"+strings.TrimPrefix(upstream.URL, "http")))

	conn, _, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != 4000 || ce.Text != "done" {
		t.Errorf("expected close (4000, done), got (%d, %s)", ce.Code, ce.Text)
	}
}

func TestForwarder_ClosePropagation_FromClient(t *testing.T) {
	closeCh := make(chan *websocket.CloseError, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, _, err = conn.ReadMessage()
		if ce, ok := err.(*websocket.CloseError); ok {
			closeCh <- ce
		}
	}))
	t.Cleanup(upstream.Close)

	srv := newProxyServer(t, staticConfig(t, "ws"+strings.TrimPrefix(upstream.URL, "http")))

	conn, _, err := websocket.DefaultDialer.Dial(proxyWsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(4001, "bye")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	select {
	case ce := <-closeCh:
		if ce.Code != 4001 || ce.Text != "bye" {
			t.Errorf("expected close (4001, bye), got (%d, %s)", ce.Code, ce.Text)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never received the close frame")
	}
}
