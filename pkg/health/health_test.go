// Copyright (c) ProxyKit Contributors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChecker_Healthy(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("upstream", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Errorf("expected %s, got %s", StatusHealthy, status)
	}
	if len(checks) != 1 {
		t.Fatalf("expected 1 check, got %d", len(checks))
	}
	if checks[0].Name != "upstream" || checks[0].Status != StatusHealthy {
		t.Errorf("unexpected check result: %+v", checks[0])
	}
}

func TestChecker_DegradedOnFailure(t *testing.T) {
	c := NewChecker(time.Minute)
	c.Register("upstream", func(ctx context.Context) error { return nil })
	c.Register("broken", func(ctx context.Context) error { return errors.New("connection refused") })

	status, checks := c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("expected %s, got %s", StatusDegraded, status)
	}

	var broken *Check
	for i := range checks {
		if checks[i].Name == "broken" {
			broken = &checks[i]
		}
	}
	if broken == nil {
		t.Fatal("missing result for broken check")
	}
	if broken.Status != StatusUnhealthy {
		t.Errorf("expected %s, got %s", StatusUnhealthy, broken.Status)
	}
	if broken.Message != "connection refused" {
		t.Errorf("unexpected message: %q", broken.Message)
	}
}

func TestChecker_CachesResults(t *testing.T) {
	calls := 0
	c := NewChecker(time.Minute)
	c.Register("upstream", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())

	if calls != 1 {
		t.Errorf("expected 1 upstream probe, got %d", calls)
	}
}

func TestChecker_CacheExpiry(t *testing.T) {
	calls := 0
	c := NewChecker(10 * time.Millisecond)
	c.Register("upstream", func(ctx context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	time.Sleep(20 * time.Millisecond)
	c.Health(context.Background())

	if calls != 2 {
		t.Errorf("expected 2 upstream probes, got %d", calls)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("unexpected status: %q", body["status"])
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		checkErr error
		wantCode int
	}{
		{
			name:     "ready",
			checkErr: nil,
			wantCode: http.StatusOK,
		},
		{
			name:     "not ready",
			checkErr: errors.New("upstream down"),
			wantCode: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			c.Register("upstream", func(ctx context.Context) error { return tt.checkErr })

			rec := httptest.NewRecorder()
			c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rec.Code)
			}
		})
	}
}
