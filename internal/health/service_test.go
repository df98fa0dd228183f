package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakePinger struct {
	err   error
	calls int
}

func (f *fakePinger) Ping(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestClassifyLimit(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   LimitClass
	}{
		{"429 status", 429, "", Throttled},
		{"quota body", 200, "Quota exceeded for model", Exhausted},
		{"gemini exhausted", 0, "RESOURCE_EXHAUSTED: try later", Exhausted},
		{"provider error text", 0, "rate_limited: status 429: slow down", Throttled},
		{"billing wins over 429", 429, `{"error":{"code":"insufficient_quota"}}`, BillingBlocked},
		{"daily cap", 0, "Daily limit reached", BillingBlocked},
		{"bad request", 400, "invalid json", NotLimited},
		{"server error", 500, "internal error", NotLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyLimit(tt.status, tt.body); got != tt.want {
				t.Errorf("ClassifyLimit(%d, %q) = %v, want %v", tt.status, tt.body, got, tt.want)
			}
		})
	}
}

func TestLimitClass_Cooldown(t *testing.T) {
	tests := []struct {
		class LimitClass
		base  time.Duration
		want  time.Duration
	}{
		{Throttled, 5 * time.Minute, 5 * time.Minute},
		{NotLimited, 5 * time.Minute, 5 * time.Minute},
		{Exhausted, 5 * time.Minute, time.Hour},
		{Exhausted, 2 * time.Hour, 2 * time.Hour},
		{BillingBlocked, 5 * time.Minute, 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := tt.class.Cooldown(tt.base); got != tt.want {
			t.Errorf("%v.Cooldown(%v) = %v, want %v", tt.class, tt.base, got, tt.want)
		}
	}
}

func TestService_FailureThreshold(t *testing.T) {
	s := NewService(2, time.Minute)
	s.Register("primary", RolePrimary, nil)

	if !s.IsAvailable("primary") {
		t.Fatal("unknown status should be available")
	}

	s.MarkUnhealthy("primary", "boom")
	if !s.IsAvailable("primary") {
		t.Error("one failure should not trip the threshold")
	}

	s.MarkUnhealthy("primary", "boom")
	if s.IsAvailable("primary") {
		t.Error("provider should be unhealthy after reaching the threshold")
	}

	s.MarkHealthy("primary")
	if !s.IsAvailable("primary") {
		t.Error("provider should recover after MarkHealthy")
	}
}

func TestService_Cooldown(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	s := NewService(3, time.Minute)
	s.SetClock(func() time.Time { return now })
	s.Register("primary", RolePrimary, nil)

	s.SetCooldown("primary", 5*time.Minute, "rate limited")
	if !s.IsInCooldown("primary") || s.IsAvailable("primary") {
		t.Fatal("provider should be in cooldown")
	}

	now = now.Add(5 * time.Minute)
	if s.IsInCooldown("primary") || !s.IsAvailable("primary") {
		t.Error("cooldown should expire")
	}
}

func TestService_CheckProvider(t *testing.T) {
	s := NewService(1, time.Minute)
	ok := &fakePinger{}
	quota := &fakePinger{err: errors.New("rate limit exceeded")}
	broken := &fakePinger{err: errors.New("connection refused")}

	s.Register("ok", RolePrimary, ok)
	s.Register("quota", RoleFallback, quota)
	s.Register("broken", RoleFallback, broken)

	ctx := context.Background()
	if err := s.CheckProvider(ctx, "ok"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := s.CheckProvider(ctx, "quota"); err == nil {
		t.Error("expected quota error")
	}
	if err := s.CheckProvider(ctx, "broken"); err == nil {
		t.Error("expected ping error")
	}
	if err := s.CheckProvider(ctx, "missing"); err == nil {
		t.Error("expected error for unregistered provider")
	}

	if !s.IsInCooldown("quota") {
		t.Error("quota failure should trigger cooldown")
	}
	if s.IsAvailable("broken") {
		t.Error("broken provider should be unhealthy with threshold 1")
	}

	names := s.Names()
	if len(names) != 3 || names[0] != "ok" {
		t.Errorf("expected primary first, got %v", names)
	}

	status := s.GetStatus()
	counts := status["providers"].(map[string]int)
	if counts["healthy"] != 1 || counts["cooldown"] != 1 || counts["unhealthy"] != 1 {
		t.Errorf("unexpected status counts: %v", counts)
	}
}
