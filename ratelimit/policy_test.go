package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
)

func TestAdaptivePolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	if err := policy.BeforeCall(context.Background(), core.ProviderWhatsApp); err != nil {
		t.Fatalf("expected no error when no state exists, got %v", err)
	}
}

func TestAdaptivePolicy_AfterCallParsesQuotaHeaders(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	header := http.Header{}
	header.Set(HeaderLimit, "5000")
	header.Set(HeaderRemaining, "4999")
	header.Set(HeaderReset, "1700000045")
	if err := policy.AfterCall(context.Background(), core.ProviderWhatsApp, http.StatusOK, header); err != nil {
		t.Fatalf("after call: %v", err)
	}

	state, err := store.Get(context.Background(), core.ProviderWhatsApp)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 5000 || state.Remaining != 4999 {
		t.Fatalf("unexpected quota %#v", state)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(now.Add(45*time.Second)) {
		t.Fatalf("expected reset in 45s, got %+v", state.ResetAt)
	}
	if state.ThrottledUntil != nil {
		t.Fatalf("expected no throttle window")
	}
	if err := policy.BeforeCall(context.Background(), core.ProviderWhatsApp); err != nil {
		t.Fatalf("expected call to be allowed, got %v", err)
	}
}

func TestAdaptivePolicy_TooManyRequestsHonorsRetryAfter(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	header := http.Header{}
	header.Set(HeaderRetryAfter, "20")
	if err := policy.AfterCall(context.Background(), core.ProviderMessenger, http.StatusTooManyRequests, header); err != nil {
		t.Fatalf("after call: %v", err)
	}

	err := policy.BeforeCall(context.Background(), core.ProviderMessenger)
	if err == nil {
		t.Fatalf("expected throttle error")
	}
	if !core.IsRetryable(err) || core.TextCode(err) != core.RelayErrorRateLimited {
		t.Fatalf("expected retryable rate limited error, got %v", err)
	}
	mapped := core.ToRelayError(err)
	if mapped.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", mapped.Code)
	}

	// other providers keep flowing
	if err := policy.BeforeCall(context.Background(), core.ProviderWhatsApp); err != nil {
		t.Fatalf("expected unrelated provider to pass, got %v", err)
	}

	now = now.Add(21 * time.Second)
	if err := policy.BeforeCall(context.Background(), core.ProviderMessenger); err != nil {
		t.Fatalf("expected window to have expired, got %v", err)
	}
}

func TestAdaptivePolicy_BackoffGrowsWithoutRetryAfter(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := policy.AfterCall(context.Background(), core.ProviderGeneric, http.StatusTooManyRequests, http.Header{}); err != nil {
			t.Fatalf("after call: %v", err)
		}
	}
	state, _ := store.Get(context.Background(), core.ProviderGeneric)
	if state.Attempts != 3 {
		t.Fatalf("expected 3 throttled attempts, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil || !state.ThrottledUntil.After(now.Add(time.Second)) {
		t.Fatalf("expected growing window, got %+v", state.ThrottledUntil)
	}

	if err := policy.AfterCall(context.Background(), core.ProviderGeneric, http.StatusOK, http.Header{}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	state, _ = store.Get(context.Background(), core.ProviderGeneric)
	if state.Attempts != 0 || state.ThrottledUntil != nil {
		t.Fatalf("expected success to clear the window, got %#v", state)
	}
}

func TestAdaptivePolicy_ExhaustedQuotaBlocksUntilReset(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	header := http.Header{}
	header.Set(HeaderRemaining, "0")
	header.Set(HeaderRetryAfter, "5")
	if err := policy.AfterCall(context.Background(), core.ProviderWhatsApp, http.StatusOK, header); err != nil {
		t.Fatalf("after call: %v", err)
	}
	if err := policy.BeforeCall(context.Background(), core.ProviderWhatsApp); err == nil {
		t.Fatalf("expected exhausted quota to throttle")
	}
}

func TestAdaptivePolicy_ServerErrorsDoNotThrottle(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())
	if err := policy.AfterCall(context.Background(), core.ProviderWhatsApp, http.StatusBadGateway, http.Header{}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	if err := policy.BeforeCall(context.Background(), core.ProviderWhatsApp); err != nil {
		t.Fatalf("expected 5xx not to open a window, got %v", err)
	}
}
