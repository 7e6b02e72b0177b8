// Package ratelimit tracks downstream backpressure per provider. A forwarder
// consults the policy before each call and reports every answer after it, so
// a 429 or an exhausted quota pauses further deliveries until the window
// the downstream asked for has passed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-webhook-relay/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// State is the last observed quota for one provider's downstream.
type State struct {
	Provider       core.Provider
	Limit          int
	Remaining      int
	ResetAt        *time.Time
	ThrottledUntil *time.Time
	LastStatus     int
	Attempts       int
	UpdatedAt      time.Time
}

type StateStore interface {
	Get(ctx context.Context, provider core.Provider) (State, error)
	Upsert(ctx context.Context, state State) error
}

// ThrottledError is returned by BeforeCall while a provider is paused.
type ThrottledError struct {
	Provider   core.Provider
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: downstream for %q throttled for %s", e.Provider, e.RetryAfter)
}

// ToRelayError maps the throttle onto the transient 429 envelope. The text
// code is not fatal, so the worker reschedules the job.
func (e ThrottledError) ToRelayError() *goerrors.Error {
	metadata := map[string]any{"provider": string(e.Provider)}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.Wrap(e, goerrors.CategoryRateLimit, e.Error()).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.RelayErrorRateLimited).
		WithMetadata(metadata)
}

type AdaptivePolicy struct {
	Store          StateStore
	Now            func() time.Time
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func NewAdaptivePolicy(store StateStore) *AdaptivePolicy {
	return &AdaptivePolicy{
		Store:          store,
		Now:            func() time.Time { return time.Now().UTC() },
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
	}
}

func (p *AdaptivePolicy) BeforeCall(ctx context.Context, provider core.Provider) error {
	if p == nil || p.Store == nil {
		return nil
	}
	state, err := p.Store.Get(ctx, provider)
	if err != nil {
		if errors.Is(err, ErrStateNotFound) {
			return nil
		}
		return err
	}

	now := p.now()
	if until := state.ThrottledUntil; until != nil && now.Before(*until) {
		return ThrottledError{Provider: provider, RetryAfter: until.Sub(now)}.ToRelayError()
	}
	if state.Remaining == 0 && state.ResetAt != nil && now.Before(*state.ResetAt) {
		return ThrottledError{Provider: provider, RetryAfter: state.ResetAt.Sub(now)}.ToRelayError()
	}
	return nil
}

// AfterCall records the quota headers of a downstream answer. A 429, or a
// zero remaining count with quota headers present, opens a throttle window
// sized by Retry-After when given and by exponential backoff otherwise.
func (p *AdaptivePolicy) AfterCall(ctx context.Context, provider core.Provider, status int, header http.Header) error {
	if p == nil || p.Store == nil {
		return nil
	}
	now := p.now()
	state, err := p.Store.Get(ctx, provider)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}
	if errors.Is(err, ErrStateNotFound) {
		state = State{Provider: provider, Remaining: -1}
	}
	state.LastStatus = status
	state.UpdatedAt = now

	limit, hasLimit := headerInt(header, HeaderLimit)
	if hasLimit {
		state.Limit = limit
	}
	remaining, hasRemaining := headerInt(header, HeaderRemaining)
	if hasRemaining {
		state.Remaining = remaining
	}
	resetAt, hasReset := headerResetAt(header)
	if hasReset {
		state.ResetAt = &resetAt
	}
	retryAfter, hasRetryAfter := parseRetryAfter(header, now)

	quotaExhausted := state.Remaining == 0 && (hasRemaining || hasReset || hasLimit)
	if status == http.StatusTooManyRequests || (status < 500 && quotaExhausted) {
		state.Attempts++
		delay := retryAfter
		if !hasRetryAfter {
			delay = p.nextBackoff(state.Attempts)
		}
		until := now.Add(delay)
		state.ThrottledUntil = &until
		return p.Store.Upsert(ctx, state)
	}

	state.Attempts = 0
	state.ThrottledUntil = nil
	return p.Store.Upsert(ctx, state)
}

func (p *AdaptivePolicy) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *AdaptivePolicy) nextBackoff(attempt int) time.Duration {
	return core.BackoffSpec{
		Mode: core.BackoffExponential,
		Base: positiveOr(p.InitialBackoff, time.Second),
		Max:  positiveOr(p.MaxBackoff, time.Minute),
	}.NextDelay(attempt)
}

func positiveOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}

func parseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	raw := strings.TrimSpace(header.Get(HeaderRetryAfter))
	if raw == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if retryAt, err := http.ParseTime(raw); err == nil && retryAt.After(now) {
		return retryAt.Sub(now), true
	}
	return 0, false
}

func headerInt(header http.Header, key string) (int, bool) {
	value := strings.TrimSpace(header.Get(key))
	if value == "" {
		return 0, false
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

func headerResetAt(header http.Header) (time.Time, bool) {
	unix, ok := headerInt(header, HeaderReset)
	if !ok || unix <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(unix), 0).UTC(), true
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[core.Provider]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[core.Provider]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, provider core.Provider) (State, error) {
	if s == nil {
		return State{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.items[provider]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state, nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[state.Provider] = state
	return nil
}
