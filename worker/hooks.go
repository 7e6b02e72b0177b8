package worker

import (
	"context"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
)

// Event describes one delivery as seen by hooks.
type Event struct {
	Job          core.WebhookJob
	Attempt      int
	Delay        time.Duration
	Err          error
	StartedAt    time.Time
	Duration     time.Duration
	DeadLetterID string
}

// Hook observes the lifecycle of deliveries. OnFailure fires once a job has
// been dead lettered.
type Hook interface {
	OnStart(ctx context.Context, event Event)
	OnSuccess(ctx context.Context, event Event)
	OnFailure(ctx context.Context, event Event)
	OnRetry(ctx context.Context, event Event)
}

// HookFuncs adapts plain functions to Hook. Nil fields are skipped.
type HookFuncs struct {
	Start   func(ctx context.Context, event Event)
	Success func(ctx context.Context, event Event)
	Failure func(ctx context.Context, event Event)
	Retry   func(ctx context.Context, event Event)
}

func (h HookFuncs) OnStart(ctx context.Context, event Event) {
	if h.Start != nil {
		h.Start(ctx, event)
	}
}

func (h HookFuncs) OnSuccess(ctx context.Context, event Event) {
	if h.Success != nil {
		h.Success(ctx, event)
	}
}

func (h HookFuncs) OnFailure(ctx context.Context, event Event) {
	if h.Failure != nil {
		h.Failure(ctx, event)
	}
}

func (h HookFuncs) OnRetry(ctx context.Context, event Event) {
	if h.Retry != nil {
		h.Retry(ctx, event)
	}
}

type hookChain []Hook

func (c hookChain) start(ctx context.Context, event Event) {
	for _, hook := range c {
		hook.OnStart(ctx, event)
	}
}

func (c hookChain) success(ctx context.Context, event Event) {
	for _, hook := range c {
		hook.OnSuccess(ctx, event)
	}
}

func (c hookChain) failure(ctx context.Context, event Event) {
	for _, hook := range c {
		hook.OnFailure(ctx, event)
	}
}

func (c hookChain) retry(ctx context.Context, event Event) {
	for _, hook := range c {
		hook.OnRetry(ctx, event)
	}
}

var _ Hook = HookFuncs{}
