package gojob

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobworker "github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-webhook-relay/core"
	relayqueue "github.com/goliatone/go-webhook-relay/queue"
	"github.com/goliatone/go-webhook-relay/worker"
)

const (
	JobIDWebhookDeliver = "relay.webhook.deliver"
	ScriptPathDeliver   = "relay.webhook.deliver"
)

const (
	paramJobID         = "job_id"
	paramEventID       = "event_id"
	paramProvider      = "provider"
	paramCorrelationID = "correlation_id"
	paramPayload       = "payload_b64"
	paramAttempt       = "attempt"
	paramMaxAttempts   = "max_attempts"
	paramEnqueuedAt    = "enqueued_at"
	paramNotBefore     = "not_before"
	paramBackoffMode   = "backoff_mode"
	paramBackoffBase   = "backoff_base_ms"
	paramBackoffMax    = "backoff_max_ms"
	paramBackoffSteps  = "backoff_schedule_ms"
)

// RetryPolicy bounds the delays handed to the go-job backend.
type RetryPolicy struct {
	MaxDelay time.Duration
}

func (p RetryPolicy) Clamp(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// ToExecutionMessage carries a webhook job through a go-job backend. The
// payload travels base64 encoded in the parameters; attempt is the number of
// deliveries already made.
func ToExecutionMessage(webhookJob core.WebhookJob, notBefore time.Time) *job.ExecutionMessage {
	params := map[string]any{
		paramJobID:         webhookJob.ID,
		paramEventID:       webhookJob.EventID,
		paramProvider:      string(webhookJob.Provider),
		paramCorrelationID: webhookJob.CorrelationID,
		paramPayload:       base64.StdEncoding.EncodeToString(webhookJob.Payload),
		paramAttempt:       webhookJob.Attempt,
		paramMaxAttempts:   webhookJob.MaxAttempts,
		paramEnqueuedAt:    webhookJob.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		paramBackoffMode:   webhookJob.Backoff.Mode,
		paramBackoffBase:   webhookJob.Backoff.Base.Milliseconds(),
		paramBackoffMax:    webhookJob.Backoff.Max.Milliseconds(),
	}
	if len(webhookJob.Backoff.Schedule) > 0 {
		steps := make([]any, 0, len(webhookJob.Backoff.Schedule))
		for _, step := range webhookJob.Backoff.Schedule {
			steps = append(steps, step.Milliseconds())
		}
		params[paramBackoffSteps] = steps
	}
	if !notBefore.IsZero() {
		params[paramNotBefore] = notBefore.UTC().Format(time.RFC3339Nano)
	}
	return &job.ExecutionMessage{
		JobID:          JobIDWebhookDeliver,
		ScriptPath:     ScriptPathDeliver,
		Parameters:     params,
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", webhookJob.Provider, webhookJob.EventID, webhookJob.Attempt),
	}
}

// FromExecutionMessage rebuilds the webhook job and the time before which it
// must not run.
func FromExecutionMessage(msg *job.ExecutionMessage) (core.WebhookJob, time.Time, error) {
	if msg == nil {
		return core.WebhookJob{}, time.Time{}, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDWebhookDeliver {
		return core.WebhookJob{}, time.Time{}, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	params := msg.Parameters
	payload, err := base64.StdEncoding.DecodeString(stringParam(params, paramPayload))
	if err != nil {
		return core.WebhookJob{}, time.Time{}, fmt.Errorf("gojob: decode payload: %w", err)
	}
	webhookJob := core.WebhookJob{
		ID:            stringParam(params, paramJobID),
		EventID:       stringParam(params, paramEventID),
		Provider:      core.Provider(stringParam(params, paramProvider)),
		CorrelationID: stringParam(params, paramCorrelationID),
		Payload:       payload,
		EnqueuedAt:    timeParam(params, paramEnqueuedAt),
		Attempt:       intParam(params, paramAttempt),
		MaxAttempts:   intParam(params, paramMaxAttempts),
		Backoff: core.BackoffSpec{
			Mode: stringParam(params, paramBackoffMode),
			Base: time.Duration(intParam(params, paramBackoffBase)) * time.Millisecond,
			Max:  time.Duration(intParam(params, paramBackoffMax)) * time.Millisecond,
		},
	}
	if steps, ok := params[paramBackoffSteps].([]any); ok {
		for _, step := range steps {
			webhookJob.Backoff.Schedule = append(webhookJob.Backoff.Schedule, time.Duration(toInt(step))*time.Millisecond)
		}
	}
	if err := webhookJob.Validate(); err != nil {
		return core.WebhookJob{}, time.Time{}, err
	}
	return webhookJob, timeParam(params, paramNotBefore), nil
}

// EnqueuerAdapter exposes a go-job enqueuer as a core.JobEnqueuer.
type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
	now      func() time.Time
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer, now: time.Now}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, webhookJob core.WebhookJob, opts core.EnqueueOptions) (core.JobHandle, error) {
	if a == nil || a.enqueuer == nil {
		return core.JobHandle{}, fmt.Errorf("gojob: enqueuer is not configured")
	}
	if err := webhookJob.Validate(); err != nil {
		return core.JobHandle{}, err
	}
	now := a.now().UTC()
	prepared := relayqueue.PrepareJob(webhookJob, opts, now)
	var notBefore time.Time
	if opts.Delay > 0 {
		notBefore = now.Add(opts.Delay)
	}
	if err := a.enqueuer.Enqueue(ctx, ToExecutionMessage(prepared, notBefore)); err != nil {
		return core.JobHandle{}, err
	}
	return core.JobHandle{
		ID:            prepared.ID,
		EventID:       prepared.EventID,
		CorrelationID: prepared.CorrelationID,
		EnqueuedAt:    prepared.EnqueuedAt,
	}, nil
}

// DeliveryAdapter settles a go-job delivery. Retry enqueues a successor
// message with the next attempt number and a not_before stamp, then acks the
// original, so attempt counting does not depend on the backend.
type DeliveryAdapter struct {
	delivery queue.Delivery
	enqueuer queue.Enqueuer
	job      core.WebhookJob
	policy   RetryPolicy
	now      func() time.Time
	settled  atomic.Bool
}

func (d *DeliveryAdapter) Job() core.WebhookJob {
	return d.job
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return core.ErrDeliveryAlreadySettled
	}
	return d.delivery.Ack(ctx)
}

func (d *DeliveryAdapter) Retry(ctx context.Context, reason string) (time.Duration, error) {
	if !d.settled.CompareAndSwap(false, true) {
		return 0, core.ErrDeliveryAlreadySettled
	}
	delay := d.policy.Clamp(d.job.Backoff.NextDelay(d.job.Attempt))
	if d.enqueuer == nil {
		return delay, d.delivery.Nack(ctx, queue.NackOptions{
			Delay:   delay,
			Requeue: true,
			Reason:  strings.TrimSpace(reason),
		})
	}
	if err := d.enqueuer.Enqueue(ctx, ToExecutionMessage(d.job, d.now().UTC().Add(delay))); err != nil {
		_ = d.delivery.Nack(ctx, queue.NackOptions{Delay: delay, Requeue: true, Reason: strings.TrimSpace(reason)})
		return delay, err
	}
	return delay, d.delivery.Ack(ctx)
}

// DequeuerAdapter lets a go-job dequeuer feed worker.Pool. Messages whose
// not_before lies in the future are nacked with the remaining delay.
type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	enqueuer queue.Enqueuer
	policy   RetryPolicy
	now      func() time.Time
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, enqueuer queue.Enqueuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, enqueuer: enqueuer, policy: policy, now: time.Now}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	for {
		delivery, err := a.dequeuer.Dequeue(ctx)
		if err != nil {
			return nil, err
		}
		webhookJob, notBefore, err := FromExecutionMessage(delivery.Message())
		if err != nil {
			_ = delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
			continue
		}
		if wait := notBefore.Sub(a.now()); wait > 0 {
			if err := delivery.Nack(ctx, queue.NackOptions{Delay: wait, Requeue: true, Reason: "not due"}); err != nil {
				return nil, err
			}
			continue
		}
		webhookJob.Attempt++
		return &DeliveryAdapter{
			delivery: delivery,
			enqueuer: a.enqueuer,
			job:      webhookJob,
			policy:   a.policy,
			now:      a.now,
		}, nil
	}
}

// WorkerHookAdapter forwards go-job worker events for relay messages to a
// worker.Hook.
type WorkerHookAdapter struct {
	hook worker.Hook
}

func NewWorkerHookAdapter(hook worker.Hook) *WorkerHookAdapter {
	return &WorkerHookAdapter{hook: hook}
}

func (a *WorkerHookAdapter) OnStart(ctx context.Context, event jobworker.Event) {
	if mapped, ok := a.mapEvent(event); ok {
		a.hook.OnStart(ctx, mapped)
	}
}

func (a *WorkerHookAdapter) OnSuccess(ctx context.Context, event jobworker.Event) {
	if mapped, ok := a.mapEvent(event); ok {
		a.hook.OnSuccess(ctx, mapped)
	}
}

func (a *WorkerHookAdapter) OnFailure(ctx context.Context, event jobworker.Event) {
	if mapped, ok := a.mapEvent(event); ok {
		a.hook.OnFailure(ctx, mapped)
	}
}

func (a *WorkerHookAdapter) OnRetry(ctx context.Context, event jobworker.Event) {
	if mapped, ok := a.mapEvent(event); ok {
		a.hook.OnRetry(ctx, mapped)
	}
}

func (a *WorkerHookAdapter) mapEvent(event jobworker.Event) (worker.Event, bool) {
	if a == nil || a.hook == nil {
		return worker.Event{}, false
	}
	message := event.Message
	if message == nil && event.Delivery != nil {
		message = event.Delivery.Message()
	}
	webhookJob, _, err := FromExecutionMessage(message)
	if err != nil {
		return worker.Event{}, false
	}
	return worker.Event{
		Job:       webhookJob,
		Attempt:   event.Attempt,
		Delay:     event.Delay,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}, true
}

func stringParam(params map[string]any, key string) string {
	value, _ := params[key].(string)
	return strings.TrimSpace(value)
}

func intParam(params map[string]any, key string) int {
	return toInt(params[key])
}

func toInt(value any) int {
	switch typed := value.(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case int32:
		return int(typed)
	case float64:
		return int(typed)
	case float32:
		return int(typed)
	default:
		return 0
	}
}

func timeParam(params map[string]any, key string) time.Time {
	raw := stringParam(params, key)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

var (
	_ core.JobEnqueuer = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer = (*DequeuerAdapter)(nil)
	_ jobworker.Hook   = (*WorkerHookAdapter)(nil)
)
