package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
)

func testJob(eventID string) core.WebhookJob {
	return core.WebhookJob{
		EventID:       eventID,
		Provider:      core.ProviderWhatsApp,
		CorrelationID: "corr-" + eventID,
		Payload:       []byte(`{"id":"` + eventID + `"}`),
	}
}

func fixedBackoff(delay time.Duration) core.BackoffSpec {
	return core.BackoffSpec{Mode: core.BackoffFixed, Base: delay}
}

func TestMemoryQueue_EnqueueDequeueAck(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	handle, err := q.Enqueue(ctx, testJob("evt-1"), core.EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if handle.ID == "" || handle.EventID != "evt-1" || handle.CorrelationID != "corr-evt-1" {
		t.Fatalf("unexpected handle %#v", handle)
	}

	delivery, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	job := delivery.Job()
	if job.Attempt != 1 {
		t.Fatalf("expected first attempt, got %d", job.Attempt)
	}
	if job.MaxAttempts != core.DefaultMaxAttempts {
		t.Fatalf("expected default attempts, got %d", job.MaxAttempts)
	}
	if job.Backoff.Mode != core.BackoffExponential {
		t.Fatalf("expected default exponential backoff, got %q", job.Backoff.Mode)
	}
	if stats := q.Stats(); stats.InFlight != 1 {
		t.Fatalf("expected one in-flight delivery, got %#v", stats)
	}
	if err := delivery.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := delivery.Ack(ctx); !errors.Is(err, core.ErrDeliveryAlreadySettled) {
		t.Fatalf("expected double ack to be rejected, got %v", err)
	}
	if stats := q.Stats(); stats.InFlight != 0 || stats.Ready != 0 {
		t.Fatalf("expected empty queue, got %#v", stats)
	}
}

func TestMemoryQueue_PreservesFIFOOrder(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, testJob(id), core.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		delivery, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got := delivery.Job().EventID; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
		_ = delivery.Ack(ctx)
	}
}

func TestMemoryQueue_RetryDelaysAndIncrementsAttempt(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testJob("evt-retry"), core.EnqueueOptions{Backoff: fixedBackoff(20 * time.Millisecond)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	delay, err := first.Retry(ctx, "downstream 503")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if delay != 20*time.Millisecond {
		t.Fatalf("expected fixed delay, got %s", delay)
	}
	if stats := q.Stats(); stats.Delayed != 1 || stats.Ready != 0 || stats.InFlight != 0 {
		t.Fatalf("expected delayed job not to occupy a slot, got %#v", stats)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := q.Dequeue(waitCtx)
	if err != nil {
		t.Fatalf("dequeue retry: %v", err)
	}
	if second.Job().Attempt != 2 {
		t.Fatalf("expected second attempt, got %d", second.Job().Attempt)
	}
	if second.Job().ID != first.Job().ID {
		t.Fatalf("expected retry to keep job id")
	}
}

func TestMemoryQueue_DelayedEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, testJob("evt-delay"), core.EnqueueOptions{Delay: 30 * time.Millisecond}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	if _, err := q.Dequeue(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected delayed job to be invisible, got %v", err)
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
	defer cancelWait()
	if _, err := q.Dequeue(waitCtx); err != nil {
		t.Fatalf("expected delayed job after its delay, got %v", err)
	}
}

func TestMemoryQueue_CloseWakesConsumersAndRejectsEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	errs := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, core.ErrQueueClosed) {
			t.Fatalf("expected closed error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("dequeue did not return after close")
	}
	if _, err := q.Enqueue(context.Background(), testJob("late"), core.EnqueueOptions{}); !errors.Is(err, core.ErrQueueClosed) {
		t.Fatalf("expected closed error on enqueue, got %v", err)
	}
}

func TestMemoryQueue_RejectsInvalidJob(t *testing.T) {
	q := NewMemoryQueue()
	defer q.Close()
	if _, err := q.Enqueue(context.Background(), core.WebhookJob{Provider: core.ProviderGeneric}, core.EnqueueOptions{}); !errors.Is(err, core.ErrEventIDRequired) {
		t.Fatalf("expected event id error, got %v", err)
	}
}
