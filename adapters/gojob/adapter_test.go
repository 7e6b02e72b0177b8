package gojob

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	jobworker "github.com/goliatone/go-job/queue/worker"

	"github.com/goliatone/go-webhook-relay/core"
	"github.com/goliatone/go-webhook-relay/worker"
)

func sampleJob() core.WebhookJob {
	return core.WebhookJob{
		ID:            "job-1",
		EventID:       "wamid.1",
		Provider:      core.ProviderWhatsApp,
		CorrelationID: "corr-1",
		Payload:       []byte{0x00, 0xff, '{', '}'},
		EnqueuedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Attempt:       1,
		MaxAttempts:   3,
		Backoff: core.BackoffSpec{
			Mode:     core.BackoffSchedule,
			Schedule: []time.Duration{time.Minute, 5 * time.Minute},
		},
	}
}

func TestExecutionMessageMappingSurvivesJSON(t *testing.T) {
	original := sampleJob()
	msg := ToExecutionMessage(original, time.Time{})
	if msg.JobID != JobIDWebhookDeliver || msg.IdempotencyKey != "whatsapp:wamid.1:1" {
		t.Fatalf("unexpected message header %#v", msg)
	}

	// durable go-job backends persist parameters as JSON
	raw, err := json.Marshal(msg.Parameters)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	decoded := map[string]any{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	msg.Parameters = decoded

	got, notBefore, err := FromExecutionMessage(msg)
	if err != nil {
		t.Fatalf("from message: %v", err)
	}
	if !notBefore.IsZero() {
		t.Fatalf("expected no not_before, got %s", notBefore)
	}
	if string(got.Payload) != string(original.Payload) {
		t.Fatalf("expected byte exact payload, got %v", got.Payload)
	}
	if got.EventID != original.EventID || got.Attempt != 1 || got.MaxAttempts != 3 || !got.EnqueuedAt.Equal(original.EnqueuedAt) {
		t.Fatalf("unexpected job %#v", got)
	}
	if got.Backoff.NextDelay(2) != 5*time.Minute {
		t.Fatalf("expected schedule backoff to survive, got %#v", got.Backoff)
	}
}

func TestFromExecutionMessageRejectsForeignJobs(t *testing.T) {
	if _, _, err := FromExecutionMessage(&job.ExecutionMessage{JobID: "other"}); err == nil {
		t.Fatalf("expected foreign job id to be rejected")
	}
}

func TestEnqueuerAdapterStampsJobAndDelay(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewEnqueuerAdapter(enqueuer)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	adapter.now = func() time.Time { return now }

	handle, err := adapter.Enqueue(context.Background(), core.WebhookJob{
		EventID:  "evt",
		Provider: core.ProviderGeneric,
		Payload:  []byte("x"),
	}, core.EnqueueOptions{Delay: time.Minute})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if handle.ID == "" || len(enqueuer.messages) != 1 {
		t.Fatalf("expected one message and a job id")
	}
	got, notBefore, err := FromExecutionMessage(enqueuer.messages[0])
	if err != nil {
		t.Fatalf("from message: %v", err)
	}
	if !notBefore.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected not_before one minute out, got %s", notBefore)
	}
	if got.MaxAttempts != core.DefaultMaxAttempts || got.Attempt != 0 {
		t.Fatalf("expected defaults applied, got %#v", got)
	}

	if _, err := adapter.Enqueue(context.Background(), core.WebhookJob{Provider: core.ProviderGeneric}, core.EnqueueOptions{}); !errors.Is(err, core.ErrEventIDRequired) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDequeuerAdapterDefersEarlyMessagesAndCountsAttempts(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	early := &stubQueueDelivery{msg: ToExecutionMessage(sampleJob(), now.Add(30*time.Second))}
	due := &stubQueueDelivery{msg: ToExecutionMessage(sampleJob(), now.Add(-time.Second))}
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewDequeuerAdapter(&stubQueueDequeuer{deliveries: []queue.Delivery{early, due}}, enqueuer, RetryPolicy{MaxDelay: 2 * time.Minute})
	adapter.now = func() time.Time { return now }

	delivery, err := adapter.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if early.nackOpts == nil || !early.nackOpts.Requeue || early.nackOpts.Delay != 30*time.Second {
		t.Fatalf("expected early message nacked with remaining delay, got %#v", early.nackOpts)
	}
	if delivery.Job().Attempt != 2 {
		t.Fatalf("expected attempt incremented on delivery, got %d", delivery.Job().Attempt)
	}

	delay, err := delivery.Retry(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if delay != 2*time.Minute {
		t.Fatalf("expected clamped schedule delay, got %s", delay)
	}
	if !due.acked || len(enqueuer.messages) != 1 {
		t.Fatalf("expected successor enqueued and original acked")
	}
	successor, notBefore, err := FromExecutionMessage(enqueuer.messages[0])
	if err != nil {
		t.Fatalf("successor: %v", err)
	}
	if successor.Attempt != 2 || !notBefore.Equal(now.Add(2*time.Minute)) {
		t.Fatalf("unexpected successor %#v not_before=%s", successor, notBefore)
	}
	if _, err := delivery.Retry(context.Background(), "again"); !errors.Is(err, core.ErrDeliveryAlreadySettled) {
		t.Fatalf("expected double settle error, got %v", err)
	}
}

func TestWorkerHookAdapterMapsRelayEvents(t *testing.T) {
	var got worker.Event
	adapter := NewWorkerHookAdapter(worker.HookFuncs{
		Retry: func(_ context.Context, event worker.Event) { got = event },
	})
	adapter.OnRetry(context.Background(), jobworker.Event{
		Message: ToExecutionMessage(sampleJob(), time.Time{}),
		Attempt: 2,
		Delay:   5 * time.Second,
		Err:     errors.New("retry"),
	})
	if got.Job.EventID != "wamid.1" || got.Attempt != 2 || got.Delay != 5*time.Second {
		t.Fatalf("unexpected mapped event %#v", got)
	}

	got = worker.Event{}
	adapter.OnRetry(context.Background(), jobworker.Event{Message: &job.ExecutionMessage{JobID: "other"}})
	if got.Job.EventID != "" {
		t.Fatalf("expected foreign events to be ignored")
	}
}

type stubQueueEnqueuer struct {
	messages []*job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.messages = append(s.messages, msg)
	return nil
}

type stubQueueDequeuer struct {
	deliveries []queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	if len(s.deliveries) == 0 {
		return nil, core.ErrQueueClosed
	}
	next := s.deliveries[0]
	s.deliveries = s.deliveries[1:]
	return next, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts *queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = &opts
	return nil
}
