package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownProvider                    = errors.New("core: unknown provider")
	ErrIdempotencyNotFound                = errors.New("core: idempotency record not found")
	ErrDeadLetterNotFound                 = errors.New("core: dead letter record not found")
	ErrInvalidIdempotencyStatusTransition = errors.New("core: invalid idempotency status transition")
	ErrInvalidDeadLetterStatusTransition  = errors.New("core: invalid dead letter status transition")
	ErrDeadLetterAlreadyReprocessed       = errors.New("core: dead letter already reprocessed")
	ErrQueueClosed                        = errors.New("core: queue closed")
	ErrDeliveryAlreadySettled             = errors.New("core: delivery already settled")
	ErrEventIDRequired                    = errors.New("core: event id is required")
	ErrMissingEncryptionKey               = errors.New("core: dead letter encryption key is required")
	ErrProviderSecretNotConfigured        = errors.New("core: provider secret not configured")
)

// Provider tags the platform a webhook originated from.
type Provider string

const (
	ProviderWhatsApp  Provider = "whatsapp"
	ProviderMessenger Provider = "messenger"
	ProviderInstagram Provider = "instagram"
	ProviderGeneric   Provider = "generic"
)

func KnownProviders() []Provider {
	return []Provider{ProviderWhatsApp, ProviderMessenger, ProviderInstagram, ProviderGeneric}
}

func ParseProvider(value string) (Provider, error) {
	provider := Provider(strings.ToLower(strings.TrimSpace(value)))
	if err := provider.Validate(); err != nil {
		return "", err
	}
	return provider, nil
}

func (p Provider) Validate() error {
	switch p {
	case ProviderWhatsApp, ProviderMessenger, ProviderInstagram, ProviderGeneric:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, string(p))
	}
}

func (p Provider) String() string {
	return string(p)
}

// WebhookJob is the unit of work carried by the queue. Payload is never
// logged and never persisted outside the queue backend or the dead letter
// store.
type WebhookJob struct {
	ID            string
	EventID       string
	Provider      Provider
	CorrelationID string
	Payload       []byte
	EnqueuedAt    time.Time
	Attempt       int
	MaxAttempts   int
	Backoff       BackoffSpec
}

func (j WebhookJob) Validate() error {
	if strings.TrimSpace(j.EventID) == "" {
		return ErrEventIDRequired
	}
	return j.Provider.Validate()
}

// LastAttempt reports whether the current delivery exhausts the attempt budget.
func (j WebhookJob) LastAttempt() bool {
	if j.MaxAttempts <= 0 {
		return j.Attempt >= DefaultMaxAttempts
	}
	return j.Attempt >= j.MaxAttempts
}

// LogFields returns the identifiers safe to attach to log lines.
func (j WebhookJob) LogFields() map[string]any {
	return map[string]any{
		"job_id":         j.ID,
		"event_id":       j.EventID,
		"provider":       string(j.Provider),
		"correlation_id": j.CorrelationID,
		"attempt":        j.Attempt,
		"max_attempts":   j.MaxAttempts,
	}
}

type IdempotencyStatus string

const (
	IdempotencyStatusPending   IdempotencyStatus = "pending"
	IdempotencyStatusProcessed IdempotencyStatus = "processed"
	IdempotencyStatusFailed    IdempotencyStatus = "failed"
)

func (s IdempotencyStatus) Terminal() bool {
	return s == IdempotencyStatusProcessed || s == IdempotencyStatusFailed
}

type IdempotencyRecord struct {
	EventID       string
	Provider      Provider
	Status        IdempotencyStatus
	CorrelationID string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
	ErrorMessage  string
	RetryCount    int
	UpdatedAt     time.Time
}

// TransitionTo moves the record along pending -> processed or
// pending -> failed. Marking an already processed record processed again is
// a no-op.
func (r *IdempotencyRecord) TransitionTo(status IdempotencyStatus, errorMessage string, now time.Time) error {
	if r == nil {
		return nil
	}
	if r.Status == status && status == IdempotencyStatusProcessed {
		return nil
	}
	if !isAllowedIdempotencyTransition(r.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidIdempotencyStatusTransition, r.Status, status)
	}
	switch status {
	case IdempotencyStatusProcessed:
		processedAt := now
		r.ProcessedAt = &processedAt
		r.ErrorMessage = ""
	case IdempotencyStatusFailed:
		r.ErrorMessage = strings.TrimSpace(errorMessage)
		r.RetryCount++
	case IdempotencyStatusPending:
		r.ProcessedAt = nil
	}
	r.Status = status
	r.UpdatedAt = now
	return nil
}

func isAllowedIdempotencyTransition(current IdempotencyStatus, next IdempotencyStatus) bool {
	allowed := map[IdempotencyStatus]map[IdempotencyStatus]struct{}{
		IdempotencyStatusPending: {
			IdempotencyStatusProcessed: {},
			IdempotencyStatusFailed:    {},
		},
		// operator reprocess path only
		IdempotencyStatusFailed: {
			IdempotencyStatusPending: {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// Stale reports whether a pending record has been waiting longer than lease.
func (r IdempotencyRecord) Stale(now time.Time, lease time.Duration) bool {
	if r.Status != IdempotencyStatusPending || lease <= 0 {
		return false
	}
	reference := r.ReceivedAt
	if r.UpdatedAt.After(reference) {
		reference = r.UpdatedAt
	}
	return now.Sub(reference) > lease
}

type DeadLetterStatus string

const (
	DeadLetterStatusStored      DeadLetterStatus = "stored"
	DeadLetterStatusReprocessed DeadLetterStatus = "reprocessed"
)

type DeadLetterRecord struct {
	ID               string
	EventID          string
	Provider         Provider
	CorrelationID    string
	PayloadEncrypted []byte
	ErrorMessage     string
	RetryCount       int
	FailedAt         time.Time
	Status           DeadLetterStatus
	ReprocessedAt    *time.Time

	// Payload is only populated by an audited retrieve.
	Payload []byte `json:"-"`
}

func (r *DeadLetterRecord) MarkReprocessed(now time.Time) error {
	if r == nil {
		return nil
	}
	if r.Status == DeadLetterStatusReprocessed {
		return fmt.Errorf("%w: %s", ErrDeadLetterAlreadyReprocessed, r.ID)
	}
	if r.Status != DeadLetterStatusStored && r.Status != "" {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidDeadLetterStatusTransition, r.Status, DeadLetterStatusReprocessed)
	}
	at := now
	r.Status = DeadLetterStatusReprocessed
	r.ReprocessedAt = &at
	return nil
}

// Redacted returns a copy without the encrypted or decrypted payload.
func (r DeadLetterRecord) Redacted() DeadLetterRecord {
	r.PayloadEncrypted = nil
	r.Payload = nil
	return r
}

type DeadLetterFilter struct {
	Provider Provider
	From     time.Time
	To       time.Time
	Status   DeadLetterStatus
	Limit    int
	Offset   int
}

func (f DeadLetterFilter) Validate() error {
	if f.Provider != "" {
		if err := f.Provider.Validate(); err != nil {
			return err
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return fmt.Errorf("core: dead letter filter range is inverted")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("core: dead letter filter pagination must be non-negative")
	}
	return nil
}

type StoreDeadLetterInput struct {
	EventID       string
	Provider      Provider
	CorrelationID string
	Payload       []byte
	ErrorMessage  string
	RetryCount    int
	FailedAt      time.Time
}

// InboundRequest is the transport-neutral view of one webhook delivery.
type InboundRequest struct {
	Provider   Provider
	Headers    map[string]string
	Body       []byte
	ReceivedAt time.Time
}

type IngestResult struct {
	Accepted      bool
	StatusCode    int
	EventID       string
	CorrelationID string
	Deduped       bool
	Enqueued      bool
	Status        IdempotencyStatus
	Metadata      map[string]any
}

type JobHandle struct {
	ID            string
	EventID       string
	CorrelationID string
	EnqueuedAt    time.Time
}

type EnqueueOptions struct {
	Attempts int
	Backoff  BackoffSpec
	Delay    time.Duration
}

type AuditEventType string

const (
	AuditWebhookReceived       AuditEventType = "webhook_received"
	AuditWebhookRejected       AuditEventType = "webhook_rejected"
	AuditWebhookProcessed      AuditEventType = "webhook_processed"
	AuditWebhookFailed         AuditEventType = "webhook_failed"
	AuditDeadLetterStored      AuditEventType = "dead_letter_stored"
	AuditDeadLetterRetrieved   AuditEventType = "dead_letter_retrieved"
	AuditDeadLetterReprocessed AuditEventType = "dead_letter_reprocessed"
)

// AuditEvent carries identifiers only. Payloads never travel through audit.
type AuditEvent struct {
	ID            string
	Type          AuditEventType
	EventID       string
	Provider      Provider
	CorrelationID string
	Status        string
	Attempt       int
	Actor         string
	OccurredAt    time.Time
	Metadata      map[string]any
}

func (e AuditEvent) LogFields() map[string]any {
	fields := map[string]any{
		"audit_type":     string(e.Type),
		"event_id":       e.EventID,
		"provider":       string(e.Provider),
		"correlation_id": e.CorrelationID,
	}
	if e.Status != "" {
		fields["status"] = e.Status
	}
	if e.Attempt > 0 {
		fields["attempt"] = e.Attempt
	}
	if e.Actor != "" {
		fields["actor"] = e.Actor
	}
	for key, value := range RedactSensitiveMap(e.Metadata) {
		if _, exists := fields[key]; !exists {
			fields[key] = value
		}
	}
	return fields
}
