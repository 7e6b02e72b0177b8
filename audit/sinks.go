// Package audit provides core.AuditSink implementations. Events carry
// identifiers and redacted metadata only.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-webhook-relay/core"
)

// LoggerSink writes each event as one structured info line.
type LoggerSink struct {
	logger core.Logger
}

func NewLoggerSink(logger core.Logger) *LoggerSink {
	return &LoggerSink{logger: glog.Ensure(logger)}
}

func (s *LoggerSink) Record(_ context.Context, event core.AuditEvent) error {
	event = normalize(event)
	fields := event.LogFields()
	fields["audit_id"] = event.ID
	fields["occurred_at"] = event.OccurredAt.Format(time.RFC3339Nano)
	s.logger.Info("audit "+string(event.Type), core.FlattenFields(fields)...)
	return nil
}

// MemorySink keeps events in order. It is meant for tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []core.AuditEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, event core.AuditEvent) error {
	event = normalize(event)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *MemorySink) Events() []core.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.AuditEvent(nil), s.events...)
}

// OfType filters recorded events by type.
func (s *MemorySink) OfType(eventType core.AuditEventType) []core.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AuditEvent, 0)
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []core.AuditSink

func NewMultiSink(sinks ...core.AuditSink) MultiSink {
	out := make(MultiSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			out = append(out, sink)
		}
	}
	return out
}

func (m MultiSink) Record(ctx context.Context, event core.AuditEvent) error {
	event = normalize(event)
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalize(event core.AuditEvent) core.AuditEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Actor == "" {
		event.Actor = "system"
	}
	event.Metadata = core.RedactSensitiveMap(event.Metadata)
	return event
}

var (
	_ core.AuditSink = (*LoggerSink)(nil)
	_ core.AuditSink = (*MemorySink)(nil)
	_ core.AuditSink = MultiSink(nil)
)
