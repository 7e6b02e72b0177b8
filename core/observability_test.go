package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type capturedCounter struct {
	name  string
	value int64
	tags  map[string]string
}

type captureMetricsRecorder struct {
	mu         sync.Mutex
	counters   []capturedCounter
	histograms []string
}

func (m *captureMetricsRecorder) IncCounter(_ context.Context, name string, value int64, tags map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters = append(m.counters, capturedCounter{name: name, value: value, tags: tagsFor(tags)})
}

func (m *captureMetricsRecorder) ObserveHistogram(_ context.Context, name string, _ float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms = append(m.histograms, name)
}

type capturedLog struct {
	level  string
	msg    string
	fields map[string]any
}

type captureLogger struct {
	mu       *sync.Mutex
	records  *[]capturedLog
	defaults map[string]any
}

func newCaptureLogger() *captureLogger {
	records := []capturedLog{}
	return &captureLogger{mu: &sync.Mutex{}, records: &records, defaults: map[string]any{}}
}

func (l *captureLogger) WithFields(fields map[string]any) Logger {
	merged := cloneFields(l.defaults)
	for key, value := range fields {
		merged[key] = value
	}
	return &captureLogger{mu: l.mu, records: l.records, defaults: merged}
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }

func (l *captureLogger) WithContext(context.Context) Logger {
	return &captureLogger{mu: l.mu, records: l.records, defaults: cloneFields(l.defaults)}
}

func (l *captureLogger) record(level string, msg string, args ...any) {
	fields := cloneFields(l.defaults)
	for index := 0; index+1 < len(args); index += 2 {
		key, ok := args[index].(string)
		if !ok {
			continue
		}
		fields[key] = args[index+1]
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.records = append(*l.records, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) snapshot() []capturedLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]capturedLog, len(*l.records))
	copy(out, *l.records)
	return out
}

func TestObserverObserveOperation_Success(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver(logger, metrics)

	observer.ObserveOperation(context.Background(), time.Now(), "ingest webhook", nil, map[string]any{
		"provider":       "whatsapp",
		"event_id":       "evt-1",
		"correlation_id": "corr-1",
		"payload":        "never logged",
	})

	if len(metrics.counters) != 1 || metrics.counters[0].name != "relay.ingest_webhook.total" {
		t.Fatalf("expected relay.ingest_webhook.total counter, got %#v", metrics.counters)
	}
	if metrics.counters[0].tags["provider"] != "whatsapp" || metrics.counters[0].tags["status"] != "success" {
		t.Fatalf("unexpected counter tags %#v", metrics.counters[0].tags)
	}
	if len(metrics.histograms) != 1 || metrics.histograms[0] != "relay.ingest_webhook.duration_ms" {
		t.Fatalf("expected duration histogram, got %#v", metrics.histograms)
	}

	records := logger.snapshot()
	if len(records) != 1 || records[0].level != "info" {
		t.Fatalf("expected one info log, got %#v", records)
	}
	if records[0].fields["payload"] != RedactedValue {
		t.Fatalf("expected payload to be redacted from logs, got %#v", records[0].fields["payload"])
	}
	if records[0].fields["correlation_id"] != "corr-1" {
		t.Fatalf("expected correlation id on log line")
	}
}

func TestObserverObserveOperation_Failure(t *testing.T) {
	metrics := &captureMetricsRecorder{}
	logger := newCaptureLogger()
	observer := NewObserver(logger, metrics)

	observer.ObserveOperation(context.Background(), time.Now(), "process_job", TransientProcessingError(errors.New("timeout"), ""), nil)

	records := logger.snapshot()
	if len(records) != 1 || records[0].level != "error" {
		t.Fatalf("expected one error log, got %#v", records)
	}
	if records[0].fields["error_code"] != RelayErrorTransientProcessing {
		t.Fatalf("expected error code field, got %#v", records[0].fields["error_code"])
	}
	if metrics.counters[0].tags["status"] != "failure" {
		t.Fatalf("expected failure status tag")
	}
}

func TestNilObserverIsSafe(t *testing.T) {
	var observer *Observer
	observer.ObserveOperation(context.Background(), time.Now(), "noop", nil, nil)
	observer.Log(context.Background(), "info", "noop", nil)
	if observer.Logger() == nil {
		t.Fatalf("expected nop logger from nil observer")
	}
}
