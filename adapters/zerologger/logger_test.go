package zerologger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := map[string]any{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLoggerWritesKeyValueArgsAsFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(Config{Level: "debug", Output: buf})

	logger.Info("webhook job enqueued", "event_id", "evt-1", "attempt", 2, "delay", 1500*time.Millisecond, "error", errors.New("boom"))
	logger.Trace("dropped below level")

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected one line above trace, got %d", len(lines))
	}
	entry := lines[0]
	if entry["message"] != "webhook job enqueued" || entry["level"] != "info" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if entry["event_id"] != "evt-1" || entry["attempt"] != float64(2) || entry["error"] != "boom" {
		t.Fatalf("expected structured fields, got %#v", entry)
	}
}

func TestLoggerWithContextAddsCorrelationID(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(Config{Output: buf})

	ctx := core.ContextWithCorrelationID(context.Background(), "corr-9")
	logger.WithContext(ctx).Warn("retry scheduled")
	logger.WithFields(map[string]any{"provider": "whatsapp"}).Error("dead lettered", "odd")

	lines := decodeLines(t, buf)
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d", len(lines))
	}
	if lines[0]["correlation_id"] != "corr-9" {
		t.Fatalf("expected correlation id from context, got %#v", lines[0])
	}
	if lines[1]["provider"] != "whatsapp" || lines[1]["odd"] != true {
		t.Fatalf("expected bound field and dangling key, got %#v", lines[1])
	}
}

func TestProviderNamesLoggers(t *testing.T) {
	buf := &bytes.Buffer{}
	provider := NewProvider(New(Config{Output: buf}))
	provider.GetLogger("relay.worker").Info("started")

	lines := decodeLines(t, buf)
	if len(lines) != 1 || lines[0]["logger"] != "relay.worker" {
		t.Fatalf("expected named logger field, got %#v", lines)
	}
}

func TestParseLevelFallsBack(t *testing.T) {
	if got := ParseLevel("nonsense", 1); got != 1 {
		t.Fatalf("expected fallback level, got %v", got)
	}
}
