package core

import "testing"

func TestRedactSensitiveMapKeepsIdentifiersAndDropsPayloads(t *testing.T) {
	redacted := RedactSensitiveMap(map[string]any{
		"event_id":       "evt-1",
		"correlation_id": "corr-1",
		"provider":       "whatsapp",
		"payload":        `{"message":"hello"}`,
		"raw":            []byte("hello"),
		"app_secret":     "shh",
		"nested":         map[string]any{"signature": "sha256=abc", "job_id": "job-1"},
	})

	if redacted["event_id"] != "evt-1" || redacted["correlation_id"] != "corr-1" {
		t.Fatalf("expected identifiers to remain visible, got %#v", redacted)
	}
	if redacted["payload"] != RedactedValue {
		t.Fatalf("expected payload to be redacted, got %#v", redacted["payload"])
	}
	if redacted["raw"] != RedactedValue {
		t.Fatalf("expected byte slices to be redacted, got %#v", redacted["raw"])
	}
	if redacted["app_secret"] != RedactedValue {
		t.Fatalf("expected secret to be redacted")
	}
	nested, ok := redacted["nested"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested redacted map")
	}
	if nested["signature"] != RedactedValue || nested["job_id"] != "job-1" {
		t.Fatalf("unexpected nested redaction %#v", nested)
	}
}
