package webhooks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/goliatone/go-webhook-relay/core"
)

const (
	IdentitySourceProvider = "provider"
	IdentitySourceFallback = "fallback"

	// DefaultFallbackBucket is the window inside which identical bodies
	// without a provider id collapse onto the same event id.
	DefaultFallbackBucket = 5 * time.Minute
)

// volatileFields change between redeliveries of the same event and are
// stripped before hashing.
var volatileFields = map[string]struct{}{
	"timestamp":   {},
	"time":        {},
	"sent_at":     {},
	"received_at": {},
	"created_at":  {},
	"updated_at":  {},
}

type Identity struct {
	EventID string
	Source  string
}

// IdentityExtractor derives stable event ids. It holds no mutable state.
type IdentityExtractor struct {
	Now    func() time.Time
	Bucket time.Duration
}

func NewIdentityExtractor() IdentityExtractor {
	return IdentityExtractor{Now: time.Now, Bucket: DefaultFallbackBucket}
}

// ExtractID returns the provider id when present, otherwise a content hash
// scoped to the current time bucket.
func ExtractID(provider core.Provider, payload []byte) (string, error) {
	return NewIdentityExtractor().ExtractID(provider, payload)
}

func (e IdentityExtractor) ExtractID(provider core.Provider, payload []byte) (string, error) {
	identity, err := e.Identify(provider, payload)
	if err != nil {
		return "", err
	}
	return identity.EventID, nil
}

func (e IdentityExtractor) Identify(provider core.Provider, payload []byte) (Identity, error) {
	schema, err := SchemaFor(provider)
	if err != nil {
		return Identity{}, err
	}
	document, ok := decodeDocument(payload)
	if ok {
		if id, found := schema.EventID(document); found {
			return Identity{EventID: id, Source: IdentitySourceProvider}, nil
		}
	}
	var normalized []byte
	if ok {
		normalized, err = canonicalJSON(stripVolatile(document))
		if err != nil {
			normalized = nil
			ok = false
		}
	}
	if !ok {
		normalized = bytes.TrimSpace(payload)
	}
	return Identity{
		EventID: FallbackEventID(normalized, e.bucketIndex()),
		Source:  IdentitySourceFallback,
	}, nil
}

// FallbackEventID is hex(sha256(normalized + ":" + bucket)).
func FallbackEventID(normalized []byte, bucket int64) string {
	hasher := sha256.New()
	_, _ = hasher.Write(normalized)
	_, _ = hasher.Write([]byte(":"))
	_, _ = hasher.Write([]byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(hasher.Sum(nil))
}

func (e IdentityExtractor) bucketIndex() int64 {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	bucket := e.Bucket
	if bucket <= 0 {
		bucket = DefaultFallbackBucket
	}
	return now().UnixMilli() / bucket.Milliseconds()
}

func decodeDocument(payload []byte) (any, bool) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, false
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	var document any
	if err := decoder.Decode(&document); err != nil {
		return nil, false
	}
	if decoder.More() {
		return nil, false
	}
	return document, true
}

func stripVolatile(node any) any {
	switch typed := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, value := range typed {
			if _, volatile := volatileFields[key]; volatile {
				continue
			}
			out[key] = stripVolatile(value)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i := range typed {
			out[i] = stripVolatile(typed[i])
		}
		return out
	default:
		return node
	}
}

// canonicalJSON encodes with sorted keys, no insignificant whitespace, and no
// HTML escaping.
func canonicalJSON(node any) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(node); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
