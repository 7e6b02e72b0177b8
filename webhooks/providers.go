package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/goliatone/go-webhook-relay/core"
)

// ProviderSchema knows where a platform puts its stable event id.
type ProviderSchema interface {
	Provider() core.Provider
	EventID(document any) (string, bool)
}

type whatsAppSchema struct{}

func (whatsAppSchema) Provider() core.Provider { return core.ProviderWhatsApp }

// EventID reads entry[].changes[].value.messages[0].id, then statuses[0].id.
func (whatsAppSchema) EventID(document any) (string, bool) {
	for _, entry := range arrayAt(document, "entry") {
		for _, change := range arrayAt(entry, "changes") {
			value := fieldAt(change, "value")
			if id, ok := stringAt(firstOf(arrayAt(value, "messages")), "id"); ok {
				return id, true
			}
			if id, ok := stringAt(firstOf(arrayAt(value, "statuses")), "id"); ok {
				return id, true
			}
		}
	}
	return "", false
}

// messagingSchema serves Messenger and Instagram, which share the
// entry[].messaging[] envelope.
type messagingSchema struct {
	provider core.Provider
}

func (s messagingSchema) Provider() core.Provider { return s.provider }

func (messagingSchema) EventID(document any) (string, bool) {
	for _, entry := range arrayAt(document, "entry") {
		messaging := firstOf(arrayAt(entry, "messaging"))
		if id, ok := stringAt(fieldAt(messaging, "message"), "mid"); ok {
			return id, true
		}
		if id, ok := stringAt(fieldAt(messaging, "postback"), "mid"); ok {
			return id, true
		}
	}
	return "", false
}

type genericSchema struct{}

func (genericSchema) Provider() core.Provider { return core.ProviderGeneric }

func (genericSchema) EventID(document any) (string, bool) {
	if id, ok := stringAt(document, "event_id"); ok {
		return id, true
	}
	return stringAt(document, "id")
}

var providerSchemas = map[core.Provider]ProviderSchema{
	core.ProviderWhatsApp:  whatsAppSchema{},
	core.ProviderMessenger: messagingSchema{provider: core.ProviderMessenger},
	core.ProviderInstagram: messagingSchema{provider: core.ProviderInstagram},
	core.ProviderGeneric:   genericSchema{},
}

// SchemaFor returns the id schema for provider.
func SchemaFor(provider core.Provider) (ProviderSchema, error) {
	schema, ok := providerSchemas[provider]
	if !ok {
		return nil, fmt.Errorf("webhooks: %w: %q", core.ErrUnknownProvider, string(provider))
	}
	return schema, nil
}

func fieldAt(node any, key string) any {
	object, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	return object[key]
}

func arrayAt(node any, key string) []any {
	items, _ := fieldAt(node, key).([]any)
	return items
}

func firstOf(items []any) any {
	if len(items) == 0 {
		return nil
	}
	return items[0]
}

func stringAt(node any, key string) (string, bool) {
	switch typed := fieldAt(node, key).(type) {
	case string:
		if trimmed := strings.TrimSpace(typed); trimmed != "" {
			return typed, true
		}
	case json.Number:
		if typed.String() != "" {
			return typed.String(), true
		}
	}
	return "", false
}
