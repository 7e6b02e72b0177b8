package query

import (
	"strings"

	"github.com/goliatone/go-webhook-relay/core"
)

const (
	TypeListDeadLetters    = "relay.query.dead_letter.list"
	TypeRetrieveDeadLetter = "relay.query.dead_letter.retrieve"
)

type ListDeadLettersMessage struct {
	Filter core.DeadLetterFilter
}

func (ListDeadLettersMessage) Type() string { return TypeListDeadLetters }

func (m ListDeadLettersMessage) Validate() error {
	return queryWrapValidation(m.Filter.Validate(), "query: invalid dead letter filter")
}

// RetrieveDeadLetterMessage returns the decrypted payload. Every retrieval is
// audited under Actor.
type RetrieveDeadLetterMessage struct {
	ID    string
	Actor string
}

func (RetrieveDeadLetterMessage) Type() string { return TypeRetrieveDeadLetter }

func (m RetrieveDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return queryValidationError("id", "dead letter id is required")
	}
	return nil
}
