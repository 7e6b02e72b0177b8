package command

import (
	"strings"
	"time"
)

const (
	TypeReprocessDeadLetter = "relay.command.dead_letter.reprocess"
	TypePurgeDeadLetters    = "relay.command.dead_letter.purge"
)

// ReprocessDeadLetterMessage re-enqueues one dead letter. Actor is recorded
// on the audit trail.
type ReprocessDeadLetterMessage struct {
	ID    string
	Actor string
}

func (ReprocessDeadLetterMessage) Type() string { return TypeReprocessDeadLetter }

func (m ReprocessDeadLetterMessage) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return commandValidationError("id", "dead letter id is required")
	}
	return nil
}

type PurgeDeadLettersMessage struct {
	OlderThan time.Duration
	Actor     string
}

func (PurgeDeadLettersMessage) Type() string { return TypePurgeDeadLetters }

func (m PurgeDeadLettersMessage) Validate() error {
	if m.OlderThan <= 0 {
		return commandValidationError("older_than", "retention must be positive")
	}
	return nil
}

type PurgeResult struct {
	Deleted   int
	OlderThan time.Duration
}
