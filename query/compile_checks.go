package query

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/goliatone/go-webhook-relay/core"
)

var (
	_ gocmd.Querier[ListDeadLettersMessage, []core.DeadLetterRecord]  = (*ListDeadLettersQuery)(nil)
	_ gocmd.Querier[RetrieveDeadLetterMessage, core.DeadLetterRecord] = (*RetrieveDeadLetterQuery)(nil)
)
