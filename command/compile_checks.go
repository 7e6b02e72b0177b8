package command

import gocmd "github.com/goliatone/go-command"

var (
	_ gocmd.Commander[ReprocessDeadLetterMessage] = (*ReprocessDeadLetterCommand)(nil)
	_ gocmd.Commander[PurgeDeadLettersMessage]    = (*PurgeDeadLettersCommand)(nil)
)
