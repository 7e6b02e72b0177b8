package relay

import (
	"fmt"

	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"

	"github.com/goliatone/go-webhook-relay/adapters/gocommand"
	relaycommand "github.com/goliatone/go-webhook-relay/command"
	relayquery "github.com/goliatone/go-webhook-relay/query"
)

// DeadLetterService is the operator surface behind the facade.
type DeadLetterService = gocommand.DeadLetterService

type Commands struct {
	Reprocess *relaycommand.ReprocessDeadLetterCommand
	Purge     *relaycommand.PurgeDeadLettersCommand
}

type Queries struct {
	List     *relayquery.ListDeadLettersQuery
	Retrieve *relayquery.RetrieveDeadLetterQuery
}

// Facade groups the dead letter commands and queries for callers that invoke
// them directly instead of through the go-command dispatcher.
type Facade struct {
	service  DeadLetterService
	commands Commands
	queries  Queries
}

func NewFacade(service DeadLetterService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("relay: dead letter service is required")
	}
	return &Facade{
		service: service,
		commands: Commands{
			Reprocess: relaycommand.NewReprocessDeadLetterCommand(service),
			Purge:     relaycommand.NewPurgeDeadLettersCommand(service),
		},
		queries: Queries{
			List:     relayquery.NewListDeadLettersQuery(service),
			Retrieve: relayquery.NewRetrieveDeadLetterQuery(service),
		},
	}, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() DeadLetterService {
	if f == nil {
		return nil
	}
	return f.service
}

// Subscribe registers the dead letter operations with adapter and the global
// go-command dispatcher.
func (f *Facade) Subscribe(adapter *gocommand.RegistryAdapter, runnerOpts ...runner.Option) ([]commanddispatcher.Subscription, error) {
	if f == nil {
		return nil, fmt.Errorf("relay: facade is nil")
	}
	return gocommand.RegisterDeadLetterOperations(adapter, f.service, runnerOpts...)
}
