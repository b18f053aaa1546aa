package avatarworker

import (
	"fmt"

	avatarcmd "github.com/flowsmartly/avatar-worker/command"
)

// CommandQueryService is the runtime surface the facade mounts: job
// execution plus ledger reads. *core.Service satisfies it.
type CommandQueryService interface {
	avatarcmd.JobRunner
	avatarcmd.JobReader
}

type Commands struct {
	SubmitJob *avatarcmd.SubmitJobCommand
}

type Queries struct {
	GetJob         *avatarcmd.GetJobQuery
	ListRecentJobs *avatarcmd.ListRecentJobsQuery
}

// Facade bundles the worker's go-command handlers over one runtime so hosts
// can mount the full operation surface without building handlers themselves.
type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
}

func NewFacade(service CommandQueryService) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("avatarworker: command/query service is required")
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		SubmitJob: avatarcmd.NewSubmitJobCommand(service),
	}
	facade.queries = Queries{
		GetJob:         avatarcmd.NewGetJobQuery(service),
		ListRecentJobs: avatarcmd.NewListRecentJobsQuery(service),
	}
	return facade, nil
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

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}
