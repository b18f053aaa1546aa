package command

import (
	"context"

	gocmd "github.com/goliatone/go-command"

	"github.com/flowsmartly/avatar-worker/core"
)

// JobRunner executes one job and always hands back a terminal result.
// core.Service satisfies it.
type JobRunner interface {
	ExecuteJob(ctx context.Context, req core.JobRequest) core.JobResult
}

// JobReader serves the ledger lookups. core.Service satisfies it.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (core.Job, error)
	ListRecentJobs(ctx context.Context, limit int) ([]core.Job, error)
}

type SubmitJobCommand struct {
	runner JobRunner
}

func NewSubmitJobCommand(runner JobRunner) *SubmitJobCommand {
	return &SubmitJobCommand{runner: runner}
}

// Execute stores the JobResult through the context collector. Job failures
// live inside the result, not in the returned error; the error return is
// reserved for missing wiring.
func (c *SubmitJobCommand) Execute(ctx context.Context, msg SubmitJobMessage) error {
	if c == nil || c.runner == nil {
		return commandDependencyError("command: job runner is required")
	}
	result := c.runner.ExecuteJob(ctx, msg.Request)
	storeResult(ctx, result)
	return nil
}

type GetJobQuery struct {
	reader JobReader
}

func NewGetJobQuery(reader JobReader) *GetJobQuery {
	return &GetJobQuery{reader: reader}
}

func (q *GetJobQuery) Query(ctx context.Context, msg GetJobMessage) (core.Job, error) {
	if q == nil || q.reader == nil {
		return core.Job{}, commandDependencyError("command: job reader is required")
	}
	return q.reader.GetJob(ctx, msg.JobID)
}

type ListRecentJobsQuery struct {
	reader JobReader
}

func NewListRecentJobsQuery(reader JobReader) *ListRecentJobsQuery {
	return &ListRecentJobsQuery{reader: reader}
}

func (q *ListRecentJobsQuery) Query(ctx context.Context, msg ListRecentJobsMessage) ([]core.Job, error) {
	if q == nil || q.reader == nil {
		return nil, commandDependencyError("command: job reader is required")
	}
	return q.reader.ListRecentJobs(ctx, msg.Limit)
}

func storeResult[T any](ctx context.Context, value T) {
	collector := gocmd.ResultFromContext[T](ctx)
	if collector == nil {
		return
	}
	collector.Store(value)
}
