package command

import (
	gocmd "github.com/goliatone/go-command"

	"github.com/flowsmartly/avatar-worker/core"
)

var (
	_ gocmd.Commander[SubmitJobMessage]                = (*SubmitJobCommand)(nil)
	_ gocmd.Querier[GetJobMessage, core.Job]           = (*GetJobQuery)(nil)
	_ gocmd.Querier[ListRecentJobsMessage, []core.Job] = (*ListRecentJobsQuery)(nil)
)
