// Package command exposes the worker's operations as go-command messages,
// the embedding surface for hosts that mount the worker as a library.
package command

import (
	"strings"

	"github.com/flowsmartly/avatar-worker/core"
)

const (
	TypeSubmitJob      = "avatar.command.job.submit"
	TypeGetJob         = "avatar.query.job.get"
	TypeListRecentJobs = "avatar.query.job.list_recent"
)

type SubmitJobMessage struct {
	Request core.JobRequest
}

func (SubmitJobMessage) Type() string { return TypeSubmitJob }

func (m SubmitJobMessage) Validate() error {
	if strings.TrimSpace(m.Request.ImageURL) == "" {
		return commandValidationError("input_image_url", "input image url is required")
	}
	if strings.TrimSpace(m.Request.AudioURL) == "" {
		return commandValidationError("input_audio_url", "input audio url is required")
	}
	return nil
}

type GetJobMessage struct {
	JobID string
}

func (GetJobMessage) Type() string { return TypeGetJob }

func (m GetJobMessage) Validate() error {
	if strings.TrimSpace(m.JobID) == "" {
		return commandValidationError("job_id", "job id is required")
	}
	return nil
}

type ListRecentJobsMessage struct {
	Limit int
}

func (ListRecentJobsMessage) Type() string { return TypeListRecentJobs }

func (m ListRecentJobsMessage) Validate() error {
	if m.Limit < 0 {
		return commandValidationError("limit", "limit must be >= 0")
	}
	return nil
}
