package sqlstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/flowsmartly/avatar-worker/core"
)

type jobRecord struct {
	bun.BaseModel `bun:"table:avatar_jobs,alias:aj"`

	ID           string         `bun:"id,pk"`
	Engine       string         `bun:"engine,notnull"`
	ImageURL     string         `bun:"image_url,notnull"`
	AudioURL     string         `bun:"audio_url,notnull"`
	Options      map[string]any `bun:"options,type:jsonb,notnull"`
	Status       string         `bun:"status,notnull"`
	OutputURL    string         `bun:"output_url"`
	ErrorKind    string         `bun:"error_kind"`
	ErrorMessage string         `bun:"error_message"`
	Retryable    bool           `bun:"retryable,notnull"`
	StartedAt    *time.Time     `bun:"started_at,nullzero"`
	FinishedAt   *time.Time     `bun:"finished_at,nullzero"`
	DurationMS   int64          `bun:"duration_ms,notnull"`
	CreatedAt    time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *jobRecord) toDomain() core.Job {
	if r == nil {
		return core.Job{}
	}
	job := core.Job{
		ID:           r.ID,
		Engine:       r.Engine,
		ImageURL:     r.ImageURL,
		AudioURL:     r.AudioURL,
		Options:      copyAnyMap(r.Options),
		Status:       core.JobStatus(r.Status),
		OutputURL:    r.OutputURL,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
		Retryable:    r.Retryable,
		DurationMS:   r.DurationMS,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.StartedAt != nil {
		job.StartedAt = *r.StartedAt
	}
	if r.FinishedAt != nil {
		finished := *r.FinishedAt
		job.FinishedAt = &finished
	}
	return job
}

func newJobRecord(job core.Job, now time.Time) *jobRecord {
	record := &jobRecord{
		ID:           job.ID,
		Engine:       job.Engine,
		ImageURL:     job.ImageURL,
		AudioURL:     job.AudioURL,
		Options:      copyAnyMap(job.Options),
		Status:       string(job.Status),
		OutputURL:    job.OutputURL,
		ErrorKind:    job.ErrorKind,
		ErrorMessage: job.ErrorMessage,
		Retryable:    job.Retryable,
		DurationMS:   job.DurationMS,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if !job.CreatedAt.IsZero() {
		record.CreatedAt = job.CreatedAt
	}
	if !job.UpdatedAt.IsZero() {
		record.UpdatedAt = job.UpdatedAt
	}
	if !job.StartedAt.IsZero() {
		started := job.StartedAt
		record.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		record.FinishedAt = &finished
	}
	return record
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
