package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/flowsmartly/avatar-worker/core"
)

const defaultRecentJobLimit = 50

// JobStore persists the worker's job ledger. The executor owns status
// transitions; the store only refuses ones the state machine forbids.
type JobStore struct {
	db   *bun.DB
	repo repository.Repository[*jobRecord]
}

func NewJobStore(db *bun.DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*jobRecord](db, jobHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid job repository wiring: %w", err)
		}
	}
	return &JobStore{
		db:   db,
		repo: repo,
	}, nil
}

func (s *JobStore) Create(ctx context.Context, in core.CreateJobInput) (core.Job, error) {
	if s == nil || s.db == nil {
		return core.Job{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	in.ImageURL = strings.TrimSpace(in.ImageURL)
	in.AudioURL = strings.TrimSpace(in.AudioURL)
	if in.ImageURL == "" || in.AudioURL == "" {
		return core.Job{}, fmt.Errorf("sqlstore: image url and audio url are required")
	}
	if strings.TrimSpace(in.ID) == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = core.JobStatusReceived
	}

	now := time.Now().UTC()
	job := core.Job{
		ID:        strings.TrimSpace(in.ID),
		Engine:    strings.TrimSpace(strings.ToLower(in.Engine)),
		ImageURL:  in.ImageURL,
		AudioURL:  in.AudioURL,
		Options:   RedactMetadata(in.Options),
		Status:    in.Status,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	record := newJobRecord(job, now)
	if _, err := s.repo.Create(ctx, record); err != nil {
		if isUniqueViolation(err) {
			return core.Job{}, fmt.Errorf("%w: id %q", core.ErrJobExists, job.ID)
		}
		return core.Job{}, err
	}
	return record.toDomain(), nil
}

func (s *JobStore) MarkStatus(ctx context.Context, id string, status core.JobStatus) (core.Job, error) {
	if s == nil || s.db == nil {
		return core.Job{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	record, err := s.loadRecord(ctx, id)
	if err != nil {
		return core.Job{}, err
	}

	job := record.toDomain()
	now := time.Now().UTC()
	if err := job.TransitionTo(status, now); err != nil {
		return core.Job{}, err
	}

	updated := newJobRecord(job, now)
	updated.CreatedAt = record.CreatedAt
	if _, err := s.db.NewUpdate().
		Model(updated).
		Column("status", "updated_at", "finished_at").
		Where("id = ?", updated.ID).
		Exec(ctx); err != nil {
		return core.Job{}, err
	}
	return updated.toDomain(), nil
}

func (s *JobStore) MarkResult(ctx context.Context, id string, result core.JobResult, duration time.Duration) (core.Job, error) {
	if s == nil || s.db == nil {
		return core.Job{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	record, err := s.loadRecord(ctx, id)
	if err != nil {
		return core.Job{}, err
	}

	job := record.toDomain()
	target := core.JobStatusCompleted
	if !result.Succeeded() {
		target = core.JobStatusFailed
	}
	now := time.Now().UTC()
	if err := job.TransitionTo(target, now); err != nil {
		return core.Job{}, err
	}

	job.OutputURL = result.OutputURL
	job.DurationMS = duration.Milliseconds()
	job.ErrorKind = ""
	job.ErrorMessage = ""
	job.Retryable = false
	if result.Error != nil {
		job.ErrorKind = string(result.Error.Kind)
		job.ErrorMessage = result.Error.Message
		job.Retryable = result.Error.Retryable
	}

	updated := newJobRecord(job, now)
	updated.CreatedAt = record.CreatedAt
	if _, err := s.db.NewUpdate().
		Model(updated).
		Column("status", "output_url", "error_kind", "error_message", "retryable", "duration_ms", "updated_at", "finished_at").
		Where("id = ?", updated.ID).
		Exec(ctx); err != nil {
		return core.Job{}, err
	}
	return updated.toDomain(), nil
}

func (s *JobStore) GetByID(ctx context.Context, id string) (core.Job, error) {
	if s == nil || s.db == nil {
		return core.Job{}, fmt.Errorf("sqlstore: job store is not configured")
	}
	record, err := s.loadRecord(ctx, id)
	if err != nil {
		return core.Job{}, err
	}
	return record.toDomain(), nil
}

func (s *JobStore) ListRecent(ctx context.Context, limit int) ([]core.Job, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: job store is not configured")
	}
	if limit <= 0 {
		limit = defaultRecentJobLimit
	}
	records, _, err := s.repo.List(ctx,
		repository.OrderBy("created_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]core.Job, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *JobStore) loadRecord(ctx context.Context, id string) (*jobRecord, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, fmt.Errorf("sqlstore: job id is required")
	}
	record := &jobRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", trimmed).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: id %q", core.ErrJobNotFound, trimmed)
		}
		return nil, err
	}
	return record, nil
}

func isUniqueViolation(err error) bool {
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
