package core

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidJobStatusTransition = errors.New("core: invalid job status transition")
	ErrInvalidMediaKind           = errors.New("core: invalid media kind")
	ErrJobNotFound                = errors.New("core: job not found")
	ErrJobExists                  = errors.New("core: job already recorded")
	ErrEngineNotFound             = errors.New("core: generation engine not found")
)

type JobStatus string

const (
	JobStatusReceived   JobStatus = "received"
	JobStatusFetching   JobStatus = "fetching"
	JobStatusStaged     JobStatus = "staged"
	JobStatusGenerating JobStatus = "generating"
	JobStatusUploading  JobStatus = "uploading"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Validate() error {
	switch k {
	case MediaKindImage, MediaKindAudio, MediaKindVideo:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMediaKind, string(k))
	}
}

// JobRequest is the immutable input for one job. The dispatcher builds it
// from the platform payload; the executor consumes it exactly once.
type JobRequest struct {
	JobID    string
	ImageURL string
	AudioURL string
	Engine   string
	Options  map[string]any
}

func (r JobRequest) Normalize() JobRequest {
	r.JobID = strings.TrimSpace(r.JobID)
	r.ImageURL = strings.TrimSpace(r.ImageURL)
	r.AudioURL = strings.TrimSpace(r.AudioURL)
	r.Engine = strings.TrimSpace(strings.ToLower(r.Engine))
	r.Options = copyAnyMap(r.Options)
	return r
}

func (r JobRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return jobBadInput("core: job id is required", nil)
	}
	if err := validateHTTPURL(r.ImageURL); err != nil {
		return jobBadInputWrap(err, "core: image url is invalid", map[string]any{"job_id": r.JobID})
	}
	if err := validateHTTPURL(r.AudioURL); err != nil {
		return jobBadInputWrap(err, "core: audio url is invalid", map[string]any{"job_id": r.JobID})
	}
	return nil
}

func validateHTTPURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// StagedInputs holds the local copies of the remote inputs for one job.
// Both paths live inside the job's scratch directory.
type StagedInputs struct {
	ImagePath string
	AudioPath string
}

// GenerationArtifact is the engine output. Ownership passes to the executor,
// which uploads the video and deletes the local file afterwards.
type GenerationArtifact struct {
	VideoPath       string
	DurationSeconds float64
	FrameCount      int
}

type JobResultStatus string

const (
	JobResultCompleted JobResultStatus = "completed"
	JobResultFailed    JobResultStatus = "failed"
)

// JobResult is the terminal outcome of one job. Exactly one is produced per
// JobRequest, on every path.
type JobResult struct {
	JobID     string          `json:"job_id"`
	Status    JobResultStatus `json:"status"`
	OutputURL string          `json:"output_url,omitempty"`
	Engine    string          `json:"model,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
	Duration  time.Duration   `json:"-"`
}

func (r JobResult) Succeeded() bool {
	return r.Status == JobResultCompleted
}

type ErrorKind string

const (
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	ErrorKindFetchNotFound  ErrorKind = "fetch_not_found"
	ErrorKindFetchTimeout   ErrorKind = "fetch_timeout"
	ErrorKindFetchTooLarge  ErrorKind = "fetch_too_large"
	ErrorKindFetchMalformed ErrorKind = "fetch_malformed"

	ErrorKindInferenceInvalidInput      ErrorKind = "inference_invalid_input"
	ErrorKindInferenceResourceExhausted ErrorKind = "inference_resource_exhausted"
	ErrorKindInferenceModelFailure      ErrorKind = "inference_model_failure"
	ErrorKindInferenceTimeout           ErrorKind = "inference_timeout"

	ErrorKindUploadAuthFailure   ErrorKind = "upload_auth_failure"
	ErrorKindUploadTimeout       ErrorKind = "upload_timeout"
	ErrorKindUploadQuotaExceeded ErrorKind = "upload_quota_exceeded"

	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindUnknown ErrorKind = "unknown"
)

// Retryable reports whether the platform may sensibly resubmit a job that
// failed with this kind. Single-attempt semantics inside the worker: the flag
// is advice for the caller, never acted on locally.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindFetchTimeout,
		ErrorKindInferenceTimeout,
		ErrorKindInferenceResourceExhausted,
		ErrorKindUploadTimeout,
		ErrorKindTimeout:
		return true
	default:
		return false
	}
}

type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Job is the ledger view of one request: status, timing, and outcome. The
// executor owns transitions; stores only persist what it decides.
type Job struct {
	ID           string
	Engine       string
	ImageURL     string
	AudioURL     string
	Options      map[string]any
	Status       JobStatus
	OutputURL    string
	ErrorKind    string
	ErrorMessage string
	Retryable    bool
	StartedAt    time.Time
	FinishedAt   *time.Time
	DurationMS   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (j *Job) TransitionTo(status JobStatus, now time.Time) error {
	if j == nil {
		return nil
	}
	if j.Status == status {
		j.UpdatedAt = now
		return nil
	}
	if !jobTransitionAllowed(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidJobStatusTransition, j.Status, status)
	}
	j.Status = status
	j.UpdatedAt = now
	if status.Terminal() {
		finished := now
		j.FinishedAt = &finished
	}
	return nil
}

func jobTransitionAllowed(current, next JobStatus) bool {
	allowed := map[JobStatus]map[JobStatus]struct{}{
		JobStatusReceived: {
			JobStatusFetching: {},
			JobStatusFailed:   {},
		},
		JobStatusFetching: {
			JobStatusStaged: {},
			JobStatusFailed: {},
		},
		JobStatusStaged: {
			JobStatusGenerating: {},
			JobStatusFailed:     {},
		},
		JobStatusGenerating: {
			JobStatusUploading: {},
			JobStatusFailed:    {},
		},
		JobStatusUploading: {
			JobStatusCompleted: {},
			JobStatusFailed:    {},
		},
		JobStatusCompleted: {},
		JobStatusFailed:    {},
	}
	_, ok := allowed[current][next]
	return ok
}

func copyAnyMap(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}
	copied := make(map[string]any, len(input))
	for key, value := range input {
		copied[key] = value
	}
	return copied
}

func firstNonEmptyTrimmed(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
