package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const ledgerWriteTimeout = 5 * time.Second

// ExecuteJob runs one avatar job start to finish and always returns exactly
// one result. Failures, panics, and deadline hits all land in the result's
// error field; the method itself never propagates an error and never exits
// the process.
func (s *Service) ExecuteJob(ctx context.Context, req JobRequest) (result JobResult) {
	startedAt := time.Now().UTC()
	req = req.Normalize()
	fields := map[string]any{"job_id": req.JobID}

	defer func() {
		var err error
		if result.Error != nil {
			fields["error_kind"] = string(result.Error.Kind)
			err = fmt.Errorf("%s: %s", result.Error.Kind, result.Error.Message)
		}
		s.observeOperation(ctx, startedAt, "execute_job", err, fields)
	}()
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		s.logError(ctx, "job panicked", map[string]any{
			"job_id": req.JobID,
			"panic":  fmt.Sprint(recovered),
			"stack":  string(debug.Stack()),
		})
		result = s.finishJob(req, "", startedAt, JobResult{
			Status: JobResultFailed,
			Error: &ErrorInfo{
				Kind:    ErrorKindUnknown,
				Message: fmt.Sprintf("job panicked: %v", recovered),
			},
		})
	}()

	if err := req.Validate(); err != nil {
		return s.finishJob(req, "", startedAt, failureResult(err))
	}

	engine, engineName, err := s.resolveEngine(req)
	if err != nil {
		return s.finishJob(req, engineName, startedAt, failureResult(err))
	}
	fields["engine"] = engineName

	s.ledgerCreate(ctx, req, engineName)

	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout())
	defer cancel()

	scratch, err := s.scratchDir(req.JobID)
	if err != nil {
		return s.finishJob(req, engineName, startedAt, failureResult(err))
	}
	defer s.releaseScratch(ctx, req.JobID, scratch)

	s.ledgerMark(jobCtx, req.JobID, JobStatusFetching)
	staged, err := s.stageInputs(jobCtx, req, scratch)
	if err != nil {
		return s.finishJob(req, engineName, startedAt, s.classifyFailure(jobCtx, err))
	}
	s.ledgerMark(jobCtx, req.JobID, JobStatusStaged)

	s.ledgerMark(jobCtx, req.JobID, JobStatusGenerating)
	artifact, err := s.runGeneration(jobCtx, engine, req, staged, scratch)
	if err != nil {
		return s.finishJob(req, engineName, startedAt, s.classifyFailure(jobCtx, err))
	}
	s.removeStagedInputs(ctx, req.JobID, staged)

	s.ledgerMark(jobCtx, req.JobID, JobStatusUploading)
	upload, err := s.uploadArtifact(jobCtx, req, artifact)
	if err != nil {
		return s.finishJob(req, engineName, startedAt, s.classifyFailure(jobCtx, err))
	}
	s.removeArtifact(ctx, req.JobID, artifact)

	return s.finishJob(req, engineName, startedAt, JobResult{
		Status:    JobResultCompleted,
		OutputURL: upload.URL,
	})
}

// finishJob stamps identity and duration onto the outcome and records it in
// the ledger exactly once per invocation.
func (s *Service) finishJob(req JobRequest, engineName string, startedAt time.Time, result JobResult) JobResult {
	result.JobID = req.JobID
	if result.Engine == "" {
		result.Engine = engineName
	}
	result.Duration = time.Since(startedAt)
	s.ledgerResult(result)
	return result
}

// classifyFailure resolves a stage error into the result taxonomy. A spent
// job deadline overrides whatever the stage reported.
func (s *Service) classifyFailure(jobCtx context.Context, err error) JobResult {
	if ctxErr := jobCtx.Err(); ctxErr != nil {
		message := "job canceled before completion"
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			message = "job deadline exceeded"
		}
		return JobResult{
			Status: JobResultFailed,
			Error: &ErrorInfo{
				Kind:      ErrorKindTimeout,
				Message:   message,
				Retryable: true,
			},
		}
	}
	return failureResult(err)
}

func failureResult(err error) JobResult {
	return JobResult{
		Status: JobResultFailed,
		Error:  ErrorInfoFromError(err),
	}
}

func (s *Service) resolveEngine(req JobRequest) (GenerationEngine, string, error) {
	name := req.Engine
	if name == "" {
		name = strings.ToLower(strings.TrimSpace(s.config.Generation.Engine))
	}
	if s.engines == nil {
		return nil, name, jobInternal("engine registry is not configured", map[string]any{"engine": name})
	}
	engine, ok := s.engines.Get(name)
	if !ok {
		if req.Engine != "" {
			return nil, name, jobBadInput("unknown generation engine", map[string]any{"engine": name})
		}
		return nil, name, jobInternalWrap(ErrEngineNotFound, "default generation engine is not registered", map[string]any{"engine": name})
	}
	return engine, name, nil
}

func (s *Service) scratchDir(jobID string) (ScratchDir, error) {
	if s.scratch == nil {
		return ScratchDir{}, jobInternal("scratch allocator is not configured", map[string]any{"job_id": jobID})
	}
	dir, err := s.scratch.Allocate(jobID)
	if err != nil {
		return ScratchDir{}, jobInternalWrap(err, "scratch allocation failed", map[string]any{"job_id": jobID})
	}
	return dir, nil
}

func (s *Service) releaseScratch(ctx context.Context, jobID string, dir ScratchDir) {
	if s.scratch == nil {
		return
	}
	if err := s.scratch.Release(dir); err != nil {
		s.logError(ctx, "scratch release failed", map[string]any{
			"job_id": jobID,
			"dir":    dir.Dir,
			"error":  err.Error(),
		})
	}
}

func (s *Service) stageInputs(ctx context.Context, req JobRequest, scratch ScratchDir) (staged StagedInputs, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"job_id": req.JobID, "stage": "fetch"}
	defer func() {
		s.observeOperation(ctx, startedAt, "fetch_inputs", err, fields)
	}()

	if s.fetcher == nil {
		err = jobInternal("remote fetcher is not configured", map[string]any{"job_id": req.JobID})
		return StagedInputs{}, err
	}

	image, err := s.fetcher.Fetch(ctx, FetchRequest{
		URL:        req.ImageURL,
		DestPath:   scratch.File("input.png"),
		ExpectKind: MediaKindImage,
		MaxBytes:   s.config.MaxInputBytes,
		Timeout:    s.config.FetchTimeout(),
	})
	if err != nil {
		return StagedInputs{}, err
	}
	fields["image_bytes"] = image.BytesWritten
	fields["image_path"] = image.Path

	audio, err := s.fetcher.Fetch(ctx, FetchRequest{
		URL:        req.AudioURL,
		DestPath:   scratch.File("input.wav"),
		ExpectKind: MediaKindAudio,
		MaxBytes:   s.config.MaxInputBytes,
		Timeout:    s.config.FetchTimeout(),
	})
	if err != nil {
		return StagedInputs{}, err
	}
	fields["audio_bytes"] = audio.BytesWritten
	fields["audio_path"] = audio.Path

	return StagedInputs{ImagePath: image.Path, AudioPath: audio.Path}, nil
}

func (s *Service) runGeneration(ctx context.Context, engine GenerationEngine, req JobRequest, staged StagedInputs, scratch ScratchDir) (artifact GenerationArtifact, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"job_id": req.JobID, "engine": engine.Name(), "stage": "generate"}
	defer func() {
		s.observeOperation(ctx, startedAt, "run_generation", err, fields)
	}()

	genCtx, cancel := context.WithTimeout(ctx, s.config.GenerationTimeout())
	defer cancel()

	artifact, err = awaitGeneration(genCtx, engine, GenerationRequest{
		JobID:     req.JobID,
		ImagePath: staged.ImagePath,
		AudioPath: staged.AudioPath,
		OutputDir: scratch.Dir,
		Options:   s.generationOptions(req),
	})
	if err != nil {
		var richErr *goerrors.Error
		if isContextCancellation(err) && !goerrors.As(err, &richErr) && ctx.Err() == nil {
			err = jobWrapError(err, goerrors.CategoryOperation, "generation deadline exceeded", ErrorCodeInferenceTimeout, map[string]any{
				"job_id": req.JobID,
				"engine": engine.Name(),
			})
		}
		return GenerationArtifact{}, err
	}
	fields["video_path"] = artifact.VideoPath
	if artifact.DurationSeconds > 0 {
		fields["video_seconds"] = artifact.DurationSeconds
	}
	return artifact, nil
}

// awaitGeneration keeps the deadline authoritative even when an engine
// implementation ignores its context. The goroutine that outlives a deadline
// is abandoned; its scratch output is removed with the job directory.
func awaitGeneration(ctx context.Context, engine GenerationEngine, req GenerationRequest) (GenerationArtifact, error) {
	type generationOutcome struct {
		artifact GenerationArtifact
		err      error
	}
	done := make(chan generationOutcome, 1)
	go func() {
		artifact, err := engine.Generate(ctx, req)
		done <- generationOutcome{artifact: artifact, err: err}
	}()
	select {
	case outcome := <-done:
		return outcome.artifact, outcome.err
	case <-ctx.Done():
		return GenerationArtifact{}, ctx.Err()
	}
}

func (s *Service) generationOptions(req JobRequest) GenerationOptions {
	return GenerationOptions{
		FPS:       intOption(req.Options, "fps", s.config.Generation.FPS),
		BatchSize: intOption(req.Options, "batch_size", s.config.Generation.BatchSize),
		Timeout:   s.config.GenerationTimeout(),
		Extra:     copyAnyMap(req.Options),
	}
}

func (s *Service) uploadArtifact(ctx context.Context, req JobRequest, artifact GenerationArtifact) (out UploadResult, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"job_id": req.JobID, "stage": "upload"}
	defer func() {
		s.observeOperation(ctx, startedAt, "upload_artifact", err, fields)
	}()

	if s.objectStore == nil {
		err = jobInternal("object store is not configured", map[string]any{"job_id": req.JobID})
		return UploadResult{}, err
	}
	key := s.config.ObjectKey(req.JobID)
	fields["key"] = key

	out, err = s.objectStore.Upload(ctx, UploadRequest{
		LocalPath:   artifact.VideoPath,
		Key:         key,
		ContentType: "video/mp4",
		Metadata:    map[string]string{"job_id": req.JobID},
	})
	if err != nil {
		return UploadResult{}, err
	}
	fields["bytes"] = out.Bytes
	fields["output_url"] = out.URL
	return out, nil
}

func (s *Service) removeStagedInputs(ctx context.Context, jobID string, staged StagedInputs) {
	for _, path := range []string{staged.ImagePath, staged.AudioPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logInfo(ctx, "staged input cleanup skipped", map[string]any{
				"job_id": jobID,
				"path":   path,
				"error":  err.Error(),
			})
		}
	}
}

func (s *Service) removeArtifact(ctx context.Context, jobID string, artifact GenerationArtifact) {
	if artifact.VideoPath == "" {
		return
	}
	if err := os.Remove(artifact.VideoPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logInfo(ctx, "artifact cleanup skipped", map[string]any{
			"job_id": jobID,
			"path":   artifact.VideoPath,
			"error":  err.Error(),
		})
	}
}

func (s *Service) ledgerCreate(ctx context.Context, req JobRequest, engineName string) {
	if s == nil || s.jobStore == nil {
		return
	}
	_, err := s.jobStore.Create(ctx, CreateJobInput{
		ID:       req.JobID,
		Engine:   engineName,
		ImageURL: req.ImageURL,
		AudioURL: req.AudioURL,
		Options:  copyAnyMap(req.Options),
		Status:   JobStatusReceived,
	})
	if err != nil {
		s.logError(ctx, "job ledger create failed", map[string]any{
			"job_id": req.JobID,
			"error":  err.Error(),
		})
	}
}

func (s *Service) ledgerMark(ctx context.Context, jobID string, status JobStatus) {
	if s == nil || s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.MarkStatus(ctx, jobID, status); err != nil {
		s.logError(ctx, "job ledger status update failed", map[string]any{
			"job_id": jobID,
			"status": string(status),
			"error":  err.Error(),
		})
	}
}

// ledgerResult writes the terminal record on a fresh context so an expired
// job deadline cannot block the final ledger entry.
func (s *Service) ledgerResult(result JobResult) {
	if s == nil || s.jobStore == nil || strings.TrimSpace(result.JobID) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	if _, err := s.jobStore.MarkResult(ctx, result.JobID, result, result.Duration); err != nil {
		s.logError(ctx, "job ledger result write failed", map[string]any{
			"job_id": result.JobID,
			"error":  err.Error(),
		})
	}
}

func (s *Service) GetJob(ctx context.Context, jobID string) (job Job, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"job_id": jobID}
	defer func() {
		s.observeOperation(ctx, startedAt, "get_job", err, fields)
	}()

	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		err = s.mapError(jobBadInput("job id is required", nil))
		return Job{}, err
	}
	if s.jobStore == nil {
		err = s.mapError(jobInternal("job ledger is not configured", nil))
		return Job{}, err
	}
	job, err = s.jobStore.GetByID(ctx, jobID)
	if err != nil {
		err = s.mapError(err)
		return Job{}, err
	}
	return job, nil
}

func (s *Service) ListRecentJobs(ctx context.Context, limit int) (jobs []Job, err error) {
	startedAt := time.Now().UTC()
	fields := map[string]any{"limit": limit}
	defer func() {
		s.observeOperation(ctx, startedAt, "list_recent_jobs", err, fields)
	}()

	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if s.jobStore == nil {
		err = s.mapError(jobInternal("job ledger is not configured", nil))
		return nil, err
	}
	jobs, err = s.jobStore.ListRecent(ctx, limit)
	if err != nil {
		err = s.mapError(err)
		return nil, err
	}
	return jobs, nil
}

// Readiness reports what the worker can currently serve. A degraded report
// is informational; the worker keeps accepting jobs and fails them through
// the normal result path.
func (s *Service) Readiness(ctx context.Context) ReadinessReport {
	if s == nil {
		return ReadinessReport{CheckedAt: time.Now().UTC()}
	}
	report := ReadinessReport{
		WorkerName:      s.config.WorkerName,
		StoreConfigured: s.objectStore != nil && s.config.Store.Configured(),
		LedgerReady:     s.jobStore != nil,
		CheckedAt:       time.Now().UTC(),
	}
	if s.engines != nil {
		for _, engine := range s.engines.List() {
			readiness := EngineReadiness{Name: engine.Name(), Ready: true}
			if prober, ok := engine.(EngineProber); ok {
				if err := prober.Probe(ctx); err != nil {
					readiness.Ready = false
					readiness.Detail = err.Error()
				}
			}
			report.Engines = append(report.Engines, readiness)
		}
	}
	return report
}

func intOption(options map[string]any, key string, fallback int) int {
	value, ok := options[key]
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

var _ JobExecutor = (*Service)(nil)
