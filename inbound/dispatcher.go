package inbound

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/flowsmartly/avatar-worker/core"
)

const defaultClaimTTL = 10 * time.Minute

// Dispatcher is the boundary between the delivery platform and the executor:
// payload in, exactly one JobResult out. Parse faults, duplicate deliveries,
// and panics in the surrounding plumbing all land in the result's error
// field; a dispatch never returns an error and never exits the process.
type Dispatcher struct {
	Executor core.JobExecutor
	Claims   core.IdempotencyClaimStore
	Ledger   core.JobStore
	Logger   core.Logger
	ClaimTTL time.Duration
}

func NewDispatcher(executor core.JobExecutor, claims core.IdempotencyClaimStore) *Dispatcher {
	return &Dispatcher{
		Executor: executor,
		Claims:   claims,
		ClaimTTL: defaultClaimTTL,
	}
}

// Dispatch runs one delivered job. The claim is settled by the outcome:
// released after a retryable failure so a redelivery may run, kept after
// success or a permanent failure so a redelivery replays instead.
func (d *Dispatcher) Dispatch(ctx context.Context, envelope core.JobEnvelope) (result core.JobResult) {
	defer func() {
		recovered := recover()
		if recovered == nil {
			return
		}
		jobID := result.JobID
		if jobID == "" {
			jobID = strings.TrimSpace(envelope.JobID)
		}
		d.logError(ctx, "dispatch panicked", "job_id", jobID, "panic", fmt.Sprint(recovered))
		result = core.JobResult{
			JobID:  jobID,
			Status: core.JobResultFailed,
			Error: &core.ErrorInfo{
				Kind:    core.ErrorKindUnknown,
				Message: fmt.Sprintf("dispatch panicked: %v", recovered),
			},
		}
	}()

	req, err := jobRequestFromEnvelope(envelope)
	if err != nil {
		return resultFromError(req.JobID, err)
	}

	claimID := ""
	if d.Claims != nil {
		id, accepted, claimErr := d.Claims.Claim(ctx, claimKey(envelope, req), d.claimTTL())
		switch {
		case claimErr != nil:
			// A broken claim store costs dedupe, not availability.
			d.logError(ctx, "idempotency claim failed, executing without dedupe",
				"job_id", req.JobID, "error", claimErr.Error())
		case !accepted:
			return d.replayResult(ctx, req)
		default:
			claimID = id
		}
	}

	result = d.execute(ctx, req)
	d.settleClaim(ctx, claimID, result)
	return result
}

// DispatchJSON accepts the platform's raw JSON body. A malformed body fails
// as an invalid request; nothing is fetched or claimed for it.
func (d *Dispatcher) DispatchJSON(ctx context.Context, raw []byte) core.JobResult {
	envelope, err := ParseEnvelope(raw)
	if err != nil {
		return resultFromError(envelope.JobID, err)
	}
	return d.Dispatch(ctx, envelope)
}

// ParseEnvelope decodes a platform payload into the queue envelope. A job id
// is minted when the payload carries none, so every result is addressable.
func ParseEnvelope(raw []byte) (core.JobEnvelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return core.JobEnvelope{}, inboundBadInput("inbound: request body is empty", nil)
	}
	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return core.JobEnvelope{}, inboundBadInputWrap(err, "inbound: request body is not valid json", nil)
	}
	envelope := core.JobEnvelope{
		JobID:      stringField(payload, "id"),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	if envelope.JobID == "" {
		envelope.JobID = uuid.NewString()
	}
	return envelope, nil
}

func (d *Dispatcher) execute(ctx context.Context, req core.JobRequest) core.JobResult {
	if d == nil || d.Executor == nil {
		return resultFromError(req.JobID, inboundInternal("inbound: job executor is not configured", map[string]any{
			"job_id": req.JobID,
		}))
	}
	return d.Executor.ExecuteJob(ctx, req)
}

// replayResult serves a duplicate delivery. A terminal ledger record replays
// as the recorded result; a job still in flight reports the duplicate
// without executing anything.
func (d *Dispatcher) replayResult(ctx context.Context, req core.JobRequest) core.JobResult {
	if d.Ledger != nil {
		job, err := d.Ledger.GetByID(ctx, req.JobID)
		if err == nil && job.Status.Terminal() {
			d.logInfo(ctx, "duplicate delivery served from ledger",
				"job_id", req.JobID, "status", string(job.Status))
			return resultFromJob(job)
		}
		if err != nil && !errors.Is(err, core.ErrJobNotFound) {
			d.logError(ctx, "ledger replay lookup failed", "job_id", req.JobID, "error", err.Error())
		}
	}
	return core.JobResult{
		JobID:  req.JobID,
		Status: core.JobResultFailed,
		Error: &core.ErrorInfo{
			Kind:    core.ErrorKindUnknown,
			Message: "duplicate delivery: job is already claimed and has no recorded result yet",
		},
	}
}

func (d *Dispatcher) settleClaim(ctx context.Context, claimID string, result core.JobResult) {
	if d.Claims == nil || claimID == "" {
		return
	}
	if result.Error != nil && result.Error.Retryable {
		cause := fmt.Errorf("%s: %s", result.Error.Kind, result.Error.Message)
		if err := d.Claims.Fail(ctx, claimID, cause, time.Time{}); err != nil {
			d.logError(ctx, "claim release failed", "job_id", result.JobID, "error", err.Error())
		}
		return
	}
	if err := d.Claims.Complete(ctx, claimID); err != nil {
		d.logError(ctx, "claim completion failed", "job_id", result.JobID, "error", err.Error())
	}
}

func (d *Dispatcher) claimTTL() time.Duration {
	if d != nil && d.ClaimTTL > 0 {
		return d.ClaimTTL
	}
	return defaultClaimTTL
}

func (d *Dispatcher) logInfo(ctx context.Context, message string, args ...any) {
	if d == nil || d.Logger == nil {
		return
	}
	logger := d.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	logger.Info(message, args...)
}

func (d *Dispatcher) logError(ctx context.Context, message string, args ...any) {
	if d == nil || d.Logger == nil {
		return
	}
	logger := d.Logger
	if ctx != nil {
		logger = logger.WithContext(ctx)
	}
	logger.Error(message, args...)
}

// jobRequestFromEnvelope maps the platform payload onto a JobRequest. The
// inputs live under an `input` wrapper on hosted deliveries and at the top
// level on bare local ones; both shapes are accepted.
func jobRequestFromEnvelope(envelope core.JobEnvelope) (core.JobRequest, error) {
	outer := envelope.Payload
	input := outer
	if inner, ok := outer["input"].(map[string]any); ok {
		input = inner
	}

	req := core.JobRequest{
		JobID:    strings.TrimSpace(envelope.JobID),
		ImageURL: stringField(input, "input_image_url"),
		AudioURL: stringField(input, "input_audio_url"),
		Engine:   stringField(input, "engine"),
		Options:  mapField(input, "options"),
	}
	if req.JobID == "" {
		req.JobID = stringField(outer, "id")
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	var missing []goerrors.FieldError
	if req.ImageURL == "" {
		missing = append(missing, goerrors.FieldError{Field: "input_image_url", Message: "input_image_url is required"})
	}
	if req.AudioURL == "" {
		missing = append(missing, goerrors.FieldError{Field: "input_audio_url", Message: "input_audio_url is required"})
	}
	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for _, fieldErr := range missing {
			names = append(names, fieldErr.Field)
		}
		return req, inboundValidationError(
			"inbound: required input fields are missing: "+strings.Join(names, ", "),
			missing,
			map[string]any{"job_id": req.JobID},
		)
	}
	return req, nil
}

func claimKey(envelope core.JobEnvelope, req core.JobRequest) string {
	if key := strings.TrimSpace(envelope.IdempotencyKey); key != "" {
		return key
	}
	return req.JobID
}

func resultFromError(jobID string, err error) core.JobResult {
	return core.JobResult{
		JobID:  jobID,
		Status: core.JobResultFailed,
		Error:  core.ErrorInfoFromError(err),
	}
}

func resultFromJob(job core.Job) core.JobResult {
	result := core.JobResult{
		JobID:     job.ID,
		Engine:    job.Engine,
		OutputURL: job.OutputURL,
		Duration:  time.Duration(job.DurationMS) * time.Millisecond,
	}
	if job.Status == core.JobStatusCompleted {
		result.Status = core.JobResultCompleted
		return result
	}
	result.Status = core.JobResultFailed
	kind := core.ErrorKind(strings.TrimSpace(job.ErrorKind))
	if kind == "" {
		kind = core.ErrorKindUnknown
	}
	message := strings.TrimSpace(job.ErrorMessage)
	if message == "" {
		message = "job failed"
	}
	result.Error = &core.ErrorInfo{Kind: kind, Message: message, Retryable: job.Retryable}
	return result
}

func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	value, ok := payload[key]
	if !ok || value == nil {
		return ""
	}
	text, ok := value.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}

func mapField(payload map[string]any, key string) map[string]any {
	if payload == nil {
		return nil
	}
	value, ok := payload[key].(map[string]any)
	if !ok {
		return nil
	}
	return value
}

type claimStatus string

const (
	claimStatusProcessing claimStatus = "processing"
	claimStatusRetryReady claimStatus = "retry_ready"
	claimStatusComplete   claimStatus = "complete"
)

type claimEntry struct {
	Key            string
	Status         claimStatus
	ClaimID        string
	Attempts       int
	KeyTTL         time.Duration
	LeaseExpiresAt time.Time
	RetryAt        time.Time
}

// InMemoryClaimStore is the single-process claim store: the default for the
// local simulator and tests, and the fallback when no Redis address is
// configured.
type InMemoryClaimStore struct {
	mu      sync.Mutex
	entries map[string]claimEntry
	claims  map[string]string
	nextID  int
	Now     func() time.Time
}

func NewInMemoryClaimStore() *InMemoryClaimStore {
	return &InMemoryClaimStore{
		entries: map[string]claimEntry{},
		claims:  map[string]string{},
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (s *InMemoryClaimStore) Claim(
	_ context.Context,
	key string,
	lease time.Duration,
) (string, bool, error) {
	if s == nil {
		return "", false, inboundInternal("inbound: claim store is nil", nil)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, inboundBadInput("inbound: idempotency key is required", nil)
	}
	now := s.now()
	if lease <= 0 {
		lease = defaultClaimTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(now)
	entry, exists := s.entries[key]
	if !exists {
		claimID := s.nextClaimID()
		s.entries[key] = claimEntry{
			Key:            key,
			Status:         claimStatusProcessing,
			ClaimID:        claimID,
			Attempts:       1,
			KeyTTL:         lease,
			LeaseExpiresAt: now.Add(lease),
		}
		s.claims[claimID] = key
		return claimID, true, nil
	}

	switch entry.Status {
	case claimStatusComplete:
		if !entry.LeaseExpiresAt.IsZero() && now.Before(entry.LeaseExpiresAt) {
			return "", false, nil
		}
	case claimStatusProcessing:
		if now.Before(entry.LeaseExpiresAt) {
			return "", false, nil
		}
	case claimStatusRetryReady:
		if !entry.RetryAt.IsZero() && now.Before(entry.RetryAt) {
			return "", false, nil
		}
	}

	if entry.ClaimID != "" {
		delete(s.claims, entry.ClaimID)
	}
	claimID := s.nextClaimID()
	entry.Status = claimStatusProcessing
	entry.ClaimID = claimID
	entry.Attempts++
	entry.KeyTTL = lease
	entry.LeaseExpiresAt = now.Add(lease)
	entry.RetryAt = time.Time{}
	s.entries[key] = entry
	s.claims[claimID] = key
	return claimID, true, nil
}

func (s *InMemoryClaimStore) Complete(_ context.Context, claimID string) error {
	if s == nil {
		return inboundInternal("inbound: claim store is nil", nil)
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return inboundBadInput("inbound: claim id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.claims[claimID]
	if !ok {
		return nil
	}
	entry, exists := s.entries[key]
	if !exists || entry.ClaimID != claimID || entry.Status != claimStatusProcessing {
		delete(s.claims, claimID)
		return nil
	}
	ttl := entry.KeyTTL
	if ttl <= 0 {
		ttl = defaultClaimTTL
	}
	now := s.now()
	entry.Status = claimStatusComplete
	entry.LeaseExpiresAt = now.Add(ttl)
	entry.RetryAt = time.Time{}
	s.entries[key] = entry
	delete(s.claims, claimID)
	return nil
}

func (s *InMemoryClaimStore) Fail(
	_ context.Context,
	claimID string,
	_ error,
	retryAt time.Time,
) error {
	if s == nil {
		return inboundInternal("inbound: claim store is nil", nil)
	}
	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return inboundBadInput("inbound: claim id is required", nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.claims[claimID]
	if !ok {
		return nil
	}
	entry, exists := s.entries[key]
	if !exists || entry.ClaimID != claimID || entry.Status != claimStatusProcessing {
		delete(s.claims, claimID)
		return nil
	}
	if retryAt.IsZero() {
		retryAt = s.now()
	}
	entry.Status = claimStatusRetryReady
	entry.RetryAt = retryAt.UTC()
	entry.LeaseExpiresAt = time.Time{}
	s.entries[key] = entry
	delete(s.claims, claimID)
	return nil
}

func (s *InMemoryClaimStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *InMemoryClaimStore) nextClaimID() string {
	s.nextID++
	return fmt.Sprintf("claim_%d", s.nextID)
}

func (s *InMemoryClaimStore) evictExpiredLocked(now time.Time) {
	for key, entry := range s.entries {
		if entry.Status != claimStatusComplete {
			continue
		}
		if entry.LeaseExpiresAt.IsZero() || !now.Before(entry.LeaseExpiresAt) {
			if entry.ClaimID != "" {
				delete(s.claims, entry.ClaimID)
			}
			delete(s.entries, key)
		}
	}
}

var _ core.IdempotencyClaimStore = (*InMemoryClaimStore)(nil)
