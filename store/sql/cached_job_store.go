package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/flowsmartly/avatar-worker/core"
)

const jobCacheKeyPrefix = "avatar-worker::job::v1"

// CachedJobStore layers read caching over the job ledger. Writes go to the
// base store first and then invalidate, so a hit never shadows a newer row.
type CachedJobStore struct {
	base  core.JobStore
	cache repositorycache.CacheService
}

func NewCachedJobStore(base core.JobStore, cacheService repositorycache.CacheService) (*CachedJobStore, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base job store is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: job cache service is required")
	}
	return &CachedJobStore{base: base, cache: cacheService}, nil
}

// JobCacheKey returns the deterministic cache key for job reads:
// avatar-worker::job::v1::<job_id> with the id URL-path escaped.
func JobCacheKey(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", fmt.Errorf("sqlstore: job id is required")
	}
	return jobCacheKeyPrefix + "::" + url.PathEscape(trimmed), nil
}

func (s *CachedJobStore) Create(ctx context.Context, in core.CreateJobInput) (core.Job, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Job{}, fmt.Errorf("sqlstore: cached job store is not configured")
	}
	created, err := s.base.Create(ctx, in)
	if err != nil {
		return core.Job{}, err
	}
	if err := s.invalidate(ctx, created.ID); err != nil {
		return core.Job{}, err
	}
	return created, nil
}

func (s *CachedJobStore) MarkStatus(ctx context.Context, id string, status core.JobStatus) (core.Job, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Job{}, fmt.Errorf("sqlstore: cached job store is not configured")
	}
	updated, err := s.base.MarkStatus(ctx, id, status)
	if err != nil {
		return core.Job{}, err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return core.Job{}, err
	}
	return updated, nil
}

func (s *CachedJobStore) MarkResult(ctx context.Context, id string, result core.JobResult, duration time.Duration) (core.Job, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Job{}, fmt.Errorf("sqlstore: cached job store is not configured")
	}
	updated, err := s.base.MarkResult(ctx, id, result, duration)
	if err != nil {
		return core.Job{}, err
	}
	if err := s.invalidate(ctx, id); err != nil {
		return core.Job{}, err
	}
	return updated, nil
}

func (s *CachedJobStore) GetByID(ctx context.Context, id string) (core.Job, error) {
	if s == nil || s.base == nil || s.cache == nil {
		return core.Job{}, fmt.Errorf("sqlstore: cached job store is not configured")
	}
	cacheKey, err := JobCacheKey(id)
	if err != nil {
		return core.Job{}, err
	}
	job, err := repositorycache.GetOrFetch(ctx, s.cache, cacheKey, func(ctx context.Context) (core.Job, error) {
		fetched, fetchErr := s.base.GetByID(ctx, id)
		if fetchErr != nil {
			return core.Job{}, fetchErr
		}
		return cloneJob(fetched), nil
	})
	if err != nil {
		return core.Job{}, err
	}
	return cloneJob(job), nil
}

func (s *CachedJobStore) ListRecent(ctx context.Context, limit int) ([]core.Job, error) {
	if s == nil || s.base == nil {
		return nil, fmt.Errorf("sqlstore: cached job store is not configured")
	}
	// Listings change on every ledger write; only point reads cache well.
	return s.base.ListRecent(ctx, limit)
}

func (s *CachedJobStore) invalidate(ctx context.Context, id string) error {
	cacheKey, err := JobCacheKey(id)
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, cacheKey)
}

func cloneJob(job core.Job) core.Job {
	cloned := job
	cloned.Options = copyAnyMap(job.Options)
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		cloned.FinishedAt = &finished
	}
	return cloned
}
