package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flowsmartly/avatar-worker/core"
	"github.com/flowsmartly/avatar-worker/fetch"
	"github.com/flowsmartly/avatar-worker/inbound"
	"github.com/flowsmartly/avatar-worker/inference/ffmpeg"
	"github.com/flowsmartly/avatar-worker/inference/musetalk"
	redisstore "github.com/flowsmartly/avatar-worker/store/redis"
	s3store "github.com/flowsmartly/avatar-worker/store/s3"
	sqlstore "github.com/flowsmartly/avatar-worker/store/sql"
)

// workerRuntime bundles the built service with the resources the commands
// share. Close releases the ledger handle; the claim store rides on its own
// connection pool and needs no shutdown.
type workerRuntime struct {
	service *core.Service
	ledger  *bun.DB
}

func (r *workerRuntime) Close() {
	if r == nil || r.ledger == nil {
		return
	}
	_ = r.ledger.Close()
}

func (r *workerRuntime) logger() core.Logger {
	if r == nil || r.service == nil {
		return nil
	}
	return r.service.Dependencies().Logger
}

// loadConfig resolves the effective configuration: environment variables
// layered over the built-in defaults.
func loadConfig(ctx context.Context) (core.Config, error) {
	provider := core.NewCfgxConfigProvider(core.NewEnvRawConfigLoader())
	cfg, err := provider.Load(ctx, core.DefaultConfig())
	if err != nil {
		return core.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildRuntime assembles the production service: both generation engines,
// the HTTP fetcher, the object store when credentials are present, and the
// SQL ledger when a DSN is configured. Missing pieces degrade the service
// instead of blocking startup; readiness reporting carries the gaps.
func buildRuntime(ctx context.Context, cfg core.Config) (*workerRuntime, error) {
	options := []core.Option{
		core.WithEngine(musetalk.NewEngine(nil, musetalk.Config{
			WorkspaceDir: cfg.Generation.WorkspaceDir,
			ModelDir:     cfg.Generation.ModelDir,
		})),
		core.WithEngine(ffmpeg.NewEngine(nil, ffmpeg.Config{
			Timeout: cfg.GenerationTimeout(),
		})),
		core.WithRemoteFetcher(fetch.NewHTTPFetcher(nil)),
	}

	if cfg.Store.Configured() {
		objectStore, err := s3store.New(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("build object store: %w", err)
		}
		options = append(options, core.WithObjectStore(objectStore))
	}

	ledger, err := openLedger(cfg.Ledger)
	if err != nil {
		return nil, err
	}
	if ledger != nil {
		jobStore, storeErr := buildJobStore(ledger, cfg)
		if storeErr != nil {
			_ = ledger.Close()
			return nil, storeErr
		}
		options = append(options, core.WithJobStore(jobStore))
	}

	service, err := core.NewService(cfg, options...)
	if err != nil {
		if ledger != nil {
			_ = ledger.Close()
		}
		return nil, fmt.Errorf("build service: %w", err)
	}

	return &workerRuntime{service: service, ledger: ledger}, nil
}

// buildDispatcher wires the inbound surface over the service. Idempotency
// claims live in Redis when the queue is Redis-backed so replays dedupe
// across worker restarts; otherwise an in-process store covers the single
// worker case.
func buildDispatcher(rt *workerRuntime) (*inbound.Dispatcher, error) {
	cfg := rt.service.Config()

	var claims core.IdempotencyClaimStore
	if strings.TrimSpace(cfg.Queue.RedisAddr) != "" {
		store, err := redisstore.New(cfg.Queue)
		if err != nil {
			return nil, fmt.Errorf("build claim store: %w", err)
		}
		claims = store
	} else {
		claims = inbound.NewInMemoryClaimStore()
	}

	deps := rt.service.Dependencies()
	dispatcher := inbound.NewDispatcher(rt.service, claims)
	dispatcher.Ledger = deps.JobStore
	dispatcher.Logger = deps.Logger
	dispatcher.ClaimTTL = cfg.ClaimTTL()
	return dispatcher, nil
}

func openLedger(cfg core.LedgerConfig) (*bun.DB, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, nil
	}
	switch driver := strings.TrimSpace(strings.ToLower(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		sqldb, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return bun.NewDB(sqldb, sqlitedialect.New()), nil
	case "postgres", "postgresql":
		sqldb, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return bun.NewDB(sqldb, pgdialect.New()), nil
	default:
		return nil, fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
}

func buildJobStore(db *bun.DB, cfg core.Config) (core.JobStore, error) {
	jobStore, err := sqlstore.NewJobStore(db)
	if err != nil {
		return nil, fmt.Errorf("build job store: %w", err)
	}
	if cfg.Ledger.CacheTTLSeconds <= 0 {
		return jobStore, nil
	}

	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = cfg.LedgerCacheTTL()
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("build job cache: %w", err)
	}
	cached, err := sqlstore.NewCachedJobStore(jobStore, cacheService)
	if err != nil {
		return nil, fmt.Errorf("build cached job store: %w", err)
	}
	return cached, nil
}
