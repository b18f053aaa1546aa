// Package avatarworker re-exports the core surface so hosts can depend on
// the module root without importing internal packages one by one.
package avatarworker

import "github.com/flowsmartly/avatar-worker/core"

type Config = core.Config

type StoreConfig = core.StoreConfig

type GenerationConfig = core.GenerationConfig

type QueueConfig = core.QueueConfig

type HTTPConfig = core.HTTPConfig

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type Job = core.Job
type JobStatus = core.JobStatus
type JobRequest = core.JobRequest
type JobResult = core.JobResult
type JobResultStatus = core.JobResultStatus
type JobEnvelope = core.JobEnvelope
type ErrorInfo = core.ErrorInfo
type ErrorKind = core.ErrorKind

type RemoteFetcher = core.RemoteFetcher
type ObjectStore = core.ObjectStore
type GenerationEngine = core.GenerationEngine
type EngineProber = core.EngineProber
type EngineRegistry = core.EngineRegistry
type ScratchAllocator = core.ScratchAllocator
type JobStore = core.JobStore
type IdempotencyClaimStore = core.IdempotencyClaimStore
type MetricsRecorder = core.MetricsRecorder
type Logger = core.Logger
type LoggerProvider = core.LoggerProvider

type JobEnqueuer = core.JobEnqueuer
type JobDequeuer = core.JobDequeuer
type JobDelivery = core.JobDelivery
type JobNackOptions = core.JobNackOptions
type JobWorkerHook = core.JobWorkerHook
type JobWorkerEvent = core.JobWorkerEvent
type JobExecutor = core.JobExecutor

type ReadinessReport = core.ReadinessReport
type EngineReadiness = core.EngineReadiness

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithPersistenceClient = core.WithPersistenceClient
	WithRepositoryFactory = core.WithRepositoryFactory
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithRemoteFetcher     = core.WithRemoteFetcher
	WithObjectStore       = core.WithObjectStore
	WithEngineRegistry    = core.WithEngineRegistry
	WithEngine            = core.WithEngine
	WithScratchAllocator  = core.WithScratchAllocator
	WithJobStore          = core.WithJobStore
)

var (
	NewService    = core.NewService
	Setup         = core.Setup
	DefaultConfig = core.DefaultConfig
)
