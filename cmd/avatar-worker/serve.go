package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	asynqadapter "github.com/flowsmartly/avatar-worker/adapters/asynq"
	"github.com/flowsmartly/avatar-worker/core"
	"github.com/flowsmartly/avatar-worker/httpapi"
	"github.com/flowsmartly/avatar-worker/queue"
	"github.com/flowsmartly/avatar-worker/worker"
)

const defaultQueueCapacity = 64

func newServeCommand() *cobra.Command {
	var queueCapacity int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker loop until interrupted",
		Long: "Consumes jobs from the configured queue and executes them one at a time. " +
			"With QUEUE_REDIS_ADDR set the loop rides asynq; otherwise an in-process " +
			"queue serves local development. HTTP_ADDR additionally exposes the " +
			"dispatch and lookup surface over HTTP.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), queueCapacity)
		},
	}
	cmd.Flags().IntVar(&queueCapacity, "queue-capacity", defaultQueueCapacity, "buffered job capacity of the in-process queue")
	return cmd
}

func runServe(parent context.Context, queueCapacity int) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	dispatcher, err := buildDispatcher(rt)
	if err != nil {
		return err
	}

	logger := rt.logger()
	var (
		loop     func(context.Context) error
		enqueuer core.JobEnqueuer
	)
	if strings.TrimSpace(cfg.Queue.RedisAddr) != "" {
		consumer := asynqadapter.NewConsumer(cfg.Queue, dispatcher, logger)
		producer := asynqadapter.NewEnqueuer(cfg.Queue)
		defer producer.Close()
		loop = consumer.Run
		enqueuer = producer
		logBoot(ctx, rt, "asynq", cfg)
	} else {
		if queueCapacity <= 0 {
			queueCapacity = defaultQueueCapacity
		}
		memory := queue.NewMemoryQueue(queueCapacity)
		defer memory.Close()
		jobLoop := worker.New(memory, dispatcher)
		jobLoop.Readiness = rt.service
		jobLoop.Logger = logger
		loop = jobLoop.Run
		enqueuer = memory
		logBoot(ctx, rt, "memory", cfg)
	}

	errs := make(chan error, 2)
	running := 1
	go func() { errs <- loop(ctx) }()

	if strings.TrimSpace(cfg.HTTP.Addr) != "" {
		api := httpapi.New(cfg.HTTP, dispatcher, enqueuer, rt.service)
		api.Logger = logger
		running++
		go func() { errs <- api.Run(ctx) }()
	}

	var firstErr error
	for i := 0; i < running; i++ {
		if runErr := <-errs; runErr != nil {
			if firstErr == nil {
				firstErr = runErr
			}
			cancel()
		}
	}
	return firstErr
}

// logBoot emits one line an operator can grep for after deploy: transport
// mode, surfaces, and the readiness verdict.
func logBoot(ctx context.Context, rt *workerRuntime, queueMode string, cfg core.Config) {
	logger := rt.logger()
	if logger == nil {
		return
	}
	report := rt.service.Readiness(ctx)
	engines := make([]string, 0, len(report.Engines))
	for _, engine := range report.Engines {
		if engine.Ready {
			engines = append(engines, engine.Name)
		}
	}
	fields := []any{
		"worker", report.WorkerName,
		"queue_mode", queueMode,
		"queue", cfg.Queue.Name,
		"ready", report.Ready(),
		"engines_ready", strings.Join(engines, ","),
		"store_configured", report.StoreConfigured,
		"ledger_ready", report.LedgerReady,
	}
	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		fields = append(fields, "http_addr", addr)
	}
	logger.WithContext(ctx).Info(fmt.Sprintf("serve: starting %s", report.WorkerName), fields...)
}
