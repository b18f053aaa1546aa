package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	fetcher           RemoteFetcher
	objectStore       ObjectStore
	engines           EngineRegistry
	engineList        []GenerationEngine
	scratch           ScratchAllocator
	jobStore          JobStore
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithRemoteFetcher(fetcher RemoteFetcher) Option {
	return func(b *serviceBuilder) {
		b.fetcher = fetcher
	}
}

func WithObjectStore(store ObjectStore) Option {
	return func(b *serviceBuilder) {
		b.objectStore = store
	}
}

func WithEngineRegistry(registry EngineRegistry) Option {
	return func(b *serviceBuilder) {
		b.engines = registry
	}
}

func WithEngine(engine GenerationEngine) Option {
	return func(b *serviceBuilder) {
		if engine == nil {
			return
		}
		b.engineList = append(b.engineList, engine)
	}
}

func WithScratchAllocator(allocator ScratchAllocator) Option {
	return func(b *serviceBuilder) {
		b.scratch = allocator
	}
}

func WithJobStore(store JobStore) Option {
	return func(b *serviceBuilder) {
		b.jobStore = store
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("avatar-worker", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		engines:         NewEngineRegistry(),
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return workerErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	defaultLayer := configToLayerMap(defaults, true)
	loadedLayer := configToLayerMap(loaded, false)
	runtimeLayer := configToLayerMap(runtime, false)

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			defaultLayer,
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loadedLayer,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtimeLayer,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.WorkerName) != "" {
		layer["worker_name"] = cfg.WorkerName
	}
	if includeZero || strings.TrimSpace(cfg.ScratchRoot) != "" {
		layer["scratch_root"] = cfg.ScratchRoot
	}
	if includeZero || cfg.JobTimeoutSeconds != 0 {
		layer["job_timeout_s"] = cfg.JobTimeoutSeconds
	}
	if includeZero || cfg.FetchTimeoutSeconds != 0 {
		layer["fetch_timeout_s"] = cfg.FetchTimeoutSeconds
	}
	if includeZero || cfg.MaxInputBytes != 0 {
		layer["max_input_bytes"] = cfg.MaxInputBytes
	}
	if includeZero || cfg.ClaimTTLSeconds != 0 {
		layer["claim_ttl_s"] = cfg.ClaimTTLSeconds
	}

	store := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Store.Endpoint) != "" {
		store["endpoint"] = cfg.Store.Endpoint
	}
	if includeZero || strings.TrimSpace(cfg.Store.AccessKey) != "" {
		store["access_key"] = cfg.Store.AccessKey
	}
	if includeZero || strings.TrimSpace(cfg.Store.SecretKey) != "" {
		store["secret_key"] = cfg.Store.SecretKey
	}
	if includeZero || strings.TrimSpace(cfg.Store.Bucket) != "" {
		store["bucket"] = cfg.Store.Bucket
	}
	if includeZero || strings.TrimSpace(cfg.Store.Region) != "" {
		store["region"] = cfg.Store.Region
	}
	if includeZero || strings.TrimSpace(cfg.Store.KeyTemplate) != "" {
		store["key_template"] = cfg.Store.KeyTemplate
	}
	if includeZero || cfg.Store.PathStyle {
		store["path_style"] = cfg.Store.PathStyle
	}
	if len(store) > 0 {
		layer["store"] = store
	}

	generation := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Generation.Engine) != "" {
		generation["engine"] = cfg.Generation.Engine
	}
	if includeZero || strings.TrimSpace(cfg.Generation.WorkspaceDir) != "" {
		generation["workspace_dir"] = cfg.Generation.WorkspaceDir
	}
	if includeZero || strings.TrimSpace(cfg.Generation.ModelDir) != "" {
		generation["model_dir"] = cfg.Generation.ModelDir
	}
	if includeZero || cfg.Generation.FPS != 0 {
		generation["fps"] = cfg.Generation.FPS
	}
	if includeZero || cfg.Generation.BatchSize != 0 {
		generation["batch_size"] = cfg.Generation.BatchSize
	}
	if includeZero || cfg.Generation.TimeoutSeconds != 0 {
		generation["timeout_s"] = cfg.Generation.TimeoutSeconds
	}
	if len(generation) > 0 {
		layer["generation"] = generation
	}

	ledger := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Ledger.Driver) != "" {
		ledger["driver"] = cfg.Ledger.Driver
	}
	if includeZero || strings.TrimSpace(cfg.Ledger.DSN) != "" {
		ledger["dsn"] = cfg.Ledger.DSN
	}
	if includeZero || cfg.Ledger.CacheTTLSeconds != 0 {
		ledger["cache_ttl_s"] = cfg.Ledger.CacheTTLSeconds
	}
	if len(ledger) > 0 {
		layer["ledger"] = ledger
	}

	queue := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.Queue.RedisAddr) != "" {
		queue["redis_addr"] = cfg.Queue.RedisAddr
	}
	if includeZero || strings.TrimSpace(cfg.Queue.RedisPassword) != "" {
		queue["redis_password"] = cfg.Queue.RedisPassword
	}
	if includeZero || strings.TrimSpace(cfg.Queue.Name) != "" {
		queue["name"] = cfg.Queue.Name
	}
	if len(queue) > 0 {
		layer["queue"] = queue
	}

	httpSection := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.HTTP.Addr) != "" {
		httpSection["addr"] = cfg.HTTP.Addr
	}
	if includeZero || len(cfg.HTTP.AllowOrigins) > 0 {
		httpSection["allow_origins"] = append([]string(nil), cfg.HTTP.AllowOrigins...)
	}
	if len(httpSection) > 0 {
		layer["http"] = httpSection
	}

	return layer
}
