package core

import (
	"context"
	"errors"
	"testing"

	goerrors "github.com/goliatone/go-errors"
)

type fixedConfigProvider struct {
	cfg Config
}

func (p *fixedConfigProvider) Load(context.Context, Config) (Config, error) {
	return p.cfg, nil
}

type fixedOptionsResolver struct {
	cfg Config
}

func (r *fixedOptionsResolver) Resolve(Config, Config, Config) (Config, error) {
	return r.cfg, nil
}

type fixedStoreProvider struct {
	store JobStore
}

func (p fixedStoreProvider) JobStore() JobStore { return p.store }

type buildingStoreFactory struct {
	store      JobStore
	seenClient any
}

func (f *buildingStoreFactory) BuildStores(client any) (StoreProvider, error) {
	f.seenClient = client
	return fixedStoreProvider{store: f.store}, nil
}

func TestNewService_DefaultDependencies(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	deps := svc.Dependencies()
	if deps.Logger == nil {
		t.Fatalf("expected default logger")
	}
	if deps.LoggerProvider == nil {
		t.Fatalf("expected default logger provider")
	}
	if deps.ErrorFactory == nil {
		t.Fatalf("expected default error factory")
	}
	if deps.ErrorMapper == nil {
		t.Fatalf("expected default error mapper")
	}
	if deps.ConfigProvider == nil {
		t.Fatalf("expected default config provider")
	}
	if deps.OptionsResolver == nil {
		t.Fatalf("expected default options resolver")
	}
	if deps.Engines == nil {
		t.Fatalf("expected default engine registry")
	}
	if deps.Scratch == nil {
		t.Fatalf("expected default scratch allocator")
	}
	if got := svc.Config().WorkerName; got != "avatar-worker" {
		t.Fatalf("expected default config worker_name=avatar-worker, got %q", got)
	}
	if got := svc.Config().Store.Bucket; got != "flowsmartly-avatars" {
		t.Fatalf("expected default bucket, got %q", got)
	}
}

func TestNewService_WithXOverrides(t *testing.T) {
	customLogger := stubLogger{}
	customProvider := stubLoggerProvider{logger: customLogger}
	customFactory := func(message string, category ...goerrors.Category) *goerrors.Error {
		return goerrors.New("custom:"+message, category...)
	}
	sentinel := errors.New("sentinel")
	customMapper := func(error) *goerrors.Error {
		return goerrors.Wrap(sentinel, goerrors.CategoryOperation, "mapped")
	}
	persistenceClient := &struct{ Name string }{Name: "persistence"}
	repositoryFactory := &struct{ Name string }{Name: "repo"}
	configProvider := &fixedConfigProvider{cfg: Config{WorkerName: "from-provider"}}
	resolved := DefaultConfig()
	resolved.WorkerName = "resolved"
	optionsResolver := &fixedOptionsResolver{cfg: resolved}
	fetcher := &fakeFetcher{}
	uploads := &fakeObjectStore{}
	scratch := NewDirScratchAllocator(t.TempDir())
	ledger := newMemoryJobStore()

	svc, err := NewService(Config{WorkerName: "runtime"},
		WithLogger(customLogger),
		WithLoggerProvider(customProvider),
		WithErrorFactory(customFactory),
		WithErrorMapper(customMapper),
		WithPersistenceClient(persistenceClient),
		WithRepositoryFactory(repositoryFactory),
		WithConfigProvider(configProvider),
		WithOptionsResolver(optionsResolver),
		WithRemoteFetcher(fetcher),
		WithObjectStore(uploads),
		WithScratchAllocator(scratch),
		WithJobStore(ledger),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	deps := svc.Dependencies()
	if deps.Logger != customLogger {
		t.Fatalf("expected custom logger override")
	}
	if deps.LoggerProvider == nil {
		t.Fatalf("expected custom logger provider override")
	}
	if resolvedLogger := deps.LoggerProvider.GetLogger("avatar-worker.override"); resolvedLogger != customLogger {
		t.Fatalf("expected logger provider to resolve custom logger")
	}
	if deps.PersistenceClient != persistenceClient {
		t.Fatalf("expected custom persistence client override")
	}
	if deps.RepositoryFactory != repositoryFactory {
		t.Fatalf("expected custom repository factory override")
	}
	if deps.ConfigProvider != configProvider {
		t.Fatalf("expected custom config provider override")
	}
	if deps.OptionsResolver != optionsResolver {
		t.Fatalf("expected custom options resolver override")
	}
	if deps.RemoteFetcher != fetcher {
		t.Fatalf("expected custom fetcher override")
	}
	if deps.ObjectStore != uploads {
		t.Fatalf("expected custom object store override")
	}
	if deps.Scratch != scratch {
		t.Fatalf("expected custom scratch allocator override")
	}
	if deps.JobStore != ledger {
		t.Fatalf("expected custom job store override")
	}
	if got := svc.Config().WorkerName; got != "resolved" {
		t.Fatalf("expected options resolver output config, got %q", got)
	}
}

func TestNewService_ConfigLayeringPrecedence(t *testing.T) {
	provider := NewCfgxConfigProvider(staticRawConfigLoader{Values: map[string]any{
		"worker_name": "from-config",
		"store": map[string]any{
			"bucket": "bucket-from-config",
		},
	}})

	svc, err := NewService(Config{WorkerName: "from-runtime"}, WithConfigProvider(provider))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	cfg := svc.Config()
	if cfg.WorkerName != "from-runtime" {
		t.Fatalf("expected runtime value to override config/default, got %q", cfg.WorkerName)
	}
	if cfg.Store.Bucket != "bucket-from-config" {
		t.Fatalf("expected config layer value for the bucket, got %q", cfg.Store.Bucket)
	}
	if cfg.Generation.Engine != "musetalk" {
		t.Fatalf("expected default layer value for the engine, got %q", cfg.Generation.Engine)
	}
}

func TestNewService_RepositoryFactoryBuildsJobStore(t *testing.T) {
	ledger := newMemoryJobStore()
	client := &struct{ Name string }{Name: "bun"}
	factory := &buildingStoreFactory{store: ledger}

	svc, err := NewService(Config{},
		WithPersistenceClient(client),
		WithRepositoryFactory(factory),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if factory.seenClient != client {
		t.Fatalf("expected the persistence client to reach the factory")
	}
	if svc.Dependencies().JobStore != ledger {
		t.Fatalf("expected factory-built job store to be wired")
	}
}

func TestNewService_RegistersEngines(t *testing.T) {
	svc, err := NewService(Config{},
		WithEngine(&fakeEngine{name: "musetalk"}),
		WithEngine(&fakeEngine{name: "ffmpeg-still"}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	engines := svc.Dependencies().Engines
	if _, ok := engines.Get("musetalk"); !ok {
		t.Fatalf("expected musetalk to be registered")
	}
	if _, ok := engines.Get("ffmpeg-still"); !ok {
		t.Fatalf("expected ffmpeg-still to be registered")
	}

	if _, err := NewService(Config{},
		WithEngine(&fakeEngine{name: "musetalk"}),
		WithEngine(&fakeEngine{name: "musetalk"}),
	); err == nil {
		t.Fatalf("expected duplicate engine registration to fail service construction")
	}
}
