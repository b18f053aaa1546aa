package avatarworker

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowsmartly/avatar-worker/core"
)

// EnginePack groups generation engines a host registers as one unit, such
// as an alternative model family shipped in its own image layer.
type EnginePack struct {
	Name    string
	Engines []core.GenerationEngine
}

// WorkerHookPack groups job lifecycle observers a host mounts together.
type WorkerHookPack struct {
	Name  string
	Hooks []core.JobWorkerHook
}

type OperationBundleFactory func(service CommandQueryService) (any, error)

// ExtensionHooks collects host-supplied packs before the runtime is built:
// engines for the registry, lifecycle hooks for the worker loop, and
// operation bundles constructed over the finished service.
type ExtensionHooks struct {
	mu sync.RWMutex

	enginePacks map[string]EnginePack
	hookPacks   map[string]WorkerHookPack
	bundles     map[string]OperationBundleFactory
}

func NewExtensionHooks() *ExtensionHooks {
	return &ExtensionHooks{
		enginePacks: map[string]EnginePack{},
		hookPacks:   map[string]WorkerHookPack{},
		bundles:     map[string]OperationBundleFactory{},
	}
}

func (h *ExtensionHooks) RegisterEnginePack(pack EnginePack) error {
	if h == nil {
		return fmt.Errorf("avatarworker: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("avatarworker: engine pack name is required")
	}
	if len(pack.Engines) == 0 {
		return fmt.Errorf("avatarworker: engine pack %q has no engines", name)
	}

	normalized := EnginePack{
		Name:    name,
		Engines: append([]core.GenerationEngine(nil), pack.Engines...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.enginePacks[name]; exists {
		return fmt.Errorf("avatarworker: engine pack %q already registered", name)
	}
	h.enginePacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterWorkerHookPack(pack WorkerHookPack) error {
	if h == nil {
		return fmt.Errorf("avatarworker: extension hooks are nil")
	}
	name := strings.TrimSpace(pack.Name)
	if name == "" {
		return fmt.Errorf("avatarworker: worker hook pack name is required")
	}
	if len(pack.Hooks) == 0 {
		return fmt.Errorf("avatarworker: worker hook pack %q has no hooks", name)
	}

	normalized := WorkerHookPack{
		Name:  name,
		Hooks: append([]core.JobWorkerHook(nil), pack.Hooks...),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.hookPacks[name]; exists {
		return fmt.Errorf("avatarworker: worker hook pack %q already registered", name)
	}
	h.hookPacks[name] = normalized
	return nil
}

func (h *ExtensionHooks) RegisterOperationBundle(
	name string,
	factory OperationBundleFactory,
) error {
	if h == nil {
		return fmt.Errorf("avatarworker: extension hooks are nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("avatarworker: operation bundle name is required")
	}
	if factory == nil {
		return fmt.Errorf("avatarworker: operation bundle %q factory is required", name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.bundles[name]; exists {
		return fmt.Errorf("avatarworker: operation bundle %q already registered", name)
	}
	h.bundles[name] = factory
	return nil
}

// ApplyEnginePacks registers every packed engine, in sorted pack order, so
// registration conflicts surface deterministically.
func (h *ExtensionHooks) ApplyEnginePacks(registry core.EngineRegistry) error {
	if h == nil {
		return nil
	}
	if registry == nil {
		return fmt.Errorf("avatarworker: engine registry is required")
	}

	for _, pack := range h.EnginePacks() {
		for _, engine := range pack.Engines {
			if engine == nil {
				return fmt.Errorf("avatarworker: engine pack %q contains nil engine", pack.Name)
			}
			if err := registry.Register(engine); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *ExtensionHooks) BuildOperationBundles(
	service CommandQueryService,
) (map[string]any, error) {
	if h == nil {
		return map[string]any{}, nil
	}
	if service == nil {
		return nil, fmt.Errorf("avatarworker: command/query service is required")
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	factories := make(map[string]OperationBundleFactory, len(h.bundles))
	for name, factory := range h.bundles {
		factories[name] = factory
	}
	h.mu.RUnlock()

	result := make(map[string]any, len(names))
	for _, name := range names {
		bundle, err := factories[name](service)
		if err != nil {
			return nil, err
		}
		result[name] = bundle
	}
	return result, nil
}

func (h *ExtensionHooks) EnginePacks() []EnginePack {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.enginePacks))
	for name := range h.enginePacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]EnginePack, 0, len(names))
	for _, name := range names {
		pack := h.enginePacks[name]
		out = append(out, EnginePack{
			Name:    pack.Name,
			Engines: append([]core.GenerationEngine(nil), pack.Engines...),
		})
	}
	return out
}

// WorkerHooks flattens every registered pack in sorted pack order, the
// order the worker loop will emit them in.
func (h *ExtensionHooks) WorkerHooks() []core.JobWorkerHook {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.hookPacks))
	for name := range h.hookPacks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := []core.JobWorkerHook{}
	for _, name := range names {
		out = append(out, h.hookPacks[name].Hooks...)
	}
	return out
}

func (h *ExtensionHooks) BundleNames() []string {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.bundles))
	for name := range h.bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
