package core

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

type GenerationEngineRegistry struct {
	mu      sync.RWMutex
	engines map[string]GenerationEngine
}

func NewEngineRegistry() *GenerationEngineRegistry {
	return &GenerationEngineRegistry{engines: make(map[string]GenerationEngine)}
}

func (r *GenerationEngineRegistry) Register(engine GenerationEngine) error {
	if engine == nil {
		return fmt.Errorf("core: engine is nil")
	}
	name := strings.ToLower(strings.TrimSpace(engine.Name()))
	if name == "" {
		return fmt.Errorf("core: engine name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[name]; exists {
		return fmt.Errorf("core: engine already registered: %s", name)
	}
	r.engines[name] = engine
	return nil
}

func (r *GenerationEngineRegistry) Get(name string) (GenerationEngine, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return nil, false
	}
	r.mu.RLock()
	engine, ok := r.engines[key]
	r.mu.RUnlock()
	return engine, ok
}

func (r *GenerationEngineRegistry) List() []GenerationEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.engines))
	for name := range r.engines {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	engines := make([]GenerationEngine, 0, len(keys))
	for _, name := range keys {
		engines = append(engines, r.engines[name])
	}
	return engines
}

var _ EngineRegistry = (*GenerationEngineRegistry)(nil)
