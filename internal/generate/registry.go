package generate

import (
	"fmt"
	"slices"
	"sync"

	"github.com/loqalabs/loqa-tts/internal/config"
)

// Factory builds a backend from the generation settings. Factories fail when the
// backend's runtime is missing rather than on first use.
type Factory func(cfg config.GenerationConfig) (Generator, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("generate: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("generate: Register called twice for " + name)
	}
	registry[name] = factory
}

// New builds the backend registered under name.
func New(name string, cfg config.GenerationConfig) (Generator, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownBackend, name, Backends())
	}
	return factory(cfg)
}

// Backends lists registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func init() {
	Register("mock", func(config.GenerationConfig) (Generator, error) {
		return NewMockGenerator(), nil
	})
	Register("hf", func(cfg config.GenerationConfig) (Generator, error) {
		return NewRunnerGenerator("hf", cfg)
	})
	Register("exl2", func(cfg config.GenerationConfig) (Generator, error) {
		return NewRunnerGenerator("exl2", cfg)
	})
	Register("gguf", func(cfg config.GenerationConfig) (Generator, error) {
		return NewLlamaCppGenerator(cfg)
	})
}
