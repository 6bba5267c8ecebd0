package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by [Registry.CreateLLM] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// ProviderSpec is what a provider factory receives: the model binding plus
// per-character credential overrides.
type ProviderSpec struct {
	// Model is the provider-specific model id.
	Model string

	// APIKey is the credential, empty when the provider should fall back to
	// its environment variable.
	APIKey string

	// BaseURL overrides the provider's default API endpoint when non-empty.
	BaseURL string
}

// Registry maps LLM provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	llm map[string]func(ProviderSpec) (llm.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm: make(map[string]func(ProviderSpec) (llm.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderSpec) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under
// name. Returns [ErrProviderNotRegistered] when no factory exists for name.
func (r *Registry) CreateLLM(name string, spec ProviderSpec) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, name)
	}
	return factory(spec)
}

// Names returns the registered provider names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.llm))
	for n := range r.llm {
		names = append(names, n)
	}
	return names
}
