package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Provider is the uniform capability interface for upstream LLM backends.
// Implementations translate ChatRequest to and from the backend wire
// format and surface typed *Error failures.
type Provider interface {
	// Name returns the provider's unique identifier.
	Name() string

	// SupportedModels returns the model names this provider accepts.
	SupportedModels(ctx context.Context) []string

	// ValidateModel reports whether the given model is supported.
	ValidateModel(ctx context.Context, model string) bool

	// Completion performs a unary chat completion.
	Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream performs a streaming chat completion. The returned channel
	// closes after the upstream [DONE] sentinel or an error; a stream is
	// not restartable.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)

	// HealthCheck performs a cheap upstream round trip.
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Usage returns per-process usage counters.
	Usage() ProviderUsage

	// EstimateCost returns the estimated request cost in USD.
	EstimateCost(req *ChatRequest) float64

	// Close releases connections held by the provider.
	Close() error
}

// Factory constructs a provider from an opaque configuration map.
type Factory func(cfg map[string]any) (Provider, error)

// registry maps provider names to factories. Adapters unknown at compile
// time register themselves via RegisterFactory.
var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// RegisterFactory registers a provider factory under the given name.
// Registering the same name twice panics; it indicates a wiring bug.
func RegisterFactory(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("llm: provider factory %q registered twice", name))
	}
	registry[name] = f
}

// NewProvider builds a provider by registry name.
func NewProvider(name string, cfg map[string]any) (Provider, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("llm: unknown provider %q (registered: %v)", name, RegisteredProviders())
	}
	return f(cfg)
}

// RegisteredProviders returns the sorted names of all registered factories.
func RegisteredProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
