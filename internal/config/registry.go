package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/koschei/pkg/provider/embeddings"
	"github.com/MrWong99/koschei/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an LLM provider from its config entry.
type LLMFactory func(ProviderEntry) (llm.Provider, error)

// EmbeddingsFactory builds an embeddings provider from its config entry.
type EmbeddingsFactory func(ProviderEntry) (embeddings.Provider, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]LLMFactory
	embeddings map[string]EmbeddingsFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]LLMFactory),
		embeddings: make(map[string]EmbeddingsFactory),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Names returns the sorted provider names registered for kind ("llm" or
// "embeddings"). Unknown kinds return nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch kind {
	case "llm":
		for n := range r.llm {
			out = append(out, n)
		}
	case "embeddings":
		for n := range r.embeddings {
			out = append(out, n)
		}
	default:
		return nil
	}
	slices.Sort(out)
	return out
}
